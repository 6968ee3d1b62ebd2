package main

import (
	"context"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nicktill/tinysync/pkg/sdk"
)

var hosts = []string{
	"github.com",
	"go.dev",
	"news.ycombinator.com",
	"pkg.go.dev",
	"stackoverflow.com",
}

// startBrowsingSimulator records a visit to one host every interval. Each
// visit lasts a few seconds, part of it with the tab focused.
func startBrowsingSimulator(ctx context.Context, engine *sdk.Engine, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	visits := 0
	for {
		select {
		case <-ctx.Done():
			log.WithField("visits", visits).Info("Browsing simulator stopped")
			return
		case <-ticker.C:
			visits++
			host := hosts[visits%len(hosts)]
			total := uint64(1 + rand.Intn(int(every.Seconds())+1))
			focus := uint64(rand.Int63n(int64(total) + 1))

			if err := engine.Track(ctx, host, focus, total); err != nil {
				log.WithError(err).WithField("host", host).Warn("Failed to record visit")
				continue
			}
			log.WithFields(log.Fields{
				"host":  host,
				"focus": focus,
				"time":  total,
			}).Debug("Visit recorded")
		}
	}
}

package syncer

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/nicktill/tinysync/pkg/storage"
)

// clientCache keeps the last client listing for a short TTL. Concurrent
// misses share one store scan.
type clientCache struct {
	ttl   time.Duration
	group *singleflight.Group

	mu      sync.Mutex
	entries []ClientInfo
	expires time.Time
}

// ListClients returns the identities known to the server, marking the
// caller's own entry. It is best effort: an archive listing failure only
// drops archived-only identities from the answer.
func (p *Processor) ListClients(ctx context.Context, clientID string) ([]ClientInfo, error) {
	base, err := p.cachedClients(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]ClientInfo, len(base))
	copy(out, base)
	for i := range out {
		out[i].Current = out[i].ID == clientID
	}
	return out, nil
}

func (p *Processor) cachedClients(ctx context.Context) ([]ClientInfo, error) {
	c := &p.clients
	now := p.now()

	c.mu.Lock()
	if c.entries != nil && now.Before(c.expires) {
		entries := c.entries
		c.mu.Unlock()
		return entries, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("clients", func() (interface{}, error) {
		return p.loadClients(ctx)
	})
	if err != nil {
		return nil, err
	}
	entries := v.([]ClientInfo)

	c.mu.Lock()
	c.entries = entries
	c.expires = now.Add(c.ttl)
	c.mu.Unlock()
	return entries, nil
}

func (p *Processor) loadClients(ctx context.Context) ([]ClientInfo, error) {
	hot, err := p.store.Clients(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*ClientInfo, len(hot))
	out := make([]ClientInfo, 0, len(hot))
	for _, h := range hot {
		out = append(out, fromStore(h))
	}
	for i := range out {
		byID[out[i].ID] = &out[i]
	}

	if p.archive != nil {
		ids, err := p.archive.Clients(ctx)
		if err != nil {
			log.WithError(err).Warn("Failed to list archived clients")
		}
		for _, id := range ids {
			if _, ok := byID[id]; !ok {
				out = append(out, ClientInfo{ID: id, Archived: true})
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func fromStore(c storage.ClientInfo) ClientInfo {
	return ClientInfo{ID: c.ID, Rows: c.Rows, LastSeen: c.LastSeen}
}

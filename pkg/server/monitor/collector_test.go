package monitor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinysync/pkg/rows"
	"github.com/nicktill/tinysync/pkg/storage"
	"github.com/nicktill/tinysync/pkg/storage/memory"
	"github.com/nicktill/tinysync/pkg/tiering"
)

type fixedCount int

func (f fixedCount) Count() int { return int(f) }

func TestCollector(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()
	for _, host := range []string{"a.com", "b.com"} {
		row := rows.EnhancedRow{Row: rows.Row{Host: host, Date: "20260315", Focus: 1}, ClientID: "c1", SessionID: "s1", Version: 1}
		require.NoError(t, store.PutIfVersion(ctx, storage.Record{Key: rows.KeyOf("c1", row.Row), Row: row}, 0))
	}

	sweep := &SweepMonitor{}
	sweep.RecordSuccess(tiering.Result{Archived: 5})
	sweep.RecordFailure(errors.New("bucket unreachable"))

	c := &Collector{Store: store, Sweep: sweep, Connections: fixedCount(3)}

	expected := `
# HELP tinysync_hot_records Rows held in the hot store.
# TYPE tinysync_hot_records gauge
tinysync_hot_records 2
# HELP tinysync_hot_clients Distinct clients with rows in the hot store.
# TYPE tinysync_hot_clients gauge
tinysync_hot_clients 1
# HELP tinysync_realtime_connections Open real-time connections.
# TYPE tinysync_realtime_connections gauge
tinysync_realtime_connections 3
# HELP tinysync_sweep_archived_rows_total Rows moved to the archive since start.
# TYPE tinysync_sweep_archived_rows_total counter
tinysync_sweep_archived_rows_total 5
# HELP tinysync_sweep_consecutive_errors Sweeps failed in a row.
# TYPE tinysync_sweep_consecutive_errors gauge
tinysync_sweep_consecutive_errors 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"tinysync_hot_records",
		"tinysync_hot_clients",
		"tinysync_realtime_connections",
		"tinysync_sweep_archived_rows_total",
		"tinysync_sweep_consecutive_errors",
	))
}

func TestCollector_SkipsMissingSources(t *testing.T) {
	c := &Collector{Sweep: &SweepMonitor{}}

	// healthy, consecutive errors and archived total; no last-success time yet
	require.Equal(t, 3, testutil.CollectAndCount(c))
}

/*
Package storage provides the hot-tier storage abstraction for tinysync.

# Storage Interface

The hot tier keeps the latest resolved row per (client, host, date) key
together with a monotonic version. Two backends implement Store:
  - memory: map-backed storage for tests and ephemeral dev servers
  - badger: BadgerDB (LSM tree + Snappy compression) for persistent storage

Records older than the hot window are moved to the cold archive by
pkg/tiering; the hot tier never deletes on its own.

# Optimistic Concurrency

Writers never lock. A write reads the current record, merges, and then
calls PutIfVersion with the version it read:

	rec, err := store.Get(ctx, key)
	// ... merge ...
	err = store.PutIfVersion(ctx, resolved, rec.Row.Version)
	if errors.Is(err, storage.ErrVersionConflict) {
	    // somebody else advanced the key: read again and re-merge
	}

A version of 0 means "the key must not exist yet", so two writers racing to
create the same key cannot both win.

# Keys and Indexes

Records are addressed by rows.Key, rendered as clientId#host#date. The
badger backend keeps two secondary indexes next to each record:

	r/<clientId>#<host>#<date>      record (JSON)
	c/<clientId>/<date>/<host>      per-client index
	d/<date>/<clientId>#<host>      date index

Per-client queries walk the c/ prefix; date-range and archival queries walk
d/. Both indexes are written in the same transaction as the record.

# Query Filtering

	// Everything client c1 has for January
	store.Query(ctx, storage.QueryRequest{
	    ClientID:  "c1",
	    StartDate: "20260101",
	    EndDate:   "20260131",
	})

	// Rows changed since the last poll
	store.Query(ctx, storage.QueryRequest{
	    ClientID:      "c1",
	    ModifiedSince: lastPoll,
	})

	// Everything that aged out of the hot window
	store.Query(ctx, storage.QueryRequest{Before: cutoff})

# See Also

  - memory.New() for in-memory storage
  - badger.New() for persistent BadgerDB storage
  - pkg/tiering for hot to cold migration
*/
package storage

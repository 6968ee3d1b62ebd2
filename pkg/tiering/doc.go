/*
Package tiering moves resolved usage rows from the hot store to the cold archive.

# Tiers

	┌──────────────────────────────────────────────────────────────┐
	│ Hot (storage.Store, badger)                                  │
	│ • Last HotWindowDays calendar days, today included           │
	│ • Versioned records, conditional writes from /sync           │
	└──────────────────────────────────────────────────────────────┘
	                    ↓ Sweep (hourly)
	┌──────────────────────────────────────────────────────────────┐
	│ Cold (archive.Archive, file/MinIO/S3 blobs)                  │
	│ • One compressed blob per client and month                   │
	│ • archive/<clientId>/<YYYY-MM>.blob, records keyed host_date │
	└──────────────────────────────────────────────────────────────┘

# Sweep

A sweep reads the cutoff once, queries hot records dated before it, groups
them by (client, month), upsert-merges each group into its blob and then
deletes each archived record with DeleteIfVersion. Archive merges are
idempotent, so a sweep interrupted between the blob write and the deletes is
simply repeated next time.

Writes that race a sweep are not lost:

	sweep reads v3 ─▶ archives v3 ─▶ DeleteIfVersion(v3) fails (now v4)
	                                   └─▶ v4 stays hot, archived next sweep

A late write for a date that was already archived recreates the hot record
at version 1. The archive keeps Focus and Time as a floor when it is merged
again, so the counters never go backwards.

# Usage

	policy := tiering.DefaultPolicy()
	sweeper := tiering.NewSweeper(store, archive, policy)
	res, err := sweeper.Sweep(ctx)
	log.Printf("archived %d rows in %d groups", res.Archived, res.Groups)
*/
package tiering

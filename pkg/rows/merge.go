package rows

import "fmt"

// Merge resolves an incoming row against the stored state of the same key.
//
// Policy, in order:
//   - no existing record: incoming is stored as is with version 1
//   - same session: deltas accumulate, version advances
//   - different session, strictly newer: newer wins but totals never drop
//     below either side (session_conflict)
//   - different session, older or equal: rejected, existing kept
//     (timestamp_conflict)
//
// changed reports whether resolved differs from existing and must be written.
func Merge(existing *EnhancedRow, incoming EnhancedRow) (resolved EnhancedRow, conflicts []Conflict, changed bool) {
	if existing == nil {
		resolved = incoming
		resolved.Version = 1
		return resolved, nil, true
	}

	if existing.SessionID == incoming.SessionID {
		resolved = *existing
		resolved.Focus = existing.Focus + incoming.Focus
		resolved.Time = existing.Time + incoming.Time
		resolved.Run = sumRun(existing.Run, incoming.Run)
		resolved.LastModified = max(existing.LastModified, incoming.LastModified)
		if incoming.BatchID != "" {
			resolved.BatchID = incoming.BatchID
		}
		resolved.Version = existing.Version + 1
		return resolved, nil, true
	}

	if incoming.LastModified > existing.LastModified {
		resolved = incoming
		resolved.Focus = max(existing.Focus, incoming.Focus)
		resolved.Time = max(existing.Time, incoming.Time)
		resolved.Run = maxRun(existing.Run, incoming.Run)
		resolved.Version = existing.Version + 1
		conflicts = append(conflicts, Conflict{
			Type:      SessionConflict,
			ClientID:  existing.ClientID,
			SessionID: existing.SessionID,
			Overwritten: &Overwritten{
				Focus:        existing.Focus,
				Time:         existing.Time,
				LastModified: existing.LastModified,
			},
		})
		return resolved, conflicts, true
	}

	conflicts = append(conflicts, Conflict{
		Type:      TimestampConflict,
		ClientID:  incoming.ClientID,
		SessionID: incoming.SessionID,
		Rejected:  true,
		Reason: fmt.Sprintf("incoming lastModified %d is not newer than stored %d from session %s",
			incoming.LastModified, existing.LastModified, existing.SessionID),
	})
	return *existing, conflicts, false
}

func sumRun(a, b *uint64) *uint64 {
	if a == nil && b == nil {
		return nil
	}
	v := derefRun(a) + derefRun(b)
	return &v
}

func maxRun(a, b *uint64) *uint64 {
	if a == nil && b == nil {
		return nil
	}
	v := max(derefRun(a), derefRun(b))
	return &v
}

func derefRun(p *uint64) uint64 {
	if p == nil {
		return 0
	}
	return *p
}

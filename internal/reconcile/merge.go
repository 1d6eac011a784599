// Package reconcile merges notification sets arriving from the push channel and
// from REST snapshots into one deduplicated feed ordered newest first.
//
// Every function here is pure: inputs are never mutated and there is no clock
// or I/O, so the result does not depend on which channel delivered first.
package reconcile

import (
	"sort"
	"time"

	"github.com/cargoline/opsdash/internal/notifications"
)

// MaxFeedSize bounds the feed; the oldest entries are dropped first.
const MaxFeedSize = 120

// Result is the outcome of Merge.
type Result struct {
	Rows        []notifications.Notification
	InsertedIDs map[string]struct{}
}

// Inserted reports whether id was new to the feed.
func (r Result) Inserted(id string) bool {
	_, ok := r.InsertedIDs[id]
	return ok
}

// Merge combines the current feed with an incoming batch.
//
// For an id present on both sides the record with the newer-or-equal CreatedAt
// (incoming wins ties) is the base, and fields the base leaves empty are filled
// from the other record. Read is sticky: once either copy is read the merged
// record is read.
func Merge(current, incoming []notifications.Notification) Result {
	byID := make(map[string]notifications.Notification, len(current)+len(incoming))
	for _, n := range current {
		if existing, ok := byID[n.ID]; ok {
			byID[n.ID] = combine(existing, n)
			continue
		}
		byID[n.ID] = n
	}

	inserted := make(map[string]struct{})
	for _, n := range incoming {
		existing, ok := byID[n.ID]
		if !ok {
			inserted[n.ID] = struct{}{}
			byID[n.ID] = n
			continue
		}
		byID[n.ID] = combine(existing, n)
	}

	rows := make([]notifications.Notification, 0, len(byID))
	for _, n := range byID {
		rows = append(rows, n)
	}
	rows = order(rows)

	// An incoming record that fell off the end of the capped feed was not inserted.
	if len(byID) > len(rows) && len(inserted) > 0 {
		kept := make(map[string]struct{}, len(inserted))
		for _, n := range rows {
			if _, ok := inserted[n.ID]; ok {
				kept[n.ID] = struct{}{}
			}
		}
		inserted = kept
	}

	return Result{Rows: rows, InsertedIDs: inserted}
}

// Sort returns a sorted, deduplicated and capped copy of rows, for a full
// replace of the feed.
func Sort(rows []notifications.Notification) []notifications.Notification {
	return Merge(nil, rows).Rows
}

// Advance returns the watermark after observing rows. It only moves forward:
// a row must be strictly newer than the current watermark to advance it.
func Advance(watermark *time.Time, rows ...notifications.Notification) *time.Time {
	next := watermark
	for _, n := range rows {
		if next == nil || n.CreatedAt.After(*next) {
			ts := n.CreatedAt
			next = &ts
		}
	}
	return next
}

// Less reports whether a sorts before b in the feed.
func Less(a, b notifications.Notification) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

func order(rows []notifications.Notification) []notifications.Notification {
	sort.Slice(rows, func(i, j int) bool { return Less(rows[i], rows[j]) })
	if len(rows) > MaxFeedSize {
		rows = rows[:MaxFeedSize:MaxFeedSize]
	}
	return rows
}

// combine merges two copies of the same notification.
func combine(existing, incoming notifications.Notification) notifications.Notification {
	base, other := incoming, existing
	if existing.CreatedAt.After(incoming.CreatedAt) {
		base, other = existing, incoming
	}

	merged := base
	if merged.Type == "" || (merged.Type == notifications.DefaultType && other.Type != "") {
		merged.Type = other.Type
	}
	if merged.Title == "" {
		merged.Title = other.Title
	}
	if merged.Message == "" {
		merged.Message = other.Message
	}
	if merged.Entity.Kind == nil {
		merged.Entity.Kind = other.Entity.Kind
	}
	if merged.Entity.ID == nil {
		merged.Entity.ID = other.Entity.ID
	}
	merged.Read = base.Read || other.Read

	return merged
}

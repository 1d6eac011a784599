package reconcile

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/cargoline/opsdash/internal/notifications"
)

var base = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func note(id string, at time.Time) notifications.Notification {
	return notifications.Notification{ID: id, Type: "BATCH_SENT", Title: "title " + id, CreatedAt: at}
}

func strPtr(s string) *string { return &s }

func randomBatch(rng *rand.Rand, size, idSpace int) []notifications.Notification {
	batch := make([]notifications.Notification, 0, size)
	for i := 0; i < size; i++ {
		n := note(fmt.Sprintf("n%d", rng.Intn(idSpace)), base.Add(time.Duration(rng.Intn(600))*time.Minute))
		n.Read = rng.Intn(3) == 0
		if rng.Intn(4) == 0 {
			n.Title = ""
		}
		batch = append(batch, n)
	}
	return batch
}

func TestMergeOlderIncomingKeepsNewerBase(t *testing.T) {
	current := []notifications.Notification{{
		ID:        "1",
		Type:      "COLLECTION_CREATED",
		CreatedAt: base,
	}}
	incoming := []notifications.Notification{{
		ID:        "1",
		Type:      "COLLECTION_CREATED",
		Title:     "older",
		Entity:    notifications.Entity{Kind: strPtr("collection"), ID: strPtr("77")},
		CreatedAt: base.Add(-time.Hour),
	}}

	result := Merge(current, incoming)

	if len(result.InsertedIDs) != 0 {
		t.Errorf("expected no inserted ids, got %v", result.InsertedIDs)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("expected a single row, got %d", len(result.Rows))
	}
	merged := result.Rows[0]
	if !merged.CreatedAt.Equal(base) {
		t.Errorf("expected base timestamp 10:00 to be retained, got %s", merged.CreatedAt)
	}
	if merged.Title != "older" {
		t.Errorf("expected non-conflicting title to be applied, got %q", merged.Title)
	}
	if merged.Entity.Kind == nil || *merged.Entity.Kind != "collection" {
		t.Errorf("expected entity to be filled from incoming copy, got %+v", merged.Entity)
	}
}

func TestMergeNewerIncomingWinsConflicts(t *testing.T) {
	current := []notifications.Notification{{ID: "1", Title: "old title", Message: "kept", CreatedAt: base}}
	incoming := []notifications.Notification{{ID: "1", Title: "new title", CreatedAt: base.Add(time.Minute)}}

	merged := Merge(current, incoming).Rows[0]

	if merged.Title != "new title" {
		t.Errorf("expected newer title, got %q", merged.Title)
	}
	if merged.Message != "kept" {
		t.Errorf("expected message filled from older copy, got %q", merged.Message)
	}
	if !merged.CreatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("expected newer timestamp, got %s", merged.CreatedAt)
	}
}

func TestMergeReadIsSticky(t *testing.T) {
	current := []notifications.Notification{{ID: "1", CreatedAt: base, Read: true}}
	incoming := []notifications.Notification{{ID: "1", CreatedAt: base.Add(time.Minute), Read: false}}

	if !Merge(current, incoming).Rows[0].Read {
		t.Error("expected read flag to survive a stale unread copy")
	}
}

func TestMergeReportsInsertedOnce(t *testing.T) {
	incoming := []notifications.Notification{note("a", base), note("a", base.Add(time.Second)), note("b", base)}

	result := Merge(nil, incoming)

	if len(result.InsertedIDs) != 2 || !result.Inserted("a") || !result.Inserted("b") {
		t.Errorf("unexpected inserted ids %v", result.InsertedIDs)
	}
	if len(result.Rows) != 2 {
		t.Errorf("expected 2 rows, got %d", len(result.Rows))
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	current := []notifications.Notification{note("b", base), note("a", base.Add(time.Hour))}
	incoming := []notifications.Notification{{ID: "b", CreatedAt: base.Add(2 * time.Hour), Read: true}}

	Merge(current, incoming)

	if current[0].ID != "b" || current[0].Read || !current[0].CreatedAt.Equal(base) {
		t.Errorf("current slice was mutated: %+v", current)
	}
	if incoming[0].Title != "" {
		t.Errorf("incoming slice was mutated: %+v", incoming)
	}
}

func TestMergeCapsFeed(t *testing.T) {
	var incoming []notifications.Notification
	for i := 0; i < MaxFeedSize+30; i++ {
		incoming = append(incoming, note(fmt.Sprintf("n%03d", i), base.Add(time.Duration(i)*time.Minute)))
	}

	result := Merge(nil, incoming)

	if len(result.Rows) != MaxFeedSize {
		t.Fatalf("expected %d rows, got %d", MaxFeedSize, len(result.Rows))
	}
	if result.Rows[len(result.Rows)-1].ID != "n030" {
		t.Errorf("expected oldest kept row n030, got %s", result.Rows[len(result.Rows)-1].ID)
	}
	if result.Inserted("n000") {
		t.Error("a record dropped by the cap must not be reported as inserted")
	}
	if len(result.InsertedIDs) != MaxFeedSize {
		t.Errorf("expected %d inserted ids, got %d", MaxFeedSize, len(result.InsertedIDs))
	}
}

func TestMergeProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for iteration := 0; iteration < 200; iteration++ {
		a := randomBatch(rng, rng.Intn(150), 200)
		b := randomBatch(rng, rng.Intn(150), 200)

		first := Merge(a, b)

		if len(first.Rows) > MaxFeedSize {
			t.Fatalf("iteration %d: cap violated with %d rows", iteration, len(first.Rows))
		}

		seen := make(map[string]bool, len(first.Rows))
		for i, n := range first.Rows {
			if seen[n.ID] {
				t.Fatalf("iteration %d: duplicate id %s", iteration, n.ID)
			}
			seen[n.ID] = true
			if i > 0 && first.Rows[i-1].CreatedAt.Before(n.CreatedAt) {
				t.Fatalf("iteration %d: rows not sorted descending at %d", iteration, i)
			}
		}

		second := Merge(first.Rows, b)
		if len(second.InsertedIDs) != 0 {
			t.Fatalf("iteration %d: re-merge inserted %v", iteration, second.InsertedIDs)
		}
		if len(second.Rows) != len(first.Rows) {
			t.Fatalf("iteration %d: re-merge changed row count %d -> %d", iteration, len(first.Rows), len(second.Rows))
		}
		for i := range first.Rows {
			if first.Rows[i].ID != second.Rows[i].ID {
				t.Fatalf("iteration %d: re-merge changed ordering at %d", iteration, i)
			}
		}
	}
}

func TestMergeConvergesRegardlessOfArrivalOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(11))

	for iteration := 0; iteration < 100; iteration++ {
		start := randomBatch(rng, 20, 60)
		push := randomBatch(rng, 10, 60)
		poll := randomBatch(rng, 30, 60)

		viaPushFirst := Merge(Merge(start, push).Rows, poll).Rows
		viaPollFirst := Merge(Merge(start, poll).Rows, push).Rows

		if len(viaPushFirst) != len(viaPollFirst) {
			t.Fatalf("iteration %d: lengths differ %d vs %d", iteration, len(viaPushFirst), len(viaPollFirst))
		}
		for i := range viaPushFirst {
			x, y := viaPushFirst[i], viaPollFirst[i]
			if x.ID != y.ID || !x.CreatedAt.Equal(y.CreatedAt) || x.Read != y.Read {
				t.Fatalf("iteration %d: feeds diverge at %d: %+v vs %+v", iteration, i, x, y)
			}
		}
	}
}

func TestSortOrdersTiesByID(t *testing.T) {
	rows := Sort([]notifications.Notification{note("b", base), note("a", base), note("c", base.Add(time.Second))})

	got := []string{rows[0].ID, rows[1].ID, rows[2].ID}
	want := []string{"c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestAdvanceIsMonotonic(t *testing.T) {
	var watermark *time.Time

	watermark = Advance(watermark, note("a", base))
	if watermark == nil || !watermark.Equal(base) {
		t.Fatalf("expected watermark at base, got %v", watermark)
	}

	watermark = Advance(watermark, note("old", base.Add(-time.Hour)), note("same", base))
	if !watermark.Equal(base) {
		t.Errorf("expected watermark unchanged by older or equal rows, got %s", watermark)
	}

	watermark = Advance(watermark, note("new", base.Add(time.Minute)))
	if !watermark.Equal(base.Add(time.Minute)) {
		t.Errorf("expected watermark to advance, got %s", watermark)
	}

	if Advance(nil) != nil {
		t.Error("expected nil watermark with no rows")
	}
}

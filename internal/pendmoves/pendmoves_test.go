package pendmoves

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestQueue(t *testing.T, opts ...Option) (*Queue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tidy_pending_moves.json")
	q, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return q, path
}

func TestEnqueueIsIdempotent(t *testing.T) {
	q, _ := openTestQueue(t)

	id1, err := q.Enqueue("/ws/a.db", "/archive/a.db", ActionMove, "locked", errors.New("sharing violation"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	id2, err := q.Enqueue("/ws/a.db", "/archive/a.db", ActionMove, "locked again", errors.New("still locked"))
	if err != nil {
		t.Fatalf("Enqueue second: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("ids differ: %s vs %s", id1, id2)
	}
	if want := ItemID("/ws/a.db", "/archive/a.db", ActionMove); id1 != want {
		t.Fatalf("id = %s, want %s", id1, want)
	}

	items, err := q.Items()
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	if items[0].LastError != "still locked" {
		t.Fatalf("last_error = %q, want refreshed error", items[0].LastError)
	}
}

func TestEnqueuePersistsAcrossReopen(t *testing.T) {
	q, path := openTestQueue(t)
	if _, err := q.Enqueue("/ws/old.log", "", ActionDelete, "locked", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	q2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	items, err := q2.Items()
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(items) != 1 || items[0].Action != ActionDelete || items[0].Status != StatusPending {
		t.Fatalf("items = %+v", items)
	}
}

func TestMarkOutcomeAdvancesBackoff(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	q, _ := openTestQueue(t, withClock(func() time.Time { return now }))

	id, err := q.Enqueue("/ws/busy.db", "/archive/busy.db", ActionMove, "locked", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := q.MarkOutcome(id, errors.New("resource busy")); err != nil {
		t.Fatalf("MarkOutcome: %v", err)
	}
	it, err := q.find(id)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got, want := it.NextEligibleAt, now.Add(5*time.Minute); !got.Equal(want) {
		t.Fatalf("after 1 failure next_eligible_at = %v, want %v", got, want)
	}

	if err := q.MarkOutcome(id, errors.New("resource busy")); err != nil {
		t.Fatalf("MarkOutcome: %v", err)
	}
	it, _ = q.find(id)
	if got, want := it.NextEligibleAt, now.Add(10*time.Minute); !got.Equal(want) {
		t.Fatalf("after 2 failures next_eligible_at = %v, want %v", got, want)
	}
	if it.AttemptCount != 2 {
		t.Fatalf("attempt_count = %d, want 2", it.AttemptCount)
	}
}

func TestAbandonAfterMaxRetries(t *testing.T) {
	q, _ := openTestQueue(t, WithMaxRetries(3))

	id, err := q.Enqueue("/ws/stuck.tmp", "", ActionDelete, "locked", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := q.MarkOutcome(id, errors.New("text file busy")); err != nil {
			t.Fatalf("MarkOutcome %d: %v", i, err)
		}
	}
	it, err := q.find(id)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if it.Status != StatusAbandoned {
		t.Fatalf("status = %s, want abandoned", it.Status)
	}
}

func TestAbandonAfterMaxAge(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	q, _ := openTestQueue(t, withClock(func() time.Time { return now }))

	id, err := q.Enqueue("/ws/ancient.bak", "", ActionDelete, "locked", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	now = now.Add(31 * 24 * time.Hour)
	if err := q.MarkOutcome(id, errors.New("still locked")); err != nil {
		t.Fatalf("MarkOutcome: %v", err)
	}
	it, _ := q.find(id)
	if it.Status != StatusAbandoned {
		t.Fatalf("status = %s, want abandoned after 30 days", it.Status)
	}
}

func TestLoadDueItemsFiltersByEligibility(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	q, _ := openTestQueue(t, withClock(func() time.Time { return now }))

	backedOff, err := q.Enqueue("/ws/later.db", "/archive/later.db", ActionMove, "locked", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.MarkOutcome(backedOff, errors.New("busy")); err != nil {
		t.Fatalf("MarkOutcome: %v", err)
	}
	fresh, err := q.Enqueue("/ws/now.log", "", ActionDelete, "locked", nil)
	if err != nil {
		t.Fatalf("Enqueue fresh: %v", err)
	}

	due, err := q.LoadDueItems(now)
	if err != nil {
		t.Fatalf("LoadDueItems: %v", err)
	}
	if len(due) != 1 || due[0].ID != fresh {
		t.Fatalf("due = %+v, want only the fresh item", due)
	}

	due, err = q.LoadDueItems(now.Add(6 * time.Minute))
	if err != nil {
		t.Fatalf("LoadDueItems later: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due after backoff window = %d items, want 2", len(due))
	}
}

func TestDrainExecutesDueItems(t *testing.T) {
	q, _ := openTestQueue(t)
	dir := t.TempDir()

	victim := filepath.Join(dir, "stale.tmp")
	if err := os.WriteFile(victim, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	src := filepath.Join(dir, "report.json")
	if err := os.WriteFile(src, []byte(`{"ok":true}`), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	dest := filepath.Join(dir, "archive", "reports", "report.json")

	if _, err := q.Enqueue(victim, "", ActionDelete, "locked", nil); err != nil {
		t.Fatalf("Enqueue delete: %v", err)
	}
	if _, err := q.Enqueue(src, dest, ActionMove, "locked", nil); err != nil {
		t.Fatalf("Enqueue move: %v", err)
	}

	stats, err := q.Drain(context.Background(), nil)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if stats.Due != 2 || stats.Succeeded != 2 || stats.Failed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if _, err := os.Stat(victim); !os.IsNotExist(err) {
		t.Fatalf("victim still present: %v", err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("move destination missing: %v", err)
	}

	items, _ := q.Items()
	for _, it := range items {
		if it.Status != StatusSucceeded {
			t.Fatalf("item %s status = %s, want succeeded", it.ID, it.Status)
		}
	}
}

func TestDrainRecordsFailures(t *testing.T) {
	q, _ := openTestQueue(t)
	id, err := q.Enqueue("/nowhere/hold.db", "/nowhere/else/hold.db", ActionMove, "locked", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	stats, err := q.Drain(context.Background(), func(Item) error {
		return errors.New("sharing violation")
	})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if stats.Failed != 1 {
		t.Fatalf("stats = %+v, want one failure", stats)
	}
	it, err := q.find(id)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if it.AttemptCount != 1 || it.Status != StatusPending {
		t.Fatalf("item = %+v", it)
	}
}

func TestDeleteOfMissingSourceSucceeds(t *testing.T) {
	err := ExecuteItem(Item{Action: ActionDelete, Src: filepath.Join(t.TempDir(), "gone.txt")})
	if err != nil {
		t.Fatalf("ExecuteItem: %v", err)
	}
}

func TestReArmAfterTerminalStatus(t *testing.T) {
	q, _ := openTestQueue(t)

	id, err := q.Enqueue("/ws/flip.db", "/archive/flip.db", ActionMove, "locked", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.MarkOutcome(id, nil); err != nil {
		t.Fatalf("MarkOutcome success: %v", err)
	}

	again, err := q.Enqueue("/ws/flip.db", "/archive/flip.db", ActionMove, "locked anew", errors.New("busy"))
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if again != id {
		t.Fatalf("re-enqueue id = %s, want %s", again, id)
	}
	it, err := q.find(id)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if it.Status != StatusPending || it.AttemptCount != 0 {
		t.Fatalf("re-armed item = %+v", it)
	}
}

func TestMarkOutcomeUnknownItem(t *testing.T) {
	q, _ := openTestQueue(t)
	err := q.MarkOutcome("deadbeef", errors.New("x"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// Package pendmoves is the durable retry queue for filesystem moves that
// failed because the target was locked. Items carry content-stable IDs so
// re-enqueues deduplicate across sessions, and the queue file is the single
// source of truth for retry state. It is never rebuilt from filesystem state.
package pendmoves

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danshapiro/autopack/internal/artifacts"
	"github.com/danshapiro/autopack/internal/backoff"
)

const (
	SchemaVersion = 1

	DefaultMaxRetries = 10
	DefaultMaxAge     = 30 * 24 * time.Hour

	// ActionMove relocates src to dest; ActionDelete removes src.
	ActionMove   = "move"
	ActionDelete = "delete"
)

var ErrNotFound = errors.New("pendmoves: item not found")

type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusAbandoned Status = "abandoned"
)

// Item is one queued move or delete.
type Item struct {
	ID              string    `json:"id"`
	Src             string    `json:"src"`
	Dest            string    `json:"dest,omitempty"`
	Action          string    `json:"action"`
	Status          Status    `json:"status"`
	Reason          string    `json:"reason,omitempty"`
	AttemptCount    int       `json:"attempt_count"`
	FirstEnqueuedAt time.Time `json:"first_enqueued_at"`
	NextEligibleAt  time.Time `json:"next_eligible_at"`
	LastError       string    `json:"last_error,omitempty"`
	BytesEstimate   int64     `json:"bytes_estimate,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
}

type document struct {
	SchemaVersion int    `json:"schema_version"`
	QueueID       string `json:"queue_id"`
	Items         []Item `json:"items"`
}

// ItemID derives the stable identifier for a (src, dest, action) triple.
func ItemID(src, dest, action string) string {
	sum := sha256.Sum256([]byte(src + "|" + dest + "|" + action))
	return hex.EncodeToString(sum[:])
}

// Queue is the file-backed pending-moves queue. Concurrent processes are
// serialized by a sidecar lock file around every read-modify-write; updates
// land via temp file plus rename.
type Queue struct {
	path       string
	maxRetries int
	maxAge     time.Duration
	now        func() time.Time
	log        *zap.Logger

	mu sync.Mutex
}

type Option func(*Queue)

func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

func WithMaxAge(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.maxAge = d
		}
	}
}

func WithLogger(l *zap.Logger) Option { return func(q *Queue) { q.log = l } }

func withClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

func Open(path string, opts ...Option) (*Queue, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("pendmoves: queue path is required")
	}
	q := &Queue{
		path:       path,
		maxRetries: DefaultMaxRetries,
		maxAge:     DefaultMaxAge,
		now:        time.Now,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Enqueue records a move for later retry and returns its stable ID. Enqueuing
// an identical triple while an item is still pending only refreshes its error
// context; a triple whose item already finished is re-armed as a fresh
// occurrence.
func (q *Queue) Enqueue(src, dest, action, reason string, cause error) (string, error) {
	if strings.TrimSpace(src) == "" {
		return "", fmt.Errorf("pendmoves: src is required")
	}
	switch action {
	case ActionMove:
		if strings.TrimSpace(dest) == "" {
			return "", fmt.Errorf("pendmoves: move requires a dest")
		}
	case ActionDelete:
	default:
		return "", fmt.Errorf("pendmoves: unknown action %q", action)
	}

	id := ItemID(src, dest, action)
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}

	err := q.withLock(func(doc *document) error {
		now := q.now().UTC()
		for i := range doc.Items {
			if doc.Items[i].ID != id {
				continue
			}
			it := &doc.Items[i]
			if it.Status == StatusPending {
				if lastErr != "" {
					it.LastError = lastErr
				}
				if reason != "" {
					it.Reason = reason
				}
				return nil
			}
			it.Status = StatusPending
			it.Reason = reason
			it.AttemptCount = 0
			it.FirstEnqueuedAt = now
			it.NextEligibleAt = now
			it.LastError = lastErr
			it.BytesEstimate = sizeEstimate(src)
			return nil
		}
		doc.Items = append(doc.Items, Item{
			ID:              id,
			Src:             src,
			Dest:            dest,
			Action:          action,
			Status:          StatusPending,
			Reason:          reason,
			AttemptCount:    0,
			FirstEnqueuedAt: now,
			NextEligibleAt:  now,
			LastError:       lastErr,
			BytesEstimate:   sizeEstimate(src),
		})
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// LoadDueItems returns pending items whose next_eligible_at has passed,
// ordered oldest-eligible first.
func (q *Queue) LoadDueItems(now time.Time) ([]Item, error) {
	doc, err := q.read()
	if err != nil {
		return nil, err
	}
	var due []Item
	for _, it := range doc.Items {
		if it.Status == StatusPending && !it.NextEligibleAt.After(now) {
			due = append(due, it)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextEligibleAt.Equal(due[j].NextEligibleAt) {
			return due[i].NextEligibleAt.Before(due[j].NextEligibleAt)
		}
		return due[i].ID < due[j].ID
	})
	return due, nil
}

// Items returns every item in the queue, for status listings.
func (q *Queue) Items() ([]Item, error) {
	doc, err := q.read()
	if err != nil {
		return nil, err
	}
	return doc.Items, nil
}

// MarkOutcome records the result of one retry attempt. A nil outcome marks
// the item succeeded. A failure advances the backoff ladder and abandons the
// item once retries or age run out.
func (q *Queue) MarkOutcome(itemID string, outcome error) error {
	return q.withLock(func(doc *document) error {
		for i := range doc.Items {
			if doc.Items[i].ID != itemID {
				continue
			}
			it := &doc.Items[i]
			now := q.now().UTC()
			if outcome == nil {
				it.Status = StatusSucceeded
				it.LastError = ""
				return nil
			}
			it.AttemptCount++
			it.LastError = outcome.Error()
			if it.AttemptCount >= q.maxRetries || now.Sub(it.FirstEnqueuedAt) > q.maxAge {
				it.Status = StatusAbandoned
				q.log.Warn("pending move abandoned",
					zap.String("item_id", it.ID),
					zap.String("src", it.Src),
					zap.Int("attempts", it.AttemptCount),
					zap.String("last_error", it.LastError))
				return nil
			}
			it.NextEligibleAt = now.Add(backoff.DelayForAttempt(it.AttemptCount, backoff.PendingMoves(), ""))
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNotFound, itemID)
	})
}

// DrainStats summarizes one startup drain pass.
type DrainStats struct {
	Due       int
	Succeeded int
	Failed    int
	Abandoned int
}

// Drain attempts every due item once. mover executes a single item; pass nil
// for the default filesystem mover. Retry state is updated after each
// attempt, so a crash mid-drain loses no progress.
func (q *Queue) Drain(ctx context.Context, mover func(Item) error) (DrainStats, error) {
	if mover == nil {
		mover = ExecuteItem
	}
	due, err := q.LoadDueItems(q.now().UTC())
	if err != nil {
		return DrainStats{}, err
	}
	stats := DrainStats{Due: len(due)}
	for _, it := range due {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		attemptErr := mover(it)
		if markErr := q.MarkOutcome(it.ID, attemptErr); markErr != nil {
			return stats, markErr
		}
		switch {
		case attemptErr == nil:
			stats.Succeeded++
			q.log.Info("pending move completed",
				zap.String("item_id", it.ID),
				zap.String("action", it.Action),
				zap.String("src", it.Src))
		default:
			after, readErr := q.find(it.ID)
			if readErr == nil && after.Status == StatusAbandoned {
				stats.Abandoned++
			} else {
				stats.Failed++
			}
		}
	}
	return stats, nil
}

// ExecuteItem performs one queued action against the filesystem. The paths
// stored in the queue are absolute; a missing source counts as success since
// the intended end state already holds.
func ExecuteItem(it Item) error {
	switch it.Action {
	case ActionDelete:
		err := os.Remove(it.Src)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	case ActionMove:
		if _, err := os.Stat(it.Src); os.IsNotExist(err) {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(it.Dest), 0o755); err != nil {
			return err
		}
		return os.Rename(it.Src, it.Dest)
	default:
		return fmt.Errorf("pendmoves: unknown action %q", it.Action)
	}
}

func (q *Queue) find(itemID string) (Item, error) {
	doc, err := q.read()
	if err != nil {
		return Item{}, err
	}
	for _, it := range doc.Items {
		if it.ID == itemID {
			return it, nil
		}
	}
	return Item{}, fmt.Errorf("%w: %s", ErrNotFound, itemID)
}

func (q *Queue) read() (*document, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load()
}

// withLock runs fn inside the cross-process file lock and persists the
// mutated document atomically.
func (q *Queue) withLock(fn func(*document) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	release, err := q.acquireFileLock()
	if err != nil {
		return err
	}
	defer release()

	doc, err := q.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return artifacts.WriteJSONAtomic(q.path, doc)
}

func (q *Queue) load() (*document, error) {
	var doc document
	err := artifacts.ReadJSON(q.path, &doc)
	switch {
	case err == nil:
		if doc.SchemaVersion != SchemaVersion {
			return nil, fmt.Errorf("pendmoves: %s: unsupported schema_version %d", q.path, doc.SchemaVersion)
		}
		return &doc, nil
	case os.IsNotExist(err):
		return &document{SchemaVersion: SchemaVersion, QueueID: uuid.NewString()}, nil
	default:
		return nil, fmt.Errorf("pendmoves: read %s: %w", q.path, err)
	}
}

const (
	lockWait     = 5 * time.Second
	lockPollStep = 50 * time.Millisecond
	lockStaleAge = 5 * time.Minute
)

// acquireFileLock takes the sidecar lock file, waiting briefly for a live
// holder and reclaiming locks left behind by dead processes.
func (q *Queue) acquireFileLock() (func(), error) {
	lockPath := q.path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(lockWait)
	for {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			_ = f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("pendmoves: lock %s: %w", lockPath, err)
		}
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > lockStaleAge {
			q.log.Warn("reclaiming stale pending-moves lock", zap.String("lock", lockPath))
			_ = os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("pendmoves: lock %s: held by another process", lockPath)
		}
		time.Sleep(lockPollStep)
	}
}

func sizeEstimate(src string) int64 {
	info, err := os.Stat(src)
	if err != nil {
		return 0
	}
	if info.IsDir() {
		return 0
	}
	return info.Size()
}

// IsLockError reports whether err looks like a file-lock refusal, covering
// the Unix errnos and the message forms Windows surfaces through os errors.
func IsLockError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.ETXTBSY) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "resource busy") ||
		strings.Contains(msg, "text file busy") ||
		strings.Contains(msg, "being used by another process") ||
		strings.Contains(msg, "sharing violation")
}

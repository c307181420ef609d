// Package workspace guards the run workspace. A file lease serializes
// writers per run, and the structure checker validates the artifact tree
// before anything touches it.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/danshapiro/autopack/internal/artifacts"
)

// leaseStaleAfter is how long a lease may go without a heartbeat before
// another writer may reclaim it. Crashed holders release implicitly.
const leaseStaleAfter = 10 * time.Minute

var (
	// ErrLeaseHeld is returned by AcquireLease when a live lease belongs to
	// another owner.
	ErrLeaseHeld = errors.New("workspace: lease held")
	// ErrLeaseLost is returned by Renew when the lease was reclaimed out
	// from under its holder.
	ErrLeaseLost = errors.New("workspace: lease lost")
)

type leaseRecord struct {
	RunID       string    `json:"run_id"`
	Owner       string    `json:"owner"`
	PID         int       `json:"pid"`
	AcquiredAt  time.Time `json:"acquired_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// LeasePath returns the lease file location for a workspace directory.
func LeasePath(dir string) string {
	return filepath.Join(dir, ".autopack", "LEASE")
}

// Lease is an exclusive writer claim on one run's workspace. The governed
// apply holds it across each mutation.
type Lease struct {
	mu       sync.Mutex
	path     string
	runID    string
	owner    string
	released bool
}

// AcquireLease claims the workspace for owner, reclaiming leases whose
// holder stopped heartbeating. The workspace directory must already exist.
func AcquireLease(dir, runID, owner string) (*Lease, error) {
	if strings.TrimSpace(dir) == "" || strings.TrimSpace(runID) == "" || strings.TrimSpace(owner) == "" {
		return nil, fmt.Errorf("workspace: lease requires dir, run_id and owner")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("workspace: lease dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace: lease dir %s is not a directory", dir)
	}
	path := LeasePath(dir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("workspace: lease dir: %w", err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			now := time.Now().UTC()
			rec := leaseRecord{RunID: runID, Owner: owner, PID: os.Getpid(), AcquiredAt: now, HeartbeatAt: now}
			b, merr := json.MarshalIndent(rec, "", "  ")
			if merr == nil {
				_, merr = f.Write(append(b, '\n'))
			}
			if cerr := f.Close(); merr == nil {
				merr = cerr
			}
			if merr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("workspace: write lease: %w", merr)
			}
			return &Lease{path: path, runID: runID, owner: owner}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("workspace: lease %s: %w", path, err)
		}

		cur, rerr := readLease(path)
		switch {
		case rerr == nil && cur.Owner != owner && time.Since(cur.HeartbeatAt) < leaseStaleAfter:
			return nil, fmt.Errorf("%w: held by %q since %s",
				ErrLeaseHeld, cur.Owner, cur.HeartbeatAt.UTC().Format(time.RFC3339))
		case rerr != nil && !os.IsNotExist(rerr):
			// Unreadable lease: reclaim only once the file has gone quiet,
			// judged by mtime since the record cannot be trusted.
			if st, serr := os.Stat(path); serr == nil && time.Since(st.ModTime()) < leaseStaleAfter {
				return nil, fmt.Errorf("%w: unreadable lease at %s", ErrLeaseHeld, path)
			}
		}
		// Own lease, stale holder, or unreadable debris: clear and retake.
		_ = os.Remove(path)
	}
	return nil, fmt.Errorf("%w: %s under contention", ErrLeaseHeld, path)
}

// Renew refreshes the heartbeat. Holders renew well inside leaseStaleAfter.
func (l *Lease) Renew() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return ErrLeaseLost
	}
	cur, err := readLease(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrLeaseLost
		}
		return fmt.Errorf("workspace: renew lease: %w", err)
	}
	if cur.Owner != l.owner {
		return fmt.Errorf("%w: taken by %q", ErrLeaseLost, cur.Owner)
	}
	cur.HeartbeatAt = time.Now().UTC()
	return artifacts.WriteJSONAtomic(l.path, cur)
}

// Release drops the lease. Safe to call more than once; a lease stolen after
// going stale is left for its new holder.
func (l *Lease) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	cur, err := readLease(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("workspace: release lease: %w", err)
	}
	if cur.Owner != l.owner {
		return nil
	}
	return os.Remove(l.path)
}

func readLease(path string) (leaseRecord, error) {
	var rec leaseRecord
	b, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, fmt.Errorf("parse %s: %w", path, err)
	}
	if strings.TrimSpace(rec.Owner) == "" {
		return rec, fmt.Errorf("parse %s: missing owner", path)
	}
	return rec, nil
}

// Package apply lands approved proposals in the workspace. It is the only
// component that mutates workspace files during a run, and it refuses to
// start until scope and protection checks pass. Every apply begins with a
// git save point so any later gate failure can roll the tree back.
package apply

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/danshapiro/autopack/internal/artifacts"
	"github.com/danshapiro/autopack/internal/gitutil"
	"github.com/danshapiro/autopack/internal/governance"
	"github.com/danshapiro/autopack/internal/patch"
	"github.com/danshapiro/autopack/internal/pendmoves"
	"github.com/danshapiro/autopack/internal/policy"
	"github.com/danshapiro/autopack/internal/store"
	"github.com/danshapiro/autopack/internal/workspace"
)

// FailKind is the closed apply failure enum.
type FailKind string

const (
	FailProtectedPath FailKind = "PROTECTED_PATH"
	FailOutsideScope  FailKind = "OUTSIDE_SCOPE"
	FailSymbolLost    FailKind = "SYMBOL_LOST"
	FailIOLocked      FailKind = "IO_LOCKED"
	FailMergeConflict FailKind = "MERGE_CONFLICT"
)

// Failure is a typed apply refusal. Preconditions fail before any mutation;
// mid-apply failures are reported after the tree has been rolled back.
type Failure struct {
	Kind   FailKind
	Path   string
	Detail string
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return fmt.Sprintf("apply: %s: %s", f.Kind, f.Path)
	}
	return fmt.Sprintf("apply: %s: %s: %s", f.Kind, f.Path, f.Detail)
}

// AsFailure unwraps err into a Failure if it is one.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Result reports what an apply changed.
type Result struct {
	ChangedFiles []string `json:"changed_files"`
	AddedFiles   []string `json:"added_files"`
	DeletedFiles []string `json:"deleted_files"`
	BytesWritten int64    `json:"bytes_written"`
	SavePointID  string   `json:"save_point_id"`
}

// MoveQueue receives deletions that could not complete because the target
// was locked. Satisfied by the pendmoves queue.
type MoveQueue interface {
	Enqueue(src, dest, action, reason string, cause error) (string, error)
}

// Applier mutates one workspace. Not safe for concurrent use; the supervisor
// serializes applies per run.
type Applier struct {
	ws       string
	policies *policy.Store
	layout   *artifacts.Layout
	family   string
	moves    MoveQueue
	owner    string
	log      *zap.Logger
}

type Option func(*Applier)

func WithLayout(l *artifacts.Layout, family string) Option {
	return func(a *Applier) {
		a.layout = l
		a.family = family
	}
}

func WithMoveQueue(q MoveQueue) Option { return func(a *Applier) { a.moves = q } }
func WithLogger(l *zap.Logger) Option  { return func(a *Applier) { a.log = l } }

// WithLeaseOwner overrides the workspace lease identity, default
// autopack-apply@host/pid.
func WithLeaseOwner(owner string) Option { return func(a *Applier) { a.owner = owner } }

// New builds an Applier rooted at workspace ws, which must be a git
// repository (verify-workspace enforces this before any run starts).
func New(ws string, policies *policy.Store, opts ...Option) (*Applier, error) {
	if !gitutil.IsRepo(ws) {
		return nil, fmt.Errorf("apply: workspace %s is not a git repository", ws)
	}
	// Keep the engine dir (lease, artifacts, queue files) out of save-point
	// commits; otherwise a rollback could resurrect a stale lease.
	if err := gitutil.EnsureLocalExclude(ws, "/.autopack/"); err != nil {
		return nil, fmt.Errorf("apply: exclude engine dir: %w", err)
	}
	a := &Applier{ws: ws, policies: policies, log: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	if strings.TrimSpace(a.owner) == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "unknown"
		}
		a.owner = fmt.Sprintf("autopack-apply@%s/%d", host, os.Getpid())
	}
	return a, nil
}

// SavePointTag names the git tag for a phase's save point.
func SavePointTag(phaseID string) string {
	return "autopack/save-before-" + phaseID
}

// Apply lands the proposal. On any failure after mutation starts, the tree
// is rolled back to the save point before the error is returned.
func (a *Applier) Apply(ctx context.Context, p *patch.Proposal, phase *store.Phase) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	ops, err := a.checkPreconditions(p, phase)
	if err != nil {
		return nil, err
	}

	// One workspace writer at a time per run: the lease is held across the
	// whole mutation window, rollback included.
	lease, err := workspace.AcquireLease(a.ws, phase.RunID, a.owner)
	if err != nil {
		if errors.Is(err, workspace.ErrLeaseHeld) {
			return nil, &Failure{Kind: FailIOLocked, Path: workspace.LeasePath(a.ws), Detail: err.Error()}
		}
		return nil, fmt.Errorf("apply: workspace lease: %w", err)
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil {
			a.log.Warn("workspace lease release failed", zap.Error(rerr))
		}
	}()

	savePoint, err := a.createSavePoint(phase)
	if err != nil {
		return nil, fmt.Errorf("apply: save point: %w", err)
	}

	res := &Result{SavePointID: savePoint}
	if err := a.applyOps(ctx, ops, res); err != nil {
		a.rollbackAfter(err, savePoint)
		return nil, err
	}
	if err := a.checkSymbols(p); err != nil {
		a.rollbackAfter(err, savePoint)
		return nil, err
	}

	sort.Strings(res.ChangedFiles)
	sort.Strings(res.AddedFiles)
	sort.Strings(res.DeletedFiles)
	a.log.Info("apply complete",
		zap.String("phase_id", phase.PhaseID),
		zap.Int("changed", len(res.ChangedFiles)),
		zap.Int("added", len(res.AddedFiles)),
		zap.Int("deleted", len(res.DeletedFiles)),
		zap.Int64("bytes", res.BytesWritten),
		zap.String("save_point", savePoint))
	return res, nil
}

// checkedOp pairs an operation with its cleaned path.
type checkedOp struct {
	patch.Operation
	rel string
}

// checkPreconditions fails closed: no operation runs unless every operation
// is inside scope and clear of protected paths.
func (a *Applier) checkPreconditions(p *patch.Proposal, phase *store.Phase) ([]checkedOp, error) {
	protection := a.policies.GetProtectionPolicy()
	ops := make([]checkedOp, 0, len(p.Operations))
	for _, op := range p.Operations {
		rel, err := patch.CleanRelPath(op.Path)
		if err != nil {
			return nil, &Failure{Kind: FailOutsideScope, Path: op.Path, Detail: err.Error()}
		}
		if !governance.InScope(rel, phase.Scope.AllowedPaths) {
			return nil, &Failure{Kind: FailOutsideScope, Path: rel, Detail: "not under allowed_paths"}
		}
		if group, hit := protection.WriteProtected(rel); hit {
			return nil, &Failure{Kind: FailProtectedPath, Path: rel, Detail: "protected group " + group}
		}
		if governance.InScope(rel, phase.Scope.ProtectedPaths) {
			return nil, &Failure{Kind: FailProtectedPath, Path: rel, Detail: "protected by phase scope"}
		}
		ops = append(ops, checkedOp{Operation: op, rel: rel})
	}
	return ops, nil
}

func (a *Applier) createSavePoint(phase *store.Phase) (string, error) {
	sha, err := gitutil.CommitAllowEmpty(a.ws, "autopack: save before "+phase.PhaseID)
	if err != nil {
		return "", err
	}
	tag := SavePointTag(phase.PhaseID)
	if err := gitutil.TagAt(a.ws, tag, sha); err != nil {
		return "", err
	}
	if a.layout != nil {
		rec := artifacts.CheckpointRecord{
			SavePointID: tag,
			PhaseID:     phase.PhaseID,
			CommitSHA:   sha,
			CreatedAt:   time.Now().UTC(),
		}
		if err := a.layout.WriteCheckpoint(a.family, phase.RunID, rec); err != nil {
			// The git tag is the save point; the marker is bookkeeping.
			a.log.Warn("checkpoint marker write failed", zap.String("phase_id", phase.PhaseID), zap.Error(err))
		}
	}
	return tag, nil
}

func (a *Applier) applyOps(ctx context.Context, ops []checkedOp, res *Result) error {
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		abs := filepath.Join(a.ws, filepath.FromSlash(op.rel))
		switch op.Op {
		case patch.OpCreate:
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return wrapIOError(op.rel, err)
			}
			if err := os.WriteFile(abs, []byte(op.Content), 0o644); err != nil {
				return wrapIOError(op.rel, err)
			}
			res.AddedFiles = append(res.AddedFiles, op.rel)
			res.BytesWritten += int64(len(op.Content))

		case patch.OpModify:
			next := op.Content
			if len(op.Hunks) > 0 {
				current, err := os.ReadFile(abs)
				if err != nil {
					return wrapIOError(op.rel, err)
				}
				next, err = patch.ApplyHunks(op.rel, string(current), op.Hunks)
				if err != nil {
					var conflict *patch.ConflictError
					if errors.As(err, &conflict) {
						return &Failure{Kind: FailMergeConflict, Path: op.rel, Detail: conflict.Error()}
					}
					return err
				}
			}
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return wrapIOError(op.rel, err)
			}
			if err := os.WriteFile(abs, []byte(next), 0o644); err != nil {
				return wrapIOError(op.rel, err)
			}
			res.ChangedFiles = append(res.ChangedFiles, op.rel)
			res.BytesWritten += int64(len(next))

		case patch.OpDelete:
			err := os.Remove(abs)
			switch {
			case err == nil:
				res.DeletedFiles = append(res.DeletedFiles, op.rel)
			case os.IsNotExist(err):
				// Deleting an absent file is a no-op, not a conflict.
			case isLocked(err):
				if a.moves != nil {
					if id, qerr := a.moves.Enqueue(abs, "", "delete", "apply delete blocked by file lock", err); qerr != nil {
						a.log.Warn("pending move enqueue failed", zap.String("path", op.rel), zap.Error(qerr))
					} else {
						a.log.Info("locked delete queued for retry", zap.String("path", op.rel), zap.String("move_id", id))
					}
				}
				return &Failure{Kind: FailIOLocked, Path: op.rel, Detail: err.Error()}
			default:
				return wrapIOError(op.rel, err)
			}
		}
	}
	return nil
}

// checkSymbols verifies the declared symbols still resolve in the post-apply
// tree. Runs after all operations so multi-file refactors are judged whole.
func (a *Applier) checkSymbols(p *patch.Proposal) error {
	for rel, symbols := range p.SymbolManifest {
		cleaned, err := patch.CleanRelPath(rel)
		if err != nil {
			continue
		}
		abs := filepath.Join(a.ws, filepath.FromSlash(cleaned))
		content, err := os.ReadFile(abs)
		if err != nil {
			return &Failure{Kind: FailSymbolLost, Path: cleaned, Detail: "manifest file unreadable: " + err.Error()}
		}
		for _, sym := range symbols {
			if !SymbolPresent(cleaned, string(content), sym) {
				return &Failure{Kind: FailSymbolLost, Path: cleaned, Detail: "symbol " + sym + " no longer declared"}
			}
		}
	}
	return nil
}

// Rollback restores the workspace to a save point and drops files the
// reverted apply introduced.
func (a *Applier) Rollback(ctx context.Context, savePointID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(savePointID) == "" {
		return fmt.Errorf("apply: rollback requires a save point id")
	}
	if err := gitutil.ResetHard(a.ws, savePointID); err != nil {
		return fmt.Errorf("apply: rollback to %s: %w", savePointID, err)
	}
	if err := gitutil.CleanUntracked(a.ws); err != nil {
		return fmt.Errorf("apply: rollback clean: %w", err)
	}
	a.log.Info("workspace rolled back", zap.String("save_point", savePointID))
	return nil
}

func (a *Applier) rollbackAfter(cause error, savePoint string) {
	if err := a.Rollback(context.Background(), savePoint); err != nil {
		a.log.Error("rollback after failed apply also failed",
			zap.NamedError("apply_error", cause),
			zap.Error(err))
	}
}

// Commit records the current workspace tree as a commit and returns its
// sha. The executor calls this once a phase completes, making the changes
// between the save point and HEAD durable.
func (a *Applier) Commit(message string) (string, error) {
	return gitutil.CommitAllowEmpty(a.ws, message)
}

func wrapIOError(rel string, err error) error {
	if isLocked(err) {
		return &Failure{Kind: FailIOLocked, Path: rel, Detail: err.Error()}
	}
	return fmt.Errorf("apply: %s: %w", rel, err)
}

// isLocked classifies errno patterns from files held open by another
// process. EPERM outside permission contexts shows up on Windows shares and
// some overlay filesystems when the handle is still open.
func isLocked(err error) bool {
	return pendmoves.IsLockError(err)
}

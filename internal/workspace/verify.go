package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/autopack/internal/artifacts"
	"github.com/danshapiro/autopack/internal/gitutil"
)

// Violation rule names. Closed set; the CLI maps any violation to exit 4.
const (
	RuleWorkspaceMissing   = "workspace_missing"
	RuleNotGitRepo         = "not_git_repo"
	RuleStaleLease         = "stale_lease"
	RuleStrayFile          = "stray_file"
	RuleUnknownRunEntry    = "unknown_run_entry"
	RuleKindNotDir         = "kind_not_dir"
	RuleUnexpectedArtifact = "unexpected_artifact"
)

// Violation is one structure rule breach.
type Violation struct {
	Path   string `json:"path"`
	Rule   string `json:"rule"`
	Detail string `json:"detail,omitempty"`
}

// Report is the outcome of one verify pass.
type Report struct {
	WorkspaceRoot string      `json:"workspace_root"`
	ArtifactsRoot string      `json:"artifacts_root"`
	RunsChecked   int         `json:"runs_checked"`
	Violations    []Violation `json:"violations"`
}

// Clean reports whether the pass found no violations.
func (r *Report) Clean() bool { return len(r.Violations) == 0 }

// artifactRules is the closed layout contract for a run directory: its keys
// are the only entries a run root may hold, and each kind admits files
// matching its patterns. Patterns are doublestar globs relative to the kind
// directory.
var artifactRules = map[string][]string{
	"phases":      {"*.summary"},
	"proofs":      {"*.json"},
	"diagnostics": {"**"},
	"errors":      {"*.json"},
	"handoff":     {"**"},
	"checkpoints": {"save-before-*"},
}

// Checker validates the workspace and the artifact tree against the layout
// contract before a run starts.
type Checker struct {
	ws     string
	layout *artifacts.Layout
}

func NewChecker(workspaceRoot string, layout *artifacts.Layout) (*Checker, error) {
	if workspaceRoot == "" {
		return nil, fmt.Errorf("workspace: checker requires a workspace root")
	}
	if layout == nil {
		return nil, fmt.Errorf("workspace: checker requires an artifact layout")
	}
	return &Checker{ws: workspaceRoot, layout: layout}, nil
}

// Verify runs every structure rule. Rule breaches come back as violations in
// the report; the error return is reserved for I/O faults reading the trees.
func (c *Checker) Verify(ctx context.Context) (*Report, error) {
	rep := &Report{WorkspaceRoot: c.ws, ArtifactsRoot: c.layout.Root}
	if err := c.checkWorkspace(rep); err != nil {
		return nil, err
	}
	if err := c.checkArtifactTree(ctx, rep); err != nil {
		return nil, err
	}
	sort.Slice(rep.Violations, func(i, j int) bool {
		if rep.Violations[i].Path != rep.Violations[j].Path {
			return rep.Violations[i].Path < rep.Violations[j].Path
		}
		return rep.Violations[i].Rule < rep.Violations[j].Rule
	})
	return rep, nil
}

func (c *Checker) checkWorkspace(rep *Report) error {
	info, err := os.Stat(c.ws)
	switch {
	case os.IsNotExist(err):
		rep.add(c.ws, RuleWorkspaceMissing, "")
		return nil
	case err != nil:
		return fmt.Errorf("workspace: stat %s: %w", c.ws, err)
	case !info.IsDir():
		rep.add(c.ws, RuleWorkspaceMissing, "not a directory")
		return nil
	}
	if !gitutil.IsRepo(c.ws) {
		rep.add(c.ws, RuleNotGitRepo, "governed apply requires a git workspace")
	}

	leasePath := LeasePath(c.ws)
	cur, err := readLease(leasePath)
	switch {
	case err == nil:
		if age := time.Since(cur.HeartbeatAt); age >= leaseStaleAfter {
			rep.add(leasePath, RuleStaleLease,
				fmt.Sprintf("holder %q last heartbeat %s ago", cur.Owner, age.Round(time.Second)))
		}
	case os.IsNotExist(err):
	default:
		rep.add(leasePath, RuleStaleLease, "unreadable lease file")
	}
	return nil
}

// checkArtifactTree walks runs/<family>/<run_id> enforcing that directory
// levels hold only directories and run roots hold only the known kinds.
func (c *Checker) checkArtifactTree(ctx context.Context, rep *Report) error {
	runsDir := filepath.Join(c.layout.Root, "runs")
	families, err := os.ReadDir(runsDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("workspace: read %s: %w", runsDir, err)
	}

	for _, fam := range families {
		if err := ctx.Err(); err != nil {
			return err
		}
		famPath := filepath.Join(runsDir, fam.Name())
		if !fam.IsDir() {
			rep.add(famPath, RuleStrayFile, "runs level holds family directories only")
			continue
		}
		runs, err := os.ReadDir(famPath)
		if err != nil {
			return fmt.Errorf("workspace: read %s: %w", famPath, err)
		}
		for _, run := range runs {
			runPath := filepath.Join(famPath, run.Name())
			if !run.IsDir() {
				rep.add(runPath, RuleStrayFile, "family level holds run directories only")
				continue
			}
			if err := c.checkRunDir(runPath, rep); err != nil {
				return err
			}
			rep.RunsChecked++
		}
	}
	return nil
}

func (c *Checker) checkRunDir(runPath string, rep *Report) error {
	entries, err := os.ReadDir(runPath)
	if err != nil {
		return fmt.Errorf("workspace: read %s: %w", runPath, err)
	}
	for _, e := range entries {
		kindPath := filepath.Join(runPath, e.Name())
		patterns, known := artifactRules[e.Name()]
		if !known {
			rep.add(kindPath, RuleUnknownRunEntry, "")
			continue
		}
		if !e.IsDir() {
			rep.add(kindPath, RuleKindNotDir, "")
			continue
		}
		if err := checkKindDir(kindPath, patterns, rep); err != nil {
			return err
		}
	}
	return nil
}

func checkKindDir(kindPath string, patterns []string, rep *Report) error {
	return filepath.WalkDir(kindPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("workspace: walk %s: %w", path, err)
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(kindPath, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, pattern := range patterns {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				return nil
			}
		}
		rep.add(path, RuleUnexpectedArtifact, fmt.Sprintf("%s does not match %v", rel, patterns))
		return nil
	})
}

func (r *Report) add(path, rule, detail string) {
	r.Violations = append(r.Violations, Violation{Path: path, Rule: rule, Detail: detail})
}

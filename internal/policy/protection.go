package policy

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// RetentionWindow names a retention class from the protection file.
type RetentionWindow string

const (
	RetentionShort     RetentionWindow = "short_term"
	RetentionMedium    RetentionWindow = "medium_term"
	RetentionLong      RetentionWindow = "long_term"
	RetentionPermanent RetentionWindow = "permanent"
)

func ParseRetentionWindow(s string) (RetentionWindow, error) {
	switch RetentionWindow(strings.ToLower(strings.TrimSpace(s))) {
	case RetentionShort:
		return RetentionShort, nil
	case RetentionMedium:
		return RetentionMedium, nil
	case RetentionLong:
		return RetentionLong, nil
	case RetentionPermanent:
		return RetentionPermanent, nil
	default:
		return "", fmt.Errorf("invalid retention window %q", s)
	}
}

// RetentionWindows carries the configured day counts.
type RetentionWindows struct {
	ShortTermDays  int `json:"short_term_days" yaml:"short_term_days"`
	MediumTermDays int `json:"medium_term_days" yaml:"medium_term_days"`
	LongTermDays   int `json:"long_term_days" yaml:"long_term_days"`
}

// Days returns the window length in days; permanent returns 0 meaning never.
func (r RetentionWindows) Days(w RetentionWindow) int {
	switch w {
	case RetentionShort:
		return r.ShortTermDays
	case RetentionMedium:
		return r.MediumTermDays
	case RetentionLong:
		return r.LongTermDays
	default:
		return 0
	}
}

// SubsystemOverrides restrict what tidy and the storage optimizer may do.
type SubsystemOverrides struct {
	Tidy struct {
		SkipProtected bool `json:"skip_protected" yaml:"skip_protected"`
	} `json:"tidy" yaml:"tidy"`
	StorageOptimizer struct {
		ScanOnly bool `json:"scan_only" yaml:"scan_only"`
	} `json:"storage_optimizer" yaml:"storage_optimizer"`
}

// DatabaseRetention is a placeholder section; the loader keeps it disabled.
type DatabaseRetention struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// ProtectionPolicy is the single source of truth for protected paths. No
// other component may declare its own protected globs.
type ProtectionPolicy struct {
	ProtectedPaths   map[string][]string        `json:"protected_paths" yaml:"protected_paths"`
	Retention        RetentionWindows           `json:"retention" yaml:"retention"`
	CategoryPolicies map[string]RetentionWindow `json:"category_policies" yaml:"category_policies"`
	Overrides        SubsystemOverrides         `json:"overrides" yaml:"overrides"`
	DatabaseRetn     DatabaseRetention          `json:"database_retention" yaml:"database_retention"`
}

// protectedPathCategories is the closed set of protection groups the file
// may populate.
var protectedPathCategories = []string{
	"sot_docs",
	"source_code",
	"databases",
	"vcs",
	"config",
	"audit_trails",
	"active_state",
	"credentials",
	"ci_workflows",
	"legal",
	"dependency_locks",
	"run_artifacts",
	"checkpoints",
	"telemetry",
	"archive_ledgers",
}

func defaultProtection() ProtectionPolicy {
	p := ProtectionPolicy{
		ProtectedPaths: map[string][]string{
			"sot_docs":    {"sot/**", "docs/sot/**"},
			"source_code": {"src/**", "internal/**", "cmd/**"},
			// The active database only. Stray .db files at the root are the
			// tidy consolidator's to classify and archive.
			"databases": {"autopack.db", "autopack.db-wal", "autopack.db-shm", ".autopack/autopack.db*"},
			"vcs":              {".git/**", ".git"},
			"config":           {"*.yaml", "*.yml", "*.toml", ".env*"},
			"audit_trails":     {"audit/**"},
			"active_state":     {"tidy_pending_moves.json", "batch_drain_sessions/**"},
			"credentials":      {"**/*.pem", "**/*.key", "**/id_rsa*"},
			"ci_workflows":     {".github/**", ".gitlab-ci.yml"},
			"legal":            {"LICENSE*", "NOTICE*"},
			"dependency_locks": {"go.sum", "package-lock.json", "poetry.lock", "Cargo.lock"},
			"run_artifacts":    {"runs/**/proofs/**", "runs/**/errors/**"},
			"checkpoints":      {"runs/**/checkpoints/**"},
			"telemetry":        {"runs/**/diagnostics/telemetry.ndjson"},
			"archive_ledgers":  {"archive/ledgers/**"},
		},
		Retention: RetentionWindows{
			ShortTermDays:  30,
			MediumTermDays: 90,
			LongTermDays:   180,
		},
		CategoryPolicies: map[string]RetentionWindow{
			"dev_caches":  RetentionShort,
			"diagnostics": RetentionMedium,
			"runs":        RetentionLong,
			"archive":     RetentionPermanent,
		},
	}
	p.Overrides.Tidy.SkipProtected = true
	p.Overrides.StorageOptimizer.ScanOnly = true
	return p
}

// Protected reports whether the workspace-relative path matches any
// protected glob, and if so which protection group claimed it. Matching is
// done on /-normalized paths; a glob matching a directory also protects
// everything beneath it.
func (p ProtectionPolicy) Protected(rel string) (string, bool) {
	return p.match(rel, nil)
}

// writeForbiddenGroups lists the groups whose paths no Builder proposal may
// write. The remaining groups only shield files from tidy moves and
// retention cleanup; governed edits to them are scored, not banned.
var writeForbiddenGroups = map[string]bool{
	"sot_docs":        true,
	"databases":       true,
	"vcs":             true,
	"audit_trails":    true,
	"active_state":    true,
	"credentials":     true,
	"run_artifacts":   true,
	"checkpoints":     true,
	"telemetry":       true,
	"archive_ledgers": true,
}

// WriteProtected reports whether a proposal write to rel is forbidden
// outright, returning the claiming group.
func (p ProtectionPolicy) WriteProtected(rel string) (string, bool) {
	return p.match(rel, writeForbiddenGroups)
}

func (p ProtectionPolicy) match(rel string, only map[string]bool) (string, bool) {
	rel = normalizeRel(rel)
	if rel == "" {
		return "", false
	}
	groups := make([]string, 0, len(p.ProtectedPaths))
	for g := range p.ProtectedPaths {
		if only != nil && !only[g] {
			continue
		}
		groups = append(groups, g)
	}
	sort.Strings(groups)
	for _, group := range groups {
		for _, glob := range p.ProtectedPaths[group] {
			if matchGlob(glob, rel) {
				return group, true
			}
		}
	}
	return "", false
}

func matchGlob(glob, rel string) bool {
	glob = strings.TrimSpace(glob)
	if glob == "" {
		return false
	}
	if ok, err := doublestar.Match(glob, rel); err == nil && ok {
		return true
	}
	// A glob like ".git/**" must also claim ".git" itself, and a bare
	// directory glob like "audit" claims its contents.
	if trimmed, found := strings.CutSuffix(glob, "/**"); found {
		if ok, err := doublestar.Match(trimmed, rel); err == nil && ok {
			return true
		}
	}
	if ok, err := doublestar.Match(glob+"/**", rel); err == nil && ok {
		return true
	}
	return false
}

func normalizeRel(p string) string {
	p = strings.TrimSpace(p)
	p = filepath.ToSlash(p)
	p = strings.TrimPrefix(p, "./")
	return strings.Trim(p, "/")
}

func (p ProtectionPolicy) validate() error {
	known := map[string]bool{}
	for _, c := range protectedPathCategories {
		known[c] = true
	}
	for group, globs := range p.ProtectedPaths {
		if !known[group] {
			return fmt.Errorf("unknown protected path group %q", group)
		}
		for _, g := range globs {
			if strings.TrimSpace(g) == "" {
				return fmt.Errorf("protected path group %q contains an empty glob", group)
			}
			if !doublestar.ValidatePattern(g) {
				return fmt.Errorf("protected path group %q has invalid glob %q", group, g)
			}
		}
	}
	if p.Retention.ShortTermDays <= 0 || p.Retention.MediumTermDays <= 0 || p.Retention.LongTermDays <= 0 {
		return fmt.Errorf("retention windows must be positive (short=%d medium=%d long=%d)",
			p.Retention.ShortTermDays, p.Retention.MediumTermDays, p.Retention.LongTermDays)
	}
	if p.Retention.ShortTermDays > p.Retention.MediumTermDays || p.Retention.MediumTermDays > p.Retention.LongTermDays {
		return fmt.Errorf("retention windows must be ordered short <= medium <= long")
	}
	for cat, w := range p.CategoryPolicies {
		if _, err := ParseRetentionWindow(string(w)); err != nil {
			return fmt.Errorf("category policy %q: %w", cat, err)
		}
	}
	if p.DatabaseRetn.Enabled {
		return fmt.Errorf("database_retention is a placeholder and must stay disabled")
	}
	return nil
}

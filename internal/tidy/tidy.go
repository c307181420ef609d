// Package tidy consolidates loose project-root artifacts into SOT ledgers
// and archive buckets. Routing is driven by declarative classifier tables;
// every move is recorded in a destination ledger keyed by content hash plus
// source path, so repeated runs add nothing twice. Unrecognized loose files
// are preserved under archive/misc, never deleted.
package tidy

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/danshapiro/autopack/internal/artifacts"
	"github.com/danshapiro/autopack/internal/pendmoves"
	"github.com/danshapiro/autopack/internal/policy"
)

// MoveQueue receives moves that failed on a file lock. Satisfied by the
// pendmoves queue.
type MoveQueue interface {
	Enqueue(src, dest, action, reason string, cause error) (string, error)
}

type realm string

const (
	realmKeep    realm = "keep"
	realmSOT     realm = "sot"
	realmArchive realm = "archive"
)

// fileRule routes a root-level file by name pattern. First match wins;
// anything unmatched is archived under misc.
type fileRule struct {
	class    string
	realm    realm
	bucket   string
	patterns []string
}

var fileRules = []fileRule{
	// Project files that belong at the root stay put.
	{class: "project", realm: realmKeep, patterns: []string{
		"go.mod", "go.work", "go.work.sum", "Makefile", "Dockerfile*", "Taskfile*",
		"README*", "readme*", "CHANGELOG*", "CONTRIBUTING*",
		"*.go", "*.py", "*.ts", "*.js", "*.rs", "*.sh",
	}},
	{class: "report", realm: realmSOT, bucket: "reports", patterns: []string{
		"*_report.json", "*_report.md", "*-report.json", "*-report.md",
	}},
	{class: "summary", realm: realmSOT, bucket: "summaries", patterns: []string{
		"*_summary.md", "*-summary.md", "*_summary.json",
	}},
	{class: "handoff", realm: realmSOT, bucket: "handoffs", patterns: []string{
		"*_handoff.md", "HANDOFF*.md",
	}},
	{class: "log", realm: realmArchive, bucket: "logs", patterns: []string{
		"*.log", "*.out", "*.stderr",
	}},
	{class: "telemetry", realm: realmArchive, bucket: "telemetry", patterns: []string{
		"*.ndjson",
	}},
	{class: "patch", realm: realmArchive, bucket: "patches", patterns: []string{
		"*.patch", "*.diff", "*.rej", "*.orig",
	}},
	{class: "backup", realm: realmArchive, bucket: "backups", patterns: []string{
		"*.bak", "*~", "*.old",
	}},
	{class: "temp", realm: realmArchive, bucket: "tmp", patterns: []string{
		"*.tmp", "*.temp", "*.swp",
	}},
}

// Stray database files are classified by name markers, checked in order.
var dbClasses = []struct {
	class   string
	markers []string
}{
	{"telemetry-seed", []string{"seed", "telemetry"}},
	{"backup", []string{"backup", "bak", "copy"}},
	{"legacy", []string{"legacy", "old", "deprecated"}},
	{"debug-snapshot", []string{"debug", "snapshot", "dump", "trace"}},
	{"test-artifact", []string{"test", "fixture", "sample"}},
}

var dbExtensions = map[string]bool{".db": true, ".sqlite": true, ".sqlite3": true}

// dirRoute maps a root directory name to its consolidation target. Names not
// in the table are left in place.
type dirRoute struct {
	realm  realm
	bucket string
}

var dirRoutes = map[string]dirRoute{
	"logs":     {realmArchive, "logs"},
	"log":      {realmArchive, "logs"},
	"tmp":      {realmArchive, "tmp"},
	"temp":     {realmArchive, "tmp"},
	"backup":   {realmArchive, "backups"},
	"backups":  {realmArchive, "backups"},
	"old":      {realmArchive, "legacy"},
	"legacy":   {realmArchive, "legacy"},
	"reports":  {realmSOT, "reports"},
	"handoff":  {realmSOT, "handoffs"},
	"handoffs": {realmSOT, "handoffs"},
}

type ActionKind string

const (
	ActionMoveFile ActionKind = "move"
	ActionMoveDir  ActionKind = "move-dir"
	ActionDropDup  ActionKind = "drop-duplicate"
)

// PlannedMove is one intended mutation. Paths are root-relative with forward
// slashes.
type PlannedMove struct {
	Src    string     `json:"src"`
	Dest   string     `json:"dest,omitempty"`
	Class  string     `json:"class"`
	Bucket string     `json:"bucket,omitempty"`
	Realm  string     `json:"realm"`
	Hash   string     `json:"hash,omitempty"`
	Kind   ActionKind `json:"kind"`
}

type Skip struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

type Plan struct {
	Root  string        `json:"root"`
	Moves []PlannedMove `json:"moves"`
	Skips []Skip        `json:"skips"`
}

// Report summarizes one execute pass.
type Report struct {
	Planned    int      `json:"planned"`
	Moved      int      `json:"moved"`
	Dropped    int      `json:"dropped"`
	Queued     int      `json:"queued"`
	LedgerAdds int      `json:"ledger_adds"`
	Failed     []string `json:"failed,omitempty"`
}

// LedgerEntry is one append-only consolidation record.
type LedgerEntry struct {
	Hash       string    `json:"hash"`
	SourcePath string    `json:"source_path"`
	DestPath   string    `json:"dest_path"`
	Class      string    `json:"class"`
	MovedAt    time.Time `json:"moved_at"`
}

// Consolidator plans and executes tidy passes over one project root.
type Consolidator struct {
	root        string
	sotRoot     string
	archiveRoot string
	activeDB    string
	protection  policy.ProtectionPolicy
	queue       MoveQueue
	rename      func(src, dest string) error
	now         func() time.Time
	log         *zap.Logger
}

type Option func(*Consolidator)

func WithSOTRoot(rel string) Option {
	return func(c *Consolidator) {
		if rel != "" {
			c.sotRoot = filepath.ToSlash(rel)
		}
	}
}

func WithArchiveRoot(rel string) Option {
	return func(c *Consolidator) {
		if rel != "" {
			c.archiveRoot = filepath.ToSlash(rel)
		}
	}
}

func WithActiveDB(name string) Option {
	return func(c *Consolidator) {
		if name != "" {
			c.activeDB = name
		}
	}
}

func WithMoveQueue(q MoveQueue) Option { return func(c *Consolidator) { c.queue = q } }
func WithLogger(l *zap.Logger) Option  { return func(c *Consolidator) { c.log = l } }

func withClock(now func() time.Time) Option { return func(c *Consolidator) { c.now = now } }

func New(root string, protection policy.ProtectionPolicy, opts ...Option) (*Consolidator, error) {
	abs, err := filepath.Abs(strings.TrimSpace(root))
	if err != nil || strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("tidy: invalid root %q", root)
	}
	c := &Consolidator{
		root:        abs,
		sotRoot:     "sot",
		archiveRoot: "archive",
		activeDB:    "autopack.db",
		protection:  protection,
		rename:      os.Rename,
		now:         time.Now,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run plans a pass and, unless dryRun is set, executes it.
func (c *Consolidator) Run(ctx context.Context, dryRun bool) (*Plan, *Report, error) {
	plan, err := c.Plan(ctx)
	if err != nil {
		return nil, nil, err
	}
	if dryRun {
		return plan, nil, nil
	}
	report, err := c.Execute(ctx, plan)
	return plan, report, err
}

// Plan inspects the root's top-level entries and produces the move list
// without mutating anything.
func (c *Consolidator) Plan(ctx context.Context) (*Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return nil, fmt.Errorf("tidy: read root: %w", err)
	}

	plan := &Plan{Root: c.root}
	for _, entry := range entries {
		name := entry.Name()
		if reason, skip := c.skipReason(name); skip {
			plan.Skips = append(plan.Skips, Skip{Path: name, Reason: reason})
			continue
		}
		if entry.IsDir() {
			c.planDir(plan, name)
			continue
		}
		if err := c.planFile(plan, name); err != nil {
			return nil, err
		}
	}
	sort.Slice(plan.Moves, func(i, j int) bool { return plan.Moves[i].Src < plan.Moves[j].Src })
	sort.Slice(plan.Skips, func(i, j int) bool { return plan.Skips[i].Path < plan.Skips[j].Path })
	return plan, nil
}

func (c *Consolidator) skipReason(name string) (string, bool) {
	if strings.HasPrefix(name, ".") {
		return "hidden entry", true
	}
	if name == topSegment(c.sotRoot) || name == topSegment(c.archiveRoot) {
		return "consolidation root", true
	}
	if name == "runs" || name == "batch_drain_sessions" {
		return "reserved directory", true
	}
	if c.protection.Overrides.Tidy.SkipProtected {
		if group, ok := c.protection.Protected(name); ok {
			return "protected: " + group, true
		}
	}
	return "", false
}

func topSegment(p string) string {
	p = strings.Trim(filepath.ToSlash(p), "/")
	if i := strings.Index(p, "/"); i >= 0 {
		return p[:i]
	}
	return p
}

func (c *Consolidator) planDir(plan *Plan, name string) {
	route, ok := dirRoutes[strings.ToLower(name)]
	if !ok {
		plan.Skips = append(plan.Skips, Skip{Path: name, Reason: "directory not in routing table"})
		return
	}
	dest := c.realmPath(route.realm, route.bucket, name)
	if _, err := os.Stat(filepath.Join(c.root, filepath.FromSlash(dest))); err == nil {
		// Destination already occupied; conflicting directories are parked
		// under misc rather than merged.
		dest = c.archiveRoot + "/misc/root_directories/" + name
	}
	plan.Moves = append(plan.Moves, PlannedMove{
		Src:    name,
		Dest:   dest,
		Class:  "root_directory",
		Bucket: route.bucket,
		Realm:  string(route.realm),
		Kind:   ActionMoveDir,
	})
}

func (c *Consolidator) planFile(plan *Plan, name string) error {
	if dbExtensions[strings.ToLower(filepath.Ext(name))] || isDBSidecar(name) {
		c.planDatabase(plan, name)
		return nil
	}

	rule, matched := classifyFile(name)
	if matched && rule.realm == realmKeep {
		plan.Skips = append(plan.Skips, Skip{Path: name, Reason: "kept: " + rule.class})
		return nil
	}

	hash, err := c.hashFile(name)
	if err != nil {
		return fmt.Errorf("tidy: hash %s: %w", name, err)
	}

	class, rlm, bucket := "misc", realmArchive, "misc"
	if matched {
		class, rlm, bucket = rule.class, rule.realm, rule.bucket
	}
	dest := c.realmPath(rlm, bucket, name)

	if kind, finalDest := c.resolveCollision(plan, name, dest, hash, class, bucket, rlm); kind != "" {
		plan.Moves = append(plan.Moves, PlannedMove{
			Src: name, Dest: finalDest, Class: class, Bucket: bucket,
			Realm: string(rlm), Hash: hash, Kind: kind,
		})
	}
	return nil
}

func (c *Consolidator) planDatabase(plan *Plan, name string) {
	if name == c.activeDB || strings.HasPrefix(name, c.activeDB+"-") {
		plan.Skips = append(plan.Skips, Skip{Path: name, Reason: "active database"})
		return
	}
	class := classifyDB(name)
	hash, err := c.hashFile(name)
	if err != nil {
		// A database we cannot read is likely held open; let the retry queue
		// deal with it once the holder exits.
		plan.Skips = append(plan.Skips, Skip{Path: name, Reason: "unreadable: " + err.Error()})
		return
	}
	bucket := "databases/" + class
	dest := c.archiveRoot + "/" + bucket + "/" + name
	if kind, finalDest := c.resolveCollision(plan, name, dest, hash, "db:"+class, bucket, realmArchive); kind != "" {
		plan.Moves = append(plan.Moves, PlannedMove{
			Src: name, Dest: finalDest, Class: "db:" + class, Bucket: bucket,
			Realm: string(realmArchive), Hash: hash, Kind: kind,
		})
	}
}

// resolveCollision decides what to do when the destination is occupied. Same
// content means the source is a stale duplicate and is dropped; different
// content gets a hash-suffixed destination.
func (c *Consolidator) resolveCollision(plan *Plan, src, dest, hash, class, bucket string, rlm realm) (ActionKind, string) {
	absDest := filepath.Join(c.root, filepath.FromSlash(dest))
	existing, err := hashPath(absDest)
	switch {
	case os.IsNotExist(err):
		return ActionMoveFile, dest
	case err != nil:
		plan.Skips = append(plan.Skips, Skip{Path: src, Reason: "destination unreadable: " + err.Error()})
		return "", ""
	case existing == hash:
		return ActionDropDup, dest
	default:
		ext := filepath.Ext(dest)
		stem := strings.TrimSuffix(dest, ext)
		return ActionMoveFile, stem + "-" + hash[:8] + ext
	}
}

// Execute performs the planned moves, appending ledger entries for every new
// (hash, source) pair. Locked files are enqueued for retry instead of
// failing the pass.
func (c *Consolidator) Execute(ctx context.Context, plan *Plan) (*Report, error) {
	report := &Report{Planned: len(plan.Moves)}
	for _, mv := range plan.Moves {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := c.executeOne(report, mv); err != nil {
			report.Failed = append(report.Failed, fmt.Sprintf("%s: %v", mv.Src, err))
			c.log.Warn("tidy move failed", zap.String("src", mv.Src), zap.String("dest", mv.Dest), zap.Error(err))
		}
	}
	c.log.Info("tidy pass complete",
		zap.Int("planned", report.Planned),
		zap.Int("moved", report.Moved),
		zap.Int("dropped", report.Dropped),
		zap.Int("queued", report.Queued),
		zap.Int("ledger_adds", report.LedgerAdds))
	return report, nil
}

func (c *Consolidator) executeOne(report *Report, mv PlannedMove) error {
	srcAbs := filepath.Join(c.root, filepath.FromSlash(mv.Src))
	destAbs := filepath.Join(c.root, filepath.FromSlash(mv.Dest))

	switch mv.Kind {
	case ActionDropDup:
		if err := os.Remove(srcAbs); err != nil && !os.IsNotExist(err) {
			return err
		}
		report.Dropped++
		return nil

	case ActionMoveFile, ActionMoveDir:
		if err := os.MkdirAll(filepath.Dir(destAbs), 0o755); err != nil {
			return err
		}
		if err := c.rename(srcAbs, destAbs); err != nil {
			if pendmoves.IsLockError(err) && c.queue != nil {
				if _, qerr := c.queue.Enqueue(srcAbs, destAbs, pendmoves.ActionMove, "tidy move blocked by file lock", err); qerr != nil {
					return qerr
				}
				report.Queued++
				return nil
			}
			return err
		}
		report.Moved++
		added, err := c.appendLedger(mv)
		if err != nil {
			return err
		}
		if added {
			report.LedgerAdds++
		}
		return nil

	default:
		return fmt.Errorf("unknown action %q", mv.Kind)
	}
}

// appendLedger records the move unless an identical (hash, source) pair is
// already present, keeping ledgers byte-identical across repeated runs.
func (c *Consolidator) appendLedger(mv PlannedMove) (bool, error) {
	path := c.ledgerPath(mv)
	keys, err := loadLedgerKeys(path)
	if err != nil {
		return false, err
	}
	key := mv.Hash + "|" + mv.Src
	if keys[key] {
		return false, nil
	}
	entry := LedgerEntry{
		Hash:       mv.Hash,
		SourcePath: mv.Src,
		DestPath:   mv.Dest,
		Class:      mv.Class,
		MovedAt:    c.now().UTC(),
	}
	if err := artifacts.AppendNDJSON(path, entry); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Consolidator) ledgerPath(mv PlannedMove) string {
	base := c.archiveRoot
	if realm(mv.Realm) == realmSOT {
		base = c.sotRoot
	}
	name := strings.ReplaceAll(mv.Bucket, "/", "_")
	if mv.Kind == ActionMoveDir {
		name = "root_directories"
	}
	if name == "" {
		name = "misc"
	}
	return filepath.Join(c.root, filepath.FromSlash(base), "ledgers", name+".ndjson")
}

func (c *Consolidator) realmPath(rlm realm, bucket, name string) string {
	base := c.archiveRoot
	if rlm == realmSOT {
		base = c.sotRoot
	}
	if bucket == "" {
		return base + "/" + name
	}
	return base + "/" + bucket + "/" + name
}

func (c *Consolidator) hashFile(name string) (string, error) {
	return hashPath(filepath.Join(c.root, filepath.FromSlash(name)))
}

func hashPath(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func loadLedgerKeys(path string) (map[string]bool, error) {
	keys := map[string]bool{}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return keys, nil
		}
		return nil, err
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry LedgerEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		keys[entry.Hash+"|"+entry.SourcePath] = true
	}
	return keys, nil
}

func classifyFile(name string) (fileRule, bool) {
	for _, rule := range fileRules {
		for _, pat := range rule.patterns {
			if ok, err := doublestar.Match(pat, name); err == nil && ok {
				return rule, true
			}
		}
	}
	return fileRule{}, false
}

func classifyDB(name string) string {
	lower := strings.ToLower(name)
	for _, dc := range dbClasses {
		for _, marker := range dc.markers {
			if strings.Contains(lower, marker) {
				return dc.class
			}
		}
	}
	return "misc"
}

func isDBSidecar(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".db-wal") || strings.HasSuffix(lower, ".db-shm")
}

package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/danshapiro/autopack/internal/apply"
	"github.com/danshapiro/autopack/internal/approval"
	"github.com/danshapiro/autopack/internal/artifacts"
	"github.com/danshapiro/autopack/internal/autoerr"
	"github.com/danshapiro/autopack/internal/finalizer"
	"github.com/danshapiro/autopack/internal/governance"
	"github.com/danshapiro/autopack/internal/llm"
	"github.com/danshapiro/autopack/internal/patch"
	"github.com/danshapiro/autopack/internal/policy"
	"github.com/danshapiro/autopack/internal/router"
	"github.com/danshapiro/autopack/internal/store"
	"github.com/danshapiro/autopack/internal/telemetry"
)

// attemptResult is one attempt's verdict, consumed by the ExecutePhase loop.
type attemptResult struct {
	outcome     store.AttemptOutcome
	reason      string
	hints       []llm.Hint
	verdict     *finalizer.Verdict
	savePointID string

	parked     bool
	approvalID string

	reachedLLM bool
	runErr     error
}

func failedAttempt(outcome store.AttemptOutcome, reason string, hints ...llm.Hint) *attemptResult {
	return &attemptResult{outcome: outcome, reason: reason, hints: hints}
}

// runAttempt executes one full attempt under the phase timeout. Panics in
// any step are recovered into an internal failure rather than taking down
// the supervisor.
func (e *Executor) runAttempt(ctx context.Context, phase *store.Phase) (ar *attemptResult) {
	actx, cancel := context.WithTimeout(ctx, e.cfg.PhaseTimeout)
	defer cancel()

	e.progress(phase.RunID, map[string]any{
		"event":    "attempt_start",
		"phase_id": phase.PhaseID,
		"attempt":  phase.AttemptsUsed + 1,
		"max":      phase.MaxAttempts,
	})
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("attempt panicked",
				zap.String("phase_id", phase.PhaseID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			ar = failedAttempt(store.OutcomeBuilderFail, fmt.Sprintf("internal: attempt panicked: %v", r))
		}
		e.progress(phase.RunID, map[string]any{
			"event":    "attempt_end",
			"phase_id": phase.PhaseID,
			"outcome":  string(ar.outcome),
			"parked":   ar.parked,
		})
	}()

	// A prior attempt may have parked this phase behind an approval. That
	// ticket governs what this attempt does before any Builder call.
	if stash, ok := e.loadApprovalStash(phase); ok {
		return e.resumeFromApproval(actx, phase, stash)
	}
	return e.buildAndLand(actx, phase, nil, false)
}

// buildAndLand is the main pipeline: route, build, govern, then land. When
// resuming an approved proposal (pre != nil, approved true) build and
// governance are skipped and the stashed proposal lands directly.
func (e *Executor) buildAndLand(ctx context.Context, phase *store.Phase, pre *stashedProposal, approved bool) *attemptResult {
	sp := pre
	if sp == nil {
		built := e.buildProposal(ctx, phase, phase.AttemptsUsed)
		if built.result != nil {
			return built.result
		}
		sp = built.stash

		risk, ruling := e.deps.Scorer.Assess(sp.Proposal, phase, e.workspaceLineCounter())
		sp.Risk = risk
		e.recordGovernance(ctx, phase, risk, ruling)

		switch ruling {
		case governance.RulingReject:
			hints := make([]llm.Hint, 0, len(risk.OutsideScope))
			for _, p := range risk.OutsideScope {
				hints = append(hints, llm.Hint{Kind: llm.HintPathFix, From: p, Detail: "outside allowed scope"})
			}
			res := failedAttempt(store.OutcomeApplyFail, "governance rejected proposal: "+risk.Reason(), hints...)
			res.reachedLLM = true
			return res
		case governance.RulingRequireApproval:
			return e.parkForApproval(ctx, phase, sp, risk)
		}
	}

	res := e.landProposal(ctx, phase, sp, sp.Risk, approved)
	res.reachedLLM = true
	return res
}

// builtProposal is buildProposal's either-or return: a stash to continue
// with, or a finished attemptResult (failure, park, or run fault).
type builtProposal struct {
	stash  *stashedProposal
	result *attemptResult
}

func (e *Executor) buildProposal(ctx context.Context, phase *store.Phase, attemptIdx int) builtProposal {
	sel, err := e.deps.Router.SelectModel(ctx, phase.Category, policy.RoleBuilder, attemptIdx, phase.Complexity)
	if err != nil {
		if router.IsQuotaBlocked(err) {
			return builtProposal{result: &attemptResult{
				runErr: autoerr.Wrap(autoerr.KindQuotaBlocked, "executor.route", err),
			}}
		}
		return builtProposal{result: failedAttempt(store.OutcomeBuilderFail, "routing: "+err.Error())}
	}
	e.recordRouting(ctx, phase, policy.RoleBuilder, sel, attemptIdx)

	req := llm.BuildRequest{
		PhaseID:         phase.PhaseID,
		AttemptID:       ulid.Make().String(),
		Goal:            phase.Goal,
		Deliverables:    phase.Deliverables,
		AllowedPaths:    phase.Scope.AllowedPaths,
		ReadonlyContext: phase.Scope.ReadonlyContext,
		Hints:           e.Hints(phase.PhaseID),
		ModelID:         sel.ModelID,
		TokenBudget:     sel.TokenBudget,
	}
	if attemptIdx >= deepRetrievalAtAttempt {
		req.RetrievalContext = e.retrieveContext(ctx, phase)
	}

	att := &store.Attempt{
		AttemptID:    req.AttemptID,
		PhaseID:      phase.PhaseID,
		AttemptIndex: attemptIdx,
		Role:         policy.RoleBuilder,
		ModelID:      sel.ModelID,
		StartedAt:    e.now(),
	}
	if err := e.deps.Store.InsertAttempt(ctx, att); err != nil {
		return builtProposal{result: &attemptResult{
			runErr: autoerr.Wrap(autoerr.KindInternal, "executor.insert_attempt", err),
		}}
	}

	res, err := e.deps.Builder.Build(ctx, req)
	if err != nil {
		out := e.builderFailure(ctx, phase, req, sel, err)
		if out.result != nil {
			e.finishAttempt(ctx, att.AttemptID, failOutcomeOf(out.result), usageOf(res), out.result.reason)
			return out
		}
		// Truncation recovery produced a proposal on the retry.
		e.finishAttempt(ctx, att.AttemptID, store.OutcomeOK, llm.Usage{}, "recovered from truncation")
		return out
	}

	e.finishAttempt(ctx, att.AttemptID, store.OutcomeOK, res.Usage, "")
	e.recordTokens(ctx, phase, att.AttemptID, sel.ModelID, policy.RoleBuilder, res.Usage)
	e.postBuilderResult(ctx, phase, att.AttemptID, sel.ModelID, res)
	e.progress(phase.RunID, map[string]any{
		"event":       "builder_done",
		"phase_id":    phase.PhaseID,
		"model":       sel.ModelID,
		"operations":  len(res.Proposal.Operations),
		"tokens_out":  res.Usage.TokensOut,
		"attempt_idx": attemptIdx,
	})
	return builtProposal{stash: &stashedProposal{Proposal: res.Proposal}}
}

// builderFailure classifies a Build error, running continuation recovery
// for truncated replies before giving up on the attempt.
func (e *Executor) builderFailure(ctx context.Context, phase *store.Phase, req llm.BuildRequest, sel router.Selection, err error) builtProposal {
	var malformed *llm.MalformedReplyError
	switch {
	case errors.As(err, &malformed) && malformed.Truncated:
		return e.recoverTruncation(ctx, phase, req, sel)
	case errors.As(err, &malformed):
		res := failedAttempt(store.OutcomeBuilderFail, "builder reply malformed: "+err.Error())
		res.reachedLLM = true
		return builtProposal{result: res}
	case llm.IsQuotaExceeded(err):
		if e.deps.Probe != nil {
			e.deps.Probe.MarkExhausted(sel.ModelID)
		}
		return builtProposal{result: failedAttempt(store.OutcomeBuilderFail, "builder quota exhausted on "+sel.ModelID)}
	case errors.Is(ctx.Err(), context.Canceled):
		return builtProposal{result: &attemptResult{
			runErr: autoerr.Wrap(autoerr.KindCancelled, "executor.builder", context.Cause(ctx)),
		}}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return builtProposal{result: failedAttempt(store.OutcomeBuilderFail,
			fmt.Sprintf("builder timed out after %s", e.cfg.PhaseTimeout))}
	default:
		return builtProposal{result: failedAttempt(store.OutcomeBuilderFail, "builder call failed: "+err.Error())}
	}
}

// recoverTruncation retries once with the call narrowed to the unfinished
// deliverables; wide scopes switch to structured edits instead, which keep
// per-file payloads small.
func (e *Executor) recoverTruncation(ctx context.Context, phase *store.Phase, req llm.BuildRequest, sel router.Selection) builtProposal {
	wide := e.scopeFileCount(phase) > structuredEditsScopeThreshold
	req.AttemptID = ulid.Make().String()
	req.PreferStructured = wide
	if !wide {
		req.Continuation = &llm.Continuation{UnfinishedDeliverables: phase.Deliverables}
	}
	e.progress(phase.RunID, map[string]any{
		"event":      "truncation_recovery",
		"phase_id":   phase.PhaseID,
		"structured": wide,
	})

	res, err := e.deps.Builder.Build(ctx, req)
	if err != nil {
		hint := llm.Hint{Kind: llm.HintTruncation, Detail: "reply exceeded token budget twice; produce fewer, smaller files per reply"}
		fail := failedAttempt(store.OutcomeTruncated, "builder reply truncated and recovery failed: "+err.Error(), hint)
		fail.reachedLLM = true
		return builtProposal{result: fail}
	}
	e.recordTokens(ctx, phase, req.AttemptID, sel.ModelID, policy.RoleBuilder, res.Usage)
	return builtProposal{stash: &stashedProposal{Proposal: res.Proposal}}
}

// landProposal applies, audits, tests, and finalizes one governed proposal.
func (e *Executor) landProposal(ctx context.Context, phase *store.Phase, sp *stashedProposal, risk governance.RiskAssessment, approved bool) *attemptResult {
	res, err := e.deps.Applier.Apply(ctx, sp.Proposal, phase)
	if err != nil {
		return e.applyFailure(ctx, err, phase)
	}
	ar := &attemptResult{savePointID: res.SavePointID}
	e.progress(phase.RunID, map[string]any{
		"event":      "apply_done",
		"phase_id":   phase.PhaseID,
		"changed":    len(res.ChangedFiles),
		"added":      len(res.AddedFiles),
		"deleted":    len(res.DeletedFiles),
		"save_point": res.SavePointID,
	})

	if e.deps.Policies.GetRoutingPolicy(phase.Category).DualAudit {
		if blocked := e.audit(ctx, phase, sp.Proposal, res); blocked != nil {
			e.rollback(ctx, phase, res.SavePointID)
			blocked.savePointID = res.SavePointID
			return blocked
		}
	}

	report, err := e.deps.Tests.Run(ctx, nil)
	if err != nil {
		e.rollback(ctx, phase, res.SavePointID)
		if errors.Is(ctx.Err(), context.Canceled) {
			ar.runErr = autoerr.Wrap(autoerr.KindCancelled, "executor.tests", err)
			return ar
		}
		ar.outcome = store.OutcomeTestRegression
		ar.reason = "test runner failed: " + err.Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			ar.reason = fmt.Sprintf("test run timed out after %s", e.cfg.PhaseTimeout)
		}
		return ar
	}
	if e.deps.Tracker.Capture(report) {
		e.progress(phase.RunID, map[string]any{
			"event":    "baseline_captured",
			"phase_id": phase.PhaseID,
			"total":    report.Total,
			"failures": len(report.Failures),
		})
	}

	verdict, err := e.deps.Finalizer.Evaluate(ctx, finalizer.Input{
		Phase:            phase,
		Proposal:         sp.Proposal,
		WorkspaceRoot:    e.cfg.WorkspaceRoot,
		Report:           report,
		Risk:             risk,
		Approved:         approved,
		CoverageRequired: e.cfg.CoverageRequired,
	})
	if err != nil {
		e.rollback(ctx, phase, res.SavePointID)
		if errors.Is(ctx.Err(), context.Canceled) {
			ar.runErr = autoerr.Wrap(autoerr.KindCancelled, "executor.finalize", err)
			return ar
		}
		ar.outcome = store.OutcomeQualityBlock
		ar.reason = "finalizer: " + err.Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			ar.reason = fmt.Sprintf("finalize timed out after %s", e.cfg.PhaseTimeout)
		}
		return ar
	}
	ar.verdict = &verdict
	e.progress(phase.RunID, map[string]any{
		"event":    "finalize_verdict",
		"phase_id": phase.PhaseID,
		"complete": verdict.Complete,
		"gate":     string(verdict.Gate),
	})

	if verdict.Complete {
		ar.outcome = store.OutcomeOK
		return ar
	}

	ar.outcome, ar.reason, ar.hints = e.gateFailure(phase, verdict)
	if !e.cfg.KeepFailedApplies {
		e.rollback(ctx, phase, res.SavePointID)
	}
	return ar
}

// gateFailure maps a blocking gate onto the attempt outcome and the hints
// the next attempt should carry.
func (e *Executor) gateFailure(phase *store.Phase, v finalizer.Verdict) (store.AttemptOutcome, string, []llm.Hint) {
	reason := fmt.Sprintf("gate %s blocked: %s", v.Gate, strings.Join(v.Reasons, "; "))
	switch v.Gate {
	case finalizer.GateCIDelta:
		hints := make([]llm.Hint, 0, len(v.NewFailures))
		for _, t := range v.NewFailures {
			hints = append(hints, llm.Hint{Kind: llm.HintTestRegression, Detail: t})
		}
		return store.OutcomeTestRegression, reason, hints
	case finalizer.GateDeliverables:
		var hints []llm.Hint
		for _, rel := range e.missingDeliverables(phase) {
			hints = append(hints, llm.Hint{Kind: llm.HintDeliverableMissing, From: rel})
		}
		return store.OutcomeDeliverablesFail, reason, hints
	case finalizer.GateSymbols:
		return store.OutcomeSymbolFail, reason, nil
	default:
		return store.OutcomeQualityBlock, reason, nil
	}
}

func (e *Executor) missingDeliverables(phase *store.Phase) []string {
	var missing []string
	for _, rel := range phase.Deliverables {
		info, err := os.Stat(filepath.Join(e.cfg.WorkspaceRoot, filepath.FromSlash(rel)))
		if err != nil || info.IsDir() || info.Size() == 0 {
			missing = append(missing, rel)
		}
	}
	return missing
}

func (e *Executor) audit(ctx context.Context, phase *store.Phase, p *patch.Proposal, res *apply.Result) *attemptResult {
	sel, err := e.deps.Router.SelectModel(ctx, phase.Category, policy.RoleAuditor, phase.AttemptsUsed, phase.Complexity)
	if err != nil {
		if router.IsQuotaBlocked(err) {
			return &attemptResult{runErr: autoerr.Wrap(autoerr.KindQuotaBlocked, "executor.route_auditor", err)}
		}
		return failedAttempt(store.OutcomeQualityBlock, "auditor routing: "+err.Error())
	}
	e.recordRouting(ctx, phase, policy.RoleAuditor, sel, phase.AttemptsUsed)

	att := &store.Attempt{
		AttemptID:    ulid.Make().String(),
		PhaseID:      phase.PhaseID,
		AttemptIndex: phase.AttemptsUsed,
		Role:         policy.RoleAuditor,
		ModelID:      sel.ModelID,
		StartedAt:    e.now(),
	}
	if err := e.deps.Store.InsertAttempt(ctx, att); err != nil {
		return &attemptResult{runErr: autoerr.Wrap(autoerr.KindInternal, "executor.insert_attempt", err)}
	}

	changed := append(append(append([]string{}, res.ChangedFiles...), res.AddedFiles...), res.DeletedFiles...)
	sort.Strings(changed)
	verdict, err := e.deps.Auditor.Audit(ctx, llm.AuditRequest{
		PhaseID:      phase.PhaseID,
		AttemptID:    att.AttemptID,
		Goal:         phase.Goal,
		Diff:         renderDiff(p, res),
		ChangedFiles: changed,
		ModelID:      sel.ModelID,
		TokenBudget:  sel.TokenBudget,
	})
	if err != nil {
		e.finishAttempt(ctx, att.AttemptID, store.OutcomeQualityBlock, llm.Usage{}, err.Error())
		if errors.Is(ctx.Err(), context.Canceled) {
			return &attemptResult{runErr: autoerr.Wrap(autoerr.KindCancelled, "executor.audit", err)}
		}
		return failedAttempt(store.OutcomeQualityBlock, "auditor call failed: "+err.Error())
	}
	e.finishAttempt(ctx, att.AttemptID, store.OutcomeOK, verdict.Usage, "")
	e.recordTokens(ctx, phase, att.AttemptID, sel.ModelID, policy.RoleAuditor, verdict.Usage)
	e.postAuditorResult(ctx, phase, att.AttemptID, sel.ModelID, verdict)
	e.progress(phase.RunID, map[string]any{
		"event":    "audit_done",
		"phase_id": phase.PhaseID,
		"approved": verdict.Approved,
		"findings": len(verdict.Findings),
	})

	if verdict.HasCritical() || !verdict.Approved {
		notes := make([]string, 0, len(verdict.Findings))
		for _, f := range verdict.Findings {
			if f.Severity == llm.SeverityCritical {
				notes = append(notes, f.Note)
			}
		}
		reason := "auditor blocked the change"
		if len(notes) > 0 {
			reason = "auditor critical findings: " + strings.Join(notes, "; ")
		}
		return failedAttempt(store.OutcomeQualityBlock, reason)
	}
	return nil
}

func (e *Executor) rollback(ctx context.Context, phase *store.Phase, savePointID string) {
	stop := context.WithoutCancel(ctx)
	if err := e.deps.Applier.Rollback(stop, savePointID); err != nil {
		e.log.Error("rollback failed; workspace may be dirty",
			zap.String("phase_id", phase.PhaseID),
			zap.String("save_point", savePointID),
			zap.Error(err))
	}
}

func (e *Executor) applyFailure(ctx context.Context, err error, phase *store.Phase) *attemptResult {
	if f, ok := apply.AsFailure(err); ok {
		switch f.Kind {
		case apply.FailProtectedPath:
			return failedAttempt(store.OutcomeApplyFail, err.Error(),
				llm.Hint{Kind: llm.HintPathFix, From: f.Path, Detail: "protected path; choose another location"})
		case apply.FailOutsideScope:
			to := ""
			if len(phase.Scope.AllowedPaths) > 0 {
				to = phase.Scope.AllowedPaths[0]
			}
			return failedAttempt(store.OutcomeApplyFail, err.Error(),
				llm.Hint{Kind: llm.HintPathFix, From: f.Path, To: to, Detail: "outside allowed scope"})
		case apply.FailSymbolLost:
			return failedAttempt(store.OutcomeSymbolFail, err.Error(),
				llm.Hint{Kind: llm.HintSymbolLost, From: f.Path, Detail: f.Detail})
		default:
			return failedAttempt(store.OutcomeApplyFail, err.Error())
		}
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return &attemptResult{runErr: autoerr.Wrap(autoerr.KindCancelled, "executor.apply", err)}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failedAttempt(store.OutcomeApplyFail, fmt.Sprintf("apply timed out after %s", e.cfg.PhaseTimeout))
	}
	return failedAttempt(store.OutcomeApplyFail, "apply failed: "+err.Error())
}

func (e *Executor) retrieveContext(ctx context.Context, phase *store.Phase) string {
	if e.deps.Retriever == nil {
		return ""
	}
	snips, err := e.deps.Retriever.RetrieveContext(ctx, e.cfg.ProjectID, phase.RunID, string(phase.Category), e.cfg.RetrievalMaxChars)
	if err != nil {
		e.log.Warn("deep retrieval failed; continuing without context", zap.Error(err))
		return ""
	}
	var sb strings.Builder
	for _, s := range snips {
		title := s.Title
		if title == "" {
			title = s.Source
		}
		fmt.Fprintf(&sb, "### %s\n%s\n\n", title, s.Text)
	}
	return strings.TrimSpace(sb.String())
}

// scopeFileCount counts existing files under the allowed paths, stopping
// once the structured-edits threshold is exceeded.
func (e *Executor) scopeFileCount(phase *store.Phase) int {
	count := 0
	root := e.cfg.WorkspaceRoot
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		for _, allowed := range phase.Scope.AllowedPaths {
			if matchScope(allowed, rel) {
				count++
				break
			}
		}
		if count > structuredEditsScopeThreshold {
			return fs.SkipAll
		}
		return nil
	})
	return count
}

func matchScope(allowed, rel string) bool {
	allowed = strings.TrimSuffix(strings.TrimSpace(allowed), "/")
	if allowed == "" {
		return false
	}
	if rel == allowed || strings.HasPrefix(rel, allowed+"/") {
		return true
	}
	ok, err := doublestar.Match(allowed, rel)
	return err == nil && ok
}

// renderDiff produces the Auditor's review payload from the proposal and
// the apply result. Content is bounded per file so wide changes still fit
// the auditor's budget.
const diffPerFileLimit = 4000

func renderDiff(p *patch.Proposal, res *apply.Result) string {
	var sb strings.Builder
	for _, op := range p.Operations {
		fmt.Fprintf(&sb, "--- %s %s\n", op.Op, op.Path)
		body := op.Content
		if body == "" && len(op.Hunks) > 0 {
			var parts []string
			for _, h := range op.Hunks {
				parts = append(parts, fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldLines, h.NewStart, h.NewLines))
				parts = append(parts, h.Lines...)
			}
			body = strings.Join(parts, "\n")
		}
		if len(body) > diffPerFileLimit {
			body = body[:diffPerFileLimit] + "\n... (elided)"
		}
		if body != "" {
			sb.WriteString(body)
			sb.WriteString("\n")
		}
	}
	fmt.Fprintf(&sb, "(applied: %d changed, %d added, %d deleted)\n",
		len(res.ChangedFiles), len(res.AddedFiles), len(res.DeletedFiles))
	return sb.String()
}

// --- approval parking -------------------------------------------------

// stashedProposal survives an approval round trip on disk so the approved
// change lands byte-identical to what the operator reviewed.
type stashedProposal struct {
	ApprovalID string                    `json:"approval_id"`
	PhaseID    string                    `json:"phase_id"`
	Proposal   *patch.Proposal           `json:"proposal"`
	Risk       governance.RiskAssessment `json:"risk"`
	CreatedAt  time.Time                 `json:"created_at"`
}

func (e *Executor) stashPath(phase *store.Phase) string {
	return filepath.Join(e.deps.Layout.HandoffDir(e.cfg.Family, phase.RunID), "approval_"+phase.PhaseID+".json")
}

func (e *Executor) parkForApproval(ctx context.Context, phase *store.Phase, sp *stashedProposal, risk governance.RiskAssessment) *attemptResult {
	id, err := e.deps.Approvals.Open(ctx, approval.Request{
		RunID:            phase.RunID,
		PhaseID:          phase.PhaseID,
		ProposalID:       sp.Proposal.ProposalID,
		Category:         phase.Category,
		RiskLevel:        string(risk.Level),
		DecisionCategory: string(risk.DecisionCategory),
		Reason:           risk.Reason(),
		Summary:          sp.Proposal.Summary,
	})
	if err != nil {
		res := failedAttempt(store.OutcomeApplyFail, "approval open failed: "+err.Error())
		res.reachedLLM = true
		return res
	}
	sp.ApprovalID = id
	sp.PhaseID = phase.PhaseID
	sp.CreatedAt = e.now()
	if err := artifacts.WriteJSONAtomic(e.stashPath(phase), sp); err != nil {
		// Without the stash the approved proposal cannot be resumed;
		// fail the attempt rather than strand an unanswerable ticket.
		_ = e.deps.Approvals.Decide(ctx, id, approval.StatusDenied, "system", "stash write failed")
		res := failedAttempt(store.OutcomeApplyFail, "approval stash write failed: "+err.Error())
		res.reachedLLM = true
		return res
	}
	e.recordApproval(ctx, phase, id, string(approval.StatusPending), "system")
	e.progress(phase.RunID, map[string]any{
		"event":       "approval_requested",
		"phase_id":    phase.PhaseID,
		"approval_id": id,
		"risk":        string(risk.Level),
	})

	// An auto-decider may have ruled synchronously inside Open; pick that
	// up now instead of parking for a poll cycle.
	if t, perr := e.deps.Approvals.Poll(ctx, id); perr == nil && t.Status.Terminal() {
		if stash, ok := e.loadApprovalStash(phase); ok {
			return e.resumeFromApproval(ctx, phase, stash)
		}
		return e.resumeFromApproval(ctx, phase, sp)
	}
	return &attemptResult{parked: true, approvalID: id, reachedLLM: true, reason: "awaiting approval " + id}
}

func (e *Executor) loadApprovalStash(phase *store.Phase) (*stashedProposal, bool) {
	var sp stashedProposal
	if err := artifacts.ReadJSON(e.stashPath(phase), &sp); err != nil {
		return nil, false
	}
	if sp.Proposal == nil || sp.ApprovalID == "" {
		return nil, false
	}
	return &sp, true
}

func (e *Executor) dropApprovalStash(phase *store.Phase) {
	_ = os.Remove(e.stashPath(phase))
}

// resumeFromApproval consumes a stashed proposal according to the ticket's
// current status. Pending tickets park again without charging an attempt.
func (e *Executor) resumeFromApproval(ctx context.Context, phase *store.Phase, sp *stashedProposal) *attemptResult {
	t, err := e.deps.Approvals.Poll(ctx, sp.ApprovalID)
	if err != nil {
		// Gateway restarted and lost the ticket; the stash is orphaned.
		e.dropApprovalStash(phase)
		return failedAttempt(store.OutcomeApplyFail, "approval ticket lost: "+err.Error())
	}
	switch t.Status {
	case approval.StatusPending:
		return &attemptResult{parked: true, approvalID: sp.ApprovalID, reason: "awaiting approval " + sp.ApprovalID}
	case approval.StatusApproved:
		e.dropApprovalStash(phase)
		e.recordApproval(ctx, phase, sp.ApprovalID, string(t.Status), t.Actor)
		return e.buildAndLand(ctx, phase, sp, true)
	case approval.StatusTimedOut:
		e.dropApprovalStash(phase)
		e.recordApproval(ctx, phase, sp.ApprovalID, string(t.Status), t.Actor)
		return failedAttempt(store.OutcomeApprovalTimeout, "approval "+sp.ApprovalID+" timed out")
	default: // denied
		e.dropApprovalStash(phase)
		e.recordApproval(ctx, phase, sp.ApprovalID, string(t.Status), t.Actor)
		detail := t.Note
		if detail == "" {
			detail = "operator denied the proposal"
		}
		return failedAttempt(store.OutcomeApprovalDenied, "approval denied: "+detail,
			llm.Hint{Kind: llm.HintApprovalDenied, Detail: detail})
	}
}

// --- small recorders --------------------------------------------------

func (e *Executor) finishAttempt(ctx context.Context, attemptID string, outcome store.AttemptOutcome, usage llm.Usage, reason string) {
	digest := reason
	if len(digest) > 200 {
		digest = digest[:200]
	}
	// The attempt row must close even when the attempt died to cancellation.
	ctx = context.WithoutCancel(ctx)
	if err := e.deps.Store.FinishAttempt(ctx, attemptID, outcome, usage.TokensIn, usage.TokensOut, digest); err != nil {
		e.log.Warn("finish attempt failed", zap.String("attempt_id", attemptID), zap.Error(err))
	}
}

func (e *Executor) recordTokens(ctx context.Context, phase *store.Phase, attemptID, modelID string, role policy.Role, usage llm.Usage) {
	if usage.TokensIn == 0 && usage.TokensOut == 0 {
		return
	}
	if err := e.deps.Store.AddRunTokens(ctx, phase.RunID, usage.TokensIn+usage.TokensOut); err != nil {
		e.log.Warn("run token tally failed", zap.Error(err))
	}
	if e.deps.Telemetry != nil {
		e.deps.Telemetry.Record(ctx, telemetry.TokenUsage(
			phase.RunID, e.cfg.Family, phase.PhaseID, attemptID, modelID, string(role),
			usage.TokensIn, usage.TokensOut))
	}
}

func (e *Executor) recordRouting(ctx context.Context, phase *store.Phase, role policy.Role, sel router.Selection, attemptIdx int) {
	if e.deps.Telemetry == nil {
		return
	}
	e.deps.Telemetry.Record(ctx, telemetry.Routing(
		phase.RunID, e.cfg.Family, phase.PhaseID, string(role), sel.ModelID,
		string(sel.Strategy), attemptIdx, sel.TokenBudget, sel.Escalated))
}

func (e *Executor) recordGovernance(ctx context.Context, phase *store.Phase, risk governance.RiskAssessment, ruling governance.Ruling) {
	if e.deps.Telemetry == nil {
		return
	}
	e.deps.Telemetry.Record(ctx, telemetry.Governance(
		phase.RunID, e.cfg.Family, phase.PhaseID, string(risk.Level), string(ruling), risk.Reason()))
}

func (e *Executor) recordApproval(ctx context.Context, phase *store.Phase, approvalID, status, actor string) {
	if e.deps.Telemetry == nil {
		return
	}
	e.deps.Telemetry.Record(ctx, telemetry.Approval(
		phase.RunID, e.cfg.Family, phase.PhaseID, approvalID, status, actor))
}

func (e *Executor) postBuilderResult(ctx context.Context, phase *store.Phase, attemptID, modelID string, res *llm.BuildResult) {
	if e.deps.Control == nil {
		return
	}
	err := e.deps.Control.PostBuilderResult(ctx, BuilderResultPost{
		RunID:      phase.RunID,
		PhaseID:    phase.PhaseID,
		AttemptID:  attemptID,
		ProposalID: res.Proposal.ProposalID,
		ModelID:    modelID,
		TokensIn:   res.Usage.TokensIn,
		TokensOut:  res.Usage.TokensOut,
		Summary:    res.Proposal.Summary,
	})
	if err != nil {
		e.log.Debug("builder result post failed", zap.Error(err))
	}
}

func (e *Executor) postAuditorResult(ctx context.Context, phase *store.Phase, attemptID, modelID string, v *llm.AuditVerdict) {
	if e.deps.Control == nil {
		return
	}
	err := e.deps.Control.PostAuditorResult(ctx, AuditorResultPost{
		RunID:     phase.RunID,
		PhaseID:   phase.PhaseID,
		AttemptID: attemptID,
		ModelID:   modelID,
		Approved:  v.Approved,
		Findings:  len(v.Findings),
	})
	if err != nil {
		e.log.Debug("auditor result post failed", zap.Error(err))
	}
}

func usageOf(res *llm.BuildResult) llm.Usage {
	if res == nil {
		return llm.Usage{}
	}
	return res.Usage
}

func failOutcomeOf(ar *attemptResult) store.AttemptOutcome {
	if ar.outcome != "" {
		return ar.outcome
	}
	return store.OutcomeBuilderFail
}

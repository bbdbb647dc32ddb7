package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/verdict/internal/approval"
	"github.com/fyrsmithlabs/verdict/internal/audit"
	"github.com/fyrsmithlabs/verdict/internal/chorus"
	"github.com/fyrsmithlabs/verdict/internal/epitaph"
	"github.com/fyrsmithlabs/verdict/internal/escalation"
	"github.com/fyrsmithlabs/verdict/internal/faults"
	"github.com/fyrsmithlabs/verdict/internal/gate"
	"github.com/fyrsmithlabs/verdict/internal/ledger"
	"github.com/fyrsmithlabs/verdict/internal/metalearning"
)

// addTool registers a kernel-backed tool with metrics and registry
// metadata. fn returns the structured output and a one-line summary that
// becomes the text content.
func addTool[In, Out any](s *Server, meta *ToolMetadata, fn func(ctx context.Context, args In) (Out, string, error)) {
	s.toolRegistry.Register(meta)
	name := meta.Name
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        name,
		Description: meta.Description,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args In) (*mcp.CallToolResult, Out, error) {
		done := s.metrics.begin(ctx, name)
		out, text, err := fn(ctx, args)
		done(outcomeOf(out, err))
		if err != nil {
			var zero Out
			return nil, zero, fmt.Errorf("%s: %w", name, err)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, out, nil
	})
}

// ===== SIGNAL TOOLS =====

type signalRouteInput struct {
	ID           string             `json:"id,omitempty" jsonschema:"Signal id; generated when empty"`
	Category     string             `json:"category,omitempty" jsonschema:"Primary decision category; defaults to the lowest scored category"`
	Confidences  map[string]float64 `json:"confidences" jsonschema:"Upstream confidence per category in [0, 1]"`
	Governance   []string           `json:"governance,omitempty" jsonschema:"Categories with governance impact"`
	PublishBound bool               `json:"publish_bound,omitempty" jsonschema:"Whether the outcome leaves the system; enables compliance scanning"`
	Payload      string             `json:"payload,omitempty" jsonschema:"Content scanned for compliance when publish_bound is set"`
	Metadata     map[string]string  `json:"metadata,omitempty" jsonschema:"Opaque caller metadata"`
}

type signalRouteOutput struct {
	SignalID        string   `json:"signal_id" jsonschema:"Id of the routed signal"`
	Route           string   `json:"route" jsonschema:"AUTO, REVIEW or BLOCK"`
	Category        string   `json:"category" jsonschema:"Primary category"`
	Reasons         []string `json:"reasons,omitempty" jsonschema:"Why the route was chosen"`
	BaselineVersion uint64   `json:"baseline_version" jsonschema:"Baseline snapshot the decision used"`
	AuditState      string   `json:"audit_state,omitempty" jsonschema:"Audit state for REVIEW and BLOCK routes"`
	Prompt          string   `json:"prompt,omitempty" jsonschema:"Review prompt for the audit"`
}

// ===== AUDIT TOOLS =====

type auditListPendingInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"Maximum audits to return; zero returns all"`
}

type auditSummary struct {
	SignalID  string             `json:"signal_id"`
	Category  string             `json:"category"`
	State     string             `json:"state"`
	Route     string             `json:"route"`
	Scores    map[string]float64 `json:"confidences"`
	Prompt    string             `json:"prompt,omitempty"`
	CreatedAt string             `json:"created_at"`
}

type auditListPendingOutput struct {
	Audits []auditSummary `json:"audits" jsonschema:"Pending audits, oldest first"`
	Count  int            `json:"count" jsonschema:"Number of audits returned"`
}

type correctionInput struct {
	Signature   string             `json:"signature,omitempty" jsonschema:"Coarse error signature, e.g. urgency under-estimated"`
	From        string             `json:"from,omitempty" jsonschema:"Category the decision was made on"`
	To          string             `json:"to,omitempty" jsonschema:"Category it should have been"`
	Deltas      map[string]float64 `json:"deltas,omitempty" jsonschema:"Per-category confidence corrections in [-1, 1]"`
	FailureCode string             `json:"failure_code,omitempty" jsonschema:"Failure code; a corrected audit with one becomes an epitaph"`
	Note        string             `json:"note,omitempty" jsonschema:"Free text from the reviewer"`
}

type auditSubmitInput struct {
	SignalID       string             `json:"signal_id" jsonschema:"Signal id of the pending audit"`
	Correction     *correctionInput   `json:"correction,omitempty" jsonschema:"Correction; omit to confirm the decision"`
	AccuracyScores map[string]float64 `json:"accuracy_scores,omitempty" jsonschema:"Reviewer accuracy score per category in [0, 1]"`
	Rationale      string             `json:"rationale,omitempty" jsonschema:"Why the reviewer decided this way"`
	ReviewedBy     string             `json:"reviewed_by,omitempty" jsonschema:"Reviewer identity"`
}

type auditSubmitOutput struct {
	SignalID    string `json:"signal_id"`
	State       string `json:"state" jsonschema:"Audit state after submission"`
	Status      string `json:"status,omitempty" jsonschema:"Ledger status: confirmed, corrected or expired"`
	LedgerSeq   uint64 `json:"ledger_seq,omitempty" jsonschema:"Sequence of the ledger entry"`
	AlreadyDone bool   `json:"already_done,omitempty" jsonschema:"Set when the audit had been resolved before"`
}

// ===== ANALYSIS TOOLS =====

type analysisRunInput struct{}

type proposalSummary struct {
	ID            string  `json:"id"`
	Category      string  `json:"category"`
	Signature     string  `json:"signature"`
	Delta         float64 `json:"delta"`
	Baseline      float64 `json:"baseline"`
	ProposedValue float64 `json:"proposed_value"`
	EvidenceCount int     `json:"evidence_count"`
	State         string  `json:"state,omitempty"`
}

type analysisRunOutput struct {
	Status     string            `json:"status" jsonschema:"complete, incomplete, skipped or empty"`
	Entries    int               `json:"entries" jsonschema:"Ledger entries analyzed"`
	Systematic int               `json:"systematic_errors" jsonschema:"Systematic error patterns found"`
	Proposals  []proposalSummary `json:"proposals" jsonschema:"Adjustments proposed for approval"`
	Error      string            `json:"error,omitempty"`
}

type adjustmentListInput struct {
	PendingOnly bool `json:"pending_only,omitempty" jsonschema:"Only list adjustments awaiting a decision"`
}

type adjustmentListOutput struct {
	Adjustments []proposalSummary `json:"adjustments"`
	Count       int               `json:"count"`
}

type adjustmentDecideInput struct {
	AdjustmentID  string   `json:"adjustment_id" jsonschema:"Adjustment to decide"`
	Verdict       string   `json:"verdict" jsonschema:"approved, rejected or modified"`
	ModifiedValue *float64 `json:"modified_value,omitempty" jsonschema:"Replacement delta for modified verdicts"`
	Rationale     string   `json:"rationale,omitempty"`
	DecidedBy     string   `json:"decided_by,omitempty"`
}

type adjustmentDecideOutput struct {
	AdjustmentID string  `json:"adjustment_id"`
	Verdict      string  `json:"verdict,omitempty"`
	Applied      bool    `json:"applied" jsonschema:"Whether the baseline moved"`
	AppliedDelta float64 `json:"applied_delta,omitempty"`
	AlreadyDone  bool    `json:"already_done,omitempty" jsonschema:"Set when the adjustment had been decided before"`
}

// ===== EPITAPH TOOLS =====

type epitaphRecordInput struct {
	Message      string   `json:"message" jsonschema:"The lesson, phrased for a future decision"`
	Motivation   string   `json:"motivation,omitempty" jsonschema:"What the decision was trying to do"`
	Outcome      string   `json:"outcome,omitempty" jsonschema:"What actually happened"`
	Regret       string   `json:"regret,omitempty" jsonschema:"What should have happened"`
	BaseWeight   *float64 `json:"base_weight,omitempty" jsonschema:"Weight in (0, 1]; defaults from the failure code"`
	FailureCode  string   `json:"failure_code,omitempty" jsonschema:"Failure code, e.g. HALLUCINATION"`
	ContextShape string   `json:"context_shape,omitempty" jsonschema:"Shape of the context the failure occurred in"`
	CollapseMode string   `json:"collapse_mode,omitempty" jsonschema:"How the decision collapsed"`
}

type epitaphRecordOutput struct {
	ID              string  `json:"id"`
	Supersedes      string  `json:"supersedes,omitempty" jsonschema:"Epitaph this one replaces"`
	RecurrenceCount int     `json:"recurrence_count"`
	Weight          float64 `json:"effective_weight"`
}

// ===== CHORUS TOOLS =====

type chorusComposeInput struct {
	Text     string  `json:"text" jsonschema:"Decision context to find relevant epitaphs for"`
	Mode     string  `json:"mode,omitempty" jsonschema:"Chorus mode; detected from the other fields when empty"`
	Feedback bool    `json:"feedback,omitempty" jsonschema:"The previous attempt just failed a check"`
	Retries  int     `json:"retries,omitempty" jsonschema:"Attempts in progress"`
	Novelty  float64 `json:"novelty,omitempty" jsonschema:"Topic novelty in [0, 1]"`
}

type chorusComposeOutput struct {
	Mode       string   `json:"mode"`
	Text       string   `json:"text" jsonschema:"Text to inject; empty when nothing was voiced"`
	EpitaphIDs []string `json:"epitaph_ids,omitempty"`
}

type escalationListInput struct {
	Status string `json:"status,omitempty" jsonschema:"Filter by status; empty lists all"`
}

type escalationSummary struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Band      string `json:"band"`
	Subsystem string `json:"subsystem"`
	Status    string `json:"status"`
	Volume    int    `json:"effective_volume"`
	Signature string `json:"signature"`
	Summary   string `json:"summary,omitempty"`
}

type escalationListOutput struct {
	Escalations []escalationSummary `json:"escalations"`
	Count       int                 `json:"count"`
}

// registerTools registers the kernel tools.
func (s *Server) registerTools() {
	addTool(s, &ToolMetadata{
		Name:        "signal_route",
		Description: "Route a decision signal through the confidence gate. Returns AUTO, REVIEW or BLOCK; REVIEW and BLOCK signals enter the audit queue.",
		Category:    CategorySignal,
		Keywords:    []string{"gate", "confidence", "classify", "decide"},
	}, s.signalRoute)

	addTool(s, &ToolMetadata{
		Name:        "audit_list_pending",
		Description: "List audits waiting for a human verdict, oldest first.",
		Category:    CategoryAudit,
		Keywords:    []string{"review", "queue", "pending"},
	}, s.auditListPending)

	addTool(s, &ToolMetadata{
		Name:        "audit_submit",
		Description: "Submit a reviewer verdict for a pending audit. Omit the correction to confirm the decision. Resolving an audit twice reports already_done.",
		Category:    CategoryAudit,
		Keywords:    []string{"review", "correct", "confirm", "feedback"},
	}, s.auditSubmit)

	addTool(s, &ToolMetadata{
		Name:        "analysis_run",
		Description: "Run a meta-learning pass over the feedback ledger and propose baseline adjustments for systematic errors.",
		Category:    CategoryAnalysis,
		Keywords:    []string{"meta-learning", "systematic", "ledger"},
	}, s.analysisRun)

	addTool(s, &ToolMetadata{
		Name:        "adjustment_list",
		Description: "List proposed baseline adjustments and their approval state.",
		Category:    CategoryAdjustment,
		Keywords:    []string{"approval", "proposal", "baseline"},
	}, s.adjustmentList)

	addTool(s, &ToolMetadata{
		Name:        "adjustment_decide",
		Description: "Approve, reject or modify a proposed adjustment. An adjustment is applied at most once.",
		Category:    CategoryAdjustment,
		Keywords:    []string{"approval", "approve", "reject", "baseline"},
	}, s.adjustmentDecide)

	addTool(s, &ToolMetadata{
		Name:        "epitaph_record",
		Description: "Record an epitaph: a lesson from a failed decision. Recurrences of the same failure supersede the earlier epitaph.",
		Category:    CategoryEpitaph,
		Keywords:    []string{"lesson", "failure", "memory"},
	}, s.epitaphRecord)

	addTool(s, &ToolMetadata{
		Name:        "chorus_compose",
		Description: "Compose the chorus for a decision context: relevant epitaphs voiced in the register of the current mode.",
		Category:    CategoryChorus,
		Keywords:    []string{"epitaph", "inject", "context", "mode"},
	}, s.chorusCompose)

	addTool(s, &ToolMetadata{
		Name:        "escalation_list",
		Description: "List escalation signals raised by analysis passes and compliance blocks.",
		Category:    CategoryAnalysis,
		Keywords:    []string{"escalation", "lesson", "tension"},
	}, s.escalationList)
}

func (s *Server) signalRoute(ctx context.Context, args signalRouteInput) (signalRouteOutput, string, error) {
	out, err := s.kernel.Route(ctx, gate.Signal{
		ID:           args.ID,
		Category:     args.Category,
		Confidences:  args.Confidences,
		Governance:   args.Governance,
		PublishBound: args.PublishBound,
		Payload:      args.Payload,
		Metadata:     args.Metadata,
	})
	if err != nil {
		return signalRouteOutput{}, "", err
	}
	res := signalRouteOutput{
		SignalID:        out.SignalID,
		Route:           string(out.Route),
		Category:        out.Decision.Category,
		Reasons:         out.Decision.Reasons,
		BaselineVersion: out.Decision.BaselineVersion,
	}
	if out.Audit != nil {
		res.AuditState = string(out.Audit.State)
		res.Prompt = out.Audit.Prompt
	}
	text := fmt.Sprintf("%s routed %s", res.SignalID, res.Route)
	if len(res.Reasons) > 0 {
		text += ": " + strings.Join(res.Reasons, "; ")
	}
	return res, text, nil
}

func (s *Server) auditListPending(ctx context.Context, args auditListPendingInput) (auditListPendingOutput, string, error) {
	if args.Limit < 0 {
		return auditListPendingOutput{}, "", faults.Inputf("mcp.audit_list_pending", "limit must not be negative: %d", args.Limit)
	}
	recs, err := s.kernel.ListPending(ctx, args.Limit)
	if err != nil {
		return auditListPendingOutput{}, "", err
	}
	out := auditListPendingOutput{Audits: make([]auditSummary, 0, len(recs)), Count: len(recs)}
	for _, r := range recs {
		out.Audits = append(out.Audits, auditSummary{
			SignalID:  r.SignalID,
			Category:  r.Category,
			State:     string(r.State),
			Route:     string(r.Decision.Route),
			Scores:    r.Confidences,
			Prompt:    r.Prompt,
			CreatedAt: r.CreatedAt.Format(time.RFC3339),
		})
	}
	return out, fmt.Sprintf("%d audit(s) pending", out.Count), nil
}

func (s *Server) auditSubmit(ctx context.Context, args auditSubmitInput) (auditSubmitOutput, string, error) {
	sub := audit.Submission{
		AccuracyScores: args.AccuracyScores,
		Rationale:      args.Rationale,
		ReviewedBy:     args.ReviewedBy,
	}
	if c := args.Correction; c != nil {
		sub.Correction = &ledger.Correction{
			Signature:   c.Signature,
			From:        c.From,
			To:          c.To,
			Deltas:      c.Deltas,
			FailureCode: c.FailureCode,
			Note:        c.Note,
		}
	}
	rec, err := s.kernel.SubmitAudit(ctx, args.SignalID, sub)
	alreadyDone := false
	if faults.IsConflict(err) {
		// Report the stored resolution instead of failing the call.
		prev, getErr := s.kernel.GetAudit(ctx, args.SignalID)
		if getErr != nil {
			return auditSubmitOutput{}, "", err
		}
		rec, err, alreadyDone = prev, nil, true
	}
	if err != nil {
		return auditSubmitOutput{}, "", err
	}
	out := auditSubmitOutput{SignalID: rec.SignalID, State: string(rec.State), AlreadyDone: alreadyDone}
	if rec.Resolution != nil {
		out.Status = string(rec.Resolution.Status)
		out.LedgerSeq = rec.Resolution.LedgerSeq
	}
	if alreadyDone {
		return out, fmt.Sprintf("%s was already %s", out.SignalID, out.State), nil
	}
	return out, fmt.Sprintf("%s %s (ledger #%d)", out.SignalID, out.Status, out.LedgerSeq), nil
}

func summarize(a metalearning.Adjustment, state approval.State) proposalSummary {
	return proposalSummary{
		ID:            a.ID,
		Category:      a.Category,
		Signature:     a.Signature,
		Delta:         a.Delta,
		Baseline:      a.Baseline,
		ProposedValue: a.ProposedValue,
		EvidenceCount: a.EvidenceCount,
		State:         string(state),
	}
}

func (s *Server) analysisRun(ctx context.Context, _ analysisRunInput) (analysisRunOutput, string, error) {
	report, err := s.kernel.RunAnalysis(ctx)
	switch {
	case errors.Is(err, metalearning.ErrRunInProgress):
		return analysisRunOutput{Status: metalearning.StatusSkipped, Proposals: []proposalSummary{}},
			"an analysis pass is already running", nil
	case errors.Is(err, faults.ErrAnalysisIncomplete) && report != nil:
		// The partial report carries the error text.
	case err != nil:
		return analysisRunOutput{}, "", err
	}
	out := analysisRunOutput{
		Status:     report.Status,
		Entries:    report.Entries,
		Systematic: len(report.Systematic),
		Proposals:  make([]proposalSummary, 0, len(report.Proposals)),
		Error:      report.Error,
	}
	for _, a := range report.Proposals {
		out.Proposals = append(out.Proposals, summarize(a, ""))
	}
	return out, fmt.Sprintf("analysis %s: %d entries, %d systematic error(s), %d proposal(s)",
		out.Status, out.Entries, out.Systematic, len(out.Proposals)), nil
}

func (s *Server) adjustmentList(ctx context.Context, args adjustmentListInput) (adjustmentListOutput, string, error) {
	ps, err := s.kernel.Adjustments(ctx, args.PendingOnly)
	if err != nil {
		return adjustmentListOutput{}, "", err
	}
	out := adjustmentListOutput{Adjustments: make([]proposalSummary, 0, len(ps)), Count: len(ps)}
	for _, p := range ps {
		out.Adjustments = append(out.Adjustments, summarize(p.Adjustment, p.State))
	}
	return out, fmt.Sprintf("%d adjustment(s)", out.Count), nil
}

func (s *Server) adjustmentDecide(ctx context.Context, args adjustmentDecideInput) (adjustmentDecideOutput, string, error) {
	results, err := s.kernel.ReviewAdjustments(ctx, []approval.DecisionRequest{{
		AdjustmentID:  args.AdjustmentID,
		Verdict:       approval.Verdict(args.Verdict),
		ModifiedValue: args.ModifiedValue,
		Rationale:     args.Rationale,
		DecidedBy:     args.DecidedBy,
	}})
	if err != nil {
		return adjustmentDecideOutput{}, "", err
	}
	r := results[0]
	if r.Err != nil && !r.AlreadyDone {
		return adjustmentDecideOutput{}, "", r.Err
	}
	out := adjustmentDecideOutput{AdjustmentID: r.AdjustmentID, Applied: r.Applied, AlreadyDone: r.AlreadyDone}
	if r.Decision != nil {
		out.Verdict = string(r.Decision.Verdict)
		if r.Decision.AppliedDelta != nil {
			out.AppliedDelta = *r.Decision.AppliedDelta
		}
	}
	switch {
	case out.AlreadyDone:
		return out, fmt.Sprintf("%s was already decided", out.AdjustmentID), nil
	case out.Applied:
		return out, fmt.Sprintf("%s %s, baseline moved by %+.3f", out.AdjustmentID, out.Verdict, out.AppliedDelta), nil
	}
	return out, fmt.Sprintf("%s %s", out.AdjustmentID, out.Verdict), nil
}

func (s *Server) epitaphRecord(ctx context.Context, args epitaphRecordInput) (epitaphRecordOutput, string, error) {
	e, err := s.kernel.RecordEpitaph(ctx, epitaph.RecordRequest{
		Message:      args.Message,
		Motivation:   args.Motivation,
		Outcome:      args.Outcome,
		Regret:       args.Regret,
		BaseWeight:   args.BaseWeight,
		FailureCode:  args.FailureCode,
		ContextShape: args.ContextShape,
		CollapseMode: args.CollapseMode,
		Source:       "mcp",
	})
	if err != nil {
		return epitaphRecordOutput{}, "", err
	}
	out := epitaphRecordOutput{
		ID:              e.ID,
		Supersedes:      e.Supersedes,
		RecurrenceCount: e.RecurrenceCount,
		Weight:          e.EffectiveWeight(),
	}
	if out.Supersedes != "" {
		return out, fmt.Sprintf("recorded %s, superseding %s (recurrence %d)", out.ID, out.Supersedes, out.RecurrenceCount), nil
	}
	return out, "recorded " + out.ID, nil
}

func (s *Server) chorusCompose(ctx context.Context, args chorusComposeInput) (chorusComposeOutput, string, error) {
	var (
		comp chorus.Composition
		err  error
	)
	if args.Mode != "" {
		mode, perr := chorus.ParseMode(args.Mode)
		if perr != nil {
			return chorusComposeOutput{}, "", perr
		}
		comp, err = s.kernel.ComposeChorus(ctx, args.Text, mode)
	} else {
		comp, err = s.kernel.DetectChorus(ctx, chorus.Signals{
			Feedback: args.Feedback,
			Retries:  args.Retries,
			Novelty:  args.Novelty,
			Text:     args.Text,
		})
	}
	if err != nil {
		return chorusComposeOutput{}, "", err
	}
	out := chorusComposeOutput{Mode: string(comp.Mode), Text: comp.Text, EpitaphIDs: comp.EpitaphIDs}
	if comp.Silent() {
		return out, fmt.Sprintf("chorus silent (%s)", out.Mode), nil
	}
	return out, comp.Text, nil
}

func (s *Server) escalationList(ctx context.Context, args escalationListInput) (escalationListOutput, string, error) {
	sigs, err := s.kernel.Escalations(ctx, escalation.Status(args.Status))
	if err != nil {
		return escalationListOutput{}, "", err
	}
	out := escalationListOutput{Escalations: make([]escalationSummary, 0, len(sigs)), Count: len(sigs)}
	for _, e := range sigs {
		out.Escalations = append(out.Escalations, escalationSummary{
			ID:        e.ID,
			Kind:      string(e.Kind),
			Band:      string(e.Band),
			Subsystem: e.Subsystem,
			Status:    string(e.Status),
			Volume:    e.EffectiveVolume(),
			Signature: e.Payload.Signature,
			Summary:   e.Payload.Summary,
		})
	}
	return out, fmt.Sprintf("%d escalation(s)", out.Count), nil
}

package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pesio-ai/be-onboarding/internal/audit"
	"github.com/pesio-ai/be-onboarding/internal/client"
	"github.com/pesio-ai/be-onboarding/internal/errors"
	"github.com/pesio-ai/be-onboarding/internal/logger"
	"github.com/pesio-ai/be-onboarding/internal/metrics"
	"github.com/pesio-ai/be-onboarding/internal/registry"
	"github.com/pesio-ai/be-onboarding/internal/repository"
)

// systemRole is the role reported for automated actors.
const systemRole = "SYSTEM"

const workflowEntityType = "approval_workflow"

// ApprovalListener is told when a workflow reaches final approval. It runs
// after the approval is committed, outside the caller's request.
type ApprovalListener interface {
	OnWorkflowApproved(ctx context.Context, wf *repository.ApprovalWorkflow)
}

// ApprovalEngine drives approval workflows through the registry's stages.
// Every transition is applied with WorkflowStore.Update, so two decisions on
// the same workflow never interleave.
type ApprovalEngine struct {
	workflows repository.WorkflowStore
	registry  *registry.Registry
	recorder  *audit.Recorder
	auth      client.AuthorizationProvider
	notifier  *notifier
	clock     clockwork.Clock
	log       *logger.Logger

	listeners []ApprovalListener
	wg        sync.WaitGroup
}

// NewApprovalEngine creates a new ApprovalEngine.
func NewApprovalEngine(
	workflows repository.WorkflowStore,
	reg *registry.Registry,
	recorder *audit.Recorder,
	auth client.AuthorizationProvider,
	dispatcher client.NotificationDispatcher,
	clock clockwork.Clock,
	log *logger.Logger,
) *ApprovalEngine {
	log = log.Component("approval-engine")
	return &ApprovalEngine{
		workflows: workflows,
		registry:  reg,
		recorder:  recorder,
		auth:      auth,
		notifier:  newNotifier(dispatcher, recorder, log),
		clock:     clock,
		log:       log,
	}
}

// AddApprovalListener registers l. Not safe to call once decisions flow.
func (e *ApprovalEngine) AddApprovalListener(l ApprovalListener) {
	e.listeners = append(e.listeners, l)
}

// Wait blocks until background notifications and listeners finish.
func (e *ApprovalEngine) Wait() {
	e.wg.Wait()
	e.notifier.wait()
}

// ── Workflow creation ─────────────────────────────────────────────────────────

// Create opens a workflow for an application with the first stage in
// progress. A second workflow for the same application is rejected.
func (e *ApprovalEngine) Create(ctx context.Context, memberID, applicationID string) (*repository.ApprovalWorkflow, error) {
	if strings.TrimSpace(memberID) == "" {
		return nil, errors.InvalidInput("member_id", "is required")
	}
	if strings.TrimSpace(applicationID) == "" {
		return nil, errors.InvalidInput("application_id", "is required")
	}

	now := e.clock.Now()
	wf := &repository.ApprovalWorkflow{
		ID:            uuid.New().String(),
		MemberID:      memberID,
		ApplicationID: applicationID,
		Status:        repository.WorkflowInProgress,
		ApprovedBy:    []string{},
		CreatedAt:     now,
		StartedAt:     &now,
	}
	for i, id := range e.registry.Stages() {
		req, _ := e.registry.Get(id)
		sd := &repository.StageDetail{
			Stage:             id,
			Status:            repository.StagePending,
			RequiredRoles:     append([]string{}, req.RequiredRoles...),
			RequiredDocuments: append([]string{}, req.RequiredDocuments...),
			VerifiedDocuments: []string{},
			RejectedDocuments: []string{},
			TimeoutHours:      req.TimeoutHours,
		}
		if i == 0 {
			started := now
			sd.Status = repository.StageInProgress
			sd.StartedAt = &started
			wf.CurrentStage = id
		}
		wf.Stages = append(wf.Stages, sd)
	}

	if err := e.workflows.Create(ctx, wf); err != nil {
		e.recorder.Record(ctx, &repository.AuditLogEntry{
			EventType:        audit.EventWorkflowCreated,
			Level:            repository.LevelWarning,
			Category:         audit.CategoryWorkflow,
			TargetEntityType: workflowEntityType,
			TargetEntityID:   applicationID,
			Details: repository.AuditDetails{
				Description: "workflow creation failed",
				Metadata:    map[string]any{"member_id": memberID, "application_id": applicationID},
			},
			Result: repository.AuditResult{Success: false, Error: err.Error()},
		})
		return nil, err
	}

	first, _ := e.registry.Get(wf.CurrentStage)
	e.recorder.Record(ctx, e.entry(wf, audit.EventWorkflowCreated, "", now, repository.AuditDetails{
		Description: "approval workflow created",
		NewState:    string(wf.Status),
		Metadata:    map[string]any{"member_id": memberID, "application_id": applicationID},
	}))
	e.recorder.Record(ctx, e.entry(wf, audit.EventStageStarted, "", now, repository.AuditDetails{
		Description: "stage " + first.ID + " started",
		NewState:    string(wf.Status),
		Changes:     map[string]any{"stage": first.ID},
	}))
	e.notifier.send(ctx, workflowEntityType, wf.ID, stageAssignedNotice(wf, first))

	e.log.Info().
		Str("workflow_id", wf.ID).
		Str("member_id", memberID).
		Str("application_id", applicationID).
		Str("stage", wf.CurrentStage).
		Msg("Approval workflow created")

	return wf, nil
}

// ── Decisions ─────────────────────────────────────────────────────────────────

// transition accumulates the effects of one decision while the workflow is
// locked. Effects are released only after the update commits.
type transition struct {
	req        DecisionRequest
	role       string
	now        time.Time
	prevStatus repository.WorkflowStatus
	entries    []*repository.AuditLogEntry
	notices    []notice
	nextStage  string
	approved   bool
	escalated  bool
}

// SubmitDecision applies a reviewer's decision to the workflow's current
// stage. Checks run in order: stale stage, authorization, decision content.
// A rejected decision leaves the workflow untouched and is audited once.
func (e *ApprovalEngine) SubmitDecision(ctx context.Context, req DecisionRequest) (*ApprovalActionResult, error) {
	start := e.clock.Now()

	if err := validateDecisionRequest(req); err != nil {
		e.recordDecisionFailure(ctx, req, "", err, start)
		return nil, err
	}

	role, roleErr := e.resolveRole(ctx, req.ActorID)

	t := &transition{req: req, role: role, now: start}
	updated, err := e.workflows.Update(ctx, req.WorkflowID, func(wf *repository.ApprovalWorkflow) error {
		t.prevStatus = wf.Status
		if wf.Status.Terminal() || wf.CurrentStage != req.Stage {
			return errors.New(errors.ErrCodeStaleStage, fmt.Sprintf(
				"stage %s is not the current stage of workflow %s (current %s, status %s)",
				req.Stage, wf.ID, wf.CurrentStage, wf.Status))
		}
		if roleErr != nil {
			return roleErr
		}
		stage, ok := e.registry.Get(req.Stage)
		if !ok {
			return errors.InvalidInput("stage", "unknown stage "+req.Stage)
		}
		if err := e.authorize(wf, stage, req, role); err != nil {
			return err
		}
		return e.apply(wf, stage, t)
	})
	if err != nil {
		e.recordDecisionFailure(ctx, req, role, err, start)
		return nil, err
	}

	for _, entry := range t.entries {
		e.recorder.Record(ctx, entry)
	}
	for _, n := range t.notices {
		e.notifier.send(ctx, workflowEntityType, updated.ID, n)
	}

	kind := req.Decision.Kind()
	metrics.DecisionsTotal.WithLabelValues(req.Stage, string(kind), "accepted").Inc()
	if t.escalated {
		trigger := "manual"
		if req.ActorID == audit.SystemActor {
			trigger = registry.ConditionTimeout
		}
		metrics.EscalationsTotal.WithLabelValues(req.Stage, trigger).Inc()
	}
	if updated.Status.Terminal() {
		metrics.WorkflowsTerminalTotal.WithLabelValues(string(updated.Status)).Inc()
	}
	if t.approved {
		e.notifyApproved(ctx, updated)
	}

	e.log.Info().
		Str("workflow_id", updated.ID).
		Str("stage", req.Stage).
		Str("decision", string(kind)).
		Str("actor", req.ActorID).
		Str("previous_status", string(t.prevStatus)).
		Str("status", string(updated.Status)).
		Msg("Decision applied")

	return &ApprovalActionResult{
		WorkflowID:        updated.ID,
		Stage:             req.Stage,
		Decision:          kind,
		PreviousStatus:    t.prevStatus,
		NewStatus:         updated.Status,
		NextStage:         t.nextStage,
		WorkflowCompleted: t.approved,
		Workflow:          updated,
	}, nil
}

func validateDecisionRequest(req DecisionRequest) error {
	switch {
	case strings.TrimSpace(req.WorkflowID) == "":
		return errors.InvalidInput("workflow_id", "is required")
	case strings.TrimSpace(req.Stage) == "":
		return errors.InvalidInput("stage", "is required")
	case strings.TrimSpace(req.ActorID) == "":
		return errors.InvalidInput("actor_id", "is required")
	case req.Decision == nil:
		return errors.InvalidInput("decision", "is required")
	}
	return nil
}

func (e *ApprovalEngine) resolveRole(ctx context.Context, actorID string) (string, error) {
	if actorID == audit.SystemActor {
		return systemRole, nil
	}
	role, err := e.auth.ResolveActorRole(ctx, actorID)
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeUnauthorized {
			return "", err
		}
		return "", errors.Wrap(err, errors.ErrCodeUnauthorized, "failed to resolve role of "+actorID)
	}
	return role, nil
}

// authorize checks the actor's role against the stage. While a workflow is
// escalated only the stage's escalation roles may act on it. The system
// actor may only escalate.
func (e *ApprovalEngine) authorize(wf *repository.ApprovalWorkflow, stage registry.StageRequirement, req DecisionRequest, role string) error {
	if req.ActorID == audit.SystemActor {
		if req.Decision.Kind() == DecisionEscalate {
			return nil
		}
		return errors.New(errors.ErrCodeUnauthorized, "system actor may only escalate")
	}

	allowed := stage.RequiredRoles
	if wf.Status == repository.WorkflowEscalated {
		allowed = stage.AllEscalationRoles()
	}
	for _, r := range allowed {
		if r == role {
			return nil
		}
	}
	return errors.New(errors.ErrCodeUnauthorized, fmt.Sprintf(
		"role %q may not decide stage %s of workflow %s", role, stage.ID, wf.ID))
}

func (e *ApprovalEngine) apply(wf *repository.ApprovalWorkflow, stage registry.StageRequirement, t *transition) error {
	switch d := t.req.Decision.(type) {
	case Approve:
		return e.applyApprove(wf, stage, t, d)
	case *Approve:
		return e.applyApprove(wf, stage, t, *d)
	case Reject:
		return e.applyReject(wf, t, d)
	case *Reject:
		return e.applyReject(wf, t, *d)
	case RequestMoreInfo:
		return e.applyRequestMoreInfo(wf, t, d)
	case *RequestMoreInfo:
		return e.applyRequestMoreInfo(wf, t, *d)
	case Escalate:
		return e.applyEscalate(wf, stage, t, d)
	case *Escalate:
		return e.applyEscalate(wf, stage, t, *d)
	default:
		return errors.InvalidInput("decision", fmt.Sprintf("unsupported decision %T", d))
	}
}

func (e *ApprovalEngine) applyApprove(wf *repository.ApprovalWorkflow, stage registry.StageRequirement, t *transition, d Approve) error {
	sd := wf.Stage(stage.ID)
	verified := unionStrings(sd.VerifiedDocuments, d.VerifiedDocs)
	if missing := missingStrings(sd.RequiredDocuments, verified); len(missing) > 0 {
		return errors.InvalidInput("verified_documents", "missing required documents: "+strings.Join(missing, ", "))
	}

	now := t.now
	sd.VerifiedDocuments = verified
	sd.Status = repository.StageCompleted
	sd.CompletedAt = &now
	sd.Decision = string(DecisionApprove)
	sd.AssignedTo = t.req.ActorID
	if d.Comments != "" {
		sd.Comments = d.Comments
	}
	wf.ApprovedBy = append(wf.ApprovedBy, t.req.ActorID)
	if wf.Status == repository.WorkflowEscalated {
		wf.Status = repository.WorkflowInProgress
	}

	next := e.registry.Next(stage.ID)
	if next == "" {
		wf.Status = repository.WorkflowCompleted
		wf.FinalDecision = repository.FinalDecisionApproved
		wf.CompletedAt = &now
		t.approved = true
	}

	t.entries = append(t.entries, e.decisionEntry(wf, t, audit.EventStageCompleted, repository.LevelInfo,
		"stage "+stage.ID+" approved", map[string]any{"stage": stage.ID, "verified_documents": verified}))

	if next != "" {
		nsd := wf.Stage(next)
		nsd.Status = repository.StageInProgress
		nsd.StartedAt = &now
		wf.CurrentStage = next
		t.nextStage = next

		nextReq, _ := e.registry.Get(next)
		t.entries = append(t.entries, e.decisionEntry(wf, t, audit.EventStageStarted, repository.LevelInfo,
			"stage "+next+" started", map[string]any{"stage": next}))
		t.notices = append(t.notices, stageAssignedNotice(wf, nextReq))
		return nil
	}

	t.entries = append(t.entries, e.decisionEntry(wf, t, audit.EventWorkflowCompleted, repository.LevelInfo,
		"application approved", map[string]any{"final_decision": wf.FinalDecision, "approved_by": wf.ApprovedBy}))
	t.notices = append(t.notices, notice{
		recipients: []string{wf.MemberID},
		template:   TemplateApplicationApproved,
		payload:    map[string]any{"resource_id": wf.ID, "application_id": wf.ApplicationID},
	})
	return nil
}

func (e *ApprovalEngine) applyReject(wf *repository.ApprovalWorkflow, t *transition, d Reject) error {
	if strings.TrimSpace(d.Reason) == "" {
		return errors.InvalidInput("reason", "rejection reason is required")
	}

	now := t.now
	sd := wf.Stage(t.req.Stage)
	sd.Status = repository.StageRejected
	sd.CompletedAt = &now
	sd.Decision = string(DecisionReject)
	sd.AssignedTo = t.req.ActorID
	sd.Comments = d.Comments
	sd.RejectedDocuments = unionStrings(sd.RejectedDocuments, d.RejectedDocs)
	for _, later := range wf.Stages[wf.StageIndex(t.req.Stage)+1:] {
		later.Status = repository.StageSkipped
	}

	wf.Status = repository.WorkflowRejected
	wf.FinalDecision = repository.FinalDecisionRejected
	wf.RejectedBy = t.req.ActorID
	wf.RejectionReason = d.Reason
	wf.CompletedAt = &now

	t.entries = append(t.entries,
		e.decisionEntry(wf, t, audit.EventStageRejected, repository.LevelInfo,
			"stage "+t.req.Stage+" rejected", map[string]any{"stage": t.req.Stage, "rejected_documents": sd.RejectedDocuments}),
		e.decisionEntry(wf, t, audit.EventWorkflowRejected, repository.LevelInfo,
			"application rejected: "+d.Reason, map[string]any{"final_decision": wf.FinalDecision, "reason": d.Reason}),
	)
	t.notices = append(t.notices, notice{
		recipients: []string{wf.MemberID},
		template:   TemplateApplicationRejected,
		payload:    map[string]any{"resource_id": wf.ID, "application_id": wf.ApplicationID, "reason": d.Reason},
	})
	return nil
}

func (e *ApprovalEngine) applyRequestMoreInfo(wf *repository.ApprovalWorkflow, t *transition, d RequestMoreInfo) error {
	if strings.TrimSpace(d.Comments) == "" {
		return errors.InvalidInput("comments", "a description of the missing information is required")
	}

	sd := wf.Stage(t.req.Stage)
	sd.Decision = string(DecisionRequestMoreInfo)
	sd.Comments = d.Comments
	sd.AssignedTo = t.req.ActorID
	if wf.Status == repository.WorkflowEscalated {
		wf.Status = repository.WorkflowInProgress
	}
	wf.Notes = append(wf.Notes, fmt.Sprintf("%s [%s] %s: %s", t.now.UTC().Format(time.RFC3339), t.req.Stage, t.req.ActorID, d.Comments))

	t.entries = append(t.entries, e.decisionEntry(wf, t, audit.EventStageInfoRequested, repository.LevelInfo,
		"more information requested on "+t.req.Stage, map[string]any{"stage": t.req.Stage, "requested_documents": d.RequestedDocs}))
	t.notices = append(t.notices, notice{
		recipients: []string{wf.MemberID},
		template:   TemplateMoreInfoRequested,
		payload: map[string]any{
			"resource_id":         wf.ID,
			"stage":               t.req.Stage,
			"comments":            d.Comments,
			"requested_documents": d.RequestedDocs,
		},
	})
	return nil
}

func (e *ApprovalEngine) applyEscalate(wf *repository.ApprovalWorkflow, stage registry.StageRequirement, t *transition, d Escalate) error {
	if wf.Status == repository.WorkflowEscalated {
		return errors.InvalidInput("decision", "workflow is already escalated")
	}
	targets := stage.AllEscalationRoles()
	if t.req.ActorID == audit.SystemActor {
		targets = stage.EscalationRoles(registry.ConditionTimeout)
	}
	if len(targets) == 0 {
		return errors.InvalidInput("decision", "stage "+stage.ID+" has no escalation roles")
	}

	now := t.now
	sd := wf.Stage(stage.ID)
	sd.Decision = string(DecisionEscalate)
	if d.Reason != "" {
		sd.Comments = d.Reason
	}
	wf.Status = repository.WorkflowEscalated
	wf.EscalatedAt = &now
	wf.EscalatedBy = t.req.ActorID
	t.escalated = true

	t.entries = append(t.entries, e.decisionEntry(wf, t, audit.EventWorkflowEscalated, repository.LevelWarning,
		"stage "+stage.ID+" escalated", map[string]any{"stage": stage.ID, "escalate_to": targets, "reason": d.Reason}))
	t.notices = append(t.notices, notice{
		recipients: roleRecipients(targets),
		template:   TemplateStageEscalated,
		payload: map[string]any{
			"resource_id": wf.ID,
			"member_id":   wf.MemberID,
			"stage":       stage.ID,
			"reason":      d.Reason,
		},
	})
	return nil
}

// notifyApproved hands a snapshot of the approved workflow to every
// listener in the background.
func (e *ApprovalEngine) notifyApproved(ctx context.Context, wf *repository.ApprovalWorkflow) {
	ctx = context.WithoutCancel(ctx)
	for _, l := range e.listeners {
		snapshot := wf.Clone()
		e.wg.Add(1)
		go func(l ApprovalListener) {
			defer e.wg.Done()
			l.OnWorkflowApproved(ctx, snapshot)
		}(l)
	}
}

// ── Overdue handling ──────────────────────────────────────────────────────────

// errUnchanged aborts an Update without writing.
var errUnchanged = errors.New(errors.ErrCodeConflict, "unchanged")

// MarkOverdue flags the current stage of a workflow as overdue when its
// timeout has elapsed. Returns false when the stage was already flagged,
// has moved on, or is still within its timeout.
func (e *ApprovalEngine) MarkOverdue(ctx context.Context, workflowID, stage string) (bool, error) {
	now := e.clock.Now()
	var elapsed time.Duration

	updated, err := e.workflows.Update(ctx, workflowID, func(wf *repository.ApprovalWorkflow) error {
		sd := wf.Stage(stage)
		if wf.Status.Terminal() || wf.CurrentStage != stage || sd == nil ||
			sd.Status != repository.StageInProgress || sd.IsOverdue || sd.StartedAt == nil || sd.TimeoutHours <= 0 {
			return errUnchanged
		}
		elapsed = now.Sub(*sd.StartedAt)
		if elapsed <= time.Duration(sd.TimeoutHours)*time.Hour {
			return errUnchanged
		}
		sd.IsOverdue = true
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	e.recorder.Record(ctx, e.entry(updated, audit.EventStageOverdue, audit.SystemActor, now, repository.AuditDetails{
		Description:   "stage " + stage + " exceeded its timeout",
		PreviousState: string(updated.Status),
		NewState:      string(updated.Status),
		Metadata:      map[string]any{"stage": stage, "elapsed_hours": elapsed.Hours()},
	}))
	e.log.Warn().
		Str("workflow_id", workflowID).
		Str("stage", stage).
		Dur("elapsed", elapsed).
		Msg("Stage overdue")
	return true, nil
}

// ── Reads ─────────────────────────────────────────────────────────────────────

// GetWorkflow returns a workflow by id.
func (e *ApprovalEngine) GetWorkflow(ctx context.Context, id string) (*repository.ApprovalWorkflow, error) {
	return e.workflows.Get(ctx, id)
}

// GetWorkflowByApplication returns the workflow of an application.
func (e *ApprovalEngine) GetWorkflowByApplication(ctx context.Context, applicationID string) (*repository.ApprovalWorkflow, error) {
	return e.workflows.GetByApplicationID(ctx, applicationID)
}

// ListWorkflows returns workflows matching filter, oldest first.
func (e *ApprovalEngine) ListWorkflows(ctx context.Context, filter repository.WorkflowFilter) ([]*repository.ApprovalWorkflow, error) {
	return e.workflows.List(ctx, filter)
}

// ── Audit helpers ─────────────────────────────────────────────────────────────

func (e *ApprovalEngine) entry(wf *repository.ApprovalWorkflow, eventType, actor string, at time.Time, details repository.AuditDetails) *repository.AuditLogEntry {
	if actor == "" {
		actor = audit.SystemActor
	}
	level := repository.LevelInfo
	if eventType == audit.EventStageOverdue {
		level = repository.LevelWarning
	}
	return &repository.AuditLogEntry{
		Timestamp:        at,
		EventType:        eventType,
		Level:            level,
		Category:         audit.CategoryWorkflow,
		PerformedBy:      actor,
		TargetEntityType: workflowEntityType,
		TargetEntityID:   wf.ID,
		CorrelationID:    wf.ID,
		Details:          details,
		Result:           repository.AuditResult{Success: true},
	}
}

func (e *ApprovalEngine) decisionEntry(wf *repository.ApprovalWorkflow, t *transition, eventType string, level repository.AuditLevel, description string, changes map[string]any) *repository.AuditLogEntry {
	entry := e.entry(wf, eventType, t.req.ActorID, t.now, repository.AuditDetails{
		Description:   description,
		PreviousState: string(t.prevStatus),
		NewState:      string(wf.Status),
		Changes:       changes,
		Metadata:      map[string]any{"decision": string(t.req.Decision.Kind())},
	})
	entry.Level = level
	entry.PerformedByRole = t.role
	entry.ClientInfo = t.req.ClientInfo
	return entry
}

// recordDecisionFailure writes the single failed-result entry of a
// rejected decision.
func (e *ApprovalEngine) recordDecisionFailure(ctx context.Context, req DecisionRequest, role string, err error, start time.Time) {
	code := errors.CodeOf(err)
	level := repository.LevelWarning
	category := audit.CategoryWorkflow
	switch code {
	case errors.ErrCodeUnauthorized:
		category = audit.CategorySecurity
	case errors.ErrCodePersistence, errors.ErrCodeInternal:
		level = repository.LevelError
	}

	kind := ""
	if req.Decision != nil {
		kind = string(req.Decision.Kind())
	}
	metrics.DecisionsTotal.WithLabelValues(req.Stage, kind, strings.ToLower(string(code))).Inc()

	e.recorder.Record(ctx, &repository.AuditLogEntry{
		Timestamp:        start,
		EventType:        audit.EventDecisionFailed,
		Level:            level,
		Category:         category,
		PerformedBy:      req.ActorID,
		PerformedByRole:  role,
		TargetEntityType: workflowEntityType,
		TargetEntityID:   req.WorkflowID,
		CorrelationID:    req.WorkflowID,
		Details: repository.AuditDetails{
			Description: fmt.Sprintf("%s on stage %s refused", kind, req.Stage),
			Metadata:    map[string]any{"decision": kind, "stage": req.Stage, "error_code": string(code)},
		},
		ClientInfo: req.ClientInfo,
		Result: repository.AuditResult{
			Success:    false,
			Error:      err.Error(),
			DurationMs: e.clock.Since(start).Milliseconds(),
		},
	})

	e.log.Warn().Err(err).
		Str("workflow_id", req.WorkflowID).
		Str("stage", req.Stage).
		Str("decision", kind).
		Str("actor", req.ActorID).
		Msg("Decision refused")
}

func stageAssignedNotice(wf *repository.ApprovalWorkflow, stage registry.StageRequirement) notice {
	return notice{
		recipients: roleRecipients(stage.RequiredRoles),
		template:   TemplateStageAssigned,
		payload: map[string]any{
			"resource_id":   wf.ID,
			"member_id":     wf.MemberID,
			"stage":         stage.ID,
			"stage_name":    stage.Name,
			"timeout_hours": stage.TimeoutHours,
		},
	}
}

// unionStrings appends the elements of add missing from base, preserving
// order. Empty strings are dropped.
func unionStrings(base, add []string) []string {
	out := append([]string{}, base...)
	for _, s := range add {
		if s == "" {
			continue
		}
		found := false
		for _, have := range out {
			if have == s {
				found = true
				break
			}
		}
		if !found {
			out = append(out, s)
		}
	}
	return out
}

// missingStrings returns the elements of want absent from have.
func missingStrings(want, have []string) []string {
	var out []string
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			out = append(out, w)
		}
	}
	return out
}

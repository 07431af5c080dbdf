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
	"github.com/pesio-ai/be-onboarding/internal/errors"
	"github.com/pesio-ai/be-onboarding/internal/logger"
	"github.com/pesio-ai/be-onboarding/internal/metrics"
	"github.com/pesio-ai/be-onboarding/internal/repository"
)

const processEntityType = "provisioning_process"

// Trigger events recorded on a process.
const (
	TriggerWorkflowApproved = "workflow_approved"
	TriggerManual           = "manual"
)

var errCancelled = errors.New(errors.ErrCodeConflict, "provisioning cancelled")

// CompletionListener is told when a provisioning process completes.
type CompletionListener interface {
	OnProvisioningCompleted(ctx context.Context, p *repository.ProvisioningProcess)
}

// CompletionListenerFunc adapts a function to CompletionListener.
type CompletionListenerFunc func(ctx context.Context, p *repository.ProvisioningProcess)

func (f CompletionListenerFunc) OnProvisioningCompleted(ctx context.Context, p *repository.ProvisioningProcess) {
	f(ctx, p)
}

// ProvisioningOrchestrator runs the provisioning saga: a fixed sequence of
// steps, each retried with backoff up to its own limit. There is no
// compensation; a failed process keeps whatever earlier steps created and
// is left for manual remediation. Step actions are idempotent per
// process and step, so re-running a step never duplicates resources.
type ProvisioningOrchestrator struct {
	processes repository.ProvisioningStore
	workflows repository.WorkflowStore
	recorder  *audit.Recorder
	steps     []StepDefinition
	backoff   BackoffPolicy
	clock     clockwork.Clock
	log       *logger.Logger

	// runMu orders starts against Shutdown: no saga is added once stop
	// has been called.
	runMu   sync.RWMutex
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	cancels   map[string]chan struct{}
	listeners []CompletionListener
}

// NewProvisioningOrchestrator creates a new ProvisioningOrchestrator.
func NewProvisioningOrchestrator(
	processes repository.ProvisioningStore,
	workflows repository.WorkflowStore,
	recorder *audit.Recorder,
	steps []StepDefinition,
	backoff BackoffPolicy,
	clock clockwork.Clock,
	log *logger.Logger,
) *ProvisioningOrchestrator {
	ctx, stop := context.WithCancel(context.Background())
	return &ProvisioningOrchestrator{
		processes: processes,
		workflows: workflows,
		recorder:  recorder,
		steps:     steps,
		backoff:   backoff,
		clock:     clock,
		log:       log.Component("provisioning"),
		baseCtx:   ctx,
		stop:      stop,
		cancels:   make(map[string]chan struct{}),
	}
}

// AddCompletionListener registers l.
func (o *ProvisioningOrchestrator) AddCompletionListener(l CompletionListener) {
	o.mu.Lock()
	o.listeners = append(o.listeners, l)
	o.mu.Unlock()
}

// OnWorkflowApproved starts provisioning for the member of an approved
// workflow.
func (o *ProvisioningOrchestrator) OnWorkflowApproved(ctx context.Context, wf *repository.ApprovalWorkflow) {
	if !approved(wf) {
		o.log.Warn().
			Str("workflow_id", wf.ID).
			Str("status", string(wf.Status)).
			Msg("Ignoring approval event for workflow that is not approved")
		return
	}
	if _, err := o.start(ctx, wf.MemberID, wf.ID, TriggerWorkflowApproved, audit.SystemActor); err != nil {
		o.log.Error().Err(err).
			Str("member_id", wf.MemberID).
			Str("workflow_id", wf.ID).
			Msg("Failed to start provisioning for approved workflow")
	}
}

// Start is the operator trigger for a member whose workflow is already
// approved, for instance when the approval event was lost. It creates and
// runs the process linked to that workflow, or returns the id of the
// existing one. Members without an approved workflow are refused with
// CONFLICT. A member is never provisioned twice.
func (o *ProvisioningOrchestrator) Start(ctx context.Context, memberID, actor string) (string, error) {
	if strings.TrimSpace(memberID) == "" {
		return "", errors.InvalidInput("member_id", "is required")
	}
	if strings.TrimSpace(actor) == "" {
		return "", errors.InvalidInput("actor_id", "is required")
	}
	wf, err := o.approvedWorkflow(ctx, memberID)
	if err != nil {
		return "", err
	}
	return o.start(ctx, memberID, wf.ID, TriggerManual, actor)
}

// approvedWorkflow returns the member's approved workflow.
func (o *ProvisioningOrchestrator) approvedWorkflow(ctx context.Context, memberID string) (*repository.ApprovalWorkflow, error) {
	list, err := o.workflows.List(ctx, repository.WorkflowFilter{
		MemberID: memberID,
		Statuses: []repository.WorkflowStatus{repository.WorkflowCompleted},
	})
	if err != nil {
		return nil, err
	}
	for _, wf := range list {
		if approved(wf) {
			return wf, nil
		}
	}
	return nil, errors.New(errors.ErrCodeConflict, fmt.Sprintf("member %s has no approved workflow", memberID))
}

func approved(wf *repository.ApprovalWorkflow) bool {
	return wf.Status == repository.WorkflowCompleted && wf.FinalDecision == repository.FinalDecisionApproved
}

func (o *ProvisioningOrchestrator) start(ctx context.Context, memberID, workflowID, trigger, actor string) (string, error) {
	if strings.TrimSpace(memberID) == "" {
		return "", errors.InvalidInput("member_id", "is required")
	}

	o.runMu.RLock()
	defer o.runMu.RUnlock()
	if o.baseCtx.Err() != nil {
		return "", errors.New(errors.ErrCodeConflict, "provisioning is shutting down")
	}

	existing, err := o.processes.GetByMemberID(ctx, memberID)
	if err == nil {
		o.log.Info().
			Str("member_id", memberID).
			Str("process_id", existing.ID).
			Msg("Provisioning already exists for member")
		return existing.ID, nil
	}
	if !errors.Is(err, errors.ErrNotFound) {
		return "", err
	}

	now := o.clock.Now()
	p := &repository.ProvisioningProcess{
		ID:           uuid.New().String(),
		MemberID:     memberID,
		WorkflowID:   workflowID,
		TriggerEvent: trigger,
		Status:       repository.ProcessPending,
		CreatedAt:    now,
	}
	for _, def := range o.steps {
		p.Steps = append(p.Steps, &repository.StepDetail{
			Step:       def.ID,
			Name:       def.Name,
			Status:     repository.ProcessPending,
			MaxRetries: maxRetries(def),
		})
	}

	if err := o.processes.Create(ctx, p); err != nil {
		if errors.CodeOf(err) == errors.ErrCodeConflict {
			// lost a race with a concurrent start for the same member
			if existing, getErr := o.processes.GetByMemberID(ctx, memberID); getErr == nil {
				return existing.ID, nil
			}
		}
		return "", err
	}

	created := o.entry(p, audit.EventProcessCreated, repository.AuditDetails{
		Description: "provisioning process created",
		NewState:    string(repository.ProcessPending),
		Metadata:    map[string]any{"member_id": memberID, "workflow_id": workflowID, "trigger_event": trigger},
	})
	created.PerformedBy = actor
	o.recorder.Record(ctx, created)
	o.log.Info().
		Str("process_id", p.ID).
		Str("member_id", memberID).
		Str("workflow_id", workflowID).
		Str("trigger", trigger).
		Str("actor", actor).
		Msg("Provisioning process created")

	cancelCh := make(chan struct{})
	o.mu.Lock()
	o.cancels[p.ID] = cancelCh
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.forget(p.ID)
		o.run(p.ID, cancelCh)
	}()

	return p.ID, nil
}

// Cancel asks a running process to stop. The request takes effect at the
// next step boundary or during a backoff wait; the process then ends
// FAILED with "cancelled by <actor>".
func (o *ProvisioningOrchestrator) Cancel(ctx context.Context, processID, actor string) error {
	if strings.TrimSpace(actor) == "" {
		return errors.InvalidInput("actor_id", "is required")
	}

	_, err := o.processes.Update(ctx, processID, func(p *repository.ProvisioningProcess) error {
		if p.Status.Terminal() {
			return errors.New(errors.ErrCodeConflict, fmt.Sprintf("process %s is already %s", p.ID, p.Status))
		}
		if p.CancelRequestedBy != "" {
			return errUnchanged
		}
		p.CancelRequestedBy = actor
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}

	o.mu.Lock()
	ch, running := o.cancels[processID]
	if running {
		close(ch)
		delete(o.cancels, processID)
	}
	o.mu.Unlock()

	o.log.Info().Str("process_id", processID).Str("actor", actor).Bool("running", running).Msg("Provisioning cancellation requested")

	// Nothing will reach a step boundary for a process that is not running
	// in this instance, so settle it now.
	if !running {
		o.finishCancelled(ctx, processID)
	}
	return nil
}

// Shutdown stops running sagas at their next boundary and waits for them,
// bounded by ctx.
func (o *ProvisioningOrchestrator) Shutdown(ctx context.Context) error {
	o.runMu.Lock()
	o.stop()
	o.runMu.Unlock()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every running saga has finished.
func (o *ProvisioningOrchestrator) Wait() { o.wg.Wait() }

func (o *ProvisioningOrchestrator) forget(processID string) {
	o.mu.Lock()
	delete(o.cancels, processID)
	o.mu.Unlock()
}

// ── Saga execution ────────────────────────────────────────────────────────────

func (o *ProvisioningOrchestrator) run(processID string, cancelCh <-chan struct{}) {
	ctx := o.baseCtx
	startedAt := o.clock.Now()

	p, err := o.processes.Update(ctx, processID, func(p *repository.ProvisioningProcess) error {
		p.Status = repository.ProcessInProgress
		p.StartedAt = &startedAt
		return nil
	})
	if err != nil {
		o.log.Error().Err(err).Str("process_id", processID).Msg("Failed to start provisioning process")
		return
	}
	o.recorder.Record(ctx, o.entry(p, audit.EventProcessStarted, repository.AuditDetails{
		Description:   "provisioning started",
		PreviousState: string(repository.ProcessPending),
		NewState:      string(repository.ProcessInProgress),
	}))

	outputs := make(map[string]map[string]any, len(o.steps))
	for _, def := range o.steps {
		if ctx.Err() != nil {
			o.finishInterrupted(processID)
			return
		}
		if o.cancelRequested(ctx, processID) {
			o.finishCancelled(ctx, processID)
			return
		}

		out, err := o.executeStep(ctx, p, def, outputs, cancelCh)
		switch {
		case err == nil:
			outputs[def.ID] = out
		case errors.Is(err, errCancelled):
			o.finishCancelled(ctx, processID)
			return
		case errors.Is(err, errors.ErrStepExhausted):
			return
		case ctx.Err() != nil:
			o.finishInterrupted(processID)
			return
		default:
			o.fail(ctx, processID, def.ID, err, startedAt)
			return
		}
	}

	o.complete(ctx, processID, outputs, startedAt)
}

func (o *ProvisioningOrchestrator) cancelRequested(ctx context.Context, processID string) bool {
	p, err := o.processes.Get(ctx, processID)
	if err != nil {
		o.log.Warn().Err(err).Str("process_id", processID).Msg("Failed to read cancellation state")
		return false
	}
	return p.CancelRequestedBy != ""
}

// executeStep runs one step until it succeeds or exhausts its retries.
// Every failed attempt increments retryCount and is audited; the wait
// between attempts comes from the backoff policy.
func (o *ProvisioningOrchestrator) executeStep(
	ctx context.Context,
	p *repository.ProvisioningProcess,
	def StepDefinition,
	outputs map[string]map[string]any,
	cancelCh <-chan struct{},
) (map[string]any, error) {
	stepStart := o.clock.Now()
	if _, err := o.updateStep(ctx, p.ID, def.ID, func(_ *repository.ProvisioningProcess, s *repository.StepDetail) {
		s.Status = repository.ProcessInProgress
		s.StartedAt = &stepStart
	}); err != nil {
		return nil, err
	}
	o.recorder.Record(ctx, o.stepEntry(p, def.ID, audit.EventStepStarted, repository.LevelInfo, "step "+def.ID+" started", nil))

	limit := maxRetries(def)
	retries := 0
	for {
		sc := StepContext{
			ProcessID:      p.ID,
			MemberID:       p.MemberID,
			StepID:         def.ID,
			IdempotencyKey: p.ID + ":" + def.ID,
			Attempt:        retries + 1,
			Outputs:        outputs,
		}
		result, execErr := def.Action.Execute(ctx, sc)
		if execErr == nil {
			metrics.StepAttemptsTotal.WithLabelValues(def.ID, "success").Inc()
			done := o.clock.Now()
			if _, err := o.updateStep(ctx, p.ID, def.ID, func(_ *repository.ProvisioningProcess, s *repository.StepDetail) {
				s.Status = repository.ProcessCompleted
				s.CompletedAt = &done
				s.Result = result
				s.Error = ""
			}); err != nil {
				return nil, err
			}
			entry := o.stepEntry(p, def.ID, audit.EventStepCompleted, repository.LevelInfo, "step "+def.ID+" completed",
				map[string]any{"retry_count": retries})
			entry.Result.DurationMs = done.Sub(stepStart).Milliseconds()
			o.recorder.Record(ctx, entry)
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		retries++
		metrics.StepAttemptsTotal.WithLabelValues(def.ID, "failure").Inc()
		if _, err := o.updateStep(ctx, p.ID, def.ID, func(_ *repository.ProvisioningProcess, s *repository.StepDetail) {
			s.RetryCount = retries
			s.Error = execErr.Error()
		}); err != nil {
			return nil, err
		}
		failed := o.stepEntry(p, def.ID, audit.EventStepExecutionError, repository.LevelWarning,
			fmt.Sprintf("step %s attempt %d failed", def.ID, retries),
			map[string]any{"retry_count": retries, "max_retries": limit})
		failed.Result = repository.AuditResult{Success: false, Error: execErr.Error()}
		o.recorder.Record(ctx, failed)

		o.log.Warn().Err(execErr).
			Str("process_id", p.ID).
			Str("step", def.ID).
			Int("retry_count", retries).
			Int("max_retries", limit).
			Msg("Provisioning step failed")

		if retries >= limit {
			return nil, o.exhaust(ctx, p, def.ID, retries, execErr)
		}

		select {
		case <-o.clock.After(o.backoff.Delay(retries)):
		case <-cancelCh:
			return nil, errCancelled
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// exhaust fails the step and the process once a step is out of retries.
func (o *ProvisioningOrchestrator) exhaust(ctx context.Context, p *repository.ProvisioningProcess, stepID string, retries int, cause error) error {
	now := o.clock.Now()
	msg := fmt.Sprintf("step %s failed after %d attempts: %v", stepID, retries, cause)

	updated, err := o.updateStep(ctx, p.ID, stepID, func(proc *repository.ProvisioningProcess, s *repository.StepDetail) {
		s.Status = repository.ProcessFailed
		s.CompletedAt = &now
		proc.Status = repository.ProcessFailed
		proc.CompletedAt = &now
		proc.Error = msg
	})
	if err != nil {
		return err
	}

	exhausted := o.stepEntry(p, stepID, audit.EventStepExhausted, repository.LevelError, msg, map[string]any{"retry_count": retries})
	exhausted.Result = repository.AuditResult{Success: false, Error: cause.Error()}
	o.recorder.Record(ctx, exhausted)

	failed := o.entry(updated, audit.EventProcessFailed, repository.AuditDetails{
		Description:   msg,
		PreviousState: string(repository.ProcessInProgress),
		NewState:      string(repository.ProcessFailed),
		Metadata:      map[string]any{"failed_step": stepID},
	})
	failed.Level = repository.LevelError
	failed.Result = repository.AuditResult{Success: false, Error: msg}
	o.recorder.Record(ctx, failed)

	o.observeTerminal(updated)
	o.log.Error().Str("process_id", p.ID).Str("member_id", p.MemberID).Str("step", stepID).Msg("Provisioning failed")
	return errors.Wrap(cause, errors.ErrCodeStepExhausted, msg)
}

// fail ends a process on an infrastructure error outside a step attempt.
func (o *ProvisioningOrchestrator) fail(ctx context.Context, processID, stepID string, cause error, startedAt time.Time) {
	now := o.clock.Now()
	updated, err := o.processes.Update(ctx, processID, func(p *repository.ProvisioningProcess) error {
		p.Status = repository.ProcessFailed
		p.CompletedAt = &now
		p.Error = fmt.Sprintf("step %s: %v", stepID, cause)
		return nil
	})
	if err != nil {
		o.log.Error().Err(err).Str("process_id", processID).Msg("Failed to mark provisioning process failed")
		return
	}
	entry := o.entry(updated, audit.EventProcessFailed, repository.AuditDetails{
		Description:   updated.Error,
		PreviousState: string(repository.ProcessInProgress),
		NewState:      string(repository.ProcessFailed),
	})
	entry.Level = repository.LevelError
	entry.Result = repository.AuditResult{Success: false, Error: cause.Error(), DurationMs: now.Sub(startedAt).Milliseconds()}
	o.recorder.Record(ctx, entry)
	o.observeTerminal(updated)
}

func (o *ProvisioningOrchestrator) finishCancelled(ctx context.Context, processID string) {
	ctx = context.WithoutCancel(ctx)
	now := o.clock.Now()
	var previous repository.ProcessStatus

	updated, err := o.processes.Update(ctx, processID, func(p *repository.ProvisioningProcess) error {
		if p.Status.Terminal() {
			return errUnchanged
		}
		previous = p.Status
		for _, s := range p.Steps {
			if s.Status == repository.ProcessInProgress {
				s.Status = repository.ProcessFailed
				s.CompletedAt = &now
				s.Error = "cancelled"
			}
		}
		p.Status = repository.ProcessFailed
		p.CompletedAt = &now
		p.Error = "cancelled by " + p.CancelRequestedBy
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return
	}
	if err != nil {
		o.log.Error().Err(err).Str("process_id", processID).Msg("Failed to mark provisioning process cancelled")
		return
	}

	entry := o.entry(updated, audit.EventProcessCancelled, repository.AuditDetails{
		Description:   updated.Error,
		PreviousState: string(previous),
		NewState:      string(repository.ProcessFailed),
	})
	entry.Level = repository.LevelWarning
	entry.PerformedBy = updated.CancelRequestedBy
	o.recorder.Record(ctx, entry)

	metrics.ProcessesTotal.WithLabelValues("CANCELLED").Inc()
	o.log.Warn().Str("process_id", processID).Str("actor", updated.CancelRequestedBy).Msg("Provisioning cancelled")
}

// finishInterrupted settles a process whose saga was stopped by shutdown.
func (o *ProvisioningOrchestrator) finishInterrupted(processID string) {
	ctx := context.WithoutCancel(o.baseCtx)
	now := o.clock.Now()
	updated, err := o.processes.Update(ctx, processID, func(p *repository.ProvisioningProcess) error {
		if p.Status.Terminal() {
			return errUnchanged
		}
		p.Status = repository.ProcessFailed
		p.CompletedAt = &now
		p.Error = "interrupted by shutdown"
		return nil
	})
	if err != nil {
		if !errors.Is(err, errUnchanged) {
			o.log.Error().Err(err).Str("process_id", processID).Msg("Failed to mark interrupted provisioning process")
		}
		return
	}
	entry := o.entry(updated, audit.EventProcessFailed, repository.AuditDetails{
		Description:   updated.Error,
		PreviousState: string(repository.ProcessInProgress),
		NewState:      string(repository.ProcessFailed),
	})
	entry.Level = repository.LevelError
	entry.Result = repository.AuditResult{Success: false, Error: updated.Error}
	o.recorder.Record(ctx, entry)
	o.observeTerminal(updated)
}

func (o *ProvisioningOrchestrator) complete(ctx context.Context, processID string, outputs map[string]map[string]any, startedAt time.Time) {
	now := o.clock.Now()
	updated, err := o.processes.Update(ctx, processID, func(p *repository.ProvisioningProcess) error {
		p.Status = repository.ProcessCompleted
		p.CompletedAt = &now
		p.Result = &repository.ProvisioningResult{
			ProcessID:   p.ID,
			MemberID:    p.MemberID,
			CompletedAt: now,
			Outputs:     outputs,
		}
		return nil
	})
	if err != nil {
		o.log.Error().Err(err).Str("process_id", processID).Msg("Failed to mark provisioning process completed")
		return
	}

	entry := o.entry(updated, audit.EventProcessCompleted, repository.AuditDetails{
		Description:   "provisioning completed",
		PreviousState: string(repository.ProcessInProgress),
		NewState:      string(repository.ProcessCompleted),
	})
	entry.Result.DurationMs = now.Sub(startedAt).Milliseconds()
	o.recorder.Record(ctx, entry)
	o.observeTerminal(updated)

	o.log.Info().
		Str("process_id", processID).
		Str("member_id", updated.MemberID).
		Dur("duration", now.Sub(startedAt)).
		Msg("Provisioning completed")

	o.mu.Lock()
	listeners := append([]CompletionListener(nil), o.listeners...)
	o.mu.Unlock()
	for _, l := range listeners {
		l.OnProvisioningCompleted(ctx, updated.Clone())
	}
}

func (o *ProvisioningOrchestrator) observeTerminal(p *repository.ProvisioningProcess) {
	metrics.ProcessesTotal.WithLabelValues(string(p.Status)).Inc()
	if p.StartedAt != nil && p.CompletedAt != nil {
		metrics.ProcessDurationSeconds.Observe(p.CompletedAt.Sub(*p.StartedAt).Seconds())
	}
}

func (o *ProvisioningOrchestrator) updateStep(
	ctx context.Context,
	processID, stepID string,
	fn func(p *repository.ProvisioningProcess, s *repository.StepDetail),
) (*repository.ProvisioningProcess, error) {
	return o.processes.Update(ctx, processID, func(p *repository.ProvisioningProcess) error {
		s := p.StepByID(stepID)
		if s == nil {
			return errors.NotFound("provisioning_step", stepID)
		}
		fn(p, s)
		return nil
	})
}

// ── Reads ─────────────────────────────────────────────────────────────────────

// GetProcess returns a process by id.
func (o *ProvisioningOrchestrator) GetProcess(ctx context.Context, id string) (*repository.ProvisioningProcess, error) {
	return o.processes.Get(ctx, id)
}

// GetProcessByMember returns the process of a member.
func (o *ProvisioningOrchestrator) GetProcessByMember(ctx context.Context, memberID string) (*repository.ProvisioningProcess, error) {
	return o.processes.GetByMemberID(ctx, memberID)
}

// ListProcesses returns processes matching filter, oldest first.
func (o *ProvisioningOrchestrator) ListProcesses(ctx context.Context, filter repository.ProcessFilter) ([]*repository.ProvisioningProcess, error) {
	return o.processes.List(ctx, filter)
}

// ── Audit helpers ─────────────────────────────────────────────────────────────

func (o *ProvisioningOrchestrator) entry(p *repository.ProvisioningProcess, eventType string, details repository.AuditDetails) *repository.AuditLogEntry {
	if details.Metadata == nil {
		details.Metadata = map[string]any{}
	}
	details.Metadata["member_id"] = p.MemberID
	return &repository.AuditLogEntry{
		Timestamp:        o.clock.Now(),
		EventType:        eventType,
		Level:            repository.LevelInfo,
		Category:         audit.CategoryProvisioning,
		PerformedBy:      audit.SystemActor,
		TargetEntityType: processEntityType,
		TargetEntityID:   p.ID,
		CorrelationID:    p.ID,
		Details:          details,
		Result:           repository.AuditResult{Success: true},
	}
}

func (o *ProvisioningOrchestrator) stepEntry(p *repository.ProvisioningProcess, stepID, eventType string, level repository.AuditLevel, description string, metadata map[string]any) *repository.AuditLogEntry {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["step"] = stepID
	e := o.entry(p, eventType, repository.AuditDetails{Description: description, Metadata: metadata})
	e.Level = level
	e.Tags = []string{"step:" + stepID}
	return e
}

func maxRetries(def StepDefinition) int {
	if def.MaxRetries < 1 {
		return 1
	}
	return def.MaxRetries
}

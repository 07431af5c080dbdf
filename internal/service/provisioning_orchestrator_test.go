package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-onboarding/internal/audit"
	"github.com/pesio-ai/be-onboarding/internal/client"
	"github.com/pesio-ai/be-onboarding/internal/errors"
	"github.com/pesio-ai/be-onboarding/internal/logger"
	"github.com/pesio-ai/be-onboarding/internal/registry"
	"github.com/pesio-ai/be-onboarding/internal/repository"
)

type sagaFixture struct {
	ctx       context.Context
	processes *repository.MemoryProvisioningStore
	workflows *repository.MemoryWorkflowStore
	recorder  *audit.Recorder
	orch      *ProvisioningOrchestrator
}

func newSagaFixture(t *testing.T, steps []StepDefinition) *sagaFixture {
	t.Helper()
	clock := clockwork.NewRealClock()
	rec, err := audit.NewRecorder(repository.NewMemoryAuditStore(), clock, audit.Config{}, logger.Nop())
	require.NoError(t, err)

	f := &sagaFixture{
		ctx:       context.Background(),
		processes: repository.NewMemoryProvisioningStore(),
		workflows: repository.NewMemoryWorkflowStore(),
		recorder:  rec,
	}
	f.orch = NewProvisioningOrchestrator(f.processes, f.workflows, rec, steps, LinearBackoff{Base: time.Millisecond}, clock, logger.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.orch.Shutdown(ctx)
	})
	return f
}

// seedWorkflow stores a finished workflow for memberID with the given
// status and final decision.
func (f *sagaFixture) seedWorkflow(t *testing.T, memberID string, status repository.WorkflowStatus, decision string) *repository.ApprovalWorkflow {
	t.Helper()
	now := time.Now()
	wf := &repository.ApprovalWorkflow{
		ID:            "wf-" + memberID,
		MemberID:      memberID,
		ApplicationID: "app-" + memberID,
		Status:        status,
		FinalDecision: decision,
		CreatedAt:     now,
		CompletedAt:   &now,
	}
	require.NoError(t, f.workflows.Create(f.ctx, wf))
	return wf
}

// startApproved seeds an approved workflow for memberID and starts its
// provisioning as an operator.
func (f *sagaFixture) startApproved(t *testing.T, memberID string) string {
	t.Helper()
	f.seedWorkflow(t, memberID, repository.WorkflowCompleted, repository.FinalDecisionApproved)
	id, err := f.orch.Start(f.ctx, memberID, "ops-1")
	require.NoError(t, err)
	return id
}

func (f *sagaFixture) awaitTerminal(t *testing.T, id string) *repository.ProvisioningProcess {
	t.Helper()
	var p *repository.ProvisioningProcess
	require.Eventually(t, func() bool {
		got, err := f.orch.GetProcess(f.ctx, id)
		if err != nil {
			return false
		}
		p = got
		return got.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	f.orch.Wait()
	return p
}

func (f *sagaFixture) trail(t *testing.T, id string) []*repository.AuditLogEntry {
	t.Helper()
	entries, err := f.recorder.Trail(f.ctx, id)
	require.NoError(t, err)
	return entries
}

// flakyAction fails the first failures attempts, then succeeds.
type flakyAction struct {
	mu       sync.Mutex
	failures int
	keys     []string
}

func (a *flakyAction) Execute(ctx context.Context, sc StepContext) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, sc.IdempotencyKey)
	if len(a.keys) <= a.failures {
		return nil, assertErr("ledger service unavailable")
	}
	return map[string]any{"attempt": sc.Attempt}, nil
}

func (a *flakyAction) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.keys)
}

func okStep(id string) StepDefinition {
	return StepDefinition{ID: id, Name: id, MaxRetries: 3, Action: StepActionFunc(func(ctx context.Context, sc StepContext) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})}
}

func TestProvisioningHappyPath(t *testing.T) {
	provisioner := client.NewMemoryProvisioner()
	dispatcher := &recordingDispatcher{}
	f := newSagaFixture(t, DefaultSteps(provisioner, dispatcher, []string{"BTC", "ETH"}, logger.Nop()))

	var completed []*repository.ProvisioningProcess
	var mu sync.Mutex
	f.orch.AddCompletionListener(CompletionListenerFunc(func(ctx context.Context, p *repository.ProvisioningProcess) {
		mu.Lock()
		completed = append(completed, p)
		mu.Unlock()
	}))

	id := f.startApproved(t, "mem-1")

	p := f.awaitTerminal(t, id)
	require.Equal(t, repository.ProcessCompleted, p.Status)
	require.Len(t, p.Steps, 6)
	for _, s := range p.Steps {
		assert.Equal(t, repository.ProcessCompleted, s.Status, s.Step)
		assert.Zero(t, s.RetryCount)
	}
	require.NotNil(t, p.Result)
	assert.Len(t, p.Result.Outputs, 6)
	assert.Contains(t, p.Result.Outputs[StepCreateAssetLedgers]["ledgers"], "BTC")
	assert.Equal(t, true, p.Result.Outputs[StepSendWelcomeNotification]["delivered"])
	assert.Equal(t, 1, provisioner.Calls(id+":"+StepGenerateAPIKeys))

	mu.Lock()
	require.Len(t, completed, 1)
	assert.Equal(t, "mem-1", completed[0].MemberID)
	mu.Unlock()

	entries := f.trail(t, id)
	assert.Equal(t, audit.EventProcessCreated, entries[0].EventType)
	assert.Equal(t, 6, countEvents(entries, audit.EventStepStarted))
	assert.Equal(t, 6, countEvents(entries, audit.EventStepCompleted))
	assert.Equal(t, 1, countEvents(entries, audit.EventProcessCompleted))
	assert.Len(t, dispatcher.byTemplate(TemplateWelcome), 1)
}

func TestProvisioningStartIsIdempotentPerMember(t *testing.T) {
	f := newSagaFixture(t, []StepDefinition{okStep("only")})

	first := f.startApproved(t, "mem-1")
	p := f.awaitTerminal(t, first)
	assert.Equal(t, "wf-mem-1", p.WorkflowID)
	assert.Equal(t, TriggerManual, p.TriggerEvent)
	assert.Equal(t, "ops-1", f.trail(t, first)[0].PerformedBy)

	second, err := f.orch.Start(f.ctx, "mem-1", "ops-2")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	all, err := f.orch.ListProcesses(f.ctx, repository.ProcessFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = f.orch.Start(f.ctx, "", "ops-1")
	assert.True(t, errors.Is(err, errors.ErrValidation))
	_, err = f.orch.Start(f.ctx, "mem-1", "")
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestProvisioningRetriesTransientFailures(t *testing.T) {
	flaky := &flakyAction{failures: 2}
	f := newSagaFixture(t, []StepDefinition{
		{ID: "ledgers", Name: "ledgers", MaxRetries: 3, Action: flaky},
		okStep("limits"),
	})

	id := f.startApproved(t, "mem-1")
	p := f.awaitTerminal(t, id)

	require.Equal(t, repository.ProcessCompleted, p.Status)
	assert.Equal(t, 2, p.StepByID("ledgers").RetryCount)
	assert.Equal(t, 3, flaky.calls())
	for _, k := range flaky.keys {
		assert.Equal(t, id+":ledgers", k)
	}
	assert.Equal(t, 2, countEvents(f.trail(t, id), audit.EventStepExecutionError))
}

func TestProvisioningFailsWhenRetriesExhausted(t *testing.T) {
	flaky := &flakyAction{failures: 100}
	next := &flakyAction{}
	f := newSagaFixture(t, []StepDefinition{
		{ID: "addresses", Name: "addresses", MaxRetries: 5, Action: flaky},
		{ID: "webhooks", Name: "webhooks", MaxRetries: 3, Action: next},
	})

	id := f.startApproved(t, "mem-1")
	p := f.awaitTerminal(t, id)

	require.Equal(t, repository.ProcessFailed, p.Status)
	assert.Contains(t, p.Error, "addresses")
	step := p.StepByID("addresses")
	assert.Equal(t, repository.ProcessFailed, step.Status)
	assert.Equal(t, 5, step.RetryCount)
	assert.Equal(t, 5, flaky.calls())
	assert.Equal(t, repository.ProcessPending, p.StepByID("webhooks").Status)
	assert.Zero(t, next.calls())

	entries := f.trail(t, id)
	assert.Equal(t, 5, countEvents(entries, audit.EventStepExecutionError))
	assert.Equal(t, 1, countEvents(entries, audit.EventStepExhausted))
	assert.Equal(t, 1, countEvents(entries, audit.EventProcessFailed))
	assert.Zero(t, countEvents(entries, audit.EventProcessCompleted))
}

func TestProvisioningCancelStopsAtStepBoundary(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	second := &flakyAction{}
	f := newSagaFixture(t, []StepDefinition{
		{ID: "keys", Name: "keys", MaxRetries: 3, Action: StepActionFunc(func(ctx context.Context, sc StepContext) (map[string]any, error) {
			close(entered)
			<-release
			return map[string]any{"ok": true}, nil
		})},
		{ID: "ledgers", Name: "ledgers", MaxRetries: 3, Action: second},
	})

	id := f.startApproved(t, "mem-1")
	<-entered

	require.NoError(t, f.orch.Cancel(f.ctx, id, "ops-1"))
	// repeated requests are absorbed
	require.NoError(t, f.orch.Cancel(f.ctx, id, "ops-1"))
	close(release)

	p := f.awaitTerminal(t, id)
	assert.Equal(t, repository.ProcessFailed, p.Status)
	assert.Equal(t, "cancelled by ops-1", p.Error)
	assert.Equal(t, repository.ProcessCompleted, p.StepByID("keys").Status)
	assert.Zero(t, second.calls())

	entries := f.trail(t, id)
	require.Equal(t, 1, countEvents(entries, audit.EventProcessCancelled))
	last := entries[len(entries)-1]
	assert.Equal(t, audit.EventProcessCancelled, last.EventType)
	assert.Equal(t, "ops-1", last.PerformedBy)

	err := f.orch.Cancel(f.ctx, id, "ops-1")
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))
}

func TestProvisioningCancelInterruptsBackoff(t *testing.T) {
	flaky := &flakyAction{failures: 100}
	f := newSagaFixture(t, nil)
	f.orch = NewProvisioningOrchestrator(f.processes, f.workflows, f.recorder,
		[]StepDefinition{{ID: "keys", Name: "keys", MaxRetries: 3, Action: flaky}},
		LinearBackoff{Base: time.Hour}, clockwork.NewRealClock(), logger.Nop())

	id := f.startApproved(t, "mem-1")
	require.Eventually(t, func() bool { return flaky.calls() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, f.orch.Cancel(f.ctx, id, "ops-2"))
	p := f.awaitTerminal(t, id)
	assert.Equal(t, "cancelled by ops-2", p.Error)
	assert.Equal(t, repository.ProcessFailed, p.StepByID("keys").Status)
	assert.Equal(t, 1, flaky.calls())
}

func TestApprovedWorkflowStartsProvisioning(t *testing.T) {
	f := newSagaFixture(t, []StepDefinition{okStep("keys")})

	clock := clockwork.NewFakeClock()
	reg, err := registry.Default()
	require.NoError(t, err)
	roles := client.NewStaticRoleProvider(map[string]string{"admin-1": "ADMIN"})
	engine := NewApprovalEngine(f.workflows, reg, f.recorder, roles, nil, clock, logger.Nop())
	engine.AddApprovalListener(f.orch)

	wf, err := engine.Create(f.ctx, "mem-9", "app-9")
	require.NoError(t, err)
	for _, stage := range reg.Stages() {
		_, err := engine.SubmitDecision(f.ctx, DecisionRequest{
			WorkflowID: wf.ID, Stage: stage, ActorID: "admin-1",
			Decision: Approve{VerifiedDocs: stageDocuments[stage]},
		})
		require.NoError(t, err, stage)
	}
	engine.Wait()

	p, err := f.orch.GetProcessByMember(f.ctx, "mem-9")
	require.NoError(t, err)
	assert.Equal(t, wf.ID, p.WorkflowID)
	assert.Equal(t, TriggerWorkflowApproved, p.TriggerEvent)
	assert.Equal(t, repository.ProcessCompleted, f.awaitTerminal(t, p.ID).Status)
}

func TestProvisioningStartRequiresApprovedWorkflow(t *testing.T) {
	f := newSagaFixture(t, []StepDefinition{okStep("keys")})

	_, err := f.orch.Start(f.ctx, "ghost", "ops-1")
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

	f.seedWorkflow(t, "mem-x", repository.WorkflowRejected, repository.FinalDecisionRejected)
	_, err = f.orch.Start(f.ctx, "mem-x", "ops-1")
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

	// an approval event carrying a workflow that is not approved is ignored
	f.orch.OnWorkflowApproved(f.ctx, &repository.ApprovalWorkflow{
		ID: "wf-mem-x", MemberID: "mem-x", Status: repository.WorkflowRejected,
		FinalDecision: repository.FinalDecisionRejected,
	})

	all, err := f.orch.ListProcesses(f.ctx, repository.ProcessFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestProvisioningRefusesStartAfterShutdown(t *testing.T) {
	f := newSagaFixture(t, []StepDefinition{okStep("keys")})
	wf := f.seedWorkflow(t, "mem-1", repository.WorkflowCompleted, repository.FinalDecisionApproved)

	require.NoError(t, f.orch.Shutdown(f.ctx))

	f.orch.OnWorkflowApproved(f.ctx, wf)
	_, err := f.orch.GetProcessByMember(f.ctx, "mem-1")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	_, err = f.orch.Start(f.ctx, "mem-1", "ops-1")
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

	// a fresh orchestrator can still provision the member
	f.orch = NewProvisioningOrchestrator(f.processes, f.workflows, f.recorder,
		[]StepDefinition{okStep("keys")}, LinearBackoff{Base: time.Millisecond}, clockwork.NewRealClock(), logger.Nop())
	f.orch.OnWorkflowApproved(f.ctx, wf)
	p, err := f.orch.GetProcessByMember(f.ctx, "mem-1")
	require.NoError(t, err)
	assert.Equal(t, repository.ProcessCompleted, f.awaitTerminal(t, p.ID).Status)
}

func TestProvisioningWaitsBackoffBetweenAttempts(t *testing.T) {
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)

	var (
		mu       sync.Mutex
		attempts []time.Time
	)
	attemptCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts)
	}
	action := StepActionFunc(func(ctx context.Context, sc StepContext) (map[string]any, error) {
		mu.Lock()
		attempts = append(attempts, clock.Now())
		n := len(attempts)
		mu.Unlock()
		if n < 3 {
			return nil, assertErr("ledger service unavailable")
		}
		return map[string]any{"ok": true}, nil
	})

	f := newSagaFixture(t, nil)
	f.orch = NewProvisioningOrchestrator(f.processes, f.workflows, f.recorder,
		[]StepDefinition{{ID: "ledgers", Name: "ledgers", MaxRetries: 3, Action: action}},
		LinearBackoff{Base: time.Minute}, clock, logger.Nop())

	id := f.startApproved(t, "mem-1")

	// first failure waits Base*1
	clock.BlockUntil(1)
	require.Equal(t, 1, attemptCount())
	clock.Advance(59 * time.Second)
	assert.Never(t, func() bool { return attemptCount() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	clock.Advance(time.Second)

	// second failure waits Base*2
	clock.BlockUntil(1)
	require.Equal(t, 2, attemptCount())
	clock.Advance(119 * time.Second)
	assert.Never(t, func() bool { return attemptCount() > 2 }, 50*time.Millisecond, 5*time.Millisecond)
	clock.Advance(time.Second)

	p := f.awaitTerminal(t, id)
	require.Equal(t, repository.ProcessCompleted, p.Status)
	assert.Equal(t, 2, p.StepByID("ledgers").RetryCount)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, attempts, 3)
	assert.Equal(t, start, attempts[0])
	assert.Equal(t, time.Minute, attempts[1].Sub(attempts[0]))
	assert.Equal(t, 2*time.Minute, attempts[2].Sub(attempts[1]))
}

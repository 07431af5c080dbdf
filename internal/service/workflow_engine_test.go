package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/suite"

	"github.com/pesio-ai/be-onboarding/internal/audit"
	"github.com/pesio-ai/be-onboarding/internal/client"
	"github.com/pesio-ai/be-onboarding/internal/errors"
	"github.com/pesio-ai/be-onboarding/internal/logger"
	"github.com/pesio-ai/be-onboarding/internal/registry"
	"github.com/pesio-ai/be-onboarding/internal/repository"
)

const (
	stageDocs       = "DOCUMENT_VERIFICATION"
	stageCompliance = "COMPLIANCE_CHECK"
	stageRisk       = "RISK_ASSESSMENT"
	stageFinal      = "FINAL_APPROVAL"
)

var stageDocuments = map[string][]string{
	stageDocs:       {"certificate_of_incorporation", "proof_of_address", "director_identification"},
	stageCompliance: {"kyc_report", "aml_screening"},
}

var stageActors = map[string]string{
	stageDocs:       "ops-1",
	stageCompliance: "cmp-1",
	stageRisk:       "risk-1",
	stageFinal:      "admin-1",
}

type sentNotice struct {
	recipients []string
	template   string
	payload    map[string]any
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []sentNotice
	err  error
}

func (d *recordingDispatcher) Notify(ctx context.Context, recipients []string, template string, payload map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, sentNotice{recipients: recipients, template: template, payload: payload})
	return d.err
}

func (d *recordingDispatcher) byTemplate(template string) []sentNotice {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []sentNotice
	for _, n := range d.sent {
		if n.template == template {
			out = append(out, n)
		}
	}
	return out
}

type approvalRecorder struct {
	mu       sync.Mutex
	approved []*repository.ApprovalWorkflow
}

func (r *approvalRecorder) OnWorkflowApproved(ctx context.Context, wf *repository.ApprovalWorkflow) {
	r.mu.Lock()
	r.approved = append(r.approved, wf)
	r.mu.Unlock()
}

// EngineTestSuite drives the approval engine over in-memory stores.
type EngineTestSuite struct {
	suite.Suite
	ctx        context.Context
	clock      clockwork.FakeClock
	workflows  *repository.MemoryWorkflowStore
	auditStore *repository.MemoryAuditStore
	recorder   *audit.Recorder
	registry   *registry.Registry
	roles      *client.StaticRoleProvider
	dispatcher *recordingDispatcher
	listener   *approvalRecorder
	engine     *ApprovalEngine
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func (s *EngineTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	s.workflows = repository.NewMemoryWorkflowStore()
	s.auditStore = repository.NewMemoryAuditStore()

	rec, err := audit.NewRecorder(s.auditStore, s.clock, audit.Config{}, logger.Nop())
	s.Require().NoError(err)
	s.recorder = rec

	reg, err := registry.Default()
	s.Require().NoError(err)
	s.registry = reg

	s.roles = client.NewStaticRoleProvider(map[string]string{
		"ops-1":    "OPERATIONS",
		"cmp-1":    "COMPLIANCE",
		"risk-1":   "RISK",
		"admin-1":  "ADMIN",
		"super-1":  "SUPER_ADMIN",
		"opsmgr-1": "OPERATIONS_MANAGER",
	})
	s.dispatcher = &recordingDispatcher{}
	s.listener = &approvalRecorder{}

	s.engine = NewApprovalEngine(s.workflows, s.registry, s.recorder, s.roles, s.dispatcher, s.clock, logger.Nop())
	s.engine.AddApprovalListener(s.listener)
}

func (s *EngineTestSuite) create(app string) *repository.ApprovalWorkflow {
	wf, err := s.engine.Create(s.ctx, "mem-"+app, app)
	s.Require().NoError(err)
	return wf
}

func (s *EngineTestSuite) approve(wf *repository.ApprovalWorkflow, stage string) (*ApprovalActionResult, error) {
	return s.engine.SubmitDecision(s.ctx, DecisionRequest{
		WorkflowID: wf.ID,
		Stage:      stage,
		ActorID:    stageActors[stage],
		Decision:   Approve{VerifiedDocs: stageDocuments[stage]},
	})
}

func (s *EngineTestSuite) trail(id string) []*repository.AuditLogEntry {
	entries, err := s.recorder.Trail(s.ctx, id)
	s.Require().NoError(err)
	return entries
}

func eventTypes(entries []*repository.AuditLogEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.EventType)
	}
	return out
}

func countEvents(entries []*repository.AuditLogEntry, eventType string) int {
	n := 0
	for _, e := range entries {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

func (s *EngineTestSuite) TestCreateStartsFirstStage() {
	wf := s.create("app-1")

	s.Equal(repository.WorkflowInProgress, wf.Status)
	s.Equal(stageDocs, wf.CurrentStage)
	s.Require().Len(wf.Stages, 4)
	s.Equal(repository.StageInProgress, wf.Stages[0].Status)
	s.NotNil(wf.Stages[0].StartedAt)
	for _, sd := range wf.Stages[1:] {
		s.Equal(repository.StagePending, sd.Status)
	}
	s.Equal([]string{audit.EventWorkflowCreated, audit.EventStageStarted}, eventTypes(s.trail(wf.ID)))

	s.engine.Wait()
	assigned := s.dispatcher.byTemplate(TemplateStageAssigned)
	s.Require().Len(assigned, 1)
	s.Equal([]string{"role:OPERATIONS", "role:ADMIN"}, assigned[0].recipients)
}

func (s *EngineTestSuite) TestCreateRejectsDuplicateApplication() {
	s.create("app-1")
	_, err := s.engine.Create(s.ctx, "mem-other", "app-1")
	s.True(errors.Is(err, errors.ErrDuplicateApplication))

	_, err = s.engine.Create(s.ctx, "", "app-2")
	s.True(errors.Is(err, errors.ErrValidation))
}

func (s *EngineTestSuite) TestHappyPathApprovesEveryStage() {
	wf := s.create("app-1")

	for i, stage := range s.registry.Stages() {
		s.clock.Advance(time.Hour)
		res, err := s.approve(wf, stage)
		s.Require().NoError(err, stage)
		s.Equal(stage, res.Stage)
		if i < 3 {
			s.Equal(s.registry.Stages()[i+1], res.NextStage)
			s.Equal(repository.WorkflowInProgress, res.NewStatus)
		}
	}

	got, err := s.engine.GetWorkflow(s.ctx, wf.ID)
	s.Require().NoError(err)
	s.Equal(repository.WorkflowCompleted, got.Status)
	s.Equal(repository.FinalDecisionApproved, got.FinalDecision)
	s.Equal([]string{"ops-1", "cmp-1", "risk-1", "admin-1"}, got.ApprovedBy)
	s.NotNil(got.CompletedAt)
	for _, sd := range got.Stages {
		s.Equal(repository.StageCompleted, sd.Status)
	}

	entries := s.trail(wf.ID)
	s.Len(entries, 10)
	s.Equal(4, countEvents(entries, audit.EventStageCompleted))
	s.Equal(1, countEvents(entries, audit.EventWorkflowCompleted))
	s.Equal(audit.EventWorkflowCompleted, entries[len(entries)-1].EventType)

	s.engine.Wait()
	s.Require().Len(s.listener.approved, 1)
	s.Equal("mem-app-1", s.listener.approved[0].MemberID)
	s.Len(s.dispatcher.byTemplate(TemplateApplicationApproved), 1)
}

func (s *EngineTestSuite) TestApprovedByKeepsOneEntryPerStage() {
	wf := s.create("app-1")
	for _, stage := range s.registry.Stages() {
		_, err := s.engine.SubmitDecision(s.ctx, DecisionRequest{
			WorkflowID: wf.ID, Stage: stage, ActorID: "admin-1",
			Decision: Approve{VerifiedDocs: stageDocuments[stage]},
		})
		s.Require().NoError(err, stage)
	}

	got, err := s.engine.GetWorkflow(s.ctx, wf.ID)
	s.Require().NoError(err)
	s.Equal(repository.WorkflowCompleted, got.Status)
	s.Equal([]string{"admin-1", "admin-1", "admin-1", "admin-1"}, got.ApprovedBy)
}

func (s *EngineTestSuite) TestUnauthorizedRoleLeavesWorkflowUntouched() {
	wf := s.create("app-1")

	_, err := s.engine.SubmitDecision(s.ctx, DecisionRequest{
		WorkflowID: wf.ID,
		Stage:      stageDocs,
		ActorID:    "cmp-1",
		Decision:   Approve{VerifiedDocs: stageDocuments[stageDocs]},
		ClientInfo: &repository.ClientInfo{IPAddress: "10.0.0.5"},
	})
	s.Require().Error(err)
	s.True(errors.Is(err, errors.ErrAuthorization))

	got, err := s.engine.GetWorkflow(s.ctx, wf.ID)
	s.Require().NoError(err)
	s.Equal(wf.Version, got.Version)
	s.Equal(stageDocs, got.CurrentStage)
	s.Empty(got.ApprovedBy)

	entries := s.trail(wf.ID)
	s.Equal(1, countEvents(entries, audit.EventDecisionFailed))
	failed := entries[len(entries)-1]
	s.Equal(audit.EventDecisionFailed, failed.EventType)
	s.False(failed.Result.Success)
	s.Equal("cmp-1", failed.PerformedBy)
	s.Equal("COMPLIANCE", failed.PerformedByRole)
	s.Equal(audit.CategorySecurity, failed.Category)
	s.Equal("10.0.0.5", failed.ClientInfo.IPAddress)
}

func (s *EngineTestSuite) TestUnknownActorIsUnauthorized() {
	wf := s.create("app-1")
	_, err := s.engine.SubmitDecision(s.ctx, DecisionRequest{
		WorkflowID: wf.ID, Stage: stageDocs, ActorID: "stranger",
		Decision: Approve{VerifiedDocs: stageDocuments[stageDocs]},
	})
	s.True(errors.Is(err, errors.ErrAuthorization))
}

func (s *EngineTestSuite) TestRejectionTerminatesWorkflow() {
	wf := s.create("app-1")
	_, err := s.approve(wf, stageDocs)
	s.Require().NoError(err)

	res, err := s.engine.SubmitDecision(s.ctx, DecisionRequest{
		WorkflowID: wf.ID,
		Stage:      stageCompliance,
		ActorID:    "cmp-1",
		Decision:   Reject{Reason: "sanctions hit", RejectedDocs: []string{"aml_screening"}},
	})
	s.Require().NoError(err)
	s.Equal(repository.WorkflowRejected, res.NewStatus)

	got := res.Workflow
	s.Equal(repository.FinalDecisionRejected, got.FinalDecision)
	s.Equal("cmp-1", got.RejectedBy)
	s.Equal("sanctions hit", got.RejectionReason)
	s.Equal(repository.StageRejected, got.Stage(stageCompliance).Status)
	s.Equal([]string{"aml_screening"}, got.Stage(stageCompliance).RejectedDocuments)
	s.Equal(repository.StageSkipped, got.Stage(stageRisk).Status)
	s.Equal(repository.StageSkipped, got.Stage(stageFinal).Status)

	entries := s.trail(wf.ID)
	s.Equal(1, countEvents(entries, audit.EventStageRejected))
	s.Equal(1, countEvents(entries, audit.EventWorkflowRejected))
	// only the first two stages were ever started
	s.Equal(2, countEvents(entries, audit.EventStageStarted))

	// terminal: nothing further is accepted
	_, err = s.approve(wf, stageRisk)
	s.True(errors.Is(err, errors.ErrStaleStage))

	s.engine.Wait()
	s.Empty(s.listener.approved)
	s.Len(s.dispatcher.byTemplate(TemplateApplicationRejected), 1)
}

func (s *EngineTestSuite) TestRejectRequiresReason() {
	wf := s.create("app-1")
	_, err := s.engine.SubmitDecision(s.ctx, DecisionRequest{
		WorkflowID: wf.ID, Stage: stageDocs, ActorID: "ops-1", Decision: Reject{},
	})
	s.True(errors.Is(err, errors.ErrValidation))
}

func (s *EngineTestSuite) TestDoubleApprovalIsStale() {
	wf := s.create("app-1")
	_, err := s.approve(wf, stageDocs)
	s.Require().NoError(err)

	_, err = s.approve(wf, stageDocs)
	s.Require().Error(err)
	s.True(errors.Is(err, errors.ErrStaleStage))

	got, err := s.engine.GetWorkflow(s.ctx, wf.ID)
	s.Require().NoError(err)
	s.Equal([]string{"ops-1"}, got.ApprovedBy)
	s.Equal(stageCompliance, got.CurrentStage)
	s.Equal(1, countEvents(s.trail(wf.ID), audit.EventDecisionFailed))
}

func (s *EngineTestSuite) TestConcurrentApprovalsApplyOnce() {
	wf := s.create("app-1")

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		stale     int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.approve(wf, stageDocs)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if errors.Is(err, errors.ErrStaleStage) {
				stale++
			}
		}()
	}
	wg.Wait()

	s.Equal(1, successes)
	s.Equal(n-1, stale)
	got, err := s.engine.GetWorkflow(s.ctx, wf.ID)
	s.Require().NoError(err)
	s.Equal([]string{"ops-1"}, got.ApprovedBy)
	s.Equal(1, countEvents(s.trail(wf.ID), audit.EventStageCompleted))
}

func (s *EngineTestSuite) TestApproveRequiresDocuments() {
	wf := s.create("app-1")
	_, err := s.engine.SubmitDecision(s.ctx, DecisionRequest{
		WorkflowID: wf.ID, Stage: stageDocs, ActorID: "ops-1",
		Decision: Approve{VerifiedDocs: []string{"proof_of_address"}},
	})
	s.Require().Error(err)
	s.True(errors.Is(err, errors.ErrValidation))
	s.Contains(err.Error(), "certificate_of_incorporation")

	// stages without required documents approve without any
	wf2 := s.create("app-2")
	for _, stage := range []string{stageDocs, stageCompliance} {
		_, err := s.approve(wf2, stage)
		s.Require().NoError(err)
	}
	_, err = s.engine.SubmitDecision(s.ctx, DecisionRequest{
		WorkflowID: wf2.ID, Stage: stageRisk, ActorID: "risk-1", Decision: Approve{},
	})
	s.NoError(err)
}

func (s *EngineTestSuite) TestRequestMoreInfoKeepsStageOpen() {
	wf := s.create("app-1")
	res, err := s.engine.SubmitDecision(s.ctx, DecisionRequest{
		WorkflowID: wf.ID, Stage: stageDocs, ActorID: "ops-1",
		Decision: RequestMoreInfo{Comments: "proof of address is older than 3 months", RequestedDocs: []string{"proof_of_address"}},
	})
	s.Require().NoError(err)
	s.Equal(repository.WorkflowInProgress, res.NewStatus)
	s.Equal(stageDocs, res.Workflow.CurrentStage)
	s.Equal(repository.StageInProgress, res.Workflow.Stage(stageDocs).Status)
	s.Equal(string(DecisionRequestMoreInfo), res.Workflow.Stage(stageDocs).Decision)
	s.Require().Len(res.Workflow.Notes, 1)
	s.Contains(res.Workflow.Notes[0], "proof of address")

	s.engine.Wait()
	sent := s.dispatcher.byTemplate(TemplateMoreInfoRequested)
	s.Require().Len(sent, 1)
	s.Equal([]string{"mem-app-1"}, sent[0].recipients)

	_, err = s.engine.SubmitDecision(s.ctx, DecisionRequest{
		WorkflowID: wf.ID, Stage: stageDocs, ActorID: "ops-1", Decision: RequestMoreInfo{},
	})
	s.True(errors.Is(err, errors.ErrValidation))
}

func (s *EngineTestSuite) TestEscalationHandsStageToEscalationRoles() {
	wf := s.create("app-1")

	res, err := s.engine.SubmitDecision(s.ctx, DecisionRequest{
		WorkflowID: wf.ID, Stage: stageDocs, ActorID: "ops-1", Decision: Escalate{Reason: "unclear ownership"},
	})
	s.Require().NoError(err)
	s.Equal(repository.WorkflowEscalated, res.NewStatus)
	s.Equal("ops-1", res.Workflow.EscalatedBy)
	s.NotNil(res.Workflow.EscalatedAt)

	// escalating twice is refused
	_, err = s.engine.SubmitDecision(s.ctx, DecisionRequest{
		WorkflowID: wf.ID, Stage: stageDocs, ActorID: "opsmgr-1", Decision: Escalate{},
	})
	s.True(errors.Is(err, errors.ErrValidation))

	// the original role can no longer decide
	_, err = s.approve(wf, stageDocs)
	s.True(errors.Is(err, errors.ErrAuthorization))

	res, err = s.engine.SubmitDecision(s.ctx, DecisionRequest{
		WorkflowID: wf.ID, Stage: stageDocs, ActorID: "opsmgr-1",
		Decision: Approve{VerifiedDocs: stageDocuments[stageDocs]},
	})
	s.Require().NoError(err)
	s.Equal(repository.WorkflowEscalated, res.PreviousStatus)
	s.Equal(repository.WorkflowInProgress, res.NewStatus)
	s.Equal(stageCompliance, res.NextStage)

	s.engine.Wait()
	escalated := s.dispatcher.byTemplate(TemplateStageEscalated)
	s.Require().Len(escalated, 1)
	s.ElementsMatch([]string{"role:OPERATIONS_MANAGER", "role:ADMIN"}, escalated[0].recipients)
}

func (s *EngineTestSuite) TestSystemActorMayOnlyEscalate() {
	wf := s.create("app-1")
	_, err := s.engine.SubmitDecision(s.ctx, DecisionRequest{
		WorkflowID: wf.ID, Stage: stageDocs, ActorID: audit.SystemActor,
		Decision: Approve{VerifiedDocs: stageDocuments[stageDocs]},
	})
	s.True(errors.Is(err, errors.ErrAuthorization))

	_, err = s.engine.SubmitDecision(s.ctx, DecisionRequest{
		WorkflowID: wf.ID, Stage: stageDocs, ActorID: audit.SystemActor, Decision: Escalate{Reason: "timeout"},
	})
	s.NoError(err)
}

func (s *EngineTestSuite) TestDecisionOnMissingWorkflow() {
	_, err := s.engine.SubmitDecision(s.ctx, DecisionRequest{
		WorkflowID: "nope", Stage: stageDocs, ActorID: "ops-1", Decision: Approve{},
	})
	s.True(errors.Is(err, errors.ErrNotFound))
	s.Equal(1, countEvents(s.trail("nope"), audit.EventDecisionFailed))
}

func (s *EngineTestSuite) TestNotificationFailureIsAuditedNotPropagated() {
	s.dispatcher.err = assertErr("smtp relay down")
	wf := s.create("app-1")

	_, err := s.approve(wf, stageDocs)
	s.Require().NoError(err)
	s.engine.Wait()

	failed := countEvents(s.trail(wf.ID), audit.EventNotificationFailed)
	s.Equal(2, failed)
}

func (s *EngineTestSuite) TestMarkOverdueOnlyOnce() {
	wf := s.create("app-1")

	marked, err := s.engine.MarkOverdue(s.ctx, wf.ID, stageDocs)
	s.Require().NoError(err)
	s.False(marked, "within timeout")

	s.clock.Advance(25 * time.Hour)
	marked, err = s.engine.MarkOverdue(s.ctx, wf.ID, stageDocs)
	s.Require().NoError(err)
	s.True(marked)

	marked, err = s.engine.MarkOverdue(s.ctx, wf.ID, stageDocs)
	s.Require().NoError(err)
	s.False(marked)

	got, err := s.engine.GetWorkflow(s.ctx, wf.ID)
	s.Require().NoError(err)
	s.True(got.Stage(stageDocs).IsOverdue)
	s.Equal(1, countEvents(s.trail(wf.ID), audit.EventStageOverdue))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

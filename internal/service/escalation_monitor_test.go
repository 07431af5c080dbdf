package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-onboarding/internal/audit"
	"github.com/pesio-ai/be-onboarding/internal/repository"
)

func (s *EngineTestSuite) monitor() *EscalationMonitor {
	return NewEscalationMonitor(s.engine, s.registry, s.recorder, s.clock, time.Minute, time.Hour, s.engine.log)
}

func (s *EngineTestSuite) TestMonitorEscalatesOverdueStageOnce() {
	late := s.create("app-late")
	s.clock.Advance(20 * time.Hour)
	fresh := s.create("app-fresh")
	s.clock.Advance(5 * time.Hour)

	m := s.monitor()
	res, err := m.Scan(s.ctx)
	s.Require().NoError(err)
	s.Equal(ScanResult{Checked: 2, Overdue: 1, Escalated: 1}, res)

	got, err := s.engine.GetWorkflow(s.ctx, late.ID)
	s.Require().NoError(err)
	s.Equal(repository.WorkflowEscalated, got.Status)
	s.Equal(audit.SystemActor, got.EscalatedBy)
	s.True(got.Stage(stageDocs).IsOverdue)

	other, err := s.engine.GetWorkflow(s.ctx, fresh.ID)
	s.Require().NoError(err)
	s.Equal(repository.WorkflowInProgress, other.Status)

	// a second pass does not flag or escalate again
	res, err = m.Scan(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, res.Overdue)
	s.Equal(0, res.Escalated)

	entries := s.trail(late.ID)
	s.Equal(1, countEvents(entries, audit.EventStageOverdue))
	s.Equal(1, countEvents(entries, audit.EventWorkflowEscalated))
}

func (s *EngineTestSuite) TestMonitorFlagsAlreadyEscalatedWithoutEscalating() {
	wf := s.create("app-1")
	_, err := s.engine.SubmitDecision(s.ctx, DecisionRequest{
		WorkflowID: wf.ID, Stage: stageDocs, ActorID: "ops-1", Decision: Escalate{Reason: "manual"},
	})
	s.Require().NoError(err)
	s.clock.Advance(30 * time.Hour)

	res, err := s.monitor().Scan(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, res.Overdue)
	s.Equal(0, res.Escalated)
	s.Equal(0, res.Errors)
}

func (s *EngineTestSuite) TestMonitorIgnoresTerminalWorkflows() {
	wf := s.create("app-1")
	_, err := s.engine.SubmitDecision(s.ctx, DecisionRequest{
		WorkflowID: wf.ID, Stage: stageDocs, ActorID: "ops-1", Decision: Reject{Reason: "forged certificate"},
	})
	s.Require().NoError(err)
	s.clock.Advance(72 * time.Hour)

	res, err := s.monitor().Scan(s.ctx)
	s.Require().NoError(err)
	s.Equal(ScanResult{}, res)
}

func (s *EngineTestSuite) TestMonitorRunStopsOnCancel() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	s.NoError(s.monitor().Run(ctx))
}

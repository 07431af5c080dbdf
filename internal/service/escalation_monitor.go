package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pesio-ai/be-onboarding/internal/audit"
	"github.com/pesio-ai/be-onboarding/internal/errors"
	"github.com/pesio-ai/be-onboarding/internal/logger"
	"github.com/pesio-ai/be-onboarding/internal/registry"
	"github.com/pesio-ai/be-onboarding/internal/repository"
)

// ScanResult summarizes one monitor pass.
type ScanResult struct {
	Checked   int
	Overdue   int
	Escalated int
	Errors    int
}

// EscalationMonitor periodically flags stages that exceeded their timeout
// and escalates them as the system actor. It also purges expired audit
// entries on its own, slower interval.
type EscalationMonitor struct {
	engine        *ApprovalEngine
	registry      *registry.Registry
	recorder      *audit.Recorder
	clock         clockwork.Clock
	interval      time.Duration
	purgeInterval time.Duration
	log           *logger.Logger
}

// NewEscalationMonitor creates a new EscalationMonitor. A zero
// purgeInterval disables purging.
func NewEscalationMonitor(
	engine *ApprovalEngine,
	reg *registry.Registry,
	recorder *audit.Recorder,
	clock clockwork.Clock,
	interval, purgeInterval time.Duration,
	log *logger.Logger,
) *EscalationMonitor {
	return &EscalationMonitor{
		engine:        engine,
		registry:      reg,
		recorder:      recorder,
		clock:         clock,
		interval:      interval,
		purgeInterval: purgeInterval,
		log:           log.Component("escalation-monitor"),
	}
}

// Run scans every interval until ctx is cancelled.
func (m *EscalationMonitor) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	var purge <-chan time.Time
	if m.purgeInterval > 0 {
		purgeTicker := m.clock.NewTicker(m.purgeInterval)
		defer purgeTicker.Stop()
		purge = purgeTicker.Chan()
	}

	m.log.Info().Dur("interval", m.interval).Dur("purge_interval", m.purgeInterval).Msg("Escalation monitor started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("Escalation monitor stopped")
			return nil
		case <-ticker.Chan():
			if _, err := m.Scan(ctx); err != nil {
				m.log.Error().Err(err).Msg("Escalation scan failed")
			}
		case <-purge:
			if _, err := m.recorder.PurgeExpired(ctx); err != nil {
				m.log.Error().Err(err).Msg("Audit purge failed")
			}
		}
	}
}

// Scan checks every active workflow once. A stage past its timeout is
// flagged overdue exactly once and, unless the workflow is already
// escalated, escalated to the stage's timeout roles.
func (m *EscalationMonitor) Scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult

	workflows, err := m.engine.ListWorkflows(ctx, repository.WorkflowFilter{
		Statuses: []repository.WorkflowStatus{repository.WorkflowInProgress, repository.WorkflowEscalated},
	})
	if err != nil {
		return res, err
	}

	now := m.clock.Now()
	for _, wf := range workflows {
		res.Checked++
		sd := wf.Stage(wf.CurrentStage)
		if sd == nil || sd.IsOverdue || sd.StartedAt == nil || sd.TimeoutHours <= 0 {
			continue
		}
		if now.Sub(*sd.StartedAt) <= time.Duration(sd.TimeoutHours)*time.Hour {
			continue
		}

		marked, err := m.engine.MarkOverdue(ctx, wf.ID, sd.Stage)
		if err != nil {
			res.Errors++
			m.log.Warn().Err(err).Str("workflow_id", wf.ID).Str("stage", sd.Stage).Msg("Failed to mark stage overdue")
			continue
		}
		if !marked {
			continue
		}
		res.Overdue++

		if wf.Status == repository.WorkflowEscalated {
			continue
		}
		stage, ok := m.registry.Get(sd.Stage)
		if !ok || len(stage.EscalationRoles(registry.ConditionTimeout)) == 0 {
			continue
		}

		_, err = m.engine.SubmitDecision(ctx, DecisionRequest{
			WorkflowID: wf.ID,
			Stage:      sd.Stage,
			ActorID:    audit.SystemActor,
			Decision:   Escalate{Reason: fmt.Sprintf("stage exceeded its %dh timeout", sd.TimeoutHours)},
		})
		switch {
		case err == nil:
			res.Escalated++
		case errors.Is(err, errors.ErrStaleStage):
			// a reviewer acted between the scan and the escalation
		default:
			res.Errors++
			m.log.Warn().Err(err).Str("workflow_id", wf.ID).Str("stage", sd.Stage).Msg("Failed to escalate overdue stage")
		}
	}

	if res.Overdue > 0 || res.Errors > 0 {
		m.log.Info().
			Int("checked", res.Checked).
			Int("overdue", res.Overdue).
			Int("escalated", res.Escalated).
			Int("errors", res.Errors).
			Msg("Escalation scan finished")
	}
	return res, nil
}

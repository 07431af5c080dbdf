package service

import (
	"context"
	"sync"

	"github.com/pesio-ai/be-onboarding/internal/audit"
	"github.com/pesio-ai/be-onboarding/internal/client"
	"github.com/pesio-ai/be-onboarding/internal/logger"
	"github.com/pesio-ai/be-onboarding/internal/metrics"
	"github.com/pesio-ai/be-onboarding/internal/repository"
)

// Notification templates.
const (
	TemplateStageAssigned       = "onboarding_stage_assigned"
	TemplateStageEscalated      = "onboarding_stage_escalated"
	TemplateMoreInfoRequested   = "onboarding_more_info_requested"
	TemplateApplicationApproved = "onboarding_application_approved"
	TemplateApplicationRejected = "onboarding_application_rejected"
	TemplateWelcome             = "onboarding_welcome"
	TemplateProvisioningFailed  = "onboarding_provisioning_failed"
)

// roleRecipient addresses every holder of a role.
func roleRecipient(role string) string { return "role:" + role }

func roleRecipients(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, roleRecipient(r))
	}
	return out
}

type notice struct {
	recipients []string
	template   string
	payload    map[string]any
}

// notifier sends notifications in the background. A failed delivery is
// logged, counted and audited as EMAIL_FAILED; it never reaches the caller.
type notifier struct {
	dispatcher client.NotificationDispatcher
	recorder   *audit.Recorder
	log        *logger.Logger
	wg         sync.WaitGroup
}

func newNotifier(dispatcher client.NotificationDispatcher, recorder *audit.Recorder, log *logger.Logger) *notifier {
	return &notifier{dispatcher: dispatcher, recorder: recorder, log: log}
}

func (n *notifier) send(ctx context.Context, targetType, targetID string, nt notice) {
	if n.dispatcher == nil || len(nt.recipients) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		err := n.dispatcher.Notify(ctx, nt.recipients, nt.template, nt.payload)
		if err == nil {
			return
		}

		metrics.NotificationFailuresTotal.WithLabelValues(nt.template).Inc()
		n.log.Warn().Err(err).
			Str("template", nt.template).
			Str("target_id", targetID).
			Msg("notification delivery failed (non-fatal)")
		n.recorder.Record(ctx, &repository.AuditLogEntry{
			EventType:        audit.EventNotificationFailed,
			Level:            repository.LevelWarning,
			Category:         audit.CategoryNotification,
			PerformedBy:      audit.SystemActor,
			TargetEntityType: targetType,
			TargetEntityID:   targetID,
			CorrelationID:    targetID,
			Details: repository.AuditDetails{
				Description: "notification " + nt.template + " could not be delivered",
				Metadata:    map[string]any{"template": nt.template, "recipients": nt.recipients},
			},
			Result: repository.AuditResult{Success: false, Error: err.Error()},
		})
	}()
}

func (n *notifier) wait() { n.wg.Wait() }

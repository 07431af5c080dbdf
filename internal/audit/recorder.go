package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pesio-ai/be-onboarding/internal/errors"
	"github.com/pesio-ai/be-onboarding/internal/logger"
	"github.com/pesio-ai/be-onboarding/internal/metrics"
	"github.com/pesio-ai/be-onboarding/internal/repository"
)

// Event types written by the workflow engine and provisioning saga.
const (
	EventWorkflowCreated     = "WORKFLOW_CREATED"
	EventWorkflowCompleted   = "WORKFLOW_COMPLETED"
	EventWorkflowRejected    = "WORKFLOW_REJECTED"
	EventWorkflowEscalated   = "WORKFLOW_ESCALATED"
	EventStageStarted        = "STAGE_STARTED"
	EventStageCompleted      = "STAGE_COMPLETED"
	EventStageRejected       = "STAGE_REJECTED"
	EventStageInfoRequested  = "STAGE_INFO_REQUESTED"
	EventStageOverdue        = "STAGE_OVERDUE"
	EventDecisionFailed      = "DECISION_FAILED"
	EventProcessCreated      = "PROVISIONING_CREATED"
	EventProcessStarted      = "PROVISIONING_STARTED"
	EventProcessCompleted    = "PROVISIONING_COMPLETED"
	EventProcessFailed       = "PROVISIONING_FAILED"
	EventProcessCancelled    = "PROVISIONING_CANCELLED"
	EventStepStarted         = "STEP_STARTED"
	EventStepCompleted       = "STEP_COMPLETED"
	EventStepExecutionError  = "STEP_EXECUTION_ERROR"
	EventStepExhausted       = "STEP_EXHAUSTED"
	EventNotificationFailed  = "EMAIL_FAILED"
	EventAuditEntriesPurged  = "AUDIT_ENTRIES_PURGED"
)

// Categories group event types for reporting.
const (
	CategoryWorkflow     = "APPROVAL_WORKFLOW"
	CategoryProvisioning = "PROVISIONING"
	CategoryNotification = "NOTIFICATION"
	CategorySecurity     = "SECURITY"
	CategorySystem       = "SYSTEM"
)

// SystemActor is the performedBy value of automated transitions.
const SystemActor = "system"

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Config tunes retention and anomaly heuristics.
type Config struct {
	RetentionDays      int
	InternalCIDRs      []string
	BusinessHoursStart int
	BusinessHoursEnd   int
	BurstWindow        time.Duration
	BurstThreshold     int
	Location           *time.Location
}

// Recorder is the AuditRecorder: an append-only log over an AuditStore.
type Recorder struct {
	store    repository.AuditStore
	clock    clockwork.Clock
	cfg      Config
	analyzer *analyzer
	log      *logger.Logger
}

// NewRecorder creates a Recorder. Invalid CIDRs are reported as an error.
func NewRecorder(store repository.AuditStore, clock clockwork.Clock, cfg Config, log *logger.Logger) (*Recorder, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 2555
	}
	if cfg.BusinessHoursEnd == 0 {
		cfg.BusinessHoursStart, cfg.BusinessHoursEnd = 8, 18
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = 5 * time.Minute
	}
	if cfg.BurstThreshold <= 0 {
		cfg.BurstThreshold = 5
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	a, err := newAnalyzer(cfg)
	if err != nil {
		return nil, err
	}
	return &Recorder{store: store, clock: clock, cfg: cfg, analyzer: a, log: log.Component("audit")}, nil
}

// Append persists an immutable entry, filling id, timestamp and retention
// when unset.
func (r *Recorder) Append(ctx context.Context, entry *repository.AuditLogEntry) error {
	if entry.EventType == "" {
		return errors.InvalidInput("event_type", "audit entry requires an event type")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.clock.Now()
	}
	if entry.RetentionPeriod <= 0 {
		entry.RetentionPeriod = r.cfg.RetentionDays
	}
	if entry.Level == "" {
		entry.Level = repository.LevelInfo
	}
	if entry.PerformedBy == "" {
		entry.PerformedBy = SystemActor
	}
	return r.store.Append(ctx, entry)
}

// Record appends an entry and logs a warning on failure. Audit write
// failures never fail the transition that produced them.
func (r *Recorder) Record(ctx context.Context, entry *repository.AuditLogEntry) {
	if err := r.Append(ctx, entry); err != nil {
		metrics.AuditWriteFailuresTotal.Inc()
		r.log.Warn().Err(err).
			Str("event_type", entry.EventType).
			Str("target_id", entry.TargetEntityID).
			Msg("Failed to write audit log entry")
	}
}

// QueryResult is one page of audit entries.
type QueryResult struct {
	Entries []*repository.AuditLogEntry `json:"entries"`
	Total   int                         `json:"total"`
	Limit   int                         `json:"limit"`
	Offset  int                         `json:"offset"`
}

// Query returns matching entries newest-first, paginated.
func (r *Recorder) Query(ctx context.Context, filter repository.AuditFilter) (*QueryResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		return nil, errors.InvalidInput("offset", "must not be negative")
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, errors.InvalidInput("to", "must not be before from")
	}

	entries, total, err := r.store.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*repository.AuditLogEntry{}
	}
	return &QueryResult{Entries: entries, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// Trail returns every entry correlated with a workflow or process id,
// oldest first.
func (r *Recorder) Trail(ctx context.Context, correlationID string) ([]*repository.AuditLogEntry, error) {
	entries, _, err := r.store.Query(ctx, repository.AuditFilter{CorrelationID: correlationID})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// PurgeExpired removes entries whose retention elapsed and records the purge.
func (r *Recorder) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := r.store.PurgeExpired(ctx, r.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.Record(ctx, &repository.AuditLogEntry{
			EventType:        EventAuditEntriesPurged,
			Category:         CategorySystem,
			TargetEntityType: "audit_log",
			TargetEntityID:   "audit_log",
			Details: repository.AuditDetails{
				Description: "expired audit entries purged",
				Metadata:    map[string]any{"purged": n},
			},
			Result: repository.AuditResult{Success: true},
		})
		r.log.Info().Int64("purged", n).Msg("Expired audit entries purged")
	}
	return n, nil
}

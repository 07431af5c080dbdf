package repository

import (
	"encoding/json"
	"time"
)

// ── Approval workflow ────────────────────────────────────────────────────────

// WorkflowStatus is the lifecycle state of an ApprovalWorkflow.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "PENDING"
	WorkflowInProgress WorkflowStatus = "IN_PROGRESS"
	WorkflowCompleted  WorkflowStatus = "COMPLETED"
	WorkflowRejected   WorkflowStatus = "REJECTED"
	WorkflowEscalated  WorkflowStatus = "ESCALATED"
)

// Terminal reports whether no further transition can happen.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowRejected
}

// StageStatus is the lifecycle state of one approval stage.
type StageStatus string

const (
	StagePending    StageStatus = "PENDING"
	StageInProgress StageStatus = "IN_PROGRESS"
	StageCompleted  StageStatus = "COMPLETED"
	StageRejected   StageStatus = "REJECTED"
	StageSkipped    StageStatus = "SKIPPED"
	StageOverdue    StageStatus = "OVERDUE"
)

const (
	FinalDecisionApproved = "approved"
	FinalDecisionRejected = "rejected"
)

// ApprovalWorkflow is the approval state of one member application.
// Exactly one exists per ApplicationID.
type ApprovalWorkflow struct {
	ID              string         `json:"id"`
	MemberID        string         `json:"member_id"`
	ApplicationID   string         `json:"application_id"`
	CurrentStage    string         `json:"current_stage"`
	Status          WorkflowStatus `json:"status"`
	Stages          []*StageDetail `json:"stages"`
	FinalDecision   string         `json:"final_decision,omitempty"`
	ApprovedBy      []string       `json:"approved_by"`
	RejectedBy      string         `json:"rejected_by,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	EscalatedAt     *time.Time     `json:"escalated_at,omitempty"`
	EscalatedBy     string         `json:"escalated_by,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Notes           []string       `json:"notes,omitempty"`
	Version         int64          `json:"version"`
}

// StageDetail is one approval stage within a workflow.
type StageDetail struct {
	Stage             string      `json:"stage"`
	Status            StageStatus `json:"status"`
	AssignedTo        string      `json:"assigned_to,omitempty"`
	RequiredRoles     []string    `json:"required_roles"`
	StartedAt         *time.Time  `json:"started_at,omitempty"`
	CompletedAt       *time.Time  `json:"completed_at,omitempty"`
	Decision          string      `json:"decision,omitempty"`
	Comments          string      `json:"comments,omitempty"`
	RequiredDocuments []string    `json:"required_documents"`
	VerifiedDocuments []string    `json:"verified_documents"`
	RejectedDocuments []string    `json:"rejected_documents"`
	TimeoutHours      int         `json:"timeout_hours"`
	IsOverdue         bool        `json:"is_overdue"`
}

// Stage returns the stage detail with the given id, or nil.
func (w *ApprovalWorkflow) Stage(id string) *StageDetail {
	for _, s := range w.Stages {
		if s.Stage == id {
			return s
		}
	}
	return nil
}

// StageIndex returns the position of a stage, or -1.
func (w *ApprovalWorkflow) StageIndex(id string) int {
	for i, s := range w.Stages {
		if s.Stage == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy.
func (w *ApprovalWorkflow) Clone() *ApprovalWorkflow {
	out := *w
	out.Stages = make([]*StageDetail, len(w.Stages))
	for i, s := range w.Stages {
		sc := *s
		sc.RequiredRoles = cloneStrings(s.RequiredRoles)
		sc.RequiredDocuments = cloneStrings(s.RequiredDocuments)
		sc.VerifiedDocuments = cloneStrings(s.VerifiedDocuments)
		sc.RejectedDocuments = cloneStrings(s.RejectedDocuments)
		sc.StartedAt = cloneTime(s.StartedAt)
		sc.CompletedAt = cloneTime(s.CompletedAt)
		out.Stages[i] = &sc
	}
	out.ApprovedBy = cloneStrings(w.ApprovedBy)
	out.Notes = cloneStrings(w.Notes)
	out.EscalatedAt = cloneTime(w.EscalatedAt)
	out.StartedAt = cloneTime(w.StartedAt)
	out.CompletedAt = cloneTime(w.CompletedAt)
	return &out
}

// ── Provisioning saga ────────────────────────────────────────────────────────

// ProcessStatus is shared by provisioning processes and their steps.
type ProcessStatus string

const (
	ProcessPending    ProcessStatus = "PENDING"
	ProcessInProgress ProcessStatus = "IN_PROGRESS"
	ProcessCompleted  ProcessStatus = "COMPLETED"
	ProcessFailed     ProcessStatus = "FAILED"
)

func (s ProcessStatus) Terminal() bool {
	return s == ProcessCompleted || s == ProcessFailed
}

// ProvisioningProcess is the saga run for one approved member. Created once
// per member and never re-created.
type ProvisioningProcess struct {
	ID                string              `json:"id"`
	MemberID          string              `json:"member_id"`
	WorkflowID        string              `json:"workflow_id,omitempty"`
	TriggerEvent      string              `json:"trigger_event"`
	Status            ProcessStatus       `json:"status"`
	Steps             []*StepDetail       `json:"steps"`
	CreatedAt         time.Time           `json:"created_at"`
	StartedAt         *time.Time          `json:"started_at,omitempty"`
	CompletedAt       *time.Time          `json:"completed_at,omitempty"`
	UpdatedAt         time.Time           `json:"updated_at"`
	Error             string              `json:"error,omitempty"`
	Result            *ProvisioningResult `json:"result,omitempty"`
	CancelRequestedBy string              `json:"cancel_requested_by,omitempty"`
	Version           int64               `json:"version"`
}

// StepDetail is one saga step.
type StepDetail struct {
	Step        string         `json:"step"`
	Name        string         `json:"name"`
	Status      ProcessStatus  `json:"status"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
}

// ProvisioningResult aggregates each completed step's output.
type ProvisioningResult struct {
	ProcessID   string                    `json:"process_id"`
	MemberID    string                    `json:"member_id"`
	CompletedAt time.Time                 `json:"completed_at"`
	Outputs     map[string]map[string]any `json:"outputs"`
}

// StepByID returns the step with the given id, or nil.
func (p *ProvisioningProcess) StepByID(id string) *StepDetail {
	for _, s := range p.Steps {
		if s.Step == id {
			return s
		}
	}
	return nil
}

// Clone returns a deep copy. Result payloads are copied through JSON since
// they are free-form.
func (p *ProvisioningProcess) Clone() *ProvisioningProcess {
	out := *p
	out.Steps = make([]*StepDetail, len(p.Steps))
	for i, s := range p.Steps {
		sc := *s
		sc.StartedAt = cloneTime(s.StartedAt)
		sc.CompletedAt = cloneTime(s.CompletedAt)
		sc.Result = cloneMap(s.Result)
		out.Steps[i] = &sc
	}
	out.StartedAt = cloneTime(p.StartedAt)
	out.CompletedAt = cloneTime(p.CompletedAt)
	if p.Result != nil {
		r := *p.Result
		r.Outputs = make(map[string]map[string]any, len(p.Result.Outputs))
		for k, v := range p.Result.Outputs {
			r.Outputs[k] = cloneMap(v)
		}
		out.Result = &r
	}
	return &out
}

// ── Audit ────────────────────────────────────────────────────────────────────

// AuditLevel is the severity of an audit entry.
type AuditLevel string

const (
	LevelInfo     AuditLevel = "INFO"
	LevelWarning  AuditLevel = "WARNING"
	LevelError    AuditLevel = "ERROR"
	LevelCritical AuditLevel = "CRITICAL"
)

// AuditLogEntry is one immutable record in the audit log.
type AuditLogEntry struct {
	ID               string       `json:"id"`
	Timestamp        time.Time    `json:"timestamp"`
	EventType        string       `json:"event_type"`
	Level            AuditLevel   `json:"level"`
	Category         string       `json:"category"`
	PerformedBy      string       `json:"performed_by"`
	PerformedByName  string       `json:"performed_by_name,omitempty"`
	PerformedByRole  string       `json:"performed_by_role,omitempty"`
	TargetEntityType string       `json:"target_entity_type"`
	TargetEntityID   string       `json:"target_entity_id"`
	CorrelationID    string       `json:"correlation_id,omitempty"`
	Details          AuditDetails `json:"details"`
	ClientInfo       *ClientInfo  `json:"client_info,omitempty"`
	Result           AuditResult  `json:"result"`
	Tags             []string     `json:"tags,omitempty"`
	RetentionPeriod  int          `json:"retention_period"` // days
}

type AuditDetails struct {
	Description   string         `json:"description"`
	PreviousState string         `json:"previous_state,omitempty"`
	NewState      string         `json:"new_state,omitempty"`
	Changes       map[string]any `json:"changes,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type ClientInfo struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type AuditResult struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// Clone returns a deep copy of the entry.
func (e *AuditLogEntry) Clone() *AuditLogEntry {
	c := *e
	c.Tags = cloneStrings(e.Tags)
	c.Details.Changes = cloneMap(e.Details.Changes)
	c.Details.Metadata = cloneMap(e.Details.Metadata)
	if e.ClientInfo != nil {
		info := *e.ClientInfo
		c.ClientInfo = &info
	}
	return &c
}

// ExpiresAt is the earliest moment the entry may be purged.
func (e *AuditLogEntry) ExpiresAt() time.Time {
	return e.Timestamp.AddDate(0, 0, e.RetentionPeriod)
}

// HasTag reports whether the entry carries tag.
func (e *AuditLogEntry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ── Filters ──────────────────────────────────────────────────────────────────

// WorkflowFilter narrows WorkflowStore.List. Zero values match everything.
type WorkflowFilter struct {
	Statuses []WorkflowStatus
	MemberID string
	Limit    int
}

// ProcessFilter narrows ProvisioningStore.List.
type ProcessFilter struct {
	Statuses []ProcessStatus
	Limit    int
}

// AuditFilter narrows AuditStore.Query. Every populated field must match.
type AuditFilter struct {
	EventTypes     []string
	Levels         []AuditLevel
	Categories     []string
	PerformedBy    string
	TargetEntityID string
	CorrelationID  string
	From           *time.Time
	To             *time.Time
	Tags           []string
	Limit          int
	Offset         int
}

// Matches evaluates the filter in memory.
func (f AuditFilter) Matches(e *AuditLogEntry) bool {
	if len(f.EventTypes) > 0 && !containsString(f.EventTypes, e.EventType) {
		return false
	}
	if len(f.Levels) > 0 {
		found := false
		for _, l := range f.Levels {
			if l == e.Level {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Categories) > 0 && !containsString(f.Categories, e.Category) {
		return false
	}
	if f.PerformedBy != "" && f.PerformedBy != e.PerformedBy {
		return false
	}
	if f.TargetEntityID != "" && f.TargetEntityID != e.TargetEntityID {
		return false
	}
	if f.CorrelationID != "" && f.CorrelationID != e.CorrelationID {
		return false
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	for _, tag := range f.Tags {
		if !e.HasTag(tag) {
			return false
		}
	}
	return true
}

// ── helpers ──────────────────────────────────────────────────────────────────

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

package service

import (
	"github.com/pesio-ai/be-onboarding/internal/repository"
)

// DecisionKind names the four decisions a reviewer can take on a stage.
type DecisionKind string

const (
	DecisionApprove         DecisionKind = "APPROVE"
	DecisionReject          DecisionKind = "REJECT"
	DecisionRequestMoreInfo DecisionKind = "REQUEST_MORE_INFO"
	DecisionEscalate        DecisionKind = "ESCALATE"
)

// Decision is one of Approve, Reject, RequestMoreInfo or Escalate. Each
// variant carries only the fields that apply to it.
type Decision interface {
	Kind() DecisionKind
	isDecision()
}

// Approve completes the stage. VerifiedDocs are merged into the stage's
// verified set, which must cover the stage's required documents.
type Approve struct {
	VerifiedDocs []string
	Comments     string
}

// Reject terminates the workflow. Reason is required.
type Reject struct {
	Reason       string
	RejectedDocs []string
	Comments     string
}

// RequestMoreInfo keeps the stage open and asks the applicant for more.
type RequestMoreInfo struct {
	Comments      string
	RequestedDocs []string
}

// Escalate hands the stage to its escalation roles.
type Escalate struct {
	Reason string
}

func (Approve) Kind() DecisionKind         { return DecisionApprove }
func (Reject) Kind() DecisionKind          { return DecisionReject }
func (RequestMoreInfo) Kind() DecisionKind { return DecisionRequestMoreInfo }
func (Escalate) Kind() DecisionKind        { return DecisionEscalate }

func (Approve) isDecision()         {}
func (Reject) isDecision()          {}
func (RequestMoreInfo) isDecision() {}
func (Escalate) isDecision()        {}

// DecisionRequest is a reviewer's submission against one stage.
type DecisionRequest struct {
	WorkflowID string
	Stage      string
	ActorID    string
	Decision   Decision
	ClientInfo *repository.ClientInfo
}

// ApprovalActionResult reports the outcome of an accepted decision.
type ApprovalActionResult struct {
	WorkflowID        string                       `json:"workflow_id"`
	Stage             string                       `json:"stage"`
	Decision          DecisionKind                 `json:"decision"`
	PreviousStatus    repository.WorkflowStatus    `json:"previous_status"`
	NewStatus         repository.WorkflowStatus    `json:"new_status"`
	NextStage         string                       `json:"next_stage,omitempty"`
	WorkflowCompleted bool                         `json:"workflow_completed"`
	Workflow          *repository.ApprovalWorkflow `json:"workflow"`
}

package repository

import (
	"context"
	"time"
)

// WorkflowStore persists approval workflows. Update is the only mutation
// path after Create: fn runs against a private copy while the entity is
// locked, and the copy is written back only when fn returns nil.
type WorkflowStore interface {
	Create(ctx context.Context, wf *ApprovalWorkflow) error
	Get(ctx context.Context, id string) (*ApprovalWorkflow, error)
	GetByApplicationID(ctx context.Context, applicationID string) (*ApprovalWorkflow, error)
	List(ctx context.Context, filter WorkflowFilter) ([]*ApprovalWorkflow, error)
	Update(ctx context.Context, id string, fn func(wf *ApprovalWorkflow) error) (*ApprovalWorkflow, error)
}

// ProvisioningStore persists provisioning processes with the same
// per-entity update contract as WorkflowStore. Create fails with
// CONFLICT when the member already has a process.
type ProvisioningStore interface {
	Create(ctx context.Context, p *ProvisioningProcess) error
	Get(ctx context.Context, id string) (*ProvisioningProcess, error)
	GetByMemberID(ctx context.Context, memberID string) (*ProvisioningProcess, error)
	List(ctx context.Context, filter ProcessFilter) ([]*ProvisioningProcess, error)
	Update(ctx context.Context, id string, fn func(p *ProvisioningProcess) error) (*ProvisioningProcess, error)
}

// AuditStore is append-only. Query returns newest-first plus the total
// number of matches before pagination. PurgeExpired removes only entries
// whose retention period has elapsed at now.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditLogEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]*AuditLogEntry, int, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

var (
	_ WorkflowStore     = (*WorkflowRepository)(nil)
	_ WorkflowStore     = (*MemoryWorkflowStore)(nil)
	_ ProvisioningStore = (*ProvisioningRepository)(nil)
	_ ProvisioningStore = (*MemoryProvisioningStore)(nil)
	_ AuditStore        = (*AuditRepository)(nil)
	_ AuditStore        = (*MemoryAuditStore)(nil)
)

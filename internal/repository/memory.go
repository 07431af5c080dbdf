package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-onboarding/internal/errors"
)

// keyedMutex serializes work per entity id.
type keyedMutex struct {
	locks sync.Map
}

func (k *keyedMutex) lock(id string) func() {
	m, _ := k.locks.LoadOrStore(id, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// ── Workflows ────────────────────────────────────────────────────────────────

// MemoryWorkflowStore is a WorkflowStore held in process memory.
type MemoryWorkflowStore struct {
	mu    sync.RWMutex
	byID  map[string]*ApprovalWorkflow
	byApp map[string]string
	locks keyedMutex
}

// NewMemoryWorkflowStore creates an empty MemoryWorkflowStore.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		byID:  make(map[string]*ApprovalWorkflow),
		byApp: make(map[string]string),
	}
}

func (s *MemoryWorkflowStore) Create(ctx context.Context, wf *ApprovalWorkflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byApp[wf.ApplicationID]; exists {
		return errors.New(errors.ErrCodeDuplicateApplication,
			"workflow already exists for application "+wf.ApplicationID)
	}
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	wf.Version = 1
	wf.UpdatedAt = time.Now()
	s.byID[wf.ID] = wf.Clone()
	s.byApp[wf.ApplicationID] = wf.ID
	return nil
}

func (s *MemoryWorkflowStore) Get(ctx context.Context, id string) (*ApprovalWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.byID[id]
	if !ok {
		return nil, errors.NotFound("approval_workflow", id)
	}
	return wf.Clone(), nil
}

func (s *MemoryWorkflowStore) GetByApplicationID(ctx context.Context, applicationID string) (*ApprovalWorkflow, error) {
	s.mu.RLock()
	id, ok := s.byApp[applicationID]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound("approval_workflow", applicationID)
	}
	return s.Get(ctx, id)
}

func (s *MemoryWorkflowStore) List(ctx context.Context, filter WorkflowFilter) ([]*ApprovalWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ApprovalWorkflow
	for _, wf := range s.byID {
		if filter.MemberID != "" && wf.MemberID != filter.MemberID {
			continue
		}
		if len(filter.Statuses) > 0 && !hasWorkflowStatus(filter.Statuses, wf.Status) {
			continue
		}
		out = append(out, wf.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryWorkflowStore) Update(ctx context.Context, id string, fn func(wf *ApprovalWorkflow) error) (*ApprovalWorkflow, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(current); err != nil {
		return nil, err
	}
	current.Version++
	current.UpdatedAt = time.Now()

	s.mu.Lock()
	s.byID[id] = current.Clone()
	s.mu.Unlock()
	return current, nil
}

func hasWorkflowStatus(list []WorkflowStatus, v WorkflowStatus) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ── Provisioning ─────────────────────────────────────────────────────────────

// MemoryProvisioningStore is a ProvisioningStore held in process memory.
type MemoryProvisioningStore struct {
	mu       sync.RWMutex
	byID     map[string]*ProvisioningProcess
	byMember map[string]string
	locks    keyedMutex
}

// NewMemoryProvisioningStore creates an empty MemoryProvisioningStore.
func NewMemoryProvisioningStore() *MemoryProvisioningStore {
	return &MemoryProvisioningStore{
		byID:     make(map[string]*ProvisioningProcess),
		byMember: make(map[string]string),
	}
}

func (s *MemoryProvisioningStore) Create(ctx context.Context, p *ProvisioningProcess) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byMember[p.MemberID]; exists {
		return errors.New(errors.ErrCodeConflict, "provisioning process already exists for member "+p.MemberID)
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.Version = 1
	p.UpdatedAt = time.Now()
	s.byID[p.ID] = p.Clone()
	s.byMember[p.MemberID] = p.ID
	return nil
}

func (s *MemoryProvisioningStore) Get(ctx context.Context, id string) (*ProvisioningProcess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, errors.NotFound("provisioning_process", id)
	}
	return p.Clone(), nil
}

func (s *MemoryProvisioningStore) GetByMemberID(ctx context.Context, memberID string) (*ProvisioningProcess, error) {
	s.mu.RLock()
	id, ok := s.byMember[memberID]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound("provisioning_process", memberID)
	}
	return s.Get(ctx, id)
}

func (s *MemoryProvisioningStore) List(ctx context.Context, filter ProcessFilter) ([]*ProvisioningProcess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ProvisioningProcess
	for _, p := range s.byID {
		if len(filter.Statuses) > 0 {
			match := false
			for _, st := range filter.Statuses {
				if st == p.Status {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryProvisioningStore) Update(ctx context.Context, id string, fn func(p *ProvisioningProcess) error) (*ProvisioningProcess, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(current); err != nil {
		return nil, err
	}
	current.Version++
	current.UpdatedAt = time.Now()

	s.mu.Lock()
	s.byID[id] = current.Clone()
	s.mu.Unlock()
	return current, nil
}

// ── Audit ────────────────────────────────────────────────────────────────────

// MemoryAuditStore is an append-only AuditStore held in process memory.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*AuditLogEntry
}

// NewMemoryAuditStore creates an empty MemoryAuditStore.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) Append(ctx context.Context, entry *AuditLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	stored := entry.Clone()

	s.mu.Lock()
	s.entries = append(s.entries, stored)
	s.mu.Unlock()
	return nil
}

func (s *MemoryAuditStore) Query(ctx context.Context, filter AuditFilter) ([]*AuditLogEntry, int, error) {
	s.mu.RLock()
	var matched []*AuditLogEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if filter.Matches(e) {
			matched = append(matched, e.Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })
	total := len(matched)

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*AuditLogEntry{}, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (s *MemoryAuditStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	var purged int64
	for _, e := range s.entries {
		if e.RetentionPeriod > 0 && !e.ExpiresAt().After(now) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return purged, nil
}

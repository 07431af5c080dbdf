package client

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryProvisioner is an in-process AccountProvisioner. Results are cached
// per idempotency key, so a retried call returns the first result.
type MemoryProvisioner struct {
	mu      sync.Mutex
	results map[string]any
	calls   map[string]int
}

// NewMemoryProvisioner creates an empty MemoryProvisioner.
func NewMemoryProvisioner() *MemoryProvisioner {
	return &MemoryProvisioner{results: make(map[string]any), calls: make(map[string]int)}
}

// Calls reports how many times an operation was invoked with a key,
// including replays.
func (p *MemoryProvisioner) Calls(idempotencyKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[idempotencyKey]
}

func (p *MemoryProvisioner) once(key string, create func() any) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[key]++
	if r, ok := p.results[key]; ok {
		return r
	}
	r := create()
	p.results[key] = r
	return r
}

func (p *MemoryProvisioner) IssueAPIKey(ctx context.Context, idempotencyKey, memberID string) (*APIKey, error) {
	r := p.once(idempotencyKey, func() any {
		id := uuid.New().String()
		return &APIKey{ID: id, Prefix: "pk_" + id[:8]}
	})
	return r.(*APIKey), nil
}

func (p *MemoryProvisioner) CreateLedgers(ctx context.Context, idempotencyKey, memberID string, assets []string) ([]Ledger, error) {
	r := p.once(idempotencyKey, func() any {
		out := make([]Ledger, 0, len(assets))
		for _, a := range assets {
			out = append(out, Ledger{ID: uuid.New().String(), Asset: a})
		}
		return out
	})
	return r.([]Ledger), nil
}

func (p *MemoryProvisioner) GenerateDepositAddresses(ctx context.Context, idempotencyKey, memberID string, assets []string) ([]DepositAddress, error) {
	r := p.once(idempotencyKey, func() any {
		out := make([]DepositAddress, 0, len(assets))
		for _, a := range assets {
			out = append(out, DepositAddress{
				Asset:   a,
				Address: fmt.Sprintf("%s-%s", strings.ToLower(a), strings.ReplaceAll(uuid.New().String(), "-", "")),
			})
		}
		return out
	})
	return r.([]DepositAddress), nil
}

func (p *MemoryProvisioner) RegisterWebhook(ctx context.Context, idempotencyKey, memberID string) (*Webhook, error) {
	r := p.once(idempotencyKey, func() any {
		return &Webhook{ID: uuid.New().String(), URL: fmt.Sprintf("https://hooks.local/members/%s", memberID)}
	})
	return r.(*Webhook), nil
}

func (p *MemoryProvisioner) InitializeLimits(ctx context.Context, idempotencyKey, memberID string) (*Limits, error) {
	r := p.once(idempotencyKey, func() any {
		return &Limits{DailyWithdrawal: 10_000_000, MonthlyWithdrawal: 100_000_000, DailyTrading: 50_000_000}
	})
	return r.(*Limits), nil
}

var (
	_ AccountProvisioner     = (*AccountsClient)(nil)
	_ AccountProvisioner     = (*MemoryProvisioner)(nil)
	_ NotificationDispatcher = (*NotificationPublisher)(nil)
	_ NotificationDispatcher = (*LogDispatcher)(nil)
	_ AuthorizationProvider  = (*StaticRoleProvider)(nil)
)

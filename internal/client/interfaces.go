package client

import "context"

// AuthorizationProvider resolves the role an actor holds.
type AuthorizationProvider interface {
	ResolveActorRole(ctx context.Context, actorID string) (string, error)
}

// NotificationDispatcher delivers templated notifications. Callers treat it
// as fire-and-forget: errors are logged, never propagated.
type NotificationDispatcher interface {
	Notify(ctx context.Context, recipients []string, template string, payload map[string]any) error
}

// AccountProvisioner creates the operational account of an approved member.
// Every call carries an idempotency key; repeating a call with the same key
// must return the original result instead of creating a second resource.
type AccountProvisioner interface {
	IssueAPIKey(ctx context.Context, idempotencyKey, memberID string) (*APIKey, error)
	CreateLedgers(ctx context.Context, idempotencyKey, memberID string, assets []string) ([]Ledger, error)
	GenerateDepositAddresses(ctx context.Context, idempotencyKey, memberID string, assets []string) ([]DepositAddress, error)
	RegisterWebhook(ctx context.Context, idempotencyKey, memberID string) (*Webhook, error)
	InitializeLimits(ctx context.Context, idempotencyKey, memberID string) (*Limits, error)
}

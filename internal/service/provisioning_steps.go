package service

import (
	"context"

	"github.com/pesio-ai/be-onboarding/internal/client"
	"github.com/pesio-ai/be-onboarding/internal/logger"
)

// Provisioning step ids, in execution order.
const (
	StepGenerateAPIKeys         = "generate_api_keys"
	StepCreateAssetLedgers      = "create_asset_ledgers"
	StepGenerateDepositAddress  = "generate_deposit_addresses"
	StepRegisterWebhooks        = "register_webhooks"
	StepInitializeLimits        = "initialize_limits"
	StepSendWelcomeNotification = "send_welcome_notification"
)

// StepContext is what a step action sees of the running process.
type StepContext struct {
	ProcessID string
	MemberID  string
	StepID    string
	// IdempotencyKey is stable across retries of the same step.
	IdempotencyKey string
	Attempt        int
	// Outputs holds the results of steps already completed.
	Outputs map[string]map[string]any
}

// StepAction performs one provisioning step. It must be idempotent under
// StepContext.IdempotencyKey.
type StepAction interface {
	Execute(ctx context.Context, sc StepContext) (map[string]any, error)
}

// StepActionFunc adapts a function to StepAction.
type StepActionFunc func(ctx context.Context, sc StepContext) (map[string]any, error)

func (f StepActionFunc) Execute(ctx context.Context, sc StepContext) (map[string]any, error) {
	return f(ctx, sc)
}

// StepDefinition is one entry of the saga's fixed step list.
type StepDefinition struct {
	ID         string
	Name       string
	MaxRetries int
	Action     StepAction
}

// DefaultSteps returns the provisioning sequence for an approved member.
func DefaultSteps(provisioner client.AccountProvisioner, dispatcher client.NotificationDispatcher, assets []string, log *logger.Logger) []StepDefinition {
	return []StepDefinition{
		{
			ID: StepGenerateAPIKeys, Name: "Generate API keys", MaxRetries: 3,
			Action: StepActionFunc(func(ctx context.Context, sc StepContext) (map[string]any, error) {
				key, err := provisioner.IssueAPIKey(ctx, sc.IdempotencyKey, sc.MemberID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"api_key_id": key.ID, "api_key_prefix": key.Prefix}, nil
			}),
		},
		{
			ID: StepCreateAssetLedgers, Name: "Create asset ledgers", MaxRetries: 3,
			Action: StepActionFunc(func(ctx context.Context, sc StepContext) (map[string]any, error) {
				ledgers, err := provisioner.CreateLedgers(ctx, sc.IdempotencyKey, sc.MemberID, assets)
				if err != nil {
					return nil, err
				}
				ids := make(map[string]any, len(ledgers))
				for _, l := range ledgers {
					ids[l.Asset] = l.ID
				}
				return map[string]any{"ledgers": ids}, nil
			}),
		},
		{
			ID: StepGenerateDepositAddress, Name: "Generate deposit addresses", MaxRetries: 5,
			Action: StepActionFunc(func(ctx context.Context, sc StepContext) (map[string]any, error) {
				addrs, err := provisioner.GenerateDepositAddresses(ctx, sc.IdempotencyKey, sc.MemberID, assets)
				if err != nil {
					return nil, err
				}
				out := make(map[string]any, len(addrs))
				for _, a := range addrs {
					out[a.Asset] = a.Address
				}
				return map[string]any{"addresses": out}, nil
			}),
		},
		{
			ID: StepRegisterWebhooks, Name: "Register webhooks", MaxRetries: 3,
			Action: StepActionFunc(func(ctx context.Context, sc StepContext) (map[string]any, error) {
				hook, err := provisioner.RegisterWebhook(ctx, sc.IdempotencyKey, sc.MemberID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"webhook_id": hook.ID, "webhook_url": hook.URL}, nil
			}),
		},
		{
			ID: StepInitializeLimits, Name: "Initialize limits", MaxRetries: 3,
			Action: StepActionFunc(func(ctx context.Context, sc StepContext) (map[string]any, error) {
				limits, err := provisioner.InitializeLimits(ctx, sc.IdempotencyKey, sc.MemberID)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"daily_withdrawal":   limits.DailyWithdrawal,
					"monthly_withdrawal": limits.MonthlyWithdrawal,
					"daily_trading":      limits.DailyTrading,
				}, nil
			}),
		},
		{
			// A welcome message that cannot be delivered never fails the saga.
			ID: StepSendWelcomeNotification, Name: "Send welcome notification", MaxRetries: 3,
			Action: StepActionFunc(func(ctx context.Context, sc StepContext) (map[string]any, error) {
				if dispatcher == nil {
					return map[string]any{"delivered": false}, nil
				}
				err := dispatcher.Notify(ctx, []string{sc.MemberID}, TemplateWelcome, map[string]any{
					"resource_id": sc.ProcessID,
					"member_id":   sc.MemberID,
				})
				if err != nil {
					log.Warn().Err(err).Str("member_id", sc.MemberID).Msg("welcome notification failed (non-fatal)")
					return map[string]any{"delivered": false, "error": err.Error()}, nil
				}
				return map[string]any{"delivered": true}, nil
			}),
		},
	}
}

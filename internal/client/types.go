package client

// APIKey is an issued member API key. The secret is never returned.
type APIKey struct {
	ID     string `json:"id"`
	Prefix string `json:"prefix"`
}

// Ledger is an initial asset ledger.
type Ledger struct {
	ID    string `json:"id"`
	Asset string `json:"asset"`
}

// DepositAddress is a generated deposit address for one asset.
type DepositAddress struct {
	Asset   string `json:"asset"`
	Address string `json:"address"`
}

// Webhook is a registered member webhook.
type Webhook struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Limits are the initial trading and withdrawal limits of a member, in
// minor units.
type Limits struct {
	DailyWithdrawal   int64 `json:"daily_withdrawal"`
	MonthlyWithdrawal int64 `json:"monthly_withdrawal"`
	DailyTrading      int64 `json:"daily_trading"`
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	Template     string         `json:"template,omitempty"`
	Recipients   []string       `json:"recipients,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

package client

import (
	"context"
	"strings"
	"sync"

	"github.com/pesio-ai/be-onboarding/internal/errors"
)

// StaticRoleProvider implements AuthorizationProvider from a fixed
// actor-to-role table, typically loaded from configuration.
//
// Actor ids are matched case-insensitively because the config layer
// lower-cases map keys.
type StaticRoleProvider struct {
	mu    sync.RWMutex
	roles map[string]string
}

// NewStaticRoleProvider creates a provider over actor id -> role.
func NewStaticRoleProvider(roles map[string]string) *StaticRoleProvider {
	p := &StaticRoleProvider{roles: make(map[string]string, len(roles))}
	for actor, role := range roles {
		p.roles[strings.ToLower(actor)] = strings.ToUpper(role)
	}
	return p
}

// ResolveActorRole returns the role held by actorID or an authorization
// error for unknown actors.
func (p *StaticRoleProvider) ResolveActorRole(ctx context.Context, actorID string) (string, error) {
	if actorID == "" {
		return "", errors.New(errors.ErrCodeUnauthorized, "actor id is required")
	}
	p.mu.RLock()
	role, ok := p.roles[strings.ToLower(actorID)]
	p.mu.RUnlock()
	if !ok {
		return "", errors.New(errors.ErrCodeUnauthorized, "unknown actor "+actorID)
	}
	return role, nil
}

// SetRole grants or replaces the role of an actor.
func (p *StaticRoleProvider) SetRole(actorID, role string) {
	p.mu.Lock()
	p.roles[strings.ToLower(actorID)] = strings.ToUpper(role)
	p.mu.Unlock()
}

package comms

import (
	"sync"

	"github.com/google/uuid"

	"github.com/crewmux/crewmux/internal/errkind"
)

// TokenRegistry mints and checks per-agent identity tokens. A token is
// generated on first use and bound for the agent's lifetime; it gates HTTP
// sessions on the comms service and nothing else.
type TokenRegistry struct {
	mu     sync.Mutex
	tokens map[string]string
}

// NewTokenRegistry creates an empty registry.
func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{tokens: make(map[string]string)}
}

// Mint returns the agent's identity token, generating it on first use.
func (r *TokenRegistry) Mint(agentID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tok, ok := r.tokens[agentID]; ok {
		return tok
	}
	tok := uuid.NewString()
	r.tokens[agentID] = tok
	return tok
}

// Validate checks the presented token against the minted one.
func (r *TokenRegistry) Validate(agentID, token string) error {
	if agentID == "" || token == "" {
		return errkind.New(errkind.Unauthenticated, "missing agent identity")
	}
	r.mu.Lock()
	minted, ok := r.tokens[agentID]
	r.mu.Unlock()
	if !ok || minted != token {
		return errkind.New(errkind.Forbidden, "identity token does not match agent %s", agentID)
	}
	return nil
}

// Drop forgets tokens for agents whose teams were dissolved.
func (r *TokenRegistry) Drop(agentIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range agentIDs {
		delete(r.tokens, id)
	}
}

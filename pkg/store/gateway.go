package store

import (
	"context"

	"github.com/voxlabs/voicebridge/pkg/agent"
)

// Gateway is the persistence boundary consumed by the conversation core.
// All calls are fire-and-forget from the session's perspective: failures
// are logged by the caller and never block or fail a conversational turn.
type Gateway interface {
	// AppendMessage records one message of a conversation.
	AppendMessage(ctx context.Context, conversationRef, role, text string) error
	// ResolveAgent loads the agent configuration for an agent id.
	ResolveAgent(ctx context.Context, agentID string) (agent.Config, error)
	// ResolveAgentByCallID maps an external call identifier to an agent id.
	// Returns an empty string when no mapping exists.
	ResolveAgentByCallID(ctx context.Context, callID string) (string, error)
}

// Nop is a Gateway that stores nothing and resolves the zero agent. Used
// when the gateway runs without a persistence backend.
type Nop struct {
	Agent agent.Config
}

func (n Nop) AppendMessage(ctx context.Context, conversationRef, role, text string) error {
	return nil
}

func (n Nop) ResolveAgent(ctx context.Context, agentID string) (agent.Config, error) {
	return n.Agent.WithDefaults(), nil
}

func (n Nop) ResolveAgentByCallID(ctx context.Context, callID string) (string, error) {
	return "", nil
}

var _ Gateway = Nop{}

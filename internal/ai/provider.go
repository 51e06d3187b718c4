package ai

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider generates a full assistant reply in one call.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

package ai

import "context"

// StreamProvider is an optional interface. Providers may implement streaming
// chat; both channels are closed when the stream ends. At most one error is
// delivered, and only after the last chunk that preceded it.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}

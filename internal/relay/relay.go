// Package relay forwards a conversation-scoped chat request to an upstream
// streaming provider, re-frames the provider's chunks into Events, and
// persists the accumulated reply once generation completes. It knows nothing
// about HTTP; transports sit on top of Run's event channel.
package relay

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/kestrelhq/chatrelay/internal/ai"
)

// Placeholder stands in for the accumulated text when the provider finished
// without producing any content, so a completed event is never empty.
const Placeholder = "No response received"

var (
	ErrEmptyMessages = errors.New("relay: empty message list")
	ErrBlankContent  = errors.New("relay: blank message content")
)

// Identity is the already-authenticated caller.
type Identity struct {
	TenantID string
	UserID   uint64
}

// Store is the persistence collaborator. ResolveConversation must fail for
// conversations the identity does not own.
type Store interface {
	ResolveConversation(ctx context.Context, tenantID string, userID uint64, conversationID string) error
	InsertAssistantMessage(ctx context.Context, tenantID string, userID uint64, conversationID, content string, metadata map[string]any) (uint64, error)
}

// Observer receives operational reports that have no place in the event
// stream, currently only post-completion persistence failures.
type Observer interface {
	PersistenceFailure(conversationID string, err error)
}

type logObserver struct{}

func (logObserver) PersistenceFailure(conversationID string, err error) {
	log.Printf("relay: assistant message not persisted conversation=%s err=%v", conversationID, err)
}

// Relay is a single-flight streaming relay: one Run handles one caller's
// request against one upstream connection, with no state shared between
// invocations.
type Relay struct {
	store    Store
	provider ai.StreamProvider
	observer Observer
	metadata map[string]any
}

type Option func(*Relay)

func WithObserver(o Observer) Option {
	return func(r *Relay) { r.observer = o }
}

// WithMetadata attaches free-form metadata (provider, model, ...) to the
// completed event and the persisted message.
func WithMetadata(m map[string]any) Option {
	return func(r *Relay) { r.metadata = m }
}

func New(store Store, provider ai.StreamProvider, opts ...Option) *Relay {
	r := &Relay{
		store:    store,
		provider: provider,
		observer: logObserver{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run validates the request and starts the relay. Validation and ownership
// failures are returned synchronously and no stream begins. Otherwise the
// returned channel delivers at least one event, ends with exactly one
// terminal event, and is closed only after the post-completion persistence
// write has finished. Cancelling ctx aborts the upstream request and
// suppresses persistence; a cancelled run may end without a terminal event.
func (r *Relay) Run(ctx context.Context, id Identity, conversationID string, messages []ai.Message) (<-chan Event, error) {
	if len(messages) == 0 {
		return nil, ErrEmptyMessages
	}
	for _, m := range messages {
		if strings.TrimSpace(m.Content) == "" {
			return nil, ErrBlankContent
		}
	}
	if err := r.store.ResolveConversation(ctx, id.TenantID, id.UserID, conversationID); err != nil {
		return nil, err
	}

	events := make(chan Event, 16)
	go r.run(ctx, id, conversationID, messages, events)
	return events, nil
}

func (r *Relay) run(ctx context.Context, id Identity, conversationID string, messages []ai.Message, events chan<- Event) {
	defer close(events)

	emit := func(e Event) bool {
		select {
		case events <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit(Event{Status: StatusProcessing}) {
		return
	}

	chunks, errs := r.provider.StreamChat(ctx, messages)

	var acc strings.Builder
	for delta := range chunks {
		acc.WriteString(delta)
		if !emit(Event{Status: StatusStreaming, Content: delta}) {
			return
		}
	}

	// chunks is closed, so the provider goroutine has finished and errs is
	// either closed or holds its one buffered error.
	if err := <-errs; err != nil {
		if ctx.Err() != nil {
			return
		}
		emit(Event{Status: StatusError, Error: err.Error(), Partial: acc.String()})
		return
	}

	if ctx.Err() != nil {
		return
	}

	content := acc.String()
	if content == "" {
		content = Placeholder
	}

	if !emit(Event{Status: StatusCompleted, Result: &Result{Content: content, Metadata: r.metadata}}) {
		return
	}

	// Cancellation arriving before this point suppresses the write; once
	// the write starts, a caller disconnect no longer aborts it, since the
	// caller has already seen the completed event.
	if ctx.Err() != nil {
		return
	}
	if _, err := r.store.InsertAssistantMessage(context.WithoutCancel(ctx), id.TenantID, id.UserID, conversationID, content, r.metadata); err != nil {
		r.observer.PersistenceFailure(conversationID, err)
	}
}

package chat

import (
	"context"
	"encoding/json"

	"gorm.io/datatypes"

	"github.com/kestrelhq/chatrelay/internal/ai"
)

type Service struct {
	repo              *Repo
	registry          *ai.Registry
	contextWindowSize int
}

func NewService(repo *Repo, registry *ai.Registry, contextWindowSize int) *Service {
	if contextWindowSize <= 0 || contextWindowSize > 100 {
		contextWindowSize = 20
	}
	return &Service{repo: repo, registry: registry, contextWindowSize: contextWindowSize}
}

const (
	defaultProvider = "ollama"
	defaultModel    = "llama3:latest"
)

func (s *Service) CreateConversation(ctx context.Context, tenantID string, userID uint64, provider, model, title string) (*Conversation, error) {
	if provider == "" {
		provider = defaultProvider
	}
	if model == "" {
		model = defaultModel
	}

	cid, err := NewConversationID()
	if err != nil {
		return nil, err
	}

	conv := &Conversation{
		ConversationID: cid,
		TenantID:       tenantID,
		UserID:         userID,
		Provider:       provider,
		Model:          model,
		Title:          title,
	}

	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Service) GetOwnedConversation(ctx context.Context, tenantID string, userID uint64, conversationID string) (*Conversation, error) {
	return s.repo.GetConversation(ctx, tenantID, userID, conversationID)
}

func (s *Service) ListConversations(ctx context.Context, tenantID string, userID uint64, limit int) ([]Conversation, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListConversations(ctx, tenantID, userID, limit)
}

func (s *Service) RenameConversation(ctx context.Context, tenantID string, userID uint64, conversationID, title string) error {
	return s.repo.UpdateConversationTitle(ctx, tenantID, userID, conversationID, title)
}

func (s *Service) providerFor(ctx context.Context, conv *Conversation) (ai.Provider, error) {
	p := conv.Provider
	m := conv.Model
	if p == "" {
		p = defaultProvider
	}
	if m == "" {
		m = defaultModel
	}
	return s.registry.Get(ctx, p, m)
}

// ProviderForConversation resolves the conversation (ownership included) and
// returns the provider client its provider/model fields route to.
func (s *Service) ProviderForConversation(ctx context.Context, tenantID string, userID uint64, conversationID string) (*Conversation, ai.Provider, error) {
	conv, err := s.repo.GetConversation(ctx, tenantID, userID, conversationID)
	if err != nil {
		return nil, nil, err
	}
	provider, err := s.providerFor(ctx, conv)
	if err != nil {
		return nil, nil, err
	}
	return conv, provider, nil
}

// HistoryContext builds the provider message list from the most recent
// stored messages, oldest first.
func (s *Service) HistoryContext(ctx context.Context, tenantID string, userID uint64, conversationID string) ([]ai.Message, error) {
	recentDesc, err := s.repo.ListRecentMessagesDesc(ctx, tenantID, userID, conversationID, s.contextWindowSize)
	if err != nil {
		return nil, err
	}
	out := make([]ai.Message, 0, len(recentDesc))
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		out = append(out, ai.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

// SendMessage is the synchronous path: store the user message, call the
// provider once, store the assistant reply.
func (s *Service) SendMessage(ctx context.Context, tenantID string, userID uint64, conversationID string, content string) (reply string, assistantMsgID uint64, err error) {
	conv, err := s.repo.GetConversation(ctx, tenantID, userID, conversationID)
	if err != nil {
		return "", 0, err
	}

	provider, err := s.providerFor(ctx, conv)
	if err != nil {
		return "", 0, err
	}

	userMsg := &Message{
		ConversationID: conversationID,
		TenantID:       tenantID,
		UserID:         userID,
		Role:           RoleUser,
		Content:        content,
	}
	if err := s.repo.InsertMessage(ctx, userMsg); err != nil {
		return "", 0, err
	}

	providerMsgs, err := s.HistoryContext(ctx, tenantID, userID, conversationID)
	if err != nil {
		return "", 0, err
	}

	reply, err = provider.Chat(ctx, providerMsgs)
	if err != nil {
		return "", 0, err
	}

	assistantMsg := &Message{
		ConversationID: conversationID,
		TenantID:       tenantID,
		UserID:         userID,
		Role:           RoleAssistant,
		Content:        reply,
	}
	if err := s.repo.InsertMessage(ctx, assistantMsg); err != nil {
		return "", 0, err
	}
	_ = s.repo.TouchConversation(ctx, conversationID)

	return reply, assistantMsg.ID, nil
}

func (s *Service) ListMessages(ctx context.Context, tenantID string, userID uint64, conversationID string, limit int, beforeID uint64) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListMessages(ctx, tenantID, userID, conversationID, limit, beforeID)
}

func (s *Service) InsertUserMessage(ctx context.Context, tenantID string, userID uint64, conversationID string, content string) error {
	if _, err := s.repo.GetConversation(ctx, tenantID, userID, conversationID); err != nil {
		return err
	}
	return s.repo.InsertMessage(ctx, &Message{
		ConversationID: conversationID,
		TenantID:       tenantID,
		UserID:         userID,
		Role:           RoleUser,
		Content:        content,
	})
}

func (s *Service) InsertUserMessageOrGetExisting(ctx context.Context, tenantID string, userID uint64, conversationID string, content string, key *string) (*Message, bool, error) {
	if _, err := s.repo.GetConversation(ctx, tenantID, userID, conversationID); err != nil {
		return nil, false, err
	}
	return s.repo.InsertMessageOrGetExisting(ctx, &Message{
		ConversationID: conversationID,
		TenantID:       tenantID,
		UserID:         userID,
		Role:           RoleUser,
		Content:        content,
		IdempotencyKey: key,
	})
}

// ResolveConversation reports whether the conversation exists and is owned
// by the caller. Satisfies the relay's store contract.
func (s *Service) ResolveConversation(ctx context.Context, tenantID string, userID uint64, conversationID string) error {
	_, err := s.repo.GetConversation(ctx, tenantID, userID, conversationID)
	return err
}

// InsertAssistantMessage persists a generated reply. Satisfies the relay's
// store contract.
func (s *Service) InsertAssistantMessage(ctx context.Context, tenantID string, userID uint64, conversationID, content string, metadata map[string]any) (uint64, error) {
	var meta datatypes.JSON
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return 0, err
		}
		meta = datatypes.JSON(b)
	}
	m := &Message{
		ConversationID: conversationID,
		TenantID:       tenantID,
		UserID:         userID,
		Role:           RoleAssistant,
		Content:        content,
		Metadata:       meta,
	}
	if err := s.repo.InsertMessage(ctx, m); err != nil {
		return 0, err
	}
	_ = s.repo.TouchConversation(ctx, conversationID)
	return m.ID, nil
}

func (s *Service) CreateJob(ctx context.Context, job *Job) error {
	return s.repo.CreateJob(ctx, job)
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.GetJobByID(ctx, jobID)
}

func (s *Service) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	return s.repo.CreateJobOrGetExisting(ctx, job)
}

// GenerateAssistantReplyAndInsert is the worker path: one non-streaming
// provider call against the stored history, then the assistant insert.
func (s *Service) GenerateAssistantReplyAndInsert(ctx context.Context, tenantID string, userID uint64, conversationID string) (string, uint64, error) {
	conv, err := s.repo.GetConversation(ctx, tenantID, userID, conversationID)
	if err != nil {
		return "", 0, err
	}

	provider, err := s.providerFor(ctx, conv)
	if err != nil {
		return "", 0, err
	}

	providerMsgs, err := s.HistoryContext(ctx, tenantID, userID, conversationID)
	if err != nil {
		return "", 0, err
	}

	reply, err := provider.Chat(ctx, providerMsgs)
	if err != nil {
		return "", 0, err
	}

	assistantMsg := &Message{
		ConversationID: conversationID,
		TenantID:       tenantID,
		UserID:         userID,
		Role:           RoleAssistant,
		Content:        reply,
	}
	if err := s.repo.InsertMessage(ctx, assistantMsg); err != nil {
		return "", 0, err
	}
	_ = s.repo.TouchConversation(ctx, conversationID)
	return reply, assistantMsg.ID, nil
}

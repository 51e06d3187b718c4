package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/kestrelhq/chatrelay/internal/ai"
	"github.com/kestrelhq/chatrelay/internal/chat"
	"github.com/kestrelhq/chatrelay/internal/httpapi/middleware"
	"github.com/kestrelhq/chatrelay/internal/relay"
)

type fakeStreamProvider struct {
	chunks []string
}

func (p *fakeStreamProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	return strings.Join(p.chunks, ""), nil
}

func (p *fakeStreamProvider) StreamChat(ctx context.Context, messages []ai.Message) (<-chan string, <-chan error) {
	chunks := make(chan string, len(p.chunks))
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for _, c := range p.chunks {
			chunks <- c
		}
	}()
	return chunks, errs
}

const (
	testTenant = "01TENANTH00000000000000000"
	testUserID = uint64(42)
)

func newStreamTestRouter(t *testing.T, prov ai.Provider) (*gin.Engine, *chat.Service, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(gormsqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&chat.Conversation{}, &chat.Message{}, &chat.Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		return prov, nil
	})
	svc := chat.NewService(chat.NewRepo(db), reg, 20)

	h := &Handler{DB: db, ChatSvc: svc}

	r := gin.New()
	r.POST("/chat/messages/stream", func(c *gin.Context) {
		c.Set(middleware.UserIDKey, testUserID)
		c.Set(middleware.TenantIDKey, testTenant)
		c.Next()
	}, h.StreamChatMessage)
	return r, svc, db
}

func decodeEvents(t *testing.T, body *bytes.Buffer) []relay.Event {
	t.Helper()
	var out []relay.Event
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev relay.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("unparsable record %q: %v", line, err)
		}
		out = append(out, ev)
	}
	return out
}

func postStream(r *gin.Engine, payload string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/chat/messages/stream", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestStreamChatMessage_HappyPath(t *testing.T) {
	prov := &fakeStreamProvider{chunks: []string{"Hi", " there"}}
	r, svc, db := newStreamTestRouter(t, prov)

	conv, err := svc.CreateConversation(context.Background(), testTenant, testUserID, "fake", "m1", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	w := postStream(r, `{"conversation_id":"`+conv.ConversationID+`","message":"Hello"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/x-ndjson") {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := decodeEvents(t, w.Body)
	if len(events) == 0 {
		t.Fatalf("no events")
	}

	var deltas []string
	terminals := 0
	for _, ev := range events {
		if ev.Status == relay.StatusStreaming {
			deltas = append(deltas, ev.Content)
		}
		if ev.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("expected exactly one terminal event, got %d in %v", terminals, events)
	}

	last := events[len(events)-1]
	if last.Status != relay.StatusCompleted {
		t.Fatalf("expected completed, got %v", last)
	}
	if last.Result == nil || last.Result.Content != "Hi there" {
		t.Fatalf("unexpected result: %+v", last.Result)
	}
	if strings.Join(deltas, "") != last.Result.Content {
		t.Fatalf("delta concatenation mismatch: %v vs %q", deltas, last.Result.Content)
	}

	// one user message, one assistant message persisted
	var msgs []chat.Message
	if err := db.Where("conversation_id = ?", conv.ConversationID).Order("id ASC").Find(&msgs).Error; err != nil {
		t.Fatalf("query messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != chat.RoleUser || msgs[0].Content != "Hello" {
		t.Fatalf("unexpected user message: %+v", msgs[0])
	}
	if msgs[1].Role != chat.RoleAssistant || msgs[1].Content != "Hi there" {
		t.Fatalf("unexpected assistant message: %+v", msgs[1])
	}
}

func TestStreamChatMessage_ForeignConversationIs404(t *testing.T) {
	prov := &fakeStreamProvider{chunks: []string{"never"}}
	r, svc, db := newStreamTestRouter(t, prov)

	// conversation owned by a different tenant
	conv, err := svc.CreateConversation(context.Background(), "01OTHERTENANT0000000000000", testUserID, "fake", "m1", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	w := postStream(r, `{"conversation_id":"`+conv.ConversationID+`","message":"Hello"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body %s", w.Code, w.Body.String())
	}

	var count int64
	if err := db.Model(&chat.Message{}).Where("conversation_id = ?", conv.ConversationID).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("no messages expected, got %d", count)
	}
}

func TestStreamChatMessage_NoContentIsSingleErrorRecord(t *testing.T) {
	prov := &fakeStreamProvider{chunks: []string{"never"}}
	r, svc, _ := newStreamTestRouter(t, prov)

	conv, err := svc.CreateConversation(context.Background(), testTenant, testUserID, "fake", "m1", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	// blank message against an empty conversation: nothing to generate from
	w := postStream(r, `{"conversation_id":"`+conv.ConversationID+`","message":"  "}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}

	events := decodeEvents(t, w.Body)
	if len(events) != 1 || events[0].Status != relay.StatusError {
		t.Fatalf("expected a single error record, got %v", events)
	}
}

func TestStreamChatMessage_NoRecordsAfterTerminal(t *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(gormsqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&chat.Conversation{}, &chat.Message{}, &chat.Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	// slow inserts so the heartbeat ticker fires while the relay is still
	// persisting the assistant message after the completed event
	if err := db.Callback().Create().Before("gorm:create").Register("slow_create", func(tx *gorm.DB) {
		time.Sleep(50 * time.Millisecond)
	}); err != nil {
		t.Fatalf("register callback: %v", err)
	}

	prov := &fakeStreamProvider{chunks: []string{"Hi"}}
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		return prov, nil
	})
	svc := chat.NewService(chat.NewRepo(db), reg, 20)

	h := &Handler{DB: db, ChatSvc: svc, StreamHeartbeat: 5 * time.Millisecond}
	r := gin.New()
	r.POST("/chat/messages/stream", func(c *gin.Context) {
		c.Set(middleware.UserIDKey, testUserID)
		c.Set(middleware.TenantIDKey, testTenant)
		c.Next()
	}, h.StreamChatMessage)

	conv, err := svc.CreateConversation(context.Background(), testTenant, testUserID, "fake", "m1", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	w := postStream(r, `{"conversation_id":"`+conv.ConversationID+`","message":"Hello"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}

	events := decodeEvents(t, w.Body)
	if len(events) == 0 {
		t.Fatalf("no events")
	}

	terminals := 0
	terminalIdx := -1
	for i, ev := range events {
		if ev.Terminal() {
			terminals++
			terminalIdx = i
		}
	}
	if terminals != 1 {
		t.Fatalf("expected exactly one terminal event, got %d in %v", terminals, events)
	}
	if terminalIdx != len(events)-1 {
		t.Fatalf("records after the terminal event: %v", events[terminalIdx+1:])
	}
	if events[terminalIdx].Status != relay.StatusCompleted {
		t.Fatalf("expected completed, got %v", events[terminalIdx])
	}

	// the persistence write still ran to completion
	var count int64
	if err := db.Model(&chat.Message{}).
		Where("conversation_id = ? AND role = ?", conv.ConversationID, chat.RoleAssistant).
		Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected assistant message persisted, got %d", count)
	}
}

func TestStreamChatMessage_UnknownConversationIs404(t *testing.T) {
	prov := &fakeStreamProvider{}
	r, _, _ := newStreamTestRouter(t, prov)

	w := postStream(r, `{"conversation_id":"01NOSUCHCONV00000000000000","message":"Hello"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body %s", w.Code, w.Body.String())
	}
}

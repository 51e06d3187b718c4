package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/kestrelhq/chatrelay/internal/ai"
	"github.com/kestrelhq/chatrelay/internal/chat"
	"github.com/kestrelhq/chatrelay/internal/common"
	"github.com/kestrelhq/chatrelay/internal/relay"
)

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

type createConversationReq struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Title    string `json:"title"`
}

func (h *Handler) CreateConversation(c *gin.Context) {
	tenantID, uid, okk := identityFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createConversationReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	conv, err := h.ChatSvc.CreateConversation(c.Request.Context(), tenantID, uid, req.Provider, req.Model, req.Title)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "failed to create conversation")
		return
	}

	ok(c, gin.H{"conversation_id": conv.ConversationID})
}

func (h *Handler) ListConversations(c *gin.Context) {
	tenantID, uid, okk := identityFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))

	convs, err := h.ChatSvc.ListConversations(c.Request.Context(), tenantID, uid, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50002, "failed to list conversations")
		return
	}

	ok(c, gin.H{"conversations": convs})
}

type renameConversationReq struct {
	Title string `json:"title" binding:"required"`
}

func (h *Handler) RenameConversation(c *gin.Context) {
	tenantID, uid, okk := identityFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	conversationID := c.Param("conversation_id")

	var req renameConversationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	err := h.ChatSvc.RenameConversation(c.Request.Context(), tenantID, uid, conversationID, req.Title)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			fail(c, http.StatusNotFound, 40004, "conversation not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50003, "failed to rename conversation")
		return
	}

	ok(c, gin.H{"conversation_id": conversationID, "title": req.Title})
}

type sendMessageReq struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	Message        string `json:"message" binding:"required"`
}

func (h *Handler) SendChatMessage(c *gin.Context) {
	tenantID, uid, okk := identityFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	reply, msgID, err := h.ChatSvc.SendMessage(c.Request.Context(), tenantID, uid, req.ConversationID, req.Message)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			fail(c, http.StatusNotFound, 40004, "conversation not found")
			return
		}
		fail(c, http.StatusBadRequest, 40001, "failed to send message")
		return
	}

	ok(c, gin.H{
		"conversation_id": req.ConversationID,
		"reply":           reply,
		"message_id":      msgID,
	})
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	tenantID, uid, okk := identityFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	conversationID := c.Param("conversation_id")

	limit, _ := strconv.Atoi(c.Query("limit"))
	beforeIDStr := c.Query("before_id")
	var beforeID uint64
	if beforeIDStr != "" {
		if n, err := strconv.ParseUint(beforeIDStr, 10, 64); err == nil {
			beforeID = n
		}
	}

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), tenantID, uid, conversationID, limit, beforeID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			fail(c, http.StatusNotFound, 40004, "conversation not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50002, "failed to list messages")
		return
	}

	var nextBeforeID uint64
	if len(msgs) > 0 {
		nextBeforeID = msgs[len(msgs)-1].ID
	}

	ok(c, gin.H{
		"messages":       msgs,
		"next_before_id": nextBeforeID,
	})
}

// StreamChatMessage runs the relay and writes its events as newline-delimited
// JSON, one record per event, flushed as they arrive.
func (h *Handler) StreamChatMessage(c *gin.Context) {
	type reqBody struct {
		ConversationID string `json:"conversation_id" binding:"required"`
		Message        string `json:"message"`
	}

	tenantID, uid, okk := identityFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req reqBody
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	ctx := c.Request.Context()

	// Ownership and provider routing resolve before any stream begins, so
	// an unknown or foreign conversation is a plain 404.
	conv, provider, err := h.ChatSvc.ProviderForConversation(ctx, tenantID, uid, req.ConversationID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			fail(c, http.StatusNotFound, 40004, "conversation not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	sp, okk := provider.(ai.StreamProvider)
	if !okk {
		fail(c, http.StatusBadRequest, 40002, "provider does not support streaming")
		return
	}

	if strings.TrimSpace(req.Message) != "" {
		if err := h.ChatSvc.InsertUserMessage(ctx, tenantID, uid, req.ConversationID, req.Message); err != nil {
			fail(c, http.StatusInternalServerError, 50001, "internal error")
			return
		}
	}

	history, err := h.ChatSvc.HistoryContext(ctx, tenantID, uid, req.ConversationID)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	flusher, canFlush := c.Writer.(http.Flusher)
	if !canFlush {
		fail(c, http.StatusInternalServerError, 50004, "streaming not supported")
		return
	}

	writeEvent := func(ev relay.Event) {
		b, err := json.Marshal(ev)
		if err != nil {
			fmt.Fprintf(c.Writer, `{"status":"error","error":"encode failed"}`+"\n")
			flusher.Flush()
			return
		}
		c.Writer.Write(b)
		c.Writer.Write([]byte("\n"))
		flusher.Flush()
	}

	rel := relay.New(h.ChatSvc, sp, relay.WithMetadata(map[string]any{
		"provider": conv.Provider,
		"model":    conv.Model,
	}))

	events, err := rel.Run(ctx, relay.Identity{TenantID: tenantID, UserID: uid}, req.ConversationID, history)
	if err != nil {
		if errors.Is(err, relay.ErrEmptyMessages) || errors.Is(err, relay.ErrBlankContent) {
			// Nothing to generate from. The rejection still speaks the
			// stream protocol: a single terminal error record.
			c.Header("Content-Type", "application/x-ndjson")
			c.Status(http.StatusOK)
			writeEvent(relay.Event{Status: relay.StatusError, Error: "no message content"})
			return
		}
		if errors.Is(err, chat.ErrNotFound) {
			fail(c, http.StatusNotFound, 40004, "conversation not found")
			return
		}
		log.Printf("[StreamChatMessage] relay start failed tenant=%s uid=%d conversation=%s err=%v",
			tenantID, uid, req.ConversationID, err)
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	// heartbeat ticker (keeps idle connections alive); processing records
	// carry no payload and are non-terminal
	heartbeat := h.StreamHeartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	// The relay closes the channel only after the post-completion
	// persistence write, so keep draining past the terminal event but stop
	// heartbeating: nothing may follow the terminal record on the wire.
	terminalSent := false
	for {
		select {
		case ev, more := <-events:
			if !more {
				return
			}
			writeEvent(ev)
			if ev.Terminal() {
				terminalSent = true
			}

		case <-ticker.C:
			if !terminalSent {
				writeEvent(relay.Event{Status: relay.StatusProcessing})
			}

		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) SendChatMessageAsync(c *gin.Context) {
	var req sendMessageReq

	tenantID, uid, okk := identityFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if h.Rabbit == nil {
		fail(c, http.StatusServiceUnavailable, 50301, "async processing disabled")
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}

	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	// Insert the user message immediately; the worker only generates the
	// assistant reply.
	if _, _, err := h.ChatSvc.InsertUserMessageOrGetExisting(c.Request.Context(), tenantID, uid, req.ConversationID, req.Message, idempoKeyPtr); err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			fail(c, http.StatusNotFound, 40401, "conversation not found")
			return
		}
		log.Printf("[SendChatMessageAsync] InsertUserMessage failed uid=%d conversation=%s err=%v", uid, req.ConversationID, err)
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	jobID, err := common.NewULID()
	if err != nil {
		log.Printf("[SendChatMessageAsync] NewULID failed uid=%d conversation=%s err=%v", uid, req.ConversationID, err)
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	j := &chat.Job{
		ID:             jobID,
		TenantID:       tenantID,
		UserID:         uid,
		ConversationID: req.ConversationID,
		Prompt:         req.Message,
		IdempotencyKey: idempoKeyPtr,
		Status:         chat.JobQueued,
	}

	created := true
	if idempoKeyPtr == nil {
		if err := h.ChatSvc.CreateJob(c.Request.Context(), j); err != nil {
			log.Printf("[SendChatMessageAsync] CreateJob failed uid=%d conversation=%s job_id=%s err=%v", uid, req.ConversationID, jobID, err)
			fail(c, http.StatusInternalServerError, 50001, "internal error")
			return
		}
	} else {
		var job *chat.Job
		job, created, err = h.ChatSvc.CreateJobOrGetExisting(c.Request.Context(), j)
		if err != nil {
			log.Printf("[SendChatMessageAsync] CreateJobOrGetExisting failed uid=%d conversation=%s job_id=%s key=%s err=%v", uid, req.ConversationID, jobID, idempoKey, err)
			fail(c, http.StatusInternalServerError, 50001, "internal error")
			return
		}
		j = job
	}

	// Enqueue only when a new job was created
	if created {
		if err := h.Rabbit.PublishJob(c.Request.Context(), j.ID); err != nil {
			log.Printf("[SendChatMessageAsync] PublishJob failed uid=%d conversation=%s job_id=%s err=%v", uid, req.ConversationID, j.ID, err)
			fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	ok(c, gin.H{"job_id": j.ID})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	tenantID, uid, okk := identityFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	j, err := h.ChatSvc.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if j.TenantID != tenantID || j.UserID != uid {
		// hide existence
		fail(c, http.StatusNotFound, 40402, "job not found")
		return
	}

	ok(c, gin.H{
		"job": gin.H{
			"id":                j.ID,
			"conversation_id":   j.ConversationID,
			"status":            j.Status,
			"result_message_id": j.ResultMessageID,
			"error":             j.Error,
			"created_at":        j.CreatedAt,
			"updated_at":        j.UpdatedAt,
		},
	})
}

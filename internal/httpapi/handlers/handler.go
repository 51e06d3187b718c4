package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/kestrelhq/chatrelay/internal/ai"
	"github.com/kestrelhq/chatrelay/internal/chat"
	"github.com/kestrelhq/chatrelay/internal/config"
	"github.com/kestrelhq/chatrelay/internal/email"
	"github.com/kestrelhq/chatrelay/internal/httpapi/middleware"
	"github.com/kestrelhq/chatrelay/internal/store/rabbitmq"
	"github.com/kestrelhq/chatrelay/internal/store/redisstore"
)

type Handler struct {
	DB          *gorm.DB
	Cfg         config.Config
	Redis       *redisstore.Store
	SMTPSetting email.SMTPConfig
	ChatSvc     *chat.Service
	Rabbit      *rabbitmq.Publisher

	// StreamHeartbeat overrides the keep-alive interval of the stream
	// endpoint; zero means the 15s default.
	StreamHeartbeat time.Duration
}

// NewRegistry wires the provider clients the config enables.
func NewRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()

	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})

	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(
			cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m,
			cfg.OpenRouterSiteURL, cfg.OpenRouterAppName,
		), nil
	})

	return reg
}

func NewHandler(db *gorm.DB, cfg config.Config, r *redisstore.Store, rabbit *rabbitmq.Publisher) *Handler {
	repo := chat.NewRepo(db)
	chatSvc := chat.NewService(repo, NewRegistry(cfg), cfg.ChatContextWindowSize)
	return &Handler{
		DB:    db,
		Cfg:   cfg,
		Redis: r,
		SMTPSetting: email.SMTPConfig{
			Host: cfg.SMTPHost,
			Port: cfg.SMTPPort,
			User: cfg.SMTPUser,
			Pass: cfg.SMTPPass,
			From: cfg.SMTPFrom,
		},
		ChatSvc: chatSvc,
		Rabbit:  rabbit,
	}
}

func (h *Handler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}

// identityFromContext reads what AuthRequired stored.
func identityFromContext(c *gin.Context) (tenantID string, userID uint64, ok bool) {
	v, okk := c.Get(middleware.UserIDKey)
	if !okk {
		return "", 0, false
	}
	userID, okk = v.(uint64)
	if !okk {
		return "", 0, false
	}
	t, okk := c.Get(middleware.TenantIDKey)
	if !okk {
		return "", 0, false
	}
	tenantID, okk = t.(string)
	if !okk || tenantID == "" {
		return "", 0, false
	}
	return tenantID, userID, true
}

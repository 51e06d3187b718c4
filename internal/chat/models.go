package chat

import (
	"time"

	"gorm.io/datatypes"
)

// Conversation is a tenant+user scoped chat thread. After creation only
// Title and UpdatedAt change; messages are append-only children.
type Conversation struct {
	ID             uint64         `gorm:"primaryKey;autoIncrement" json:"-"`
	ConversationID string         `gorm:"type:varchar(26);uniqueIndex;not null" json:"conversation_id"`
	TenantID       string         `gorm:"type:varchar(26);not null;index:idx_conv_tenant_user,priority:1" json:"tenant_id"`
	UserID         uint64         `gorm:"not null;index:idx_conv_tenant_user,priority:2" json:"-"`
	Provider       string         `gorm:"type:varchar(32);not null" json:"provider"`
	Model          string         `gorm:"type:varchar(64);not null" json:"model"`
	Title          string         `gorm:"type:varchar(255);not null;default:''" json:"title"`
	Metadata       datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (Conversation) TableName() string { return "conversations" }

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message ordering within a conversation follows the auto-increment id,
// which tracks creation order.
type Message struct {
	ID             uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID string         `gorm:"type:varchar(26);not null;index:idx_msg_tenant_user_conv,priority:3;index:uniq_msg_idempo,unique,priority:2" json:"conversation_id"`
	TenantID       string         `gorm:"type:varchar(26);not null;index:idx_msg_tenant_user_conv,priority:1" json:"tenant_id"`
	UserID         uint64         `gorm:"not null;index:idx_msg_tenant_user_conv,priority:2;index:uniq_msg_idempo,unique,priority:1" json:"-"`
	Role           string         `gorm:"type:varchar(16);index;not null" json:"role"`
	Content        string         `gorm:"type:text;not null" json:"content"`
	Metadata       datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`
	IdempotencyKey *string        `gorm:"type:varchar(128);index:uniq_msg_idempo,unique,priority:3" json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (Message) TableName() string { return "messages" }

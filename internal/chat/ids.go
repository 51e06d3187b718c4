package chat

import "github.com/kestrelhq/chatrelay/internal/common"

func NewConversationID() (string, error) {
	return common.NewULID()
}

package chat

import "errors"

// ErrNotFound covers both "conversation does not exist" and "conversation
// belongs to someone else": callers cannot distinguish the two.
var ErrNotFound = errors.New("chat: conversation not found")

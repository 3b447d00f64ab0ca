// Package session keeps one durable conversation per sender: an append-only
// JSONL log plus a metadata index that can always be rebuilt from the logs.
package session

import (
	"errors"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Kind marks the synthetic system messages written by Compact and Reset.
type Kind string

const (
	KindNormal     Kind = ""
	KindCompaction Kind = "compaction"
	KindReset      Kind = "reset"
)

var ErrEmptyKey = errors.New("empty session key")

type Message struct {
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	SenderID   string    `json:"sender_id,omitempty"`
	SenderName string    `json:"sender_name,omitempty"`
	Kind       Kind      `json:"kind,omitempty"`
}

type Metadata struct {
	SessionKey      string    `json:"session_key"`
	LastActivity    time.Time `json:"last_activity"`
	MessageCount    int       `json:"message_count"`
	EstimatedTokens int       `json:"estimated_tokens"`
	CreatedAt       time.Time `json:"created_at"`
	SenderName      string    `json:"sender_name,omitempty"`
}

// Turn is the reply backend's view of one history entry.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

const keyPrefix = "chat:"

// KeyFor maps a sender to its single session key.
func KeyFor(senderID string) string { return keyPrefix + senderID }

// SenderOf is the inverse of KeyFor.
func SenderOf(key string) string {
	if s, ok := strings.CutPrefix(key, keyPrefix); ok {
		return s
	}
	return key
}

// SummaryTurn wraps a compaction summary when it is replayed as a user turn.
func SummaryTurn(summary string) string {
	return "[Previous conversation summary: " + summary + "]"
}

// ResetText is the content of the marker left behind by Reset.
func ResetText(reason string) string { return "Session reset: " + reason }

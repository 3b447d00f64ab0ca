// Package pairing is the durable access-control table: who may talk to the
// assistant, who is waiting for approval, and who is blocked.
package pairing

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusBlocked  Status = "blocked"
)

var ErrInvalidStatus = errors.New("invalid contact status")

// ParseStatus accepts the lowercase names used on the wire and in the CLI.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusUnknown, StatusPending, StatusApproved, StatusBlocked:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// Contact is one row of the access table. Contacts are never deleted.
type Contact struct {
	SenderID      string    `json:"sender_id"`
	Status        Status    `json:"status"`
	PairingCode   string    `json:"pairing_code,omitempty"`
	CodeExpiresAt time.Time `json:"code_expires_at,omitzero"`
	ApprovedAt    time.Time `json:"approved_at,omitzero"`
	DisplayName   string    `json:"display_name,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitzero"`
	UpdatedAt     time.Time `json:"updated_at,omitzero"`
}

// IsExpired reports whether a pending contact's pairing code has lapsed at now.
// Only code-bearing pending contacts can expire.
func IsExpired(c Contact, now time.Time) bool {
	if c.Status != StatusPending || c.CodeExpiresAt.IsZero() {
		return false
	}
	return now.After(c.CodeExpiresAt)
}

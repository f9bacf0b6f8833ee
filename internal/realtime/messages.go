package realtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mushrhyme/easy-rebate-sub001/internal/items"
)

// Message types exchanged over the page WebSocket.
const (
	MessageSubscribe           = "subscribe"
	MessagePing                = "ping"
	MessagePong                = "pong"
	MessageConnected           = "connected"
	MessageLockAcquired        = "lock_acquired"
	MessageLockReleased        = "lock_released"
	MessageReviewStatusUpdated = "review_status_updated"
	MessageError               = "error"
)

// LockEntry is one row of a lock snapshot.
type LockEntry struct {
	ItemID   int64  `json:"item_id"`
	LockedBy string `json:"locked_by"`
}

// Message is the union of every frame exchanged on the socket. Clients
// decode into it; the server encodes the narrower per-type shapes below.
type Message struct {
	Type         string              `json:"type"`
	PDFFilename  string              `json:"pdf_filename,omitempty"`
	PageNumber   int                 `json:"page_number,omitempty"`
	ItemID       int64               `json:"item_id,omitempty"`
	LockedBy     string              `json:"locked_by,omitempty"`
	ReviewStatus *items.ReviewStatus `json:"review_status,omitempty"`
	Version      int64               `json:"version,omitempty"`
	CurrentLocks []LockEntry         `json:"current_locks,omitempty"`
	Error        string              `json:"error,omitempty"`
}

// SubscribeMessage builds the first client frame for a page.
func SubscribeMessage(page items.PageRef) Message {
	return Message{Type: MessageSubscribe, PDFFilename: page.PDFFilename, PageNumber: page.PageNumber}
}

type connectedMessage struct {
	Type         string      `json:"type"`
	CurrentLocks []LockEntry `json:"current_locks"`
}

type lockAcquiredMessage struct {
	Type     string `json:"type"`
	ItemID   int64  `json:"item_id"`
	LockedBy string `json:"locked_by"`
}

type lockReleasedMessage struct {
	Type   string `json:"type"`
	ItemID int64  `json:"item_id"`
}

type reviewStatusMessage struct {
	Type         string             `json:"type"`
	ItemID       int64              `json:"item_id"`
	ReviewStatus items.ReviewStatus `json:"review_status"`
	Version      int64              `json:"version"`
}

type controlMessage struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

// encode marshals server frames; they are plain structs and cannot fail.
func encode(message any) []byte {
	payload, _ := json.Marshal(message)
	return payload
}

// parseClientFrame accepts JSON frames and the bare "ping" text frame.
func parseClientFrame(data []byte) (Message, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == MessagePing {
		return Message{Type: MessagePing}, nil
	}
	var message Message
	if err := json.Unmarshal([]byte(trimmed), &message); err != nil {
		return Message{}, fmt.Errorf("malformed frame: %w", err)
	}
	if message.Type == "" {
		return Message{}, fmt.Errorf("frame without type")
	}
	return message, nil
}

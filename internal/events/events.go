// Package events mirrors collaborative review events onto a message bus so
// services outside the WebSocket fan-out can observe lock and review
// activity.
package events

import (
	"context"
	"time"
)

// Subject constants
const (
	SubjectLockAcquired        = "rebate.lock.acquired"
	SubjectLockReleased        = "rebate.lock.released"
	SubjectReviewStatusUpdated = "rebate.review_status.updated"

	// SubjectWildcard matches every subject published by this package.
	SubjectWildcard = "rebate.>"
)

// Event types

type LockAcquired struct {
	PDFFilename string    `json:"pdf_filename"`
	PageNumber  int       `json:"page_number"`
	ItemID      int64     `json:"item_id"`
	LockedBy    string    `json:"locked_by"`
	OccurredAt  time.Time `json:"occurred_at"`
}

type LockReleased struct {
	PDFFilename string    `json:"pdf_filename"`
	PageNumber  int       `json:"page_number"`
	ItemID      int64     `json:"item_id"`
	OccurredAt  time.Time `json:"occurred_at"`
}

type ReviewStatusUpdated struct {
	PDFFilename  string    `json:"pdf_filename"`
	PageNumber   int       `json:"page_number"`
	ItemID       int64     `json:"item_id"`
	ReviewStatus any       `json:"review_status"`
	Version      int64     `json:"version"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, subject string, event any) error
	Close() error
}

package model

import "time"

type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

// Dispatchable reports whether a record in this status may enter dispatch.
// failed is included so a partially-submitted record can be resumed.
func (s Status) Dispatchable() bool {
	return s == StatusDraft || s == StatusScheduled || s == StatusFailed
}

type MessageRecord struct {
	ID          int64
	Body        string
	Category    string
	Subcategory string
	Attachment  AttachmentRef

	// Recipients are normalized digit-only phone numbers, deduplicated,
	// in insertion order.
	Recipients []string

	Status      Status
	ScheduledAt *time.Time

	// GroupIDs holds one gateway group id per accepted batch, in batch order.
	GroupIDs []string

	AttemptedCount int
	SuccessCount   int
	FailCount      int

	CountsOverriddenAt *time.Time
	OverrideNote       *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

package model

import "time"

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFail    Outcome = "fail"
	OutcomeUnknown Outcome = "unknown"
)

// DeliveryLogEntry is one gateway-reported outcome for one recipient.
// Rows are append-only; a retried delivery shows up as a second row with a
// later ReportedAt, never as an overwrite.
type DeliveryLogEntry struct {
	MessageID  int64
	Recipient  string
	Outcome    Outcome
	ReportedAt time.Time
}

// DiscrepancyRow is emitted only when the two membership booleans disagree.
type DiscrepancyRow struct {
	Recipient     string `json:"recipient"`
	InTargetList  bool   `json:"in_target_list"`
	InDeliveryLog bool   `json:"in_delivery_log"`
}

// DiscrepancyReport is derived on demand and never persisted.
type DiscrepancyReport struct {
	MessageID int64            `json:"message_id"`
	Status    Status           `json:"status"`
	Rows      []DiscrepancyRow `json:"rows"`

	// SilentlyDropped lists recipients targeted but absent from every
	// delivery log entry, despite a sent/partial status.
	SilentlyDropped []string `json:"silently_dropped"`

	StoredSuccess int `json:"stored_success"`
	StoredFail    int `json:"stored_fail"`
	LoggedSuccess int `json:"logged_success"`
	LoggedFail    int `json:"logged_fail"`
	LoggedUnknown int `json:"logged_unknown"`

	// CountMismatch flags stored aggregates that disagree with the summed
	// log. Advisory only; never auto-corrected.
	CountMismatch bool `json:"count_mismatch"`
}

// BatchSubmission is one gateway send request; never larger than the
// configured batch limit.
type BatchSubmission struct {
	Recipients     []string
	Body           string
	MediaID        string
	SenderID       string
	IdempotencyKey string
}

// BatchReceipt is the gateway's acknowledgement of one accepted batch.
type BatchReceipt struct {
	GroupID       string
	AcceptedCount int
}

package model

import "errors"

var (
	// ErrMessageNotFound is returned by the store for an unknown message id.
	ErrMessageNotFound = errors.New("message not found")

	// ErrNotDue guards direct dispatch of a scheduled message before its
	// send time.
	ErrNotDue = errors.New("message is scheduled but not yet due")

	// ErrNoRecipients rejects dispatch of a record whose recipient list
	// normalizes to empty.
	ErrNoRecipients = errors.New("message has no valid recipients")

	// ErrAttachmentUnavailable covers fetch timeouts and size-ceiling
	// violations; the owning message is left untouched.
	ErrAttachmentUnavailable = errors.New("attachment unavailable")

	// ErrAttachmentRejected covers gateway refusal of an upload.
	ErrAttachmentRejected = errors.New("attachment rejected by gateway")

	// ErrBatchSubmissionFailed marks a synchronous batch submission error.
	// Batches accepted before the failure keep their group ids and are not
	// resent on retry.
	ErrBatchSubmissionFailed = errors.New("batch submission failed")

	// ErrReconciliationUnavailable means the gateway log query failed; no
	// counts were mutated and the next pass retries.
	ErrReconciliationUnavailable = errors.New("delivery log unavailable")

	// ErrStatusConflict is returned when an operation requires a status the
	// record no longer holds (e.g. cancelling a message already sending).
	ErrStatusConflict = errors.New("message status does not permit operation")
)

package model

import "time"

// Dead-letter reason codes.
const (
	ReasonParseError        = "parse_error"
	ReasonSchemaViolation   = "schema_violation"
	ReasonDispatchExhausted = "dispatch_exhausted"
)

// DeadLetterRecord is one rejected or undeliverable input line, persisted
// verbatim so no data is ever silently lost.
type DeadLetterRecord struct {
	// Raw is the input line exactly as read, without the trailing newline.
	Raw string `json:"raw"`

	// Reason is one of the Reason* codes.
	Reason string `json:"reason"`

	// Detail carries the parse or validation error text, if any.
	Detail string `json:"detail,omitempty"`

	// Source file and byte range the line was read from.
	Source string `json:"source"`
	Start  int64  `json:"start"`
	End    int64  `json:"end"`

	// BatchID links dispatch_exhausted records to their batch.
	BatchID string `json:"batch_id,omitempty"`

	RejectedAt time.Time `json:"rejected_at"`
}

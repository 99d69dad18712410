package models

import "time"

// InvoiceStatus tracks an upload through the conversion pipeline.
type InvoiceStatus string

const (
	StatusUploaded   InvoiceStatus = "Uploaded"
	StatusConverting InvoiceStatus = "Converting"
	StatusProcessed  InvoiceStatus = "Processed"
	StatusError      InvoiceStatus = "Error"
)

// Invoice is the per-upload lifecycle record. The id is immutable after
// creation; only the pipeline moves the status forward.
type Invoice struct {
	ID          string        `json:"id"`
	UserID      int64         `json:"user_id"`
	Filename    string        `json:"filename"`
	StoragePath string        `json:"storage_path"`
	Status      InvoiceStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// CanTransitionTo reports whether moving to next is a legal forward step.
// Transitions are one-directional; terminal states are never re-entered.
func (s InvoiceStatus) CanTransitionTo(next InvoiceStatus) bool {
	switch s {
	case StatusUploaded:
		return next == StatusConverting || next == StatusProcessed || next == StatusError
	case StatusConverting:
		return next == StatusProcessed || next == StatusError
	default:
		return false
	}
}

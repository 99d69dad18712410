package models

import "time"

// Document is the indexed representation of a processed invoice: the OCR
// text plus its embedding vector. At most one document exists per invoice;
// the record is immutable once written.
type Document struct {
	ID         string    `json:"id"`
	InvoiceID  string    `json:"invoice_id"`
	UserID     int64     `json:"user_id"`
	Content    string    `json:"content"`
	Embedding  []float64 `json:"embedding"`
	SourceName string    `json:"source_name"`
	DocType    string    `json:"doc_type"`
	CreatedAt  time.Time `json:"created_at"`
}

// RetrievedDocument is a document selected for answering, carrying the
// user-facing display name resolved from the owning invoice record.
type RetrievedDocument struct {
	InvoiceID   string  `json:"invoice_id"`
	DocumentID  string  `json:"document_id"`
	Content     string  `json:"content"`
	DisplayName string  `json:"display_name"`
	Score       float64 `json:"score,omitempty"`
}

// Package indexer turns a canonical invoice image into an indexed document:
// OCR text plus embedding, persisted as one row.
package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"invoqa/internal/models"
	"invoqa/internal/service/ai"
	"invoqa/internal/service/ocr"

	"github.com/google/uuid"
)

var (
	// ErrEmptyExtraction means OCR produced no usable text. Reported, not
	// retried.
	ErrEmptyExtraction = errors.New("no text extracted from image")
	// ErrEmbeddingFailure wraps an embedding-service error. The caller may
	// retry; no document is written without a real vector.
	ErrEmbeddingFailure = errors.New("embedding failed")
)

const docTypeInvoice = "invoice"

// Service builds and persists document records.
type Service struct {
	db       *sql.DB
	ocr      ocr.Extractor
	embedder ai.Embedder
}

// NewService builds a new indexer.
func NewService(db *sql.DB, extractor ocr.Extractor, embedder ai.Embedder) *Service {
	return &Service{db: db, ocr: extractor, embedder: embedder}
}

// Process indexes the canonical image for the given invoice. Processing is
// idempotent per invoice: if a document already exists the existing record
// is returned and nothing is written.
func (s *Service) Process(ctx context.Context, inv *models.Invoice, imagePath string) (*models.Document, error) {
	if inv == nil || inv.ID == "" {
		return nil, errors.New("invoice is required")
	}

	if existing, err := s.GetByInvoice(ctx, inv.ID); err == nil {
		log.Printf("indexer: invoice %s already processed, skipping", inv.ID)
		return existing, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	text, err := s.ocr.ExtractText(ctx, imagePath)
	if err != nil {
		return nil, fmt.Errorf("extract text: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyExtraction
	}

	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailure, err)
	}

	doc := &models.Document{
		ID:         uuid.NewString(),
		InvoiceID:  inv.ID,
		UserID:     inv.UserID,
		Content:    text,
		Embedding:  vector,
		SourceName: inv.Filename,
		DocType:    docTypeInvoice,
		CreatedAt:  time.Now().UTC(),
	}

	encoded, err := json.Marshal(doc.Embedding)
	if err != nil {
		return nil, fmt.Errorf("encode embedding: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (id, invoice_id, user_id, content, embedding, source_name, doc_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.InvoiceID, doc.UserID, doc.Content, string(encoded), doc.SourceName, doc.DocType, doc.CreatedAt,
	)
	if err != nil {
		// A concurrent run may have indexed the same invoice between the
		// pre-check and the insert; the UNIQUE(invoice_id) constraint turns
		// that race into an idempotent success.
		if existing, getErr := s.GetByInvoice(ctx, inv.ID); getErr == nil {
			log.Printf("indexer: invoice %s indexed concurrently", inv.ID)
			return existing, nil
		}
		return nil, fmt.Errorf("store document: %w", err)
	}

	log.Printf("indexer: processed invoice %s into document %s (%d chars)", inv.ID, doc.ID, len(text))
	return doc, nil
}

// HasDocument reports whether the invoice is already indexed.
func (s *Service) HasDocument(ctx context.Context, invoiceID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM documents WHERE invoice_id = ?)`, invoiceID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check document: %w", err)
	}
	return exists, nil
}

// GetByInvoice loads the document indexed for an invoice.
func (s *Service) GetByInvoice(ctx context.Context, invoiceID string) (*models.Document, error) {
	var (
		doc     models.Document
		encoded string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, invoice_id, user_id, content, embedding, source_name, doc_type, created_at
		 FROM documents WHERE invoice_id = ?`, invoiceID,
	).Scan(&doc.ID, &doc.InvoiceID, &doc.UserID, &doc.Content, &encoded, &doc.SourceName, &doc.DocType, &doc.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	if err := json.Unmarshal([]byte(encoded), &doc.Embedding); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	return &doc, nil
}

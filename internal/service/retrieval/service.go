// Package retrieval selects the indexed documents a question should be
// answered from and bounds the text handed to the prompt.
package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"invoqa/internal/config"
	"invoqa/internal/models"
	"invoqa/internal/service/ai"
	"invoqa/internal/service/invoice"
)

// Service answers "which documents, with how much text" for a query.
type Service struct {
	db       *sql.DB
	embedder ai.Embedder
	cfg      config.RetrievalConfig
}

// Result is the outcome of a retrieval. Zero documents is a valid,
// explicitly reported result, not an error.
type Result struct {
	Documents []models.RetrievedDocument `json:"documents"`
}

// NewService builds a retrieval service.
func NewService(db *sql.DB, embedder ai.Embedder, cfg config.RetrievalConfig) *Service {
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = config.DefaultSimilarityThreshold
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = config.DefaultMaxResults
	}
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = config.DefaultContextBudget
	}
	return &Service{db: db, embedder: embedder, cfg: cfg}
}

// Retrieve selects documents for the query. With explicit invoice ids it
// loads exactly those the user owns, in the requested order; otherwise it
// falls back to similarity search over the user's own documents. Content is
// truncated to the per-document share of the context budget before return.
func (s *Service) Retrieve(ctx context.Context, userID int64, query string, documentIDs []string) (*Result, error) {
	var (
		docs []models.RetrievedDocument
		err  error
	)
	if len(documentIDs) > 0 {
		docs, err = s.selectByInvoiceIDs(ctx, userID, documentIDs)
	} else {
		docs, err = s.similaritySearch(ctx, userID, query)
	}
	if err != nil {
		return nil, err
	}
	s.boundContext(docs)
	return &Result{Documents: docs}, nil
}

// selectByInvoiceIDs filters at the store layer: ownership and invoice-id
// membership are both part of the query, so another user's documents never
// leave the database.
func (s *Service) selectByInvoiceIDs(ctx context.Context, userID int64, invoiceIDs []string) ([]models.RetrievedDocument, error) {
	ids := dedupe(invoiceIDs)
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.invoice_id, d.content, d.source_name, i.filename
		 FROM documents d
		 LEFT JOIN invoices i ON i.id = d.invoice_id
		 WHERE d.user_id = ? AND d.invoice_id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("select documents: %w", err)
	}
	defer rows.Close()

	byInvoice := make(map[string]models.RetrievedDocument, len(ids))
	for rows.Next() {
		var (
			doc      models.RetrievedDocument
			source   string
			filename sql.NullString
		)
		if err := rows.Scan(&doc.DocumentID, &doc.InvoiceID, &doc.Content, &source, &filename); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc.DisplayName = displayName(doc.InvoiceID, filename)
		byInvoice[doc.InvoiceID] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Preserve the caller's document order; ids that resolved to nothing
	// (unprocessed, or not this user's) are silently absent.
	docs := make([]models.RetrievedDocument, 0, len(byInvoice))
	for _, id := range ids {
		if doc, ok := byInvoice[id]; ok {
			docs = append(docs, doc)
		}
	}
	log.Printf("retrieval: matched %d of %d requested documents for user %d", len(docs), len(ids), userID)
	return docs, nil
}

// similaritySearch embeds the query and ranks the user's documents by
// cosine similarity, keeping scores above the threshold up to the result
// cap. Ties go to the most recently indexed document.
func (s *Service) similaritySearch(ctx context.Context, userID int64, query string) ([]models.RetrievedDocument, error) {
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.invoice_id, d.content, d.embedding, d.created_at, i.filename
		 FROM documents d
		 LEFT JOIN invoices i ON i.id = d.invoice_id
		 WHERE d.user_id = ?`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()

	type scored struct {
		doc       models.RetrievedDocument
		createdAt time.Time
	}
	var candidates []scored
	for rows.Next() {
		var (
			doc       models.RetrievedDocument
			encoded   string
			createdAt time.Time
			filename  sql.NullString
		)
		if err := rows.Scan(&doc.DocumentID, &doc.InvoiceID, &doc.Content, &encoded, &createdAt, &filename); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		var vec []float64
		if err := json.Unmarshal([]byte(encoded), &vec); err != nil {
			log.Printf("retrieval: document %s has unreadable embedding, skipping: %v", doc.DocumentID, err)
			continue
		}
		score := CosineSimilarity(queryVec, vec)
		if score < s.cfg.SimilarityThreshold {
			continue
		}
		doc.Score = score
		doc.DisplayName = displayName(doc.InvoiceID, filename)
		candidates = append(candidates, scored{doc: doc, createdAt: createdAt})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].doc.Score != candidates[j].doc.Score {
			return candidates[i].doc.Score > candidates[j].doc.Score
		}
		return candidates[i].createdAt.After(candidates[j].createdAt)
	})
	if len(candidates) > s.cfg.MaxResults {
		candidates = candidates[:s.cfg.MaxResults]
	}

	docs := make([]models.RetrievedDocument, 0, len(candidates))
	for _, c := range candidates {
		docs = append(docs, c.doc)
	}
	return docs, nil
}

// boundContext truncates each document to its share of the total context
// budget. The share shrinks as the document count grows, so the combined
// prompt text stays bounded no matter how many documents were selected.
func (s *Service) boundContext(docs []models.RetrievedDocument) {
	if len(docs) == 0 {
		return
	}
	share := s.cfg.ContextBudget / len(docs)
	for i := range docs {
		if len(docs[i].Content) > share {
			docs[i].Content = truncateAtRune(docs[i].Content, share)
		}
	}
}

// truncateAtRune cuts s to at most max bytes, backing off so the cut never
// splits a multi-byte rune.
func truncateAtRune(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// PerDocumentBudget reports the character budget one document gets when n
// documents are selected.
func (s *Service) PerDocumentBudget(n int) int {
	if n <= 0 {
		return s.cfg.ContextBudget
	}
	return s.cfg.ContextBudget / n
}

// CosineSimilarity returns the normalized dot product of two vectors, or 0
// when dimensions mismatch or either vector is zero.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func displayName(invoiceID string, filename sql.NullString) string {
	if filename.Valid && strings.TrimSpace(filename.String) != "" {
		return filename.String
	}
	return invoice.FallbackDisplayName(invoiceID)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

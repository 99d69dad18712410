// Package qa turns a question plus retrieved invoice context into one
// completion call and a structured answer.
package qa

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"invoqa/internal/models"
	"invoqa/internal/service/ai"
	"invoqa/internal/service/chat"
	"invoqa/internal/service/retrieval"
)

// FallbackAnswer is returned whenever answering fails; the real cause goes
// into the response sources, never to the user verbatim.
const FallbackAnswer = "I encountered an error processing your question. Please try again."

const recordTimeout = 30 * time.Second

// Answer is the structured response to one question.
type Answer struct {
	Answer  string  `json:"answer"`
	Sources Sources `json:"sources"`
}

// Sources describes which documents the answer was grounded on.
type Sources struct {
	DocumentCount int      `json:"document_count"`
	DocumentIDs   []string `json:"document_ids"`
	Documents     []string `json:"documents_processed"`
	Error         string   `json:"error,omitempty"`
}

// Service orchestrates retrieval, completion, and history recording.
type Service struct {
	retrieval *retrieval.Service
	completer ai.Completer
	embedder  ai.Embedder
	ledger    *chat.Service
}

// NewService builds a new QA orchestrator.
func NewService(retrievalSvc *retrieval.Service, completer ai.Completer, embedder ai.Embedder, ledger *chat.Service) *Service {
	return &Service{retrieval: retrievalSvc, completer: completer, embedder: embedder, ledger: ledger}
}

// AnswerQuestion answers the query from the user's selected documents.
// Failures never escape: they degrade into the fallback answer with a
// structured error in the sources.
func (s *Service) AnswerQuestion(ctx context.Context, userID int64, sessionID, query string, documentIDs []string) *Answer {
	result, err := s.retrieval.Retrieve(ctx, userID, query, documentIDs)
	if err != nil {
		log.Printf("qa: retrieval failed for user %d: %v", userID, err)
		return failedAnswer(documentIDs, err)
	}

	prompt := buildPrompt(query, documentIDs, result.Documents)
	response, err := s.completer.Complete(ctx, prompt)
	if err != nil {
		log.Printf("qa: completion failed for user %d: %v", userID, err)
		return failedAnswer(documentIDs, err)
	}

	// History is best-effort and off the answer path.
	go s.recordHistory(userID, sessionID, query, response, documentIDs)

	names := make([]string, 0, len(result.Documents))
	for _, doc := range result.Documents {
		names = append(names, doc.DisplayName)
	}
	return &Answer{
		Answer: response,
		Sources: Sources{
			DocumentCount: len(result.Documents),
			DocumentIDs:   emptyIfNil(documentIDs),
			Documents:     names,
		},
	}
}

// buildPrompt frames the completion request. The four cases (nothing
// selected, selected but unindexed, one document, several documents) each
// get their own guidance.
func buildPrompt(query string, requestedIDs []string, docs []models.RetrievedDocument) string {
	if len(docs) == 0 {
		if len(requestedIDs) > 0 {
			return fmt.Sprintf(`You are a helpful assistant for invoice analysis.

USER QUESTION: %s

The selected documents (%d documents) haven't been processed for AI analysis yet, or no matching content was found.

Please explain that these specific documents need to be processed first, or suggest selecting different documents that have been processed.
`, query, len(requestedIDs))
		}
		return fmt.Sprintf(`You are a helpful assistant for invoice analysis.

USER QUESTION: %s

No documents were selected for analysis. Please ask the user to select one or more processed invoices to analyze.
`, query)
	}

	var formatted strings.Builder
	var contextDescription string
	if len(docs) == 1 {
		doc := docs[0]
		formatted.WriteString("INVOICE DOCUMENT:\n\n")
		fmt.Fprintf(&formatted, "Document: %s\n", doc.DisplayName)
		fmt.Fprintf(&formatted, "Content: %s\n\n", doc.Content)
		contextDescription = fmt.Sprintf("the invoice document %q", doc.DisplayName)
	} else {
		fmt.Fprintf(&formatted, "MULTIPLE INVOICE DOCUMENTS (%d documents):\n\n", len(docs))
		names := make([]string, 0, len(docs))
		for i, doc := range docs {
			names = append(names, doc.DisplayName)
			fmt.Fprintf(&formatted, "[Document %d] %s\n", i+1, doc.DisplayName)
			fmt.Fprintf(&formatted, "Content: %s\n\n", doc.Content)
		}
		contextDescription = fmt.Sprintf("the invoice documents: %s", strings.Join(names, ", "))
	}

	return fmt.Sprintf(`You are a helpful assistant that answers questions about invoice documents.
Use the following invoice information to answer the user's question accurately.

%s
USER QUESTION: %s

Instructions:
- Analyze ALL the provided documents when answering
- When referencing documents, use their display names
- If comparing or summarizing multiple documents, clearly distinguish between them by their display names
- If extracting data (like totals, dates, vendors), provide information from ALL relevant documents
- If the question asks for specific data, format it clearly (e.g., use tables, lists, or clear sections)
- Be comprehensive but concise

Please provide a helpful and accurate answer based on %s.
`, formatted.String(), query, contextDescription)
}

// recordHistory appends the exchange to the ledger. The request that
// produced the answer has already returned, so this runs on its own
// deadline and only logs on failure.
func (s *Service) recordHistory(userID int64, sessionID, query, response string, documentIDs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	var queryEmbedding []float64
	if vec, err := s.embedder.Embed(ctx, query); err != nil {
		log.Printf("qa: query embedding for history failed: %v", err)
	} else {
		queryEmbedding = vec
	}

	_, err := s.ledger.RecordExchange(ctx, models.Exchange{
		UserID:      userID,
		SessionID:   sessionID,
		Query:       query,
		Response:    response,
		DocumentIDs: documentIDs,
	}, queryEmbedding)
	if err != nil {
		log.Printf("qa: recording exchange failed for user %d: %v", userID, err)
	}
}

func failedAnswer(documentIDs []string, err error) *Answer {
	return &Answer{
		Answer: FallbackAnswer,
		Sources: Sources{
			DocumentIDs: emptyIfNil(documentIDs),
			Documents:   []string{},
			Error:       err.Error(),
		},
	}
}

func emptyIfNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

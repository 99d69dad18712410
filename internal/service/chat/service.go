// Package chat owns chat sessions and the two append-only message streams
// behind them, merging both into one transcript at read time.
package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"invoqa/internal/models"

	"github.com/google/uuid"
)

// DefaultSessionTitle is used when neither a title nor a first message is
// available to derive one from.
const DefaultSessionTitle = "New Chat Session"

// Service persists sessions, exchanges, and messages.
type Service struct {
	db *sql.DB
}

// NewService builds a new chat ledger.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// CreateSession inserts a new active session. An empty title falls back to
// the default.
func (s *Service) CreateSession(ctx context.Context, userID int64, title string, selectedDocs, documentNames []string) (*models.ChatSession, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultSessionTitle
	}
	now := time.Now().UTC()
	session := &models.ChatSession{
		ID:            uuid.NewString(),
		UserID:        userID,
		Title:         title,
		SelectedDocs:  emptyIfNil(selectedDocs),
		DocumentNames: emptyIfNil(documentNames),
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	docsJSON, namesJSON, err := encodeLists(session.SelectedDocs, session.DocumentNames)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, user_id, title, selected_documents, document_names, message_count, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, 1, ?, ?)`,
		session.ID, session.UserID, session.Title, docsJSON, namesJSON, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// ListSessions returns one page of the user's active sessions ordered by
// most recent activity.
func (s *Service) ListSessions(ctx context.Context, userID int64, limit, offset int) ([]models.ChatSession, error) {
	if limit < 1 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, selected_documents, document_names, message_count, is_active, created_at, updated_at
		 FROM chat_sessions WHERE user_id = ? AND is_active = 1
		 ORDER BY updated_at DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.ChatSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// GetSessionWithMessages loads one session and its merged transcript. A
// session owned by someone else is indistinguishable from a missing one.
func (s *Service) GetSessionWithMessages(ctx context.Context, userID int64, sessionID string) (*models.ChatSession, []models.TranscriptEntry, error) {
	session, err := s.getOwned(ctx, userID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	transcript, err := s.mergedTranscript(ctx, sessionID)
	if err != nil {
		return session, nil, err
	}
	return session, transcript, nil
}

// mergedTranscript combines the exchange stream (each row expanding to a
// user turn immediately followed by a system turn at the same timestamp)
// with the role-tagged message stream, ordered by timestamp.
func (s *Service) mergedTranscript(ctx context.Context, sessionID string) ([]models.TranscriptEntry, error) {
	var entries []models.TranscriptEntry

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, query, response, created_at FROM chat_history
		 WHERE session_id = ? ORDER BY created_at ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list exchanges: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, query, response string
			createdAt           time.Time
		)
		if err := rows.Scan(&id, &query, &response, &createdAt); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		entries = append(entries,
			models.TranscriptEntry{ID: id, Role: models.RoleUser, Text: query, Timestamp: createdAt, Source: "history"},
			models.TranscriptEntry{ID: id + "_response", Role: models.RoleSystem, Text: response, Timestamp: createdAt, Source: "history"},
		)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	msgRows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, created_at FROM chat_messages
		 WHERE session_id = ? ORDER BY created_at ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer msgRows.Close()
	for msgRows.Next() {
		var entry models.TranscriptEntry
		if err := msgRows.Scan(&entry.ID, &entry.Role, &entry.Text, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		entry.Source = "messages"
		entries = append(entries, entry)
	}
	if err := msgRows.Err(); err != nil {
		return nil, err
	}

	// Stable sort keeps the user-before-system pair order on equal
	// timestamps.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries, nil
}

// UpdateSession applies a partial update; nil fields keep their prior value.
func (s *Service) UpdateSession(ctx context.Context, userID int64, sessionID string, update models.SessionUpdate) (*models.ChatSession, error) {
	session, err := s.getOwned(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if update.Title == nil && update.SelectedDocs == nil && update.DocumentNames == nil {
		return nil, errors.New("no updates provided")
	}
	if update.Title != nil {
		title := strings.TrimSpace(*update.Title)
		if title == "" {
			return nil, errors.New("title cannot be empty")
		}
		session.Title = title
	}
	if update.SelectedDocs != nil {
		session.SelectedDocs = emptyIfNil(*update.SelectedDocs)
	}
	if update.DocumentNames != nil {
		session.DocumentNames = emptyIfNil(*update.DocumentNames)
	}
	session.UpdatedAt = time.Now().UTC()

	docsJSON, namesJSON, err := encodeLists(session.SelectedDocs, session.DocumentNames)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET title = ?, selected_documents = ?, document_names = ?, updated_at = ?
		 WHERE id = ? AND user_id = ? AND is_active = 1`,
		session.Title, docsJSON, namesJSON, session.UpdatedAt, sessionID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, sql.ErrNoRows
	}
	return session, nil
}

// DeleteSession soft-deletes: the session drops out of listings but the
// rows stay behind. There is no resurrection path.
func (s *Service) DeleteSession(ctx context.Context, userID int64, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET is_active = 0, updated_at = ? WHERE id = ? AND user_id = ? AND is_active = 1`,
		time.Now().UTC(), sessionID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RecordExchange appends one query/response pair to the history stream.
// The session id may be empty for sessionless questions; a non-empty one
// must name a session the user owns.
func (s *Service) RecordExchange(ctx context.Context, ex models.Exchange, queryEmbedding []float64) (*models.Exchange, error) {
	if ex.UserID <= 0 {
		return nil, errors.New("user_id is required")
	}
	if ex.SessionID != "" {
		if _, err := s.getOwned(ctx, ex.UserID, ex.SessionID); err != nil {
			return nil, err
		}
	}
	ex.ID = uuid.NewString()
	ex.CreatedAt = time.Now().UTC()
	if ex.DocumentIDs == nil {
		ex.DocumentIDs = []string{}
	}
	docsJSON, err := json.Marshal(ex.DocumentIDs)
	if err != nil {
		return nil, fmt.Errorf("encode document ids: %w", err)
	}
	var embJSON sql.NullString
	if len(queryEmbedding) > 0 {
		encoded, err := json.Marshal(queryEmbedding)
		if err != nil {
			return nil, fmt.Errorf("encode query embedding: %w", err)
		}
		embJSON = sql.NullString{String: string(encoded), Valid: true}
	}
	var sessionID sql.NullString
	if ex.SessionID != "" {
		sessionID = sql.NullString{String: ex.SessionID, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_history (id, user_id, session_id, query, query_embedding, response, document_ids, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.UserID, sessionID, ex.Query, embJSON, ex.Response, string(docsJSON), ex.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("record exchange: %w", err)
	}
	if ex.SessionID != "" {
		if err := s.refreshSessionStats(ctx, ex.SessionID); err != nil {
			return nil, err
		}
	}
	return &ex, nil
}

// AppendMessage appends one role-tagged turn to the message stream. The
// session must exist and belong to the user.
func (s *Service) AppendMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	if msg.SessionID == "" {
		return nil, errors.New("session_id is required")
	}
	if _, err := s.getOwned(ctx, msg.UserID, msg.SessionID); err != nil {
		return nil, err
	}
	msg.Content = strings.TrimSpace(msg.Content)
	if msg.Content == "" {
		return nil, errors.New("content cannot be empty")
	}
	msg.ID = uuid.NewString()
	msg.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, user_id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.UserID, msg.SessionID, msg.Role, msg.Content, msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	if err := s.refreshSessionStats(ctx, msg.SessionID); err != nil {
		return nil, err
	}
	return &msg, nil
}

// refreshSessionStats re-derives the denormalized message count from both
// streams and bumps the activity timestamp.
func (s *Service) refreshSessionStats(ctx context.Context, sessionID string) error {
	var historyCount, messageCount int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_history WHERE session_id = ?`, sessionID,
	).Scan(&historyCount); err != nil {
		return fmt.Errorf("count history: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_messages WHERE session_id = ?`, sessionID,
	).Scan(&messageCount); err != nil {
		return fmt.Errorf("count messages: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET message_count = ?, updated_at = ? WHERE id = ?`,
		historyCount+messageCount, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session stats: %w", err)
	}
	return nil
}

func (s *Service) getOwned(ctx context.Context, userID int64, sessionID string) (*models.ChatSession, error) {
	if sessionID == "" {
		return nil, errors.New("session_id is required")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, selected_documents, document_names, message_count, is_active, created_at, updated_at
		 FROM chat_sessions WHERE id = ? AND user_id = ? AND is_active = 1`,
		sessionID, userID,
	)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

var titleCleaner = regexp.MustCompile(`[^\w\s]`)

// GenerateSessionTitle derives a short title from the first question: the
// first few words, punctuation stripped, capitalized.
func GenerateSessionTitle(firstMessage string) string {
	cleaned := titleCleaner.ReplaceAllString(firstMessage, "")
	words := strings.Fields(cleaned)
	if len(words) > 6 {
		words = words[:6]
	}
	if len(strings.Join(words, " ")) < 3 {
		return DefaultSessionTitle
	}
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.ChatSession, error) {
	var (
		session             models.ChatSession
		docsJSON, namesJSON string
	)
	if err := row.Scan(&session.ID, &session.UserID, &session.Title, &docsJSON, &namesJSON,
		&session.MessageCount, &session.IsActive, &session.CreatedAt, &session.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(docsJSON), &session.SelectedDocs); err != nil {
		return nil, fmt.Errorf("decode selected documents: %w", err)
	}
	if err := json.Unmarshal([]byte(namesJSON), &session.DocumentNames); err != nil {
		return nil, fmt.Errorf("decode document names: %w", err)
	}
	return &session, nil
}

func encodeLists(docs, names []string) (string, string, error) {
	docsJSON, err := json.Marshal(docs)
	if err != nil {
		return "", "", fmt.Errorf("encode selected documents: %w", err)
	}
	namesJSON, err := json.Marshal(names)
	if err != nil {
		return "", "", fmt.Errorf("encode document names: %w", err)
	}
	return string(docsJSON), string(namesJSON), nil
}

func emptyIfNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

package models

import "time"

// Chat transcripts are assembled from two append-only streams: Exchange rows
// (a question/answer pair written by the QA orchestrator) and Message rows
// (single role-tagged turns). The ledger merges them at read time.

type Role string

const (
	RoleUser   Role = "user"
	RoleSystem Role = "system"
)

// Exchange is one query/response pair from the history stream.
type Exchange struct {
	ID          string    `json:"id"`
	UserID      int64     `json:"user_id"`
	SessionID   string    `json:"session_id"`
	Query       string    `json:"query"`
	Response    string    `json:"response"`
	DocumentIDs []string  `json:"document_ids"`
	CreatedAt   time.Time `json:"created_at"`
}

// Message is a single role-tagged turn from the message stream.
type Message struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// TranscriptEntry is one turn of the merged transcript. Source names the
// stream the entry came from.
type TranscriptEntry struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

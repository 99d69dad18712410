package models

import "time"

// ChatSession groups a sequence of questions over a selected document set.
// Sessions are soft-deleted: IsActive=false hides them from listings but the
// rows stay behind for audit.
type ChatSession struct {
	ID            string    `json:"id"`
	UserID        int64     `json:"user_id"`
	Title         string    `json:"title"`
	SelectedDocs  []string  `json:"selected_documents"`
	DocumentNames []string  `json:"document_names"`
	MessageCount  int       `json:"message_count"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SessionUpdate carries a partial update; nil fields keep their prior value.
type SessionUpdate struct {
	Title         *string
	SelectedDocs  *[]string
	DocumentNames *[]string
}

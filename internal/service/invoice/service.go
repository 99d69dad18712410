// Package invoice owns the per-upload lifecycle records and their status
// machine.
package invoice

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"invoqa/internal/models"

	"github.com/google/uuid"
)

// ErrInvalidTransition is returned when a status update would move a record
// backwards or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid status transition")

// Service persists invoice records.
type Service struct {
	db *sql.DB
}

// NewService builds a new invoice service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Create inserts a freshly uploaded invoice in the Uploaded state.
func (s *Service) Create(ctx context.Context, userID int64, filename, storagePath string) (*models.Invoice, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return nil, errors.New("filename is required")
	}
	now := time.Now().UTC()
	inv := &models.Invoice{
		ID:          uuid.NewString(),
		UserID:      userID,
		Filename:    filename,
		StoragePath: storagePath,
		Status:      models.StatusUploaded,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invoices (id, user_id, filename, storage_path, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.UserID, inv.Filename, inv.StoragePath, inv.Status, inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}
	return inv, nil
}

// Get returns an invoice owned by the user. A record owned by someone else
// is reported as sql.ErrNoRows, same as a missing one.
func (s *Service) Get(ctx context.Context, userID int64, id string) (*models.Invoice, error) {
	return s.get(ctx, `SELECT id, user_id, filename, storage_path, status, created_at, updated_at
		FROM invoices WHERE id = ? AND user_id = ?`, id, userID)
}

// GetAny loads a record without an ownership filter. Pipeline internal; the
// HTTP surface always goes through Get.
func (s *Service) GetAny(ctx context.Context, id string) (*models.Invoice, error) {
	return s.get(ctx, `SELECT id, user_id, filename, storage_path, status, created_at, updated_at
		FROM invoices WHERE id = ?`, id)
}

func (s *Service) get(ctx context.Context, query string, args ...any) (*models.Invoice, error) {
	var inv models.Invoice
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&inv.ID, &inv.UserID, &inv.Filename, &inv.StoragePath, &inv.Status, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	return &inv, nil
}

// ListParams controls pagination and filtering for List.
type ListParams struct {
	Page   int
	Limit  int
	Search string
}

// List returns one page of the user's invoices newest-first, plus the total
// match count.
func (s *Service) List(ctx context.Context, userID int64, p ListParams) ([]models.Invoice, int, error) {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 || p.Limit > 100 {
		p.Limit = 10
	}
	where := `WHERE user_id = ?`
	args := []any{userID}
	if search := strings.TrimSpace(p.Search); search != "" {
		where += ` AND filename LIKE ?`
		args = append(args, "%"+search+"%")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM invoices `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count invoices: %w", err)
	}

	query := `SELECT id, user_id, filename, storage_path, status, created_at, updated_at
		FROM invoices ` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, p.Limit, (p.Page-1)*p.Limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	var invoices []models.Invoice
	for rows.Next() {
		var inv models.Invoice
		if err := rows.Scan(&inv.ID, &inv.UserID, &inv.Filename, &inv.StoragePath, &inv.Status, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, total, rows.Err()
}

// UpdateStatus advances the status machine. The update is guarded by the
// current status so concurrent writers cannot replay or reverse a
// transition.
func (s *Service) UpdateStatus(ctx context.Context, id string, next models.InvoiceStatus) error {
	inv, err := s.GetAny(ctx, id)
	if err != nil {
		return err
	}
	if !inv.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inv.Status, next)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE invoices SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		next, time.Now().UTC(), id, inv.Status,
	)
	if err != nil {
		return fmt.Errorf("update invoice status: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: status changed concurrently", ErrInvalidTransition)
	}
	return nil
}

// SetStoragePath points the record at a new stored artifact, e.g. the
// canonical image replacing the source PDF.
func (s *Service) SetStoragePath(ctx context.Context, id, storagePath string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE invoices SET storage_path = ?, updated_at = ? WHERE id = ?`,
		storagePath, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update storage path: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete removes the user's invoice record and its indexed document.
func (s *Service) Delete(ctx context.Context, userID int64, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM invoices WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete invoice: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("invoice rows affected: %w", err)
	}
	if affected == 0 {
		tx.Rollback()
		return sql.ErrNoRows
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM documents WHERE invoice_id = ? AND user_id = ?`, id, userID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete invoice: %w", err)
	}
	return nil
}

// DisplayName resolves the user-facing label for an invoice: the original
// upload filename, or a short id-derived fallback when the record is gone.
func (s *Service) DisplayName(ctx context.Context, id string) string {
	var filename string
	err := s.db.QueryRowContext(ctx, `SELECT filename FROM invoices WHERE id = ?`, id).Scan(&filename)
	if err != nil || strings.TrimSpace(filename) == "" {
		return FallbackDisplayName(id)
	}
	return filename
}

// FallbackDisplayName derives a short label from the invoice id.
func FallbackDisplayName(id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("Document %s...", short)
}

package invoice

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"invoqa/internal/config"
	"invoqa/internal/models"
	"invoqa/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: filepath.Join(t.TempDir(), "invoice_test.db")},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func insertUser(t *testing.T, db *sql.DB, id int64) {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, '', ?)`,
		id, fmt.Sprintf("user_%d", id), time.Now().UTC()); err != nil {
		t.Fatalf("insert user: %v", err)
	}
}

func TestCreateStartsUploaded(t *testing.T) {
	db := openTestDB(t)
	insertUser(t, db, 1)
	svc := NewService(db)

	inv, err := svc.Create(context.Background(), 1, "march.pdf", "/data/1/march.pdf")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if inv.Status != models.StatusUploaded {
		t.Fatalf("status = %s, want Uploaded", inv.Status)
	}
	if inv.ID == "" {
		t.Fatal("missing id")
	}

	stored, err := svc.Get(context.Background(), 1, inv.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Filename != "march.pdf" || stored.StoragePath != "/data/1/march.pdf" {
		t.Fatalf("stored = %+v", stored)
	}

	if _, err := svc.Create(context.Background(), 0, "x.pdf", ""); err == nil {
		t.Fatal("expected error for missing user")
	}
	if _, err := svc.Create(context.Background(), 1, "   ", ""); err == nil {
		t.Fatal("expected error for blank filename")
	}
}

func TestStatusMachine(t *testing.T) {
	db := openTestDB(t)
	insertUser(t, db, 1)
	svc := NewService(db)
	ctx := context.Background()

	inv, err := svc.Create(ctx, 1, "march.pdf", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	steps := []models.InvoiceStatus{models.StatusConverting, models.StatusProcessed}
	for _, next := range steps {
		if err := svc.UpdateStatus(ctx, inv.ID, next); err != nil {
			t.Fatalf("UpdateStatus(%s): %v", next, err)
		}
	}

	// Processed is terminal.
	for _, next := range []models.InvoiceStatus{models.StatusUploaded, models.StatusConverting, models.StatusError} {
		err := svc.UpdateStatus(ctx, inv.ID, next)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("UpdateStatus(Processed -> %s) = %v, want ErrInvalidTransition", next, err)
		}
	}

	// Error is terminal too.
	failed, err := svc.Create(ctx, 1, "april.pdf", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.UpdateStatus(ctx, failed.ID, models.StatusError); err != nil {
		t.Fatalf("UpdateStatus(Error): %v", err)
	}
	if err := svc.UpdateStatus(ctx, failed.ID, models.StatusProcessed); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("UpdateStatus(Error -> Processed) = %v, want ErrInvalidTransition", err)
	}

	if err := svc.UpdateStatus(ctx, "missing", models.StatusError); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("UpdateStatus(missing) = %v, want ErrNoRows", err)
	}
}

func TestListPaginationAndSearch(t *testing.T) {
	db := openTestDB(t)
	insertUser(t, db, 1)
	insertUser(t, db, 2)
	svc := NewService(db)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("inv-%d", i)
		name := fmt.Sprintf("electric_%d.pdf", i)
		if i == 4 {
			name = "water.pdf"
		}
		if _, err := db.Exec(`INSERT INTO invoices (id, user_id, filename, storage_path, status, created_at, updated_at)
			VALUES (?, 1, ?, '', 'Uploaded', ?, ?)`,
			id, name, base.Add(time.Duration(i)*time.Minute), base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("insert invoice: %v", err)
		}
	}
	if _, err := db.Exec(`INSERT INTO invoices (id, user_id, filename, storage_path, status, created_at, updated_at)
		VALUES ('inv-other', 2, 'electric_other.pdf', '', 'Uploaded', ?, ?)`, base, base); err != nil {
		t.Fatalf("insert invoice: %v", err)
	}

	page, total, err := svc.List(ctx, 1, ListParams{Page: 1, Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 5 || len(page) != 2 {
		t.Fatalf("total %d, page size %d", total, len(page))
	}
	// Newest first.
	if page[0].ID != "inv-4" || page[1].ID != "inv-3" {
		t.Fatalf("page order: %s, %s", page[0].ID, page[1].ID)
	}

	page, total, err = svc.List(ctx, 1, ListParams{Page: 3, Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 5 || len(page) != 1 || page[0].ID != "inv-0" {
		t.Fatalf("last page: total %d, %v", total, page)
	}

	page, total, err = svc.List(ctx, 1, ListParams{Search: "electric"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 4 {
		t.Fatalf("search total %d, want 4", total)
	}
	for _, inv := range page {
		if inv.UserID != 1 {
			t.Fatalf("another user's invoice leaked: %+v", inv)
		}
	}
}

func TestGetIsOwnerScoped(t *testing.T) {
	db := openTestDB(t)
	insertUser(t, db, 1)
	insertUser(t, db, 2)
	svc := NewService(db)
	ctx := context.Background()

	inv, err := svc.Create(ctx, 1, "march.pdf", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Get(ctx, 2, inv.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("cross-user Get = %v, want ErrNoRows", err)
	}
	if _, err := svc.GetAny(ctx, inv.ID); err != nil {
		t.Fatalf("GetAny: %v", err)
	}
}

func TestDeleteRemovesInvoiceAndDocument(t *testing.T) {
	db := openTestDB(t)
	insertUser(t, db, 1)
	insertUser(t, db, 2)
	svc := NewService(db)
	ctx := context.Background()

	inv, err := svc.Create(ctx, 1, "march.pdf", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO documents (id, invoice_id, user_id, content, embedding, source_name, doc_type, created_at)
		VALUES ('doc-1', ?, 1, 'text', '[1]', 'march.pdf', 'invoice', ?)`, inv.ID, time.Now().UTC()); err != nil {
		t.Fatalf("insert document: %v", err)
	}

	if err := svc.Delete(ctx, 2, inv.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("cross-user Delete = %v, want ErrNoRows", err)
	}
	if err := svc.Delete(ctx, 1, inv.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	var docs int
	if err := db.QueryRow(`SELECT COUNT(*) FROM documents WHERE invoice_id = ?`, inv.ID).Scan(&docs); err != nil {
		t.Fatalf("count documents: %v", err)
	}
	if docs != 0 {
		t.Fatalf("document survived invoice deletion")
	}
	if err := svc.Delete(ctx, 1, inv.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("second Delete = %v, want ErrNoRows", err)
	}
}

func TestDisplayName(t *testing.T) {
	db := openTestDB(t)
	insertUser(t, db, 1)
	svc := NewService(db)
	ctx := context.Background()

	inv, err := svc.Create(ctx, 1, "march.pdf", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := svc.DisplayName(ctx, inv.ID); got != "march.pdf" {
		t.Fatalf("DisplayName = %q", got)
	}
	if got := svc.DisplayName(ctx, "0123456789abcdef"); got != "Document 01234567..." {
		t.Fatalf("fallback DisplayName = %q", got)
	}
	if got := FallbackDisplayName("abc"); got != "Document abc..." {
		t.Fatalf("short fallback = %q", got)
	}
}

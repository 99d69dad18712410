package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"invoqa/internal/config"
	"invoqa/internal/models"
	"invoqa/internal/service/indexer"
	"invoqa/internal/service/invoice"
	"invoqa/internal/storage"
)

type fakeConverter struct {
	err   error
	calls int
	hook  func() // runs after a successful render, before returning
}

func (f *fakeConverter) ConvertPDF(_ context.Context, _, pngPath string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	if err := os.WriteFile(pngPath, []byte("png"), 0o644); err != nil {
		return err
	}
	if f.hook != nil {
		f.hook()
	}
	return nil
}

type fakeExtractor struct {
	text string
}

func (f fakeExtractor) ExtractText(_ context.Context, _ string) (string, error) {
	return f.text, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, _ string) ([]float64, error) {
	return []float64{1, 0, 0}, nil
}

type harness struct {
	db        *sql.DB
	invoices  *invoice.Service
	indexer   *indexer.Service
	converter *fakeConverter
	svc       *Service
	dir       string
}

func newHarness(t *testing.T, ocrText string) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: filepath.Join(dir, "pipeline_test.db")},
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
	if _, err := db.Exec(`INSERT INTO users (id, username, password_hash, created_at) VALUES (1, 'tester', '', ?)`, time.Now().UTC()); err != nil {
		t.Fatalf("insert user: %v", err)
	}

	invoices := invoice.NewService(db)
	idx := indexer.NewService(db, fakeExtractor{text: ocrText}, fakeEmbedder{})
	converter := &fakeConverter{}
	return &harness{
		db:        db,
		invoices:  invoices,
		indexer:   idx,
		converter: converter,
		svc:       NewService(invoices, idx, converter, nil),
		dir:       dir,
	}
}

// upload writes a source file and creates the invoice record pointing at it.
func (h *harness) upload(t *testing.T, filename string) *models.Invoice {
	t.Helper()
	path := filepath.Join(h.dir, filename)
	if err := os.WriteFile(path, []byte("source"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	inv, err := h.invoices.Create(context.Background(), 1, filename, path)
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	return inv
}

func (h *harness) status(t *testing.T, id string) models.InvoiceStatus {
	t.Helper()
	inv, err := h.invoices.GetAny(context.Background(), id)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	return inv.Status
}

func TestRunConvertsPDF(t *testing.T) {
	h := newHarness(t, "Invoice total $42.00")
	inv := h.upload(t, "march.pdf")

	if err := h.svc.Run(context.Background(), inv.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.status(t, inv.ID); got != models.StatusProcessed {
		t.Fatalf("status = %s, want Processed", got)
	}
	if h.converter.calls != 1 {
		t.Fatalf("converter called %d times", h.converter.calls)
	}

	after, err := h.invoices.GetAny(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	want := filepath.Join(h.dir, "processed", "march.png")
	if after.StoragePath != want {
		t.Fatalf("storage path = %s, want %s", after.StoragePath, want)
	}
	if _, err := os.Stat(after.StoragePath); err != nil {
		t.Fatalf("canonical image missing: %v", err)
	}

	indexed, err := h.indexer.HasDocument(context.Background(), inv.ID)
	if err != nil || !indexed {
		t.Fatalf("HasDocument = %v, %v", indexed, err)
	}
}

func TestRunIndexesImageDirectly(t *testing.T) {
	h := newHarness(t, "Invoice total $42.00")
	inv := h.upload(t, "march.png")

	if err := h.svc.Run(context.Background(), inv.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.converter.calls != 0 {
		t.Fatalf("converter ran for a raster upload")
	}
	if got := h.status(t, inv.ID); got != models.StatusProcessed {
		t.Fatalf("status = %s, want Processed", got)
	}

	// The original file stays the canonical image.
	after, _ := h.invoices.GetAny(context.Background(), inv.ID)
	if after.StoragePath != filepath.Join(h.dir, "march.png") {
		t.Fatalf("storage path = %s", after.StoragePath)
	}
}

func TestRunConversionFailureParksInError(t *testing.T) {
	h := newHarness(t, "text")
	h.converter.err = errors.New("corrupt pdf")
	inv := h.upload(t, "march.pdf")

	err := h.svc.Run(context.Background(), inv.ID)
	if err == nil || !strings.Contains(err.Error(), "corrupt pdf") {
		t.Fatalf("Run = %v", err)
	}
	if got := h.status(t, inv.ID); got != models.StatusError {
		t.Fatalf("status = %s, want Error", got)
	}
}

func TestRunEmptyExtractionParksInError(t *testing.T) {
	h := newHarness(t, "   ")
	inv := h.upload(t, "march.pdf")

	err := h.svc.Run(context.Background(), inv.ID)
	if !errors.Is(err, indexer.ErrEmptyExtraction) {
		t.Fatalf("Run = %v, want ErrEmptyExtraction", err)
	}
	// The record must never be left in Converting.
	if got := h.status(t, inv.ID); got != models.StatusError {
		t.Fatalf("status = %s, want Error", got)
	}
}

func TestRunMissingSourceParksInError(t *testing.T) {
	h := newHarness(t, "text")
	inv, err := h.invoices.Create(context.Background(), 1, "gone.pdf", filepath.Join(h.dir, "gone.pdf"))
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}

	if err := h.svc.Run(context.Background(), inv.ID); err == nil {
		t.Fatal("expected error for missing source file")
	}
	if got := h.status(t, inv.ID); got != models.StatusError {
		t.Fatalf("status = %s, want Error", got)
	}
}

func TestRunUnsupportedTypeParksInError(t *testing.T) {
	h := newHarness(t, "text")
	inv := h.upload(t, "march.txt")

	err := h.svc.Run(context.Background(), inv.ID)
	if err == nil || !strings.Contains(err.Error(), "unsupported source type") {
		t.Fatalf("Run = %v", err)
	}
	if got := h.status(t, inv.ID); got != models.StatusError {
		t.Fatalf("status = %s, want Error", got)
	}
}

func TestRunSkipsAlreadyIndexed(t *testing.T) {
	h := newHarness(t, "text")
	inv := h.upload(t, "march.png")
	if err := h.svc.Run(context.Background(), inv.ID); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// A duplicate enqueue after completion is a no-op.
	if err := h.svc.Run(context.Background(), inv.ID); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	var docs int
	if err := h.db.QueryRow(`SELECT COUNT(*) FROM documents WHERE invoice_id = ?`, inv.ID).Scan(&docs); err != nil {
		t.Fatalf("count documents: %v", err)
	}
	if docs != 1 {
		t.Fatalf("%d documents after duplicate run", docs)
	}
	if got := h.status(t, inv.ID); got != models.StatusProcessed {
		t.Fatalf("status = %s, want Processed", got)
	}
}

func TestRunReloadFailureParksInError(t *testing.T) {
	h := newHarness(t, "text")
	inv := h.upload(t, "march.pdf")
	// The record vanishes mid-conversion, so the post-conversion reload
	// fails.
	h.converter.hook = func() {
		if _, err := h.db.Exec(`DELETE FROM invoices WHERE id = ?`, inv.ID); err != nil {
			t.Errorf("delete invoice: %v", err)
		}
	}

	err := h.svc.Run(context.Background(), inv.ID)
	if err == nil || !strings.Contains(err.Error(), "reload invoice") {
		t.Fatalf("Run = %v", err)
	}
}

func TestRunFinalTransitionFailureNeverStrandsConverting(t *testing.T) {
	h := newHarness(t, "text")
	inv := h.upload(t, "march.pdf")
	// An out-of-band writer moves the record to a terminal state while the
	// page renders; the final step to Processed is then rejected.
	h.converter.hook = func() {
		if _, err := h.db.Exec(`UPDATE invoices SET status = 'Error' WHERE id = ?`, inv.ID); err != nil {
			t.Errorf("update invoice: %v", err)
		}
	}

	if err := h.svc.Run(context.Background(), inv.ID); err == nil {
		t.Fatal("expected error when the final transition is rejected")
	}
	// Whatever went wrong, the record must not sit in Converting.
	if got := h.status(t, inv.ID); got == models.StatusConverting {
		t.Fatalf("record stranded in Converting")
	}
	if got := h.status(t, inv.ID); got != models.StatusError {
		t.Fatalf("status = %s, want Error", got)
	}
}

func TestRunUnknownInvoice(t *testing.T) {
	h := newHarness(t, "text")
	if err := h.svc.Run(context.Background(), "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("Run = %v, want ErrNoRows", err)
	}
}

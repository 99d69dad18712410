// Package pipeline drives one uploaded invoice from its source file to an
// indexed document, advancing the record's status machine as it goes.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"invoqa/internal/models"
	"invoqa/internal/service/indexer"
	"invoqa/internal/service/invoice"
)

const processedDir = "processed"

// AllowedExtensions are the upload types the pipeline can normalize.
var AllowedExtensions = map[string]bool{
	".pdf":  true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// Service converts and indexes invoices. Run is expected to execute on a
// background worker after the upload request has already returned.
type Service struct {
	invoices  *invoice.Service
	indexer   *indexer.Service
	converter Converter
	bus       *StatusBus
}

// NewService builds a conversion pipeline.
func NewService(invoices *invoice.Service, idx *indexer.Service, converter Converter, bus *StatusBus) *Service {
	return &Service{invoices: invoices, indexer: idx, converter: converter, bus: bus}
}

// Run executes the full conversion for one invoice: normalize to a canonical
// PNG (PDFs pass through the Converting state, raster uploads skip it), then
// hand the image to the document processor exactly once. Every failure path
// parks the record in Error; nothing is left in Converting.
func (s *Service) Run(ctx context.Context, invoiceID string) error {
	inv, err := s.invoices.GetAny(ctx, invoiceID)
	if err != nil {
		return fmt.Errorf("load invoice %s: %w", invoiceID, err)
	}

	// A record that already has a document is done; this also guards a
	// duplicate enqueue racing a finished run.
	if indexed, err := s.indexer.HasDocument(ctx, inv.ID); err == nil && indexed {
		log.Printf("pipeline: invoice %s already indexed, skipping", inv.ID)
		return nil
	}

	imagePath, err := s.canonicalImage(ctx, inv)
	if err != nil {
		s.fail(ctx, inv, err)
		return err
	}

	// Re-read: the PDF branch updated status and storage path.
	reloaded, err := s.invoices.GetAny(ctx, invoiceID)
	if err != nil {
		s.fail(ctx, inv, err)
		return fmt.Errorf("reload invoice %s: %w", invoiceID, err)
	}
	inv = reloaded

	if _, err := s.indexer.Process(ctx, inv, imagePath); err != nil {
		s.fail(ctx, inv, err)
		return err
	}

	if err := s.transition(ctx, inv, models.StatusProcessed); err != nil {
		s.fail(ctx, inv, err)
		return err
	}
	log.Printf("pipeline: invoice %s processed", inv.ID)
	return nil
}

// canonicalImage normalizes the stored source file to a single PNG page.
func (s *Service) canonicalImage(ctx context.Context, inv *models.Invoice) (string, error) {
	src := inv.StoragePath
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("source file missing: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(src))
	if !AllowedExtensions[ext] {
		return "", fmt.Errorf("unsupported source type %q", ext)
	}
	if ext != ".pdf" {
		// Already a raster page.
		return src, nil
	}

	outDir := filepath.Join(filepath.Dir(src), processedDir)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(src), ext)
	pngPath := filepath.Join(outDir, base+".png")

	if err := s.transition(ctx, inv, models.StatusConverting); err != nil {
		return "", err
	}
	if err := s.converter.ConvertPDF(ctx, src, pngPath); err != nil {
		return "", fmt.Errorf("convert pdf: %w", err)
	}
	if err := s.invoices.SetStoragePath(ctx, inv.ID, pngPath); err != nil {
		return "", fmt.Errorf("store canonical path: %w", err)
	}
	return pngPath, nil
}

func (s *Service) transition(ctx context.Context, inv *models.Invoice, next models.InvoiceStatus) error {
	if err := s.invoices.UpdateStatus(ctx, inv.ID, next); err != nil {
		return fmt.Errorf("set status %s: %w", next, err)
	}
	s.bus.Publish(StatusEvent{InvoiceID: inv.ID, UserID: inv.UserID, Status: next})
	return nil
}

// fail parks the record in Error. A record that cannot even be marked is
// logged; there is no further recovery, resubmission means re-uploading.
func (s *Service) fail(ctx context.Context, inv *models.Invoice, cause error) {
	log.Printf("pipeline: invoice %s failed: %v", inv.ID, cause)
	if err := s.invoices.UpdateStatus(ctx, inv.ID, models.StatusError); err != nil {
		log.Printf("pipeline: marking invoice %s as Error failed: %v", inv.ID, err)
		return
	}
	s.bus.Publish(StatusEvent{InvoiceID: inv.ID, UserID: inv.UserID, Status: models.StatusError})
}

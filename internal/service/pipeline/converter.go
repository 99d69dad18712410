package pipeline

import (
	"context"
	"fmt"
	"image/png"
	"os"

	"github.com/gen2brain/go-fitz"
)

// Converter renders the first page of a source PDF into a canonical PNG.
type Converter interface {
	ConvertPDF(ctx context.Context, pdfPath, pngPath string) error
}

// renderDPI doubles the default 72dpi for readable OCR input.
const renderDPI = 144

type fitzConverter struct{}

// NewFitzConverter returns the MuPDF-backed converter.
func NewFitzConverter() Converter {
	return fitzConverter{}
}

func (fitzConverter) ConvertPDF(ctx context.Context, pdfPath, pngPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc, err := fitz.New(pdfPath)
	if err != nil {
		return fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	if doc.NumPage() == 0 {
		return fmt.Errorf("pdf has no pages")
	}
	img, err := doc.ImageDPI(0, renderDPI)
	if err != nil {
		return fmt.Errorf("render page: %w", err)
	}

	out, err := os.Create(pngPath)
	if err != nil {
		return fmt.Errorf("create png: %w", err)
	}
	defer out.Close()
	if err := png.Encode(out, img); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}

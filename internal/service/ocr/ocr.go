// Package ocr extracts text from canonical raster images.
package ocr

import (
	"context"
	"log"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// Extractor runs OCR over a single raster image on disk. Implementations
// return an empty string when nothing could be read; the caller decides how
// to handle a blank page.
type Extractor interface {
	ExtractText(ctx context.Context, imagePath string) (string, error)
}

type tesseractExtractor struct {
	languages []string
}

// NewTesseractExtractor returns an Extractor backed by the local tesseract
// installation. languages defaults to English when empty.
func NewTesseractExtractor(languages ...string) Extractor {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &tesseractExtractor{languages: languages}
}

// ExtractText runs tesseract over the image. OCR failures are reported as an
// empty result, not an error: a page with no readable text and a failed read
// look the same to the processor.
func (t *tesseractExtractor) ExtractText(ctx context.Context, imagePath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	// gosseract clients are not safe for concurrent use; one per call.
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(t.languages...); err != nil {
		log.Printf("ocr: set language failed: %v", err)
		return "", nil
	}
	if err := client.SetImage(imagePath); err != nil {
		log.Printf("ocr: set image %s failed: %v", imagePath, err)
		return "", nil
	}
	text, err := client.Text()
	if err != nil {
		log.Printf("ocr: extract from %s failed: %v", imagePath, err)
		return "", nil
	}
	return strings.TrimSpace(text), nil
}

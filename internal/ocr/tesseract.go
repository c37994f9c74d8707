package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/vectortext-worker/internal/raster"
)

// DefaultWhitelist limits recognition to characters found in drawing
// annotations.
const DefaultWhitelist = `0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz.,-+/\°:;()[]{}<>_`

// DefaultLanguage is the Tesseract language used when none is configured
const DefaultLanguage = "eng"

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	// Languages are Tesseract language codes, e.g. "eng" or "eng+deu".
	Languages string
	Whitelist string
	// TessdataPrefix is the directory holding <lang>.traineddata. When
	// empty, Tesseract's built-in search path is used and no check runs.
	TessdataPrefix string
}

// Tesseract classifies glyphs with gosseract in single-character mode.
type Tesseract struct {
	cfg           TesseractConfig
	clientFactory func() *gosseract.Client
}

// NewTesseract creates a Tesseract engine, filling in defaults.
func NewTesseract(cfg TesseractConfig) *Tesseract {
	if strings.TrimSpace(cfg.Languages) == "" {
		cfg.Languages = DefaultLanguage
	}
	if cfg.Whitelist == "" {
		cfg.Whitelist = DefaultWhitelist
	}
	return &Tesseract{cfg: cfg, clientFactory: gosseract.NewClient}
}

func (t *Tesseract) Name() string { return "tesseract" }

// Languages splits a "+"-separated language list.
func Languages(list string) []string {
	var langs []string
	for _, l := range strings.Split(list, "+") {
		if l = strings.TrimSpace(l); l != "" {
			langs = append(langs, l)
		}
	}
	return langs
}

// CheckTessdata verifies that every language's trained data exists under
// prefix. The error names the first missing file.
func CheckTessdata(prefix string, langs []string) error {
	if prefix == "" {
		return nil
	}
	info, err := os.Stat(prefix)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: tessdata directory %s not found", ErrResourceUnavailable, prefix)
	}
	for _, lang := range langs {
		path := filepath.Join(prefix, lang+".traineddata")
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("%w: %s not found", ErrResourceUnavailable, path)
		}
	}
	return nil
}

// Open checks tessdata and configures one client for the run.
func (t *Tesseract) Open(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	langs := Languages(t.cfg.Languages)
	if err := CheckTessdata(t.cfg.TessdataPrefix, langs); err != nil {
		return nil, err
	}

	client := t.clientFactory()
	if t.cfg.TessdataPrefix != "" {
		if err := client.SetTessdataPrefix(t.cfg.TessdataPrefix); err != nil {
			client.Close()
			return nil, fmt.Errorf("%w: set tessdata prefix: %v", ErrResourceUnavailable, err)
		}
	}
	if err := client.SetLanguage(langs...); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: set languages %v: %v", ErrResourceUnavailable, langs, err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_CHAR); err != nil {
		client.Close()
		return nil, fmt.Errorf("set page segmentation mode: %w", err)
	}
	if err := client.SetVariable(gosseract.SettableVariable("tessedit_char_whitelist"), t.cfg.Whitelist); err != nil {
		client.Close()
		return nil, fmt.Errorf("set whitelist: %w", err)
	}
	return &tesseractSession{client: client}, nil
}

type tesseractSession struct {
	client *gosseract.Client
}

func (s *tesseractSession) Classify(ctx context.Context, bm *raster.Bitmap) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}

	var buf bytes.Buffer
	if err := bm.EncodePNG(&buf); err != nil {
		return Prediction{}, fmt.Errorf("encode glyph bitmap: %w", err)
	}
	if err := s.client.SetImageFromBytes(buf.Bytes()); err != nil {
		return Prediction{}, fmt.Errorf("set image: %w", err)
	}
	text, err := s.client.Text()
	if err != nil {
		return Prediction{}, fmt.Errorf("tesseract classification failed: %w", err)
	}

	pred := Prediction{Text: Normalize(text)}
	if pred.Text != "" {
		pred.Confidence = symbolConfidence(s.client)
	}
	return pred, nil
}

func (s *tesseractSession) Close() error {
	return s.client.Close()
}

// symbolConfidence averages per-symbol confidences into [0, 1].
func symbolConfidence(c *gosseract.Client) float64 {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_SYMBOL)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence
	}
	return sum / float64(len(boxes)) / 100
}

/**
 * Character Classifier
 *
 * Narrow interface to the external single-character recognizer. An
 * Engine opens one Session per recognition run; opening verifies that the
 * recognizer's resources exist so a run can fail before any cluster is
 * processed.
 */

package ocr

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/adverant/nexus/vectortext-worker/internal/raster"
)

// ErrResourceUnavailable marks failures caused by missing classifier data.
// Such failures are fatal for a run.
var ErrResourceUnavailable = errors.New("classifier resource unavailable")

// Prediction is the classifier's answer for one glyph bitmap. Text is
// empty when nothing was recognized.
type Prediction struct {
	Text       string
	Confidence float64
}

// Session classifies bitmaps one at a time. It is not safe for
// concurrent use.
type Session interface {
	Classify(ctx context.Context, bm *raster.Bitmap) (Prediction, error)
	Close() error
}

// Engine creates classification sessions.
type Engine interface {
	Name() string
	Open(ctx context.Context) (Session, error)
}

// Normalize trims surrounding whitespace and composes the text to NFC.
func Normalize(text string) string {
	return norm.NFC.String(strings.TrimSpace(text))
}

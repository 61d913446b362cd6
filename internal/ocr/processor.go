package ocr

import (
	"bytes"
	"context"
	"image"
	_ "image/jpeg" // JPEG decoder
	_ "image/png"  // PNG decoder
	"log/slog"
	"sync"

	"github.com/corona10/goimagehash"

	apperrors "github.com/GriffinCanCode/runwatch/internal/errors"
	"github.com/GriffinCanCode/runwatch/internal/trace"
)

// MaxHashDistance is the pHash distance under which a timer crop counts as
// unchanged. The crop is binarised, so any tick of the clock moves the hash.
const MaxHashDistance = 0

// Result describes one frame read.
type Result struct {
	Text   string
	Reused bool
	Crop   []byte // preprocessed PNG
}

// Processor crops and cleans a frame, then hands the crop to a backend. When
// the crop is perceptually identical to the previous one the cached text is
// returned without calling the backend (frozen timer, loading screen).
type Processor struct {
	backend Recognizer
	opts    PreprocessOptions

	mu       sync.Mutex
	lastHash *goimagehash.ImageHash
	lastText string
}

// NewProcessor creates a processor over backend.
func NewProcessor(backend Recognizer, opts PreprocessOptions) *Processor {
	return &Processor{backend: backend, opts: opts.withDefaults()}
}

// Recognize implements Recognizer over a full JPEG/PNG frame.
func (p *Processor) Recognize(ctx context.Context, frame []byte) (string, error) {
	res, err := p.Process(ctx, frame)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// Process reads the timer text from frame.
func (p *Processor) Process(ctx context.Context, frame []byte) (Result, error) {
	ctx, span := trace.StartSpan(ctx, "ocr.process")
	defer span.End()

	img, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return Result{}, apperrors.Wrap(err, apperrors.CodeOCRInvalidImage, "decode frame")
	}
	crop := Preprocess(img, p.opts)
	if crop.Bounds().Empty() {
		return Result{}, apperrors.New(apperrors.CodeOCRInvalidImage, "timer region is empty")
	}
	cropPNG, err := EncodePNG(crop)
	if err != nil {
		return Result{}, apperrors.Wrap(err, apperrors.CodeInternal, "encode crop")
	}

	hash, hashErr := goimagehash.PerceptionHash(crop)
	if hashErr == nil {
		if text, ok := p.cached(hash); ok {
			trace.Logger(ctx).Debug("timer crop unchanged, reusing text", "text", text)
			span.SetAttr("reused", true)
			return Result{Text: text, Reused: true, Crop: cropPNG}, nil
		}
	} else {
		slog.Debug("phash failed", "error", hashErr)
	}

	text, err := p.backend.Recognize(ctx, cropPNG)
	if err != nil {
		return Result{}, err
	}

	p.mu.Lock()
	p.lastHash = hash
	p.lastText = text
	p.mu.Unlock()
	return Result{Text: text, Crop: cropPNG}, nil
}

func (p *Processor) cached(hash *goimagehash.ImageHash) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastHash == nil {
		return "", false
	}
	dist, err := p.lastHash.Distance(hash)
	if err != nil || dist > MaxHashDistance {
		return "", false
	}
	return p.lastText, true
}

// Reset drops the cached crop.
func (p *Processor) Reset() {
	p.mu.Lock()
	p.lastHash = nil
	p.lastText = ""
	p.mu.Unlock()
}

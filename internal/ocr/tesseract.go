// Package ocr reads the timer overlay out of a stream frame.
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	apperrors "github.com/GriffinCanCode/runwatch/internal/errors"
)

// Recognizer turns an image into text. Empty text is a valid result.
type Recognizer interface {
	Recognize(ctx context.Context, img []byte) (string, error)
}

// Whitelist restricts tesseract to timer glyphs.
const Whitelist = "0123456789:"

// pipeRunner runs a tool with stdin and returns stdout.
type pipeRunner func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)

func execPipe(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Tesseract runs the tesseract CLI in single-line mode on a preprocessed crop.
type Tesseract struct {
	bin string
	run pipeRunner
}

// NewTesseract returns a recognizer using bin (default "tesseract").
func NewTesseract(bin string) *Tesseract {
	if bin == "" {
		bin = "tesseract"
	}
	return &Tesseract{bin: bin, run: execPipe}
}

func (t *Tesseract) Recognize(ctx context.Context, img []byte) (string, error) {
	out, err := t.run(ctx, img, t.bin, "stdin", "stdout", "--psm", "7", "-c", "tessedit_char_whitelist="+Whitelist)
	if err != nil {
		if ctx.Err() != nil {
			return "", apperrors.Wrap(err, apperrors.CodeTimeout, "tesseract")
		}
		return "", apperrors.Wrap(err, apperrors.CodeOCRFailed, "tesseract")
	}
	return strings.TrimSpace(string(out)), nil
}

package extraction

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	apperrors "github.com/parcelworks/mailroom/pkg/errors"
)

// PDFEngine extracts plain text from PDF attachments in process.
type PDFEngine struct{}

func NewPDFEngine() *PDFEngine {
	return &PDFEngine{}
}

func (e *PDFEngine) Extract(data []byte) (text string, err error) {
	// The pdf package panics on some malformed inputs.
	defer func() {
		if p := recover(); p != nil {
			text = ""
			err = fmt.Errorf("%w: pdf parse: %v", apperrors.ErrEngineFailure, p)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: pdf open: %v", apperrors.ErrEngineFailure, err)
	}

	content, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: pdf text: %v", apperrors.ErrEngineFailure, err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(content); err != nil {
		return "", fmt.Errorf("%w: pdf read: %v", apperrors.ErrEngineFailure, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/parcelworks/mailroom/pkg/config"
	apperrors "github.com/parcelworks/mailroom/pkg/errors"
)

// OCREngine extracts text from images via the external OCR service.
type OCREngine struct {
	baseURL    string
	language   string
	httpClient *http.Client
}

func NewOCREngine(cfg config.OCRConfig) *OCREngine {
	return &OCREngine{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		language: cfg.Language,
		// The per-attachment budget is enforced by the caller's context;
		// this is a backstop against a wedged connection.
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (e *OCREngine) Extract(ctx context.Context, data []byte, contentType string) (string, error) {
	url := fmt.Sprintf("%s/api/ocr?lang=%s", e.baseURL, e.language)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build ocr request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: ocr: %v", apperrors.ErrEngineFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return "", fmt.Errorf("%w: ocr status %s", apperrors.ErrEngineFailure, msg)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode ocr response: %v", apperrors.ErrEngineFailure, err)
	}
	return strings.TrimSpace(out.Text), nil
}

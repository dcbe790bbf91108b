// Package classification assigns a category and confidence to each
// attachment's extracted text via an external LLM engine. Engine failures
// and unparseable responses fall back to {unknown, 0} per attachment.
package classification

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

// Engine generates a raw model completion for a prompt.
type Engine interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// OllamaEngine talks to an ollama-compatible /api/generate endpoint in
// JSON mode.
type OllamaEngine struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewOllamaEngine(cfg config.EngineConfig, timeout time.Duration) *OllamaEngine {
	return &OllamaEngine{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (e *OllamaEngine) Generate(ctx context.Context, prompt string) (string, error) {
	reqBody := map[string]any{
		"model":  e.model,
		"prompt": prompt,
		"stream": false,
		"format": "json",
	}

	var response struct {
		Response string `json:"response"`
	}
	if err := e.postJSON(ctx, "/api/generate", reqBody, &response); err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Response), nil
}

func (e *OllamaEngine) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: generate: %v", apperrors.ErrEngineFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("%w: generate status %s", apperrors.ErrEngineFailure, msg)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode generate response: %v", apperrors.ErrEngineFailure, err)
	}
	return nil
}

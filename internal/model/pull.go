package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// OllamaPuller downloads models through Ollama's native /api/pull
// endpoint, which streams newline-delimited JSON progress records.
type OllamaPuller struct {
	baseURL string
	client  *http.Client
}

// NewOllamaPuller accepts either the server root or its OpenAI-compatible
// /v1 base URL.
func NewOllamaPuller(baseURL string, client *http.Client) *OllamaPuller {
	base := strings.TrimRight(baseURL, "/")
	base = strings.TrimSuffix(base, "/v1")
	if client == nil {
		client = http.DefaultClient
	}
	return &OllamaPuller{baseURL: base, client: client}
}

type pullRecord struct {
	Status    string `json:"status"`
	Total     int64  `json:"total"`
	Completed int64  `json:"completed"`
	Error     string `json:"error"`
}

func (p *OllamaPuller) Pull(ctx context.Context, model string, progress func(float64)) error {
	body, err := json.Marshal(map[string]any{"model": model, "stream": true})
	if err != nil {
		return fmt.Errorf("marshal pull request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create pull request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("pull %s: %w", model, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("pull %s: status %d: %s", model, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var rec pullRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("pull stream ended before success")
			}
			return fmt.Errorf("decode pull progress: %w", err)
		}
		if rec.Error != "" {
			return errors.New(rec.Error)
		}
		if rec.Total > 0 && progress != nil {
			progress(float64(rec.Completed) / float64(rec.Total))
		}
		if rec.Status == "success" {
			if progress != nil {
				progress(1)
			}
			return nil
		}
	}
}

package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/atelier-ai-tgbot-go/internal/models"
)

// Provider translates the internal ChatRequest contract to one upstream
// protocol family's wire format and extracts plain text from the reply.
// Implementations return errors for transport failures, non-success
// statuses and structurally missing fields; they never panic.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req models.ChatRequest, modelID string) (string, error)
}

// postJSON sends a JSON payload and returns the raw response body.
// Non-2xx statuses are errors carrying a body snippet for the logs.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	return body, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/atelier-ai-tgbot-go/internal/config"
	"github.com/atelier-ai-tgbot-go/internal/models"
	"github.com/sirupsen/logrus"
)

// GoogleProvider speaks the generateContent wire format. There is no
// system role upstream: a system prompt rides as the first content
// entry tagged "model", and assistant turns map to "model" as well.
type GoogleProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logrus.Logger
}

type googleContent struct {
	Role  string       `json:"role"`
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text string `json:"text"`
}

func NewGoogleProvider(endpoint *config.ProviderEndpoint, logger *logrus.Logger) *GoogleProvider {
	return &GoogleProvider{
		baseURL:    strings.TrimSuffix(endpoint.BaseURL, "/"),
		apiKey:     endpoint.APIKey,
		httpClient: &http.Client{Timeout: endpoint.Timeout},
		logger:     logger,
	}
}

func (p *GoogleProvider) Name() string {
	return "google"
}

func (p *GoogleProvider) Complete(ctx context.Context, req models.ChatRequest, modelID string) (string, error) {
	contents := make([]googleContent, 0, len(req.Messages))

	for _, msg := range req.Messages {
		if msg.Role == models.RoleSystem {
			contents = append(contents, googleContent{
				Role:  "model",
				Parts: []googlePart{{Text: msg.Content}},
			})
		}
	}

	for _, msg := range req.Messages {
		if msg.Role == models.RoleSystem {
			continue
		}
		role := "model"
		if msg.Role == models.RoleUser {
			role = "user"
		}
		contents = append(contents, googleContent{
			Role:  role,
			Parts: []googlePart{{Text: msg.Content}},
		})
	}

	reqBody := map[string]interface{}{
		"contents": contents,
	}

	url := fmt.Sprintf("%s/v1/models/%s:generateContent", p.baseURL, modelID)

	p.logger.WithFields(logrus.Fields{
		"model":    modelID,
		"contents": len(contents),
	}).Debug("Sending generateContent request")

	body, err := postJSON(ctx, p.httpClient, url, map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	}, reqBody)
	if err != nil {
		return "", err
	}

	var result struct {
		Candidates []struct {
			Content struct {
				Parts []googlePart `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no candidates in upstream reply")
	}

	text := result.Candidates[0].Content.Parts[0].Text
	if text == "" {
		return "", fmt.Errorf("empty text in upstream reply")
	}

	return text, nil
}

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

const anthropicVersion = "2023-06-01"

// defaultAnthropicAliases maps logical model identifiers to the dated
// upstream names; config aliases take precedence when set.
var defaultAnthropicAliases = map[string]string{
	"claude-3-5-sonnet": "claude-3-5-sonnet-20241022",
	"claude-3-haiku":    "claude-3-haiku-20240307",
}

// AnthropicProvider speaks the messages API: the system prompt is a
// top-level field, and replies come back as a list of content blocks.
type AnthropicProvider struct {
	baseURL    string
	apiKey     string
	aliases    map[string]string
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewAnthropicProvider(endpoint *config.ProviderEndpoint, logger *logrus.Logger) *AnthropicProvider {
	aliases := make(map[string]string, len(defaultAnthropicAliases)+len(endpoint.Aliases))
	for logical, upstream := range defaultAnthropicAliases {
		aliases[logical] = upstream
	}
	for logical, upstream := range endpoint.Aliases {
		aliases[logical] = upstream
	}

	return &AnthropicProvider{
		baseURL:    strings.TrimSuffix(endpoint.BaseURL, "/"),
		apiKey:     endpoint.APIKey,
		aliases:    aliases,
		httpClient: &http.Client{Timeout: endpoint.Timeout},
		logger:     logger,
	}
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

func (p *AnthropicProvider) Complete(ctx context.Context, req models.ChatRequest, modelID string) (string, error) {
	upstreamModel := modelID
	if alias, ok := p.aliases[modelID]; ok {
		upstreamModel = alias
	}

	var system string
	messages := make([]models.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg.Role == models.RoleSystem {
			if system == "" {
				system = msg.Content
			}
			continue
		}
		messages = append(messages, msg)
	}

	reqBody := map[string]interface{}{
		"model":      upstreamModel,
		"messages":   messages,
		"max_tokens": 1024,
	}
	if system != "" {
		reqBody["system"] = system
	}

	p.logger.WithFields(logrus.Fields{
		"model":    upstreamModel,
		"messages": len(messages),
	}).Debug("Sending messages request")

	body, err := postJSON(ctx, p.httpClient, p.baseURL+"/v1/messages", map[string]string{
		"Authorization":     "Bearer " + p.apiKey,
		"Anthropic-Version": anthropicVersion,
	}, reqBody)
	if err != nil {
		return "", err
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	// The reply may interleave other block types; the first text block
	// is the answer.
	for _, block := range result.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}

	return "", fmt.Errorf("no text block in upstream reply")
}

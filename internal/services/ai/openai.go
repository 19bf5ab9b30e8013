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

// reasoningModels lack system-role support upstream; their system
// content has to be folded into the first user message instead.
var reasoningModels = map[string]bool{
	"o1":      true,
	"o1-mini": true,
	"o3-mini": true,
}

// OpenAIProvider speaks the chat-completions wire format. It is the
// default family for any model not routed elsewhere.
type OpenAIProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewOpenAIProvider(endpoint *config.ProviderEndpoint, logger *logrus.Logger) *OpenAIProvider {
	return &OpenAIProvider{
		baseURL:    strings.TrimSuffix(endpoint.BaseURL, "/"),
		apiKey:     endpoint.APIKey,
		httpClient: &http.Client{Timeout: endpoint.Timeout},
		logger:     logger,
	}
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) Complete(ctx context.Context, req models.ChatRequest, modelID string) (string, error) {
	messages := req.Messages
	if reasoningModels[modelID] {
		messages = foldSystemMessages(messages)
	}

	reqBody := map[string]interface{}{
		"model":    modelID,
		"messages": messages,
	}

	p.logger.WithFields(logrus.Fields{
		"model":    modelID,
		"messages": len(messages),
	}).Debug("Sending chat completion request")

	body, err := postJSON(ctx, p.httpClient, p.baseURL+"/chat/completions", map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	}, reqBody)
	if err != nil {
		return "", err
	}

	return parseChatCompletion(body)
}

// AnalyzeImage describes an image by URL using a vision-capable model
func (p *OpenAIProvider) AnalyzeImage(ctx context.Context, imageURL, prompt, modelID string) (string, error) {
	reqBody := map[string]interface{}{
		"model": modelID,
		"messages": []map[string]interface{}{
			{
				"role": models.RoleUser,
				"content": []map[string]interface{}{
					{"type": "text", "text": prompt},
					{"type": "image_url", "image_url": map[string]string{"url": imageURL}},
				},
			},
		},
		"max_tokens": 500,
	}

	body, err := postJSON(ctx, p.httpClient, p.baseURL+"/chat/completions", map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	}, reqBody)
	if err != nil {
		return "", err
	}

	return parseChatCompletion(body)
}

// generationVariant carries the upstream model and quality flag for a
// logical generation identifier. The hd variant is the same upstream
// model with the quality knob turned up, billed as its own quota line.
type generationVariant struct {
	Model   string
	Quality string
}

var generationVariants = map[string]generationVariant{
	"dall-e-3":    {Model: "dall-e-3", Quality: "standard"},
	"dall-e-3-hd": {Model: "dall-e-3", Quality: "hd"},
}

// GenerateImage renders a prompt and returns the image URL
func (p *OpenAIProvider) GenerateImage(ctx context.Context, prompt, modelID, size string) (string, error) {
	variant, ok := generationVariants[modelID]
	if !ok {
		variant = generationVariant{Model: modelID, Quality: "standard"}
	}

	reqBody := map[string]interface{}{
		"model":   variant.Model,
		"prompt":  prompt,
		"n":       1,
		"size":    size,
		"quality": variant.Quality,
	}

	p.logger.WithFields(logrus.Fields{
		"model":   variant.Model,
		"quality": variant.Quality,
	}).Debug("Sending image generation request")

	body, err := postJSON(ctx, p.httpClient, p.baseURL+"/images/generations", map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	}, reqBody)
	if err != nil {
		return "", err
	}

	var result struct {
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if result.Error.Message != "" {
		return "", fmt.Errorf("upstream error: %s", result.Error.Message)
	}
	if len(result.Data) == 0 || result.Data[0].URL == "" {
		return "", fmt.Errorf("no image in upstream reply")
	}

	return result.Data[0].URL, nil
}

// foldSystemMessages removes system entries and carries their content
// into the first user message: prefixed when the first remaining
// message is user-role, otherwise as a new leading user message.
func foldSystemMessages(messages []models.Message) []models.Message {
	var systemParts []string
	folded := make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		folded = append(folded, msg)
	}

	if len(systemParts) == 0 {
		return folded
	}

	systemContent := strings.Join(systemParts, "\n\n")
	if len(folded) > 0 && folded[0].Role == models.RoleUser {
		folded[0].Content = systemContent + "\n\n" + folded[0].Content
		return folded
	}

	return append([]models.Message{{Role: models.RoleUser, Content: systemContent}}, folded...)
}

// parseChatCompletion extracts the first choice's message content
func parseChatCompletion(body []byte) (string, error) {
	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	if result.Error.Message != "" {
		return "", fmt.Errorf("upstream error: %s", result.Error.Message)
	}

	if len(result.Choices) == 0 || result.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("no response choices in upstream reply")
	}

	return result.Choices[0].Message.Content, nil
}

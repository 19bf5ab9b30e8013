package ai

import (
	"context"
	"net/http"
	"strings"

	"github.com/atelier-ai-tgbot-go/internal/config"
	"github.com/atelier-ai-tgbot-go/internal/models"
	"github.com/sirupsen/logrus"
)

// defaultProxyAliases collapses the model grouping served by the
// generic proxy onto its single upstream name.
var defaultProxyAliases = map[string]string{
	"deepseek-v3": "deepseek-chat",
	"deepseek-r1": "deepseek-chat",
}

// ProxyProvider routes a family of logical models through one generic
// chat-completions backend, mapping identifiers via an alias table.
type ProxyProvider struct {
	baseURL    string
	apiKey     string
	aliases    map[string]string
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewProxyProvider(endpoint *config.ProviderEndpoint, logger *logrus.Logger) *ProxyProvider {
	aliases := make(map[string]string, len(defaultProxyAliases)+len(endpoint.Aliases))
	for logical, upstream := range defaultProxyAliases {
		aliases[logical] = upstream
	}
	for logical, upstream := range endpoint.Aliases {
		aliases[logical] = upstream
	}

	return &ProxyProvider{
		baseURL:    strings.TrimSuffix(endpoint.BaseURL, "/"),
		apiKey:     endpoint.APIKey,
		aliases:    aliases,
		httpClient: &http.Client{Timeout: endpoint.Timeout},
		logger:     logger,
	}
}

func (p *ProxyProvider) Name() string {
	return "proxy"
}

func (p *ProxyProvider) Complete(ctx context.Context, req models.ChatRequest, modelID string) (string, error) {
	upstreamModel := modelID
	if alias, ok := p.aliases[modelID]; ok {
		upstreamModel = alias
	}

	reqBody := map[string]interface{}{
		"model":    upstreamModel,
		"messages": req.Messages,
	}

	p.logger.WithFields(logrus.Fields{
		"model":    modelID,
		"upstream": upstreamModel,
	}).Debug("Sending proxy chat completion request")

	body, err := postJSON(ctx, p.httpClient, p.baseURL+"/chat/completions", map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	}, reqBody)
	if err != nil {
		return "", err
	}

	return parseChatCompletion(body)
}

package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/atelier-ai-tgbot-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedGenerateRequest struct {
	Contents []googleContent `json:"contents"`
}

func TestGoogleComplete(t *testing.T) {
	var captured capturedGenerateRequest
	var path string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": "the answer"}]}}]}`))
	}))
	defer server.Close()

	provider := NewGoogleProvider(testEndpoint(server.URL), testLogger())

	req := models.ChatRequest{Messages: []models.Message{
		{Role: models.RoleSystem, Content: "be helpful"},
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant, Content: "hi there"},
	}}

	answer, err := provider.Complete(context.Background(), req, "gemini-1.5-flash")
	require.NoError(t, err)
	assert.Equal(t, "the answer", answer)
	assert.Equal(t, "/v1/models/gemini-1.5-flash:generateContent", path)

	// System rides first with role "model"; assistant maps to "model" too
	require.Len(t, captured.Contents, 3)
	assert.Equal(t, "model", captured.Contents[0].Role)
	assert.Equal(t, "be helpful", captured.Contents[0].Parts[0].Text)
	assert.Equal(t, "user", captured.Contents[1].Role)
	assert.Equal(t, "model", captured.Contents[2].Role)
}

func TestGoogleCompleteNoCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": []}`))
	}))
	defer server.Close()

	provider := NewGoogleProvider(testEndpoint(server.URL), testLogger())

	_, err := provider.Complete(context.Background(), models.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	}, "gemini-1.5-flash")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no candidates")
}

func TestGoogleCompleteEmptyText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": ""}]}}]}`))
	}))
	defer server.Close()

	provider := NewGoogleProvider(testEndpoint(server.URL), testLogger())

	_, err := provider.Complete(context.Background(), models.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	}, "gemini-1.5-flash")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty text")
}

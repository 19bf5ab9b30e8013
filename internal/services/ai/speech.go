package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/atelier-ai-tgbot-go/internal/config"
	"github.com/sirupsen/logrus"
)

// Transcriber converts voice input to text before orchestration
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Synthesizer renders text as speech audio
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// SpeechService talks to a whisper-style transcription endpoint and
// its text-to-speech counterpart on the openai family backend.
type SpeechService struct {
	baseURL         string
	apiKey          string
	transcribeModel string
	synthesisModel  string
	httpClient      *http.Client
	logger          *logrus.Logger
}

func NewSpeechService(endpoint *config.ProviderEndpoint, cfg *config.SpeechConfig, logger *logrus.Logger) *SpeechService {
	return &SpeechService{
		baseURL:         strings.TrimSuffix(endpoint.BaseURL, "/"),
		apiKey:          endpoint.APIKey,
		transcribeModel: cfg.TranscribeModel,
		synthesisModel:  cfg.SynthesisModel,
		httpClient:      &http.Client{Timeout: cfg.Timeout},
		logger:          logger,
	}
}

// Transcribe uploads the audio and returns the recognized text.
// An empty result is the caller's malformed-input signal.
func (s *SpeechService) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	if err := writer.WriteField("model", s.transcribeModel); err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	s.logger.WithField("chars", len(result.Text)).Debug("Transcription completed")
	return result.Text, nil
}

// Synthesize converts text to speech audio bytes
func (s *SpeechService) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	reqBody := map[string]interface{}{
		"model": s.synthesisModel,
		"voice": voice,
		"input": text,
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/audio/speech", bytes.NewBuffer(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("synthesis failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	return body, nil
}

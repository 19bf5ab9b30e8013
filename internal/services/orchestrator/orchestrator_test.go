package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/atelier-ai-tgbot-go/internal/config"
	"github.com/atelier-ai-tgbot-go/internal/models"
	"github.com/atelier-ai-tgbot-go/internal/services/ai"
	"github.com/atelier-ai-tgbot-go/internal/services/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name      string
	reply     string
	err       error
	calls     int
	lastReq   models.ChatRequest
	lastModel string
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Complete(ctx context.Context, req models.ChatRequest, modelID string) (string, error) {
	p.calls++
	p.lastReq = req
	p.lastModel = modelID
	if p.err != nil {
		return "", p.err
	}
	return p.reply, nil
}

type fakeRouter struct {
	providers map[string]ai.Provider
}

func (r *fakeRouter) Resolve(modelID string) (ai.Provider, error) {
	if provider, ok := r.providers[modelID]; ok {
		return provider, nil
	}
	return nil, fmt.Errorf("no route for model: %s", modelID)
}

type fakeTranscriber struct {
	text  string
	err   error
	calls int
}

func (t *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	t.calls++
	if t.err != nil {
		return "", t.err
	}
	return t.text, nil
}

type fakeVision struct {
	reply      string
	err        error
	calls      int
	lastURL    string
	lastPrompt string
	lastModel  string
}

func (v *fakeVision) AnalyzeImage(ctx context.Context, imageURL, prompt, modelID string) (string, error) {
	v.calls++
	v.lastURL = imageURL
	v.lastPrompt = prompt
	v.lastModel = modelID
	if v.err != nil {
		return "", v.err
	}
	return v.reply, nil
}

type fakeGenerator struct {
	url        string
	err        error
	calls      int
	lastPrompt string
	lastModel  string
	lastSize   string
}

func (g *fakeGenerator) GenerateImage(ctx context.Context, prompt, modelID, size string) (string, error) {
	g.calls++
	g.lastPrompt = prompt
	g.lastModel = modelID
	g.lastSize = size
	if g.err != nil {
		return "", g.err
	}
	return g.url, nil
}

type fakeMetrics struct {
	orchestrations   []string
	quotaRejected    []string
	providerRequests []string
}

func (m *fakeMetrics) RecordOrchestration(model, outcome string, duration time.Duration) {
	m.orchestrations = append(m.orchestrations, model+"/"+outcome)
}

func (m *fakeMetrics) RecordQuotaRejected(model string) {
	m.quotaRejected = append(m.quotaRejected, model)
}

func (m *fakeMetrics) RecordProviderRequest(provider, status string, duration time.Duration) {
	m.providerRequests = append(m.providerRequests, provider+"/"+status)
}

type fixture struct {
	orch      *Orchestrator
	store     *storage.MemoryStorage
	provider  *fakeProvider
	voice     *fakeTranscriber
	vision    *fakeVision
	generator *fakeGenerator
	metrics   *fakeMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := &config.Config{}
	cfg.Context.SystemPrompt = "be helpful"
	cfg.Context.Window = 5
	cfg.Context.Retention = 20
	cfg.Quota.DefaultModel = "gpt-4o-mini"
	cfg.Quota.DefaultTier = "NoBase"
	cfg.Images.VisionModel = "gpt-4-vision-preview"
	cfg.Images.GenerationModel = "dall-e-3"
	cfg.Images.Size = "1024x1024"
	cfg.Storage.Memory.CleanupInterval = time.Minute

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store := storage.NewMemoryStorage(cfg, logger)
	provider := &fakeProvider{name: "openai", reply: "the answer"}
	router := &fakeRouter{providers: map[string]ai.Provider{"gpt-4o-mini": provider}}
	voice := &fakeTranscriber{text: "transcribed text"}
	vision := &fakeVision{reply: "a cat on a chair"}
	generator := &fakeGenerator{url: "https://img.example/out.png"}
	metrics := &fakeMetrics{}

	orch := New(cfg, store, store, store, router, voice, vision, generator, metrics, logger)

	return &fixture{
		orch:      orch,
		store:     store,
		provider:  provider,
		voice:     voice,
		vision:    vision,
		generator: generator,
		metrics:   metrics,
	}
}

func (f *fixture) grantQuota(t *testing.T, userID int64, model string, count int) {
	t.Helper()
	require.NoError(t, f.store.SetQuota(context.Background(), userID, models.QuotaMap{model: count}))
}

func TestRespondSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grantQuota(t, 1, "gpt-4o-mini", 2)

	result, err := f.orch.Respond(ctx, Input{UserID: 1, Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "the answer", result.Text)
	assert.Equal(t, "gpt-4o-mini", result.Model)
	assert.Equal(t, 1, f.provider.calls)

	// Exactly one request charged
	quota, err := f.store.GetQuota(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, quota["gpt-4o-mini"])

	// The turn is recorded
	turns, err := f.store.GetHistory(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "hello", turns[0].UserInput)
	assert.Equal(t, "the answer", turns[0].BotOutput)
	assert.Equal(t, "gpt-4o-mini", turns[0].Model)
}

func TestRespondQuotaExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grantQuota(t, 1, "gpt-4o-mini", 0)

	_, err := f.orch.Respond(ctx, Input{UserID: 1, Text: "hello"})
	require.ErrorIs(t, err, ErrQuotaExhausted)

	// No provider call, no history, quota untouched
	assert.Equal(t, 0, f.provider.calls)

	turns, err := f.store.GetHistory(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, turns)

	quota, err := f.store.GetQuota(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, quota["gpt-4o-mini"])
}

func TestRespondAbsentQuotaMeansZero(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Respond(context.Background(), Input{UserID: 1, Text: "hello"})
	require.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Equal(t, 0, f.provider.calls)
}

func TestRespondEmptyInputNotCharged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grantQuota(t, 1, "gpt-4o-mini", 2)

	_, err := f.orch.Respond(ctx, Input{UserID: 1, Text: "   "})
	require.ErrorIs(t, err, ErrEmptyInput)
	assert.Equal(t, 0, f.provider.calls)

	quota, err := f.store.GetQuota(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, quota["gpt-4o-mini"])
}

func TestRespondVoiceTranscribed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grantQuota(t, 1, "gpt-4o-mini", 2)

	result, err := f.orch.Respond(ctx, Input{UserID: 1, Voice: []byte{1, 2, 3}, VoiceName: "voice.oga"})
	require.NoError(t, err)
	assert.Equal(t, "the answer", result.Text)
	assert.Equal(t, 1, f.voice.calls)

	// The transcript, not the audio, is what gets recorded
	turns, err := f.store.GetHistory(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "transcribed text", turns[0].UserInput)
}

func TestRespondTranscriptionFailureNotCharged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grantQuota(t, 1, "gpt-4o-mini", 2)
	f.voice.err = errors.New("upstream down")

	_, err := f.orch.Respond(ctx, Input{UserID: 1, Voice: []byte{1, 2, 3}})
	require.ErrorIs(t, err, ErrTranscription)
	assert.Equal(t, 0, f.provider.calls)

	quota, err := f.store.GetQuota(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, quota["gpt-4o-mini"])
}

func TestRespondEmptyTranscriptRejected(t *testing.T) {
	f := newFixture(t)
	f.grantQuota(t, 1, "gpt-4o-mini", 2)
	f.voice.text = "   "

	_, err := f.orch.Respond(context.Background(), Input{UserID: 1, Voice: []byte{1}})
	require.ErrorIs(t, err, ErrTranscription)
	assert.Equal(t, 0, f.provider.calls)
}

func TestRespondProviderFailureNotCharged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grantQuota(t, 1, "gpt-4o-mini", 2)
	f.provider.err = errors.New("upstream exploded")

	_, err := f.orch.Respond(ctx, Input{UserID: 1, Text: "hello"})
	require.ErrorIs(t, err, ErrProvider)

	// Failed requests cost nothing and leave no trace in history
	quota, err := f.store.GetQuota(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, quota["gpt-4o-mini"])

	turns, err := f.store.GetHistory(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestRespondUnroutableModel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.SaveUser(ctx, &models.UserProfile{UserID: 1, Model: "ghost-model"}))
	require.NoError(t, f.store.SetQuota(ctx, 1, models.QuotaMap{"ghost-model": 5}))

	_, err := f.orch.Respond(ctx, Input{UserID: 1, Text: "hello"})
	require.ErrorIs(t, err, ErrNoRoute)
	assert.Equal(t, 0, f.provider.calls)

	// Nothing charged on a configuration failure
	quota, err := f.store.GetQuota(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, quota["ghost-model"])
}

func TestRespondBusyFlagBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grantQuota(t, 1, "gpt-4o-mini", 2)

	require.NoError(t, f.store.SaveUser(ctx, &models.UserProfile{UserID: 1, Model: "gpt-4o-mini", InProgress: true}))

	_, err := f.orch.Respond(ctx, Input{UserID: 1, Text: "hello"})
	require.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, 0, f.provider.calls)
}

func TestRespondClearsBusyFlagAfterRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grantQuota(t, 1, "gpt-4o-mini", 2)

	_, err := f.orch.Respond(ctx, Input{UserID: 1, Text: "hello"})
	require.NoError(t, err)

	user, err := f.store.GetUser(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.False(t, user.InProgress)
}

func TestRespondContextAssembly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grantQuota(t, 1, "gpt-4o-mini", 5)

	// Seven stored turns with a window of five: only the newest five go
	// upstream
	for i := 1; i <= 7; i++ {
		require.NoError(t, f.store.AppendTurn(ctx, 1, models.ConversationTurn{
			UserInput: fmt.Sprintf("q%d", i),
			BotOutput: fmt.Sprintf("a%d", i),
		}))
	}

	_, err := f.orch.Respond(ctx, Input{UserID: 1, Text: "newest"})
	require.NoError(t, err)

	msgs := f.provider.lastReq.Messages
	require.Len(t, msgs, 12) // system + 5 turns x 2 + new input

	assert.Equal(t, models.RoleSystem, msgs[0].Role)
	assert.Equal(t, "be helpful", msgs[0].Content)

	// Oldest windowed turn first, alternating user and assistant
	assert.Equal(t, "q3", msgs[1].Content)
	assert.Equal(t, models.RoleUser, msgs[1].Role)
	assert.Equal(t, "a3", msgs[2].Content)
	assert.Equal(t, models.RoleAssistant, msgs[2].Role)

	// The new input rides last
	last := msgs[len(msgs)-1]
	assert.Equal(t, models.RoleUser, last.Role)
	assert.Equal(t, "newest", last.Content)
}

func TestRespondImageUsesVisionModel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Chat binding points elsewhere; the photo still runs on the fixed
	// vision model and is charged against its quota line
	require.NoError(t, f.store.SaveUser(ctx, &models.UserProfile{UserID: 1, Model: "claude-3-5-sonnet"}))
	require.NoError(t, f.store.SetQuota(ctx, 1, models.QuotaMap{
		"claude-3-5-sonnet":    5,
		"gpt-4-vision-preview": 5,
	}))

	result, err := f.orch.Respond(ctx, Input{UserID: 1, ImageURL: "https://example.com/cat.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "a cat on a chair", result.Text)
	assert.Equal(t, "gpt-4-vision-preview", result.Model)
	assert.Equal(t, "gpt-4-vision-preview", f.vision.lastModel)
	assert.Equal(t, 0, f.provider.calls)

	quota, err := f.store.GetQuota(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, quota["claude-3-5-sonnet"])
	assert.Equal(t, 4, quota["gpt-4-vision-preview"])

	turns, err := f.store.GetHistory(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "gpt-4-vision-preview", turns[0].Model)
}

func TestRespondImageVisionQuotaGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Plenty of chat quota, none for the vision model: the photo is
	// rejected without an upstream call
	f.grantQuota(t, 1, "gpt-4o-mini", 5)

	_, err := f.orch.Respond(ctx, Input{UserID: 1, ImageURL: "https://example.com/cat.jpg"})
	require.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Equal(t, 0, f.vision.calls)
	assert.Contains(t, f.metrics.quotaRejected, "gpt-4-vision-preview")
}

func TestRespondImageWithoutCaption(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grantQuota(t, 1, "gpt-4-vision-preview", 5)

	_, err := f.orch.Respond(ctx, Input{UserID: 1, ImageURL: "https://example.com/cat.jpg"})
	require.NoError(t, err)

	// Captionless photos get the stock prompt, upstream and in history
	assert.Equal(t, imageAnalysisPrompt, f.vision.lastPrompt)

	turns, err := f.store.GetHistory(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, imageAnalysisPrompt, turns[0].UserInput)
}

func TestRespondImageCaptionIsPrompt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grantQuota(t, 1, "gpt-4-vision-preview", 5)

	_, err := f.orch.Respond(ctx, Input{UserID: 1, Text: "what breed is this", ImageURL: "https://example.com/cat.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "what breed is this", f.vision.lastPrompt)

	turns, err := f.store.GetHistory(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "what breed is this", turns[0].UserInput)
}

func TestGenerateImage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grantQuota(t, 1, "dall-e-3", 3)

	result, err := f.orch.GenerateImage(ctx, 1, "a lighthouse at dusk")
	require.NoError(t, err)
	assert.Equal(t, "https://img.example/out.png", result.Text)
	assert.Equal(t, "dall-e-3", result.Model)
	assert.Equal(t, "a lighthouse at dusk", f.generator.lastPrompt)
	assert.Equal(t, "1024x1024", f.generator.lastSize)

	quota, err := f.store.GetQuota(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, quota["dall-e-3"])

	turns, err := f.store.GetHistory(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "a lighthouse at dusk", turns[0].UserInput)
	assert.Equal(t, "dall-e-3", turns[0].Model)
}

func TestGenerateImageQuotaExhausted(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.GenerateImage(context.Background(), 1, "a lighthouse")
	require.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Equal(t, 0, f.generator.calls)
}

func TestGenerateImageEmptyPrompt(t *testing.T) {
	f := newFixture(t)
	f.grantQuota(t, 1, "dall-e-3", 3)

	_, err := f.orch.GenerateImage(context.Background(), 1, "   ")
	require.ErrorIs(t, err, ErrEmptyInput)
	assert.Equal(t, 0, f.generator.calls)
}

func TestGenerateImageProviderFailureNotCharged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grantQuota(t, 1, "dall-e-3", 3)
	f.generator.err = errors.New("content policy")

	_, err := f.orch.GenerateImage(ctx, 1, "a lighthouse")
	require.ErrorIs(t, err, ErrProvider)

	quota, err := f.store.GetQuota(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, quota["dall-e-3"])
}

func TestProviderRequestMetricsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grantQuota(t, 1, "gpt-4o-mini", 2)

	_, err := f.orch.Respond(ctx, Input{UserID: 1, Text: "hello"})
	require.NoError(t, err)
	assert.Contains(t, f.metrics.providerRequests, "openai/success")
	assert.Contains(t, f.metrics.orchestrations, "gpt-4o-mini/success")

	f.provider.err = errors.New("upstream exploded")
	_, err = f.orch.Respond(ctx, Input{UserID: 1, Text: "again"})
	require.Error(t, err)
	assert.Contains(t, f.metrics.providerRequests, "openai/error")
}

func TestClearConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grantQuota(t, 1, "gpt-4o-mini", 5)

	_, err := f.orch.Respond(ctx, Input{UserID: 1, Text: "hello"})
	require.NoError(t, err)

	require.NoError(t, f.orch.ClearConversation(ctx, 1))

	turns, err := f.store.GetHistory(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, turns)

	// Quota survives the reset
	quota, err := f.store.GetQuota(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, quota["gpt-4o-mini"])
}

func TestBindModel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Unroutable identifiers are rejected up front
	err := f.orch.BindModel(ctx, 1, "ghost-model")
	require.ErrorIs(t, err, ErrNoRoute)

	require.NoError(t, f.orch.BindModel(ctx, 1, "gpt-4o-mini"))

	user, err := f.store.GetUser(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "gpt-4o-mini", user.Model)
}

func TestEnsureUserCreatesDefaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grantQuota(t, 42, "gpt-4o-mini", 1)

	_, err := f.orch.Respond(ctx, Input{UserID: 42, Text: "hi"})
	require.NoError(t, err)

	user, err := f.store.GetUser(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "gpt-4o-mini", user.Model)
	assert.Equal(t, "NoBase", user.Tier)
}

func TestCleanLeakedStructure(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain text untouched",
			in:   "a normal answer",
			want: "a normal answer",
		},
		{
			name: "single quoted artifact",
			in:   "{'role': 'assistant', 'content': 'the real answer'}",
			want: "the real answer",
		},
		{
			name: "double quoted artifact",
			in:   `{"role": "assistant", "content": "the real answer"}`,
			want: "the real answer",
		},
		{
			name: "marker without extractable content stays raw",
			in:   "{'role': 'assistant'}",
			want: "{'role': 'assistant'}",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, cleanLeakedStructure(tc.in))
		})
	}
}

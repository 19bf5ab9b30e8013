package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/atelier-ai-tgbot-go/internal/config"
	"github.com/atelier-ai-tgbot-go/internal/models"
	"github.com/atelier-ai-tgbot-go/internal/services/ai"
	"github.com/sirupsen/logrus"
)

// Failure categories. Handlers map these to user-facing strings; raw
// upstream errors never reach the user.
var (
	// ErrBusy means a run is already in progress for this user
	ErrBusy = errors.New("request already in progress")
	// ErrEmptyInput means the message (after transcription) had no text
	ErrEmptyInput = errors.New("empty input")
	// ErrQuotaExhausted means the bound model's remaining count is zero
	ErrQuotaExhausted = errors.New("quota exhausted")
	// ErrNoRoute means the bound model has no provider; a configuration
	// failure, never retried
	ErrNoRoute = errors.New("no route for model")
	// ErrTranscription means speech-to-text failed or produced nothing
	ErrTranscription = errors.New("transcription failed")
	// ErrProvider wraps any upstream transport or parse failure
	ErrProvider = errors.New("provider request failed")
)

// QuotaStore holds per-user remaining request counts by model
type QuotaStore interface {
	GetQuota(ctx context.Context, userID int64) (models.QuotaMap, error)
	SpendQuota(ctx context.Context, userID int64, model string) (bool, error)
}

// HistoryStore holds the per-user bounded conversation log
type HistoryStore interface {
	GetHistory(ctx context.Context, userID int64, limit int) ([]models.ConversationTurn, error)
	AppendTurn(ctx context.Context, userID int64, turn models.ConversationTurn) error
	ClearHistory(ctx context.Context, userID int64) error
}

// UserStore holds per-user profiles and the advisory in-progress flag
type UserStore interface {
	GetUser(ctx context.Context, userID int64) (*models.UserProfile, error)
	SaveUser(ctx context.Context, user *models.UserProfile) error
	SetInProgress(ctx context.Context, userID int64, inProgress bool) error
}

// Router resolves a logical model identifier to its provider
type Router interface {
	Resolve(modelID string) (ai.Provider, error)
}

// ImageAnalyzer describes an image by URL
type ImageAnalyzer interface {
	AnalyzeImage(ctx context.Context, imageURL, prompt, modelID string) (string, error)
}

// ImageGenerator renders a prompt into an image URL
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt, modelID, size string) (string, error)
}

// Metrics records orchestration outcomes and upstream call timings
type Metrics interface {
	RecordOrchestration(model, outcome string, duration time.Duration)
	RecordQuotaRejected(model string)
	RecordProviderRequest(provider, status string, duration time.Duration)
}

// Input is one inbound user message awaiting an answer
type Input struct {
	UserID    int64
	Text      string
	Voice     []byte
	VoiceName string
	ImageURL  string
}

// Result carries the final answer text and the model that produced it
type Result struct {
	Text  string
	Model string
}

const imageAnalysisPrompt = "Please describe what is shown in this picture. Give a detailed analysis."

// Orchestrator runs one user message through the pipeline: quota check,
// context assembly, provider dispatch, response cleanup, persistence,
// quota decrement. State lives in the injected stores; nothing is
// cached across invocations.
type Orchestrator struct {
	cfg         *config.Config
	quota       QuotaStore
	history     HistoryStore
	users       UserStore
	router      Router
	transcriber ai.Transcriber
	vision      ImageAnalyzer
	generator   ImageGenerator
	metrics     Metrics
	logger      *logrus.Logger

	// Per-user in-process guard, stronger than the advisory flag. The
	// flag still matters: it is what other replicas see.
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func New(
	cfg *config.Config,
	quota QuotaStore,
	history HistoryStore,
	users UserStore,
	router Router,
	transcriber ai.Transcriber,
	vision ImageAnalyzer,
	generator ImageGenerator,
	metrics Metrics,
	logger *logrus.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		quota:       quota,
		history:     history,
		users:       users,
		router:      router,
		transcriber: transcriber,
		vision:      vision,
		generator:   generator,
		metrics:     metrics,
		logger:      logger,
		locks:       make(map[int64]*sync.Mutex),
	}
}

// Respond answers one user message. Voice input is transcribed first;
// empty input is rejected before the quota gate so malformed messages
// are never charged.
func (o *Orchestrator) Respond(ctx context.Context, input Input) (*Result, error) {
	start := time.Now()

	user, err := o.ensureUser(ctx, input.UserID)
	if err != nil {
		return nil, err
	}
	model := user.Model

	text := strings.TrimSpace(input.Text)
	if len(input.Voice) > 0 {
		transcribed, err := o.transcribeVoice(ctx, input)
		if err != nil {
			return nil, err
		}
		text = transcribed
	}
	if input.ImageURL != "" {
		// Photo analysis always runs on the fixed vision model; the
		// chat binding stays untouched and uncharged. The caption is
		// the prompt, with a stock prompt when there is none.
		model = o.cfg.Images.VisionModel
		if text == "" {
			text = imageAnalysisPrompt
		}
	}
	if text == "" {
		return nil, ErrEmptyInput
	}

	unlock, acquired := o.tryLock(input.UserID)
	if !acquired {
		return nil, ErrBusy
	}
	defer unlock()

	if user.InProgress {
		return nil, ErrBusy
	}
	if err := o.users.SetInProgress(ctx, input.UserID, true); err != nil {
		return nil, fmt.Errorf("failed to set in-progress flag: %w", err)
	}
	defer func() {
		if err := o.users.SetInProgress(ctx, input.UserID, false); err != nil {
			o.logger.WithError(err).WithField("user_id", input.UserID).Error("Failed to clear in-progress flag")
		}
	}()

	// Quota gate: fresh read, absent count means zero, no provider call
	// and no decrement below the gate.
	quota, err := o.quota.GetQuota(ctx, input.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to read quota: %w", err)
	}
	if quota[model] <= 0 {
		if o.metrics != nil {
			o.metrics.RecordQuotaRejected(model)
		}
		return nil, ErrQuotaExhausted
	}

	var response string
	if input.ImageURL != "" {
		response, err = o.dispatchImage(ctx, input.ImageURL, text, model)
	} else {
		response, err = o.dispatchChat(ctx, input.UserID, text, model)
	}
	if err != nil {
		o.recordOutcome(model, "error", start)
		return nil, err
	}

	response = cleanLeakedStructure(response)

	o.persist(ctx, input.UserID, model, text, response)

	o.recordOutcome(model, "success", start)
	return &Result{Text: response, Model: model}, nil
}

// GenerateImage renders a prompt on the configured generation model,
// under the same quota gate and persistence rules as a chat turn.
func (o *Orchestrator) GenerateImage(ctx context.Context, userID int64, prompt string) (*Result, error) {
	start := time.Now()
	model := o.cfg.Images.GenerationModel

	user, err := o.ensureUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyInput
	}
	if o.generator == nil {
		return nil, fmt.Errorf("%w: image generation not configured", ErrProvider)
	}

	unlock, acquired := o.tryLock(userID)
	if !acquired {
		return nil, ErrBusy
	}
	defer unlock()

	if user.InProgress {
		return nil, ErrBusy
	}
	if err := o.users.SetInProgress(ctx, userID, true); err != nil {
		return nil, fmt.Errorf("failed to set in-progress flag: %w", err)
	}
	defer func() {
		if err := o.users.SetInProgress(ctx, userID, false); err != nil {
			o.logger.WithError(err).WithField("user_id", userID).Error("Failed to clear in-progress flag")
		}
	}()

	quota, err := o.quota.GetQuota(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read quota: %w", err)
	}
	if quota[model] <= 0 {
		if o.metrics != nil {
			o.metrics.RecordQuotaRejected(model)
		}
		return nil, ErrQuotaExhausted
	}

	callStart := time.Now()
	url, err := o.generator.GenerateImage(ctx, prompt, model, o.cfg.Images.Size)
	o.recordProviderRequest("openai", err, callStart)
	if err != nil {
		o.logger.WithError(err).Error("Image generation failed")
		o.recordOutcome(model, "error", start)
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	o.persist(ctx, userID, model, prompt, url)

	o.recordOutcome(model, "success", start)
	return &Result{Text: url, Model: model}, nil
}

// ClearConversation drops the user's entire history (the reset action)
func (o *Orchestrator) ClearConversation(ctx context.Context, userID int64) error {
	return o.history.ClearHistory(ctx, userID)
}

// BindModel binds the user to a logical model after checking it routes
func (o *Orchestrator) BindModel(ctx context.Context, userID int64, model string) error {
	if _, err := o.router.Resolve(model); err != nil {
		return fmt.Errorf("%w: %s", ErrNoRoute, model)
	}

	user, err := o.ensureUser(ctx, userID)
	if err != nil {
		return err
	}
	user.Model = model
	return o.users.SaveUser(ctx, user)
}

func (o *Orchestrator) ensureUser(ctx context.Context, userID int64) (*models.UserProfile, error) {
	user, err := o.users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		user = &models.UserProfile{
			UserID: userID,
			Model:  o.cfg.Quota.DefaultModel,
			Tier:   o.cfg.Quota.DefaultTier,
		}
		if err := o.users.SaveUser(ctx, user); err != nil {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
	}
	if user.Model == "" {
		user.Model = o.cfg.Quota.DefaultModel
	}
	return user, nil
}

func (o *Orchestrator) transcribeVoice(ctx context.Context, input Input) (string, error) {
	if o.transcriber == nil {
		return "", ErrTranscription
	}

	text, err := o.transcriber.Transcribe(ctx, input.Voice, input.VoiceName)
	if err != nil {
		o.logger.WithError(err).WithField("user_id", input.UserID).Error("Transcription failed")
		return "", ErrTranscription
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrTranscription
	}
	return text, nil
}

// dispatchChat assembles bounded context and calls the provider
func (o *Orchestrator) dispatchChat(ctx context.Context, userID int64, text, model string) (string, error) {
	turns, err := o.history.GetHistory(ctx, userID, o.cfg.Context.Window)
	if err != nil {
		return "", fmt.Errorf("failed to read history: %w", err)
	}

	req := o.buildRequest(turns, text)

	provider, err := o.router.Resolve(model)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNoRoute, model)
	}

	o.logger.WithFields(logrus.Fields{
		"user_id":  userID,
		"model":    model,
		"provider": provider.Name(),
		"turns":    len(turns),
	}).Debug("Dispatching chat request")

	callStart := time.Now()
	response, err := provider.Complete(ctx, req, model)
	o.recordProviderRequest(provider.Name(), err, callStart)
	if err != nil {
		o.logger.WithError(err).WithFields(logrus.Fields{
			"user_id": userID,
			"model":   model,
		}).Error("Provider request failed")
		return "", fmt.Errorf("%w: %v", ErrProvider, err)
	}

	return response, nil
}

func (o *Orchestrator) dispatchImage(ctx context.Context, imageURL, prompt, model string) (string, error) {
	if o.vision == nil {
		return "", fmt.Errorf("%w: image analysis not configured", ErrProvider)
	}

	callStart := time.Now()
	response, err := o.vision.AnalyzeImage(ctx, imageURL, prompt, model)
	o.recordProviderRequest("openai", err, callStart)
	if err != nil {
		o.logger.WithError(err).Error("Image analysis failed")
		return "", fmt.Errorf("%w: %v", ErrProvider, err)
	}
	return response, nil
}

// buildRequest flattens the stored turns into alternating user and
// assistant messages after the system prompt, newest input last
func (o *Orchestrator) buildRequest(turns []models.ConversationTurn, text string) models.ChatRequest {
	messages := make([]models.Message, 0, len(turns)*2+2)

	if o.cfg.Context.SystemPrompt != "" {
		messages = append(messages, models.Message{
			Role:    models.RoleSystem,
			Content: o.cfg.Context.SystemPrompt,
		})
	}

	for _, turn := range turns {
		messages = append(messages,
			models.Message{Role: models.RoleUser, Content: turn.UserInput},
			models.Message{Role: models.RoleAssistant, Content: turn.BotOutput},
		)
	}

	messages = append(messages, models.Message{Role: models.RoleUser, Content: text})

	return models.ChatRequest{Messages: messages}
}

// persist records the turn and spends one request. A store failure here
// is the most dangerous class: the answer already exists, so it is
// still delivered, and the failure goes to operator logs loudly.
func (o *Orchestrator) persist(ctx context.Context, userID int64, model, text, response string) {
	turn := models.ConversationTurn{
		UserInput: text,
		BotOutput: response,
		Model:     model,
		Timestamp: time.Now(),
	}
	if err := o.history.AppendTurn(ctx, userID, turn); err != nil {
		o.logger.WithError(err).WithFields(logrus.Fields{
			"user_id": userID,
			"model":   model,
		}).Error("PERSISTENCE FAILURE: conversation turn not recorded")
	}

	spent, err := o.quota.SpendQuota(ctx, userID, model)
	if err != nil {
		o.logger.WithError(err).WithFields(logrus.Fields{
			"user_id": userID,
			"model":   model,
		}).Error("PERSISTENCE FAILURE: quota not decremented")
		return
	}
	if !spent {
		// The count hit zero between the gate and here; the decrement
		// is clamped rather than driven negative.
		o.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"model":   model,
		}).Warn("Quota already at zero at decrement time")
	}
}

func (o *Orchestrator) recordOutcome(model, outcome string, start time.Time) {
	if o.metrics != nil {
		o.metrics.RecordOrchestration(model, outcome, time.Since(start))
	}
}

func (o *Orchestrator) recordProviderRequest(provider string, err error, start time.Time) {
	if o.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	o.metrics.RecordProviderRequest(provider, status, time.Since(start))
}

func (o *Orchestrator) tryLock(userID int64) (func(), bool) {
	o.mu.Lock()
	lock, ok := o.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[userID] = lock
	}
	o.mu.Unlock()

	if !lock.TryLock() {
		return nil, false
	}
	return lock.Unlock, true
}

// cleanLeakedStructure strips a serialized role/content artifact that
// some upstreams occasionally leak into the text. Best effort only: if
// the markers don't line up, the raw text is returned unchanged.
func cleanLeakedStructure(response string) string {
	if !strings.Contains(response, "{'role':") && !strings.Contains(response, `{"role":`) {
		return response
	}

	for _, marker := range []string{"'content': '", `"content": "`} {
		start := strings.Index(response, marker)
		if start == -1 {
			continue
		}
		start += len(marker)
		quote := marker[len(marker)-1:]

		end := strings.LastIndex(response, quote+"}")
		if end == -1 {
			end = strings.LastIndex(response, quote)
		}
		if end > start {
			return response[start:end]
		}
	}

	return response
}

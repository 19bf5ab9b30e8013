package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/atelier-ai-tgbot-go/internal/config"
	"github.com/atelier-ai-tgbot-go/internal/i18n"
	"github.com/atelier-ai-tgbot-go/internal/middleware"
	"github.com/atelier-ai-tgbot-go/internal/models"
	"github.com/atelier-ai-tgbot-go/internal/services/ai"
	"github.com/atelier-ai-tgbot-go/internal/services/cache"
	"github.com/atelier-ai-tgbot-go/internal/services/orchestrator"
	"github.com/atelier-ai-tgbot-go/pkg/markdown"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// MessageHandler turns inbound Telegram messages into orchestrator
// runs and edits the placeholder message with the final answer.
type MessageHandler struct {
	config       *config.Config
	bot          *tgbotapi.BotAPI
	orchestrator *orchestrator.Orchestrator
	synthesizer  ai.Synthesizer
	rateLimiter  middleware.RateLimiter
	lastMessages *cache.LastMessageStore
	localizer    *i18n.Localizer
	metrics      *middleware.Metrics
	logger       *logrus.Logger
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(
	cfg *config.Config,
	bot *tgbotapi.BotAPI,
	orch *orchestrator.Orchestrator,
	synthesizer ai.Synthesizer,
	rateLimiter middleware.RateLimiter,
	lastMessages *cache.LastMessageStore,
	localizer *i18n.Localizer,
	metrics *middleware.Metrics,
	logger *logrus.Logger,
) *MessageHandler {
	return &MessageHandler{
		config:       cfg,
		bot:          bot,
		orchestrator: orch,
		synthesizer:  synthesizer,
		rateLimiter:  rateLimiter,
		lastMessages: lastMessages,
		localizer:    localizer,
		metrics:      metrics,
		logger:       logger,
	}
}

// HandleMessage processes regular (non-command) messages
func (h *MessageHandler) HandleMessage(ctx context.Context, update *tgbotapi.Update) error {
	message := update.Message
	if message == nil || message.IsCommand() {
		return nil
	}

	if message.From.ID == h.bot.Self.ID {
		return nil
	}

	userID := message.From.ID
	chatID := message.Chat.ID
	lang := h.config.I18n.DefaultLanguage

	h.metrics.RecordMessageReceived(messageKind(message))

	if !h.rateLimiter.Allow(userID) {
		h.metrics.RecordRateLimitExceeded(userID)
		reply := tgbotapi.NewMessage(chatID, h.localizer.Get(lang, i18n.MsgRateLimitExceeded, nil))
		reply.ReplyToMessageID = message.MessageID
		if _, err := h.bot.Send(reply); err != nil {
			h.logger.WithError(err).Error("Failed to send rate limit message")
		}
		return nil
	}

	if err := middleware.ValidateInput(message.Text); err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Warn("Input validation failed")
		return nil
	}

	// Strip the keyboard off the previous answer, if any
	if last, found := h.lastMessages.Get(userID); found {
		edit := tgbotapi.NewEditMessageText(last.ChatID, last.MessageID, last.Text)
		edit.ParseMode = "HTML"
		if _, err := h.bot.Send(edit); err != nil {
			h.logger.WithError(err).Debug("Failed to strip previous keyboard")
		}
	}

	placeholder := tgbotapi.NewMessage(chatID, h.localizer.Get(lang, i18n.MsgProcessing, nil))
	placeholder.ReplyToMessageID = message.MessageID
	sent, err := h.bot.Send(placeholder)
	if err != nil {
		h.logger.WithError(err).Error("Failed to send placeholder message")
		return err
	}

	typing := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := h.bot.Request(typing); err != nil {
		h.logger.WithError(err).Debug("Failed to send typing action")
	}

	go h.process(ctx, message, sent.MessageID, lang)

	return nil
}

func (h *MessageHandler) process(ctx context.Context, message *tgbotapi.Message, placeholderID int, lang string) {
	userID := message.From.ID
	chatID := message.Chat.ID

	input, err := h.buildInput(message)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Error("Failed to build orchestrator input")
		h.editMessage(chatID, placeholderID, h.localizer.Get(lang, i18n.MsgError, nil), false)
		return
	}

	result, err := h.orchestrator.Respond(ctx, input)
	if err != nil {
		h.editMessage(chatID, placeholderID, h.failureText(err, lang), false)
		return
	}

	h.editMessage(chatID, placeholderID, result.Text, true)

	// A voice question gets a spoken answer alongside the text
	if len(input.Voice) > 0 {
		h.sendVoiceReply(ctx, chatID, result.Text)
	}

	h.lastMessages.Set(userID, &models.LastMessage{
		ChatID:    chatID,
		MessageID: placeholderID,
		Text:      markdown.ToTelegramHTML(result.Text),
	})
}

func (h *MessageHandler) sendVoiceReply(ctx context.Context, chatID int64, text string) {
	if h.synthesizer == nil {
		return
	}

	audio, err := h.synthesizer.Synthesize(ctx, text, h.config.Speech.DefaultVoice)
	if err != nil {
		h.logger.WithError(err).Warn("Voice synthesis failed, text answer already delivered")
		return
	}

	voice := tgbotapi.NewVoice(chatID, tgbotapi.FileBytes{Name: "answer.ogg", Bytes: audio})
	if _, err := h.bot.Send(voice); err != nil {
		h.logger.WithError(err).Warn("Failed to send voice reply")
	}
}

// buildInput maps the Telegram message onto the orchestrator contract,
// downloading voice audio when present
func (h *MessageHandler) buildInput(message *tgbotapi.Message) (orchestrator.Input, error) {
	input := orchestrator.Input{
		UserID: message.From.ID,
		Text:   message.Text,
	}

	if message.Voice != nil {
		audio, name, err := h.downloadFile(message.Voice.FileID, "voice.oga")
		if err != nil {
			return input, fmt.Errorf("failed to download voice: %w", err)
		}
		input.Voice = audio
		input.VoiceName = name
		return input, nil
	}

	if len(message.Photo) > 0 {
		// Last entry is the largest rendition
		photo := message.Photo[len(message.Photo)-1]
		url, err := h.bot.GetFileDirectURL(photo.FileID)
		if err != nil {
			return input, fmt.Errorf("failed to resolve photo url: %w", err)
		}
		input.ImageURL = url
		if input.Text == "" {
			input.Text = message.Caption
		}
	}

	return input, nil
}

func (h *MessageHandler) downloadFile(fileID, fallbackName string) ([]byte, string, error) {
	url, err := h.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, "", err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("file download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}

	return data, fallbackName, nil
}

// failureText maps the orchestrator's failure categories onto
// localized user-facing strings; raw errors stay in the logs
func (h *MessageHandler) failureText(err error, lang string) string {
	switch {
	case errors.Is(err, orchestrator.ErrQuotaExhausted):
		return h.localizer.Get(lang, i18n.MsgQuotaExhausted, nil)
	case errors.Is(err, orchestrator.ErrBusy):
		return h.localizer.Get(lang, i18n.MsgBusy, nil)
	case errors.Is(err, orchestrator.ErrEmptyInput):
		return h.localizer.Get(lang, i18n.MsgEmptyInput, nil)
	case errors.Is(err, orchestrator.ErrTranscription):
		return h.localizer.Get(lang, i18n.MsgTranscribeFailed, nil)
	case errors.Is(err, orchestrator.ErrNoRoute):
		h.logger.WithError(err).Error("Configuration failure: unroutable model")
		return h.localizer.Get(lang, i18n.MsgError, nil)
	default:
		h.logger.WithError(err).Error("Orchestration failed")
		return h.localizer.Get(lang, i18n.MsgError, nil)
	}
}

func (h *MessageHandler) editMessage(chatID int64, messageID int, text string, render bool) {
	display := text
	if render {
		display = markdown.ToTelegramHTML(text)
	}

	edit := tgbotapi.NewEditMessageText(chatID, messageID, display)
	if render {
		edit.ParseMode = "HTML"
	}

	if _, err := h.bot.Send(edit); err != nil {
		// If HTML parsing fails, retry as plain text
		h.logger.WithError(err).Warn("Failed to send HTML response, trying plain text")
		edit.ParseMode = ""
		edit.Text = text
		if _, err := h.bot.Send(edit); err != nil {
			h.logger.WithError(err).Error("Failed to send response")
		}
	}
}

func messageKind(message *tgbotapi.Message) string {
	switch {
	case message.Voice != nil:
		return "voice"
	case len(message.Photo) > 0:
		return "photo"
	default:
		return "text"
	}
}

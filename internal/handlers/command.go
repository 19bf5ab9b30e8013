package handlers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/atelier-ai-tgbot-go/internal/config"
	"github.com/atelier-ai-tgbot-go/internal/i18n"
	"github.com/atelier-ai-tgbot-go/internal/middleware"
	"github.com/atelier-ai-tgbot-go/internal/services/orchestrator"
	"github.com/atelier-ai-tgbot-go/internal/services/storage"
	"github.com/atelier-ai-tgbot-go/internal/services/subscription"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

const (
	callbackModelPrefix = "model:"
	callbackTierPrefix  = "tier:"
)

// ModelLister enumerates the model identifiers offered in the menu
type ModelLister interface {
	KnownModels() []string
}

// CommandHandler processes bot commands
type CommandHandler struct {
	config       *config.Config
	bot          *tgbotapi.BotAPI
	orchestrator *orchestrator.Orchestrator
	storage      *storage.Manager
	subscription *subscription.Service
	models       ModelLister
	localizer    *i18n.Localizer
	metrics      *middleware.Metrics
	logger       *logrus.Logger
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(
	cfg *config.Config,
	bot *tgbotapi.BotAPI,
	orch *orchestrator.Orchestrator,
	store *storage.Manager,
	subs *subscription.Service,
	models ModelLister,
	localizer *i18n.Localizer,
	metrics *middleware.Metrics,
	logger *logrus.Logger,
) *CommandHandler {
	return &CommandHandler{
		config:       cfg,
		bot:          bot,
		orchestrator: orch,
		storage:      store,
		subscription: subs,
		models:       models,
		localizer:    localizer,
		metrics:      metrics,
		logger:       logger,
	}
}

// HandleCommand routes a command update to its handler
func (h *CommandHandler) HandleCommand(ctx context.Context, update *tgbotapi.Update) error {
	message := update.Message
	if message == nil || !message.IsCommand() {
		return nil
	}

	command := message.Command()
	h.metrics.RecordCommandExecuted(command)
	h.logger.WithFields(logrus.Fields{
		"user_id": message.From.ID,
		"command": command,
	}).Info("Processing command")

	switch command {
	case "start":
		return h.handleStart(ctx, message)
	case "help":
		return h.handleHelp(message)
	case "model":
		return h.handleModel(ctx, message)
	case "reset":
		return h.handleReset(ctx, message)
	case "image":
		return h.handleImage(ctx, message)
	case "quota":
		return h.handleQuota(ctx, message)
	case "subscribe":
		return h.handleSubscribe(message)
	default:
		return h.reply(message, h.localizer.Get(h.lang(), i18n.MsgUnknownCommand, nil))
	}
}

// HandleCallback processes inline keyboard selections
func (h *CommandHandler) HandleCallback(ctx context.Context, update *tgbotapi.Update) error {
	query := update.CallbackQuery
	if query == nil {
		return nil
	}

	// Acknowledge first so the client stops its spinner
	ack := tgbotapi.NewCallback(query.ID, "")
	if _, err := h.bot.Request(ack); err != nil {
		h.logger.WithError(err).Debug("Failed to acknowledge callback")
	}

	userID := query.From.ID
	data := query.Data

	switch {
	case strings.HasPrefix(data, callbackModelPrefix):
		return h.handleModelSelection(ctx, query, strings.TrimPrefix(data, callbackModelPrefix))
	case strings.HasPrefix(data, callbackTierPrefix):
		return h.handleTierSelection(ctx, query, strings.TrimPrefix(data, callbackTierPrefix))
	default:
		h.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"data":    data,
		}).Warn("Unknown callback data")
		return nil
	}
}

func (h *CommandHandler) handleStart(ctx context.Context, message *tgbotapi.Message) error {
	userID := message.From.ID

	user, err := h.storage.GetUser(ctx, userID)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Error("Failed to load user on start")
	}
	if user == nil {
		// First contact: grant the default tier's quota up front
		if err := h.subscription.ResetQuota(ctx, userID, h.config.Quota.DefaultTier); err != nil {
			h.logger.WithError(err).WithField("user_id", userID).Error("Failed to grant initial quota")
		}
		if err := h.orchestrator.BindModel(ctx, userID, h.config.Quota.DefaultModel); err != nil {
			h.logger.WithError(err).WithField("user_id", userID).Error("Failed to bind default model")
		}
	}

	return h.reply(message, h.localizer.Get(h.lang(), i18n.MsgWelcome, map[string]interface{}{
		"Name": message.From.FirstName,
	}))
}

func (h *CommandHandler) handleHelp(message *tgbotapi.Message) error {
	return h.reply(message, h.localizer.Get(h.lang(), i18n.MsgHelp, nil))
}

// handleModel shows the current binding plus an inline keyboard of
// every routed model
func (h *CommandHandler) handleModel(ctx context.Context, message *tgbotapi.Message) error {
	userID := message.From.ID

	current := h.config.Quota.DefaultModel
	if user, err := h.storage.GetUser(ctx, userID); err == nil && user != nil && user.Model != "" {
		current = user.Model
	}

	text := h.localizer.Get(h.lang(), i18n.MsgCurrentModel, map[string]interface{}{
		"Model": current,
	})

	reply := tgbotapi.NewMessage(message.Chat.ID, text)
	reply.ReplyMarkup = h.modelKeyboard()
	_, err := h.bot.Send(reply)
	return err
}

func (h *CommandHandler) handleReset(ctx context.Context, message *tgbotapi.Message) error {
	userID := message.From.ID

	if err := h.orchestrator.ClearConversation(ctx, userID); err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Error("Failed to clear conversation")
		return h.reply(message, h.localizer.Get(h.lang(), i18n.MsgError, nil))
	}

	return h.reply(message, h.localizer.Get(h.lang(), i18n.MsgContextCleared, nil))
}

// handleImage generates an image from the prompt after the command,
// charged against the generation model's quota
func (h *CommandHandler) handleImage(ctx context.Context, message *tgbotapi.Message) error {
	prompt := strings.TrimSpace(message.CommandArguments())
	if prompt == "" {
		return h.reply(message, h.localizer.Get(h.lang(), i18n.MsgImagePromptRequired, nil))
	}

	placeholder := tgbotapi.NewMessage(message.Chat.ID, h.localizer.Get(h.lang(), i18n.MsgProcessing, nil))
	placeholder.ReplyToMessageID = message.MessageID
	sent, err := h.bot.Send(placeholder)
	if err != nil {
		return err
	}

	go h.generateImage(ctx, message, sent.MessageID, prompt)
	return nil
}

func (h *CommandHandler) generateImage(ctx context.Context, message *tgbotapi.Message, placeholderID int, prompt string) {
	userID := message.From.ID
	chatID := message.Chat.ID

	result, err := h.orchestrator.GenerateImage(ctx, userID, prompt)
	if err != nil {
		text := h.localizer.Get(h.lang(), i18n.MsgError, nil)
		switch {
		case errors.Is(err, orchestrator.ErrQuotaExhausted):
			text = h.localizer.Get(h.lang(), i18n.MsgQuotaExhausted, nil)
		case errors.Is(err, orchestrator.ErrBusy):
			text = h.localizer.Get(h.lang(), i18n.MsgBusy, nil)
		default:
			h.logger.WithError(err).WithField("user_id", userID).Error("Image generation failed")
		}
		edit := tgbotapi.NewEditMessageText(chatID, placeholderID, text)
		if _, err := h.bot.Send(edit); err != nil {
			h.logger.WithError(err).Error("Failed to edit placeholder message")
		}
		return
	}

	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(result.Text))
	photo.Caption = prompt
	if _, err := h.bot.Send(photo); err != nil {
		h.logger.WithError(err).Error("Failed to send generated image")
		return
	}

	del := tgbotapi.NewDeleteMessage(chatID, placeholderID)
	if _, err := h.bot.Request(del); err != nil {
		h.logger.WithError(err).Debug("Failed to delete placeholder message")
	}
}

// handleQuota prints the remaining request count per model, zero
// included, sorted for a stable menu
func (h *CommandHandler) handleQuota(ctx context.Context, message *tgbotapi.Message) error {
	userID := message.From.ID

	quota, err := h.storage.GetQuota(ctx, userID)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Error("Failed to read quota")
		return h.reply(message, h.localizer.Get(h.lang(), i18n.MsgError, nil))
	}

	models := make([]string, 0, len(quota))
	for model := range quota {
		models = append(models, model)
	}
	sort.Strings(models)

	var sb strings.Builder
	for _, model := range models {
		fmt.Fprintf(&sb, "%s: %d\n", model, quota[model])
	}
	if sb.Len() == 0 {
		sb.WriteString("-")
	}

	return h.reply(message, h.localizer.Get(h.lang(), i18n.MsgQuotaStatus, map[string]interface{}{
		"Quota": strings.TrimRight(sb.String(), "\n"),
	}))
}

// handleSubscribe offers the paid tiers as an inline keyboard
func (h *CommandHandler) handleSubscribe(message *tgbotapi.Message) error {
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(
				fmt.Sprintf("%s — %d₽", subscription.TierBase, subscription.BasePrice),
				callbackTierPrefix+subscription.TierBase,
			),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(
				fmt.Sprintf("%s — %d₽", subscription.TierPro, subscription.ProPrice),
				callbackTierPrefix+subscription.TierPro,
			),
		),
	)

	reply := tgbotapi.NewMessage(message.Chat.ID, h.localizer.Get(h.lang(), i18n.MsgSubscribe, nil))
	reply.ReplyMarkup = keyboard
	_, err := h.bot.Send(reply)
	return err
}

func (h *CommandHandler) handleModelSelection(ctx context.Context, query *tgbotapi.CallbackQuery, model string) error {
	userID := query.From.ID

	if err := h.orchestrator.BindModel(ctx, userID, model); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"user_id": userID,
			"model":   model,
		}).Warn("Model selection rejected")
		return h.editCallbackMessage(query, h.localizer.Get(h.lang(), i18n.MsgModelInvalid, map[string]interface{}{
			"Model": model,
		}))
	}

	return h.editCallbackMessage(query, h.localizer.Get(h.lang(), i18n.MsgModelChanged, map[string]interface{}{
		"Model": model,
	}))
}

func (h *CommandHandler) handleTierSelection(ctx context.Context, query *tgbotapi.CallbackQuery, tier string) error {
	userID := query.From.ID

	user, err := h.storage.GetUser(ctx, userID)
	if err != nil || user == nil {
		h.logger.WithError(err).WithField("user_id", userID).Error("Failed to load user for tier change")
		return h.editCallbackMessage(query, h.localizer.Get(h.lang(), i18n.MsgError, nil))
	}

	if err := h.subscription.ResetQuota(ctx, userID, tier); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"user_id": userID,
			"tier":    tier,
		}).Error("Failed to apply tier grant")
		return h.editCallbackMessage(query, h.localizer.Get(h.lang(), i18n.MsgError, nil))
	}

	user.Tier = tier
	if err := h.storage.SaveUser(ctx, user); err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Error("Failed to save user tier")
	}

	return h.editCallbackMessage(query, h.localizer.Get(h.lang(), i18n.MsgTierActivated, map[string]interface{}{
		"Tier": tier,
	}))
}

// modelKeyboard builds one button per routed model, two per row
func (h *CommandHandler) modelKeyboard() tgbotapi.InlineKeyboardMarkup {
	ids := h.models.KnownModels()

	var rows [][]tgbotapi.InlineKeyboardButton
	for i := 0; i < len(ids); i += 2 {
		row := []tgbotapi.InlineKeyboardButton{
			tgbotapi.NewInlineKeyboardButtonData(ids[i], callbackModelPrefix+ids[i]),
		}
		if i+1 < len(ids) {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(ids[i+1], callbackModelPrefix+ids[i+1]))
		}
		rows = append(rows, row)
	}

	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func (h *CommandHandler) editCallbackMessage(query *tgbotapi.CallbackQuery, text string) error {
	if query.Message == nil {
		return nil
	}
	edit := tgbotapi.NewEditMessageText(query.Message.Chat.ID, query.Message.MessageID, text)
	_, err := h.bot.Send(edit)
	return err
}

func (h *CommandHandler) reply(message *tgbotapi.Message, text string) error {
	reply := tgbotapi.NewMessage(message.Chat.ID, text)
	_, err := h.bot.Send(reply)
	return err
}

func (h *CommandHandler) lang() string {
	return h.config.I18n.DefaultLanguage
}

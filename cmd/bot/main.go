package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/atelier-ai-tgbot-go/internal/config"
	"github.com/atelier-ai-tgbot-go/internal/handlers"
	"github.com/atelier-ai-tgbot-go/internal/i18n"
	"github.com/atelier-ai-tgbot-go/internal/middleware"
	"github.com/atelier-ai-tgbot-go/internal/services/ai"
	"github.com/atelier-ai-tgbot-go/internal/services/cache"
	"github.com/atelier-ai-tgbot-go/internal/services/orchestrator"
	"github.com/atelier-ai-tgbot-go/internal/services/storage"
	"github.com/atelier-ai-tgbot-go/internal/services/subscription"
	"github.com/atelier-ai-tgbot-go/pkg/logger"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log.Info("Starting AI bot")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("Bot stopped with error")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	metrics := middleware.NewMetrics()

	store, err := storage.NewManager(cfg, metrics, log)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	log.WithField("type", cfg.Storage.Type).Info("Storage initialized")

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		return fmt.Errorf("failed to initialize i18n: %w", err)
	}

	openai := ai.NewOpenAIProvider(&cfg.Providers.OpenAI, log)
	providers := map[string]ai.Provider{
		"openai":    openai,
		"anthropic": ai.NewAnthropicProvider(&cfg.Providers.Anthropic, log),
		"google":    ai.NewGoogleProvider(&cfg.Providers.Google, log),
		"proxy":     ai.NewProxyProvider(&cfg.Providers.Proxy, log),
	}

	router, err := ai.NewRouter(cfg.Routes, providers)
	if err != nil {
		return fmt.Errorf("failed to build model router: %w", err)
	}
	log.WithField("models", router.KnownModels()).Info("Model routes configured")

	speech := ai.NewSpeechService(&cfg.Providers.OpenAI, &cfg.Speech, log)
	subs := subscription.NewService(store, log)

	orch := orchestrator.New(cfg, store, store, store, router, speech, openai, openai, metrics, log)

	bot, err := tgbotapi.NewBotAPI(cfg.Bot.Token)
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}
	log.WithField("username", bot.Self.UserName).Info("Bot authorized")

	rateLimiter := middleware.NewRateLimiter(cfg, log)
	lastMessages := cache.NewLastMessageStore(log)

	messageHandler := handlers.NewMessageHandler(cfg, bot, orch, speech, rateLimiter, lastMessages, localizer, metrics, log)
	commandHandler := handlers.NewCommandHandler(cfg, bot, orch, store, subs, router, localizer, metrics, log)

	if cfg.Monitoring.Metrics.Enabled {
		go func() {
			log.WithField("port", cfg.Monitoring.Metrics.Port).Info("Starting metrics server")
			if err := middleware.StartMetricsServer(cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("Metrics server stopped")
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("Shutting down")
		cancel()
	}()

	updates := updateChannel(bot, cfg)

	for {
		select {
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			log.Info("Bot stopped")
			return nil
		case update := <-updates:
			go dispatch(ctx, &update, messageHandler, commandHandler, log)
		}
	}
}

func dispatch(
	ctx context.Context,
	update *tgbotapi.Update,
	messages *handlers.MessageHandler,
	commands *handlers.CommandHandler,
	log *logrus.Logger,
) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Recovered from panic in update handler")
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		if err := commands.HandleCallback(ctx, update); err != nil {
			log.WithError(err).Error("Callback handling failed")
		}
	case update.Message != nil && update.Message.IsCommand():
		if err := commands.HandleCommand(ctx, update); err != nil {
			log.WithError(err).Error("Command handling failed")
		}
	case update.Message != nil:
		if err := messages.HandleMessage(ctx, update); err != nil {
			log.WithError(err).Error("Message handling failed")
		}
	}
}

func updateChannel(bot *tgbotapi.BotAPI, cfg *config.Config) tgbotapi.UpdatesChannel {
	if cfg.Bot.Webhook.Enabled {
		updates := bot.ListenForWebhook("/" + bot.Token)
		go http.ListenAndServe(fmt.Sprintf(":%d", cfg.Bot.Webhook.Port), nil)
		return updates
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = cfg.Bot.UpdateTimeout
	if u.Timeout == 0 {
		u.Timeout = 60
	}
	return bot.GetUpdatesChan(u)
}

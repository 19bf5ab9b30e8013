package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Bot        BotConfig        `mapstructure:"bot"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Routes     []RouteConfig    `mapstructure:"routes"`
	Context    ContextConfig    `mapstructure:"context"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	Images     ImagesConfig     `mapstructure:"images"`
	Speech     SpeechConfig     `mapstructure:"speech"`
	Storage    StorageConfig    `mapstructure:"storage"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	I18n       I18nConfig       `mapstructure:"i18n"`
}

type BotConfig struct {
	Token         string        `mapstructure:"token"`
	Webhook       WebhookConfig `mapstructure:"webhook"`
	UpdateTimeout int           `mapstructure:"update_timeout"`
}

type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Port    int    `mapstructure:"port"`
}

// ProvidersConfig holds one endpoint per upstream protocol family
type ProvidersConfig struct {
	OpenAI    ProviderEndpoint `mapstructure:"openai"`
	Anthropic ProviderEndpoint `mapstructure:"anthropic"`
	Google    ProviderEndpoint `mapstructure:"google"`
	Proxy     ProviderEndpoint `mapstructure:"proxy"`
}

type ProviderEndpoint struct {
	BaseURL string            `mapstructure:"base_url"`
	APIKey  string            `mapstructure:"api_key"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Aliases map[string]string `mapstructure:"aliases"`
}

// RouteConfig binds a logical model identifier (exact id or prefix)
// to one of the provider families
type RouteConfig struct {
	Model    string `mapstructure:"model"`
	Prefix   string `mapstructure:"prefix"`
	Provider string `mapstructure:"provider"`
}

type ContextConfig struct {
	SystemPrompt string `mapstructure:"system_prompt"`
	// Window is how many stored turns are sent upstream per request;
	// Retention is how many turns are kept at all. They are independent.
	Window    int `mapstructure:"window"`
	Retention int `mapstructure:"retention"`
}

type QuotaConfig struct {
	DefaultModel string `mapstructure:"default_model"`
	DefaultTier  string `mapstructure:"default_tier"`
}

// ImagesConfig names the fixed models for photo analysis and image
// generation. Both ride the openai family endpoint regardless of the
// user's chat model binding.
type ImagesConfig struct {
	VisionModel     string `mapstructure:"vision_model"`
	GenerationModel string `mapstructure:"generation_model"`
	Size            string `mapstructure:"size"`
}

type SpeechConfig struct {
	TranscribeModel string        `mapstructure:"transcribe_model"`
	SynthesisModel  string        `mapstructure:"synthesis_model"`
	DefaultVoice    string        `mapstructure:"default_voice"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

type StorageConfig struct {
	Type   string       `mapstructure:"type"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Memory MemoryConfig `mapstructure:"memory"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MemoryConfig struct {
	DefaultExpiration time.Duration `mapstructure:"default_expiration"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language"`
	Languages       []string `mapstructure:"languages"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	viper.SetEnvPrefix("")
	viper.BindEnv("bot.token", "BOT_TOKEN")
	viper.BindEnv("providers.openai.api_key", "OPENAI_API_KEY")
	viper.BindEnv("providers.anthropic.api_key", "ANTHROPIC_API_KEY")
	viper.BindEnv("providers.google.api_key", "GOOGLE_API_KEY")
	viper.BindEnv("providers.proxy.api_key", "PROXY_API_KEY")
	viper.BindEnv("storage.redis.addr", "REDIS_ADDR")
	viper.BindEnv("storage.redis.password", "REDIS_PASSWORD")
	viper.BindEnv("storage.redis.db", "REDIS_DB")

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Context.Window == 0 {
		cfg.Context.Window = 5
	}
	if cfg.Context.Retention == 0 {
		cfg.Context.Retention = 20
	}
	if cfg.Quota.DefaultModel == "" {
		cfg.Quota.DefaultModel = "gpt-4o-mini"
	}
	if cfg.Quota.DefaultTier == "" {
		cfg.Quota.DefaultTier = "NoBase"
	}
	if cfg.Images.VisionModel == "" {
		cfg.Images.VisionModel = "gpt-4-vision-preview"
	}
	if cfg.Images.GenerationModel == "" {
		cfg.Images.GenerationModel = "dall-e-3"
	}
	if cfg.Images.Size == "" {
		cfg.Images.Size = "1024x1024"
	}
	if cfg.Speech.TranscribeModel == "" {
		cfg.Speech.TranscribeModel = "whisper-1"
	}
	if cfg.Speech.SynthesisModel == "" {
		cfg.Speech.SynthesisModel = "tts-1"
	}
	if cfg.Speech.DefaultVoice == "" {
		cfg.Speech.DefaultVoice = "alloy"
	}
	if cfg.Speech.Timeout == 0 {
		cfg.Speech.Timeout = 60 * time.Second
	}
	for _, p := range []*ProviderEndpoint{
		&cfg.Providers.OpenAI,
		&cfg.Providers.Anthropic,
		&cfg.Providers.Google,
		&cfg.Providers.Proxy,
	} {
		if p.Timeout == 0 {
			p.Timeout = 60 * time.Second
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Bot.Token == "" {
		return fmt.Errorf("bot token is required")
	}
	if len(cfg.Routes) == 0 {
		return fmt.Errorf("at least one model route is required")
	}
	for _, route := range cfg.Routes {
		if route.Model == "" && route.Prefix == "" {
			return fmt.Errorf("route must set model or prefix")
		}
		switch route.Provider {
		case "openai", "anthropic", "google", "proxy":
		default:
			return fmt.Errorf("unknown provider in route: %s", route.Provider)
		}
	}
	if cfg.Context.Window > cfg.Context.Retention {
		return fmt.Errorf("context window (%d) cannot exceed retention (%d)",
			cfg.Context.Window, cfg.Context.Retention)
	}
	return nil
}

package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator"
	_ "github.com/joho/godotenv/autoload"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/providers/env"
)

type Config struct {
	Primary Primary       `koanf:"primary"`
	Logger  LoggerConfig  `koanf:"logger"`
	Proxy   ProxyConfig   `koanf:"proxy"`
	Ledger  LedgerConfig  `koanf:"ledger"`
	Nats    NatsConfig    `koanf:"nats"`
	Secrets SecretsConfig `koanf:"secrets"`
	Agents  AgentsConfig  `koanf:"agents"`
}

type Primary struct {
	Env string `koanf:"env" validate:"required"`
}

type LoggerConfig struct {
	Level string `koanf:"level"`
}

// ProxyConfig holds the tokenization proxy endpoints and the per-attempt
// timeout pair. Visa traffic goes to the VOP base URL when one is set.
type ProxyConfig struct {
	BaseURL        string        `koanf:"base_url" validate:"required"`
	VOPBaseURL     string        `koanf:"vop_base_url"`
	ConnectTimeout time.Duration `koanf:"connect_timeout" validate:"required"`
	ReadTimeout    time.Duration `koanf:"read_timeout" validate:"required"`
}

type LedgerConfig struct {
	BaseURL string        `koanf:"base_url" validate:"required"`
	Token   string        `koanf:"token"`
	Timeout time.Duration `koanf:"timeout" validate:"required"`
}

type NatsConfig struct {
	URL         string        `koanf:"url" validate:"required"`
	Token       string        `koanf:"token"`
	QueueGroup  string        `koanf:"queue_group" validate:"required"`
	TaskTimeout time.Duration `koanf:"task_timeout"`
}

type SecretsConfig struct {
	UsernameSecret string `koanf:"username_secret" validate:"required"`
	PasswordSecret string `koanf:"password_secret" validate:"required"`
}

type AgentsConfig struct {
	Amex       AmexConfig       `koanf:"amex"`
	Mastercard MastercardConfig `koanf:"mastercard"`
	Visa       VisaConfig       `koanf:"visa"`
}

// Amex client credentials are validated at request-build time, not here:
// a missing pair must surface as a build failure on the card, not stop
// the whole worker from booting.
type AmexConfig struct {
	ReceiverToken string `koanf:"receiver_token" validate:"required"`
	ClientID      string `koanf:"client_id"`
	ClientSecret  string `koanf:"client_secret"`
}

type MastercardConfig struct {
	ReceiverToken string `koanf:"receiver_token" validate:"required"`
}

type VisaConfig struct {
	ReceiverToken string `koanf:"receiver_token" validate:"required"`
	UserID        string `koanf:"user_id"`
	UserPassword  string `koanf:"user_password"`
	CommunityCode string `koanf:"community_code"`
}

func (c LoggerConfig) NewLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

func LoadConfig() (*Config, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	k := koanf.New(".")

	err := k.Load(env.Provider("CARDLINK_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "CARDLINK_")),
			"__",
			".",
		)
	}), nil)
	if err != nil {
		logger.Error("failed to load environment variables", "error", err)
		return nil, err
	}

	mainConfig := &Config{}

	err = k.Unmarshal("", mainConfig)
	if err != nil {
		logger.Error("could not unmarshal main config", "error", err)
		return nil, err
	}

	validate := validator.New()

	err = validate.Struct(mainConfig)
	if err != nil {
		logger.Error("config validation failed", "error", err)
		return nil, err
	}

	return mainConfig, nil
}

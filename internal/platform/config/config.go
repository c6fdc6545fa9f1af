package config

import (
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv string `env:"APP_ENV" default:"development"`
	Port   string `env:"PORT" default:"8080"`

	TwitchClientID     string `env:"TWITCH_CLIENT_ID"`
	TwitchClientSecret string `env:"TWITCH_CLIENT_SECRET"`
	TwitchRedirectURI  string `env:"TWITCH_REDIRECT_URI"`

	// BroadcasterUserID is the channel whose chat and redemptions we subscribe
	// to. Optional: without it EventSub subscriptions are skipped.
	BroadcasterUserID string `env:"BROADCASTER_USER_ID"`

	// BettingRewardID is the channel-point reward that places a bet.
	// Optional: without it the betting feature is disabled.
	BettingRewardID string `env:"BETTING_REWARD_ID"`

	RaceCommand string `env:"RACE_COMMAND" default:"!race"`

	SessionSecret    string `env:"SESSION_SECRET"`
	CredentialDBPath string `env:"CREDENTIAL_DB_PATH" default:"ratrace.db"`
	EventSubURL      string `env:"EVENTSUB_URL" default:"wss://eventsub.wss.twitch.tv/ws"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := map[string]string{
		"TWITCH_CLIENT_ID":     cfg.TwitchClientID,
		"TWITCH_CLIENT_SECRET": cfg.TwitchClientSecret,
		"TWITCH_REDIRECT_URI":  cfg.TwitchRedirectURI,
		"SESSION_SECRET":       cfg.SessionSecret,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	// Missing feature identifiers are warnings, not errors: the dependent
	// feature is skipped instead of failing the process.
	if cfg.BroadcasterUserID == "" {
		slog.Warn("BROADCASTER_USER_ID not set, EventSub subscriptions will be skipped")
	}
	if cfg.BettingRewardID == "" {
		slog.Warn("BETTING_REWARD_ID not set, betting is disabled")
	}

	return nil
}

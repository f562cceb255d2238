package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix          = "PLAYGUARD"
	defaultHTTPAddress = "0.0.0.0:8080"
	defaultDatabase    = "playguard.db"
	defaultLogLevel    = "info"
	defaultTokenIssuer = "playguard-auth"

	defaultMultiplier        = 2.0
	defaultWatermarkInterval = 5
	defaultWatermarkShow     = 5
	defaultFlushThreshold    = 5
	defaultSessionPoll       = 10
)

// AppConfig captures runtime configuration for the playback API server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	TokenIssuer   string

	// DefaultMultiplier is the platform-wide watch-time multiplier used when
	// neither the video nor its organization carries an override.
	DefaultMultiplier float64
	// WatermarkIntervalMins is the platform-wide overlay cadence.
	WatermarkIntervalMins int
	// WatermarkShowSeconds is how long each overlay window stays visible.
	WatermarkShowSeconds int
	// FlushThresholdSeconds is the buffered watch time a player accumulates
	// before flushing a delta to the ledger.
	FlushThresholdSeconds int
	// SessionPollInterval is the cadence of the client session-validity poll.
	SessionPollInterval time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabase)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("quota.default_multiplier", defaultMultiplier)
	configViper.SetDefault("watermark.interval_mins", defaultWatermarkInterval)
	configViper.SetDefault("watermark.show_seconds", defaultWatermarkShow)
	configViper.SetDefault("playback.flush_threshold_seconds", defaultFlushThreshold)
	configViper.SetDefault("session.poll_seconds", defaultSessionPoll)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		DatabasePath:          configViper.GetString("database.path"),
		LogLevel:              configViper.GetString("log.level"),
		SigningSecret:         configViper.GetString("auth.signing_secret"),
		TokenIssuer:           configViper.GetString("auth.issuer"),
		DefaultMultiplier:     configViper.GetFloat64("quota.default_multiplier"),
		WatermarkIntervalMins: configViper.GetInt("watermark.interval_mins"),
		WatermarkShowSeconds:  configViper.GetInt("watermark.show_seconds"),
		FlushThresholdSeconds: configViper.GetInt("playback.flush_threshold_seconds"),
		SessionPollInterval:   time.Duration(configViper.GetInt("session.poll_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.DefaultMultiplier <= 0 {
		return fmt.Errorf("quota.default_multiplier must be positive")
	}
	if c.WatermarkIntervalMins <= 0 {
		return fmt.Errorf("watermark.interval_mins must be positive")
	}
	if c.FlushThresholdSeconds <= 0 {
		return fmt.Errorf("playback.flush_threshold_seconds must be positive")
	}
	if c.SessionPollInterval <= 0 {
		return fmt.Errorf("session.poll_seconds must be positive")
	}
	return nil
}

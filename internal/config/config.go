package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/twinsync/internal/logging"
	"github.com/MarcoPoloResearchLab/twinsync/internal/records"
	"github.com/MarcoPoloResearchLab/twinsync/internal/resolver"
	"github.com/spf13/viper"
)

const (
	envPrefix                   = "TWINSYNC"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabasePath         = "twinsync.db"
	defaultLogLevel             = "info"
	defaultTokenTTLMinutes      = 60
	defaultRemoteSubject        = "twinsync-guardian"
	defaultRemoteTimeout        = 30 * time.Second
	defaultInterval             = 60 * time.Second
	defaultStopTimeout          = 10 * time.Second
	defaultStrategy             = string(resolver.StrategyRemoteWins)
	defaultHealthErrorThreshold = 10
	defaultHealthWindow         = time.Hour
	defaultRetryMaxAttempts     = 3
	defaultRetryBaseBackoff     = time.Second
	defaultRetryMaxBackoff      = 30 * time.Second
	defaultAuditCapacity        = 10000
	defaultDriftSampleSize      = 0
)

// AppConfig captures runtime configuration for the guardian service.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabasePath   string
	LogLevel       string

	SigningSecret string
	TokenTTL      time.Duration

	RemoteBaseURL string
	RemoteSecret  string
	RemoteSubject string
	RemoteTimeout time.Duration

	Collections     []string
	Keys            records.KeySpec
	Interval        time.Duration
	StopTimeout     time.Duration
	DefaultStrategy resolver.Strategy
	AutoStart       bool

	HealthErrorThreshold int
	HealthWindow         time.Duration
	RetryMaxAttempts     int
	RetryBaseBackoff     time.Duration
	RetryMaxBackoff      time.Duration
	AuditCapacity        int
	DriftSampleSize      int
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("remote.subject", defaultRemoteSubject)
	configViper.SetDefault("remote.timeout", defaultRemoteTimeout)
	configViper.SetDefault("sync.collections", []string{})
	configViper.SetDefault("sync.interval", defaultInterval)
	configViper.SetDefault("sync.stop_timeout", defaultStopTimeout)
	configViper.SetDefault("sync.strategy", defaultStrategy)
	configViper.SetDefault("sync.auto_start", false)
	configViper.SetDefault("health.error_threshold", defaultHealthErrorThreshold)
	configViper.SetDefault("health.window", defaultHealthWindow)
	configViper.SetDefault("retry.max_attempts", defaultRetryMaxAttempts)
	configViper.SetDefault("retry.base_backoff", defaultRetryBaseBackoff)
	configViper.SetDefault("retry.max_backoff", defaultRetryMaxBackoff)
	configViper.SetDefault("audit.capacity", defaultAuditCapacity)
	configViper.SetDefault("drift.sample_size", defaultDriftSampleSize)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	strategy, err := resolver.ParseStrategy(configViper.GetString("sync.strategy"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("sync.strategy: %w", err)
	}

	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		AllowedOrigins:       splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		SigningSecret:        configViper.GetString("auth.signing_secret"),
		TokenTTL:             time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		RemoteBaseURL:        configViper.GetString("remote.base_url"),
		RemoteSecret:         configViper.GetString("remote.signing_secret"),
		RemoteSubject:        configViper.GetString("remote.subject"),
		RemoteTimeout:        configViper.GetDuration("remote.timeout"),
		Collections:          splitList(configViper.GetStringSlice("sync.collections")),
		Keys:                 records.KeySpec(configViper.GetStringMapString("sync.keys")),
		Interval:             configViper.GetDuration("sync.interval"),
		StopTimeout:          configViper.GetDuration("sync.stop_timeout"),
		DefaultStrategy:      strategy,
		AutoStart:            configViper.GetBool("sync.auto_start"),
		HealthErrorThreshold: configViper.GetInt("health.error_threshold"),
		HealthWindow:         configViper.GetDuration("health.window"),
		RetryMaxAttempts:     configViper.GetInt("retry.max_attempts"),
		RetryBaseBackoff:     configViper.GetDuration("retry.base_backoff"),
		RetryMaxBackoff:      configViper.GetDuration("retry.max_backoff"),
		AuditCapacity:        configViper.GetInt("audit.capacity"),
		DriftSampleSize:      configViper.GetInt("drift.sample_size"),
	}
	if cfg.RemoteSecret == "" {
		cfg.RemoteSecret = cfg.SigningSecret
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
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	parsed, err := url.Parse(c.RemoteBaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("remote.base_url %q is not an absolute url", c.RemoteBaseURL)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("sync.stop_timeout must be positive")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.HealthErrorThreshold < 0 {
		return fmt.Errorf("health.error_threshold must not be negative")
	}
	for _, collection := range c.Collections {
		if _, err := records.ValidateCollection(collection); err != nil {
			return fmt.Errorf("sync.collections: %w", err)
		}
	}
	return nil
}

// splitList accepts both list values and comma-separated env strings.
func splitList(values []string) []string {
	var collected []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				collected = append(collected, trimmed)
			}
		}
	}
	return collected
}

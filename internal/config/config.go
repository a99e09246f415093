package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "TEASYNC"
	defaultAPIBaseURL     = "http://localhost:8000/api"
	defaultHTTPAddress    = "127.0.0.1:8787"
	defaultStorePath      = "teasync.db"
	defaultLogLevel       = "info"
	defaultTimeoutSeconds = 5
)

// AppConfig captures runtime configuration for the sync engine.
type AppConfig struct {
	APIBaseURL     string
	HTTPAddress    string
	StorePath      string
	LogLevel       string
	LogFile        string
	RequestTimeout time.Duration
	AllowedOrigins []string
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

	configViper.SetDefault("api.base_url", defaultAPIBaseURL)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("store.path", defaultStorePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("request.timeout_seconds", defaultTimeoutSeconds)
	configViper.SetDefault("http.allowed_origins", []string{})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		APIBaseURL:     strings.TrimRight(strings.TrimSpace(configViper.GetString("api.base_url")), "/"),
		HTTPAddress:    configViper.GetString("http.address"),
		StorePath:      configViper.GetString("store.path"),
		LogLevel:       configViper.GetString("log.level"),
		LogFile:        configViper.GetString("log.file"),
		RequestTimeout: time.Duration(configViper.GetInt("request.timeout_seconds")) * time.Second,
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	parsed, err := url.Parse(c.APIBaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("api.base_url must be an absolute url")
	}
	if strings.TrimSpace(c.StorePath) == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request.timeout_seconds must be positive")
	}
	return nil
}

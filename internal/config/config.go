package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	// DataDir holds margin.db, contract overrides, and exports.
	DataDir string `mapstructure:"data_dir"`

	Oracle OracleConfig `mapstructure:"oracle"`

	// StageTimeout bounds each individual oracle call.
	StageTimeout time.Duration `mapstructure:"stage_timeout"`

	// MalformedRetries is how many extra capture attempts are made (with a
	// stricter formatting reminder) after the oracle returns malformed output.
	MalformedRetries int `mapstructure:"malformed_retries"`

	// OverviewMaxChars caps the size of an overview replacement (runes).
	OverviewMaxChars int `mapstructure:"overview_max_chars"`

	// ConsolidationWindow is the trailing window of items fed to consolidation.
	ConsolidationWindow time.Duration `mapstructure:"consolidation_window"`

	// ConsolidationInterval schedules periodic consolidation in serve modes.
	// 0 disables the schedule.
	ConsolidationInterval time.Duration `mapstructure:"consolidation_interval"`

	// SearchLimit is the number of ranked items handed to the query stage.
	SearchLimit int `mapstructure:"search_limit"`

	// ContextItems is the number of related items handed to the capture stage.
	ContextItems int `mapstructure:"context_items"`

	// ContractsDir overrides the embedded contract texts. Defaults to
	// <data_dir>/contracts.
	ContractsDir string `mapstructure:"contracts_dir"`

	// OverviewExportPath, when set, receives a markdown copy of the overview
	// after every successful swap. "{kb}" is replaced by the knowledge base id.
	OverviewExportPath string `mapstructure:"overview_export_path"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// 0 means use sql.DB default (unlimited).
	DBMaxOpenConns int `mapstructure:"db_max_open_conns"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	DBMaxIdleConns int `mapstructure:"db_max_idle_conns"`

	Telegram TelegramConfig `mapstructure:"telegram"`
	Web      WebConfig      `mapstructure:"web"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `mapstructure:"disabled_tools"`
}

// OracleConfig selects and configures the text-generation backend.
type OracleConfig struct {
	Provider   string `mapstructure:"provider"`
	Model      string `mapstructure:"model"`
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	MaxTokens  int    `mapstructure:"max_tokens"`
	MaxRetries int    `mapstructure:"max_retries"`
}

// TelegramConfig configures the chat front end. Only messages from
// AuthorizedUserID are processed.
type TelegramConfig struct {
	Token            string `mapstructure:"token"`
	AuthorizedUserID int64  `mapstructure:"authorized_user_id"`

	// KB is the knowledge base chat messages are filed under.
	KB string `mapstructure:"kb"`
}

// WebConfig configures the HTTP front end.
type WebConfig struct {
	Bind  string `mapstructure:"bind"`
	Port  int    `mapstructure:"port"`
	Token string `mapstructure:"token"`
}

// Providers lists the supported oracle backends.
var Providers = []string{"anthropic", "gemini"}

// DefaultModels maps each provider to the model used when none is configured.
var DefaultModels = map[string]string{
	"anthropic": "claude-sonnet-4-20250514",
	"gemini":    "gemini-2.5-flash",
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Oracle: OracleConfig{
			Provider:   "anthropic",
			MaxTokens:  4096,
			MaxRetries: 2,
		},
		StageTimeout:          60 * time.Second,
		MalformedRetries:      1,
		OverviewMaxChars:      8000,
		ConsolidationWindow:   7 * 24 * time.Hour,
		ConsolidationInterval: 24 * time.Hour,
		SearchLimit:           10,
		ContextItems:          5,
		Telegram: TelegramConfig{
			KB: "personal",
		},
		Web: WebConfig{
			Bind: "127.0.0.1",
			Port: 8765,
		},
	}
}

// Load reads baseDir/config.{json,yaml} and MARGIN_* environment variables
// on top of the defaults. A missing config file is not an error.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.margin.
func Load(baseDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(baseDir)

	v.SetEnvPrefix("MARGIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = baseDir
	}
	cfg.Oracle.APIKey = expandEnv(cfg.Oracle.APIKey)
	cfg.Oracle.BaseURL = expandEnv(cfg.Oracle.BaseURL)
	cfg.Telegram.Token = expandEnv(cfg.Telegram.Token)
	cfg.Web.Token = expandEnv(cfg.Web.Token)
	cfg.DisabledTools = mergeStringSlice(cfg.DisabledTools, nil)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it during Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("oracle.provider", d.Oracle.Provider)
	v.SetDefault("oracle.model", d.Oracle.Model)
	v.SetDefault("oracle.api_key", d.Oracle.APIKey)
	v.SetDefault("oracle.base_url", d.Oracle.BaseURL)
	v.SetDefault("oracle.max_tokens", d.Oracle.MaxTokens)
	v.SetDefault("oracle.max_retries", d.Oracle.MaxRetries)
	v.SetDefault("stage_timeout", d.StageTimeout)
	v.SetDefault("malformed_retries", d.MalformedRetries)
	v.SetDefault("overview_max_chars", d.OverviewMaxChars)
	v.SetDefault("consolidation_window", d.ConsolidationWindow)
	v.SetDefault("consolidation_interval", d.ConsolidationInterval)
	v.SetDefault("search_limit", d.SearchLimit)
	v.SetDefault("context_items", d.ContextItems)
	v.SetDefault("contracts_dir", d.ContractsDir)
	v.SetDefault("overview_export_path", d.OverviewExportPath)
	v.SetDefault("db_max_open_conns", d.DBMaxOpenConns)
	v.SetDefault("db_max_idle_conns", d.DBMaxIdleConns)
	v.SetDefault("telegram.token", d.Telegram.Token)
	v.SetDefault("telegram.authorized_user_id", d.Telegram.AuthorizedUserID)
	v.SetDefault("telegram.kb", d.Telegram.KB)
	v.SetDefault("web.bind", d.Web.Bind)
	v.SetDefault("web.port", d.Web.Port)
	v.SetDefault("web.token", d.Web.Token)
	v.SetDefault("disabled_tools", d.DisabledTools)
}

// Validate checks the configuration for errors and fills derived defaults.
func (c *Config) Validate() error {
	c.Oracle.Provider = strings.ToLower(strings.TrimSpace(c.Oracle.Provider))
	known := false
	for _, p := range Providers {
		if c.Oracle.Provider == p {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("config: oracle.provider %q is not supported (must be one of %s)",
			c.Oracle.Provider, strings.Join(Providers, ", "))
	}
	if c.Oracle.Model == "" {
		c.Oracle.Model = DefaultModels[c.Oracle.Provider]
	}
	if c.Oracle.MaxTokens < 1 {
		return fmt.Errorf("config: oracle.max_tokens must be positive")
	}
	if c.Oracle.MaxRetries < 0 {
		return fmt.Errorf("config: oracle.max_retries must not be negative")
	}
	if c.StageTimeout <= 0 {
		return fmt.Errorf("config: stage_timeout must be positive")
	}
	if c.MalformedRetries < 0 {
		return fmt.Errorf("config: malformed_retries must not be negative")
	}
	if c.OverviewMaxChars < 1 {
		return fmt.Errorf("config: overview_max_chars must be positive")
	}
	if c.ConsolidationWindow <= 0 {
		return fmt.Errorf("config: consolidation_window must be positive")
	}
	if c.ConsolidationInterval < 0 {
		return fmt.Errorf("config: consolidation_interval must not be negative")
	}
	if c.SearchLimit < 1 {
		c.SearchLimit = 10
	}
	if c.ContextItems < 0 {
		c.ContextItems = 0
	}
	return nil
}

var envVarRe = regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`)

// expandEnv replaces $NAME references with environment values, leaving
// unknown names untouched.
func expandEnv(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "$")
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range append(append([]string{}, a...), b...) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}

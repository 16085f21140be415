// Package config loads and validates the process configuration: the
// pipeline mode, the PM roster, the tradable universe, risk profiles,
// temperatures, timeouts, and concurrency caps. Configuration is read
// once per process from council.yaml (viper) with COUNCIL_* environment
// overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"tradecouncil/internal/domain"
)

// RosterEntry binds one PM model to its brokerage sub-account.
type RosterEntry struct {
	ModelID   string           `mapstructure:"model_id"`
	AccountID domain.AccountID `mapstructure:"account_id"`
}

// Timeouts carries the per-provider and per-stage wall-clock caps.
type Timeouts struct {
	Provider     time.Duration `mapstructure:"provider"`
	DeepResearch time.Duration `mapstructure:"deep_research"`
	Stage        time.Duration `mapstructure:"stage"`
	Job          time.Duration `mapstructure:"job"`
}

// Config is the full configuration surface.
type Config struct {
	Mode string `mapstructure:"mode"`

	PMRoster        []RosterEntry    `mapstructure:"pm_roster"`
	ChairmanModelID string           `mapstructure:"chairman_model_id"`
	CouncilAccount  domain.AccountID `mapstructure:"council_account"`
	BaselineAccount domain.AccountID `mapstructure:"baseline_account"`

	ResearchSources         []string `mapstructure:"research_sources"`
	SentimentSearchProvider string   `mapstructure:"sentiment_search_provider"`
	// SentimentModelID is the cheap chat model scoring news items.
	// Empty means the first roster model.
	SentimentModelID string `mapstructure:"sentiment_model_id"`

	TradableUniverse []domain.Instrument          `mapstructure:"tradable_universe"`
	RiskProfiles     map[string]domain.RiskParams `mapstructure:"risk_profiles"`
	Temperatures     map[string]float64           `mapstructure:"temperatures"`
	Timeouts         Timeouts                     `mapstructure:"timeouts"`
	Concurrency      int                          `mapstructure:"concurrency"`
	BannedKeywords   []string                     `mapstructure:"banned_keywords"`

	MarketTimezone string        `mapstructure:"market_timezone"`
	EventStorePath string        `mapstructure:"event_store_path"`
	JobTTL         time.Duration `mapstructure:"job_ttl"`
	ListenAddr     string        `mapstructure:"listen_addr"`

	LogLevel string `mapstructure:"log_level"`
	LogDev   bool   `mapstructure:"log_dev"`
}

// DefaultBannedKeywords are the indicator terms pitches must not lean on.
var DefaultBannedKeywords = []string{
	"rsi", "macd", "ema", "sma", "bollinger", "stochastic", "moving average",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "full")
	v.SetDefault("market_timezone", "America/New_York")
	v.SetDefault("event_store_path", "council.db")
	v.SetDefault("job_ttl", "24h")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("concurrency", 0) // 0 = roster size
	v.SetDefault("banned_keywords", DefaultBannedKeywords)
	v.SetDefault("timeouts.provider", "90s")
	v.SetDefault("timeouts.deep_research", "20m")
	v.SetDefault("timeouts.stage", "30m")
	v.SetDefault("timeouts.job", "2h")
	v.SetDefault("temperatures", map[string]float64{
		"market_sentiment": 0.3,
		"research":         0.2,
		"pm_pitch":         0.7,
		"peer_review":      0.1,
		"chairman":         0.4,
	})
	v.SetDefault("risk_profiles", map[string]domain.RiskParams{
		string(domain.RiskTight): {StopLossPct: 0.01, TakeProfitPct: 0.02},
		string(domain.RiskBase):  {StopLossPct: 0.02, TakeProfitPct: 0.04},
		string(domain.RiskWide):  {StopLossPct: 0.04, TakeProfitPct: 0.08},
	})
}

// Load reads configuration from path (or the working directory when
// empty), applies env overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("council")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("COUNCIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Running purely on defaults plus env is allowed when no file path
		// was forced.
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the structural rules: a mode, a roster of at least
// two uniquely-accounted PMs, a non-empty universe, and exactly the
// three fixed risk profiles.
func (c *Config) Validate() error {
	switch c.Mode {
	case "chat_only", "ranking", "full":
	default:
		return fmt.Errorf("invalid mode %q", c.Mode)
	}

	if len(c.PMRoster) < 2 {
		return fmt.Errorf("pm_roster needs at least 2 entries, got %d", len(c.PMRoster))
	}
	seenAccounts := make(map[domain.AccountID]bool)
	seenModels := make(map[string]bool)
	for _, entry := range c.PMRoster {
		if entry.ModelID == "" || entry.AccountID == "" {
			return fmt.Errorf("roster entry missing model_id or account_id")
		}
		if seenAccounts[entry.AccountID] {
			return fmt.Errorf("account %s bound to more than one PM", entry.AccountID)
		}
		if seenModels[entry.ModelID] {
			return fmt.Errorf("model %s appears twice in roster", entry.ModelID)
		}
		seenAccounts[entry.AccountID] = true
		seenModels[entry.ModelID] = true
	}
	if c.Mode == "full" {
		if c.ChairmanModelID == "" {
			return fmt.Errorf("full mode requires chairman_model_id")
		}
		if c.CouncilAccount == "" {
			return fmt.Errorf("full mode requires council_account")
		}
		if seenAccounts[c.CouncilAccount] {
			return fmt.Errorf("council account %s is also a PM account", c.CouncilAccount)
		}
	}

	if len(c.TradableUniverse) == 0 {
		return fmt.Errorf("tradable_universe is empty")
	}
	if len(c.ResearchSources) == 0 {
		return fmt.Errorf("research_sources is empty")
	}

	for _, profile := range []domain.RiskProfile{domain.RiskTight, domain.RiskBase, domain.RiskWide} {
		params, ok := c.RiskProfiles[string(profile)]
		if !ok {
			return fmt.Errorf("risk profile %s missing", profile)
		}
		if params.StopLossPct <= 0 || params.TakeProfitPct <= 0 {
			return fmt.Errorf("risk profile %s has non-positive percentages", profile)
		}
	}

	if _, err := time.LoadLocation(c.MarketTimezone); err != nil {
		return fmt.Errorf("invalid market_timezone %q: %w", c.MarketTimezone, err)
	}
	return nil
}

// SentimentModel returns the configured sentiment scorer, defaulting to
// the first roster model.
func (c *Config) SentimentModel() string {
	if c.SentimentModelID != "" {
		return c.SentimentModelID
	}
	return c.PMRoster[0].ModelID
}

// ConcurrencyCap returns the fan-out cap, defaulting to the roster size.
func (c *Config) ConcurrencyCap() int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return len(c.PMRoster)
}

// Temperature returns the configured sampling temperature for a stage.
func (c *Config) Temperature(stage string, fallback float64) float64 {
	if t, ok := c.Temperatures[stage]; ok {
		return t
	}
	return fallback
}

// InUniverse reports whether an instrument is tradable.
func (c *Config) InUniverse(inst domain.Instrument) bool {
	for _, u := range c.TradableUniverse {
		if u == inst {
			return true
		}
	}
	return false
}

// AccountFor returns the account bound to a PM model.
func (c *Config) AccountFor(modelID string) (domain.AccountID, bool) {
	for _, entry := range c.PMRoster {
		if entry.ModelID == modelID {
			return entry.AccountID, true
		}
	}
	return "", false
}

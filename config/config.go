// Package config loads the watcher configuration from an optional YAML file and SLOTWATCH_ environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"slotwatch/pkg/slotwatch"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. SLOTWATCH_STORAGE_BUCKET.
const EnvPrefix = "SLOTWATCH"

// Config is the full process configuration.
type Config struct {
	Site      string `mapstructure:"site"`
	BaseURL   string `mapstructure:"base_url"`
	UserAgent string `mapstructure:"user_agent"`

	Server   Server   `mapstructure:"server"`
	Log      Log      `mapstructure:"log"`
	Storage  Storage  `mapstructure:"storage"`
	History  History  `mapstructure:"history"`
	Governor Governor `mapstructure:"governor"`
	Session  Session  `mapstructure:"session"`
	Harvest  Harvest  `mapstructure:"harvest"`
	Dispatch Dispatch `mapstructure:"dispatch"`
	Notify   Notify   `mapstructure:"notify"`
	Proxy    Proxy    `mapstructure:"proxy"`
	Telegram Telegram `mapstructure:"telegram"`
	Email    Email    `mapstructure:"email"`
	Metrics  Metrics  `mapstructure:"metrics"`
}

type Server struct {
	Port int `mapstructure:"port"`
}

type Log struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or text
}

// Storage selects GCS when Bucket is set, else the local directory.
type Storage struct {
	Bucket    string `mapstructure:"bucket"`
	LocalPath string `mapstructure:"local_path"`
}

// History is kept in memory when DatabaseURL is empty.
type History struct {
	DatabaseURL string        `mapstructure:"database_url"`
	Retention   time.Duration `mapstructure:"retention"`
}

type Governor struct {
	MaxConcurrent int64         `mapstructure:"max_concurrent"`
	RPS           float64       `mapstructure:"rps"`
	Attempts      uint          `mapstructure:"attempts"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type Session struct {
	MaxAge          time.Duration `mapstructure:"max_age"`
	HarvestTimeout  time.Duration `mapstructure:"harvest_timeout"`
	ValidateTimeout time.Duration `mapstructure:"validate_timeout"`

	// HarvestsPerContext bounds concurrent browser acquisitions for one session context.
	HarvestsPerContext int64 `mapstructure:"harvests_per_context"`
}

type Harvest struct {
	ChromePath string        `mapstructure:"chrome_path"`
	APIWait    time.Duration `mapstructure:"api_wait"`
	Settle     time.Duration `mapstructure:"settle"`
}

type Dispatch struct {
	MinInterval    time.Duration `mapstructure:"min_interval"`
	BatchDates     int           `mapstructure:"batch_dates"`
	Concurrency    int           `mapstructure:"concurrency"`
	ProbeParallel  int           `mapstructure:"probe_parallel"`
	EgressAttempts int           `mapstructure:"egress_attempts"`
	TickInterval   time.Duration `mapstructure:"tick_interval"` // 0 disables the internal ticker
}

type Notify struct {
	Cooldown   time.Duration `mapstructure:"cooldown"`
	StateTTL   time.Duration `mapstructure:"state_ttl"`
	CacheBytes int           `mapstructure:"cache_bytes"`
}

// ProxySeed is an endpoint declared in configuration.
type ProxySeed struct {
	Endpoint string `mapstructure:"endpoint"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Tag      string `mapstructure:"tag"`
}

type Proxy struct {
	PreferredTag string      `mapstructure:"preferred_tag"`
	Seeds        []ProxySeed `mapstructure:"seeds"`
	// List is a comma separated "user:pass@host:port" list, convenient for the environment.
	List string `mapstructure:"list"`
}

type Telegram struct {
	Token string `mapstructure:"token"`
}

type Email struct {
	Provider              string `mapstructure:"provider"` // mock, brevo or gmail
	SiteName              string `mapstructure:"site_name"`
	FromAddress           string `mapstructure:"from_address"`
	FromName              string `mapstructure:"from_name"`
	BrevoAPIKey           string `mapstructure:"brevo_api_key"`
	GoogleCredentialsJSON string `mapstructure:"google_credentials_json"` // Empty uses application default credentials on Cloud Run
}

type Metrics struct {
	Enabled bool `mapstructure:"enabled"`
}

var defaults = map[string]any{
	"site":       "vatican",
	"base_url":   "https://tickets.museivaticani.va",
	"user_agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",

	"server.port": 8080,
	"log.level":   "info",
	"log.format":  "json",

	"storage.bucket":     "",
	"storage.local_path": "",

	"history.database_url": "",
	"history.retention":    7 * 24 * time.Hour,

	"governor.max_concurrent": 8,
	"governor.rps":            10.0,
	"governor.attempts":       3,
	"governor.base_delay":     time.Second,
	"governor.max_delay":      10 * time.Second,
	"governor.timeout":        15 * time.Second,

	"session.max_age":              4 * time.Hour,
	"session.harvest_timeout":      90 * time.Second,
	"session.validate_timeout":     15 * time.Second,
	"session.harvests_per_context": 2,

	"harvest.chrome_path": "",
	"harvest.api_wait":    20 * time.Second,
	"harvest.settle":      3 * time.Second,

	"dispatch.min_interval":    60 * time.Second,
	"dispatch.batch_dates":     10,
	"dispatch.concurrency":     16,
	"dispatch.probe_parallel":  4,
	"dispatch.egress_attempts": 3,
	"dispatch.tick_interval":   time.Duration(0),

	"notify.cooldown":    time.Hour,
	"notify.state_ttl":   7 * 24 * time.Hour,
	"notify.cache_bytes": 16 << 20,

	"proxy.preferred_tag": "",
	"proxy.list":          "",

	"telegram.token": "",

	"email.provider":                "mock",
	"email.site_name":               "Slotwatch",
	"email.from_address":            "",
	"email.from_name":               "Slotwatch",
	"email.brevo_api_key":           "",
	"email.google_credentials_json": "",

	"metrics.enabled": true,
}

// Load reads path (if non-empty), applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read config %s: %v", slotwatch.ErrConfiguration, path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: unable to decode into config struct: %v", slotwatch.ErrConfiguration, err)
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem at once, wrapped in ErrConfiguration.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	u, err := url.Parse(c.BaseURL)
	check(err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "", "base_url %q must be an absolute http(s) URL", c.BaseURL)
	check(c.Site != "", "site must be set")
	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d out of range", c.Server.Port)
	check(c.Log.Format == "json" || c.Log.Format == "text", "log.format %q must be json or text", c.Log.Format)

	check(c.Governor.MaxConcurrent >= 1, "governor.max_concurrent must be at least 1")
	check(c.Governor.RPS > 0, "governor.rps must be positive")
	check(c.Governor.Attempts >= 1, "governor.attempts must be at least 1")
	check(c.Governor.Timeout > 0, "governor.timeout must be positive")
	check(c.Governor.MaxDelay >= c.Governor.BaseDelay, "governor.max_delay must not be below governor.base_delay")

	check(c.Session.MaxAge > 0, "session.max_age must be positive")
	check(c.Session.HarvestTimeout > 0, "session.harvest_timeout must be positive")
	check(c.Session.HarvestsPerContext >= 1, "session.harvests_per_context must be at least 1")

	check(c.Dispatch.MinInterval >= time.Second, "dispatch.min_interval must be at least 1s")
	check(c.Dispatch.BatchDates >= 1, "dispatch.batch_dates must be at least 1")
	check(c.Dispatch.Concurrency >= 1, "dispatch.concurrency must be at least 1")
	check(c.Dispatch.ProbeParallel >= 1, "dispatch.probe_parallel must be at least 1")
	check(c.Dispatch.EgressAttempts >= 1, "dispatch.egress_attempts must be at least 1")
	check(c.Dispatch.TickInterval >= 0, "dispatch.tick_interval must not be negative")

	check(c.Notify.Cooldown >= 0, "notify.cooldown must not be negative")
	check(c.Notify.StateTTL > 0, "notify.state_ttl must be positive")
	check(c.History.Retention > 0, "history.retention must be positive")

	switch c.Email.Provider {
	case "mock":
	case "brevo":
		check(c.Email.BrevoAPIKey != "", "email.brevo_api_key is required for the brevo provider")
		check(c.Email.FromAddress != "", "email.from_address is required for the brevo provider")
	case "gmail":
	default:
		errs = append(errs, fmt.Errorf("email.provider %q must be mock, brevo or gmail", c.Email.Provider))
	}

	if _, err := c.ProxySeeds(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", slotwatch.ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

// ProxySeeds merges proxy.seeds and proxy.list.
func (c *Config) ProxySeeds() ([]ProxySeed, error) {
	seeds := make([]ProxySeed, 0, len(c.Proxy.Seeds))
	for i, s := range c.Proxy.Seeds {
		if strings.TrimSpace(s.Endpoint) == "" {
			return nil, fmt.Errorf("proxy.seeds[%d]: endpoint is required", i)
		}
		seeds = append(seeds, s)
	}
	for _, raw := range strings.Split(c.Proxy.List, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		s, err := parseProxy(raw)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, s)
	}
	return seeds, nil
}

// ProxyRecords turns the seeds into active records, naming each with id.
func (c *Config) ProxyRecords(id func(endpoint string) string) ([]*slotwatch.ProxyRecord, error) {
	seeds, err := c.ProxySeeds()
	if err != nil {
		return nil, err
	}
	recs := make([]*slotwatch.ProxyRecord, 0, len(seeds))
	for _, s := range seeds {
		recs = append(recs, &slotwatch.ProxyRecord{
			ID:       id(s.Endpoint),
			Endpoint: s.Endpoint,
			Username: s.Username,
			Password: s.Password,
			Tag:      s.Tag,
			Active:   true,
		})
	}
	return recs, nil
}

func parseProxy(raw string) (ProxySeed, error) {
	u, err := url.Parse("http://" + strings.TrimPrefix(raw, "http://"))
	if err != nil || u.Host == "" || u.Port() == "" {
		return ProxySeed{}, fmt.Errorf("proxy.list entry %q must be [user:pass@]host:port", raw)
	}
	s := ProxySeed{Endpoint: u.Host}
	if u.User != nil {
		s.Username = u.User.Username()
		s.Password, _ = u.User.Password()
	}
	return s, nil
}

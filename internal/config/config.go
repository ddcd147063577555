// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lexbr/norm-harvester/internal/engine"
)

// Config captures every knob the harvester reads. It is loaded once and
// passed into component constructors; nothing reads the environment after
// Load returns.
type Config struct {
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	Storage StorageConfig `mapstructure:"storage"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Browser BrowserConfig `mapstructure:"browser"`
	OCR     OCRConfig     `mapstructure:"ocr"`
	VPN     VPNConfig     `mapstructure:"vpn"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// CrawlConfig governs the per-year orchestration loop.
type CrawlConfig struct {
	Source     string `mapstructure:"source"`
	YearStart  int    `mapstructure:"year_start"`
	YearEnd    int    `mapstructure:"year_end"`
	MaxWorkers int    `mapstructure:"max_workers"`
}

// StorageConfig sets the output trees for harvested and failed records.
type StorageConfig struct {
	SaveDir    string `mapstructure:"save_dir"`
	ErrorDir   string `mapstructure:"error_dir"`
	MaxPathLen int    `mapstructure:"max_path_len"`
}

// HTTPConfig configures the resilient request client.
type HTTPConfig struct {
	MaxAttempts       int    `mapstructure:"max_attempts"`
	RetryDelaySeconds int    `mapstructure:"retry_delay_seconds"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
	UserAgent         string `mapstructure:"user_agent"`
	ProxyURL          string `mapstructure:"proxy_url"`
	InsecureTLS       bool   `mapstructure:"insecure_tls"`
}

// BrowserConfig configures the headless session pool. The pool is only
// launched when Enabled is set; PoolSize zero means "use
// crawl.max_workers".
type BrowserConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	PoolSize          int  `mapstructure:"pool_size"`
	NavTimeoutSeconds int  `mapstructure:"nav_timeout_seconds"`
	Headless          bool `mapstructure:"headless"`
}

// OCRConfig points the extractor at the LLM text-extraction service.
type OCRConfig struct {
	APIKey           string `mapstructure:"api_key"`
	BaseURL          string `mapstructure:"base_url"`
	Model            string `mapstructure:"model"`
	MinNativeTextLen int    `mapstructure:"min_native_text_len"`
}

// VPNConfig lists the managed OpenVPN configurations and credentials.
// Credentials are keyed by config name, the .ovpn file stem.
type VPNConfig struct {
	Executable       string                      `mapstructure:"executable"`
	Configs          []string                    `mapstructure:"configs"`
	Credentials      map[string]CredentialConfig `mapstructure:"credentials"`
	DefaultUser      string                      `mapstructure:"default_user"`
	DefaultPass      string                      `mapstructure:"default_pass"`
	StabilitySeconds int                         `mapstructure:"stability_seconds"`
	Shuffle          bool                        `mapstructure:"shuffle"`
}

// CredentialConfig is a per-config VPN credential pair.
type CredentialConfig struct {
	User string `mapstructure:"user"`
	Pass string `mapstructure:"pass"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Verbose bool `mapstructure:"verbose"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawl.source", "")
	v.SetDefault("crawl.year_start", engine.DefaultYearStart)
	v.SetDefault("crawl.year_end", time.Now().Year())
	v.SetDefault("crawl.max_workers", 4)
	v.SetDefault("storage.save_dir", "data/norms")
	v.SetDefault("storage.error_dir", "data/errors")
	v.SetDefault("storage.max_path_len", 245)
	v.SetDefault("http.max_attempts", 5)
	v.SetDefault("http.retry_delay_seconds", 5)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent", "")
	v.SetDefault("http.proxy_url", "")
	v.SetDefault("http.insecure_tls", false)
	v.SetDefault("browser.enabled", false)
	v.SetDefault("browser.pool_size", 0)
	v.SetDefault("browser.nav_timeout_seconds", 25)
	v.SetDefault("browser.headless", true)
	v.SetDefault("ocr.api_key", "")
	v.SetDefault("ocr.base_url", "")
	v.SetDefault("ocr.model", "")
	v.SetDefault("ocr.min_native_text_len", 200)
	v.SetDefault("vpn.executable", "")
	v.SetDefault("vpn.stability_seconds", 15)
	v.SetDefault("vpn.shuffle", false)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("logging.verbose", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawl.MaxWorkers <= 0 {
		return fmt.Errorf("crawl.max_workers must be > 0")
	}
	if c.Crawl.YearStart < 1 {
		return fmt.Errorf("crawl.year_start must be >= 1")
	}
	if c.Crawl.YearEnd < c.Crawl.YearStart {
		return fmt.Errorf("crawl.year_end must be >= crawl.year_start")
	}
	if c.Storage.SaveDir == "" {
		return fmt.Errorf("storage.save_dir must be set")
	}
	if c.Storage.ErrorDir == "" {
		return fmt.Errorf("storage.error_dir must be set")
	}
	if c.Storage.MaxPathLen < 50 {
		return fmt.Errorf("storage.max_path_len must be >= 50")
	}
	if c.HTTP.MaxAttempts <= 0 {
		return fmt.Errorf("http.max_attempts must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.RetryDelaySeconds < 0 {
		return fmt.Errorf("http.retry_delay_seconds must be >= 0")
	}
	if c.Browser.PoolSize < 0 {
		return fmt.Errorf("browser.pool_size must be >= 0")
	}
	if len(c.VPN.Configs) > 0 && c.VPN.StabilitySeconds <= 0 {
		return fmt.Errorf("vpn.stability_seconds must be > 0")
	}
	return nil
}

// RetryDelay is the fixed inter-attempt delay for the HTTP client.
func (c HTTPConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// Timeout is the per-attempt HTTP timeout.
func (c HTTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// NavTimeout is the per-navigation browser timeout.
func (c BrowserConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSeconds) * time.Second
}

// StabilityWindow is how long a VPN process must stay alive before a
// connect is declared successful.
func (c VPNConfig) StabilityWindow() time.Duration {
	return time.Duration(c.StabilitySeconds) * time.Second
}

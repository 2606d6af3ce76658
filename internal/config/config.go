package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration. Every field has a working default so a
// bare `calsyncd` runs against in-memory backends.
type Config struct {
	Listen        string `yaml:"listen"`
	PublicBaseURL string `yaml:"publicBaseUrl"`
	LogLevel      string `yaml:"logLevel"`

	StoreDSN      string `yaml:"storeDsn"`
	QueueDSN      string `yaml:"queueDsn"`
	QueueCapacity int    `yaml:"queueCapacity"`

	Workers     int           `yaml:"workers"`
	MaxAttempts int           `yaml:"maxAttempts"`
	RetryBase   time.Duration `yaml:"retryBase"`
	RetryMax    time.Duration `yaml:"retryMax"`

	WindowPast   time.Duration `yaml:"windowPast"`
	WindowFuture time.Duration `yaml:"windowFuture"`

	RenewLead     time.Duration `yaml:"renewLead"`
	RenewSchedule string        `yaml:"renewSchedule"`

	Google  OAuthConfig `yaml:"google"`
	Outlook OAuthConfig `yaml:"outlook"`

	RateLimitMax    int           `yaml:"rateLimitMax"`
	RateLimitWindow time.Duration `yaml:"rateLimitWindow"`
	MaxBodyBytes    int64         `yaml:"maxBodyBytes"`
}

type OAuthConfig struct {
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`
}

func Default() Config {
	return Config{
		Listen:        ":8080",
		LogLevel:      "info",
		StoreDSN:      "memory://",
		QueueDSN:      "memory://",
		QueueCapacity: 1024,
		Workers:       4,
		MaxAttempts:   5,
		RetryBase:     2 * time.Second,
		RetryMax:      5 * time.Minute,
		WindowPast:    180 * 24 * time.Hour,
		WindowFuture:  365 * 24 * time.Hour,
		RenewLead:     12 * time.Hour,
		RenewSchedule: "@every 1h",
		MaxBodyBytes:  1 << 20,
	}
}

// Load reads a YAML config file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	defaults := Default()
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = defaults.Listen
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = defaults.LogLevel
	}
	if strings.TrimSpace(c.StoreDSN) == "" {
		c.StoreDSN = defaults.StoreDSN
	}
	if strings.TrimSpace(c.QueueDSN) == "" {
		c.QueueDSN = defaults.QueueDSN
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = defaults.QueueCapacity
	}
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaults.RetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = defaults.RetryMax
	}
	if c.WindowPast <= 0 {
		c.WindowPast = defaults.WindowPast
	}
	if c.WindowFuture <= 0 {
		c.WindowFuture = defaults.WindowFuture
	}
	if c.RenewLead <= 0 {
		c.RenewLead = defaults.RenewLead
	}
	if strings.TrimSpace(c.RenewSchedule) == "" {
		c.RenewSchedule = defaults.RenewSchedule
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaults.MaxBodyBytes
	}
}

// WebhookURL joins the public base URL with a provider hook path.
func (c Config) WebhookURL(hookPath string) string {
	base := strings.TrimRight(strings.TrimSpace(c.PublicBaseURL), "/")
	if base == "" {
		return ""
	}
	return base + "/" + strings.TrimLeft(hookPath, "/")
}

// Watch reloads the config file on change and calls onChange with the fresh
// copy. It returns once the watcher is installed; events are handled on a
// background goroutine until stop is called.
func Watch(path string, onChange func(Config)) (stop func() error, err error) {
	if strings.TrimSpace(path) == "" || onChange == nil {
		return func() error { return nil }, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, loadErr := Load(path)
				if loadErr != nil {
					// A half-written file shows up as a parse error; the next
					// write event retries.
					continue
				}
				onChange(cfg)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return watcher.Close, nil
}

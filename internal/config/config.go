// Package config holds the application's root configuration, loaded through Viper
// from an optional config file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	instance *Config
	mu       sync.RWMutex
)

// EnvPrefix is the prefix applied to every automatically bound environment variable.
const EnvPrefix = "MFA_AUTH"

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger        LoggerConfig        `mapstructure:"logger" yaml:"logger"`
	Browser       BrowserConfig       `mapstructure:"browser" yaml:"browser"`
	Auth          AuthConfig          `mapstructure:"auth" yaml:"auth"`
	Impersonation ImpersonationConfig `mapstructure:"impersonation" yaml:"impersonation"`
}

// ColorConfig defines the color settings for different log levels.
// These are used for console output to make logs more readable.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" json:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" json:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" json:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" json:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" json:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" json:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" json:"fatal" yaml:"fatal"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" json:"level" yaml:"level"`
	Format      string      `mapstructure:"format" json:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" json:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" json:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" json:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" json:"colors" yaml:"colors"`
}

// BrowserConfig holds settings for the Chrome instance driven over CDP.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ExecPath          string         `mapstructure:"exec_path" yaml:"exec_path"`
	Proxy             string         `mapstructure:"proxy" yaml:"proxy"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	UserAgent         string         `mapstructure:"user_agent" yaml:"user_agent"`
	Locale            string         `mapstructure:"locale" yaml:"locale"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	StorageStatePath  string         `mapstructure:"storage_state_path" yaml:"storage_state_path"`
	Debug             bool           `mapstructure:"debug" yaml:"debug"`
}

// ViewportConfig is the window size handed to Chrome.
type ViewportConfig struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// AuthConfig carries the credential bundle and the login flow tuning.
type AuthConfig struct {
	PageURL   string `mapstructure:"page_url" yaml:"page_url"`
	Username  string `mapstructure:"username" yaml:"username"`
	Password  string `mapstructure:"password" yaml:"password"`
	OTPSecret string `mapstructure:"otp_secret" yaml:"otp_secret"`
	Issuer    string `mapstructure:"issuer" yaml:"issuer"`

	ElementTimeout      time.Duration `mapstructure:"element_timeout" yaml:"element_timeout"`
	MFATimeout          time.Duration `mapstructure:"mfa_timeout" yaml:"mfa_timeout"`
	SettleDelay         time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	StaySignedInTimeout time.Duration `mapstructure:"stay_signed_in_timeout" yaml:"stay_signed_in_timeout"`

	Selectors SelectorsConfig `mapstructure:"selectors" yaml:"selectors"`
}

// SelectorsConfig overrides the CSS selectors used on the sign-in pages.
// Empty values fall back to the built-in Microsoft login selectors.
type SelectorsConfig struct {
	Email          string `mapstructure:"email" yaml:"email,omitempty"`
	Next           string `mapstructure:"next" yaml:"next,omitempty"`
	Password       string `mapstructure:"password" yaml:"password,omitempty"`
	Submit         string `mapstructure:"submit" yaml:"submit,omitempty"`
	OtherWay       string `mapstructure:"other_way" yaml:"other_way,omitempty"`
	OTPOption      string `mapstructure:"otp_option" yaml:"otp_option,omitempty"`
	OTPInput       string `mapstructure:"otp_input" yaml:"otp_input,omitempty"`
	OTPSubmit      string `mapstructure:"otp_submit" yaml:"otp_submit,omitempty"`
	StaySignedInOK string `mapstructure:"stay_signed_in" yaml:"stay_signed_in,omitempty"`
}

// ImpersonationConfig holds settings for header based impersonation.
type ImpersonationConfig struct {
	APIPattern string `mapstructure:"api_pattern" yaml:"api_pattern"`
}

// SetDefaults registers the default values so the app can run with no config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "mfa-auth")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 7)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport.width", 1280)
	v.SetDefault("browser.viewport.height", 720)
	v.SetDefault("browser.locale", "en-US")
	v.SetDefault("browser.navigation_timeout", 60*time.Second)
	v.SetDefault("browser.storage_state_path", ".auth/user.json")

	v.SetDefault("auth.issuer", "Microsoft")
	v.SetDefault("auth.element_timeout", 30*time.Second)
	v.SetDefault("auth.mfa_timeout", 10*time.Second)
	v.SetDefault("auth.settle_delay", 3*time.Second)
	v.SetDefault("auth.stay_signed_in_timeout", 5*time.Second)

	v.SetDefault("impersonation.api_pattern", "**/api/data/**")
}

// BindEnv wires the environment into v. The credential variables are also bound
// to the short names exported by the test pipeline.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("auth.page_url", EnvPrefix+"_AUTH_PAGE_URL", "PAGE_URL")
	_ = v.BindEnv("auth.username", EnvPrefix+"_AUTH_USERNAME", "USER_NAME")
	_ = v.BindEnv("auth.password", EnvPrefix+"_AUTH_PASSWORD", "PASSWORD")
	_ = v.BindEnv("auth.otp_secret", EnvPrefix+"_AUTH_OTP_SECRET", "OTP_SECRET")
}

// Validate checks the settings that the components cannot default on their own.
// Credentials are validated by the authenticator at use time.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Browser.StorageStatePath) == "" {
		errs = append(errs, errors.New("browser.storage_state_path is a required configuration field"))
	}
	if c.Browser.Viewport.Width < 0 || c.Browser.Viewport.Height < 0 {
		errs = append(errs, errors.New("browser.viewport dimensions must not be negative"))
	}
	if c.Auth.ElementTimeout <= 0 {
		errs = append(errs, errors.New("auth.element_timeout must be a positive duration"))
	}
	if c.Auth.MFATimeout <= 0 {
		errs = append(errs, errors.New("auth.mfa_timeout must be a positive duration"))
	}
	if c.Auth.SettleDelay < 0 {
		errs = append(errs, errors.New("auth.settle_delay must not be negative"))
	}
	if c.Auth.StaySignedInTimeout <= 0 {
		errs = append(errs, errors.New("auth.stay_signed_in_timeout must be a positive duration"))
	}
	if strings.TrimSpace(c.Impersonation.APIPattern) == "" {
		errs = append(errs, errors.New("impersonation.api_pattern is a required configuration field"))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy with secrets masked, suitable for printing.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.Auth.Password = mask(c.Auth.Password)
	c.Auth.OTPSecret = mask(c.Auth.OTPSecret)
	return c
}

// Load unmarshals and validates the configuration held by v and installs it
// as the global instance. An invalid configuration is returned along with the
// error, so the caller can still set up logging from it, but is not installed.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return &cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	Set(&cfg)
	return &cfg, nil
}

// Set replaces the global configuration instance.
func Set(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	instance = cfg
}

// Get returns the loaded configuration instance.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if instance == nil {
		panic("Configuration not initialized. Call config.Load() in the root command.")
	}
	return instance
}

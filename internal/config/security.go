package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// SecurityConfig holds the tunable pieces of the session and external-login
// engines: token lifetimes, flow validity, and the identity-provider registry.
// It is loaded from security.yml and hot-reloaded on change.
type SecurityConfig struct {
	AccessTokenTTL  time.Duration            `mapstructure:"accessTokenTTL"`
	RefreshTokenTTL time.Duration            `mapstructure:"refreshTokenTTL"`
	FlowTTL         time.Duration            `mapstructure:"flowTTL"`
	FlowCookieTTL   time.Duration            `mapstructure:"flowCookieTTL"`
	LoginCodeTTL    time.Duration            `mapstructure:"loginCodeTTL"`
	Providers       map[string]ProviderEntry `mapstructure:"providers"`
}

// ProviderEntry describes one external identity provider.
type ProviderEntry struct {
	Type         string   `mapstructure:"type"`
	Enabled      bool     `mapstructure:"enabled"`
	ClientID     string   `mapstructure:"clientId"`
	ClientSecret string   `mapstructure:"clientSecret"`
	AuthURL      string   `mapstructure:"authUrl"`
	TokenURL     string   `mapstructure:"tokenUrl"`
	UserInfoURL  string   `mapstructure:"userInfoUrl"`
	Scopes       []string `mapstructure:"scopes"`
	AllowSignUp  bool     `mapstructure:"allowSignUp"`

	// Mock marks a deterministic test provider. It is the only setting that
	// disables the browser-fingerprint check on callbacks.
	Mock bool `mapstructure:"mock"`
}

func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 90 * 24 * time.Hour,
		FlowTTL:         10 * time.Minute,
		FlowCookieTTL:   10 * time.Minute,
		LoginCodeTTL:    10 * time.Minute,
		Providers:       map[string]ProviderEntry{},
	}
}

// SecurityConfigHolder exposes the current SecurityConfig and swaps it
// atomically when the file changes.
type SecurityConfigHolder struct {
	current atomic.Value // holds SecurityConfig
}

func NewSecurityConfigHolder() (*SecurityConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("security")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/keyline/config")
	v.AddConfigPath("/etc/keyline")
	v.AddConfigPath(".")

	v.SetEnvPrefix("KEYLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultSecurityConfig()
	v.SetDefault("security.accessTokenTTL", defaults.AccessTokenTTL)
	v.SetDefault("security.refreshTokenTTL", defaults.RefreshTokenTTL)
	v.SetDefault("security.flowTTL", defaults.FlowTTL)
	v.SetDefault("security.flowCookieTTL", defaults.FlowCookieTTL)
	v.SetDefault("security.loginCodeTTL", defaults.LoginCodeTTL)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg SecurityConfig
	if err := v.UnmarshalKey("security", &cfg); err != nil {
		return nil, err
	}
	if err := validateSecurityConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderEntry{}
	}

	holder := &SecurityConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated SecurityConfig
		if err := v.UnmarshalKey("security", &updated); err != nil {
			log.Printf("[security-config] reload failed: %v", err)
			return
		}
		if err := validateSecurityConfig(updated); err != nil {
			log.Printf("[security-config] invalid config ignored: %v", err)
			return
		}
		if updated.Providers == nil {
			updated.Providers = map[string]ProviderEntry{}
		}
		holder.current.Store(updated)
		log.Printf("[security-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticSecurityConfigHolder wraps a fixed config, for tests.
func NewStaticSecurityConfigHolder(cfg SecurityConfig) *SecurityConfigHolder {
	holder := &SecurityConfigHolder{}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderEntry{}
	}
	holder.current.Store(cfg)
	return holder
}

func (h *SecurityConfigHolder) Current() SecurityConfig {
	return h.current.Load().(SecurityConfig)
}

func validateSecurityConfig(cfg SecurityConfig) error {
	if cfg.AccessTokenTTL <= 0 {
		return errors.New("security.accessTokenTTL must be positive")
	}
	if cfg.RefreshTokenTTL <= cfg.AccessTokenTTL {
		return errors.New("security.refreshTokenTTL must exceed accessTokenTTL")
	}
	if cfg.FlowTTL <= 0 {
		return errors.New("security.flowTTL must be positive")
	}
	for name, provider := range cfg.Providers {
		if strings.TrimSpace(name) == "" {
			return errors.New("security.providers entries require a name")
		}
		if provider.Enabled && !provider.Mock {
			if strings.TrimSpace(provider.ClientID) == "" {
				return errors.New("provider " + name + ": clientId is required")
			}
			if strings.TrimSpace(provider.AuthURL) == "" || strings.TrimSpace(provider.TokenURL) == "" {
				return errors.New("provider " + name + ": authUrl and tokenUrl are required")
			}
		}
	}
	return nil
}

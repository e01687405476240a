/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/acronis/go-ratelimit/config"
	"github.com/acronis/go-ratelimit/netutil"
)

const cfgDefaultKeyPrefix = "rateLimit"

const (
	cfgKeyRatePoints               = "rate.points"
	cfgKeyRateDuration             = "rate.duration"
	cfgKeyRateBlockDuration        = "rate.blockDuration"
	cfgKeyIPEnabled                = "ip.enabled"
	cfgKeyIPAllowList              = "ip.allowList"
	cfgKeyIPBlockList              = "ip.blockList"
	cfgKeyIPAllowXForwardedFor     = "ip.allowXForwardedFor"
	cfgKeyIPAllowXForwardedForFrom = "ip.allowXForwardedForFrom"
	cfgKeyKeyEnabled               = "key.enabled"
	cfgKeyKeyAllowList             = "key.allowList"
	cfgKeyKeyBlockList             = "key.blockList"
	cfgKeyKeyHeaderName            = "key.headerName"
	cfgKeyKeyQueryParamName        = "key.queryParamName"
	cfgKeyKeyFallbackToIP          = "key.fallbackToIpOnMissingKey"
	cfgKeyStorageMaxSize           = "storage.maxSize"
	cfgKeyStorageCleanupInterval   = "storage.cleanupInterval"
	cfgKeyDryRun                   = "dryRun"
)

// Default configuration values.
const (
	DefaultRatePoints = 100

	DefaultRateDuration = 1 * time.Minute

	DefaultRateBlockDuration = 5 * time.Minute

	DefaultKeyHeaderName = "x-api-key"

	DefaultKeyQueryParamName = "api_key"

	DefaultStorageMaxSize = 10000

	DefaultStorageCleanupInterval = 1 * time.Minute
)

// Config represents a set of configuration parameters for rate limiting of HTTP requests.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader, viper,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	// Rate describes how many points each identifier may consume per window
	// and for how long an identifier is blocked after exhausting them.
	Rate RateConfig `mapstructure:"rate" yaml:"rate" json:"rate"`

	// IP configures identification of clients by IP address.
	IP IPPolicyConfig `mapstructure:"ip" yaml:"ip" json:"ip"`

	// Key configures identification of clients by API key.
	Key KeyPolicyConfig `mapstructure:"key" yaml:"key" json:"key"`

	// Storage configures the bounded in-memory counting store.
	Storage StorageConfig `mapstructure:"storage" yaml:"storage" json:"storage"`

	// DryRun makes the middleware observe and log limiting decisions without enforcing them.
	DryRun bool `mapstructure:"dryRun" yaml:"dryRun" json:"dryRun"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// RateConfig describes the fixed window each identifier consumes points from.
type RateConfig struct {
	// Points is the number of requests allowed per window.
	Points int `mapstructure:"points" yaml:"points" json:"points"`

	// Duration is the window length.
	Duration config.TimeDuration `mapstructure:"duration" yaml:"duration" json:"duration"`

	// BlockDuration is how long an identifier stays blocked after exhausting the window.
	// Zero disables blocking.
	BlockDuration config.TimeDuration `mapstructure:"blockDuration" yaml:"blockDuration" json:"blockDuration"`
}

// IPPolicyConfig configures identification of clients by IP address.
type IPPolicyConfig struct {
	// Enabled is a tri-state flag. When it's not set, IP identification is on
	// unless API key identification is enabled. Setting it to false explicitly
	// also disables the key-mode fallback to the remote address.
	Enabled *bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// AllowList contains glob patterns for IPs that bypass limiting entirely.
	AllowList []string `mapstructure:"allowList" yaml:"allowList" json:"allowList"`

	// BlockList contains glob patterns for IPs that are rejected as forbidden.
	BlockList []string `mapstructure:"blockList" yaml:"blockList" json:"blockList"`

	// AllowXForwardedFor enables resolving the client IP from the X-Forwarded-For header
	// when the request comes from one of the trusted proxies.
	AllowXForwardedFor bool `mapstructure:"allowXForwardedFor" yaml:"allowXForwardedFor" json:"allowXForwardedFor"`

	// AllowXForwardedForFrom lists the trusted proxy IPs (exact addresses, not globs).
	AllowXForwardedForFrom []string `mapstructure:"allowXForwardedForFrom" yaml:"allowXForwardedForFrom" json:"allowXForwardedForFrom"` // nolint: lll
}

// KeyPolicyConfig configures identification of clients by API key.
type KeyPolicyConfig struct {
	// Enabled turns on API key identification.
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// AllowList contains glob patterns for keys that bypass limiting entirely.
	AllowList []string `mapstructure:"allowList" yaml:"allowList" json:"allowList"`

	// BlockList contains glob patterns for keys that are rejected as forbidden.
	BlockList []string `mapstructure:"blockList" yaml:"blockList" json:"blockList"`

	// HeaderName is the request header the key is read from.
	HeaderName string `mapstructure:"headerName" yaml:"headerName" json:"headerName"`

	// QueryParamName is the query parameter the key is read from when the header is empty.
	QueryParamName string `mapstructure:"queryParamName" yaml:"queryParamName" json:"queryParamName"`

	// FallbackToIPOnMissingKey is a tri-state flag. When it's not set, requests without
	// a key are limited by the host part of the remote address. Setting it to false
	// makes such requests bypass limiting.
	FallbackToIPOnMissingKey *bool `mapstructure:"fallbackToIpOnMissingKey" yaml:"fallbackToIpOnMissingKey" json:"fallbackToIpOnMissingKey"` // nolint: lll
}

// StorageConfig configures the bounded in-memory counting store.
type StorageConfig struct {
	// MaxSize is the maximum number of tracked identifiers.
	MaxSize int `mapstructure:"maxSize" yaml:"maxSize" json:"maxSize"`

	// CleanupInterval is how often expired entries are swept out.
	CleanupInterval config.TimeDuration `mapstructure:"cleanupInterval" yaml:"cleanupInterval" json:"cleanupInterval"`
}

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
// This prefix will be used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{
		keyPrefix: opts.keyPrefix,
		Rate: RateConfig{
			Points:        DefaultRatePoints,
			Duration:      config.TimeDuration(DefaultRateDuration),
			BlockDuration: config.TimeDuration(DefaultRateBlockDuration),
		},
		Key: KeyPolicyConfig{
			HeaderName:     DefaultKeyHeaderName,
			QueryParamName: DefaultKeyQueryParamName,
		},
		Storage: StorageConfig{
			MaxSize:         DefaultStorageMaxSize,
			CleanupInterval: config.TimeDuration(DefaultStorageCleanupInterval),
		},
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values for rate limiting in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyRatePoints, DefaultRatePoints)
	dp.SetDefault(cfgKeyRateDuration, DefaultRateDuration.String())
	dp.SetDefault(cfgKeyRateBlockDuration, DefaultRateBlockDuration.String())
	dp.SetDefault(cfgKeyKeyHeaderName, DefaultKeyHeaderName)
	dp.SetDefault(cfgKeyKeyQueryParamName, DefaultKeyQueryParamName)
	dp.SetDefault(cfgKeyStorageMaxSize, DefaultStorageMaxSize)
	dp.SetDefault(cfgKeyStorageCleanupInterval, DefaultStorageCleanupInterval.String())
}

// Set sets rate limiting configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if err = c.setRateConfig(dp); err != nil {
		return err
	}
	if err = c.setIPConfig(dp); err != nil {
		return err
	}
	if err = c.setKeyConfig(dp); err != nil {
		return err
	}
	if err = c.setStorageConfig(dp); err != nil {
		return err
	}
	if c.DryRun, err = dp.GetBool(cfgKeyDryRun); err != nil {
		return err
	}
	return c.Validate()
}

func (c *Config) setRateConfig(dp config.DataProvider) error {
	var err error

	if c.Rate.Points, err = dp.GetInt(cfgKeyRatePoints); err != nil {
		return err
	}
	var dur time.Duration
	if dur, err = dp.GetDuration(cfgKeyRateDuration); err != nil {
		return err
	}
	c.Rate.Duration = config.TimeDuration(dur)
	if dur, err = dp.GetDuration(cfgKeyRateBlockDuration); err != nil {
		return err
	}
	c.Rate.BlockDuration = config.TimeDuration(dur)
	return nil
}

func (c *Config) setIPConfig(dp config.DataProvider) error {
	var err error

	// The enabled flag is tri-state, absence and explicit false mean different things.
	if dp.IsSet(cfgKeyIPEnabled) {
		var enabled bool
		if enabled, err = dp.GetBool(cfgKeyIPEnabled); err != nil {
			return err
		}
		c.IP.Enabled = &enabled
	}
	if c.IP.AllowList, err = dp.GetStringSlice(cfgKeyIPAllowList); err != nil {
		return err
	}
	if c.IP.BlockList, err = dp.GetStringSlice(cfgKeyIPBlockList); err != nil {
		return err
	}
	if c.IP.AllowXForwardedFor, err = dp.GetBool(cfgKeyIPAllowXForwardedFor); err != nil {
		return err
	}
	if c.IP.AllowXForwardedForFrom, err = dp.GetStringSlice(cfgKeyIPAllowXForwardedForFrom); err != nil {
		return err
	}
	return nil
}

func (c *Config) setKeyConfig(dp config.DataProvider) error {
	var err error

	if c.Key.Enabled, err = dp.GetBool(cfgKeyKeyEnabled); err != nil {
		return err
	}
	if c.Key.AllowList, err = dp.GetStringSlice(cfgKeyKeyAllowList); err != nil {
		return err
	}
	if c.Key.BlockList, err = dp.GetStringSlice(cfgKeyKeyBlockList); err != nil {
		return err
	}
	if c.Key.HeaderName, err = dp.GetString(cfgKeyKeyHeaderName); err != nil {
		return err
	}
	if c.Key.QueryParamName, err = dp.GetString(cfgKeyKeyQueryParamName); err != nil {
		return err
	}
	if dp.IsSet(cfgKeyKeyFallbackToIP) {
		var fallback bool
		if fallback, err = dp.GetBool(cfgKeyKeyFallbackToIP); err != nil {
			return err
		}
		c.Key.FallbackToIPOnMissingKey = &fallback
	}
	return nil
}

func (c *Config) setStorageConfig(dp config.DataProvider) error {
	var err error

	if c.Storage.MaxSize, err = dp.GetInt(cfgKeyStorageMaxSize); err != nil {
		return err
	}
	var dur time.Duration
	if dur, err = dp.GetDuration(cfgKeyStorageCleanupInterval); err != nil {
		return err
	}
	c.Storage.CleanupInterval = config.TimeDuration(dur)
	return nil
}

// Validate validates configuration.
func (c *Config) Validate() error {
	if c.Rate.Points < 1 {
		return fmt.Errorf("rate points should be >= 1, got %d", c.Rate.Points)
	}
	if time.Duration(c.Rate.Duration) < time.Second {
		return fmt.Errorf("rate duration should be >= 1s, got %s", time.Duration(c.Rate.Duration))
	}
	if time.Duration(c.Rate.BlockDuration) < 0 {
		return fmt.Errorf("rate block duration should be >= 0, got %s", time.Duration(c.Rate.BlockDuration))
	}
	if c.Storage.MaxSize < 1 {
		return fmt.Errorf("storage max size should be >= 1, got %d", c.Storage.MaxSize)
	}
	if time.Duration(c.Storage.CleanupInterval) < time.Second {
		return fmt.Errorf("storage cleanup interval should be >= 1s, got %s", time.Duration(c.Storage.CleanupInterval))
	}
	for _, proxyAddr := range c.IP.AllowXForwardedForFrom {
		if netutil.NormalizeIP(proxyAddr) == "" {
			return fmt.Errorf("trusted proxy %q is not a valid IP address", proxyAddr)
		}
	}
	return nil
}

// Limit returns the rate limit described by the configuration.
func (c *Config) Limit() Limit {
	return Limit{
		Points:        c.Rate.Points,
		Duration:      time.Duration(c.Rate.Duration),
		BlockDuration: time.Duration(c.Rate.BlockDuration),
	}
}

// ipEffectivelyEnabled reports whether clients should be identified by IP address.
func (c *Config) ipEffectivelyEnabled() bool {
	if c.IP.Enabled != nil {
		return *c.IP.Enabled
	}
	return !c.Key.Enabled
}

// keyFallbackToIPAllowed reports whether key identification may fall back to the
// remote address when no API key is present. Explicitly disabled IP identification
// turns the fallback off regardless of the fallback flag itself.
func (c *Config) keyFallbackToIPAllowed() bool {
	if c.IP.Enabled != nil && !*c.IP.Enabled {
		return false
	}
	if c.Key.FallbackToIPOnMissingKey != nil {
		return *c.Key.FallbackToIPOnMissingKey
	}
	return true
}

func mapstructureTrimSpaceStringsHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Kind,
		t reflect.Kind,
		data interface{}) (interface{}, error) {
		if f != reflect.Slice || t != reflect.Slice {
			return data, nil
		}
		switch dt := data.(type) {
		case []string:
			res := make([]string, 0, len(dt))
			for _, s := range dt {
				res = append(res, strings.TrimSpace(s))
			}
			return res, nil
		default:
			return data, nil
		}
	}
}

// MapstructureDecodeHook returns a DecodeHookFunc for mapstructure to handle custom types.
// It should be used when the configuration is unmarshaled with viper directly,
// bypassing config.Loader.
func MapstructureDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructureTrimSpaceStringsHookFunc(),
	)
}

// Package config holds the limbo configuration file types and loader.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"
)

// Config is the root of the configuration file.
type Config struct {
	Debug    bool   `toml:"debug" yaml:"debug"`
	Backend  string `toml:"backend" yaml:"backend"`   // host:port verified clients are bridged to
	Protocol int32  `toml:"protocol" yaml:"protocol"` // default protocol version for hosts that do not negotiate

	Listen       ListenConfig       `toml:"listen" yaml:"listen"`
	Verification VerificationConfig `toml:"verification" yaml:"verification"`
	Scoring      ScoringConfig      `toml:"scoring" yaml:"scoring"`
	Cache        CacheConfig        `toml:"cache" yaml:"cache"`
	Database     DatabaseConfig     `toml:"database" yaml:"database"`
	Messages     MessagesConfig     `toml:"messages" yaml:"messages"`
}

// ListenConfig holds listener addresses. Empty disables the listener.
type ListenConfig struct {
	TCP       string `toml:"tcp" yaml:"tcp"`
	WebSocket string `toml:"websocket" yaml:"websocket"`
	Admin     string `toml:"admin" yaml:"admin"`
}

type VerificationConfig struct {
	KeepAliveTimeoutMs  int     `toml:"keep_alive_timeout_ms" yaml:"keep_alive_timeout_ms"`
	KeepAliveMinDelayMs int     `toml:"keep_alive_min_delay_ms" yaml:"keep_alive_min_delay_ms"`
	MovementTimeoutMs   int     `toml:"movement_timeout_ms" yaml:"movement_timeout_ms"`
	MovementPackets     int     `toml:"movement_packets" yaml:"movement_packets"`
	ViolationThreshold  int     `toml:"violation_threshold" yaml:"violation_threshold"`
	SpawnX              float64 `toml:"spawn_x" yaml:"spawn_x"`
	SpawnY              float64 `toml:"spawn_y" yaml:"spawn_y"`
	SpawnZ              float64 `toml:"spawn_z" yaml:"spawn_z"`
	SpawnRadius         float64 `toml:"spawn_radius" yaml:"spawn_radius"`
	FallDepth           float64 `toml:"fall_depth" yaml:"fall_depth"`
	MaxVerifying        int     `toml:"max_verifying" yaml:"max_verifying"`
	MaxLoginPackets     int     `toml:"max_login_packets" yaml:"max_login_packets"`
	AttemptsPerMinute   int     `toml:"attempts_per_minute" yaml:"attempts_per_minute"`
	ValidBrandRegex     string  `toml:"valid_brand_regex" yaml:"valid_brand_regex"`
	MaxBrandLength      int     `toml:"max_brand_length" yaml:"max_brand_length"`
	ValidLocaleRegex    string  `toml:"valid_locale_regex" yaml:"valid_locale_regex"`

	Captcha CaptchaConfig `toml:"captcha" yaml:"captcha"`
}

type CaptchaConfig struct {
	Enabled    bool   `toml:"enabled" yaml:"enabled"`
	Attempts   int    `toml:"attempts" yaml:"attempts"`
	TimeoutMs  int    `toml:"timeout_ms" yaml:"timeout_ms"`
	Dictionary string `toml:"dictionary" yaml:"dictionary"`
	Length     int    `toml:"length" yaml:"length"`
	PoolSize   int    `toml:"pool_size" yaml:"pool_size"` // 0 renders per session
}

// ScoringConfig holds the weight added to a session's score per violation.
type ScoringConfig struct {
	TooFast       int `toml:"too_fast" yaml:"too_fast"`
	OutOfState    int `toml:"out_of_state" yaml:"out_of_state"`
	OutOfBounds   int `toml:"out_of_bounds" yaml:"out_of_bounds"`
	Malformed     int `toml:"malformed" yaml:"malformed"`
	InvalidBrand  int `toml:"invalid_brand" yaml:"invalid_brand"`
	MovementStall int `toml:"movement_stall" yaml:"movement_stall"`
	InvalidLocale int `toml:"invalid_locale" yaml:"invalid_locale"`
}

type CacheConfig struct {
	Capacity           int `toml:"capacity" yaml:"capacity"`
	Shards             int `toml:"shards" yaml:"shards"`
	TrustedTTLMs       int `toml:"trusted_ttl_ms" yaml:"trusted_ttl_ms"`
	BlacklistBaseTTLMs int `toml:"blacklist_base_ttl_ms" yaml:"blacklist_base_ttl_ms"`
	BlacklistMaxTTLMs  int `toml:"blacklist_max_ttl_ms" yaml:"blacklist_max_ttl_ms"`
	SweepIntervalMs    int `toml:"sweep_interval_ms" yaml:"sweep_interval_ms"`
	OffenseMemoryMs    int `toml:"offense_memory_ms" yaml:"offense_memory_ms"` // 0 forgets offenses once a blacklisting expires
}

// Database types.
const (
	DatabaseNone   = "none"
	DatabaseSQLite = "sqlite"
	DatabaseRedis  = "redis"
)

type DatabaseConfig struct {
	Type      string `toml:"type" yaml:"type"`
	Path      string `toml:"path" yaml:"path"`
	RedisAddr string `toml:"redis_addr" yaml:"redis_addr"`
	RedisKey  string `toml:"redis_key" yaml:"redis_key"`

	// RedisBlacklistKey holds the bans; the offense counts go to
	// RedisBlacklistKey + ":offenses".
	RedisBlacklistKey string `toml:"redis_blacklist_key" yaml:"redis_blacklist_key"`
}

// MessagesConfig holds every text a client can be shown.
type MessagesConfig struct {
	Blacklisted      string `toml:"blacklisted" yaml:"blacklisted"`
	Lockdown         string `toml:"lockdown" yaml:"lockdown"`
	TooFastReconnect string `toml:"too_fast_reconnect" yaml:"too_fast_reconnect"`
	TooManyPlayers   string `toml:"too_many_players" yaml:"too_many_players"`
	AlreadyVerifying string `toml:"already_verifying" yaml:"already_verifying"`
	Unsupported      string `toml:"unsupported_version" yaml:"unsupported_version"`
	Timeout          string `toml:"timeout" yaml:"timeout"`
	Failed           string `toml:"verification_failed" yaml:"verification_failed"`
	CaptchaPrompt    string `toml:"captcha_prompt" yaml:"captcha_prompt"`
	CaptchaRetry     string `toml:"captcha_retry" yaml:"captcha_retry"`
	CaptchaFailed    string `toml:"captcha_failed" yaml:"captcha_failed"`
	Shutdown         string `toml:"shutdown" yaml:"shutdown"`
	Internal         string `toml:"internal_error" yaml:"internal_error"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Protocol: 763,
		Listen: ListenConfig{
			TCP:   ":25565",
			Admin: "127.0.0.1:8080",
		},
		Verification: VerificationConfig{
			KeepAliveTimeoutMs:  5000,
			KeepAliveMinDelayMs: 2,
			MovementTimeoutMs:   10000,
			MovementPackets:     1,
			ViolationThreshold:  3,
			SpawnX:              8.5,
			SpawnY:              64,
			SpawnZ:              8.5,
			SpawnRadius:         8,
			FallDepth:           32,
			MaxVerifying:        1024,
			MaxLoginPackets:     200,
			AttemptsPerMinute:   3,
			ValidBrandRegex:     `^[!-~ ]+$`,
			MaxBrandLength:      64,
			ValidLocaleRegex:    `^[a-zA-Z_]+$`,
			Captcha: CaptchaConfig{
				Enabled:    false,
				Attempts:   3,
				TimeoutMs:  30000,
				Dictionary: "abcdefhjkmnoprstuxyz",
				Length:     5,
				PoolSize:   0,
			},
		},
		Scoring: ScoringConfig{
			TooFast:       1,
			OutOfState:    1,
			OutOfBounds:   1,
			Malformed:     1,
			InvalidBrand:  1,
			MovementStall: 1,
			InvalidLocale: 1,
		},
		Cache: CacheConfig{
			Capacity:           65536,
			Shards:             16,
			TrustedTTLMs:       6 * 60 * 60 * 1000,
			BlacklistBaseTTLMs: 60000,
			BlacklistMaxTTLMs:  60 * 60 * 1000,
			SweepIntervalMs:    60000,
			OffenseMemoryMs:    60 * 60 * 1000,
		},
		Database: DatabaseConfig{
			Type:     DatabaseNone,
			Path:     "limbo.db",
			RedisKey:          "limbo:verified",
			RedisBlacklistKey: "limbo:blacklist",
		},
		Messages: MessagesConfig{
			Blacklisted:      "You are temporarily blocked from joining. Try again later.",
			Lockdown:         "The server is in lockdown. New players cannot join right now.",
			TooFastReconnect: "You are reconnecting too fast. Wait a moment and try again.",
			TooManyPlayers:   "Too many players are joining right now. Try again shortly.",
			AlreadyVerifying: "Your address is already being verified.",
			Unsupported:      "This server does not support your game version.",
			Timeout:          "Verification timed out.",
			Failed:           "Verification failed. Please reconnect.",
			CaptchaPrompt:    "Type the code shown on the map into chat.",
			CaptchaRetry:     "Wrong code, %d attempt(s) left.",
			CaptchaFailed:    "Wrong code. Please reconnect and try again.",
			Shutdown:         "The server is restarting.",
			Internal:         "An internal error occurred.",
		},
	}
}

// Load reads path on top of Default. The format is chosen by extension:
// .toml, or .yaml / .yml.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config file: %w", err)
	}

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(content), cfg); err != nil {
			return nil, fmt.Errorf("unable to decode %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.UnmarshalStrict(content, cfg); err != nil {
			return nil, fmt.Errorf("unable to decode %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unknown config format %q", ext)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	nonNegative := func(name string, v int) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", name, v))
		}
	}

	v := c.Verification
	positive("verification.keep_alive_timeout_ms", v.KeepAliveTimeoutMs)
	nonNegative("verification.keep_alive_min_delay_ms", v.KeepAliveMinDelayMs)
	positive("verification.movement_timeout_ms", v.MovementTimeoutMs)
	positive("verification.movement_packets", v.MovementPackets)
	nonNegative("verification.violation_threshold", v.ViolationThreshold)
	positive("verification.max_verifying", v.MaxVerifying)
	positive("verification.max_login_packets", v.MaxLoginPackets)
	nonNegative("verification.attempts_per_minute", v.AttemptsPerMinute)
	nonNegative("verification.max_brand_length", v.MaxBrandLength)
	if v.SpawnRadius <= 0 {
		errs = append(errs, fmt.Errorf("verification.spawn_radius must be positive"))
	}
	if v.FallDepth < 0 {
		errs = append(errs, fmt.Errorf("verification.fall_depth must not be negative"))
	}
	if v.KeepAliveMinDelayMs >= v.KeepAliveTimeoutMs {
		errs = append(errs, fmt.Errorf("verification.keep_alive_min_delay_ms must be below keep_alive_timeout_ms"))
	}
	if _, err := regexp.Compile(v.ValidBrandRegex); err != nil {
		errs = append(errs, fmt.Errorf("verification.valid_brand_regex: %w", err))
	}
	if _, err := regexp.Compile(v.ValidLocaleRegex); err != nil {
		errs = append(errs, fmt.Errorf("verification.valid_locale_regex: %w", err))
	}

	if v.Captcha.Enabled {
		positive("verification.captcha.attempts", v.Captcha.Attempts)
		positive("verification.captcha.timeout_ms", v.Captcha.TimeoutMs)
		positive("verification.captcha.length", v.Captcha.Length)
		if n := len([]rune(v.Captcha.Dictionary)); n == 0 || n > 256 {
			errs = append(errs, fmt.Errorf("verification.captcha.dictionary must hold 1 to 256 characters"))
		}
	}
	nonNegative("verification.captcha.pool_size", v.Captcha.PoolSize)

	s := c.Scoring
	for name, w := range map[string]int{
		"scoring.too_fast":       s.TooFast,
		"scoring.out_of_state":   s.OutOfState,
		"scoring.out_of_bounds":  s.OutOfBounds,
		"scoring.malformed":      s.Malformed,
		"scoring.invalid_brand":  s.InvalidBrand,
		"scoring.movement_stall": s.MovementStall,
		"scoring.invalid_locale": s.InvalidLocale,
	} {
		nonNegative(name, w)
	}

	positive("cache.capacity", c.Cache.Capacity)
	nonNegative("cache.shards", c.Cache.Shards)
	positive("cache.trusted_ttl_ms", c.Cache.TrustedTTLMs)
	positive("cache.blacklist_base_ttl_ms", c.Cache.BlacklistBaseTTLMs)
	nonNegative("cache.blacklist_max_ttl_ms", c.Cache.BlacklistMaxTTLMs)
	nonNegative("cache.sweep_interval_ms", c.Cache.SweepIntervalMs)
	nonNegative("cache.offense_memory_ms", c.Cache.OffenseMemoryMs)

	switch c.Database.Type {
	case "", DatabaseNone:
	case DatabaseSQLite:
		if c.Database.Path == "" {
			errs = append(errs, fmt.Errorf("database.path is required for sqlite"))
		}
	case DatabaseRedis:
		if c.Database.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("database.redis_addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database.type %q", c.Database.Type))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Ms converts a millisecond config field to a Duration.
func Ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (v VerificationConfig) KeepAliveTimeout() time.Duration  { return Ms(v.KeepAliveTimeoutMs) }
func (v VerificationConfig) KeepAliveMinDelay() time.Duration { return Ms(v.KeepAliveMinDelayMs) }
func (v VerificationConfig) MovementTimeout() time.Duration   { return Ms(v.MovementTimeoutMs) }
func (c CaptchaConfig) Timeout() time.Duration                { return Ms(c.TimeoutMs) }
func (c CacheConfig) TrustedTTL() time.Duration               { return Ms(c.TrustedTTLMs) }
func (c CacheConfig) BlacklistBaseTTL() time.Duration         { return Ms(c.BlacklistBaseTTLMs) }
func (c CacheConfig) BlacklistMaxTTL() time.Duration          { return Ms(c.BlacklistMaxTTLMs) }
func (c CacheConfig) SweepInterval() time.Duration            { return Ms(c.SweepIntervalMs) }

// OffenseMemory returns the duration for verdict.Options.OffenseMemory,
// where a negative value means none.
func (c CacheConfig) OffenseMemory() time.Duration {
	if c.OffenseMemoryMs == 0 {
		return -1
	}
	return Ms(c.OffenseMemoryMs)
}

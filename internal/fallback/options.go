package fallback

import (
	"regexp"
	"time"

	"github.com/1ureka/limbo/internal/challenge"
	"github.com/1ureka/limbo/internal/config"
)

// Config tunes the engine. Build it from a config file with ConfigFrom.
type Config struct {
	KeepAliveTimeout   time.Duration
	KeepAliveMinDelay  time.Duration
	MovementTimeout    time.Duration
	CaptchaTimeout     time.Duration
	CaptchaAttempts    int
	ViolationThreshold int // a score above this rejects
	MaxVerifying       int
	MaxLoginPackets    int // frames a session may send before it is rejected as a flood

	TrustedTTL       time.Duration
	BlacklistBaseTTL time.Duration
	SweepInterval    time.Duration

	ValidBrand     *regexp.Regexp // nil accepts any brand
	MaxBrandLength int            // 0 for no limit
	ValidLocale    *regexp.Regexp // nil accepts any locale

	Weights  Weights
	Messages Messages
}

// Messages holds the texts shown to clients.
type Messages struct {
	Disconnect    map[Reason]string
	CaptchaPrompt string
	CaptchaRetry  string // may contain one %d for the attempts left
}

// For returns the disconnect text for r, falling back to the generic failure
// text and then to the reason name.
func (m Messages) For(r Reason) string {
	if msg := m.Disconnect[r]; msg != "" {
		return msg
	}
	if msg := m.Disconnect[ReasonViolations]; msg != "" {
		return msg
	}
	return r.String()
}

// ConfigFrom maps the file configuration onto the engine.
func ConfigFrom(c *config.Config) (Config, error) {
	v := c.Verification
	brand, err := regexp.Compile(v.ValidBrandRegex)
	if err != nil {
		return Config{}, err
	}
	locale, err := regexp.Compile(v.ValidLocaleRegex)
	if err != nil {
		return Config{}, err
	}

	m := c.Messages
	return Config{
		KeepAliveTimeout:   v.KeepAliveTimeout(),
		KeepAliveMinDelay:  v.KeepAliveMinDelay(),
		MovementTimeout:    v.MovementTimeout(),
		CaptchaTimeout:     v.Captcha.Timeout(),
		CaptchaAttempts:    v.Captcha.Attempts,
		ViolationThreshold: v.ViolationThreshold,
		MaxVerifying:       v.MaxVerifying,
		MaxLoginPackets:    v.MaxLoginPackets,
		TrustedTTL:         c.Cache.TrustedTTL(),
		BlacklistBaseTTL:   c.Cache.BlacklistBaseTTL(),
		SweepInterval:      c.Cache.SweepInterval(),
		ValidBrand:         brand,
		MaxBrandLength:     v.MaxBrandLength,
		ValidLocale:        locale,
		Weights: Weights{
			TooFast:       c.Scoring.TooFast,
			OutOfState:    c.Scoring.OutOfState,
			OutOfBounds:   c.Scoring.OutOfBounds,
			Malformed:     c.Scoring.Malformed,
			InvalidBrand:  c.Scoring.InvalidBrand,
			MovementStall: c.Scoring.MovementStall,
			InvalidLocale: c.Scoring.InvalidLocale,
		},
		Messages: Messages{
			Disconnect: map[Reason]string{
				ReasonBlacklisted:        m.Blacklisted,
				ReasonLockdown:           m.Lockdown,
				ReasonTooFastReconnect:   m.TooFastReconnect,
				ReasonTooManyPlayers:     m.TooManyPlayers,
				ReasonAlreadyVerifying:   m.AlreadyVerifying,
				ReasonUnsupportedVersion: m.Unsupported,
				ReasonTimeout:            m.Timeout,
				ReasonNonceMismatch:      m.Failed,
				ReasonViolations:         m.Failed,
				ReasonFlood:              m.Failed,
				ReasonCaptchaFailed:      m.CaptchaFailed,
				ReasonShutdown:           m.Shutdown,
				ReasonInternal:           m.Internal,
			},
			CaptchaPrompt: m.CaptchaPrompt,
			CaptchaRetry:  m.CaptchaRetry,
		},
	}, nil
}

// ChallengeConfigFrom maps the file configuration onto the challenge
// generator.
func ChallengeConfigFrom(c *config.Config) challenge.Config {
	v := c.Verification
	return challenge.Config{
		Spawn:             challenge.Vec3{X: v.SpawnX, Y: v.SpawnY, Z: v.SpawnZ},
		SpawnRadius:       v.SpawnRadius,
		FallDepth:         v.FallDepth,
		MovementPackets:   v.MovementPackets,
		CaptchaEnabled:    v.Captcha.Enabled,
		CaptchaLength:     v.Captcha.Length,
		CaptchaDictionary: v.Captcha.Dictionary,
	}
}

func (c *Config) setDefaults() {
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = 5 * time.Second
	}
	if c.MovementTimeout <= 0 {
		c.MovementTimeout = 10 * time.Second
	}
	if c.CaptchaTimeout <= 0 {
		c.CaptchaTimeout = 30 * time.Second
	}
	if c.CaptchaAttempts <= 0 {
		c.CaptchaAttempts = 3
	}
	if c.MaxVerifying <= 0 {
		c.MaxVerifying = 1024
	}
	if c.MaxLoginPackets <= 0 {
		c.MaxLoginPackets = 200
	}
	if c.TrustedTTL <= 0 {
		c.TrustedTTL = 6 * time.Hour
	}
	if c.BlacklistBaseTTL <= 0 {
		c.BlacklistBaseTTL = time.Minute
	}
	if c.Weights == nil {
		c.Weights = DefaultWeights()
	}
}

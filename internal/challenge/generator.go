package challenge

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/1ureka/limbo/internal/protocol"
)

// Config shapes the generated challenges.
type Config struct {
	Spawn           Vec3
	SpawnRadius     float64 // horizontal half-width of the movement area
	FallDepth       float64 // how far below spawn the client may end up
	MovementPackets int

	CaptchaEnabled    bool
	CaptchaLength     int
	CaptchaDictionary string
}

// jumpHeadroom is how far above spawn a client may legitimately be seen.
const jumpHeadroom = 2

// Generator creates challenges. It is safe for concurrent use.
type Generator struct {
	cfg      Config
	renderer Renderer
	pool     atomic.Pointer[Pool]

	mu     sync.Mutex // guards random
	random io.Reader
}

// NewGenerator returns a generator. random defaults to crypto/rand; pass a
// seeded source for reproducible challenges. renderer may be nil when
// captcha is disabled.
func NewGenerator(cfg Config, renderer Renderer, random io.Reader) *Generator {
	if random == nil {
		random = rand.Reader
	}
	if cfg.MovementPackets < 1 {
		cfg.MovementPackets = 1
	}
	return &Generator{cfg: cfg, renderer: renderer, random: random}
}

// UsePool makes the generator hand out pre-rendered captchas from p instead
// of rendering one per session.
func (g *Generator) UsePool(p *Pool) {
	g.pool.Store(p)
}

// Generate creates the challenge for a new session speaking version v. It
// only fails when the random source does; a captcha that cannot be rendered
// downgrades the challenge to movement-only and is reported in RenderErr.
func (g *Generator) Generate(v protocol.Version) (*Challenge, error) {
	var buf [20]byte
	if err := g.read(buf[:]); err != nil {
		return nil, err
	}

	spawn := g.cfg.Spawn
	c := &Challenge{
		Version:         v,
		Nonce:           int64(binary.BigEndian.Uint64(buf[0:8])),
		Seed:            int64(binary.BigEndian.Uint64(buf[8:16])),
		EntityID:        int32(binary.BigEndian.Uint16(buf[16:18])) + 1,
		TeleportID:      int32(binary.BigEndian.Uint16(buf[18:20])) + 1,
		Spawn:           spawn,
		MovementPackets: g.cfg.MovementPackets,
		Bounds: Bounds{
			Min: Vec3{spawn.X - g.cfg.SpawnRadius, spawn.Y - g.cfg.FallDepth, spawn.Z - g.cfg.SpawnRadius},
			Max: Vec3{spawn.X + g.cfg.SpawnRadius, spawn.Y + jumpHeadroom, spawn.Z + g.cfg.SpawnRadius},
		},
	}

	if g.cfg.CaptchaEnabled {
		captcha, err := g.captcha()
		if err != nil {
			if errors.Is(err, errRandom) {
				return nil, err
			}
			c.RenderErr = err
		} else {
			c.Captcha = captcha
		}
	}

	return c, nil
}

var errRandom = errors.New("random source failed")

func (g *Generator) read(p []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, err := io.ReadFull(g.random, p); err != nil {
		return fmt.Errorf("%w: %w", errRandom, err)
	}
	return nil
}

func (g *Generator) captcha() (*Captcha, error) {
	if p := g.pool.Load(); p != nil {
		return p.Next(), nil
	}
	if g.renderer == nil {
		return nil, ErrRenderingUnavailable
	}

	g.mu.Lock()
	answer, err := Token(g.random, g.cfg.CaptchaDictionary, g.cfg.CaptchaLength)
	g.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errRandom, err)
	}

	return renderCaptcha(g.renderer, answer)
}

func renderCaptcha(r Renderer, answer string) (*Captcha, error) {
	img, err := r.Render(answer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRenderingUnavailable, err)
	}
	if img == nil || img.Bounds().Dx() > maxMapSide || img.Bounds().Dy() > maxMapSide {
		return nil, fmt.Errorf("%w: renderer returned an unusable image", ErrRenderingUnavailable)
	}
	return &Captcha{Answer: answer, Image: img}, nil
}

// Token draws length characters uniformly from dictionary.
func Token(random io.Reader, dictionary string, length int) (string, error) {
	chars := []rune(dictionary)
	if len(chars) == 0 || len(chars) > 256 || length <= 0 {
		return "", fmt.Errorf("invalid captcha alphabet (%d chars) or length %d", len(chars), length)
	}

	// Reject bytes past the last full multiple of the alphabet size.
	limit := 256 - 256%len(chars)
	out := make([]rune, 0, length)
	var b [1]byte
	for len(out) < length {
		if _, err := io.ReadFull(random, b[:]); err != nil {
			return "", err
		}
		if int(b[0]) >= limit {
			continue
		}
		out = append(out, chars[int(b[0])%len(chars)])
	}
	return string(out), nil
}

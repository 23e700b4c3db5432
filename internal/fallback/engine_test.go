package fallback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	mrand "math/rand/v2"
	"net"
	"net/netip"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/limbo/internal/challenge"
	"github.com/1ureka/limbo/internal/config"
	"github.com/1ureka/limbo/internal/protocol"
	"github.com/1ureka/limbo/internal/verdict"
)

// ---------------------------------------------------------------------------
// fakes and helpers
// ---------------------------------------------------------------------------

// fakeConn records everything the engine does to a connection.
type fakeConn struct {
	addr    net.Addr
	version protocol.Version

	mu           sync.Mutex
	sent         []protocol.Packet
	released     int
	disconnected int
	reason       string

	// onSend, when set, runs before a packet is recorded.
	onSend func(protocol.Packet)
}

func newFakeConn(ip string, v protocol.Version) *fakeConn {
	return &fakeConn{
		addr:    &net.TCPAddr{IP: net.ParseIP(ip), Port: 40000},
		version: v,
	}
}

func (c *fakeConn) Send(p protocol.Packet) {
	if c.onSend != nil {
		c.onSend(p)
	}
	c.mu.Lock()
	c.sent = append(c.sent, p)
	c.mu.Unlock()
}

func (c *fakeConn) Disconnect(reason string) {
	c.mu.Lock()
	c.disconnected++
	c.reason = reason
	c.mu.Unlock()
}

func (c *fakeConn) Release() {
	c.mu.Lock()
	c.released++
	c.mu.Unlock()
}

func (c *fakeConn) RemoteAddr() net.Addr      { return c.addr }
func (c *fakeConn) Version() protocol.Version { return c.version }

func (c *fakeConn) counts() (released, disconnected int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released, c.disconnected
}

func (c *fakeConn) packets() []protocol.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Packet(nil), c.sent...)
}

// nonce waits for the keep-alive of the stimulus and returns its ID.
func (c *fakeConn) nonce(t *testing.T) int64 {
	t.Helper()
	var id int64
	require.Eventually(t, func() bool {
		for _, p := range c.packets() {
			if ka, ok := p.(*protocol.KeepAlive); ok {
				id = ka.ID
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "no keep-alive sent")
	return id
}

func (c *fakeConn) sentKinds() []protocol.Kind {
	var kinds []protocol.Kind
	for _, p := range c.packets() {
		kinds = append(kinds, p.Kind())
	}
	return kinds
}

// fakeRecorder keeps what the engine asked to persist.
type fakeRecorder struct {
	mu        sync.Mutex
	verified  []netip.Addr
	bans      []verdict.Entry
	forgotten []netip.Addr
}

func (r *fakeRecorder) RecordVerified(addr netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verified = append(r.verified, addr)
}

func (r *fakeRecorder) RecordBlacklisted(_ netip.Addr, e verdict.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bans = append(r.bans, e)
}

func (r *fakeRecorder) Forget(addr netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgotten = append(r.forgotten, addr)
}

func (r *fakeRecorder) banned() []verdict.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]verdict.Entry(nil), r.bans...)
}

// testClock is a Clock that only moves when told to.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var spawn = challenge.Vec3{X: 8.5, Y: 64, Z: 8.5}

type harness struct {
	engine   *Engine
	cache    *verdict.Cache
	recorder Recorder
	cfg      Config
	ccfg     challenge.Config
	random   io.Reader
}

type option func(*harness)

func withConfig(fn func(*Config)) option { return func(h *harness) { fn(&h.cfg) } }

func withChallenge(fn func(*challenge.Config)) option {
	return func(h *harness) { fn(&h.ccfg) }
}

func withRandom(r io.Reader) option { return func(h *harness) { h.random = r } }

func withCache(c *verdict.Cache) option { return func(h *harness) { h.cache = c } }

func withRecorder(r Recorder) option { return func(h *harness) { h.recorder = r } }

func newHarness(t *testing.T, renderer challenge.Renderer, opts ...option) *harness {
	t.Helper()
	h := &harness{
		cache: verdict.NewCache(verdict.Options{Capacity: 4096}),
		cfg: Config{
			KeepAliveTimeout:   5 * time.Second,
			KeepAliveMinDelay:  0,
			MovementTimeout:    5 * time.Second,
			CaptchaTimeout:     5 * time.Second,
			CaptchaAttempts:    3,
			ViolationThreshold: 3,
			MaxVerifying:       1024,
			TrustedTTL:         time.Hour,
			BlacklistBaseTTL:   time.Minute,
			Weights:            DefaultWeights(),
			Messages: Messages{
				Disconnect: map[Reason]string{
					ReasonBlacklisted: "blacklisted",
					ReasonViolations:  "failed",
				},
				CaptchaPrompt: "type the code",
				CaptchaRetry:  "wrong, %d left",
			},
		},
		ccfg: challenge.Config{
			Spawn:             spawn,
			SpawnRadius:       4,
			FallDepth:         16,
			MovementPackets:   1,
			CaptchaLength:     5,
			CaptchaDictionary: "abcdefhjkmnoprstuxyz",
		},
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.random == nil {
		var seed [32]byte
		seed[0] = 42
		h.random = mrand.NewChaCha8(seed)
	}
	gen := challenge.NewGenerator(h.ccfg, renderer, h.random)
	h.engine = NewEngine(h.cfg, Deps{Generator: gen, Cache: h.cache, Recorder: h.recorder})
	return h
}

func frame(p protocol.Packet, v protocol.Version) []byte { return protocol.Encode(p, v) }

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not finish, state %s", s.State())
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, 2*time.Millisecond,
		"want state %s, have %s", want, s.State())
}

func cached(t *testing.T, h *harness, ip string) (verdict.Entry, bool) {
	t.Helper()
	return h.cache.Lookup(netip.MustParseAddr(ip))
}

// passKeepAlive echoes the nonce and waits for AwaitingMovement.
func passKeepAlive(t *testing.T, s *Session, c *fakeConn) {
	t.Helper()
	require.True(t, s.Feed(frame(&protocol.KeepAliveResponse{ID: c.nonce(t)}, c.version)))
	waitState(t, s, StateAwaitingMovement)
}

func step(x, z float64) protocol.Packet {
	return &protocol.PlayerPosition{X: x, Y: spawn.Y, Z: z, OnGround: true}
}

// ---------------------------------------------------------------------------
// verification flow
// ---------------------------------------------------------------------------

func TestEndToEndVerification(t *testing.T) {
	// The first eight random bytes become the keep-alive nonce.
	random := append([]byte{0, 0, 0, 0, 0, 0, 0xAB, 0xCD}, make([]byte, 12)...)
	h := newHarness(t, nil, withRandom(bytes.NewReader(random)))
	c := newFakeConn("203.0.113.10", protocol.V1_20)

	s := h.engine.Accept(context.Background(), c)
	require.NotNil(t, s)

	nonce := c.nonce(t)
	require.Equal(t, int64(0xABCD), nonce)
	assert.Equal(t, []protocol.Kind{protocol.KindJoinGame, protocol.KindSpawnPosition, protocol.KindKeepAlive}, c.sentKinds())

	time.Sleep(800 * time.Millisecond)
	require.True(t, s.Feed(frame(&protocol.KeepAliveResponse{ID: nonce}, c.version)))
	waitState(t, s, StateAwaitingMovement)

	require.True(t, s.Feed(frame(step(9.5, 8.5), c.version)))
	waitDone(t, s)

	reason, cause := s.Result()
	assert.Equal(t, ReasonVerified, reason)
	assert.NoError(t, cause)
	assert.Equal(t, StateVerified, s.State())

	released, disconnected := c.counts()
	assert.Equal(t, 1, released)
	assert.Zero(t, disconnected)

	entry, ok := cached(t, h, "203.0.113.10")
	require.True(t, ok)
	assert.Equal(t, verdict.Trusted, entry.Outcome)
	assert.Zero(t, h.engine.Active())
}

func TestNonceMismatchRejects(t *testing.T) {
	h := newHarness(t, nil)
	c := newFakeConn("203.0.113.11", protocol.V1_12)

	s := h.engine.Accept(context.Background(), c)
	require.NotNil(t, s)

	require.True(t, s.Feed(frame(&protocol.KeepAliveResponse{ID: c.nonce(t) + 1}, c.version)))
	waitDone(t, s)

	reason, cause := s.Result()
	assert.Equal(t, ReasonNonceMismatch, reason)
	assert.ErrorIs(t, cause, ErrNonceMismatch)

	released, disconnected := c.counts()
	assert.Zero(t, released)
	assert.Equal(t, 1, disconnected)

	entry, ok := cached(t, h, "203.0.113.11")
	require.True(t, ok)
	assert.Equal(t, verdict.Blacklisted, entry.Outcome)
}

func TestKeepAliveTimeout(t *testing.T) {
	h := newHarness(t, nil, withConfig(func(c *Config) { c.KeepAliveTimeout = 50 * time.Millisecond }))
	c := newFakeConn("203.0.113.12", protocol.V1_8)

	s := h.engine.Accept(context.Background(), c)
	require.NotNil(t, s)
	waitDone(t, s)

	reason, cause := s.Result()
	assert.Equal(t, ReasonTimeout, reason)
	assert.ErrorIs(t, cause, ErrTimeout)
	_, disconnected := c.counts()
	assert.Equal(t, 1, disconnected)
}

func TestTooFastKeepAliveIsScored(t *testing.T) {
	h := newHarness(t, nil, withConfig(func(c *Config) { c.KeepAliveMinDelay = time.Second }))
	c := newFakeConn("203.0.113.13", protocol.V1_20)

	s := h.engine.Accept(context.Background(), c)
	require.NotNil(t, s)
	passKeepAlive(t, s, c)

	assert.Equal(t, 1, s.Score(), "an instant echo is penalized, not fatal")
}

func TestMovementBoundsAreInclusive(t *testing.T) {
	h := newHarness(t, nil)

	edge := newFakeConn("203.0.113.20", protocol.V1_20)
	s := h.engine.Accept(context.Background(), edge)
	require.NotNil(t, s)
	passKeepAlive(t, s, edge)
	require.True(t, s.Feed(frame(step(spawn.X+4, spawn.Z), edge.version)))
	waitDone(t, s)
	reason, _ := s.Result()
	assert.Equal(t, ReasonVerified, reason, "a position exactly on the edge is inside")

	beyond := newFakeConn("203.0.113.21", protocol.V1_20)
	s = h.engine.Accept(context.Background(), beyond)
	require.NotNil(t, s)
	passKeepAlive(t, s, beyond)
	require.True(t, s.Feed(frame(step(spawn.X+5, spawn.Z), beyond.version)))
	require.Eventually(t, func() bool { return s.Score() == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, StateAwaitingMovement, s.State())
}

func TestLegacyPositionWithStance(t *testing.T) {
	h := newHarness(t, nil)
	c := newFakeConn("203.0.113.22", protocol.V1_7)

	s := h.engine.Accept(context.Background(), c)
	require.NotNil(t, s)
	passKeepAlive(t, s, c)

	require.True(t, s.Feed(frame(&protocol.PlayerPositionRotation{X: 9, Y: spawn.Y, Z: 9, OnGround: true}, c.version)))
	waitDone(t, s)
	reason, _ := s.Result()
	assert.Equal(t, ReasonVerified, reason)
}

func TestTeleportConfirmationBeforeKeepAlive(t *testing.T) {
	h := newHarness(t, nil)
	c := newFakeConn("203.0.113.23", protocol.V1_20)

	s := h.engine.Accept(context.Background(), c)
	require.NotNil(t, s)
	nonce := c.nonce(t)

	// Real clients confirm the spawn teleport and send settings and brand
	// before they get to the keep-alive.
	require.True(t, s.Feed(frame(&protocol.PlayerPositionRotation{X: spawn.X, Y: spawn.Y, Z: spawn.Z}, c.version)))
	require.True(t, s.Feed(frame(&protocol.ClientSettings{Locale: "en_us", ViewDistance: 8}, c.version)))
	require.True(t, s.Feed(frame(&protocol.PluginMessage{Channel: protocol.BrandChannel, Data: protocol.BrandPayload("vanilla")}, c.version)))
	require.True(t, s.Feed(frame(&protocol.KeepAliveResponse{ID: nonce}, c.version)))
	waitState(t, s, StateAwaitingMovement)
	assert.Zero(t, s.Score())

	require.True(t, s.Feed(frame(step(spawn.X+0.2, spawn.Z), c.version)))
	waitDone(t, s)
	reason, _ := s.Result()
	assert.Equal(t, ReasonVerified, reason)
}

func TestMovementDeadline(t *testing.T) {
	t.Run("no movement at all", func(t *testing.T) {
		h := newHarness(t, nil, withConfig(func(c *Config) { c.MovementTimeout = 50 * time.Millisecond }))
		c := newFakeConn("203.0.113.30", protocol.V1_20)
		s := h.engine.Accept(context.Background(), c)
		require.NotNil(t, s)
		passKeepAlive(t, s, c)
		waitDone(t, s)

		reason, cause := s.Result()
		assert.Equal(t, ReasonTimeout, reason)
		assert.ErrorIs(t, cause, ErrTimeout)
	})

	t.Run("standing still", func(t *testing.T) {
		h := newHarness(t, nil, withConfig(func(c *Config) {
			c.MovementTimeout = 50 * time.Millisecond
			c.ViolationThreshold = 1
		}))
		c := newFakeConn("203.0.113.31", protocol.V1_20)
		s := h.engine.Accept(context.Background(), c)
		require.NotNil(t, s)
		passKeepAlive(t, s, c)
		require.True(t, s.Feed(frame(step(spawn.X, spawn.Z), c.version)))
		waitDone(t, s)

		reason, cause := s.Result()
		assert.Equal(t, ReasonViolations, reason)
		var v *ProtocolViolation
		require.ErrorAs(t, cause, &v)
		assert.Equal(t, MovementStall, v.Kind)
		assert.Equal(t, 2, s.Score(), "the first stall re-arms the deadline")
	})
}

func TestStaleDeadlineIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	c := newFakeConn("203.0.113.32", protocol.V1_20)
	s := h.engine.Accept(context.Background(), c)
	require.NotNil(t, s)
	passKeepAlive(t, s, c)

	// A keep-alive deadline armed before the transition, delivered late.
	s.timers <- 1

	assert.Never(t, func() bool { return s.State().Terminal() }, 200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, StateAwaitingMovement, s.State())
}

// ---------------------------------------------------------------------------
// scoring
// ---------------------------------------------------------------------------

func TestOutOfStatePacketsReachThreshold(t *testing.T) {
	h := newHarness(t, nil, withConfig(func(c *Config) { c.ViolationThreshold = 2 }))
	c := newFakeConn("203.0.113.40", protocol.V1_20)
	s := h.engine.Accept(context.Background(), c)
	require.NotNil(t, s)

	chat := frame(&protocol.ChatMessage{Message: "hello"}, c.version)
	for i := 0; i < 3; i++ {
		s.Feed(chat)
	}
	waitDone(t, s)

	reason, cause := s.Result()
	assert.Equal(t, ReasonViolations, reason)
	var v *ProtocolViolation
	require.ErrorAs(t, cause, &v)
	assert.Equal(t, OutOfState, v.Kind)
	assert.Equal(t, protocol.KindChatMessage, v.Packet)
	assert.Equal(t, 3, s.Score())

	entry, ok := cached(t, h, "203.0.113.40")
	require.True(t, ok)
	assert.Equal(t, verdict.Blacklisted, entry.Outcome)
}

func TestMalformedFramesAreScoredAndDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	c := newFakeConn("203.0.113.41", protocol.V1_20)
	s := h.engine.Accept(context.Background(), c)
	require.NotNil(t, s)

	// Declared length longer than the frame, then a frame tagged with another version.
	require.True(t, s.Feed([]byte{0x05, 0x01}))
	require.True(t, s.Feed(frame(&protocol.KeepAliveResponse{ID: 1}, protocol.V1_12)))
	require.Eventually(t, func() bool { return s.Score() == 2 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, StateAwaitingKeepAlive, s.State(), "decode errors do not end the session")

	passKeepAlive(t, s, c)
}

func TestBrandChecks(t *testing.T) {
	h := newHarness(t, nil, withConfig(func(c *Config) {
		c.ValidBrand = regexp.MustCompile(`^[a-z]+$`)
		c.MaxBrandLength = 16
	}))
	c := newFakeConn("203.0.113.42", protocol.V1_12)
	s := h.engine.Accept(context.Background(), c)
	require.NotNil(t, s)

	brand := func(b string) []byte {
		return frame(&protocol.PluginMessage{Channel: protocol.BrandChannel, Data: protocol.BrandPayload(b)}, c.version)
	}
	require.True(t, s.Feed(brand("Bot Client 9000")))
	require.Eventually(t, func() bool { return s.Score() == 1 }, time.Second, 2*time.Millisecond)

	require.True(t, s.Feed(brand("vanilla")))
	require.Eventually(t, func() bool { return s.Score() == 2 }, time.Second, 2*time.Millisecond, "a second brand is out of state")

	require.True(t, s.Feed(frame(&protocol.PluginMessage{Channel: "minecraft:register", Data: []byte("x")}, c.version)))
	assert.Never(t, func() bool { return s.Score() != 2 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestLocaleCheck(t *testing.T) {
	h := newHarness(t, nil, withConfig(func(c *Config) {
		c.ValidLocale = regexp.MustCompile(`^[a-zA-Z_]+$`)
	}))
	c := newFakeConn("203.0.113.43", protocol.V1_12)
	s := h.engine.Accept(context.Background(), c)
	require.NotNil(t, s)

	settings := func(locale string) []byte {
		return frame(&protocol.ClientSettings{Locale: locale, ViewDistance: 8}, c.version)
	}
	require.True(t, s.Feed(settings("en_us")))
	require.True(t, s.Feed(settings("en_US")))
	require.True(t, s.Feed(settings("en-us; DROP")))
	require.Eventually(t, func() bool { return s.Score() == 1 }, time.Second, 2*time.Millisecond)
	assert.Never(t, func() bool { return s.Score() != 1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, StateAwaitingKeepAlive, s.State())
}

func TestLoginPacketCap(t *testing.T) {
	h := newHarness(t, nil, withConfig(func(c *Config) { c.MaxLoginPackets = 5 }))
	c := newFakeConn("203.0.113.44", protocol.V1_20)
	s := h.engine.Accept(context.Background(), c)
	require.NotNil(t, s)

	settings := frame(&protocol.ClientSettings{Locale: "en_us"}, c.version)
	for i := 0; i < 4; i++ {
		require.True(t, s.Feed(settings))
	}
	require.True(t, s.Feed([]byte{0x05, 0x01}))
	require.Eventually(t, func() bool { return s.Frames() == 5 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, StateAwaitingKeepAlive, s.State(), "the cap itself is allowed")

	require.True(t, s.Feed(settings))
	waitDone(t, s)

	reason, cause := s.Result()
	assert.Equal(t, ReasonFlood, reason)
	assert.ErrorIs(t, cause, ErrTooManyPackets)
	assert.Contains(t, cause.Error(), "ClientSettings=4")

	entry, ok := cached(t, h, "203.0.113.44")
	require.True(t, ok)
	assert.Equal(t, verdict.Blacklisted, entry.Outcome)
}

// ---------------------------------------------------------------------------
// captcha
// ---------------------------------------------------------------------------

func captchaHarness(t *testing.T, renderer challenge.Renderer, opts ...option) *harness {
	opts = append([]option{withChallenge(func(c *challenge.Config) { c.CaptchaEnabled = true })}, opts...)
	return newHarness(t, renderer, opts...)
}

func toCaptcha(t *testing.T, s *Session, c *fakeConn) {
	t.Helper()
	passKeepAlive(t, s, c)
	require.True(t, s.Feed(frame(step(spawn.X+1, spawn.Z), c.version)))
	waitState(t, s, StateAwaitingCaptcha)
}

func TestCaptchaFlow(t *testing.T) {
	h := captchaHarness(t, challenge.NewTextRenderer())
	c := newFakeConn("203.0.113.50", protocol.V1_20)
	s := h.engine.Accept(context.Background(), c)
	require.NotNil(t, s)
	toCaptcha(t, s, c)

	kinds := c.sentKinds()
	require.GreaterOrEqual(t, len(kinds), 5)
	assert.Equal(t, []protocol.Kind{protocol.KindMapData, protocol.KindSystemChat}, kinds[3:5])

	// Moving around while reading the map is fine.
	require.True(t, s.Feed(frame(step(spawn.X+2, spawn.Z), c.version)))

	require.True(t, s.Feed(frame(&protocol.ChatMessage{Message: "wrong"}, c.version)))
	require.Eventually(t, func() bool {
		for _, p := range c.packets() {
			if m, ok := p.(*protocol.SystemChat); ok && m.Message == "wrong, 2 left" {
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond)

	answer := s.challenge.Captcha.Answer
	require.True(t, s.Feed(frame(&protocol.ChatMessage{Message: answer}, c.version)))
	waitDone(t, s)

	reason, _ := s.Result()
	assert.Equal(t, ReasonVerified, reason)
	assert.Zero(t, s.Score())
}

func TestCaptchaAnswerIsExact(t *testing.T) {
	h := captchaHarness(t, challenge.NewTextRenderer(), withConfig(func(c *Config) { c.CaptchaAttempts = 3 }))
	c := newFakeConn("203.0.113.53", protocol.V1_20)
	s := h.engine.Accept(context.Background(), c)
	require.NotNil(t, s)
	toCaptcha(t, s, c)

	retried := func(msg string) func() bool {
		return func() bool {
			for _, p := range c.packets() {
				if m, ok := p.(*protocol.SystemChat); ok && m.Message == msg {
					return true
				}
			}
			return false
		}
	}

	answer := s.challenge.Captcha.Answer
	require.True(t, s.Feed(frame(&protocol.ChatMessage{Message: strings.ToUpper(answer)}, c.version)))
	require.Eventually(t, retried("wrong, 2 left"), time.Second, 2*time.Millisecond, "a case-changed answer uses an attempt")

	require.True(t, s.Feed(frame(&protocol.ChatMessage{Message: " " + answer}, c.version)))
	require.Eventually(t, retried("wrong, 1 left"), time.Second, 2*time.Millisecond, "a padded answer uses an attempt")

	require.True(t, s.Feed(frame(&protocol.ChatMessage{Message: answer}, c.version)))
	waitDone(t, s)
	reason, _ := s.Result()
	assert.Equal(t, ReasonVerified, reason)
}

func TestCaptchaAttemptsExhausted(t *testing.T) {
	h := captchaHarness(t, challenge.NewTextRenderer(), withConfig(func(c *Config) { c.CaptchaAttempts = 2 }))
	c := newFakeConn("203.0.113.51", protocol.V1_20)
	s := h.engine.Accept(context.Background(), c)
	require.NotNil(t, s)
	toCaptcha(t, s, c)

	for i := 0; i < 2; i++ {
		s.Feed(frame(&protocol.ChatMessage{Message: "nope"}, c.version))
	}
	waitDone(t, s)

	reason, _ := s.Result()
	assert.Equal(t, ReasonCaptchaFailed, reason)
	entry, ok := cached(t, h, "203.0.113.51")
	require.True(t, ok)
	assert.Equal(t, verdict.Blacklisted, entry.Outcome)
}

func TestCaptchaTimeout(t *testing.T) {
	h := captchaHarness(t, challenge.NewTextRenderer(), withConfig(func(c *Config) { c.CaptchaTimeout = 50 * time.Millisecond }))
	c := newFakeConn("203.0.113.52", protocol.V1_20)
	s := h.engine.Accept(context.Background(), c)
	require.NotNil(t, s)
	toCaptcha(t, s, c)
	waitDone(t, s)

	reason, cause := s.Result()
	assert.Equal(t, ReasonTimeout, reason)
	assert.ErrorIs(t, cause, ErrTimeout)
}

func TestRenderFailureFallsBackToMovement(t *testing.T) {
	broken := challenge.RendererFunc(func(string) (*image.Gray, error) {
		return nil, challenge.ErrRenderingUnavailable
	})
	h := captchaHarness(t, broken)
	c := newFakeConn("203.0.113.53", protocol.V1_20)
	s := h.engine.Accept(context.Background(), c)
	require.NotNil(t, s)

	passKeepAlive(t, s, c)
	require.True(t, s.Feed(frame(step(spawn.X+1, spawn.Z), c.version)))
	waitDone(t, s)

	reason, _ := s.Result()
	assert.Equal(t, ReasonVerified, reason)
	assert.NotContains(t, c.sentKinds(), protocol.KindMapData)
}

// ---------------------------------------------------------------------------
// admission
// ---------------------------------------------------------------------------

func TestCachedVerdictsSkipTheChallenge(t *testing.T) {
	h := newHarness(t, nil)
	h.cache.RecordTrusted(netip.MustParseAddr("198.51.100.1"), time.Hour)
	h.cache.RecordBlacklisted(netip.MustParseAddr("198.51.100.2"), time.Hour)

	trusted := newFakeConn("198.51.100.1", protocol.V1_20)
	assert.Nil(t, h.engine.Accept(context.Background(), trusted))
	released, _ := trusted.counts()
	assert.Equal(t, 1, released)
	assert.Empty(t, trusted.packets())

	blocked := newFakeConn("::ffff:198.51.100.2", protocol.V1_20)
	assert.Nil(t, h.engine.Accept(context.Background(), blocked))
	_, disconnected := blocked.counts()
	assert.Equal(t, 1, disconnected)
	assert.Equal(t, "blacklisted", blocked.reason)
}

func TestAdmissionGates(t *testing.T) {
	t.Run("lockdown", func(t *testing.T) {
		h := newHarness(t, nil)
		h.engine.SetLockdown(true)
		c := newFakeConn("198.51.100.10", protocol.V1_20)
		assert.Nil(t, h.engine.Accept(context.Background(), c))
		_, disconnected := c.counts()
		assert.Equal(t, 1, disconnected)

		h.engine.SetLockdown(false)
		assert.NotNil(t, h.engine.Accept(context.Background(), newFakeConn("198.51.100.10", protocol.V1_20)))
	})

	t.Run("join limiter", func(t *testing.T) {
		h := newHarness(t, nil)
		h.engine.limiter = verdict.NewLimiter(1, nil)

		ctx, cancel := context.WithCancel(context.Background())
		first := h.engine.Accept(ctx, newFakeConn("198.51.100.11", protocol.V1_20))
		require.NotNil(t, first)
		cancel()
		waitDone(t, first)

		assert.Nil(t, h.engine.Accept(context.Background(), newFakeConn("198.51.100.11", protocol.V1_20)))
	})

	t.Run("max verifying", func(t *testing.T) {
		h := newHarness(t, nil, withConfig(func(c *Config) { c.MaxVerifying = 1 }))
		require.NotNil(t, h.engine.Accept(context.Background(), newFakeConn("198.51.100.12", protocol.V1_20)))
		assert.Nil(t, h.engine.Accept(context.Background(), newFakeConn("198.51.100.13", protocol.V1_20)))
	})

	t.Run("already verifying", func(t *testing.T) {
		h := newHarness(t, nil)
		require.NotNil(t, h.engine.Accept(context.Background(), newFakeConn("198.51.100.14", protocol.V1_20)))
		c := newFakeConn("198.51.100.14", protocol.V1_20)
		assert.Nil(t, h.engine.Accept(context.Background(), c))
		_, disconnected := c.counts()
		assert.Equal(t, 1, disconnected)
	})

	t.Run("unsupported version", func(t *testing.T) {
		h := newHarness(t, nil)
		c := newFakeConn("198.51.100.15", protocol.Version(4))
		assert.Nil(t, h.engine.Accept(context.Background(), c))
		_, disconnected := c.counts()
		assert.Equal(t, 1, disconnected)
	})
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	h := newHarness(t, nil)
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newFakeConn(fmt.Sprintf("10.0.%d.%d", i/250, i%250+1), protocol.Versions[i%len(protocol.Versions)])
			s := h.engine.Accept(context.Background(), c)
			if !assert.NotNil(t, s) {
				return
			}
			nonce := c.nonce(t)
			if i%4 == 0 {
				nonce++ // every fourth client fails
			}
			s.Feed(frame(&protocol.KeepAliveResponse{ID: nonce}, c.version))
			s.Feed(frame(step(spawn.X+1, spawn.Z+1), c.version))
			<-s.Done()
		}(i)
	}
	wg.Wait()

	trusted, blacklisted := h.cache.Counts()
	assert.Equal(t, n*3/4, trusted)
	assert.Equal(t, n/4, blacklisted)
	assert.Zero(t, h.engine.Active())
}

// ---------------------------------------------------------------------------
// lifecycle
// ---------------------------------------------------------------------------

func TestFramesAfterVerdictAreLeftOver(t *testing.T) {
	h := newHarness(t, nil)
	c := newFakeConn("203.0.113.60", protocol.V1_20)
	s := h.engine.Accept(context.Background(), c)
	require.NotNil(t, s)
	passKeepAlive(t, s, c)

	extra := [][]byte{
		frame(&protocol.ChatMessage{Message: "one"}, c.version),
		frame(&protocol.ChatMessage{Message: "two"}, c.version),
		frame(&protocol.ChatMessage{Message: "three"}, c.version),
	}

	var refused [][]byte
	require.True(t, s.Feed(frame(step(spawn.X+1, spawn.Z), c.version)))
	for _, f := range extra {
		if !s.Feed(f) {
			refused = append(refused, f)
		}
	}
	waitDone(t, s)

	assert.Equal(t, extra, append(s.Leftover(), refused...), "unprocessed frames keep their order")
	assert.Zero(t, s.Score(), "frames after the verdict are not processed")
	assert.False(t, s.Feed(extra[0]))
}

func TestClientGoneIsNotBlacklisted(t *testing.T) {
	h := newHarness(t, nil)
	c := newFakeConn("203.0.113.61", protocol.V1_20)
	s := h.engine.Accept(context.Background(), c)
	require.NotNil(t, s)

	s.Close(io.EOF)
	waitDone(t, s)

	reason, cause := s.Result()
	assert.Equal(t, ReasonDisconnected, reason)
	assert.ErrorIs(t, cause, io.EOF)
	_, ok := cached(t, h, "203.0.113.61")
	assert.False(t, ok)
}

func TestStreamDesyncRejects(t *testing.T) {
	h := newHarness(t, nil)
	c := newFakeConn("203.0.113.62", protocol.V1_20)
	s := h.engine.Accept(context.Background(), c)
	require.NotNil(t, s)

	s.Close(&protocol.DecodeError{PacketID: -1, Err: protocol.ErrMalformedLength})
	waitDone(t, s)

	reason, _ := s.Result()
	assert.Equal(t, ReasonViolations, reason)
}

func TestShutdownEndsSessions(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	var sessions []*Session
	for i := 0; i < 5; i++ {
		s := h.engine.Accept(ctx, newFakeConn(fmt.Sprintf("192.0.2.%d", i+1), protocol.V1_20))
		require.NotNil(t, s)
		sessions = append(sessions, s)
	}

	cancel()
	h.engine.Wait()

	for _, s := range sessions {
		reason, cause := s.Result()
		assert.Equal(t, ReasonShutdown, reason)
		assert.ErrorIs(t, cause, context.Canceled)
	}
	trusted, blacklisted := h.cache.Counts()
	assert.Zero(t, trusted+blacklisted)
}

func TestPanicRejectsOnlyThatSession(t *testing.T) {
	h := newHarness(t, nil)

	bad := newFakeConn("203.0.113.70", protocol.V1_20)
	bad.onSend = func(protocol.Packet) { panic("encoder exploded") }
	s := h.engine.Accept(context.Background(), bad)
	require.NotNil(t, s)
	waitDone(t, s)

	reason, _ := s.Result()
	assert.Equal(t, ReasonInternal, reason)
	_, disconnected := bad.counts()
	assert.Equal(t, 1, disconnected)
	_, ok := cached(t, h, "203.0.113.70")
	assert.False(t, ok, "an internal error is not held against the client")

	good := newFakeConn("203.0.113.71", protocol.V1_20)
	s = h.engine.Accept(context.Background(), good)
	require.NotNil(t, s)
	passKeepAlive(t, s, good)
}

func TestInboxOverflowRejects(t *testing.T) {
	h := newHarness(t, nil)

	unblock := make(chan struct{})
	c := newFakeConn("203.0.113.80", protocol.V1_20)
	c.onSend = func(protocol.Packet) { <-unblock }
	s := h.engine.Accept(context.Background(), c)
	require.NotNil(t, s)

	settings := frame(&protocol.ClientSettings{Locale: "en_us"}, c.version)
	accepted := 0
	for s.Feed(settings) {
		accepted++
	}
	assert.Equal(t, inboxSize, accepted)
	close(unblock)
	waitDone(t, s)

	reason, cause := s.Result()
	assert.Equal(t, ReasonFlood, reason)
	assert.True(t, errors.Is(cause, ErrInboxOverflow))
}

func TestEngineAdministration(t *testing.T) {
	h := newHarness(t, nil)
	addr := netip.MustParseAddr("203.0.113.90")

	assert.True(t, h.engine.Preload(addr, time.Now().Add(-time.Minute)))
	assert.False(t, h.engine.Preload(netip.MustParseAddr("203.0.113.91"), time.Now().Add(-2*time.Hour)))

	entry, ok := h.engine.Lookup(addr)
	require.True(t, ok)
	assert.Equal(t, verdict.Trusted, entry.Outcome)

	assert.True(t, h.engine.Forget(addr))
	_, ok = h.engine.Lookup(addr)
	assert.False(t, ok)

	c := newFakeConn("203.0.113.92", protocol.V1_20)
	s := h.engine.Accept(context.Background(), c)
	require.NotNil(t, s)
	infos := h.engine.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, "203.0.113.92", infos[0].Addr)
	assert.Equal(t, s.ID().String(), infos[0].ID)
	assert.Zero(t, infos[0].Frames)

	require.True(t, s.Feed(frame(&protocol.ClientSettings{Locale: "en_us"}, c.version)))
	require.Eventually(t, func() bool { return h.engine.Sessions()[0].Frames == 1 }, time.Second, 2*time.Millisecond)
	assert.False(t, s.LastPacket().IsZero())
	assert.GreaterOrEqual(t, h.engine.Sessions()[0].IdleMs, int64(0))
}

func TestRepeatOffenderGetsLongerBlacklist(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	rec := &fakeRecorder{}
	h := newHarness(t, nil,
		withCache(verdict.NewCache(verdict.Options{Capacity: 64, OffenseMemory: time.Hour, Clock: clock})),
		withRecorder(rec))
	const ip = "203.0.113.77"

	var ttls []time.Duration
	for i := 1; i <= 3; i++ {
		c := newFakeConn(ip, protocol.V1_20)
		s := h.engine.Accept(context.Background(), c)
		require.NotNil(t, s, "offense %d must start a session once the blacklisting expired", i)
		require.True(t, s.Feed(frame(&protocol.KeepAliveResponse{ID: c.nonce(t) + 1}, c.version)))
		waitDone(t, s)
		require.Eventually(t, func() bool { return h.engine.Active() == 0 }, time.Second, 2*time.Millisecond)

		entry, ok := cached(t, h, ip)
		require.True(t, ok)
		assert.Equal(t, i, entry.Offenses)
		ttl := entry.Expiry.Sub(clock.Now())
		ttls = append(ttls, ttl)

		clock.Advance(ttl)
	}

	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute}, ttls)

	bans := rec.banned()
	require.Len(t, bans, 3)
	assert.Equal(t, 3, bans[2].Offenses)
}

func TestPreloadBan(t *testing.T) {
	rec := &fakeRecorder{}
	h := newHarness(t, nil, withRecorder(rec))
	addr := netip.MustParseAddr("203.0.113.93")

	assert.False(t, h.engine.PreloadBan(netip.MustParseAddr("203.0.113.94"), time.Now().Add(-time.Second), 2))
	require.True(t, h.engine.PreloadBan(addr, time.Now().Add(time.Minute), 2))

	c := newFakeConn("203.0.113.93", protocol.V1_20)
	assert.Nil(t, h.engine.Accept(context.Background(), c))
	_, disconnected := c.counts()
	assert.Equal(t, 1, disconnected)

	entry, ok := h.engine.Lookup(addr)
	require.True(t, ok)
	assert.Equal(t, 2, entry.Offenses)

	assert.True(t, h.engine.Forget(addr))
	rec.mu.Lock()
	assert.Equal(t, []netip.Addr{addr}, rec.forgotten)
	rec.mu.Unlock()
}

func TestConfigFrom(t *testing.T) {
	file := config.Default()
	file.Scoring.OutOfBounds = 4

	cfg, err := ConfigFrom(file)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.KeepAliveTimeout)
	assert.Equal(t, 3, cfg.ViolationThreshold)
	assert.Equal(t, 4, cfg.Weights[OutOfBounds])
	assert.Equal(t, file.Messages.Blacklisted, cfg.Messages.For(ReasonBlacklisted))
	assert.True(t, cfg.ValidBrand.MatchString("vanilla"))
	assert.True(t, cfg.ValidLocale.MatchString("en_us"))
	assert.False(t, cfg.ValidLocale.MatchString("en-us"))
	assert.Equal(t, 200, cfg.MaxLoginPackets)
	assert.Equal(t, 1, cfg.Weights[InvalidLocale])

	ccfg := ChallengeConfigFrom(file)
	assert.Equal(t, challenge.Vec3{X: 8.5, Y: 64, Z: 8.5}, ccfg.Spawn)
	assert.False(t, ccfg.CaptchaEnabled)
}

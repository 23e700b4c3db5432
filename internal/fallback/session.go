package fallback

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/limbo/internal/challenge"
	"github.com/1ureka/limbo/internal/protocol"
	"github.com/1ureka/limbo/internal/util"
)

// State is a session's position in the verification sequence.
type State uint32

const (
	StateHandshakeSent State = iota + 1
	StateAwaitingKeepAlive
	StateAwaitingMovement
	StateAwaitingCaptcha
	StateVerified
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateHandshakeSent:
		return "HandshakeSent"
	case StateAwaitingKeepAlive:
		return "AwaitingKeepAlive"
	case StateAwaitingMovement:
		return "AwaitingMovement"
	case StateAwaitingCaptcha:
		return "AwaitingCaptcha"
	case StateVerified:
		return "Verified"
	case StateRejected:
		return "Rejected"
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// Terminal reports whether s is a verdict.
func (s State) Terminal() bool { return s == StateVerified || s == StateRejected }

const inboxSize = 256

// Session verifies one connection. All state below the channels is owned by
// the run goroutine; other goroutines talk to it through Feed, Close and the
// timer channel.
type Session struct {
	id        uuid.UUID
	addr      netip.Addr
	conn      Conn
	version   protocol.Version
	engine    *Engine
	challenge *challenge.Challenge
	log       *util.Logger

	inbox  chan []byte
	timers chan uint64
	gone   chan error
	flood  chan struct{}
	done   chan struct{}

	// Owned by the run goroutine.
	state         State
	stateVersion  uint64
	timer         *time.Timer
	created       time.Time
	keepAliveSent time.Time
	frames        int
	counts        map[protocol.Kind]int
	score         int
	position      challenge.Vec3
	positions     int // position packets seen in AwaitingMovement
	inBounds      int
	moved         bool
	brandSeen     bool
	attemptsLeft  int

	// Mirrors for readers outside the run goroutine.
	publicState  atomic.Uint32
	publicScore  atomic.Int64
	publicFrames atomic.Int64
	lastPacket   atomic.Int64 // unix nanoseconds, 0 before the first frame

	mu       sync.Mutex // guards the fields below and sends to inbox
	closed   bool
	leftover [][]byte
	reason   Reason
	cause    error

	doneOnce sync.Once
}

func newSession(e *Engine, conn Conn, addr netip.Addr) *Session {
	id := uuid.New()
	s := &Session{
		id:      id,
		addr:    addr,
		conn:    conn,
		version: conn.Version(),
		engine:  e,
		log:     util.NewLogger(id.String()[:8]),
		inbox:   make(chan []byte, inboxSize),
		timers:  make(chan uint64, 1),
		gone:    make(chan error, 1),
		flood:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		state:   StateHandshakeSent,
		created: time.Now(),
		counts:  make(map[protocol.Kind]int),
	}
	s.publicState.Store(uint32(StateHandshakeSent))
	return s
}

// ID returns the session's unique id.
func (s *Session) ID() uuid.UUID { return s.id }

// Addr returns the normalized client address.
func (s *Session) Addr() netip.Addr { return s.addr }

// State returns the current state. It may be stale by the time it is read.
func (s *Session) State() State { return State(s.publicState.Load()) }

// Score returns the current violation score.
func (s *Session) Score() int { return int(s.publicScore.Load()) }

// Started returns when the session was created.
func (s *Session) Started() time.Time { return s.created }

// Frames returns how many frames the session has processed.
func (s *Session) Frames() int { return int(s.publicFrames.Load()) }

// LastPacket returns when the last frame was processed, or the zero time.
func (s *Session) LastPacket() time.Time {
	if ns := s.lastPacket.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

// Done is closed once the session has reached a verdict and its side effects
// have run.
func (s *Session) Done() <-chan struct{} { return s.done }

// Result returns the verdict reason and its cause. Valid after Done.
func (s *Session) Result() (Reason, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.cause
}

// Feed delivers one raw frame from the client, in arrival order. It returns
// false once the session has stopped accepting frames; the caller should
// stop reading and keep the frame for whoever takes the connection next.
func (s *Session) Feed(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.inbox <- frame:
		return true
	default:
		s.closed = true
		select {
		case s.flood <- struct{}{}:
		default:
		}
		return false
	}
}

// Close tells the session the transport is gone. A decode error as cause is
// scored as a violation; anything else ends the session without a verdict
// against the client.
func (s *Session) Close(cause error) {
	select {
	case s.gone <- cause:
	default:
	}
}

// Leftover returns the frames that were fed but not processed before the
// verdict, in arrival order. Valid after Done.
func (s *Session) Leftover() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leftover
}

// ---------------------------------------------------------------------------
// run loop
// ---------------------------------------------------------------------------

func (s *Session) run(ctx context.Context) {
	defer s.engine.remove(s)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Session panic: %v\n%s", r, debug.Stack())
			if !s.state.Terminal() {
				s.reject(ReasonInternal, fmt.Errorf("panic: %v", r))
			}
		}
		s.doneOnce.Do(func() { close(s.done) })
	}()

	s.begin()

	for !s.state.Terminal() {
		select {
		case frame := <-s.inbox:
			s.handleFrame(frame)

		case v := <-s.timers:
			if v != s.stateVersion {
				continue // the state moved on since the timer was armed
			}
			s.handleDeadline()

		case cause := <-s.gone:
			s.handleGone(cause)

		case <-s.flood:
			s.reject(ReasonFlood, ErrInboxOverflow)

		case <-ctx.Done():
			s.reject(ReasonShutdown, ctx.Err())
		}
	}
}

func (s *Session) begin() {
	if s.challenge.Captcha == nil && s.challenge.RenderErr != nil {
		s.log.Warn("Captcha unavailable, verifying by movement only: %v", s.challenge.RenderErr)
		s.engine.metrics.RecordCaptchaDowngrade()
	}

	s.position = s.challenge.Spawn
	for _, p := range s.challenge.Stimulus() {
		s.conn.Send(p)
	}
	s.keepAliveSent = time.Now()
	s.setState(StateAwaitingKeepAlive)
	s.arm(s.engine.cfg.KeepAliveTimeout)
	s.log.Debug("Challenge sent to %s (version %s)", s.addr, s.version)
}

func (s *Session) handleFrame(frame []byte) {
	now := time.Now()
	s.lastPacket.Store(now.UnixNano())
	s.frames++
	s.publicFrames.Store(int64(s.frames))

	if limit := s.engine.cfg.MaxLoginPackets; limit > 0 && s.frames > limit {
		s.reject(ReasonFlood, fmt.Errorf("%w: %d frames (%s)", ErrTooManyPackets, s.frames, s.countSummary()))
		return
	}

	pkt, err := protocol.Decode(frame, s.version)
	if err != nil {
		s.violate(Malformed, 0, err)
		return
	}
	s.counts[pkt.Kind()]++

	switch p := pkt.(type) {
	case *protocol.KeepAliveResponse:
		s.onKeepAlive(p, now)
	case *protocol.PlayerPosition:
		s.onPosition(p.Kind(), p.X, p.Y, p.Z)
	case *protocol.PlayerPositionRotation:
		s.onPosition(p.Kind(), p.X, p.Y, p.Z)
	case *protocol.ChatMessage:
		s.onChat(p)
	case *protocol.ClientSettings:
		s.onClientSettings(p)
	case *protocol.PluginMessage:
		s.onPluginMessage(p)
	default:
		s.violate(OutOfState, pkt.Kind(), nil)
	}
}

func (s *Session) onKeepAlive(p *protocol.KeepAliveResponse, now time.Time) {
	if s.state != StateAwaitingKeepAlive {
		s.violate(OutOfState, p.Kind(), nil)
		return
	}
	if p.ID != s.challenge.Nonce {
		s.reject(ReasonNonceMismatch, fmt.Errorf("%w: got %d", ErrNonceMismatch, p.ID))
		return
	}
	if delay := now.Sub(s.keepAliveSent); delay < s.engine.cfg.KeepAliveMinDelay {
		if !s.violate(TooFast, p.Kind(), fmt.Errorf("answered in %s", delay)) {
			return
		}
	}

	s.setState(StateAwaitingMovement)
	s.arm(s.engine.cfg.MovementTimeout)
}

func (s *Session) onPosition(kind protocol.Kind, x, y, z float64) {
	if !s.challenge.Bounds.Contains(x, y, z) {
		s.violate(OutOfBounds, kind, fmt.Errorf("position (%.2f, %.2f, %.2f)", x, y, z))
		return
	}

	next := challenge.Vec3{X: x, Y: y, Z: z}
	moved := next != s.position
	s.position = next

	if s.state != StateAwaitingMovement {
		return // teleport confirmation, or idle movement while solving the captcha
	}

	s.positions++
	s.inBounds++
	s.moved = s.moved || moved
	if s.inBounds >= s.challenge.MovementPackets && s.moved {
		s.movementDone()
	}
}

func (s *Session) movementDone() {
	if s.challenge.Captcha == nil {
		s.verify()
		return
	}

	s.setState(StateAwaitingCaptcha)
	s.attemptsLeft = s.engine.cfg.CaptchaAttempts
	for _, p := range s.challenge.CaptchaPackets(s.engine.cfg.Messages.CaptchaPrompt) {
		s.conn.Send(p)
	}
	s.arm(s.engine.cfg.CaptchaTimeout)
}

func (s *Session) onChat(p *protocol.ChatMessage) {
	if s.state != StateAwaitingCaptcha {
		s.violate(OutOfState, p.Kind(), nil)
		return
	}

	if p.Message == s.challenge.Captcha.Answer {
		s.verify()
		return
	}

	s.attemptsLeft--
	if s.attemptsLeft <= 0 {
		s.reject(ReasonCaptchaFailed, errors.New("captcha attempts exhausted"))
		return
	}

	msg := s.engine.cfg.Messages.CaptchaRetry
	if strings.Contains(msg, "%d") {
		msg = fmt.Sprintf(msg, s.attemptsLeft)
	}
	s.conn.Send(&protocol.SystemChat{Message: msg})
}

// onClientSettings checks the locale. Clients resend their settings when
// they change, so any number of them is fine.
func (s *Session) onClientSettings(p *protocol.ClientSettings) {
	if re := s.engine.cfg.ValidLocale; re != nil && !re.MatchString(p.Locale) {
		s.violate(InvalidLocale, p.Kind(), fmt.Errorf("locale %q", p.Locale))
	}
}

func (s *Session) onPluginMessage(p *protocol.PluginMessage) {
	brand, ok := p.Brand()
	if !ok {
		return
	}
	if s.brandSeen {
		s.violate(OutOfState, p.Kind(), errors.New("brand sent twice"))
		return
	}
	s.brandSeen = true

	cfg := &s.engine.cfg
	if cfg.MaxBrandLength > 0 && len(brand) > cfg.MaxBrandLength {
		s.violate(InvalidBrand, p.Kind(), fmt.Errorf("brand is %d bytes long", len(brand)))
		return
	}
	if cfg.ValidBrand != nil && !cfg.ValidBrand.MatchString(brand) {
		s.violate(InvalidBrand, p.Kind(), fmt.Errorf("brand %q", brand))
	}
}

func (s *Session) handleDeadline() {
	switch s.state {
	case StateAwaitingKeepAlive, StateAwaitingCaptcha:
		s.reject(ReasonTimeout, fmt.Errorf("%w in %s", ErrTimeout, s.state))

	case StateAwaitingMovement:
		if s.positions == 0 {
			s.reject(ReasonTimeout, fmt.Errorf("%w: no movement", ErrTimeout))
			return
		}
		if s.violate(MovementStall, 0, fmt.Errorf("%d position packets, moved=%t", s.positions, s.moved)) {
			s.arm(s.engine.cfg.MovementTimeout)
		}
	}
}

func (s *Session) handleGone(cause error) {
	var de *protocol.DecodeError
	if errors.As(cause, &de) {
		// The stream cannot be resynchronized after a bad frame.
		s.violate(Malformed, 0, cause)
		if !s.state.Terminal() {
			s.reject(ReasonViolations, cause)
		}
		return
	}
	if cause == nil {
		cause = ErrClientGone
	}
	s.end(StateRejected, ReasonDisconnected, fmt.Errorf("%w: %w", ErrClientGone, cause))
}

// countSummary lists the decoded frames per kind, most frequent first.
func (s *Session) countSummary() string {
	kinds := make([]protocol.Kind, 0, len(s.counts))
	for k := range s.counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool {
		if s.counts[kinds[i]] != s.counts[kinds[j]] {
			return s.counts[kinds[i]] > s.counts[kinds[j]]
		}
		return kinds[i] < kinds[j]
	})

	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = fmt.Sprintf("%s=%d", k, s.counts[k])
	}
	return strings.Join(parts, " ")
}

// violate adds the weight of kind to the score and rejects the session once
// the score passes the threshold. It reports whether the session is still
// running.
func (s *Session) violate(kind ViolationKind, packet protocol.Kind, cause error) bool {
	v := &ProtocolViolation{
		Kind:   kind,
		Weight: s.engine.cfg.Weights[kind],
		State:  s.state,
		Packet: packet,
		Err:    cause,
	}
	s.score += v.Weight
	s.publicScore.Store(int64(s.score))
	s.engine.metrics.RecordViolation(kind.String())
	s.log.Debug("%v (score %d)", v, s.score)

	if s.score > s.engine.cfg.ViolationThreshold {
		s.reject(ReasonViolations, v)
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// state and timers
// ---------------------------------------------------------------------------

func (s *Session) setState(st State) {
	s.stopTimer()
	s.state = st
	s.stateVersion++
	s.publicState.Store(uint32(st))
}

// arm schedules the deadline of the current state. The event carries the
// state version so a deadline that fires after the state moved on is dropped.
func (s *Session) arm(d time.Duration) {
	s.stopTimer()
	s.stateVersion++
	v := s.stateVersion
	s.timer = time.AfterFunc(d, func() {
		select {
		case s.timers <- v:
		case <-s.done:
		}
	})
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// ---------------------------------------------------------------------------
// verdicts
// ---------------------------------------------------------------------------

func (s *Session) verify() {
	s.end(StateVerified, ReasonVerified, nil)
}

func (s *Session) reject(reason Reason, cause error) {
	s.end(StateRejected, reason, cause)
}

// end moves the session to a terminal state, keeps the frames nobody will
// process and runs the verdict's side effects.
func (s *Session) end(st State, reason Reason, cause error) {
	s.setState(st)

	s.mu.Lock()
	s.closed = true
	s.reason = reason
	s.cause = cause
drain:
	for {
		select {
		case frame := <-s.inbox:
			s.leftover = append(s.leftover, frame)
		default:
			break drain
		}
	}
	s.mu.Unlock()

	s.engine.conclude(s, st, reason, cause)
	s.doneOnce.Do(func() { close(s.done) })
}

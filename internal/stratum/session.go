package stratum

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bardlex/gomp-ethash/internal/validation"
	"github.com/bardlex/gomp-ethash/pkg/log"
)

// MessageHandler handles requests read by a Session
type MessageHandler interface {
	HandleMessage(ctx context.Context, session *Session, msg *Message) error
}

// SessionConfig holds per-connection limits and vardiff settings
type SessionConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int

	Vardiff VardiffConfig
}

// VardiffConfig tunes variable difficulty. A zero Target disables it.
type VardiffConfig struct {
	// Target is the desired time between shares.
	Target time.Duration
	// RetargetAfter is the minimum time between adjustments.
	RetargetAfter time.Duration
	Min, Max      float64
}

// Session is a connected miner. It implements validation.Worker.
type Session struct {
	id     string
	conn   net.Conn
	cfg    SessionConfig
	logger *log.Logger
	now    func() time.Time

	mu         sync.RWMutex
	subscribed bool
	authorized bool
	miner      string
	worker     string
	userAgent  string
	extraNonce string

	difficulty         float64
	previousDifficulty float64
	lastRetarget       time.Time

	// shares accepted since the last retarget
	shareCount  int64
	windowStart time.Time

	hooksMu  sync.Mutex
	hooks    map[int]func()
	nextHook int
	closed   bool

	outbound chan []byte
	done     chan struct{}
}

var _ validation.Worker = (*Session)(nil)

// NewSession creates a new Stratum session
func NewSession(id string, conn net.Conn, cfg SessionConfig, logger *log.Logger) *Session {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	if logger == nil {
		logger = log.Nop()
	}
	now := time.Now
	return &Session{
		id:          id,
		conn:        conn,
		cfg:         cfg,
		logger:      logger.WithFields("session_id", id, "remote_addr", remoteAddr(conn)),
		now:         now,
		windowStart: now(),
		hooks:       make(map[int]func()),
		outbound:    make(chan []byte, 100),
		done:        make(chan struct{}),
	}
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Start runs the session until the connection ends or ctx is done
func (s *Session) Start(ctx context.Context, handler MessageHandler) error {
	s.logger.LogConnection("connected", s.RemoteAddr())
	go s.writeLoop(ctx)
	return s.readLoop(ctx, handler)
}

func (s *Session) readLoop(ctx context.Context, handler MessageHandler) error {
	defer s.Close()

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, s.cfg.MaxMessageSize), s.cfg.MaxMessageSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		if s.cfg.ReadTimeout > 0 {
			if err := s.conn.SetReadDeadline(s.now().Add(s.cfg.ReadTimeout)); err != nil {
				return err
			}
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				s.logger.WithError(err).Debug("read failed")
				return err
			}
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.logger.LogStratumMessage("received", string(line))

		msg, err := parsePooled(line)
		if err != nil {
			if sendErr := s.SendError(nil, ErrorParseError, "Parse error"); sendErr != nil {
				s.logger.WithError(sendErr).Debug("failed to send parse error")
			}
			continue
		}
		if err := handler.HandleMessage(ctx, s, msg); err != nil {
			s.logger.WithError(err).Warn("failed to handle message")
		}
		PutMessage(msg)
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	defer func() {
		if err := s.conn.Close(); err != nil {
			s.logger.WithError(err).Debug("failed to close connection")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.done:
			s.drain()
			return
		case data := <-s.outbound:
			if err := s.write(data); err != nil {
				s.logger.WithError(err).Debug("failed to write message")
				s.Close()
				return
			}
		}
	}
}

// drain flushes replies queued before Close, such as the error sent ahead of
// a ban.
func (s *Session) drain() {
	for {
		select {
		case data := <-s.outbound:
			if err := s.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(data []byte) error {
	if s.cfg.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(s.now().Add(s.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	if _, err := s.conn.Write(append(data, '\n')); err != nil {
		return err
	}
	s.logger.LogStratumMessage("sent", string(data))
	return nil
}

// SendMessage queues a message for the client
func (s *Session) SendMessage(msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
	}
	select {
	case s.outbound <- data:
		return nil
	default:
		return fmt.Errorf("outbound channel full")
	}
}

// SendResponse sends a response message
func (s *Session) SendResponse(id any, result any) error {
	return s.SendMessage(NewResponse(id, result))
}

// SendError sends an error response
func (s *Session) SendError(id any, code int, message string) error {
	return s.SendMessage(NewErrorResponse(id, code, message))
}

// SendNotification sends a notification message
func (s *Session) SendNotification(method string, params []any) error {
	return s.SendMessage(NewNotification(method, params))
}

// Close ends the session and runs the disconnect hooks once.
func (s *Session) Close() {
	s.hooksMu.Lock()
	if s.closed {
		s.hooksMu.Unlock()
		return
	}
	s.closed = true
	hooks := s.hooks
	s.hooks = nil
	close(s.done)
	s.hooksMu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	s.logger.LogConnection("disconnected", s.RemoteAddr())
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// OnDisconnect registers fn to run when the session closes. On a closed
// session fn runs immediately.
func (s *Session) OnDisconnect(fn func()) (remove func()) {
	s.hooksMu.Lock()
	if s.closed {
		s.hooksMu.Unlock()
		fn()
		return func() {}
	}
	id := s.nextHook
	s.nextHook++
	s.hooks[id] = fn
	s.hooksMu.Unlock()

	return func() {
		s.hooksMu.Lock()
		defer s.hooksMu.Unlock()
		delete(s.hooks, id)
	}
}

// ConnectionID returns the unique session identifier.
func (s *Session) ConnectionID() string {
	return s.id
}

// Context returns the state shares from this session are validated against.
func (s *Session) Context() validation.WorkerContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return validation.WorkerContext{
		Miner:              s.miner,
		Worker:             s.worker,
		IP:                 s.remoteIP(),
		UserAgent:          s.userAgent,
		ExtraNonce:         s.extraNonce,
		Difficulty:         s.difficulty,
		PreviousDifficulty: s.previousDifficulty,
		LastRetarget:       s.lastRetarget,
	}
}

func (s *Session) remoteIP() string {
	addr := s.RemoteAddr()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// RemoteAddr returns the remote address of the client connection.
func (s *Session) RemoteAddr() string {
	return remoteAddr(s.conn)
}

// Subscribe marks the session subscribed with its extranonce prefix.
func (s *Session) Subscribe(userAgent, extraNonce string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = true
	s.userAgent = userAgent
	s.extraNonce = extraNonce
}

// IsSubscribed returns whether the session has completed mining.subscribe.
func (s *Session) IsSubscribed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribed
}

// Authorize marks the session authorized for miner and worker.
func (s *Session) Authorize(miner, worker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorized = true
	s.miner = miner
	s.worker = worker
}

// IsAuthorized returns whether the session has completed mining.authorize.
func (s *Session) IsAuthorized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authorized
}

// Miner returns the payout address.
func (s *Session) Miner() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.miner
}

// Worker returns the worker name.
func (s *Session) Worker() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.worker
}

// ExtraNonce returns the nonce prefix assigned to the session.
func (s *Session) ExtraNonce() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.extraNonce
}

// Difficulty returns the current share difficulty.
func (s *Session) Difficulty() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.difficulty
}

// SetDifficulty changes the share difficulty. A change from a non-zero
// difficulty is a retarget: the old value is kept as the previous
// difficulty so shares in flight are still credited.
func (s *Session) SetDifficulty(difficulty float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if difficulty == s.difficulty {
		return
	}
	now := s.now()
	if s.difficulty > 0 {
		s.previousDifficulty = s.difficulty
		s.lastRetarget = now
	}
	s.difficulty = difficulty
	s.shareCount = 0
	s.windowStart = now
}

// RecordShare counts an accepted share for vardiff
func (s *Session) RecordShare() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shareCount++
}

// ShouldAdjustDifficulty returns the difficulty vardiff wants once
// RetargetAfter has passed since the last adjustment and the share rate is
// more than 10% off target.
func (s *Session) ShouldAdjustDifficulty() (bool, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := s.cfg.Vardiff
	if v.Target <= 0 || s.difficulty <= 0 {
		return false, s.difficulty
	}
	elapsed := s.now().Sub(s.windowStart)
	if elapsed < v.RetargetAfter || elapsed <= 0 {
		return false, s.difficulty
	}

	var ratio float64
	if s.shareCount == 0 {
		// no shares in a whole window; halve
		ratio = 0.5
	} else {
		avg := elapsed / time.Duration(s.shareCount)
		ratio = v.Target.Seconds() / avg.Seconds()
	}

	const minAdjustment = 0.1
	if ratio <= 1+minAdjustment && ratio >= 1-minAdjustment {
		return false, s.difficulty
	}

	next := s.difficulty * ratio
	if v.Min > 0 && next < v.Min {
		next = v.Min
	}
	if v.Max > 0 && next > v.Max {
		next = v.Max
	}
	return next != s.difficulty, next
}

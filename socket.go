package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ErrNotConnected is returned by Send when the underlying channel is not
// open. Callers must react — typically by retracting optimistic state.
var ErrNotConnected = errors.New("socket not connected")

// ErrReconnectFailed is delivered to close handlers when the reconnect
// loop gives up after exhausting its attempts. The connection is gone for
// good; no further reconnects will be made.
var ErrReconnectFailed = errors.New("reconnect attempts exhausted")

// ============================================================================
// Connection state
// ============================================================================

// ConnState is the socket connection state, owned solely by the SocketClient.
type ConnState string

const (
	ConnClosed       ConnState = "closed"
	ConnConnecting   ConnState = "connecting"
	ConnOpen         ConnState = "open"
	ConnReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Configuration
// ============================================================================

// SocketConfig configures the socket client.
type SocketConfig struct {
	// URL is the WebSocket endpoint.
	URL string
	// UserID identifies the local user in the join handshake.
	UserID string
	// Username is included in the join handshake when set.
	Username string

	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HTTPClient           *http.Client
	Logger               *zap.Logger
}

func (c *SocketConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 2 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// joinFrame identifies the local user to the chat server so it can route
// subsequent messages. Sent immediately after every (re)connect.
type joinFrame struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	Action   string `json:"action,omitempty"`
}

// ============================================================================
// Frame dispatcher
// ============================================================================

// frameDispatcher holds subscriber callbacks keyed by a logical subscriber
// name. Registering the same key again replaces the previous callback, so
// re-registration never duplicates delivery.
type frameDispatcher struct {
	mu      sync.RWMutex
	onFrame map[string]func(data []byte)
	onOpen  map[string]func()
	onClose map[string]func(err error)
}

func newFrameDispatcher() *frameDispatcher {
	return &frameDispatcher{
		onFrame: make(map[string]func([]byte)),
		onOpen:  make(map[string]func()),
		onClose: make(map[string]func(error)),
	}
}

func (d *frameDispatcher) emitFrame(data []byte) {
	d.mu.RLock()
	handlers := make([]func([]byte), 0, len(d.onFrame))
	for _, h := range d.onFrame {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()
	// Synchronous dispatch: frames are delivered one at a time in arrival
	// order so downstream merges never race.
	for _, h := range handlers {
		h(data)
	}
}

func (d *frameDispatcher) emitOpen() {
	d.mu.RLock()
	handlers := make([]func(), 0, len(d.onOpen))
	for _, h := range d.onOpen {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *frameDispatcher) emitClose(err error) {
	d.mu.RLock()
	handlers := make([]func(error), 0, len(d.onClose))
	for _, h := range d.onClose {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

func (d *frameDispatcher) removeAll() {
	d.mu.Lock()
	d.onFrame = make(map[string]func([]byte))
	d.onOpen = make(map[string]func())
	d.onClose = make(map[string]func(error))
	d.mu.Unlock()
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *SocketConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// SocketClient
// ============================================================================

// SocketClient owns the duplex socket to the chat server. It exposes
// connect/send plus keyed subscription registration and carries no chat
// business logic.
type SocketClient struct {
	cfg              *SocketConfig
	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	cancelFn         context.CancelFunc
	dispatcher       *frameDispatcher
	recon            *reconnector
	logger           *zap.Logger
}

// NewSocketClient creates a socket client. Call Connect to establish the
// connection.
func NewSocketClient(cfg *SocketConfig) *SocketClient {
	c := *cfg
	c.defaults()
	return &SocketClient{
		cfg:        &c,
		state:      ConnClosed,
		dispatcher: newFrameDispatcher(),
		recon:      newReconnector(&c),
		logger:     c.Logger,
	}
}

// OnFrame registers a handler for inbound text frames under the given
// subscriber key. Re-registering the same key replaces the handler.
func (s *SocketClient) OnFrame(key string, h func(data []byte)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onFrame[key] = h
	s.dispatcher.mu.Unlock()
}

// OnOpen registers a handler invoked after every successful (re)connect
// and join handshake.
func (s *SocketClient) OnOpen(key string, h func()) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onOpen[key] = h
	s.dispatcher.mu.Unlock()
}

// OnClose registers a handler invoked when the connection drops. err is
// nil for an intentional close.
func (s *SocketClient) OnClose(key string, h func(err error)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onClose[key] = h
	s.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (s *SocketClient) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect establishes the socket and runs the join handshake. It is
// idempotent: calling while already open or connecting is a no-op.
func (s *SocketClient) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == ConnOpen || s.state == ConnConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = ConnConnecting
	s.intentionalClose = false
	s.mu.Unlock()

	opts := &websocket.DialOptions{HTTPClient: s.cfg.HTTPClient}
	conn, _, err := websocket.Dial(ctx, s.cfg.URL, opts)
	if err != nil {
		s.mu.Lock()
		s.state = ConnClosed
		s.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	// Identify ourselves before anything else so the server can route
	// messages for this user.
	join, _ := json.Marshal(joinFrame{
		Type:     "join",
		UserID:   s.cfg.UserID,
		Username: s.cfg.Username,
		Action:   "join_room",
	})
	if err := conn.Write(ctx, websocket.MessageText, join); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		s.mu.Lock()
		s.state = ConnClosed
		s.mu.Unlock()
		return fmt.Errorf("join handshake: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.conn = conn
	s.state = ConnOpen
	s.cancelFn = cancel
	s.mu.Unlock()
	s.recon.markConnected()
	s.logger.Info("socket connected", zap.String("url", s.cfg.URL))

	s.dispatcher.emitOpen()

	go s.readLoop(connCtx)
	return nil
}

// Send serializes and transmits a payload. It returns ErrNotConnected
// when the channel is not open so callers can revert optimistic state.
func (s *SocketClient) Send(ctx context.Context, payload any) error {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if conn == nil || state != ConnOpen {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close gracefully shuts the connection down and stops any reconnect
// loop. Registered handlers stay in place until RemoveHandlers.
func (s *SocketClient) Close() error {
	s.mu.Lock()
	s.intentionalClose = true
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	conn := s.conn
	s.conn = nil
	s.state = ConnClosed
	s.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client close")
	}
	s.dispatcher.emitClose(nil)
	return err
}

// RemoveHandlers unsubscribes every registered handler.
func (s *SocketClient) RemoveHandlers() {
	s.dispatcher.removeAll()
}

func (s *SocketClient) readLoop(ctx context.Context) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			intentional := s.intentionalClose
			s.mu.Unlock()
			if intentional {
				return
			}

			s.mu.Lock()
			s.state = ConnClosed
			s.conn = nil
			s.mu.Unlock()

			s.logger.Warn("socket connection lost", zap.Error(err))
			s.dispatcher.emitClose(err)

			if s.cfg.AutoReconnect {
				if s.recon.shouldReconnect() {
					s.scheduleReconnect(ctx)
				} else {
					s.giveUp()
				}
			}
			return
		}

		s.dispatcher.emitFrame(data)
	}
}

func (s *SocketClient) scheduleReconnect(ctx context.Context) {
	delay := s.recon.nextDelay()
	s.mu.Lock()
	s.state = ConnReconnecting
	s.mu.Unlock()

	s.logger.Info("scheduling reconnect",
		zap.Int("attempt", s.recon.attempt),
		zap.Duration("delay", delay))

	time.Sleep(delay)

	s.mu.Lock()
	intentional := s.intentionalClose
	s.mu.Unlock()
	if intentional {
		// Session was torn down while we were waiting.
		return
	}

	if err := s.Connect(ctx); err != nil {
		if s.cfg.AutoReconnect && s.recon.shouldReconnect() {
			s.scheduleReconnect(ctx)
		} else {
			s.giveUp()
		}
	}
}

// giveUp settles the client at closed and tells subscribers the connection
// is terminally gone, so consumers do not wait for a reconnect that will
// never come.
func (s *SocketClient) giveUp() {
	s.mu.Lock()
	s.state = ConnClosed
	s.mu.Unlock()
	s.logger.Warn("giving up on reconnect", zap.Int("attempts", s.recon.attempt))
	s.dispatcher.emitClose(ErrReconnectFailed)
}

package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNotJoined is returned by SendMessage when the session has no live,
// identified connection to transmit on.
var ErrNotJoined = errors.New("session not joined")

// ============================================================================
// Transport
// ============================================================================

// Transport is the duplex channel contract the session drives. SocketClient
// is the production implementation; tests substitute a fake.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Send(ctx context.Context, payload any) error
	OnFrame(key string, h func(data []byte))
	OnOpen(key string, h func())
	OnClose(key string, h func(err error))
	State() ConnState
}

var _ Transport = (*SocketClient)(nil)

// ============================================================================
// Session state
// ============================================================================

// SessionState is the lifecycle state of a chat session.
type SessionState string

const (
	SessionDisconnected SessionState = "disconnected"
	SessionConnecting   SessionState = "connecting"
	SessionJoined       SessionState = "joined"
	SessionReconnecting SessionState = "reconnecting"
)

// ============================================================================
// Configuration
// ============================================================================

// SessionConfig configures a chat session.
type SessionConfig struct {
	// SelfID is the local user's id. Required.
	SelfID string
	// Self is the local user's display snapshot, attached to optimistic
	// entries. Optional.
	Self *Participant

	Log        *LogConfig
	Normalizer *NormalizerConfig
	Logger     *zap.Logger

	// OnMessage is invoked for every message that entered or updated the
	// log, after the merge. Optional.
	OnMessage func(msg Message, outcome MergeOutcome)
	// OnStateChange is invoked on session state transitions. Optional.
	OnStateChange func(state SessionState)
}

// outboundFrame is the wire shape of a sent chat message. Redundant
// identity aliases are included for compatibility with older server
// revisions that only read one of them.
type outboundFrame struct {
	Type         string       `json:"type"`
	Action       string       `json:"action"`
	SenderID     string       `json:"senderId"`
	ReceiverID   string       `json:"receiverId"`
	SenderIDAlt  string       `json:"sender_id"`
	ReceiverAlt  string       `json:"receiver_id"`
	From         string       `json:"from"`
	To           string       `json:"to"`
	Message      string       `json:"message"`
	MsgType      string       `json:"msgType"`
	Timestamp    string       `json:"timestamp"`
	CreatedAt    string       `json:"createdAt"`
	Sender       *Participant `json:"sender,omitempty"`
}

// ============================================================================
// Session
// ============================================================================

// Session is the state machine tying together connection lifecycle,
// history bootstrap, and outbound send with optimistic echo. It exposes
// the message log and conversation index to consumers.
type Session struct {
	client    *Client
	transport Transport
	norm      *Normalizer
	log       *MessageLog
	logger    *zap.Logger

	selfID string
	self   *Participant

	onMessage     func(Message, MergeOutcome)
	onStateChange func(SessionState)

	mu    sync.Mutex
	state SessionState
}

// NewSession creates a session. client may be nil when history bootstrap
// is not needed.
func NewSession(client *Client, transport Transport, cfg *SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		client:        client,
		transport:     transport,
		norm:          NewNormalizer(cfg.Normalizer, logger),
		log:           NewMessageLog(cfg.Log, logger),
		logger:        logger,
		selfID:        cfg.SelfID,
		self:          cfg.Self,
		onMessage:     cfg.OnMessage,
		onStateChange: cfg.OnStateChange,
		state:         SessionDisconnected,
	}
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Log exposes the session's message log for read access.
func (s *Session) Log() *MessageLog {
	return s.log
}

// Start subscribes to the transport and establishes the connection. The
// join handshake runs inside the transport's Connect and after every
// reconnect.
func (s *Session) Start(ctx context.Context) error {
	if s.selfID == "" {
		return errors.New("session requires SelfID")
	}

	s.transport.OnFrame("session", s.handleFrame)
	s.transport.OnOpen("session", func() {
		s.setState(SessionJoined)
	})
	s.transport.OnClose("session", func(err error) {
		switch {
		case err == nil:
			// Intentional teardown.
		case errors.Is(err, ErrReconnectFailed):
			s.setState(SessionDisconnected)
		default:
			s.setState(SessionReconnecting)
		}
	})

	s.setState(SessionConnecting)
	if err := s.transport.Connect(ctx); err != nil {
		s.setState(SessionDisconnected)
		return fmt.Errorf("session start: %w", err)
	}
	return nil
}

// Close tears the session down, unsubscribing all handlers and stopping
// any reconnect loop.
func (s *Session) Close() error {
	s.setState(SessionDisconnected)
	return s.transport.Close()
}

// LoadHistory fetches persisted messages over REST and merges them into
// the log in bulk. On fetch failure the log is left untouched; individual
// malformed entries are skipped and logged.
func (s *Session) LoadHistory(ctx context.Context) error {
	if s.client == nil {
		return errors.New("no REST client configured")
	}
	res, err := s.client.FetchHistory(ctx)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	for _, raw := range res.Chats {
		msg, err := s.norm.Normalize(raw)
		if err != nil {
			s.logger.Debug("history entry skipped", zap.Error(err))
			continue
		}
		outcome := s.log.Merge(*msg)
		s.notifyMessage(*msg, outcome)
	}
	s.logger.Info("history loaded", zap.Int("entries", s.log.Len()))
	return nil
}

// SendMessage constructs an optimistic entry, merges it into the log so
// consumers see it before the network round-trip, then transmits it. If
// transmission fails the optimistic entry is retracted and the error is
// returned so the caller can preserve the input for retry.
func (s *Session) SendMessage(ctx context.Context, counterpartID, body string) (*Message, error) {
	if body == "" {
		return nil, errors.New("empty message body")
	}
	if counterpartID == "" || counterpartID == s.selfID {
		return nil, fmt.Errorf("invalid counterpart %q", counterpartID)
	}
	if s.State() != SessionJoined {
		return nil, ErrNotJoined
	}

	now := time.Now().UTC()
	msg := Message{
		ID:         NewTempID(),
		SenderID:   s.selfID,
		ReceiverID: counterpartID,
		Sender:     s.self,
		Body:       body,
		Kind:       KindText,
		Status:     StatusSending,
		CreatedAt:  now,
	}

	outcome := s.log.Merge(msg)
	s.notifyMessage(msg, outcome)

	frame := outboundFrame{
		Type:        "chat",
		Action:      "send_message",
		SenderID:    s.selfID,
		ReceiverID:  counterpartID,
		SenderIDAlt: s.selfID,
		ReceiverAlt: counterpartID,
		From:        s.selfID,
		To:          counterpartID,
		Message:     body,
		MsgType:     string(KindText),
		Timestamp:   now.Format(time.RFC3339Nano),
		CreatedAt:   now.Format(time.RFC3339Nano),
		Sender:      s.self,
	}
	if err := s.transport.Send(ctx, frame); err != nil {
		s.log.Remove(msg.ID)
		s.logger.Warn("send failed, optimistic entry retracted",
			zap.String("tempId", msg.ID), zap.Error(err))
		return nil, fmt.Errorf("send message: %w", err)
	}

	s.log.MarkSent(msg.ID)
	msg.Status = StatusSent
	s.notifyMessage(msg, MergeReplacedByID)
	return &msg, nil
}

// SelectConversation returns the message history with the given
// counterpart, sorted ascending by time.
func (s *Session) SelectConversation(counterpartID string) []Message {
	return s.log.Conversation(s.selfID, counterpartID)
}

// Conversations returns the derived conversation index, most recent first.
func (s *Session) Conversations() []Conversation {
	return BuildConversations(s.log.Messages(), s.selfID)
}

// handleFrame routes one inbound socket frame: normalize, merge, notify.
// Control frames and malformed payloads are dropped here and never reach
// the log.
func (s *Session) handleFrame(data []byte) {
	msg, err := s.norm.Normalize(data)
	if err != nil {
		s.logger.Debug("frame dropped", zap.Error(err))
		return
	}
	outcome := s.log.Merge(*msg)
	if outcome == MergeDroppedDuplicate || outcome == MergeRejected {
		s.logger.Debug("inbound message not merged",
			zap.String("id", msg.ID), zap.Stringer("outcome", outcome))
		return
	}
	s.notifyMessage(*msg, outcome)
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if changed {
		s.logger.Info("session state", zap.String("state", string(state)))
		if s.onStateChange != nil {
			s.onStateChange(state)
		}
	}
}

func (s *Session) notifyMessage(msg Message, outcome MergeOutcome) {
	if s.onMessage != nil {
		s.onMessage(msg, outcome)
	}
}

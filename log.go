package chatsync

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const tempIDPrefix = "temp-"

// NewTempID generates a local temporary id for an optimistic entry.
func NewTempID() string {
	return fmt.Sprintf("%s%d-%s", tempIDPrefix, time.Now().UnixMilli(), uuid.NewString()[:8])
}

// ============================================================================
// Configuration
// ============================================================================

// LogConfig tunes the merge engine.
type LogConfig struct {
	// DedupWindow is the maximum timestamp distance under which two
	// messages with the same participants and body are treated as the
	// same logical message.
	DedupWindow time.Duration
}

func (c *LogConfig) defaults() {
	if c.DedupWindow == 0 {
		c.DedupWindow = 3 * time.Second
	}
}

// ============================================================================
// Merge outcome
// ============================================================================

// MergeOutcome describes how an incoming message was reconciled against
// the log.
type MergeOutcome int

const (
	// MergeAppended means the message was new and appended to the log.
	MergeAppended MergeOutcome = iota
	// MergeReplacedByID means an existing entry with the same id was replaced.
	MergeReplacedByID
	// MergeReconciled means the incoming server-confirmed message replaced
	// a matching optimistic entry, adopting the server id.
	MergeReconciled
	// MergeDroppedDuplicate means the incoming message was a redundant
	// delivery and was discarded.
	MergeDroppedDuplicate
	// MergeRejected means the incoming message was malformed and never
	// entered the log.
	MergeRejected
)

func (o MergeOutcome) String() string {
	switch o {
	case MergeAppended:
		return "appended"
	case MergeReplacedByID:
		return "replaced"
	case MergeReconciled:
		return "reconciled"
	case MergeDroppedDuplicate:
		return "dropped"
	case MergeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ============================================================================
// MessageLog
// ============================================================================

// MessageLog is the single owned message store. All mutations go through
// Merge, Remove, and MarkSent; every read path returns a sorted copy.
// It is goroutine-safe: access is serialized by an internal mutex, so a
// multi-threaded runtime preserves the one-merge-at-a-time invariant.
type MessageLog struct {
	mu     sync.RWMutex
	cfg    LogConfig
	msgs   []Message
	logger *zap.Logger
}

// NewMessageLog creates a MessageLog. Pass nil for defaults.
func NewMessageLog(cfg *LogConfig, logger *zap.Logger) *MessageLog {
	var c LogConfig
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageLog{cfg: c, logger: logger}
}

// Merge reconciles one incoming message against the log:
//
//  1. Exact-id match: the incoming entry replaces the existing one.
//  2. Optimistic reconciliation: a server-confirmed message matching an
//     unconfirmed local entry (same participants, same body, within the
//     dedup window) replaces it, adopting the server id.
//  3. Content duplicate: same sender, same receiver, same body, within the
//     window — the incoming entry is a redundant delivery and is discarded.
//     The comparison is directional: a same-body reply going the other way
//     is a distinct message. Optimistic local inserts skip this step; dedup
//     applies to inbound deliveries only.
//  4. Otherwise the incoming entry is appended.
//
// Malformed entries (missing participant or body) are rejected before
// touching the log.
func (l *MessageLog) Merge(incoming Message) MergeOutcome {
	if incoming.SenderID == "" || incoming.ReceiverID == "" || incoming.Body == "" {
		l.logger.Debug("merge rejected malformed entry", zap.String("id", incoming.ID))
		return MergeRejected
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// 1. Exact-id match.
	for i := range l.msgs {
		if l.msgs[i].ID == incoming.ID {
			l.msgs[i] = withSnapshots(incoming, &l.msgs[i])
			l.logger.Debug("merge replaced by id", zap.String("id", incoming.ID))
			return MergeReplacedByID
		}
	}

	// 2. Optimistic reconciliation. Matches any unconfirmed local entry,
	// whether the sending→sent upgrade already happened or not.
	if !incoming.Optimistic() {
		for i := range l.msgs {
			existing := &l.msgs[i]
			if existing.Optimistic() && existing.Status != StatusDelivered &&
				sameParticipants(existing, &incoming) &&
				existing.Body == incoming.Body &&
				l.withinWindow(existing.CreatedAt, incoming.CreatedAt) {
				l.logger.Debug("merge reconciled optimistic entry",
					zap.String("tempId", existing.ID),
					zap.String("id", incoming.ID))
				l.msgs[i] = withSnapshots(incoming, existing)
				return MergeReconciled
			}
		}
	}

	// 3. Content duplicate. Directional on purpose: u2 answering "hi" to
	// u1's "hi" within the window is a new message, not a redundant
	// delivery. Local optimistic inserts always land in the log.
	if !incoming.Optimistic() {
		for i := range l.msgs {
			existing := &l.msgs[i]
			if existing.SenderID == incoming.SenderID &&
				existing.ReceiverID == incoming.ReceiverID &&
				existing.Body == incoming.Body &&
				l.withinWindow(existing.CreatedAt, incoming.CreatedAt) {
				l.logger.Debug("merge dropped duplicate delivery",
					zap.String("id", incoming.ID),
					zap.String("existingId", existing.ID))
				return MergeDroppedDuplicate
			}
		}
	}

	// 4. New entry.
	l.msgs = append(l.msgs, incoming)
	return MergeAppended
}

// Remove deletes the entry with the given id. Used to retract a failed
// optimistic send.
func (l *MessageLog) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.msgs {
		if l.msgs[i].ID == id {
			l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
			return true
		}
	}
	return false
}

// MarkSent upgrades an optimistic entry from sending to sent after a
// successful transmit.
func (l *MessageLog) MarkSent(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.msgs {
		if l.msgs[i].ID == id && l.msgs[i].Status == StatusSending {
			l.msgs[i].Status = StatusSent
			return true
		}
	}
	return false
}

// Messages returns a copy of all entries sorted ascending by CreatedAt.
func (l *MessageLog) Messages() []Message {
	l.mu.RLock()
	out := make([]Message, len(l.msgs))
	copy(out, l.msgs)
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Conversation returns the messages exchanged between the two given
// participants, sorted ascending by CreatedAt.
func (l *MessageLog) Conversation(a, b string) []Message {
	probe := Message{SenderID: a, ReceiverID: b}

	l.mu.RLock()
	var out []Message
	for i := range l.msgs {
		if sameParticipants(&l.msgs[i], &probe) {
			out = append(out, l.msgs[i])
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns the entry with the given id, if present.
func (l *MessageLog) Get(id string) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := range l.msgs {
		if l.msgs[i].ID == id {
			return l.msgs[i], true
		}
	}
	return Message{}, false
}

// Len returns the number of entries in the log.
func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.msgs)
}

func (l *MessageLog) withinWindow(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d < l.cfg.DedupWindow
}

// withSnapshots keeps the previous entry's display snapshots when the
// incoming wire data did not carry them.
func withSnapshots(incoming Message, previous *Message) Message {
	if incoming.Sender == nil {
		incoming.Sender = previous.Sender
	}
	if incoming.Receiver == nil {
		incoming.Receiver = previous.Receiver
	}
	return incoming
}

package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Rejection errors
// ============================================================================

var (
	// ErrControlFrame marks protocol frames (join, connection acks) that
	// carry no chat content and must never reach the merge engine.
	ErrControlFrame = errors.New("control frame")

	// ErrNoBody marks frames without an interpretable message body.
	ErrNoBody = errors.New("missing message body")

	// ErrNoSender marks frames whose sender identity cannot be resolved.
	ErrNoSender = errors.New("missing sender identity")

	// ErrNoReceiver marks frames whose receiver identity cannot be resolved.
	ErrNoReceiver = errors.New("missing receiver identity")
)

// ============================================================================
// Configuration
// ============================================================================

// NormalizerConfig sets the alias resolution order for each logical field.
// The wire format is not stable: the same semantic field arrives under
// several legacy names depending on the server revision. Aliases are tried
// in order; the first present, non-empty value wins.
type NormalizerConfig struct {
	SenderAliases    []string
	ReceiverAliases  []string
	IDAliases        []string
	TimestampAliases []string
	KindAliases      []string
}

func (c *NormalizerConfig) defaults() {
	if len(c.SenderAliases) == 0 {
		c.SenderAliases = []string{"senderId", "sender_id", "from"}
	}
	if len(c.ReceiverAliases) == 0 {
		c.ReceiverAliases = []string{"receiverId", "receiver_id", "to"}
	}
	if len(c.IDAliases) == 0 {
		c.IDAliases = []string{"id", "message_id"}
	}
	if len(c.TimestampAliases) == 0 {
		c.TimestampAliases = []string{"createdAt", "created_at", "timestamp"}
	}
	if len(c.KindAliases) == 0 {
		c.KindAliases = []string{"type", "msgType"}
	}
}

// controlFrameTypes are protocol frame types routed away from the merge
// engine. They are logged for diagnostics only.
var controlFrameTypes = map[string]bool{
	"join":        true,
	"user_joined": true,
	"connection":  true,
	"connected":   true,
}

// ============================================================================
// Normalizer
// ============================================================================

// Normalizer converts heterogeneous inbound wire payloads into canonical
// Message records.
type Normalizer struct {
	cfg    NormalizerConfig
	logger *zap.Logger
}

// NewNormalizer creates a Normalizer. Pass nil for defaults.
func NewNormalizer(cfg *NormalizerConfig, logger *zap.Logger) *Normalizer {
	var c NormalizerConfig
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{cfg: c, logger: logger}
}

// Normalize decodes a raw wire payload into a canonical Message.
//
// Identity fields (sender, receiver) have no defaults — their absence is a
// rejection. Non-identity fields fall back: missing timestamp defaults to
// now, missing kind defaults to text, missing id gets a generated one.
func (n *Normalizer) Normalize(raw []byte) (*Message, error) {
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("unparseable frame: %w", err)
	}
	return n.NormalizeFrame(frame)
}

// NormalizeFrame resolves an already-decoded frame. See Normalize.
func (n *Normalizer) NormalizeFrame(frame map[string]any) (*Message, error) {
	body, _ := frame["message"].(string)
	if body == "" {
		if t, _ := frame["type"].(string); controlFrameTypes[t] {
			n.logger.Debug("control frame", zap.String("type", t))
			return nil, ErrControlFrame
		}
		return nil, ErrNoBody
	}

	senderID := firstString(frame, n.cfg.SenderAliases)
	if senderID == "" {
		return nil, ErrNoSender
	}
	receiverID := firstString(frame, n.cfg.ReceiverAliases)
	if receiverID == "" {
		return nil, ErrNoReceiver
	}

	id := firstString(frame, n.cfg.IDAliases)
	if id == "" {
		id = fmt.Sprintf("rt-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
	}

	kind := MessageKind(firstString(frame, n.cfg.KindAliases))
	if kind == "" || controlFrameTypes[string(kind)] || kind == "chat" {
		kind = KindText
	}

	createdAt := n.resolveTimestamp(frame)

	status := StatusDelivered
	if s, _ := frame["status"].(string); s == string(StatusSent) {
		status = StatusSent
	}

	msg := &Message{
		ID:         id,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Sender:     resolveParticipant(frame, "sender", senderID, "senderUsername", "sender_username"),
		Receiver:   resolveParticipant(frame, "receiver", receiverID, "receiverUsername", "receiver_username"),
		Body:       body,
		Kind:       kind,
		Status:     status,
		CreatedAt:  createdAt,
	}
	return msg, nil
}

func (n *Normalizer) resolveTimestamp(frame map[string]any) time.Time {
	for _, key := range n.cfg.TimestampAliases {
		s, ok := frame[key].(string)
		if !ok || s == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}

// firstString returns the first non-empty string value among the aliases.
func firstString(frame map[string]any, aliases []string) string {
	for _, key := range aliases {
		if s, ok := frame[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// resolveParticipant builds a display snapshot from a nested participant
// object when present, falling back to flat username aliases.
func resolveParticipant(frame map[string]any, objKey, id string, usernameAliases ...string) *Participant {
	if obj, ok := frame[objKey].(map[string]any); ok {
		p := &Participant{
			ID:        stringField(obj, "id"),
			Username:  stringField(obj, "username"),
			FirstName: stringField(obj, "firstName"),
			LastName:  stringField(obj, "lastName"),
			AvatarURL: stringField(obj, "profilePicture"),
		}
		if p.ID == "" {
			p.ID = id
		}
		return p
	}
	username := firstString(frame, usernameAliases)
	if username == "" {
		return nil
	}
	return &Participant{ID: id, Username: username}
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

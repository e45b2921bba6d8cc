package chatsync

import (
	"strings"
	"time"
)

// ============================================================================
// Message
// ============================================================================

// MessageKind classifies message content. Only text is exercised today.
type MessageKind string

const (
	KindText MessageKind = "text"
)

// MessageStatus is the local delivery state of a message.
//
// StatusSending only ever applies to optimistic entries created by
// Session.SendMessage; confirmed and historical messages are StatusDelivered.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
)

// Participant is a best-effort display snapshot of a chat participant.
// Fields may be partially populated depending on what the wire carried.
type Participant struct {
	ID        string `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	AvatarURL string `json:"profilePicture,omitempty"`
}

// DisplayName returns the best human-readable name for the participant.
func (p *Participant) DisplayName() string {
	if p == nil {
		return ""
	}
	full := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if full != "" {
		return full
	}
	return p.Username
}

// Message is the canonical chat message record.
//
// ID is either server-assigned or a locally generated temporary id
// ("temp-..." prefix) for optimistic entries pending server confirmation.
type Message struct {
	ID         string        `json:"id"`
	SenderID   string        `json:"senderId"`
	ReceiverID string        `json:"receiverId"`
	Sender     *Participant  `json:"sender,omitempty"`
	Receiver   *Participant  `json:"receiver,omitempty"`
	Body       string        `json:"message"`
	Kind       MessageKind   `json:"type"`
	Status     MessageStatus `json:"status"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// Optimistic reports whether the message is a locally originated entry
// that has not yet been confirmed by the server.
func (m *Message) Optimistic() bool {
	return strings.HasPrefix(m.ID, tempIDPrefix)
}

// sameParticipants reports whether two messages involve the same unordered
// participant pair.
func sameParticipants(a, b *Message) bool {
	if a.SenderID == b.SenderID && a.ReceiverID == b.ReceiverID {
		return true
	}
	return a.SenderID == b.ReceiverID && a.ReceiverID == b.SenderID
}

// ============================================================================
// Conversation
// ============================================================================

// Conversation is a derived view of all messages exchanged with one
// counterpart. It is never stored; BuildConversations recomputes it from
// the message log.
type Conversation struct {
	CounterpartID string       `json:"counterpartId"`
	Counterpart   *Participant `json:"counterpart,omitempty"`
	LastMessage   string       `json:"lastMessage"`
	LastMessageAt time.Time    `json:"lastMessageAt"`
}

package chatsync

import "sort"

// BuildConversations derives the list of distinct conversations from the
// given messages, relative to selfID. Each conversation carries the most
// recent message for its counterpart; the result is sorted descending by
// last-message time.
//
// This is a pure derivation and is cheap enough to recompute fully on
// every log mutation.
func BuildConversations(msgs []Message, selfID string) []Conversation {
	byCounterpart := make(map[string]*Conversation)

	for i := range msgs {
		m := &msgs[i]

		var counterpartID string
		var counterpart *Participant
		switch {
		case m.SenderID == selfID:
			counterpartID = m.ReceiverID
			counterpart = m.Receiver
		case m.ReceiverID == selfID:
			counterpartID = m.SenderID
			counterpart = m.Sender
		default:
			// Neither participant is us. Defensive: skip.
			continue
		}
		if counterpartID == "" || counterpartID == selfID {
			continue
		}

		existing := byCounterpart[counterpartID]
		if existing == nil || m.CreatedAt.After(existing.LastMessageAt) {
			if counterpart == nil && existing != nil {
				counterpart = existing.Counterpart
			}
			byCounterpart[counterpartID] = &Conversation{
				CounterpartID: counterpartID,
				Counterpart:   counterpart,
				LastMessage:   m.Body,
				LastMessageAt: m.CreatedAt,
			}
		} else if existing.Counterpart == nil && counterpart != nil {
			existing.Counterpart = counterpart
		}
	}

	out := make([]Conversation, 0, len(byCounterpart))
	for _, c := range byCounterpart {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].CounterpartID < out[j].CounterpartID
	})
	return out
}

package chatsync

import (
	"testing"
	"time"
)

func TestBuildConversations(t *testing.T) {
	t.Run("ordered by recency", func(t *testing.T) {
		msgs := []Message{
			mkMsg("1", "a", "self", "from a", t0, StatusDelivered),
			mkMsg("2", "self", "b", "to b", t0.Add(time.Minute), StatusDelivered),
		}
		convs := BuildConversations(msgs, "self")
		if len(convs) != 2 {
			t.Fatalf("expected 2 conversations, got %d", len(convs))
		}
		if convs[0].CounterpartID != "b" || convs[1].CounterpartID != "a" {
			t.Fatalf("expected [b a], got [%s %s]", convs[0].CounterpartID, convs[1].CounterpartID)
		}
	})

	t.Run("newest message is the representative", func(t *testing.T) {
		msgs := []Message{
			mkMsg("1", "a", "self", "old", t0, StatusDelivered),
			mkMsg("2", "self", "a", "new", t0.Add(time.Hour), StatusDelivered),
			mkMsg("3", "a", "self", "middle", t0.Add(time.Minute), StatusDelivered),
		}
		convs := BuildConversations(msgs, "self")
		if len(convs) != 1 {
			t.Fatalf("expected 1 conversation, got %d", len(convs))
		}
		if convs[0].LastMessage != "new" {
			t.Fatalf("expected last message 'new', got %q", convs[0].LastMessage)
		}
		if !convs[0].LastMessageAt.Equal(t0.Add(time.Hour)) {
			t.Fatalf("unexpected last message time: %v", convs[0].LastMessageAt)
		}
	})

	t.Run("skips messages not involving self", func(t *testing.T) {
		msgs := []Message{
			mkMsg("1", "a", "b", "foreign", t0, StatusDelivered),
		}
		if convs := BuildConversations(msgs, "self"); len(convs) != 0 {
			t.Fatalf("expected no conversations, got %d", len(convs))
		}
	})

	t.Run("skips missing counterpart id", func(t *testing.T) {
		msgs := []Message{
			{ID: "1", SenderID: "self", Body: "dangling", CreatedAt: t0},
		}
		if convs := BuildConversations(msgs, "self"); len(convs) != 0 {
			t.Fatalf("expected no conversations, got %d", len(convs))
		}
	})

	t.Run("counterpart snapshot from the right side", func(t *testing.T) {
		in := mkMsg("1", "a", "self", "in", t0, StatusDelivered)
		in.Sender = &Participant{ID: "a", Username: "alice"}
		out := mkMsg("2", "self", "a", "out", t0.Add(time.Minute), StatusDelivered)
		out.Receiver = &Participant{ID: "a", Username: "alice"}

		convs := BuildConversations([]Message{in, out}, "self")
		if convs[0].Counterpart == nil || convs[0].Counterpart.Username != "alice" {
			t.Fatalf("unexpected counterpart: %+v", convs[0].Counterpart)
		}
	})

	t.Run("snapshot backfilled from older message", func(t *testing.T) {
		in := mkMsg("1", "a", "self", "in", t0, StatusDelivered)
		in.Sender = &Participant{ID: "a", Username: "alice"}
		newer := mkMsg("2", "self", "a", "out", t0.Add(time.Minute), StatusDelivered)

		convs := BuildConversations([]Message{newer, in}, "self")
		if convs[0].LastMessage != "out" {
			t.Fatalf("expected representative 'out', got %q", convs[0].LastMessage)
		}
		if convs[0].Counterpart == nil || convs[0].Counterpart.Username != "alice" {
			t.Fatalf("expected backfilled snapshot, got %+v", convs[0].Counterpart)
		}
	})

	t.Run("deterministic order on equal timestamps", func(t *testing.T) {
		msgs := []Message{
			mkMsg("1", "b", "self", "x", t0, StatusDelivered),
			mkMsg("2", "a", "self", "y", t0, StatusDelivered),
		}
		convs := BuildConversations(msgs, "self")
		if convs[0].CounterpartID != "a" || convs[1].CounterpartID != "b" {
			t.Fatalf("expected [a b], got [%s %s]", convs[0].CounterpartID, convs[1].CounterpartID)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		if convs := BuildConversations(nil, "self"); len(convs) != 0 {
			t.Fatalf("expected empty, got %d", len(convs))
		}
	})
}

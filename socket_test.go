package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func wsURL(srv *httptest.Server) string {
	return strings.Replace(srv.URL, "http://", "ws://", 1)
}

// wsServer runs handler for every accepted connection.
func wsServer(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		handler(r.Context(), conn)
	}))
}

func readJoin(ctx context.Context, conn *websocket.Conn) (joinFrame, error) {
	var jf joinFrame
	_, data, err := conn.Read(ctx)
	if err != nil {
		return jf, err
	}
	return jf, json.Unmarshal(data, &jf)
}

func TestSocketConnect(t *testing.T) {
	t.Run("join handshake sent first", func(t *testing.T) {
		joins := make(chan joinFrame, 1)
		srv := wsServer(t, func(ctx context.Context, conn *websocket.Conn) {
			jf, err := readJoin(ctx, conn)
			if err != nil {
				return
			}
			joins <- jf
			conn.Read(ctx) // hold the connection open
		})
		defer srv.Close()

		client := NewSocketClient(&SocketConfig{URL: wsURL(srv), UserID: "u1", Username: "alice"})
		defer client.Close()
		if err := client.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		if client.State() != ConnOpen {
			t.Fatalf("expected open, got %s", client.State())
		}

		select {
		case jf := <-joins:
			if jf.Type != "join" || jf.UserID != "u1" || jf.Username != "alice" || jf.Action != "join_room" {
				t.Fatalf("unexpected join frame: %+v", jf)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("join frame not received")
		}
	})

	t.Run("connect is idempotent while open", func(t *testing.T) {
		joinCount := int32(0)
		srv := wsServer(t, func(ctx context.Context, conn *websocket.Conn) {
			if _, err := readJoin(ctx, conn); err != nil {
				return
			}
			atomic.AddInt32(&joinCount, 1)
			conn.Read(ctx)
		})
		defer srv.Close()

		client := NewSocketClient(&SocketConfig{URL: wsURL(srv), UserID: "u1"})
		defer client.Close()
		client.Connect(context.Background())
		client.Connect(context.Background())

		time.Sleep(100 * time.Millisecond)
		if n := atomic.LoadInt32(&joinCount); n != 1 {
			t.Fatalf("expected 1 join, got %d", n)
		}
	})

	t.Run("dial failure reports closed", func(t *testing.T) {
		client := NewSocketClient(&SocketConfig{URL: "ws://127.0.0.1:1/nowhere", UserID: "u1"})
		if err := client.Connect(context.Background()); err == nil {
			t.Fatal("expected error")
		}
		if client.State() != ConnClosed {
			t.Fatalf("expected closed, got %s", client.State())
		}
	})

	t.Run("open handlers fire on connect", func(t *testing.T) {
		srv := wsServer(t, func(ctx context.Context, conn *websocket.Conn) {
			readJoin(ctx, conn)
			conn.Read(ctx)
		})
		defer srv.Close()

		client := NewSocketClient(&SocketConfig{URL: wsURL(srv), UserID: "u1"})
		defer client.Close()
		opened := make(chan struct{}, 1)
		client.OnOpen("test", func() { opened <- struct{}{} })
		client.Connect(context.Background())

		select {
		case <-opened:
		case <-time.After(2 * time.Second):
			t.Fatal("open handler not invoked")
		}
	})
}

func TestSocketSend(t *testing.T) {
	t.Run("before connect returns ErrNotConnected", func(t *testing.T) {
		client := NewSocketClient(&SocketConfig{URL: "ws://127.0.0.1:1/nowhere", UserID: "u1"})
		err := client.Send(context.Background(), map[string]string{"message": "hi"})
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("after close returns ErrNotConnected", func(t *testing.T) {
		srv := wsServer(t, func(ctx context.Context, conn *websocket.Conn) {
			readJoin(ctx, conn)
			conn.Read(ctx)
		})
		defer srv.Close()

		client := NewSocketClient(&SocketConfig{URL: wsURL(srv), UserID: "u1"})
		client.Connect(context.Background())
		client.Close()

		err := client.Send(context.Background(), map[string]string{"message": "hi"})
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("payload reaches the server", func(t *testing.T) {
		payloads := make(chan []byte, 1)
		srv := wsServer(t, func(ctx context.Context, conn *websocket.Conn) {
			if _, err := readJoin(ctx, conn); err != nil {
				return
			}
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			payloads <- data
			conn.Read(ctx)
		})
		defer srv.Close()

		client := NewSocketClient(&SocketConfig{URL: wsURL(srv), UserID: "u1"})
		defer client.Close()
		client.Connect(context.Background())

		if err := client.Send(context.Background(), map[string]string{"message": "hi"}); err != nil {
			t.Fatalf("send: %v", err)
		}
		select {
		case data := <-payloads:
			var m map[string]string
			if err := json.Unmarshal(data, &m); err != nil || m["message"] != "hi" {
				t.Fatalf("unexpected payload %s (%v)", data, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("payload not received")
		}
	})
}

func TestSocketDispatch(t *testing.T) {
	t.Run("inbound frames reach the handler", func(t *testing.T) {
		srv := wsServer(t, func(ctx context.Context, conn *websocket.Conn) {
			if _, err := readJoin(ctx, conn); err != nil {
				return
			}
			conn.Write(ctx, websocket.MessageText, []byte(`{"message":"hello"}`))
			conn.Read(ctx)
		})
		defer srv.Close()

		client := NewSocketClient(&SocketConfig{URL: wsURL(srv), UserID: "u1"})
		defer client.Close()
		frames := make(chan []byte, 1)
		client.OnFrame("test", func(data []byte) { frames <- data })
		client.Connect(context.Background())

		select {
		case data := <-frames:
			if !strings.Contains(string(data), "hello") {
				t.Fatalf("unexpected frame: %s", data)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("frame not delivered")
		}
	})

	t.Run("re-registering a key replaces the handler", func(t *testing.T) {
		srv := wsServer(t, func(ctx context.Context, conn *websocket.Conn) {
			if _, err := readJoin(ctx, conn); err != nil {
				return
			}
			conn.Write(ctx, websocket.MessageText, []byte(`{"message":"once"}`))
			conn.Read(ctx)
		})
		defer srv.Close()

		client := NewSocketClient(&SocketConfig{URL: wsURL(srv), UserID: "u1"})
		defer client.Close()
		var first, second int32
		client.OnFrame("test", func([]byte) { atomic.AddInt32(&first, 1) })
		client.OnFrame("test", func([]byte) { atomic.AddInt32(&second, 1) })
		client.Connect(context.Background())

		time.Sleep(200 * time.Millisecond)
		if atomic.LoadInt32(&first) != 0 {
			t.Fatal("replaced handler still invoked")
		}
		if atomic.LoadInt32(&second) != 1 {
			t.Fatalf("expected 1 delivery, got %d", atomic.LoadInt32(&second))
		}
	})
}

func TestSocketClose(t *testing.T) {
	srv := wsServer(t, func(ctx context.Context, conn *websocket.Conn) {
		readJoin(ctx, conn)
		conn.Read(ctx)
	})
	defer srv.Close()

	client := NewSocketClient(&SocketConfig{URL: wsURL(srv), UserID: "u1"})
	closed := make(chan error, 1)
	client.OnClose("test", func(err error) { closed <- err })
	client.Connect(context.Background())

	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if client.State() != ConnClosed {
		t.Fatalf("expected closed, got %s", client.State())
	}
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("intentional close should report nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close handler not invoked")
	}
}

// Server drops the first connection; the client must back off, redial,
// and re-run the join handshake on its own.
func TestSocketReconnect(t *testing.T) {
	var connNum int32
	joins := make(chan joinFrame, 2)
	srv := wsServer(t, func(ctx context.Context, conn *websocket.Conn) {
		n := atomic.AddInt32(&connNum, 1)
		jf, err := readJoin(ctx, conn)
		if err != nil {
			return
		}
		joins <- jf
		if n == 1 {
			conn.Close(websocket.StatusGoingAway, "kicked")
			return
		}
		conn.Read(ctx)
	})
	defer srv.Close()

	client := NewSocketClient(&SocketConfig{
		URL:                wsURL(srv),
		UserID:             "u1",
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	})
	defer client.Close()

	dropped := make(chan error, 1)
	client.OnClose("test", func(err error) { dropped <- err })
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case <-joins:
	case <-time.After(2 * time.Second):
		t.Fatal("first join not received")
	}
	select {
	case err := <-dropped:
		if err == nil {
			t.Fatal("unexpected close should carry an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("drop not reported")
	}
	select {
	case jf := <-joins:
		if jf.UserID != "u1" {
			t.Fatalf("unexpected re-join frame: %+v", jf)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("re-join not received after reconnect")
	}

	deadline := time.Now().Add(2 * time.Second)
	for client.State() != ConnOpen {
		if time.Now().After(deadline) {
			t.Fatalf("expected open after reconnect, got %s", client.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Server kicks every connection; with a single reconnect attempt allowed
// the client must settle at closed and report the terminal failure to its
// close handlers instead of going silent.
func TestSocketReconnectGiveUp(t *testing.T) {
	srv := wsServer(t, func(ctx context.Context, conn *websocket.Conn) {
		readJoin(ctx, conn)
		conn.Close(websocket.StatusGoingAway, "kicked")
	})
	defer srv.Close()

	client := NewSocketClient(&SocketConfig{
		URL:                  wsURL(srv),
		UserID:               "u1",
		AutoReconnect:        true,
		MaxReconnectAttempts: 1,
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    20 * time.Millisecond,
	})
	defer client.Close()

	closeErrs := make(chan error, 8)
	client.OnClose("test", func(err error) { closeErrs <- err })
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-closeErrs:
			if errors.Is(err, ErrReconnectFailed) {
				if client.State() != ConnClosed {
					t.Fatalf("expected closed after give-up, got %s", client.State())
				}
				return
			}
			if err == nil {
				t.Fatal("unexpected nil close before give-up")
			}
		case <-deadline:
			t.Fatal("give-up never reported")
		}
	}
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&SocketConfig{
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    10 * time.Second,
		MaxReconnectAttempts: 3,
	})

	d1 := r.nextDelay()
	d2 := r.nextDelay()
	d3 := r.nextDelay()
	if d1 < time.Second || d2 < 2*time.Second || d3 < 4*time.Second {
		t.Fatalf("delays not exponential: %v %v %v", d1, d2, d3)
	}
	for _, d := range []time.Duration{d1, d2, d3} {
		if d > 10*time.Second {
			t.Fatalf("delay %v exceeds max", d)
		}
	}
	if r.shouldReconnect() {
		t.Fatal("attempts exhausted, should not reconnect")
	}
}

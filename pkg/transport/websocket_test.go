package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veilmesh/veilmesh/pkg/protocol"
)

// newTestServer starts an httptest server that upgrades every request to a
// websocket and hands the server-side connection to handle.
func newTestServer(t *testing.T, handle func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("server upgrade failed: %v", err)
			return
		}
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialRoundTripsControlFrame(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.DecodeControlFrame(data)
		if err != nil {
			t.Errorf("server failed to decode control frame: %v", err)
			return
		}
		if _, ok := frame.(*protocol.ClaimFreeTestnetBandwidth); !ok {
			t.Errorf("server got %T, want *ClaimFreeTestnetBandwidth", frame)
		}
		reply, err := protocol.EncodeControlFrame(&protocol.Bandwidth{AvailableTotal: 42})
		if err != nil {
			t.Errorf("server failed to encode reply: %v", err)
			return
		}
		conn.WriteMessage(websocket.TextMessage, reply)
	})

	d := NewDialer(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx, wsURL(t, srv))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if err := conn.Send(&protocol.ClaimFreeTestnetBandwidth{}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case frame := <-conn.Frames():
		bw, ok := frame.(*protocol.Bandwidth)
		if !ok {
			t.Fatalf("got %T, want *Bandwidth", frame)
		}
		if bw.AvailableTotal != 42 {
			t.Errorf("AvailableTotal = %d, want 42", bw.AvailableTotal)
		}
	case err := <-conn.Errors():
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply frame")
	}
}

func TestWriteBinaryAndReadMessageDeliverBinaryFrame(t *testing.T) {
	payload := []byte("wrapped-sphinx-packet")
	received := make(chan []byte, 1)

	srv := newTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- data
		conn.WriteMessage(websocket.BinaryMessage, payload)
	})

	d := NewDialer(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx, wsURL(t, srv))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteBinary(ctx, payload); err != nil {
		t.Fatalf("WriteBinary() error = %v", err)
	}

	select {
	case got := <-received:
		if string(got) != string(payload) {
			t.Errorf("server received %q, want %q", got, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive binary frame")
	}

	msg, err := conn.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if string(msg.Binary) != string(payload) {
		t.Errorf("ReadMessage() binary = %q, want %q", msg.Binary, payload)
	}
}

func TestDialRejectsWSWhenForceTLS(t *testing.T) {
	d := NewDialer(Options{ForceTLS: true})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := d.Dial(ctx, "ws://example.invalid/gateway")
	if err == nil {
		t.Fatal("expected Dial to reject ws:// when ForceTLS is set")
	}
}

func TestDialRejectsUnsupportedScheme(t *testing.T) {
	d := NewDialer(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := d.Dial(ctx, "http://example.invalid/gateway")
	if err == nil {
		t.Fatal("expected Dial to reject non-websocket scheme")
	}
}

func TestReadMessageReturnsOnClose(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		conn.Close()
	})

	d := NewDialer(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx, wsURL(t, srv))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if _, err := conn.ReadMessage(ctx); err == nil {
		t.Fatal("expected ReadMessage to return an error once the peer closed")
	}
}

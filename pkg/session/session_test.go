package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/veilmesh/veilmesh/pkg/crypto/symmetric"
	"github.com/veilmesh/veilmesh/pkg/protocol"
)

// fakeTransport is an in-memory Transport: writes land in a slice the test
// can inspect, and a queue of pre-scripted inbound messages feeds ReadMessage.
type fakeTransport struct {
	mu      sync.Mutex
	written [][]byte

	inbound chan Message
	closed  chan struct{}
	closeErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan Message, 16),
		closed:  make(chan struct{}),
	}
}

func (t *fakeTransport) WriteBinary(_ context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written = append(t.written, frame)
	return nil
}

func (t *fakeTransport) WriteControl(_ context.Context, _ protocol.ControlFrame) error {
	return nil
}

func (t *fakeTransport) ReadMessage(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-t.inbound:
		if !ok {
			return Message{}, errors.New("transport closed")
		}
		return msg, nil
	case <-t.closed:
		return Message{}, errors.New("transport closed")
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (t *fakeTransport) Close() error {
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
	return t.closeErr
}

func (t *fakeTransport) writtenFrames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.written))
	copy(out, t.written)
	return out
}

func testSharedKeys(t *testing.T) symmetric.SharedKeys {
	t.Helper()
	material := make([]byte, 2*symmetric.KeySize)
	for i := range material {
		material[i] = byte(3*i + 7)
	}
	sk, err := symmetric.NewSharedKeys(material)
	if err != nil {
		t.Fatalf("NewSharedKeys() error = %v", err)
	}
	return sk
}

func TestSubmitWritesWrappedSphinxPacket(t *testing.T) {
	sharedKeys := testSharedKeys(t)
	transport := newFakeTransport()
	s := New(transport, sharedKeys, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	packet := make([]byte, protocol.RegularPacketSize)
	for i := range packet {
		packet[i] = byte(i)
	}

	if err := s.Submit(ctx, packet); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	frames := transport.writtenFrames()
	if len(frames) != 1 {
		t.Fatalf("got %d written frames, want 1", len(frames))
	}

	decrypted, err := sharedKeys.DecryptTagged(symmetric.ZeroIV(), frames[0])
	if err != nil {
		t.Fatalf("DecryptTagged() error = %v", err)
	}
	if len(decrypted) != len(packet) {
		t.Fatalf("decrypted length = %d, want %d", len(decrypted), len(packet))
	}

	cancel()
	<-runErr
}

func TestInboundDeliversValidMixMessage(t *testing.T) {
	sharedKeys := testSharedKeys(t)
	transport := newFakeTransport()
	s := New(transport, sharedKeys, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	plaintext := make([]byte, protocol.AckPacketSize)
	wire, err := sharedKeys.EncryptAndTag(symmetric.ZeroIV(), plaintext)
	if err != nil {
		t.Fatalf("EncryptAndTag() error = %v", err)
	}
	transport.inbound <- Message{Binary: wire}

	select {
	case got := <-s.Inbound():
		if len(got) != len(plaintext) {
			t.Errorf("delivered length = %d, want %d", len(got), len(plaintext))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound delivery")
	}

	cancel()
	<-runErr
}

func TestInboundDropsTamperedFrame(t *testing.T) {
	sharedKeys := testSharedKeys(t)
	transport := newFakeTransport()
	s := New(transport, sharedKeys, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	plaintext := make([]byte, protocol.AckPacketSize)
	wire, _ := sharedKeys.EncryptAndTag(symmetric.ZeroIV(), plaintext)
	wire[0] ^= 0xFF // corrupt the MAC
	transport.inbound <- Message{Binary: wire}

	select {
	case <-s.Inbound():
		t.Fatal("tampered frame was delivered to the application")
	case err := <-s.Errors():
		if !errors.Is(err, protocol.ErrInvalidMac) {
			t.Errorf("Errors() = %v, want ErrInvalidMac", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for drop to surface")
	}

	cancel()
	<-runErr
}

func TestHandleControlUpdatesBandwidth(t *testing.T) {
	sharedKeys := testSharedKeys(t)
	transport := newFakeTransport()
	s := New(transport, sharedKeys, Options{InitialBandwidth: 1000})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	transport.inbound <- Message{Control: &protocol.Send{RemainingBandwidth: 400}}
	waitForBandwidth(t, s, 400)

	transport.inbound <- Message{Control: &protocol.Bandwidth{AvailableTotal: 9000}}
	waitForBandwidth(t, s, 9000)

	cancel()
	<-runErr
}

func waitForBandwidth(t *testing.T, s *Session, want int64) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if s.BandwidthRemaining() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("BandwidthRemaining() = %d, want %d", s.BandwidthRemaining(), want)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSubmitFailsAfterCancellation(t *testing.T) {
	sharedKeys := testSharedKeys(t)
	transport := newFakeTransport()
	s := New(transport, sharedKeys, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	cancel()
	<-runErr

	if err := s.Submit(context.Background(), make([]byte, protocol.AckPacketSize)); err == nil {
		t.Fatal("expected Submit to fail once the session has stopped")
	}
}

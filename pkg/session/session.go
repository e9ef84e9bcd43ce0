// Package session runs the post-authentication duplex pipeline: an
// outbound flow that wraps application-submitted sphinx packets as binary
// frames and writes them to the transport, and an inbound flow that reads
// frames off the transport, demultiplexes control frames, and delivers
// decrypted mix messages to the application. Both flows share nothing but
// the session's shared keys (read-only) and its bandwidth counter
// (single-writer, inbound only).
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/veilmesh/veilmesh/pkg/crypto/symmetric"
	"github.com/veilmesh/veilmesh/pkg/protocol"
)

// Message is one unit read off the transport: either a decoded control
// frame or a raw binary frame, never both.
type Message struct {
	Control protocol.ControlFrame
	Binary  []byte
}

// Transport is the duplex byte channel a Session drives. Implementations
// own the underlying connection (e.g. a websocket) and translate between
// its wire messages and Message/ControlFrame values.
type Transport interface {
	WriteBinary(ctx context.Context, frame []byte) error
	WriteControl(ctx context.Context, frame protocol.ControlFrame) error
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

// outboundRequest pairs a submitted sphinx packet with a channel the
// submitter waits on for the write's outcome.
type outboundRequest struct {
	packet []byte
	result chan error
}

// Session owns the transport and runs the outbound/inbound pipeline
// described in package doc. Construct with New, start with Run, and signal
// shutdown by canceling the context passed to Run or by calling Close.
type Session struct {
	transport  Transport
	sharedKeys symmetric.SharedKeys

	outbound chan outboundRequest
	inbound  chan []byte
	errs     chan error

	bandwidth int64 // atomic

	closeOnce sync.Once
	closed    chan struct{}
}

// Options configures a Session.
type Options struct {
	// OutboundQueueCapacity bounds how many submitted packets may be
	// queued awaiting a transport write. Zero uses
	// protocol.DefaultOutboundQueueCapacity.
	OutboundQueueCapacity int
	// InitialBandwidth seeds the local bandwidth counter, typically the
	// value reported by a preceding Authenticate or handshake exchange.
	InitialBandwidth int64
}

// New constructs a Session bound to transport and sharedKeys. Call Run to
// start its pipeline goroutines.
func New(transport Transport, sharedKeys symmetric.SharedKeys, opts Options) *Session {
	capacity := opts.OutboundQueueCapacity
	if capacity == 0 {
		capacity = protocol.DefaultOutboundQueueCapacity
	}

	return &Session{
		transport:  transport,
		sharedKeys: sharedKeys,
		outbound:   make(chan outboundRequest, capacity),
		inbound:    make(chan []byte, capacity),
		errs:       make(chan error, capacity),
		bandwidth:  opts.InitialBandwidth,
		closed:     make(chan struct{}),
	}
}

// Run starts the outbound and inbound loops and blocks until ctx is
// canceled or a fatal transport error occurs, then tears the session down.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var inboundErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		s.outboundLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		inboundErr = s.inboundLoop(ctx)
	}()

	wg.Wait()
	s.closeTransport()
	return inboundErr
}

// Submit enqueues a sphinx packet for outbound delivery, blocking until it
// is accepted by the outbound queue, written to the transport, ctx is
// canceled, or the session closes.
func (s *Session) Submit(ctx context.Context, packet []byte) error {
	req := outboundRequest{packet: packet, result: make(chan error, 1)}

	select {
	case s.outbound <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return protocol.ErrSessionClosed
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return protocol.ErrSessionClosed
	}
}

// Inbound returns the channel of decrypted mix-message plaintexts.
func (s *Session) Inbound() <-chan []byte { return s.inbound }

// Errors returns the channel of non-terminal Error frames surfaced by the
// gateway.
func (s *Session) Errors() <-chan error { return s.errs }

// BandwidthRemaining returns the most recently observed balance.
func (s *Session) BandwidthRemaining() int64 {
	return atomic.LoadInt64(&s.bandwidth)
}

// Close cancels the session and closes the transport exactly once. Run's
// caller should still cancel its context; Close exists for callers that do
// not own that context (e.g. an external watchdog).
func (s *Session) Close() error {
	return s.closeTransport()
}

func (s *Session) closeTransport() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.transport.Close()
	})
	return err
}

func (s *Session) outboundLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.drainOutbound()
			return
		case <-s.closed:
			s.drainOutbound()
			return
		case req := <-s.outbound:
			wire, err := s.wrapSphinxPacket(req.packet)
			if err == nil {
				writeCtx, cancel := context.WithTimeout(ctx, protocol.OutboundWriteTimeout)
				err = s.transport.WriteBinary(writeCtx, wire)
				cancel()
			}
			req.result <- err
		}
	}
}

// wrapSphinxPacket encrypts plaintext with the zero IV, the only IV
// permitted for sphinx-packet binary frames (spec.md §4.1), and tags it.
func (s *Session) wrapSphinxPacket(plaintext []byte) ([]byte, error) {
	return s.sharedKeys.EncryptAndTag(symmetric.ZeroIV(), plaintext)
}

func (s *Session) drainOutbound() {
	for {
		select {
		case req := <-s.outbound:
			req.result <- protocol.ErrSessionClosed
		default:
			return
		}
	}
}

func (s *Session) inboundLoop(ctx context.Context) error {
	for {
		msg, err := s.transport.ReadMessage(ctx)
		if err != nil {
			return err
		}

		if msg.Control != nil {
			s.handleControl(ctx, msg.Control)
			continue
		}

		plaintext, err := s.sharedKeys.DecryptTagged(symmetric.ZeroIV(), msg.Binary)
		if err != nil {
			s.reportDropped(ctx, err)
			continue
		}
		if err := protocol.ValidateSphinxSize(len(plaintext)); err != nil {
			s.reportDropped(ctx, err)
			continue
		}

		select {
		case s.inbound <- plaintext:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) handleControl(ctx context.Context, frame protocol.ControlFrame) {
	switch f := frame.(type) {
	case *protocol.Send:
		atomic.StoreInt64(&s.bandwidth, f.RemainingBandwidth)
	case *protocol.Bandwidth:
		// Monotonic, not a replace: a stale Bandwidth frame reordered behind
		// a newer Send update must not roll the counter back.
		if f.AvailableTotal > atomic.LoadInt64(&s.bandwidth) {
			atomic.StoreInt64(&s.bandwidth, f.AvailableTotal)
		}
	case *protocol.Error:
		select {
		case s.errs <- fmt.Errorf("session: %s", f.Message):
		case <-ctx.Done():
		default:
			// Error queue full; the gateway is producing errors faster
			// than the application drains them. Drop rather than block
			// the inbound loop.
		}
	}
}

func (s *Session) reportDropped(ctx context.Context, cause error) {
	select {
	case s.errs <- cause:
	case <-ctx.Done():
	default:
	}
}

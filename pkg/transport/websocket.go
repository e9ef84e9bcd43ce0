// Package transport dials the gateway's websocket listener and exposes its
// duplex byte stream as both a control-frame channel (for the handshake,
// authenticator, and credential modules) and a session.Transport (for the
// steady-state duplex pipeline). Exactly one of those two consumption
// styles is in use at a time, matching the protocol's own phase ordering:
// handshake/auth/credential complete before the session pipeline starts.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veilmesh/veilmesh/pkg/protocol"
	"github.com/veilmesh/veilmesh/pkg/session"
)

const handshakeTimeout = 10 * time.Second

// Options configures a Dialer.
type Options struct {
	// ForceTLS rejects ws:// listeners even if the descriptor offers one,
	// requiring wss://.
	ForceTLS bool
	// InsecureSkipVerify disables TLS certificate verification. Only ever
	// set from an explicit developer/test flag, never by default.
	InsecureSkipVerify bool
}

// Dialer dials gateway websocket listeners.
type Dialer struct {
	opts Options
}

// NewDialer constructs a Dialer.
func NewDialer(opts Options) *Dialer {
	return &Dialer{opts: opts}
}

// Dial connects to listenerURL (ws:// or wss://) and returns a live Conn.
func (d *Dialer) Dial(ctx context.Context, listenerURL string) (*Conn, error) {
	u, err := url.Parse(listenerURL)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid listener url: %w", err)
	}

	switch u.Scheme {
	case "ws":
		if d.opts.ForceTLS {
			return nil, fmt.Errorf("transport: force_tls requires a wss:// listener, got %q", listenerURL)
		}
	case "wss":
	default:
		return nil, fmt.Errorf("transport: unsupported listener scheme %q", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: d.opts.InsecureSkipVerify,
		}
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial failed: %w", err)
	}

	return newConn(conn), nil
}

// Conn wraps a live websocket connection, demultiplexing incoming text
// frames (control) from binary frames and fanning both out to consumers.
type Conn struct {
	ws *websocket.Conn

	frames  chan protocol.ControlFrame
	binary  chan []byte
	errs    chan error

	closeOnce sync.Once
	writeMu   sync.Mutex
}

func newConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:     ws,
		frames: make(chan protocol.ControlFrame, 32),
		binary: make(chan []byte, 128),
		errs:   make(chan error, 32),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.errs <- fmt.Errorf("transport: read error: %w", err)
			close(c.frames)
			close(c.binary)
			return
		}

		switch messageType {
		case websocket.TextMessage:
			frame, err := protocol.DecodeControlFrame(data)
			if err != nil {
				c.errs <- err
				continue
			}
			c.frames <- frame
		case websocket.BinaryMessage:
			c.binary <- data
		default:
			c.errs <- fmt.Errorf("transport: unexpected websocket message type %d", messageType)
		}
	}
}

// Send encodes and writes a control frame as a websocket text message.
// Satisfies the handshake/gatewayauth/credential ControlChannel interfaces.
func (c *Conn) Send(frame protocol.ControlFrame) error {
	data, err := protocol.EncodeControlFrame(frame)
	if err != nil {
		return fmt.Errorf("transport: failed to encode control frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("transport: failed to write control frame: %w", err)
	}
	return nil
}

// Frames returns the channel of decoded inbound control frames.
func (c *Conn) Frames() <-chan protocol.ControlFrame { return c.frames }

// Errors returns the channel of read/decode errors.
func (c *Conn) Errors() <-chan error { return c.errs }

// WriteBinary writes a pre-wrapped binary frame, honoring ctx's deadline.
func (c *Conn) WriteBinary(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(protocol.OutboundWriteTimeout)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("transport: failed to set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("transport: failed to write binary frame: %w", err)
	}
	return nil
}

// WriteControl implements session.Transport by delegating to Send.
func (c *Conn) WriteControl(_ context.Context, frame protocol.ControlFrame) error {
	return c.Send(frame)
}

// ReadMessage returns the next inbound control or binary message, blocking
// until one arrives, ctx is canceled, or the connection closes.
func (c *Conn) ReadMessage(ctx context.Context) (session.Message, error) {
	select {
	case <-ctx.Done():
		return session.Message{}, ctx.Err()
	case frame, ok := <-c.frames:
		if !ok {
			return session.Message{}, fmt.Errorf("transport: %w", protocol.ErrSessionClosed)
		}
		return session.Message{Control: frame}, nil
	case data, ok := <-c.binary:
		if !ok {
			return session.Message{}, fmt.Errorf("transport: %w", protocol.ErrSessionClosed)
		}
		return session.Message{Binary: data}, nil
	}
}

// Close closes the underlying websocket connection exactly once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.ws.Close() })
	return err
}

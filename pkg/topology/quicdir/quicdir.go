// Package quicdir fetches a gateway candidate list from a directory service
// over QUIC: dial, open a single bidirectional stream, read a
// newline-delimited JSON candidate listing, done. This is the one place the
// core reaches for github.com/quic-go/quic-go directly; everywhere else
// depends only on the topology.Provider interface.
package quicdir

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	"github.com/quic-go/quic-go"

	"github.com/veilmesh/veilmesh/pkg/keys"
	"github.com/veilmesh/veilmesh/pkg/topology"
)

// maxCandidateLine bounds a single directory line; the listing is small and
// trusted only as far as TLS trusts the directory service itself.
const maxCandidateLine = 64 * 1024

// wireCandidate is the newline-delimited JSON record the directory service
// emits per gateway.
type wireCandidate struct {
	Address     string `json:"address"`
	PublicKey   string `json:"publicKey"`
	ListenerURL string `json:"listenerUrl"`
	SupportsTLS bool   `json:"supportsTls"`
}

// Client dials a directory service over QUIC and decodes its candidate
// listing into topology.GatewayCandidate values.
type Client struct {
	addr       string
	tlsConfig  *tls.Config
	quicConfig *quic.Config
}

// Config configures a Client.
type Config struct {
	// Addr is the directory service's UDP address, host:port.
	Addr string
	// TLSConfig is used for the QUIC handshake. A directory service is a
	// public endpoint; callers are expected to supply real certificate
	// verification, not InsecureSkipVerify.
	TLSConfig *tls.Config
	// HandshakeIdleTimeout bounds the QUIC handshake. Zero uses a 10s default.
	HandshakeIdleTimeout time.Duration
}

// NewClient constructs a Client from cfg.
func NewClient(cfg Config) *Client {
	timeout := cfg.HandshakeIdleTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		addr:      cfg.Addr,
		tlsConfig: cfg.TLSConfig,
		quicConfig: &quic.Config{
			MaxIncomingStreams:    0,
			MaxIncomingUniStreams: 0,
			HandshakeIdleTimeout:  timeout,
			KeepAlivePeriod:       0,
		},
	}
}

// Fetch dials the directory service, opens a stream, and decodes every
// candidate line until the stream is closed by the peer.
func (c *Client) Fetch(ctx context.Context) ([]topology.GatewayCandidate, error) {
	conn, err := quic.DialAddr(ctx, c.addr, c.tlsConfig, c.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("quicdir: failed to dial directory %s: %w", c.addr, err)
	}
	defer conn.CloseWithError(0, "fetch complete")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("quicdir: failed to open directory stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Close(); err != nil {
		// Half-closing our write side signals the directory service that
		// the request is complete and it should stream its reply.
		return nil, fmt.Errorf("quicdir: failed to half-close stream: %w", err)
	}

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 4096), maxCandidateLine)

	var out []topology.GatewayCandidate
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var wc wireCandidate
		if err := json.Unmarshal(line, &wc); err != nil {
			return nil, fmt.Errorf("quicdir: malformed candidate line: %w", err)
		}
		addr, err := keys.ParseIdentityAddress(wc.Address)
		if err != nil {
			return nil, fmt.Errorf("quicdir: invalid candidate address: %w", err)
		}
		rawPub, err := base58.Decode(wc.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("quicdir: invalid candidate public key encoding: %w", err)
		}
		pub, err := keys.UnmarshalPublicKey(rawPub)
		if err != nil {
			return nil, fmt.Errorf("quicdir: invalid candidate public key: %w", err)
		}
		out = append(out, topology.GatewayCandidate{
			Address:     addr,
			PublicKey:   pub,
			ListenerURL: wc.ListenerURL,
			SupportsTLS: wc.SupportsTLS,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("quicdir: failed reading directory stream: %w", err)
	}

	return out, nil
}

// Provider adapts a Client to the topology.Provider interface.
type Provider struct {
	client *Client
}

// NewProvider wraps client as a topology.Provider.
func NewProvider(client *Client) *Provider {
	return &Provider{client: client}
}

// Gateways fetches the current candidate listing from the directory service.
func (p *Provider) Gateways(ctx context.Context) ([]topology.GatewayCandidate, error) {
	return p.client.Fetch(ctx)
}

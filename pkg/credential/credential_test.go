package credential

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/veilmesh/veilmesh/pkg/crypto/symmetric"
	"github.com/veilmesh/veilmesh/pkg/protocol"
)

type fakeChannel struct {
	frames  chan protocol.ControlFrame
	errs    chan error
	handler func(protocol.ControlFrame) (protocol.ControlFrame, error)
}

func newFakeChannel(handler func(protocol.ControlFrame) (protocol.ControlFrame, error)) *fakeChannel {
	return &fakeChannel{
		frames:  make(chan protocol.ControlFrame, 2),
		errs:    make(chan error, 2),
		handler: handler,
	}
}

func (c *fakeChannel) Send(frame protocol.ControlFrame) error {
	reply, err := c.handler(frame)
	if err != nil {
		c.errs <- err
		return nil
	}
	if reply != nil {
		c.frames <- reply
	}
	return nil
}

func (c *fakeChannel) Frames() <-chan protocol.ControlFrame { return c.frames }
func (c *fakeChannel) Errors() <-chan error                 { return c.errs }

func testSharedKeys(t *testing.T) symmetric.SharedKeys {
	t.Helper()
	material := make([]byte, 2*symmetric.KeySize)
	for i := range material {
		material[i] = byte(2*i + 1)
	}
	sk, err := symmetric.NewSharedKeys(material)
	if err != nil {
		t.Fatalf("NewSharedKeys() error = %v", err)
	}
	return sk
}

func TestEncodeDecodeV1RoundTrip(t *testing.T) {
	cred := V1Credential{EmbeddedParams: [][]byte{[]byte("serial-123"), []byte("commitment"), {}}}

	encoded, err := EncodeV1(cred)
	if err != nil {
		t.Fatalf("EncodeV1() error = %v", err)
	}
	decoded, err := DecodeV1(encoded)
	if err != nil {
		t.Fatalf("DecodeV1() error = %v", err)
	}
	if len(decoded.EmbeddedParams) != len(cred.EmbeddedParams) {
		t.Fatalf("got %d params, want %d", len(decoded.EmbeddedParams), len(cred.EmbeddedParams))
	}
	for i := range cred.EmbeddedParams {
		if string(decoded.EmbeddedParams[i]) != string(cred.EmbeddedParams[i]) {
			t.Errorf("param %d = %q, want %q", i, decoded.EmbeddedParams[i], cred.EmbeddedParams[i])
		}
	}
}

func TestEncodeV1RejectsEmptyParams(t *testing.T) {
	_, err := EncodeV1(V1Credential{})
	var structErr *protocol.InvalidNumberOfEmbeddedParameters
	if !errors.As(err, &structErr) {
		t.Fatalf("EncodeV1() error = %v, want *InvalidNumberOfEmbeddedParameters", err)
	}
}

func TestDecodeV1TruncatedYieldsEOF(t *testing.T) {
	_, err := DecodeV1([]byte{0, 0, 0, 1, 0, 0})
	if !errors.Is(err, protocol.ErrCredentialEOF) {
		t.Fatalf("DecodeV1() error = %v, want ErrCredentialEOF", err)
	}
}

func TestEncodeDecodeV2RoundTrip(t *testing.T) {
	cred := V2Credential{
		Credential: V1Credential{EmbeddedParams: [][]byte{[]byte("theta")}},
		RequestID:  "req-1",
	}
	encoded, err := EncodeV2(cred)
	if err != nil {
		t.Fatalf("EncodeV2() error = %v", err)
	}
	decoded, err := DecodeV2(encoded)
	if err != nil {
		t.Fatalf("DecodeV2() error = %v", err)
	}
	if decoded.RequestID != cred.RequestID {
		t.Errorf("RequestID = %q, want %q", decoded.RequestID, cred.RequestID)
	}
	if string(decoded.Credential.EmbeddedParams[0]) != "theta" {
		t.Errorf("embedded param = %q, want %q", decoded.Credential.EmbeddedParams[0], "theta")
	}
}

func TestSubmitV2Succeeds(t *testing.T) {
	sharedKeys := testSharedKeys(t)
	ch := newFakeChannel(func(frame protocol.ControlFrame) (protocol.ControlFrame, error) {
		if _, ok := frame.(*protocol.BandwidthCredentialV2); !ok {
			return nil, errors.New("unexpected frame type")
		}
		return &protocol.Bandwidth{AvailableTotal: 5_000_000}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := SubmitV2(ctx, ch, sharedKeys, V2Credential{
		Credential: V1Credential{EmbeddedParams: [][]byte{[]byte("spend")}},
		RequestID:  "r1",
	})
	if err != nil {
		t.Fatalf("SubmitV2() error = %v", err)
	}
	if result.AvailableTotal != 5_000_000 {
		t.Errorf("AvailableTotal = %d, want 5000000", result.AvailableTotal)
	}
}

func TestSubmitV1ServerRejects(t *testing.T) {
	sharedKeys := testSharedKeys(t)
	ch := newFakeChannel(func(protocol.ControlFrame) (protocol.ControlFrame, error) {
		return &protocol.Error{Message: "unknown credential type"}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := SubmitV1(ctx, ch, sharedKeys, V1Credential{EmbeddedParams: [][]byte{[]byte("x")}})
	if err == nil {
		t.Fatal("expected error when gateway rejects credential")
	}
}

func TestClaimTestnetBandwidthSucceeds(t *testing.T) {
	ch := newFakeChannel(func(frame protocol.ControlFrame) (protocol.ControlFrame, error) {
		if _, ok := frame.(*protocol.ClaimFreeTestnetBandwidth); !ok {
			return nil, errors.New("unexpected frame type")
		}
		return &protocol.Bandwidth{AvailableTotal: 1_000_000}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := ClaimTestnetBandwidth(ctx, ch)
	if err != nil {
		t.Fatalf("ClaimTestnetBandwidth() error = %v", err)
	}
	if result.AvailableTotal != 1_000_000 {
		t.Errorf("AvailableTotal = %d, want 1000000", result.AvailableTotal)
	}
}

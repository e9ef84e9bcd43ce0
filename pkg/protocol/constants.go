package protocol

import "time"

// Protocol version constants. Clients without credentials advertise
// InitialProtocolVersion; clients with credentials enabled advertise
// CurrentProtocolVersion. The server's advertised version is informational
// only — a mismatch degrades to the intersection feature set rather than
// failing the connection.
const (
	InitialProtocolVersion uint8 = 1
	CurrentProtocolVersion uint8 = 2
)

// AdvertisedProtocolVersion returns the version a client should advertise
// given whether it intends to submit credentials this session.
func AdvertisedProtocolVersion(credentialsEnabled bool) uint8 {
	if credentialsEnabled {
		return CurrentProtocolVersion
	}
	return InitialProtocolVersion
}

// PacketSize enumerates the sphinx packet sizes a binary frame's plaintext
// is allowed to decrypt to. Sphinx packet construction itself is out of
// scope here; only the size table is needed to validate inbound frames.
type PacketSize int

const (
	AckPacketSize        PacketSize = 1 + 16 + 32 // flag + surb identifier + minimal payload, ack-sized
	RegularPacketSize    PacketSize = 2 * 1024
	ExtendedPacket8Size  PacketSize = 8 * 1024
	ExtendedPacket16Size PacketSize = 16 * 1024
	ExtendedPacket32Size PacketSize = 32 * 1024
)

// validSphinxSizes is the recognized-size table used by ValidateSphinxSize.
var validSphinxSizes = map[int]bool{
	int(AckPacketSize):        true,
	int(RegularPacketSize):    true,
	int(ExtendedPacket8Size):  true,
	int(ExtendedPacket16Size): true,
	int(ExtendedPacket32Size): true,
}

// ValidateSphinxSize reports whether n matches one of the recognized sphinx
// packet sizes, returning a *RequestOfInvalidSize error when it does not.
func ValidateSphinxSize(n int) error {
	if !validSphinxSizes[n] {
		return &RequestOfInvalidSize{Actual: n}
	}
	return nil
}

// Round-trip timeouts (spec.md §5).
const (
	HandshakeRoundTripTimeout  = 30 * time.Second
	AuthenticateRoundTripTimeout = 10 * time.Second
	CredentialSubmitTimeout    = 30 * time.Second
	OutboundWriteTimeout       = 30 * time.Second
)

// DefaultOutboundQueueCapacity bounds the session pipeline's outbound queue.
// Backpressure kicks in once this many sphinx packets are queued awaiting
// transmission.
const DefaultOutboundQueueCapacity = 128

package channel

import (
	"context"
	"crypto/x509"
	"io"
)

// Transport is the abstract byte-stream connection a Channel is built on
// (spec §9): one full-duplex packet stream plus the ability to open or
// dial an auxiliary payload connection. Transport-specific logic (LAN
// TCP, Bluetooth, a relay) lives entirely behind this interface; Channel
// itself never knows which concrete transport it rides on.
type Transport interface {
	io.Reader
	io.Writer
	Close() error

	// LocalCertificate and PeerCertificate back VerificationKey and the
	// pairing FSM's certificate persistence.
	LocalCertificate() *x509.Certificate
	PeerCertificate() *x509.Certificate

	// Priority orders concurrent channels to the same device; the
	// highest value is "current" (spec §9 open question 2 — encoded
	// explicitly here instead of by transport-name comparison).
	Priority() int

	// OpenPayload opens a transport-specific auxiliary endpoint that
	// accepts exactly one inbound connection. info is embedded verbatim
	// in the outgoing packet's payloadTransferInfo; accept blocks until
	// that single connection arrives.
	OpenPayload(ctx context.Context) (info map[string]any, accept func(context.Context) (io.ReadWriteCloser, error), err error)

	// DialPayload connects to the endpoint described by info, as placed
	// in a received packet's payloadTransferInfo by the peer's OpenPayload.
	DialPayload(ctx context.Context, info map[string]any) (io.ReadWriteCloser, error)
}

// TransportFactory is the transport-agnostic discovery edge (spec §4.3,
// §9): it builds identity announcements and produces Transports as
// connections complete. Concrete factories (a bare TCP listener, a
// websocket relay) implement this and feed channels to a ChannelService.
type TransportFactory interface {
	// Name identifies this factory for logging and identity routing.
	Name() string

	// Priority is the default Transport.Priority() new channels from
	// this factory report, absent a more specific per-connection value.
	Priority() int

	// Identify broadcasts (target == "") or unicasts an identity
	// announcement so the remote end knows to dial back.
	Identify(ctx context.Context, target string) error

	// Start begins accepting/establishing connections, invoking onChannel
	// for each completed Transport. Start returns once the factory is
	// listening; it keeps running until ctx is cancelled.
	Start(ctx context.Context, onChannel func(Transport)) error
}

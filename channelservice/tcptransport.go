package channelservice

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/kdeconnect-go/kdeconnect/channel"
	"github.com/kdeconnect-go/kdeconnect/pkg/klog"
)

// TCPPriority is the default Transport.Priority() the LAN TCP factory
// reports: a direct, high-throughput transport should always win over a
// relay (spec §9 open question 2).
const TCPPriority = 100

// TCPFactory is the bare-TCP-plus-TLS TransportFactory: discovery is a
// UDP broadcast of the identity packet (handled by Identify), and
// channels are plain mutually authenticated TLS connections. This is the
// reference transport for the LAN plugin story KDE Connect itself ships.
type TCPFactory struct {
	log        *klog.Logger
	listenAddr string
	broadcast  string
	tlsConfig  *tls.Config

	mu            sync.Mutex
	identityBytes []byte // raw identity bytes to broadcast; set by SetIdentityPayload per-refresh
	listenerAddr  net.Addr
}

// NewTCPFactory builds a factory listening on listenAddr (host:port) and
// broadcasting identities to broadcastAddr (host:port, typically a
// subnet broadcast address) using cert for both the TLS server identity
// and client authentication.
func NewTCPFactory(listenAddr, broadcastAddr string, cert tls.Certificate, logger *klog.Logger) *TCPFactory {
	if logger == nil {
		logger = klog.NewLogger(klog.LevelSilent, "")
	}
	return &TCPFactory{
		log:        logger,
		listenAddr: listenAddr,
		broadcast:  broadcastAddr,
		tlsConfig: &tls.Config{
			Certificates:       []tls.Certificate{cert},
			ClientAuth:         tls.RequireAnyClientCert,
			InsecureSkipVerify: true, // KDE Connect pairing trust is established out-of-band (§4.5 FSM), not by CA chain
		},
	}
}

func (f *TCPFactory) Name() string  { return "lan-tcp" }
func (f *TCPFactory) Priority() int { return TCPPriority }

// Addr returns the listener's bound address once Start has completed its
// tls.Listen call, or nil beforehand. Mainly useful in tests that bind
// to an ephemeral port and need to dial it back.
func (f *TCPFactory) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listenerAddr
}

// SetIdentityPayload updates the bytes broadcast by Identify;
// ChannelService calls this whenever it rebuilds the identity.
func (f *TCPFactory) SetIdentityPayload(raw []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identityBytes = raw
}

func (f *TCPFactory) Identify(ctx context.Context, target string) error {
	f.mu.Lock()
	raw := f.identityBytes
	f.mu.Unlock()
	if raw == nil {
		return fmt.Errorf("tcptransport: no identity payload set")
	}

	addr := f.broadcast
	if target != "" {
		addr = target
	}
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return fmt.Errorf("tcptransport: identify: %w", err)
	}
	defer conn.Close()
	_, err = conn.Write(raw)
	return err
}

// Start listens for inbound TLS connections until ctx is cancelled,
// invoking onChannel for each completed handshake.
func (f *TCPFactory) Start(ctx context.Context, onChannel func(channel.Transport)) error {
	listener, err := tls.Listen("tcp", f.listenAddr, f.tlsConfig)
	if err != nil {
		return fmt.Errorf("tcptransport: listen: %w", err)
	}
	f.mu.Lock()
	f.listenerAddr = listener.Addr()
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return // listener closed, ctx done
			}
			tlsConn, ok := conn.(*tls.Conn)
			if !ok {
				conn.Close()
				continue
			}
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				f.log.Verbosef("tcptransport: handshake failed: %v", err)
				conn.Close()
				continue
			}
			onChannel(newTCPTransport(tlsConn, f.tlsConfig.Certificates[0]))
		}
	}()
	return nil
}

// Dial connects out to addr (used when this side initiates after seeing
// a broadcast identity), returning a Transport once the TLS handshake
// completes.
func (f *TCPFactory) Dial(ctx context.Context, addr string) (channel.Transport, error) {
	dialer := &tls.Dialer{Config: f.tlsConfig}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcptransport: dial: %w", err)
	}
	return newTCPTransport(conn.(*tls.Conn), f.tlsConfig.Certificates[0]), nil
}

type tcpTransport struct {
	conn       *tls.Conn
	localCert  *x509.Certificate
	peerCert   *x509.Certificate
}

func newTCPTransport(conn *tls.Conn, localTLSCert tls.Certificate) *tcpTransport {
	t := &tcpTransport{conn: conn}
	if len(localTLSCert.Certificate) > 0 {
		if cert, err := x509.ParseCertificate(localTLSCert.Certificate[0]); err == nil {
			t.localCert = cert
		}
	}
	state := conn.ConnectionState()
	if len(state.PeerCertificates) > 0 {
		t.peerCert = state.PeerCertificates[0]
	}
	return t
}

func (t *tcpTransport) Read(p []byte) (int, error)  { return t.conn.Read(p) }
func (t *tcpTransport) Write(p []byte) (int, error) { return t.conn.Write(p) }
func (t *tcpTransport) Close() error                { return t.conn.Close() }

func (t *tcpTransport) LocalCertificate() *x509.Certificate { return t.localCert }
func (t *tcpTransport) PeerCertificate() *x509.Certificate  { return t.peerCert }
func (t *tcpTransport) Priority() int                       { return TCPPriority }

// OpenPayload opens a single-use TCP listener on an ephemeral port of the
// same interface the main connection uses, and reports its port in
// payloadTransferInfo, matching KDE Connect's real LAN payload convention.
func (t *tcpTransport) OpenPayload(ctx context.Context) (map[string]any, func(context.Context) (io.ReadWriteCloser, error), error) {
	host, _, err := net.SplitHostPort(t.conn.LocalAddr().String())
	if err != nil {
		host = t.conn.LocalAddr().String()
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, nil, fmt.Errorf("tcptransport: open payload listener: %w", err)
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())

	info := map[string]any{"port": port}
	accept := func(ctx context.Context) (io.ReadWriteCloser, error) {
		defer ln.Close()
		type result struct {
			conn net.Conn
			err  error
		}
		ch := make(chan result, 1)
		go func() {
			conn, err := ln.Accept()
			ch <- result{conn, err}
		}()
		select {
		case r := <-ch:
			return r.conn, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return info, accept, nil
}

// DialPayload connects to the port a peer's OpenPayload advertised, on
// the same host as the main connection.
func (t *tcpTransport) DialPayload(ctx context.Context, info map[string]any) (io.ReadWriteCloser, error) {
	port, ok := info["port"]
	if !ok {
		return nil, fmt.Errorf("tcptransport: payloadTransferInfo missing port")
	}
	host, _, err := net.SplitHostPort(t.conn.RemoteAddr().String())
	if err != nil {
		host = t.conn.RemoteAddr().String()
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprint(port)))
}

package channelservice

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kdeconnect-go/kdeconnect/channel"
	"github.com/kdeconnect-go/kdeconnect/pkg/klog"
)

// WSPriority is below TCPPriority: a relay is a fallback, never preferred
// over a direct LAN connection (spec §9 open question 2).
const WSPriority = 10

// WSFactory is a relay TransportFactory: it accepts/dials websocket
// connections to a rendezvous server instead of talking to the peer
// directly, for networks where UDP broadcast and inbound TCP are both
// blocked (carrier NAT, campus wifi).
type WSFactory struct {
	log        *klog.Logger
	listenAddr string
	relayURL   string
	tlsConfig  *tls.Config
	upgrader   websocket.Upgrader

	mu            sync.Mutex
	identityBytes []byte
}

// NewWSFactory builds a relay factory. listenAddr is used only when this
// process also hosts the relay endpoint; relayURL ("https://host") is the
// base URL of a relay operated elsewhere, to which Identify posts the
// identity at relayURL+"/identify". Dial takes its own URL and does not
// use relayURL. Either may be empty.
func NewWSFactory(listenAddr, relayURL string, cert tls.Certificate, logger *klog.Logger) *WSFactory {
	if logger == nil {
		logger = klog.NewLogger(klog.LevelSilent, "")
	}
	return &WSFactory{
		log:        logger,
		listenAddr: listenAddr,
		relayURL:   relayURL,
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (f *WSFactory) Name() string  { return "relay-ws" }
func (f *WSFactory) Priority() int { return WSPriority }

func (f *WSFactory) SetIdentityPayload(raw []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identityBytes = raw
}

// Identify posts the identity payload to the relay's announce endpoint;
// a bare TCP broadcast has no equivalent reachability here, so the relay
// itself fans the announcement out to subscribed peers.
func (f *WSFactory) Identify(ctx context.Context, target string) error {
	f.mu.Lock()
	raw := f.identityBytes
	f.mu.Unlock()
	if raw == nil {
		return fmt.Errorf("wstransport: no identity payload set")
	}
	if f.relayURL == "" {
		return fmt.Errorf("wstransport: no relay configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.relayURL+"/identify", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("wstransport: identify: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("wstransport: identify: relay returned %s", resp.Status)
	}
	return nil
}

// Start, when listenAddr is set, hosts the relay's /ws upgrade endpoint
// itself; this is the "two peers meet through the process that happens
// to also run the relay" deployment shape.
func (f *WSFactory) Start(ctx context.Context, onChannel func(channel.Transport)) error {
	if f.listenAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", f.listenAddr)
	if err != nil {
		return fmt.Errorf("wstransport: listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			f.log.Verbosef("wstransport: upgrade failed: %v", err)
			return
		}
		onChannel(newWSTransport(conn, f.tlsConfig.Certificates[0], nil))
	})

	server := &http.Server{Addr: f.listenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			f.log.Errorf("wstransport: serve: %v", err)
		}
	}()
	return nil
}

// Dial connects out to a relay (or directly to a peer's /ws endpoint).
func (f *WSFactory) Dial(ctx context.Context, url string) (channel.Transport, error) {
	dialer := websocket.Dialer{TLSClientConfig: f.tlsConfig, HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wstransport: dial: %w", err)
	}
	return newWSTransport(conn, f.tlsConfig.Certificates[0], conn.RemoteAddr()), nil
}

// wsTransport adapts a message-oriented websocket.Conn to the
// byte-stream io.Reader/io.Writer Transport expects, buffering the
// unread tail of the current message the same way a real socket buffers
// unread bytes of a stream.
type wsTransport struct {
	conn      *websocket.Conn
	localCert *x509.Certificate

	readMu  sync.Mutex
	pending []byte

	writeMu sync.Mutex
}

func newWSTransport(conn *websocket.Conn, localTLSCert tls.Certificate, _ any) *wsTransport {
	t := &wsTransport{conn: conn}
	if len(localTLSCert.Certificate) > 0 {
		if cert, err := x509.ParseCertificate(localTLSCert.Certificate[0]); err == nil {
			t.localCert = cert
		}
	}
	return t
}

func (t *wsTransport) Read(p []byte) (int, error) {
	t.readMu.Lock()
	defer t.readMu.Unlock()

	for len(t.pending) == 0 {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		t.pending = data
	}
	n := copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

func (t *wsTransport) Write(p []byte) (int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *wsTransport) Close() error { return t.conn.Close() }

// PeerCertificate is unavailable over plain websocket relay: the relay
// terminates TLS, so the peer's leaf certificate never reaches this
// process, and it always returns nil. No certificate is exchanged in its
// place, so VerificationKey fails and pairing stores no peer certificate
// on this transport.
func (t *wsTransport) PeerCertificate() *x509.Certificate  { return nil }
func (t *wsTransport) LocalCertificate() *x509.Certificate { return t.localCert }
func (t *wsTransport) Priority() int                       { return WSPriority }

// OpenPayload/DialPayload: payload transfer is not supported over the
// relay; both return channel.ErrNotSupported.
func (t *wsTransport) OpenPayload(ctx context.Context) (map[string]any, func(context.Context) (io.ReadWriteCloser, error), error) {
	return nil, nil, channel.ErrNotSupported
}

func (t *wsTransport) DialPayload(ctx context.Context, info map[string]any) (io.ReadWriteCloser, error) {
	return nil, channel.ErrNotSupported
}

// Package channel implements the full-duplex packet stream of spec §4.2:
// framed JSON packet I/O over one Transport, with out-of-band payload
// streams for large blobs and a derived human-verifiable pairing key.
package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/kdeconnect-go/kdeconnect/packet"
	"github.com/kdeconnect-go/kdeconnect/pkg/klog"
)

// Buffer sizing for the untrusted/trusted read policy of spec §4.2 and
// DESIGN.md open question 1.
const (
	InitialPacketBufferSize = 8192
	MaxUntrustedPacketSize  = 8192
	MaxTrustedPacketSize    = 1 << 20 // 1 MiB ceiling, pinned per DESIGN.md
)

// Channel owns one Transport and the packet buffers built on top of it
// (spec §3). Exactly one write is in flight at any time; reads are
// strictly sequential; Close is idempotent.
type Channel struct {
	log       *klog.Logger
	transport Transport

	local *packet.Packet // this side's identity, set at construction
	peer  atomic.Pointer[packet.Packet]

	trusted atomic.Bool // paired peers get the growing buffer policy

	frame struct {
		mu  sync.Mutex
		buf []byte // bytes read from the transport, not yet consumed
	}

	write struct {
		mu      sync.Mutex
		pending []*writeRequest
		active  bool
	}

	closed    atomic.Bool
	closeOnce sync.Once
}

type writeRequest struct {
	pkt  *packet.Packet
	done chan error
}

// New wraps transport in a Channel. local is this side's identity
// packet, used only to answer queries about who we are; it is not sent
// automatically — callers exchange identities explicitly as the first
// packets on a new connection, per spec §6.
func New(transport Transport, local *packet.Packet, logger *klog.Logger) *Channel {
	if logger == nil {
		logger = klog.NewLogger(klog.LevelSilent, "")
	}
	c := &Channel{
		log:       logger,
		transport: transport,
		local:     local,
	}
	return c
}

// SetTrusted marks the channel as belonging to a paired device, enabling
// the growing read-buffer policy of spec §4.2.
func (c *Channel) SetTrusted(trusted bool) {
	c.trusted.Store(trusted)
}

// SetPeerIdentity records the identity packet received on this channel,
// so later callers (VerificationKey, Device.add_channel) can read it back.
func (c *Channel) SetPeerIdentity(p *packet.Packet) {
	c.peer.Store(p)
}

// PeerIdentity returns the most recently recorded peer identity packet,
// or nil if none has been read yet.
func (c *Channel) PeerIdentity() *packet.Packet {
	return c.peer.Load()
}

// Transport exposes the underlying transport, e.g. for certificate
// access by the pairing FSM.
func (c *Channel) Transport() Transport {
	return c.transport
}

func (c *Channel) maxPacketSize() int {
	if c.trusted.Load() {
		return MaxTrustedPacketSize
	}
	return MaxUntrustedPacketSize
}

// ReadPacket awaits one complete packet and parses it. Reads are strictly
// sequential: concurrent callers must serialize ReadPacket themselves
// (the device manager reads the identity packet first, then Device's
// single read loop takes over).
func (c *Channel) ReadPacket(ctx context.Context) (*packet.Packet, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}

	line, err := c.readFrame(ctx)
	if err != nil {
		if err == errFrameTooLarge {
			return nil, ErrMessageTooLarge
		}
		c.fail(err)
		return nil, c.closeErr(err)
	}

	p, err := packet.Unmarshal(line)
	if err != nil {
		return nil, err
	}
	return p, nil
}

var errFrameTooLarge = fmt.Errorf("frame too large")

// readFrame pulls bytes from the transport until a LF is found, growing
// its buffer up to maxPacketSize(). On overflow it resyncs to the next
// LF and returns errFrameTooLarge without closing the channel — the
// caller (ReadPacket) treats this as a recoverable per-read error.
func (c *Channel) readFrame(ctx context.Context) ([]byte, error) {
	c.frame.mu.Lock()
	defer c.frame.mu.Unlock()

	max := c.maxPacketSize()
	chunk := make([]byte, 4096)
	for {
		if i := bytes.IndexByte(c.frame.buf, packet.LF); i >= 0 {
			if i+1 > max {
				c.frame.buf = c.frame.buf[i+1:]
				return nil, errFrameTooLarge
			}
			line := append([]byte(nil), c.frame.buf[:i]...)
			c.frame.buf = c.frame.buf[i+1:]
			return line, nil
		}
		if len(c.frame.buf) >= max {
			return nil, c.resync(ctx, chunk)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := c.transport.Read(chunk)
		if n > 0 {
			c.frame.buf = append(c.frame.buf, chunk[:n]...)
		}
		if err != nil {
			return nil, err
		}
	}
}

// resync discards buffered bytes up to and including the next LF so the
// stream can continue framing after an oversized packet.
func (c *Channel) resync(ctx context.Context, chunk []byte) error {
	for {
		if i := bytes.IndexByte(c.frame.buf, packet.LF); i >= 0 {
			c.frame.buf = c.frame.buf[i+1:]
			return errFrameTooLarge
		}
		c.frame.buf = c.frame.buf[:0]
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := c.transport.Read(chunk)
		if n > 0 {
			c.frame.buf = append(c.frame.buf, chunk[:n]...)
		}
		if err != nil {
			return errFrameTooLarge
		}
	}
}

// WritePacket enqueues p for writing. Concurrent callers are serialized
// internally (spec §4.2): the caller's completion is appended to a FIFO
// tail, and if no writer is currently draining the queue, this call
// starts one. WritePacket returns once p's bytes are on the transport
// (or the write fails).
func (c *Channel) WritePacket(ctx context.Context, p *packet.Packet) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	req := &writeRequest{pkt: p, done: make(chan error, 1)}

	c.write.mu.Lock()
	if c.closed.Load() {
		c.write.mu.Unlock()
		return ErrConnectionClosed
	}
	c.write.pending = append(c.write.pending, req)
	startDrain := !c.write.active
	if startDrain {
		c.write.active = true
	}
	c.write.mu.Unlock()

	if startDrain {
		go c.drainWrites()
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) drainWrites() {
	for {
		c.write.mu.Lock()
		if len(c.write.pending) == 0 {
			c.write.active = false
			c.write.mu.Unlock()
			return
		}
		req := c.write.pending[0]
		c.write.pending = c.write.pending[1:]
		c.write.mu.Unlock()

		if c.closed.Load() {
			req.done <- ErrConnectionClosed
			c.failPendingWrites()
			return
		}

		req.pkt.Stamp(nowFunc())
		raw, err := req.pkt.Marshal()
		if err == nil {
			_, err = c.transport.Write(raw)
		}
		if err != nil {
			req.done <- err
			c.fail(err)
			c.failPendingWrites()
			return
		}
		req.done <- nil
	}
}

func (c *Channel) failPendingWrites() {
	c.write.mu.Lock()
	pending := c.write.pending
	c.write.pending = nil
	c.write.active = false
	c.write.mu.Unlock()
	for _, req := range pending {
		req.done <- ErrConnectionClosed
	}
}

// fail marks the channel closed due to a transport-level error, without
// attempting to close the transport twice.
func (c *Channel) fail(err error) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.log.Verbosef("channel: closing after error: %v", err)
		_ = c.transport.Close()
	})
}

func (c *Channel) closeErr(err error) error {
	if err == io.EOF {
		return ErrConnectionClosed
	}
	return fmt.Errorf("channel: read failed: %w", err)
}

// Close idempotently closes the channel: the transport is closed, and
// every queued and subsequent WritePacket call fails with
// ErrConnectionClosed.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.transport.Close()
	})
	c.failPendingWrites()
	return err
}

// Closed reports whether Close has been called or a fatal I/O error has
// closed the channel.
func (c *Channel) Closed() bool {
	return c.closed.Load()
}

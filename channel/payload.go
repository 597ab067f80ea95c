package channel

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/kdeconnect-go/kdeconnect/packet"
)

// Upload implements the upload half of spec §4.2's payload contract: it
// opens a transport-specific auxiliary endpoint for a single inbound
// connection, records the endpoint coordinates on p, writes p on the
// main channel, then awaits the auxiliary connection and returns a
// stream whose output side the caller fills.
func (c *Channel) Upload(ctx context.Context, p *packet.Packet, size int64) (io.WriteCloser, error) {
	info, accept, err := c.transport.OpenPayload(ctx)
	if err != nil {
		return nil, fmt.Errorf("channel: upload: %w", err)
	}

	info = withTransferToken(info)
	p.PayloadTransferInfo = info
	p.PayloadSize = &size

	if err := c.WritePacket(ctx, p); err != nil {
		return nil, err
	}

	conn, err := accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("channel: upload: awaiting peer connection: %w", err)
	}
	return &boundedWriter{w: conn, closer: conn, remaining: size}, nil
}

// Download implements the download half: it reads payloadTransferInfo
// from p, connects to the endpoint it describes, and returns a stream
// whose input side the caller drains. The payload byte count is
// contracted to match p's payloadSize exactly.
func (c *Channel) Download(ctx context.Context, p *packet.Packet) (io.ReadCloser, int64, error) {
	info, ok := p.PayloadTransferInfo, p.PayloadTransferInfo != nil
	if !ok {
		return nil, 0, fmt.Errorf("channel: download: packet has no payloadTransferInfo")
	}
	var size int64
	if p.PayloadSize != nil {
		size = *p.PayloadSize
	}

	conn, err := c.transport.DialPayload(ctx, info)
	if err != nil {
		return nil, 0, fmt.Errorf("channel: download: %w", err)
	}
	return &boundedReader{r: conn, closer: conn, remaining: size}, size, nil
}

func withTransferToken(info map[string]any) map[string]any {
	out := make(map[string]any, len(info)+1)
	for k, v := range info {
		out[k] = v
	}
	out["transferToken"] = uuid.NewString()
	return out
}

// boundedWriter enforces that exactly `remaining` bytes are written
// before Close, failing with ErrPartialInput otherwise (spec §4.2, §8:
// "bytes read on download == bytes written on upload == payloadSize").
type boundedWriter struct {
	w         io.Writer
	closer    io.Closer
	remaining int64
}

func (b *boundedWriter) Write(p []byte) (int, error) {
	n, err := b.w.Write(p)
	b.remaining -= int64(n)
	return n, err
}

func (b *boundedWriter) Close() error {
	err := b.closer.Close()
	if b.remaining != 0 && err == nil {
		return ErrPartialInput
	}
	return err
}

type boundedReader struct {
	r         io.Reader
	closer    io.Closer
	remaining int64
}

func (b *boundedReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.remaining -= int64(n)
	if err == io.EOF && b.remaining > 0 {
		return n, ErrPartialInput
	}
	return n, err
}

func (b *boundedReader) Close() error {
	return b.closer.Close()
}

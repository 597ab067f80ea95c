package packet

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// LF is the single framing byte between packets on the wire (spec §4.2,
// §6): no other whitespace or framing is permitted.
const LF = '\n'

// wireEnvelope is the on-the-wire shape; Marshal/Unmarshal translate to
// and from the typed Packet above it.
type wireEnvelope struct {
	ID                  int64          `json:"id"`
	Type                string         `json:"type"`
	Body                map[string]any `json:"body"`
	PayloadSize         *int64         `json:"payloadSize,omitempty"`
	PayloadTransferInfo map[string]any `json:"payloadTransferInfo,omitempty"`
}

// Marshal validates p against the rules of spec §4.1 and serializes it
// to a newline-terminated UTF-8 JSON byte sequence. id is not stamped
// here — Channel.WritePacket does that immediately before the bytes hit
// the wire, so Marshal is also usable for tests that want a stable id.
func (p *Packet) Marshal() ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	env := wireEnvelope{
		ID:                  p.ID,
		Type:                p.Type,
		Body:                p.Body,
		PayloadSize:         p.PayloadSize,
		PayloadTransferInfo: p.PayloadTransferInfo,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("packet: marshal: %w", err)
	}
	raw = append(raw, LF)
	return raw, nil
}

// validate applies the rules of spec §4.1 that are checkable on a Packet
// already built in memory, mirroring the rules Unmarshal enforces on the
// wire.
func (p *Packet) validate() error {
	if p.Type == "" {
		return fmt.Errorf("%w: type", ErrMissingField)
	}
	if p.Body == nil {
		return fmt.Errorf("%w: body", ErrMissingField)
	}
	return nil
}

// Stamp sets the packet's id to the current UNIX-epoch-ms time, as every
// outbound write does (spec §4.2).
func (p *Packet) Stamp(now time.Time) {
	p.ID = now.UnixMilli()
}

// WriteTo serializes p and writes it, LF-terminated, to w in one Write
// call so a concurrent reader never observes a partial frame.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	raw, err := p.Marshal()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(raw)
	return int64(n), err
}

// ReadFrom reads one LF-delimited frame from r and parses it. maxSize
// bounds the number of bytes read before the frame must be complete (the
// read buffer ceiling of spec §4.2); a frame exceeding it fails with
// ErrMessageTooLarge, after the rest of that frame up to its LF (or EOF)
// has been consumed so the stream resyncs.
func ReadFrom(r *bufio.Reader, maxSize int) (*Packet, error) {
	line, err := readLine(r, maxSize)
	if err != nil {
		return nil, err
	}
	return Unmarshal(line)
}

func readLine(r *bufio.Reader, maxSize int) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice(LF)
		buf = append(buf, chunk...)
		if len(buf) > maxSize {
			// Drain to the next LF (or EOF) so the stream resyncs, then fail.
			if err == bufio.ErrBufferFull {
				for {
					_, derr := r.ReadSlice(LF)
					if derr != bufio.ErrBufferFull {
						break
					}
				}
			}
			return nil, ErrMessageTooLarge
		}
		if err == nil {
			// buf includes the trailing LF; strip it.
			return buf[:len(buf)-1], nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return nil, err
	}
}

// Package transfer implements the Device Transfer component of spec §4.4:
// moving a single file's bytes across a Channel's payload side-channel,
// in either direction, with byte-count verification and best-effort
// timestamp preservation on the receiving end.
package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kdeconnect-go/kdeconnect/channel"
	"github.com/kdeconnect-go/kdeconnect/packet"
	"github.com/kdeconnect-go/kdeconnect/pkg/klog"
)

// ChannelProvider is the one thing Transfer needs from a Device: its
// current (highest-priority, connected) channel. Defined here instead of
// depending on the device package directly, so transfer has no import
// cycle back to it.
type ChannelProvider interface {
	CurrentChannel() (*channel.Channel, error)
}

// Transfer moves the file named by Path across device's current channel,
// in the direction implied by Packet: if Packet already carries a
// payloadTransferInfo, this is a download (the packet was received);
// otherwise it's an upload, and Packet is filled in with size/timestamp
// fields before being sent (spec §4.4).
type Transfer struct {
	Device ChannelProvider
	Path   string
	Packet *packet.Packet

	log *klog.Logger
}

// New constructs a Transfer. logger may be nil.
func New(device ChannelProvider, path string, p *packet.Packet, logger *klog.Logger) *Transfer {
	if logger == nil {
		logger = klog.NewLogger(klog.LevelSilent, "")
	}
	return &Transfer{Device: device, Path: path, Packet: p, log: logger}
}

// Execute runs the transfer to completion, splicing the file stream and
// the channel's payload stream together. It blocks until the full
// payloadSize has moved in both directions or ctx is cancelled.
func (t *Transfer) Execute(ctx context.Context) error {
	if t.Packet.HasPayload() {
		return t.download(ctx)
	}
	return t.upload(ctx)
}

func (t *Transfer) upload(ctx context.Context) error {
	ch, err := t.Device.CurrentChannel()
	if err != nil {
		return fmt.Errorf("transfer: upload %s: %w: %w", t.Path, ErrNotConnected, err)
	}

	info, err := os.Stat(t.Path)
	if err != nil {
		return fmt.Errorf("transfer: upload %s: %w", t.Path, err)
	}

	t.Packet.SetInt("creationTime", info.ModTime().UnixMilli())
	t.Packet.SetInt("lastModified", info.ModTime().UnixMilli())

	src, err := os.Open(t.Path)
	if err != nil {
		return fmt.Errorf("transfer: upload %s: %w", t.Path, err)
	}
	defer src.Close()

	dst, err := ch.Upload(ctx, t.Packet, info.Size())
	if err != nil {
		return fmt.Errorf("transfer: upload %s: %w", t.Path, err)
	}

	n, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()
	if copyErr != nil {
		return fmt.Errorf("transfer: upload %s: %w", t.Path, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("transfer: upload %s: %w", t.Path, closeErr)
	}
	t.log.Verbosef("transfer: uploaded %s (%d bytes)", t.Path, n)
	return nil
}

func (t *Transfer) download(ctx context.Context) error {
	ch, err := t.Device.CurrentChannel()
	if err != nil {
		return fmt.Errorf("transfer: download %s: %w: %w", t.Path, ErrNotConnected, err)
	}

	// Atomic replace, matching the original's G_FILE_CREATE_REPLACE_DESTINATION:
	// write to a temp file in the same directory, then rename over the target.
	dst, err := os.CreateTemp(filepath.Dir(t.Path), ".kdeconnect-transfer-*")
	if err != nil {
		return fmt.Errorf("transfer: download %s: %w", t.Path, err)
	}
	tmpPath := dst.Name()
	defer os.Remove(tmpPath)

	src, size, err := ch.Download(ctx, t.Packet)
	if err != nil {
		dst.Close()
		return fmt.Errorf("transfer: download %s: %w", t.Path, err)
	}

	n, copyErr := io.Copy(dst, src)
	srcCloseErr := src.Close()
	dstCloseErr := dst.Close()
	switch {
	case copyErr != nil:
		return fmt.Errorf("transfer: download %s: %w", t.Path, copyErr)
	case srcCloseErr != nil:
		return fmt.Errorf("transfer: download %s: %w", t.Path, srcCloseErr)
	case dstCloseErr != nil:
		return fmt.Errorf("transfer: download %s: %w", t.Path, dstCloseErr)
	case n != size:
		return fmt.Errorf("transfer: download %s: got %d of %d bytes", t.Path, n, size)
	}

	if err := os.Rename(tmpPath, t.Path); err != nil {
		return fmt.Errorf("transfer: download %s: %w", t.Path, err)
	}

	t.applyTimestamps()
	t.log.Verbosef("transfer: downloaded %s (%d bytes)", t.Path, n)
	return nil
}

// applyTimestamps best-effort restores lastModified from the packet onto
// the written file as both its access and modification time; failures are
// logged at verbose level only. creationTime is not applied.
func (t *Transfer) applyTimestamps() {
	lastModified, ok := t.Packet.GetInt("lastModified")
	if !ok {
		return
	}
	mtime := time.UnixMilli(lastModified)
	if err := os.Chtimes(t.Path, mtime, mtime); err != nil {
		t.log.Verbosef("transfer: could not set mtime on %s: %v", t.Path, err)
	}
}

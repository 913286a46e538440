package transfer

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"airlink/protocol"
	"airlink/storage"
)

var (
	// ErrAuthenticationFailed means the connecting party presented the wrong
	// one-time transfer password.
	ErrAuthenticationFailed = errors.New("transfer: authentication failed")
	// ErrIncompleteTransfer means a file's received byte count did not match
	// its declared size.
	ErrIncompleteTransfer = errors.New("transfer: incomplete transfer")
	// ErrCancelled means the transfer was stopped by explicit request.
	ErrCancelled = errors.New("transfer: cancelled")
)

const (
	// DefaultPortLow and DefaultPortHigh bound the ephemeral transfer socket
	// port range.
	DefaultPortLow  = 1739
	DefaultPortHigh = 1764
	// DefaultChunkSize is the fixed streaming chunk size.
	DefaultChunkSize = 64 * 1024
	// DefaultControlTimeout bounds the accept, password, and start/complete
	// handshake waits.
	DefaultControlTimeout = 30 * time.Second

	passwordBytes = 32
)

// Progress is one observable progress sample for a transfer session,
// reported by byte count so observers can render a percentage.
type Progress struct {
	TransferID string
	DeviceID   string
	BytesDone  int64
	BytesTotal int64
}

// ProgressFunc observes transfer progress. Optional; transfers run silently
// without one.
type ProgressFunc func(Progress)

// OfferSender delivers a file_transfer offer to a device over the primary
// message connection.
type OfferSender func(deviceID string, offer protocol.FileTransferOffer) error

// Options configures a transfer Coordinator.
type Options struct {
	// Certificate secures the ephemeral transfer sockets; the transfer
	// channel is gated by the one-time password, not by pinned trust.
	Certificate tls.Certificate

	ListenHost string
	PortLow    int
	PortHigh   int

	ChunkSize      int
	ControlTimeout time.Duration

	// DownloadDir is where received files land.
	DownloadDir string

	// SendOffer delivers offers over the primary connection.
	SendOffer OfferSender

	// Store, when set, records transfer history.
	Store *storage.Store

	OnProgress ProgressFunc
	Logger     *log.Logger
}

func (o Options) withDefaults() Options {
	if o.PortLow <= 0 {
		o.PortLow = DefaultPortLow
	}
	if o.PortHigh < o.PortLow {
		o.PortHigh = DefaultPortHigh
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ControlTimeout <= 0 {
		o.ControlTimeout = DefaultControlTimeout
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return o
}

// session is one active transfer task. Sessions are independent: they share
// no state beyond the registry map, and cancelling one never touches another.
type session struct {
	transferID string
	deviceID   string
	cancel     context.CancelFunc
}

// Coordinator runs transfer sessions over ephemeral password-gated sockets,
// independent of the long-lived message connection.
type Coordinator struct {
	options Options
	logger  *log.Logger

	sessions sync.Map // transferID -> *session
}

// NewCoordinator creates a transfer coordinator.
func NewCoordinator(options Options) (*Coordinator, error) {
	if options.SendOffer == nil {
		return nil, errors.New("transfer: offer sender is required")
	}
	options = options.withDefaults()
	return &Coordinator{
		options: options,
		logger:  options.Logger.With("component", "transfer"),
	}, nil
}

// Cancel stops an active transfer session. Cancelling an unknown transfer is
// a no-op.
func (c *Coordinator) Cancel(transferID string) {
	if value, ok := c.sessions.Load(transferID); ok {
		value.(*session).cancel()
	}
}

// ActiveTransfers lists the IDs of sessions that are still running.
func (c *Coordinator) ActiveTransfers() []string {
	ids := make([]string, 0)
	c.sessions.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	return ids
}

func (c *Coordinator) register(transferID, deviceID string, cancel context.CancelFunc) *session {
	sess := &session{transferID: transferID, deviceID: deviceID, cancel: cancel}
	c.sessions.Store(transferID, sess)
	return sess
}

func (c *Coordinator) unregister(transferID string) {
	c.sessions.Delete(transferID)
}

func (c *Coordinator) reportProgress(transferID, deviceID string, bytesDone, bytesTotal int64) {
	if c.options.OnProgress != nil {
		c.options.OnProgress(Progress{
			TransferID: transferID,
			DeviceID:   deviceID,
			BytesDone:  bytesDone,
			BytesTotal: bytesTotal,
		})
	}
	if c.options.Store != nil {
		_ = c.options.Store.UpdateTransferProgress(transferID, bytesDone)
	}
}

func (c *Coordinator) recordStart(transferID, deviceID, direction string, fileCount int, totalBytes int64) {
	if c.options.Store == nil {
		return
	}
	err := c.options.Store.InsertTransfer(storage.Transfer{
		TransferID: transferID,
		DeviceID:   deviceID,
		Direction:  direction,
		FileCount:  fileCount,
		TotalBytes: totalBytes,
	})
	if err != nil {
		c.logger.Warn("record transfer failed", "transfer", transferID, "err", err)
	}
}

func (c *Coordinator) recordOutcome(transferID string, err error) {
	if c.options.Store == nil {
		return
	}
	status := storage.TransferStatusComplete
	switch {
	case errors.Is(err, ErrCancelled):
		status = storage.TransferStatusCancelled
	case err != nil:
		status = storage.TransferStatusFailed
	}
	if updateErr := c.options.Store.UpdateTransferStatus(transferID, status); updateErr != nil {
		c.logger.Warn("record transfer outcome failed", "transfer", transferID, "err", updateErr)
	}
}

// newPassword returns a single-use random transfer password. Passwords are
// never reused across sessions.
func newPassword() (string, error) {
	buf := make([]byte, passwordBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate transfer password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func totalSize(files []protocol.FileMetadata) int64 {
	var total int64
	for _, file := range files {
		total += file.SizeBytes
	}
	return total
}

// copyChunks streams exactly size bytes from src to dst in fixed-size chunks,
// checking for cancellation between chunks and reporting progress through
// onChunk. A short read surfaces as ErrIncompleteTransfer.
func copyChunks(ctx context.Context, dst io.Writer, src io.Reader, size int64, chunkSize int, onChunk func(done int64)) (int64, error) {
	buf := make([]byte, chunkSize)
	var done int64

	for done < size {
		if err := ctx.Err(); err != nil {
			return done, ErrCancelled
		}

		want := int64(len(buf))
		if remaining := size - done; remaining < want {
			want = remaining
		}

		n, err := io.ReadFull(src, buf[:want])
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return done, writeErr
			}
			done += int64(n)
			if onChunk != nil {
				onChunk(done)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return done, fmt.Errorf("%w: got %d of %d bytes", ErrIncompleteTransfer, done, size)
			}
			return done, err
		}
	}

	return done, nil
}

package transfer

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"mime"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"airlink/network"
	"airlink/protocol"
	"airlink/storage"
)

// SendFiles starts a send session for a batch of local files. It gathers
// metadata, opens the ephemeral listener, delivers the offer over the primary
// connection, and streams the files asynchronously. The returned transfer ID
// identifies the session for cancellation and progress observation.
func (c *Coordinator) SendFiles(deviceID string, paths []string) (string, error) {
	if len(paths) == 0 {
		return "", errors.New("transfer: no files to send")
	}

	files := make([]protocol.FileMetadata, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("stat %q: %w", path, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("cannot send directory %q", path)
		}
		files = append(files, protocol.FileMetadata{
			Name:      filepath.Base(path),
			MimeType:  mime.TypeByExtension(filepath.Ext(path)),
			SizeBytes: info.Size(),
		})
	}

	listener, port, err := network.ListenRange(c.options.ListenHost, c.options.PortLow, c.options.PortHigh, c.options.Certificate, nil)
	if err != nil {
		return "", err
	}

	password, err := newPassword()
	if err != nil {
		_ = listener.Close()
		return "", err
	}

	transferID := uuid.NewString()
	offer := protocol.FileTransferOffer{
		Type:       protocol.TypeFileTransferOffer,
		TransferID: transferID,
		Port:       port,
		Password:   password,
		Files:      files,
	}

	c.recordStart(transferID, deviceID, storage.TransferDirectionSend, len(files), totalSize(files))

	if err := c.options.SendOffer(deviceID, offer); err != nil {
		_ = listener.Close()
		c.recordOutcome(transferID, err)
		return "", fmt.Errorf("send transfer offer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.register(transferID, deviceID, cancel)

	go func() {
		defer cancel()
		defer c.unregister(transferID)

		err := c.runSend(ctx, listener, transferID, deviceID, password, files, paths)
		if errors.Is(err, context.Canceled) {
			err = ErrCancelled
		}
		c.recordOutcome(transferID, err)
		if err != nil {
			c.logger.Warn("send session ended", "transfer", transferID, "device", deviceID, "err", err)
			return
		}
		c.logger.Info("send session complete", "transfer", transferID, "device", deviceID, "files", len(files))
	}()

	return transferID, nil
}

func (c *Coordinator) runSend(ctx context.Context, listener net.Listener, transferID, deviceID, password string, files []protocol.FileMetadata, paths []string) error {
	defer listener.Close()

	conn, err := acceptOne(ctx, listener, c.options.ControlTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock any in-flight read or write when the session is cancelled.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-watchDone:
		}
	}()

	tc := newTokenConn(conn, c.options.ControlTimeout)

	presented, err := tc.readLine()
	if err != nil {
		return fmt.Errorf("read transfer password: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(password)) != 1 {
		return ErrAuthenticationFailed
	}

	bytesTotal := totalSize(files)
	var bytesDone int64

	for i, meta := range files {
		if err := ctx.Err(); err != nil {
			return ErrCancelled
		}

		if err := tc.awaitToken(tokenStart); err != nil {
			return err
		}

		file, err := os.Open(paths[i])
		if err != nil {
			return fmt.Errorf("open %q: %w", paths[i], err)
		}

		base := bytesDone
		n, err := copyChunks(ctx, conn, file, meta.SizeBytes, c.options.ChunkSize, func(done int64) {
			c.reportProgress(transferID, deviceID, base+done, bytesTotal)
		})
		_ = file.Close()
		bytesDone += n
		if err != nil {
			return fmt.Errorf("stream %q: %w", meta.Name, err)
		}

		if err := tc.awaitToken(tokenComplete); err != nil {
			return err
		}
	}

	return nil
}

// acceptOne waits for exactly one inbound connection, bounded by the control
// timeout and the session's cancellation.
func acceptOne(ctx context.Context, listener net.Listener, timeout time.Duration) (net.Conn, error) {
	type acceptResult struct {
		conn net.Conn
		err  error
	}
	results := make(chan acceptResult, 1)

	go func() {
		conn, err := listener.Accept()
		results <- acceptResult{conn: conn, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-results:
		if res.err != nil {
			return nil, fmt.Errorf("%w: accept transfer connection: %v", network.ErrConnect, res.err)
		}
		return res.conn, nil
	case <-timer.C:
		_ = listener.Close()
		if res := <-results; res.conn != nil {
			_ = res.conn.Close()
		}
		return nil, fmt.Errorf("%w: no transfer connection within %s", network.ErrTimeout, timeout)
	case <-ctx.Done():
		_ = listener.Close()
		if res := <-results; res.conn != nil {
			_ = res.conn.Close()
		}
		return nil, ErrCancelled
	}
}

package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"airlink/network"
	"airlink/protocol"
	"airlink/storage"
)

// Receive starts a receive session for an offer delivered over the primary
// connection. It dials the advertised ephemeral port on the offering device's
// host, authenticates with the one-time password, and streams every offered
// file into the download directory.
func (c *Coordinator) Receive(deviceID, host string, offer protocol.FileTransferOffer) (string, error) {
	if len(offer.Files) == 0 {
		return "", errors.New("transfer: offer contains no files")
	}
	if offer.Password == "" {
		return "", errors.New("transfer: offer is missing a password")
	}
	if c.options.DownloadDir == "" {
		return "", errors.New("transfer: no download directory configured")
	}

	transferID := offer.TransferID
	c.recordStart(transferID, deviceID, storage.TransferDirectionReceive, len(offer.Files), totalSize(offer.Files))

	ctx, cancel := context.WithCancel(context.Background())
	c.register(transferID, deviceID, cancel)

	go func() {
		defer cancel()
		defer c.unregister(transferID)

		err := c.runReceive(ctx, deviceID, host, offer)
		if errors.Is(err, context.Canceled) {
			err = ErrCancelled
		}
		c.recordOutcome(transferID, err)
		if err != nil {
			c.logger.Warn("receive session ended", "transfer", transferID, "device", deviceID, "err", err)
			return
		}
		c.logger.Info("receive session complete", "transfer", transferID, "device", deviceID, "files", len(offer.Files))
	}()

	return transferID, nil
}

func (c *Coordinator) runReceive(ctx context.Context, deviceID, host string, offer protocol.FileTransferOffer) error {
	address := net.JoinHostPort(host, strconv.Itoa(offer.Port))
	conn, err := network.Dial(address, c.options.Certificate, nil, c.options.ControlTimeout)
	if err != nil {
		return fmt.Errorf("dial transfer socket %s: %w", address, err)
	}
	defer conn.Close()

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

	if err := tc.sendLine(offer.Password); err != nil {
		return fmt.Errorf("send transfer password: %w", err)
	}

	bytesTotal := totalSize(offer.Files)
	var bytesDone int64

	for _, meta := range offer.Files {
		if err := ctx.Err(); err != nil {
			return ErrCancelled
		}

		destPath, dest, err := createDestination(c.options.DownloadDir, meta.Name)
		if err != nil {
			return err
		}

		if err := tc.sendLine(tokenStart); err != nil {
			_ = dest.Close()
			_ = os.Remove(destPath)
			return err
		}

		base := bytesDone
		n, err := copyChunks(ctx, dest, tc, meta.SizeBytes, c.options.ChunkSize, func(done int64) {
			c.reportProgress(offer.TransferID, deviceID, base+done, bytesTotal)
		})
		closeErr := dest.Close()
		bytesDone += n
		if err != nil {
			// Only the in-flight file is removed; files already
			// confirmed complete stay on disk.
			_ = os.Remove(destPath)
			return fmt.Errorf("receive %q: %w", meta.Name, err)
		}
		if closeErr != nil {
			_ = os.Remove(destPath)
			return fmt.Errorf("finalize %q: %w", meta.Name, closeErr)
		}

		if err := tc.sendLine(tokenComplete); err != nil {
			return err
		}
	}

	return nil
}

// createDestination opens a new file for an incoming transfer, never
// overwriting an existing file and never escaping the download directory.
func createDestination(downloadDir, name string) (string, *os.File, error) {
	base := filepath.Base(filepath.Clean(name))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "", nil, fmt.Errorf("invalid file name %q", name)
	}

	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for attempt := 0; attempt < 1000; attempt++ {
		candidate := base
		if attempt > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, attempt, ext)
		}
		destPath := filepath.Join(downloadDir, candidate)

		dest, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return destPath, dest, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", nil, fmt.Errorf("create destination for %q: %w", name, err)
		}
	}

	return "", nil, fmt.Errorf("no free destination name for %q", name)
}

package network

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"airlink/protocol"
)

// MessageHandler receives decoded inbound frames with the originating device.
type MessageHandler func(deviceID string, msg protocol.Message)

// ClosedHandler is invoked exactly once when a connection's read loop ends.
type ClosedHandler func(deviceID string, err error)

// DeviceConnection owns one socket's read and write side for one remote
// device. Created once the identity handshake succeeds; destroyed on any
// read/write failure, explicit disconnect, or coordinator shutdown.
type DeviceConnection struct {
	deviceID string

	conn    net.Conn
	scanner *bufio.Scanner

	// All writers pass through sendMu so frames from concurrent callers are
	// never interleaved mid-frame.
	sendMu sync.Mutex
	writer *bufio.Writer

	closeOnce  sync.Once
	closed     chan struct{}
	notifyOnce sync.Once

	logger *log.Logger
}

// NewDeviceConnection wraps a handshake-complete socket. Bind must be called
// with the peer's device ID before StartListening.
func NewDeviceConnection(conn net.Conn, logger *log.Logger) *DeviceConnection {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxFrameSize)

	if logger == nil {
		logger = log.Default()
	}

	return &DeviceConnection{
		conn:    conn,
		scanner: scanner,
		writer:  bufio.NewWriter(conn),
		closed:  make(chan struct{}),
		logger:  logger,
	}
}

// Bind records the remote device identity. It must happen before the read
// loop starts; inbound connections learn the ID from the handshake frame.
func (c *DeviceConnection) Bind(deviceID string) {
	c.deviceID = deviceID
}

// DeviceID returns the bound remote device ID.
func (c *DeviceConnection) DeviceID() string {
	return c.deviceID
}

// RemoteAddr returns the socket's remote address.
func (c *DeviceConnection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Done is closed when the connection has been torn down.
func (c *DeviceConnection) Done() <-chan struct{} {
	return c.closed
}

// Send serializes and writes one frame, then flushes. Sending on a closed
// connection is a silent no-op: callers never have to check connection
// state before every send.
func (c *DeviceConnection) Send(msg protocol.Message) error {
	select {
	case <-c.closed:
		return nil
	default:
	}

	line, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if _, err := c.writer.Write(line); err != nil {
		c.Close()
		return fmt.Errorf("write frame: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		c.Close()
		return fmt.Errorf("flush frame: %w", err)
	}
	return nil
}

// ReadMessage blocks for the next decodable frame, bounded by timeout.
// Undecodable frames are dropped and the wait continues. Used for the
// device_info exchange before the read loop starts.
func (c *DeviceConnection) ReadMessage(timeout time.Duration) (protocol.Message, error) {
	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = c.conn.SetReadDeadline(time.Time{})
		}()
	}

	for {
		line, err := c.nextFrame()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for frame", ErrTimeout)
			}
			return nil, err
		}
		if len(line) == 0 {
			continue
		}
		if msg := protocol.Decode(line); msg != nil {
			return msg, nil
		}
		c.logger.Debug("dropping undecodable frame", "device", c.deviceID)
	}
}

// StartListening runs the dedicated read loop: it blocks on the next
// newline-delimited frame, decodes it, and invokes onMessage. Decode
// failures drop the frame and continue; only I/O failure or closure stops
// the loop, after which onClosed fires exactly once.
func (c *DeviceConnection) StartListening(onMessage MessageHandler, onClosed ClosedHandler) {
	go func() {
		var loopErr error
		for {
			line, err := c.nextFrame()
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					loopErr = err
				}
				break
			}
			if len(line) == 0 {
				continue
			}

			msg := protocol.Decode(line)
			if msg == nil {
				c.logger.Debug("dropping undecodable frame", "device", c.deviceID)
				continue
			}
			onMessage(c.deviceID, msg)
		}

		c.Close()
		c.notifyOnce.Do(func() {
			onClosed(c.deviceID, loopErr)
		})
	}()
}

// Close cancels the read loop and releases the socket. Idempotent.
func (c *DeviceConnection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *DeviceConnection) nextFrame() ([]byte, error) {
	if c.scanner.Scan() {
		return c.scanner.Bytes(), nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

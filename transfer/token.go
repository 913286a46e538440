package transfer

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"airlink/network"
)

const (
	tokenStart    = "start"
	tokenComplete = "complete"
)

// tokenConn wraps a transfer socket with the control-line protocol: plaintext
// tokens, one per line, interleaved with raw file bytes. Raw reads MUST go
// through the same buffered reader as line reads, otherwise bytes already
// buffered for a control line would be lost from the file stream.
type tokenConn struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
}

func newTokenConn(conn net.Conn, timeout time.Duration) *tokenConn {
	return &tokenConn{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: timeout,
	}
}

// sendLine writes one control line under the control timeout.
func (t *tokenConn) sendLine(line string) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := t.conn.Write([]byte(line + "\n")); err != nil {
		return classifyControlError(err)
	}
	return t.conn.SetWriteDeadline(time.Time{})
}

// readLine reads one control line under the control timeout. Trailing CR is
// tolerated for peers that send CRLF.
func (t *tokenConn) readLine() (string, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(t.timeout)); err != nil {
		return "", fmt.Errorf("set read deadline: %w", err)
	}
	line, err := t.reader.ReadString('\n')
	if err != nil {
		return "", classifyControlError(err)
	}
	if err := t.conn.SetReadDeadline(time.Time{}); err != nil {
		return "", fmt.Errorf("clear read deadline: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// awaitToken blocks until the peer sends the expected control token.
func (t *tokenConn) awaitToken(want string) error {
	got, err := t.readLine()
	if err != nil {
		return fmt.Errorf("await %q token: %w", want, err)
	}
	if got != want {
		return fmt.Errorf("await %q token: peer sent %q", want, got)
	}
	return nil
}

// Read serves raw file bytes from the shared buffered reader.
func (t *tokenConn) Read(p []byte) (int, error) {
	return t.reader.Read(p)
}

func (t *tokenConn) Close() error {
	return t.conn.Close()
}

func classifyControlError(err error) error {
	var netErr net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", network.ErrTimeout, err)
	}
	return err
}

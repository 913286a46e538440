package network

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"airlink/trust"
)

const (
	// DefaultConnectTimeout bounds TCP dial plus TLS handshake duration.
	DefaultConnectTimeout = 15 * time.Second
	// DefaultHandshakeTimeout bounds the device_info exchange wait.
	DefaultHandshakeTimeout = 10 * time.Second
)

var (
	// ErrConnect indicates the remote address was unreachable or refused.
	ErrConnect = errors.New("network: connect failed")
	// ErrTimeout indicates a handshake or control wait exceeded its budget.
	ErrTimeout = errors.New("network: operation timed out")
	// ErrNoPortAvailable indicates every port in the requested range was taken.
	ErrNoPortAvailable = errors.New("network: no port available in range")
)

// verifyPin accepts exactly one leaf certificate, byte for byte.
func verifyPin(pin []byte) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("%w: peer presented no certificate", trust.ErrCertificateMismatch)
		}
		if !bytes.Equal(rawCerts[0], pin) {
			return trust.ErrCertificateMismatch
		}
		return nil
	}
}

func clientTLSConfig(cert tls.Certificate, pin []byte) *tls.Config {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		// Peers use self-signed certificates; trust is either established
		// out of band (pairing) or enforced by the pin below.
		InsecureSkipVerify: true,
	}
	if pin != nil {
		cfg.VerifyPeerCertificate = verifyPin(pin)
	}
	return cfg
}

func serverTLSConfig(cert tls.Certificate, pin []byte) *tls.Config {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   tls.RequireAnyClientCert,
	}
	if pin != nil {
		cfg.VerifyPeerCertificate = verifyPin(pin)
	}
	return cfg
}

// Dial opens a TLS client connection and completes the handshake under the
// selected trust mode: trust-all when pin is nil, pinned otherwise. The
// timeout covers dial and handshake together; a hang during either never
// blocks the caller past it.
func Dial(address string, cert tls.Certificate, pin []byte, timeout time.Duration) (*tls.Conn, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", address, clientTLSConfig(cert, pin))
	if err != nil {
		if errors.Is(err, trust.ErrCertificateMismatch) {
			return nil, fmt.Errorf("dial %q: %w", address, trust.ErrCertificateMismatch)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: dial %q", ErrTimeout, address)
		}
		return nil, fmt.Errorf("%w: dial %q: %v", ErrConnect, address, err)
	}

	return conn, nil
}

// ListenRange binds a mutual-TLS listener to the first free port in
// [portLow, portHigh]. The chosen port is advertised to the peer in band,
// so it must be discoverable rather than assumed fixed.
func ListenRange(host string, portLow, portHigh int, cert tls.Certificate, pin []byte) (net.Listener, int, error) {
	if portHigh < portLow {
		return nil, 0, fmt.Errorf("%w: invalid range %d-%d", ErrNoPortAvailable, portLow, portHigh)
	}

	cfg := serverTLSConfig(cert, pin)
	for port := portLow; port <= portHigh; port++ {
		inner, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
		if err != nil {
			continue
		}
		return tls.NewListener(inner, cfg), port, nil
	}

	return nil, 0, fmt.Errorf("%w: %d-%d", ErrNoPortAvailable, portLow, portHigh)
}

package network

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"golang.org/x/crypto/hkdf"

	"airlink/identity"
	"airlink/protocol"
)

var (
	// ErrHandshakeRejected indicates the peer's device_info did not match
	// what this side expected (wrong device, bad pairing proof).
	ErrHandshakeRejected = errors.New("network: handshake rejected")
)

// buildDeviceInfo assembles the local identity handshake frame.
func buildDeviceInfo(id *identity.Identity, deviceID, deviceName string, pairSecret []byte, peerDeviceID string) protocol.DeviceInfo {
	info := protocol.DeviceInfo{
		Type:            protocol.TypeDeviceInfo,
		DeviceID:        deviceID,
		DeviceName:      deviceName,
		PublicKey:       identity.Fingerprint(id.Certificate),
		ProtocolVersion: protocol.ProtocolVersion,
	}
	if len(pairSecret) > 0 && peerDeviceID != "" {
		info.PairProof = pairProof(pairSecret, deviceID, peerDeviceID)
	}
	return info
}

// pairProof derives the hashed shared secret carried in device_info when
// re-pairing. kdf inputs are symmetric in the two device IDs so both ends
// derive the same proof.
func pairProof(secret []byte, localDeviceID, peerDeviceID string) string {
	ids := []string{localDeviceID, peerDeviceID}
	sort.Strings(ids)

	kdf := hkdf.New(sha256.New, secret, []byte(ids[0]+"|"+ids[1]), []byte("airlink pair proof"))
	proof := make([]byte, 32)
	if _, err := io.ReadFull(kdf, proof); err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(proof)
}

func verifyPairProof(secret []byte, localDeviceID string, info *protocol.DeviceInfo) error {
	if len(secret) == 0 {
		return nil
	}
	want := pairProof(secret, localDeviceID, info.DeviceID)
	if !hmac.Equal([]byte(want), []byte(info.PairProof)) {
		return fmt.Errorf("%w: pairing proof mismatch for %q", ErrHandshakeRejected, info.DeviceID)
	}
	return nil
}

// awaitDeviceInfo waits (bounded, not a fixed sleep) for the peer's own
// device_info frame. Both socket ends race between accept and connect, so
// each side confirms identity before trusting the link.
func awaitDeviceInfo(conn *DeviceConnection, timeout time.Duration) (*protocol.DeviceInfo, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: waiting for device_info", ErrTimeout)
		}

		msg, err := conn.ReadMessage(remaining)
		if err != nil {
			return nil, err
		}
		if info, ok := msg.(*protocol.DeviceInfo); ok {
			if info.DeviceID == "" {
				return nil, fmt.Errorf("%w: device_info without device ID", ErrHandshakeRejected)
			}
			return info, nil
		}
		// Not the handshake frame; a racing peer may emit ping first.
	}
}

// peerLeafCertificate extracts the peer's raw leaf certificate from a
// handshake-complete TLS connection.
func peerLeafCertificate(conn *tls.Conn) []byte {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	return state.PeerCertificates[0].Raw
}

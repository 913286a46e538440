package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveDevice inserts a paired device row or refreshes the name of an
// existing one. The pinned certificate, its fingerprint, and the paired
// timestamp never change once the row exists; replacing the certificate
// requires RemoveDevice and a fresh pairing.
func (s *Store) SaveDevice(device Device) error {
	if device.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if device.DeviceName == "" {
		return errors.New("device_name is required")
	}
	if len(device.Certificate) == 0 {
		return errors.New("certificate is required")
	}
	if device.Fingerprint == "" {
		return errors.New("fingerprint is required")
	}
	if device.PairedTimestamp == 0 {
		device.PairedTimestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO devices (
			device_id,
			device_name,
			certificate,
			fingerprint,
			paired_timestamp,
			last_connected_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name`,
		device.DeviceID,
		device.DeviceName,
		device.Certificate,
		device.Fingerprint,
		device.PairedTimestamp,
		nullInt64(device.LastConnectedAt),
	)
	if err != nil {
		return fmt.Errorf("save device %q: %w", device.DeviceID, err)
	}

	return nil
}

// GetDevice fetches a paired device by ID.
func (s *Store) GetDevice(deviceID string) (*Device, error) {
	row := s.db.QueryRow(
		`SELECT
			device_id,
			device_name,
			certificate,
			fingerprint,
			paired_timestamp,
			last_connected_at
		FROM devices
		WHERE device_id = ?`,
		deviceID,
	)

	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device %q: %w", deviceID, err)
	}

	return device, nil
}

// ListDevices returns all paired devices sorted by device name.
func (s *Store) ListDevices() ([]Device, error) {
	rows, err := s.db.Query(
		`SELECT
			device_id,
			device_name,
			certificate,
			fingerprint,
			paired_timestamp,
			last_connected_at
		FROM devices
		ORDER BY device_name, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]Device, 0)
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, *device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}

	return devices, nil
}

// RemoveDevice deletes a paired device and, via cascade, its addresses.
// Unpairing must be explicit before a device with a changed certificate can
// pair again.
func (s *Store) RemoveDevice(deviceID string) error {
	res, err := s.db.Exec(`DELETE FROM devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("remove device %q: %w", deviceID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove device %q: %w", deviceID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateLastConnected records the timestamp of the latest successful
// connection to a device.
func (s *Store) UpdateLastConnected(deviceID string, timestamp int64) error {
	res, err := s.db.Exec(
		`UPDATE devices SET last_connected_at = ? WHERE device_id = ?`,
		timestamp,
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("update last connected for %q: %w", deviceID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update last connected for %q: %w", deviceID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// PinnedCertificates loads the certificate pin for every paired device,
// keyed by device ID. Used to seed the in-memory trust store at startup.
func (s *Store) PinnedCertificates() (map[string][]byte, error) {
	rows, err := s.db.Query(`SELECT device_id, certificate FROM devices`)
	if err != nil {
		return nil, fmt.Errorf("list pinned certificates: %w", err)
	}
	defer rows.Close()

	pins := make(map[string][]byte)
	for rows.Next() {
		var deviceID string
		var certificate []byte
		if err := rows.Scan(&deviceID, &certificate); err != nil {
			return nil, fmt.Errorf("scan pinned certificate row: %w", err)
		}
		pins[deviceID] = certificate
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pinned certificate rows: %w", err)
	}

	return pins, nil
}

// ReplaceAddresses replaces the full candidate address list for a device.
func (s *Store) ReplaceAddresses(deviceID string, addresses []DeviceAddress) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin address transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`DELETE FROM device_addresses WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("clear addresses for %q: %w", deviceID, err)
	}

	for _, addr := range addresses {
		if addr.Address == "" {
			return errors.New("address is required")
		}
		if _, err := tx.Exec(
			`INSERT INTO device_addresses (device_id, address, priority, enabled)
			VALUES (?, ?, ?, ?)`,
			deviceID,
			addr.Address,
			addr.Priority,
			addr.Enabled,
		); err != nil {
			return fmt.Errorf("insert address %q for %q: %w", addr.Address, deviceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit address transaction: %w", err)
	}

	return nil
}

// ListAddresses returns a device's candidate addresses in ascending priority
// order.
func (s *Store) ListAddresses(deviceID string) ([]DeviceAddress, error) {
	rows, err := s.db.Query(
		`SELECT device_id, address, priority, enabled
		FROM device_addresses
		WHERE device_id = ?
		ORDER BY priority, address`,
		deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list addresses for %q: %w", deviceID, err)
	}
	defer rows.Close()

	addresses := make([]DeviceAddress, 0)
	for rows.Next() {
		var addr DeviceAddress
		if err := rows.Scan(&addr.DeviceID, &addr.Address, &addr.Priority, &addr.Enabled); err != nil {
			return nil, fmt.Errorf("scan address row: %w", err)
		}
		addresses = append(addresses, addr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate address rows: %w", err)
	}

	return addresses, nil
}

// InsertSecurityEvent records a trust violation or other security-relevant
// incident for later inspection.
func (s *Store) InsertSecurityEvent(deviceID, details string, timestamp int64) error {
	if details == "" {
		return errors.New("details is required")
	}
	if timestamp == 0 {
		timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO security_events (device_id, details, timestamp) VALUES (?, ?, ?)`,
		deviceID,
		details,
		timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert security event: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var device Device
	var lastConnected sql.NullInt64

	if err := row.Scan(
		&device.DeviceID,
		&device.DeviceName,
		&device.Certificate,
		&device.Fingerprint,
		&device.PairedTimestamp,
		&lastConnected,
	); err != nil {
		return nil, err
	}

	device.LastConnectedAt = int64Ptr(lastConnected)
	return &device, nil
}

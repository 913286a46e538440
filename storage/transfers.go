package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// InsertTransfer records a new transfer batch in the active state.
func (s *Store) InsertTransfer(transfer Transfer) error {
	if transfer.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if transfer.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if err := validateTransferDirection(transfer.Direction); err != nil {
		return err
	}
	if transfer.FileCount <= 0 {
		return errors.New("file_count must be positive")
	}
	if transfer.Status == "" {
		transfer.Status = TransferStatusActive
	}
	if err := validateTransferStatus(transfer.Status); err != nil {
		return err
	}
	if transfer.CreatedAt == 0 {
		transfer.CreatedAt = nowUnixMilli()
	}
	if transfer.UpdatedAt == 0 {
		transfer.UpdatedAt = transfer.CreatedAt
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			device_id,
			direction,
			file_count,
			total_bytes,
			bytes_done,
			status,
			created_at,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transfer.TransferID,
		transfer.DeviceID,
		transfer.Direction,
		transfer.FileCount,
		transfer.TotalBytes,
		transfer.BytesDone,
		transfer.Status,
		transfer.CreatedAt,
		transfer.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", transfer.TransferID, err)
	}

	return nil
}

// UpdateTransferProgress advances the completed byte count for an active
// transfer.
func (s *Store) UpdateTransferProgress(transferID string, bytesDone int64) error {
	res, err := s.db.Exec(
		`UPDATE transfers SET bytes_done = ?, updated_at = ? WHERE transfer_id = ?`,
		bytesDone,
		nowUnixMilli(),
		transferID,
	)
	if err != nil {
		return fmt.Errorf("update transfer progress %q: %w", transferID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update transfer progress %q: %w", transferID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateTransferStatus sets the terminal (or active) status of a transfer.
func (s *Store) UpdateTransferStatus(transferID, status string) error {
	if err := validateTransferStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE transfers SET status = ?, updated_at = ? WHERE transfer_id = ?`,
		status,
		nowUnixMilli(),
		transferID,
	)
	if err != nil {
		return fmt.Errorf("update transfer status %q: %w", transferID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update transfer status %q: %w", transferID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetTransfer fetches one transfer by ID.
func (s *Store) GetTransfer(transferID string) (*Transfer, error) {
	row := s.db.QueryRow(
		`SELECT
			transfer_id,
			device_id,
			direction,
			file_count,
			total_bytes,
			bytes_done,
			status,
			created_at,
			updated_at
		FROM transfers
		WHERE transfer_id = ?`,
		transferID,
	)

	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}

	return transfer, nil
}

// ListTransfers returns a device's transfer history, newest first. An empty
// device ID returns history across all devices.
func (s *Store) ListTransfers(deviceID string, limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT
		transfer_id,
		device_id,
		direction,
		file_count,
		total_bytes,
		bytes_done,
		status,
		created_at,
		updated_at
	FROM transfers`
	args := []any{}
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY created_at DESC, transfer_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		transfers = append(transfers, *transfer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return transfers, nil
}

func scanTransfer(row rowScanner) (*Transfer, error) {
	var transfer Transfer
	if err := row.Scan(
		&transfer.TransferID,
		&transfer.DeviceID,
		&transfer.Direction,
		&transfer.FileCount,
		&transfer.TotalBytes,
		&transfer.BytesDone,
		&transfer.Status,
		&transfer.CreatedAt,
		&transfer.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &transfer, nil
}

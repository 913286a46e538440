package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// TransferDirectionSend marks transfers our device initiated.
	TransferDirectionSend = "send"
	// TransferDirectionReceive marks transfers offered by a remote device.
	TransferDirectionReceive = "receive"
)

const (
	// TransferStatusActive is a transfer that is still streaming bytes.
	TransferStatusActive = "active"
	// TransferStatusComplete is a transfer whose every file arrived in full.
	TransferStatusComplete = "complete"
	// TransferStatusFailed is a transfer aborted by an error.
	TransferStatusFailed = "failed"
	// TransferStatusCancelled is a transfer stopped by explicit request.
	TransferStatusCancelled = "cancelled"
)

// Device is the SQLite representation of a paired remote device.
type Device struct {
	DeviceID        string
	DeviceName      string
	Certificate     []byte
	Fingerprint     string
	PairedTimestamp int64
	LastConnectedAt *int64
}

// DeviceAddress is one host:port candidate for reaching a paired device,
// tried in ascending priority order.
type DeviceAddress struct {
	DeviceID string
	Address  string
	Priority int
	Enabled  bool
}

// Transfer is one history row covering a whole multi-file batch.
type Transfer struct {
	TransferID string
	DeviceID   string
	Direction  string
	FileCount  int
	TotalBytes int64
	BytesDone  int64
	Status     string
	CreatedAt  int64
	UpdatedAt  int64
}

func validateTransferDirection(direction string) error {
	switch direction {
	case TransferDirectionSend, TransferDirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusActive, TransferStatusComplete, TransferStatusFailed, TransferStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

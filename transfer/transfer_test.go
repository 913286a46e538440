package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"airlink/identity"
	"airlink/protocol"
	"airlink/storage"
)

func testCertificate(t *testing.T) tls.Certificate {
	t.Helper()

	dir := t.TempDir()
	store := &identity.DiskKeyStore{
		PrivateKeyPath:  filepath.Join(dir, "device_private.pem"),
		CertificatePath: filepath.Join(dir, "device_cert.pem"),
		CommonName:      "transfer-test",
	}
	id, err := identity.EnsureIdentity(store)
	if err != nil {
		t.Fatalf("ensure identity: %v", err)
	}
	return id.TLSCertificate()
}

func writeTestFile(t *testing.T, dir, name string, size int) string {
	t.Helper()

	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("generate file data: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}
	return path
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// transferPair wires a sender and receiver coordinator together by routing
// offers directly to the receiver, standing in for the primary connection.
type transferPair struct {
	sender   *Coordinator
	receiver *Coordinator
	download string
	store    *storage.Store
}

func newTransferPair(t *testing.T, mutateOffer func(*protocol.FileTransferOffer), onProgress ProgressFunc) *transferPair {
	t.Helper()

	download := t.TempDir()
	dataDir := t.TempDir()
	dbStore, _, err := storage.Open(dataDir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = dbStore.Close() })

	cert := testCertificate(t)

	receiver, err := NewCoordinator(Options{
		Certificate:    cert,
		ListenHost:     "127.0.0.1",
		DownloadDir:    download,
		ControlTimeout: 5 * time.Second,
		ChunkSize:      1024,
		OnProgress:     onProgress,
		SendOffer: func(string, protocol.FileTransferOffer) error {
			return errors.New("receiver does not send offers in this test")
		},
	})
	if err != nil {
		t.Fatalf("new receiver coordinator: %v", err)
	}

	pair := &transferPair{receiver: receiver, download: download, store: dbStore}

	sender, err := NewCoordinator(Options{
		Certificate:    cert,
		ListenHost:     "127.0.0.1",
		ControlTimeout: 5 * time.Second,
		ChunkSize:      1024,
		Store:          dbStore,
		SendOffer: func(deviceID string, offer protocol.FileTransferOffer) error {
			if mutateOffer != nil {
				mutateOffer(&offer)
			}
			_, err := receiver.Receive(deviceID, "127.0.0.1", offer)
			return err
		},
	})
	if err != nil {
		t.Fatalf("new sender coordinator: %v", err)
	}
	pair.sender = sender

	return pair
}

func TestBatchTransferIsByteIdentical(t *testing.T) {
	pair := newTransferPair(t, nil, nil)

	srcDir := t.TempDir()
	paths := []string{
		writeTestFile(t, srcDir, "one.bin", 10),
		writeTestFile(t, srcDir, "two.bin", 5000),
		writeTestFile(t, srcDir, "three.bin", 0),
	}

	transferID, err := pair.sender.SendFiles("device-b", paths)
	if err != nil {
		t.Fatalf("send files: %v", err)
	}

	waitFor(t, 10*time.Second, "transfer completion", func() bool {
		transfer, err := pair.store.GetTransfer(transferID)
		return err == nil && transfer.Status == storage.TransferStatusComplete
	})

	for _, src := range paths {
		want, err := os.ReadFile(src)
		if err != nil {
			t.Fatalf("read source: %v", err)
		}
		got, err := os.ReadFile(filepath.Join(pair.download, filepath.Base(src)))
		if err != nil {
			t.Fatalf("read received file: %v", err)
		}
		if !bytes.Equal(want, got) {
			t.Fatalf("received %q differs from original", filepath.Base(src))
		}
	}

	transfer, err := pair.store.GetTransfer(transferID)
	if err != nil {
		t.Fatalf("get transfer: %v", err)
	}
	if transfer.BytesDone != 5010 {
		t.Fatalf("bytes done = %d, want 5010", transfer.BytesDone)
	}
}

func TestWrongPasswordFailsAuthentication(t *testing.T) {
	pair := newTransferPair(t, func(offer *protocol.FileTransferOffer) {
		offer.Password = "not-the-password"
	}, nil)

	srcDir := t.TempDir()
	paths := []string{writeTestFile(t, srcDir, "secret.bin", 256)}

	transferID, err := pair.sender.SendFiles("device-b", paths)
	if err != nil {
		t.Fatalf("send files: %v", err)
	}

	waitFor(t, 10*time.Second, "transfer failure", func() bool {
		transfer, err := pair.store.GetTransfer(transferID)
		return err == nil && transfer.Status == storage.TransferStatusFailed
	})

	if _, err := os.Stat(filepath.Join(pair.download, "secret.bin")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no received file, stat err = %v", err)
	}
}

func TestMidBatchCancelKeepsCompletedFiles(t *testing.T) {
	const fileOneSize = 1024
	const fileTwoSize = 64 * 1024

	var once sync.Once
	var receiverRef *Coordinator

	onProgress := func(p Progress) {
		// Cancel while file two's bytes are streaming.
		if p.BytesDone > fileOneSize {
			once.Do(func() { receiverRef.Cancel(p.TransferID) })
		}
	}

	pair := newTransferPair(t, nil, onProgress)
	receiverRef = pair.receiver

	srcDir := t.TempDir()
	paths := []string{
		writeTestFile(t, srcDir, "first.bin", fileOneSize),
		writeTestFile(t, srcDir, "second.bin", fileTwoSize),
		writeTestFile(t, srcDir, "third.bin", 1024),
	}

	transferID, err := pair.sender.SendFiles("device-b", paths)
	if err != nil {
		t.Fatalf("send files: %v", err)
	}
	if transferID == "" {
		t.Fatal("empty transfer id")
	}

	waitFor(t, 10*time.Second, "sessions to end", func() bool {
		return len(pair.sender.ActiveTransfers()) == 0 && len(pair.receiver.ActiveTransfers()) == 0
	})

	first, err := os.ReadFile(filepath.Join(pair.download, "first.bin"))
	if err != nil {
		t.Fatalf("completed first file missing: %v", err)
	}
	want, _ := os.ReadFile(paths[0])
	if !bytes.Equal(first, want) {
		t.Fatal("completed first file corrupted by cancellation")
	}

	if _, err := os.Stat(filepath.Join(pair.download, "second.bin")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("partial second file should be deleted, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(pair.download, "third.bin")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("third file should never be attempted, stat err = %v", err)
	}
}

func TestCopyChunksRejectsShortRead(t *testing.T) {
	src := strings.NewReader("only ten b")
	var dst bytes.Buffer

	_, err := copyChunks(context.Background(), &dst, src, 100, 4, nil)
	if !errors.Is(err, ErrIncompleteTransfer) {
		t.Fatalf("err = %v, want ErrIncompleteTransfer", err)
	}
}

func TestCopyChunksExactSize(t *testing.T) {
	payload := make([]byte, 4096)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("generate payload: %v", err)
	}

	// Extra trailing bytes past the declared size must not be consumed.
	src := bytes.NewReader(append(append([]byte{}, payload...), "trailing-token\n"...))
	var dst bytes.Buffer

	n, err := copyChunks(context.Background(), &dst, src, int64(len(payload)), 1000, nil)
	if err != nil {
		t.Fatalf("copy chunks: %v", err)
	}
	if n != int64(len(payload)) {
		t.Fatalf("copied %d bytes, want %d", n, len(payload))
	}
	if !bytes.Equal(dst.Bytes(), payload) {
		t.Fatal("copied bytes differ from payload")
	}

	rest, err := io.ReadAll(src)
	if err != nil {
		t.Fatalf("read remainder: %v", err)
	}
	if string(rest) != "trailing-token\n" {
		t.Fatalf("remainder = %q, want trailing token", rest)
	}
}

func TestCreateDestinationNeverOverwrites(t *testing.T) {
	dir := t.TempDir()

	pathA, fileA, err := createDestination(dir, "report.txt")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	_ = fileA.Close()

	pathB, fileB, err := createDestination(dir, "report.txt")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	_ = fileB.Close()

	if pathA == pathB {
		t.Fatalf("second destination reused %q", pathA)
	}
	if filepath.Base(pathB) != "report (1).txt" {
		t.Fatalf("second destination = %q", filepath.Base(pathB))
	}

	if _, _, err := createDestination(dir, "../escape.txt"); err != nil {
		t.Fatalf("sanitized name should succeed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.txt")); err != nil {
		t.Fatalf("sanitized file not inside download dir: %v", err)
	}
}

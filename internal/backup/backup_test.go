package backup

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/nacl/box"

	"github.com/shopbot/server/internal/config"
	apperrors "github.com/shopbot/server/internal/errors"
	"github.com/shopbot/server/internal/metrics"
	"github.com/shopbot/server/internal/notify"
	"github.com/shopbot/server/internal/storage"
)

func newTestWorker(t *testing.T, dir string, publicKey *[32]byte) (*Worker, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	cfg := config.BackupConfig{
		Enabled:       true,
		IntervalHours: 6,
		RetentionDays: 7,
		PublicKey:     hex.EncodeToString(publicKey[:]),
		Directory:     dir,
	}
	w, err := NewWorker(store, notify.Nop{}, metrics.New(prometheus.NewRegistry()), clockwork.NewFakeClock(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	return w, store
}

func TestBackupRoundTrip(t *testing.T) {
	public, private, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	dir := t.TempDir()
	w, store := newTestWorker(t, dir, public)
	ctx := context.Background()

	err = store.CreateUser(ctx, storage.User{ID: "u1", ExternalID: "chat-u1", BalanceCents: 1234})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}

	path, err := w.BackupOnce(ctx)
	if err != nil {
		t.Fatalf("BackupOnce: %v", err)
	}

	sealed, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	// The archive on disk must never contain the dump in the clear.
	if strings.Contains(string(sealed), "chat-u1") {
		t.Fatal("archive contains plaintext")
	}
	opened, ok := box.OpenAnonymous(nil, sealed, public, private)
	if !ok {
		t.Fatal("archive did not decrypt with the private key")
	}
	if !strings.Contains(string(opened), "chat-u1") || !strings.Contains(string(opened), "1234") {
		t.Error("decrypted archive missing seeded data")
	}

	// Checksum sidecar matches the sealed bytes.
	sidecar, err := os.ReadFile(path + ".sha256")
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	if len(strings.TrimSpace(string(sidecar))) != 64 {
		t.Errorf("sidecar = %q, want 64 hex chars", sidecar)
	}
}

func TestWorkerFailsClosedWithoutKey(t *testing.T) {
	store := storage.NewMemoryStore()
	m := metrics.New(prometheus.NewRegistry())

	_, err := NewWorker(store, notify.Nop{}, m, nil, config.BackupConfig{Enabled: true}, zerolog.Nop())
	if !apperrors.HasCode(err, apperrors.ErrCodeBackupEncryptionUnavailable) {
		t.Errorf("missing key err = %v, want %s", err, apperrors.ErrCodeBackupEncryptionUnavailable)
	}

	_, err = NewWorker(store, notify.Nop{}, m, nil, config.BackupConfig{
		Enabled: true, PublicKey: "not-hex",
	}, zerolog.Nop())
	if !apperrors.HasCode(err, apperrors.ErrCodeBackupEncryptionUnavailable) {
		t.Errorf("bad key err = %v, want %s", err, apperrors.ErrCodeBackupEncryptionUnavailable)
	}

	_, err = NewWorker(store, notify.Nop{}, m, nil, config.BackupConfig{
		Enabled: true, PublicKey: "abcd",
	}, zerolog.Nop())
	if !apperrors.HasCode(err, apperrors.ErrCodeBackupEncryptionUnavailable) {
		t.Errorf("short key err = %v, want %s", err, apperrors.ErrCodeBackupEncryptionUnavailable)
	}

	_, err = NewWorker(store, notify.Nop{}, m, nil, config.BackupConfig{Enabled: false}, zerolog.Nop())
	if !apperrors.HasCode(err, apperrors.ErrCodeBackupEncryptionDisabled) {
		t.Errorf("disabled err = %v, want %s", err, apperrors.ErrCodeBackupEncryptionDisabled)
	}
}

func TestPruneRemovesOldArchives(t *testing.T) {
	public, _, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	dir := t.TempDir()
	w, _ := newTestWorker(t, dir, public)

	// An archive well past the 7-day retention.
	old := filepath.Join(dir, "backup-20200101-000000"+archiveSuffix)
	if err := os.WriteFile(old, []byte("sealed"), 0o600); err != nil {
		t.Fatalf("write old archive: %v", err)
	}
	stale := time.Now().Add(-30 * 24 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatalf("age old archive: %v", err)
	}
	// An unrelated file is never touched.
	keep := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(keep, []byte("keep"), 0o600); err != nil {
		t.Fatalf("write unrelated file: %v", err)
	}

	if pruned := w.prune(time.Now()); pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("old archive still present")
	}
	if _, err := os.Stat(keep); err != nil {
		t.Error("unrelated file removed")
	}
}

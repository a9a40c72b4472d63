// Package backup produces encrypted database snapshots. Dumps are
// sealed with a NaCl box public key before anything reaches the
// filesystem; the matching private key never exists on this host, so a
// stolen archive directory is useless on its own.
package backup

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/nacl/box"

	"github.com/shopbot/server/internal/config"
	apperrors "github.com/shopbot/server/internal/errors"
	"github.com/shopbot/server/internal/metrics"
	"github.com/shopbot/server/internal/notify"
	"github.com/shopbot/server/internal/storage"
)

const archiveSuffix = ".sql.box"

// Worker writes sealed snapshots on a fixed cadence and prunes archives
// past retention.
type Worker struct {
	store     storage.Store
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	clock     clockwork.Clock
	logger    zerolog.Logger
	publicKey *[32]byte
	interval  time.Duration
	retention time.Duration
	directory string
}

// NewWorker validates the backup configuration and builds the worker.
// An enabled backup without a usable public key is a startup error:
// the worker never falls back to plaintext.
func NewWorker(store storage.Store, notifier notify.Notifier, m *metrics.Metrics, clock clockwork.Clock, cfg config.BackupConfig, logger zerolog.Logger) (*Worker, error) {
	if !cfg.Enabled {
		return nil, apperrors.New(apperrors.ErrCodeBackupEncryptionDisabled, "backups are disabled")
	}
	if cfg.PublicKey == "" {
		return nil, apperrors.New(apperrors.ErrCodeBackupEncryptionUnavailable, "backup public key not configured")
	}
	raw, err := hex.DecodeString(cfg.PublicKey)
	if err != nil || len(raw) != 32 {
		return nil, apperrors.New(apperrors.ErrCodeBackupEncryptionUnavailable,
			"backup public key must be 32 hex-encoded bytes")
	}
	var key [32]byte
	copy(key[:], raw)

	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	interval := time.Duration(cfg.IntervalHours) * time.Hour
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	directory := cfg.Directory
	if directory == "" {
		directory = "./data/backups"
	}

	return &Worker{
		store:     store,
		notifier:  notifier,
		metrics:   m,
		clock:     clock,
		logger:    logger.With().Str("component", "backup").Logger(),
		publicKey: &key,
		interval:  interval,
		retention: retention,
		directory: directory,
	}, nil
}

// Run produces snapshots until the context is cancelled. Blocking;
// callers start it in its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info().Dur("interval", w.interval).Str("directory", w.directory).Msg("backup worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("backup worker stopped")
			return
		case <-w.clock.After(w.interval):
			if _, err := w.BackupOnce(ctx); err != nil {
				w.logger.Error().Err(err).Msg("scheduled backup failed")
			}
		}
	}
}

// BackupOnce dumps the store, seals the dump, writes the archive, and
// verifies the bytes on disk against a checksum taken before the write.
// It returns the archive path.
func (w *Worker) BackupOnce(ctx context.Context) (string, error) {
	start := w.clock.Now()

	dump, err := w.store.Dump(ctx)
	if err != nil {
		w.metrics.ObserveBackup("failure", 0, 0)
		return "", apperrors.Wrap(apperrors.ErrCodeBackupCreationFailed, "dump store", err)
	}

	sealed, err := box.SealAnonymous(nil, dump, w.publicKey, rand.Reader)
	if err != nil {
		w.metrics.ObserveBackup("failure", 0, 0)
		return "", apperrors.Wrap(apperrors.ErrCodeBackupEncryptionFailed, "seal dump", err)
	}
	checksum := sha256.Sum256(sealed)

	if err := os.MkdirAll(w.directory, 0o700); err != nil {
		w.metrics.ObserveBackup("failure", 0, 0)
		return "", apperrors.Wrap(apperrors.ErrCodeBackupCreationFailed, "create archive directory", err)
	}

	name := "backup-" + start.UTC().Format("20060102-150405") + archiveSuffix
	path := filepath.Join(w.directory, name)
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		w.metrics.ObserveBackup("failure", 0, 0)
		return "", apperrors.Wrap(apperrors.ErrCodeBackupCreationFailed, "write archive", err)
	}

	if err := w.verify(path, checksum[:]); err != nil {
		w.metrics.ObserveBackup("corrupt", 0, 0)
		w.notifyAdmins(ctx, fmt.Sprintf("Backup %s failed checksum verification; archive kept for inspection.", name))
		return "", err
	}
	if err := os.WriteFile(path+".sha256", []byte(hex.EncodeToString(checksum[:])+"\n"), 0o600); err != nil {
		w.logger.Warn().Err(err).Str("path", path).Msg("checksum sidecar not written")
	}

	pruned := w.prune(start)
	w.metrics.ObserveBackup("success", int64(len(sealed)), pruned)
	w.logger.Info().
		Str("path", path).
		Int("size_bytes", len(sealed)).
		Int("pruned", pruned).
		Dur("duration", w.clock.Now().Sub(start)).
		Msg("backup written")
	return path, nil
}

// verify re-reads the archive and compares it against the checksum of
// the sealed bytes. A mismatch means the disk lied; the archive is kept
// for forensics but never trusted as a good backup.
func (w *Worker) verify(path string, want []byte) error {
	written, err := os.ReadFile(path)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeBackupCreationFailed, "read back archive", err)
	}
	got := sha256.Sum256(written)
	if !hashEqual(got[:], want) {
		return apperrors.New(apperrors.ErrCodeBackupCreationFailed, "archive checksum mismatch").
			WithDetail("path", path)
	}
	return nil
}

// prune removes archives and their checksum sidecars older than the
// retention window.
func (w *Worker) prune(now time.Time) int {
	entries, err := os.ReadDir(w.directory)
	if err != nil {
		w.logger.Warn().Err(err).Msg("read archive directory for pruning")
		return 0
	}
	cutoff := now.Add(-w.retention)
	pruned := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "backup-") {
			continue
		}
		if !strings.HasSuffix(entry.Name(), archiveSuffix) && !strings.HasSuffix(entry.Name(), ".sha256") {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(w.directory, entry.Name())); err != nil {
			w.logger.Warn().Err(err).Str("name", entry.Name()).Msg("prune failed")
			continue
		}
		if strings.HasSuffix(entry.Name(), archiveSuffix) {
			pruned++
		}
	}
	return pruned
}

func (w *Worker) notifyAdmins(ctx context.Context, message string) {
	if err := w.notifier.NotifyAdmins(ctx, message); err != nil {
		w.logger.Warn().Err(err).Msg("admin notification failed")
	}
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

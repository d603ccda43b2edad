package taskdeck

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// credentialDirPerm restricts the credential directory to the owner.
	credentialDirPerm = 0o700

	// credentialFilePerm restricts the credential file to the owner.
	credentialFilePerm = 0o600

	// watchTickInterval is how often pending file events are re-examined.
	watchTickInterval = 250 * time.Millisecond

	// watchSettleDelay is how long a file must stay quiet before a change
	// is delivered. Editors and atomic writers fire several events per
	// save.
	watchSettleDelay = 300 * time.Millisecond
)

// credentialRecord is the on-disk shape of a persisted credential. Token
// values are sealed transport strings; only the expiry is plaintext.
type credentialRecord struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	Expires      *time.Time `json:"expires"`
}

// writeCredentialRecord writes rec at path with owner-only permissions,
// creating parent directories as needed.
func writeCredentialRecord(path string, rec *credentialRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credential record: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, credentialDirPerm); err != nil {
			return fmt.Errorf("creating credential directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, credentialFilePerm); err != nil {
		return fmt.Errorf("writing credential file: %w", err)
	}

	return nil
}

// readCredentialRecord loads the record at path.
func readCredentialRecord(path string) (*credentialRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credential file: %w", err)
	}

	var rec credentialRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding credential file: %w", err)
	}

	if rec.AccessToken == "" {
		return nil, fmt.Errorf("credential file missing access token")
	}

	return &rec, nil
}

// WatchCredentialFile blocks watching path and invokes onChange after the
// file is created or rewritten, debouncing the burst of events a single
// save produces. The parent directory is watched so atomic
// rename-into-place updates are seen too. Returns when ctx is canceled.
func WatchCredentialFile(ctx context.Context, path string, logger *slog.Logger, onChange func()) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	target := filepath.Clean(path)

	// Zero means nothing pending.
	var pending time.Time

	ticker := time.NewTicker(watchTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				pending = time.Now()
				logger.Debug("credential file changed", slog.String("op", event.Op.String()))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("credential watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if pending.IsZero() || time.Since(pending) < watchSettleDelay {
				continue
			}
			pending = time.Time{}
			onChange()
		}
	}
}

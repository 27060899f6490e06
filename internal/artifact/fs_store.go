package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/voicedrop/voicedrop/internal/core"
)

// BackendFS names the filesystem backend in request records.
const BackendFS = "fs"

const (
	filePermissions = 0o600
	dirPermissions  = 0o750
)

// FSStore implements core.ArtifactStore on a local directory.
type FSStore struct {
	dir     string
	baseURL string
}

// NewFSStore ensures the artifact directory exists and returns the store.
func NewFSStore(dir, publicBaseURL string) (*FSStore, error) {
	err := os.MkdirAll(dir, dirPermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact directory '%s': %w", dir, err)
	}

	return &FSStore{
		dir:     dir,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
	}, nil
}

// Name identifies this backend in request records.
func (f *FSStore) Name() string {
	return BackendFS
}

// Upload writes audio bytes under the given key.
func (f *FSStore) Upload(_ context.Context, key string, data []byte) error {
	err := os.WriteFile(f.path(key), data, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write artifact '%s': %w", key, err)
	}

	return nil
}

// Download reads audio bytes stored under the given key.
func (f *FSStore) Download(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact '%s': %w", key, core.ErrNotFound)
		}

		return nil, fmt.Errorf("failed to read artifact '%s': %w", key, err)
	}

	return data, nil
}

// URL returns the durable client-facing URL for a stored key.
func (f *FSStore) URL(key string) string {
	return f.baseURL + "/" + sanitizeKey(key)
}

// Prune removes stored artifacts older than maxAge and returns how many were
// removed. Download URLs for pruned artifacts stop resolving; retention is an
// operator decision, not a lifecycle the pipeline depends on.
func (f *FSStore) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to scan artifact directory '%s': %w", f.dir, err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, entry := range entries {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return removed, fmt.Errorf("prune aborted: %w", ctxErr)
		}

		if entry.IsDir() {
			continue
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}

		if info.ModTime().After(cutoff) {
			continue
		}

		removeErr := os.Remove(filepath.Join(f.dir, entry.Name()))
		if removeErr != nil {
			return removed, fmt.Errorf("failed to prune artifact '%s': %w", entry.Name(), removeErr)
		}

		removed++
	}

	return removed, nil
}

// path confines keys to the artifact directory. Keys are generated from
// request ids plus a random suffix, but a stored key is still never trusted
// to contain path separators.
func (f *FSStore) path(key string) string {
	return filepath.Join(f.dir, sanitizeKey(key))
}

func sanitizeKey(key string) string {
	key = filepath.Base(key)

	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, key)
}

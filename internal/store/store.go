// Package store persists credential records. Every Save rewrites the full
// record set so a reader never observes a partially applied mutation.
package store

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/alexjbarnes/docbridge/internal/models"
)

const (
	// storeDirPerm is the permission mode for the store directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for store files. Records hold
	// provider refresh tokens.
	storeFilePerm = fs.FileMode(0o600)
)

// Backend names accepted by Open.
const (
	BackendJSON = "json"
	BackendBolt = "bolt"
)

// Store loads and saves the complete, insertion-ordered record set.
type Store interface {
	Load() ([]models.CredentialRecord, error)
	Save(records []models.CredentialRecord) error
	Close() error
}

// Open returns the store for the named backend at path, creating the
// parent directory if needed.
func Open(backend, path string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	switch backend {
	case BackendJSON, "":
		return OpenJSONFile(path)
	case BackendBolt:
		return OpenBolt(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// DefaultPath returns ~/.docbridge/<name>.
func DefaultPath(name string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".docbridge", name), nil
}

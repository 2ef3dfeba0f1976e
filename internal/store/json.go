package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/alexjbarnes/docbridge/internal/logging"
	"github.com/alexjbarnes/docbridge/internal/models"
	"github.com/gofrs/flock"
	"github.com/tidwall/gjson"
)

// JSONFile keeps all records in one JSON object keyed by API key. The
// object is written in insertion order and replaced atomically (temp file
// plus rename) on every Save.
type JSONFile struct {
	path string
	lock *flock.Flock
}

// OpenJSONFile takes an exclusive lock on path+".lock" so only one process
// owns the store at a time. The store file itself is created on first Save.
func OpenJSONFile(path string) (*JSONFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	lock := flock.New(path + ".lock")

	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking store: %w", err)
	}

	if !locked {
		return nil, fmt.Errorf("store %s is locked by another process", path)
	}

	return &JSONFile{path: path, lock: lock}, nil
}

// Path returns the store file location.
func (s *JSONFile) Path() string {
	return s.path
}

// Load reads every record in document order. A missing or empty file is an
// empty store.
func (s *JSONFile) Load() ([]models.CredentialRecord, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading store: %w", err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("parsing store %s: invalid JSON", s.path)
	}

	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("parsing store %s: top level is not an object", s.path)
	}

	var (
		records   []models.CredentialRecord
		decodeErr error
	)

	// ForEach walks object members in document order, which is the order
	// records were issued in.
	root.ForEach(func(k, v gjson.Result) bool {
		var rec models.CredentialRecord
		if err := json.Unmarshal([]byte(v.Raw), &rec); err != nil {
			decodeErr = fmt.Errorf("decoding record %s: %w", logging.KeyPrefix(k.String()), err)
			return false
		}

		rec.Key = k.String()
		records = append(records, rec)

		return true
	})

	if decodeErr != nil {
		return nil, decodeErr
	}

	return records, nil
}

// Save replaces the store file with records. On error the previous file
// is left untouched.
func (s *JSONFile) Save(records []models.CredentialRecord) error {
	data, err := encodeOrdered(records)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)

	tmp, err := os.CreateTemp(dir, ".keys-write-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tmpName, storeFilePerm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}

// Close releases the process lock.
func (s *JSONFile) Close() error {
	return s.lock.Unlock()
}

// encodeOrdered renders records as a JSON object whose members keep slice
// order. encoding/json sorts map keys, so the object is assembled by hand.
func encodeOrdered(records []models.CredentialRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte('{')

	for i, rec := range records {
		if i > 0 {
			buf.WriteByte(',')
		}

		k, err := json.Marshal(rec.Key)
		if err != nil {
			return nil, fmt.Errorf("encoding key: %w", err)
		}

		v, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encoding record %s: %w", logging.KeyPrefix(rec.Key), err)
		}

		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}

	buf.WriteByte('}')

	var out bytes.Buffer
	if err := json.Indent(&out, buf.Bytes(), "", "  "); err != nil {
		return nil, fmt.Errorf("formatting store: %w", err)
	}

	out.WriteByte('\n')

	return out.Bytes(), nil
}

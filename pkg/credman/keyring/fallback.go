package keyring

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"
)

const (
	keyFileName = "vault.key"
	keyFileMode = 0600
)

// FileKeyStore keeps the master key hex encoded in a 0600 file. It is used
// when the system keyring is unavailable.
type FileKeyStore struct {
	fs        afero.Fs
	configDir string
}

var fileRandRead = randRead

// NewFileKeyStore creates a FileKeyStore under configDir on fsys. A nil
// fsys means the OS filesystem.
func NewFileKeyStore(fsys afero.Fs, configDir string) *FileKeyStore {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &FileKeyStore{fs: fsys, configDir: configDir}
}

func (f *FileKeyStore) keyPath() string {
	return filepath.Join(f.configDir, keyFileName)
}

// SetKey generates a new key and writes it atomically via a temp file and
// rename.
func (f *FileKeyStore) SetKey() ([]byte, error) {
	if err := f.fs.MkdirAll(f.configDir, 0700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	key := make([]byte, KeySize)
	if _, err := fileRandRead(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	tmp, err := afero.TempFile(f.fs, f.configDir, ".vault.key.tmp.*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(encodeKey(key)); err != nil {
		tmp.Close()
		f.fs.Remove(tmpPath)
		return nil, fmt.Errorf("write key: %w", err)
	}
	if err := tmp.Close(); err != nil {
		f.fs.Remove(tmpPath)
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	if err := f.fs.Chmod(tmpPath, keyFileMode); err != nil {
		f.fs.Remove(tmpPath)
		return nil, fmt.Errorf("set permissions: %w", err)
	}
	if err := f.fs.Rename(tmpPath, f.keyPath()); err != nil {
		f.fs.Remove(tmpPath)
		return nil, fmt.Errorf("rename key file: %w", err)
	}
	return key, nil
}

func (f *FileKeyStore) GetKey() ([]byte, error) {
	data, err := afero.ReadFile(f.fs, f.keyPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeKey(string(data))
}

func encodeKey(key []byte) string {
	return hex.EncodeToString(key)
}

func (f *FileKeyStore) DeleteKey() error {
	err := f.fs.Remove(f.keyPath())
	if errors.Is(err, fs.ErrNotExist) {
		return ErrKeyNotFound
	}
	return err
}

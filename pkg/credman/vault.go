// Package credman keeps login credentials encrypted at rest.
//
// A Vault is a single JSON file holding one AES-GCM sealed entry per user.
// Each entry is bound to its user id, so entries cannot be swapped between
// users without failing authentication.
package credman

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"

	"github.com/loveace/acelink/pkg/credman/encryption"
	"github.com/loveace/acelink/pkg/session"
)

const vaultVersion = 1

var (
	// ErrNotFound is returned by Load and Delete for an unknown user.
	ErrNotFound = errors.New("credentials not found")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("vault closed")
)

type vaultFile struct {
	Version int               `json:"version"`
	Entries map[string][]byte `json:"entries"`
}

// Vault stores session.Credentials encrypted with a 32-byte master key.
type Vault struct {
	fs   afero.Fs
	path string
	key  []byte

	mu      sync.Mutex
	entries map[string][]byte
	closed  bool
}

// Open loads the vault at path on fsys, creating an empty one in memory if
// the file does not exist yet. A nil fsys means the OS filesystem.
func Open(fsys afero.Fs, path string, key []byte) (*Vault, error) {
	if len(key) != encryption.KeySize {
		return nil, encryption.ErrKeySize
	}
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	v := &Vault{
		fs:      fsys,
		path:    path,
		key:     append([]byte(nil), key...),
		entries: make(map[string][]byte),
	}
	if err := v.load(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Vault) load() error {
	data, err := afero.ReadFile(v.fs, v.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var f vaultFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("decode vault: %w", err)
	}
	if f.Version != vaultVersion {
		return fmt.Errorf("unsupported vault version %d", f.Version)
	}
	if f.Entries != nil {
		v.entries = f.Entries
	}
	return nil
}

// persist writes the vault through a temp file and rename.
func (v *Vault) persist() error {
	data, err := json.Marshal(vaultFile{Version: vaultVersion, Entries: v.entries})
	if err != nil {
		return err
	}
	dir := filepath.Dir(v.path)
	if err := v.fs.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := afero.TempFile(v.fs, dir, ".vault.tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		v.fs.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		v.fs.Remove(tmpPath)
		return err
	}
	if err := v.fs.Chmod(tmpPath, 0600); err != nil {
		v.fs.Remove(tmpPath)
		return err
	}
	if err := v.fs.Rename(tmpPath, v.path); err != nil {
		v.fs.Remove(tmpPath)
		return err
	}
	return nil
}

// Save stores c under c.UserID, replacing an existing entry.
func (v *Vault) Save(c session.Credentials) error {
	if c.UserID == "" {
		return session.ErrNoCredentials
	}
	plain, err := json.Marshal(c)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	sealed, err := encryption.Seal(plain, v.key, []byte(c.UserID))
	if err != nil {
		return err
	}
	v.entries[c.UserID] = sealed
	return v.persist()
}

// Load returns the credentials of userID.
func (v *Vault) Load(userID string) (session.Credentials, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return session.Credentials{}, ErrClosed
	}
	sealed, ok := v.entries[userID]
	if !ok {
		return session.Credentials{}, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}

	plain, err := encryption.Open(sealed, v.key, []byte(userID))
	if err != nil {
		return session.Credentials{}, fmt.Errorf("decrypt credentials for %s: %w", userID, err)
	}
	var c session.Credentials
	if err := json.Unmarshal(plain, &c); err != nil {
		return session.Credentials{}, fmt.Errorf("decode credentials for %s: %w", userID, err)
	}
	return c, nil
}

// Delete removes the entry of userID.
func (v *Vault) Delete(userID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	if _, ok := v.entries[userID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	delete(v.entries, userID)
	return v.persist()
}

// Users lists the stored user ids in sorted order.
func (v *Vault) Users() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	users := make([]string, 0, len(v.entries))
	for u := range v.entries {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Close wipes the key from memory. It is idempotent.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	for i := range v.key {
		v.key[i] = 0
	}
	v.entries = nil
	return nil
}

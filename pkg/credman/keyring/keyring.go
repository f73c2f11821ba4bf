// Package keyring stores the vault master key in the operating system
// keyring, with a file fallback for hosts that have none.
package keyring

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeySize is the length of a master key in bytes.
const KeySize = 32

// ErrKeyNotFound is returned by GetKey when no key has been stored yet.
var ErrKeyNotFound = errors.New("vault key not found")

// KeyStore holds a single master key.
type KeyStore interface {
	GetKey() ([]byte, error)
	SetKey() ([]byte, error)
	DeleteKey() error
}

// Keyring is the OS keyring backed KeyStore.
type Keyring struct {
	AppName  string
	KeyField string
}

var (
	keyringSet    = keyring.Set
	keyringGet    = keyring.Get
	keyringDelete = keyring.Delete
	randRead      = rand.Read
)

func NewKeyring() *Keyring {
	return &Keyring{
		AppName:  "acelink",
		KeyField: "vault",
	}
}

func (k *Keyring) SetKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := randRead(key); err != nil {
		return nil, err
	}
	if err := keyringSet(k.AppName, k.KeyField, hex.EncodeToString(key)); err != nil {
		return nil, err
	}
	return key, nil
}

func (k *Keyring) GetKey() ([]byte, error) {
	v, err := keyringGet(k.AppName, k.KeyField)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeKey(v)
}

func (k *Keyring) DeleteKey() error {
	err := keyringDelete(k.AppName, k.KeyField)
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrKeyNotFound
	}
	return err
}

// DecodeKey parses a hex encoded master key, e.g. from ACELINK_VAULT_KEY.
func DecodeKey(s string) ([]byte, error) {
	return decodeKey(s)
}

func decodeKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid key format: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length: expected %d, got %d", KeySize, len(key))
	}
	return key, nil
}

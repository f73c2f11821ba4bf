// Package store persists session snapshots between CLI invocations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loveace/acelink/pkg/session"
)

var (
	// ErrNotFound is returned by Load for an unknown key.
	ErrNotFound = errors.New("snapshot not found")
	// ErrUnavailable wraps backend failures.
	ErrUnavailable = errors.New("snapshot store unavailable")
)

// Store saves session snapshots under a key, usually the user id.
type Store interface {
	Save(ctx context.Context, key string, snap session.Snapshot) error
	Load(ctx context.Context, key string) (session.Snapshot, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

func encode(snap session.Snapshot) ([]byte, error) {
	return json.Marshal(snap)
}

func decode(data []byte) (session.Snapshot, error) {
	var snap session.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return session.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// Nop is a Store that keeps nothing.
type Nop struct{}

func (Nop) Save(context.Context, string, session.Snapshot) error { return nil }

func (Nop) Load(context.Context, string) (session.Snapshot, error) {
	return session.Snapshot{}, ErrNotFound
}

func (Nop) Delete(context.Context, string) error { return nil }
func (Nop) Close() error                          { return nil }

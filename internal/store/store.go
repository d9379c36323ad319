// Package store persists the session credentials needed to resume a room
// after the process restarts.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Keys written by the session manager.
const (
	KeyRoomID          = "roomId"
	KeySessionID       = "sessionId"
	KeyName            = "name"
	KeyConnectionToken = "connectionToken"

	// KeySymbol was written by older clients and is removed on clear.
	KeySymbol = "symbol"
)

// Store is a string key-value store. Writes are independent: there is no
// transactional grouping across keys.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Credentials is the persisted session identity.
type Credentials struct {
	RoomID         string
	SessionID      string
	Name           string
	ReconnectToken string
}

// Complete reports whether every key is present. A partial set left by an
// interrupted write is treated the same as no credentials at all.
func (c Credentials) Complete() bool {
	return c.RoomID != "" && c.SessionID != "" && c.Name != "" && c.ReconnectToken != ""
}

// Empty reports whether no key is present.
func (c Credentials) Empty() bool {
	return c == Credentials{}
}

// Load reads all credential keys.
func Load(ctx context.Context, s Store) (Credentials, error) {
	var c Credentials
	for _, f := range []struct {
		key string
		dst *string
	}{
		{KeyRoomID, &c.RoomID},
		{KeySessionID, &c.SessionID},
		{KeyName, &c.Name},
		{KeyConnectionToken, &c.ReconnectToken},
	} {
		v, _, err := s.Get(ctx, f.key)
		if err != nil {
			return Credentials{}, fmt.Errorf("load %s: %w", f.key, err)
		}
		*f.dst = v
	}
	return c, nil
}

// Save writes each credential key, one at a time.
func Save(ctx context.Context, s Store, c Credentials) error {
	for _, kv := range [][2]string{
		{KeyRoomID, c.RoomID},
		{KeySessionID, c.SessionID},
		{KeyName, c.Name},
		{KeyConnectionToken, c.ReconnectToken},
	} {
		if err := s.Set(ctx, kv[0], kv[1]); err != nil {
			return fmt.Errorf("save %s: %w", kv[0], err)
		}
	}
	return nil
}

// Clear removes every credential key. It keeps going after a failed delete
// and returns all failures joined.
func Clear(ctx context.Context, s Store) error {
	var errs []error
	for _, key := range []string{KeyRoomID, KeySessionID, KeyName, KeyConnectionToken, KeySymbol} {
		if err := s.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("clear %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// Memory is an in-process Store.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Package kv is the persistent string key/value collaborator. It is
// fallible by contract: callers that must never fail wrap a Store in Guard.
package kv

import (
	"errors"
	"sync"
)

// ErrClosed is returned by a store that has been closed.
var ErrClosed = errors.New("kv store is closed")

// Store is a string key/value store.
type Store interface {
	// Get returns the value for key; ok is false when the key is absent.
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
}

// Memory is an in-process Store, used in tests and as a last-resort
// fallback when no backend can be opened.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
	// Err, when set, is returned by every operation.
	Err error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return "", false, m.Err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.data[key] = value
	return nil
}

func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.data, key)
	return nil
}

// Fail makes every later operation return err; nil restores the store.
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	m.Err = err
	m.mu.Unlock()
}

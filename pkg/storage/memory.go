// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-kmstoken.
//
// go-kmstoken is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package storage

import (
	"sort"
	"strings"
	"sync"
)

// MemoryBackend holds token snapshots for the life of the process. The
// configuration falls back to it when no state directory is set: tokens
// opened later in the same process can still be restored, but nothing
// survives a restart.
type MemoryBackend struct {
	mu        sync.RWMutex
	snapshots map[string][]byte // nil once closed
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *MemoryBackend {
	return &MemoryBackend{snapshots: map[string][]byte{}}
}

func (m *MemoryBackend) read(fn func(map[string][]byte) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snapshots == nil {
		return ErrClosed
	}
	return fn(m.snapshots)
}

func (m *MemoryBackend) write(fn func(map[string][]byte) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshots == nil {
		return ErrClosed
	}
	return fn(m.snapshots)
}

// Get returns a copy of the snapshot stored under key.
func (m *MemoryBackend) Get(key string) (value []byte, err error) {
	err = m.read(func(s map[string][]byte) error {
		v, ok := s[key]
		if !ok {
			return ErrNotFound
		}
		value = append([]byte(nil), v...)
		return nil
	})
	return value, err
}

// Put stores a copy of value. opts is ignored.
func (m *MemoryBackend) Put(key string, value []byte, _ *Options) error {
	if key == "" {
		return ErrInvalidKey
	}
	return m.write(func(s map[string][]byte) error {
		s[key] = append([]byte{}, value...)
		return nil
	})
}

// Delete removes key.
func (m *MemoryBackend) Delete(key string) error {
	return m.write(func(s map[string][]byte) error {
		if _, ok := s[key]; !ok {
			return ErrNotFound
		}
		delete(s, key)
		return nil
	})
}

// List returns the sorted keys under prefix.
func (m *MemoryBackend) List(prefix string) (keys []string, err error) {
	err = m.read(func(s map[string][]byte) error {
		keys = make([]string, 0, len(s))
		for k := range s {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		return nil
	})
	sort.Strings(keys)
	return keys, err
}

// Exists reports whether key holds a snapshot.
func (m *MemoryBackend) Exists(key string) (ok bool, err error) {
	err = m.read(func(s map[string][]byte) error {
		_, ok = s[key]
		return nil
	})
	return ok, err
}

// Close drops every snapshot. Later calls fail with ErrClosed, except Close.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = nil
	return nil
}

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

// Package handlemap provides a concurrent registry that maps opaque, randomly
// chosen handles to shared items.
//
// Handles are non-zero 64-bit values drawn from an injected random source and
// are unique among the live entries of a map. Entries are stored as pointers:
// a caller that obtained an item from Get keeps it alive even if another
// goroutine removes the handle concurrently.
package handlemap

import (
	"io"
	"sort"
	"sync"

	"github.com/jeremyhahn/go-kmstoken/pkg/crypto/rand"
	"github.com/jeremyhahn/go-kmstoken/pkg/kmserr"
)

// maxAttempts bounds handle generation so a broken source cannot spin forever.
const maxAttempts = 1 << 16

// HandleMap maps handles to items of type T.
type HandleMap[T any] struct {
	mu       sync.RWMutex
	items    map[uint64]*T
	source   io.Reader
	notFound kmserr.Reason
}

// Option configures a HandleMap.
type Option func(*options)

type options struct {
	source   io.Reader
	notFound kmserr.Reason
}

// WithSource sets the random source used to generate handles.
func WithSource(r io.Reader) Option {
	return func(o *options) {
		o.source = r
	}
}

// WithNotFoundReason sets the reason attached to the InvalidHandle error
// returned for unknown handles.
func WithNotFoundReason(reason kmserr.Reason) Option {
	return func(o *options) {
		o.notFound = reason
	}
}

// New returns an empty HandleMap.
func New[T any](opts ...Option) *HandleMap[T] {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return &HandleMap[T]{
		items:    make(map[uint64]*T),
		source:   rand.Reader(o.source),
		notFound: o.notFound,
	}
}

// NewHandle draws a non-zero handle from r that inUse reports as free.
func NewHandle(r io.Reader, inUse func(uint64) bool) (uint64, error) {
	r = rand.Reader(r)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		h, err := rand.Uint64(r)
		if err != nil {
			return 0, kmserr.Wrap(kmserr.Internal, err, "reading handle entropy")
		}
		if h == 0 || inUse(h) {
			continue
		}
		return h, nil
	}
	return 0, kmserr.WithReason(kmserr.Internal, kmserr.ReasonHandleSpaceExhausted,
		"no free handle after %d attempts", maxAttempts)
}

// Add stores item under a fresh handle and returns it.
func (m *HandleMap[T]) Add(item *T) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, err := NewHandle(m.source, func(h uint64) bool {
		_, ok := m.items[h]
		return ok
	})
	if err != nil {
		return 0, err
	}
	m.items[h] = item
	return h, nil
}

// AddDirect stores item under a caller-chosen handle.
func (m *HandleMap[T]) AddDirect(h uint64, item *T) error {
	if h == 0 {
		return kmserr.WithReason(kmserr.Internal, kmserr.ReasonHandleInUse, "handle must be non-zero")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[h]; ok {
		return kmserr.WithReason(kmserr.Internal, kmserr.ReasonHandleInUse, "handle %#x is already in use", h)
	}
	m.items[h] = item
	return nil
}

// Get returns the item stored under h.
func (m *HandleMap[T]) Get(h uint64) (*T, error) {
	if h == 0 {
		return nil, m.errNotFound(h)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[h]
	if !ok {
		return nil, m.errNotFound(h)
	}
	return item, nil
}

// Remove deletes the entry for h. Items already handed out stay valid.
func (m *HandleMap[T]) Remove(h uint64) error {
	if h == 0 {
		return m.errNotFound(h)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[h]; !ok {
		return m.errNotFound(h)
	}
	delete(m.items, h)
	return nil
}

// Find returns the handles whose items satisfy pred. When less is non-nil the
// handles are ordered by it; otherwise the order is unspecified.
func (m *HandleMap[T]) Find(pred func(*T) bool, less func(a, b *T) bool) []uint64 {
	type match struct {
		handle uint64
		item   *T
	}

	m.mu.RLock()
	matches := make([]match, 0, len(m.items))
	for h, item := range m.items {
		if pred == nil || pred(item) {
			matches = append(matches, match{h, item})
		}
	}
	m.mu.RUnlock()

	if less != nil {
		sort.SliceStable(matches, func(i, j int) bool {
			return less(matches[i].item, matches[j].item)
		})
	}

	handles := make([]uint64, len(matches))
	for i, mt := range matches {
		handles[i] = mt.handle
	}
	return handles
}

// Len returns the number of live entries.
func (m *HandleMap[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func (m *HandleMap[T]) errNotFound(h uint64) error {
	return kmserr.WithReason(kmserr.InvalidHandle, m.notFound, "handle %#x not found", h)
}

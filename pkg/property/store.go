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

// Package property implements the named, typed attribute stores carried by
// provider and key objects, and the two-phase size-then-fill protocol used to
// read them across the host API boundary.
package property

import (
	"sort"
	"sync"

	"github.com/jeremyhahn/go-kmstoken/pkg/kmserr"
)

// Name identifies a property.
type Name string

// Kind describes how a property value is encoded.
type Kind int

const (
	KindBytes Kind = iota
	KindDWORD
	KindString
)

type entry struct {
	value    []byte
	kind     Kind
	mutable  bool
	validate func([]byte) error
}

// DefineOption configures a property definition.
type DefineOption func(*entry)

// Mutable allows Set on the property.
func Mutable() DefineOption {
	return func(e *entry) {
		e.mutable = true
	}
}

// Validate installs a check run against every value passed to Set.
func Validate(fn func([]byte) error) DefineOption {
	return func(e *entry) {
		e.validate = fn
	}
}

// OfKind records the value encoding.
func OfKind(kind Kind) DefineOption {
	return func(e *entry) {
		e.kind = kind
	}
}

// Store holds the properties of one object. Each store has its own lock, so
// two objects never contend on property access.
type Store struct {
	mu      sync.RWMutex
	entries map[Name]*entry
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[Name]*entry)}
}

// Define adds or replaces a property definition with an initial value.
func (s *Store) Define(name Name, value []byte, opts ...DefineOption) {
	e := &entry{value: clone(value)}
	for _, opt := range opts {
		opt(e)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[name] = e
}

// Get returns a copy of the named property's value.
func (s *Store) Get(name Name) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[name]
	if !ok {
		return nil, unsupported(name)
	}
	return clone(e.value), nil
}

// Kind returns the encoding of the named property.
func (s *Store) Kind(name Name) (Kind, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[name]
	if !ok {
		return KindBytes, unsupported(name)
	}
	return e.kind, nil
}

// Set replaces the value of a mutable property. Unknown properties fail with
// NotSupported; immutable ones and rejected values with InvalidArgument.
func (s *Store) Set(name Name, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return unsupported(name)
	}
	if !e.mutable {
		return kmserr.WithReason(kmserr.InvalidArgument, kmserr.ReasonImmutableProperty,
			"property %q is read-only", name)
	}
	if e.validate != nil {
		if err := e.validate(value); err != nil {
			return &kmserr.Error{
				Kind:   kmserr.InvalidArgument,
				Reason: kmserr.ReasonInvalidPropertyValue,
				Msg:    "invalid value for property " + string(name),
				Err:    err,
			}
		}
	}
	e.value = clone(value)
	return nil
}

// Names returns the defined property names in sorted order.
func (s *Store) Names() []Name {
	s.mu.RLock()
	names := make([]Name, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	s.mu.RUnlock()

	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// CopyOut implements the boundary side of the two-phase protocol. A nil out
// only reports the required size. A non-nil out shorter than value fails with
// BufferTooSmall and is left untouched. Otherwise value is copied and its
// length returned.
func CopyOut(value, out []byte) (int, error) {
	if out == nil {
		return len(value), nil
	}
	if len(out) < len(value) {
		return len(value), kmserr.Newf(kmserr.BufferTooSmall,
			"buffer of %d bytes is too small, %d required", len(out), len(value))
	}
	return copy(out, value), nil
}

func unsupported(name Name) error {
	return kmserr.WithReason(kmserr.NotSupported, kmserr.ReasonUnsupportedProperty,
		"unsupported property %q", name)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

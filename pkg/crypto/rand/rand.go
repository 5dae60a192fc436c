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

// Package rand supplies the entropy used to pick object, key and provider
// handles.
//
// Handles are drawn uniformly from the full 64-bit range so callers cannot
// guess or enumerate them. Every handle table takes its source as an
// explicit io.Reader; tests substitute Sequence or Counter to force
// collisions or a stable order.
//
// The token never holds key material, so there is no hardware source. The
// remote key service generates all keys.
package rand

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// HandleSize is the number of bytes consumed per handle.
const HandleSize = 8

// Default returns the system CSPRNG.
func Default() io.Reader {
	return rand.Reader
}

// Reader returns r, or the system CSPRNG when r is nil.
func Reader(r io.Reader) io.Reader {
	if r == nil {
		return Default()
	}
	return r
}

// Uint64 reads one little-endian handle candidate from r.
func Uint64(r io.Reader) (uint64, error) {
	var buf [HandleSize]byte
	if _, err := io.ReadFull(Reader(r), buf[:]); err != nil {
		return 0, fmt.Errorf("rand: reading handle: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Sequence returns a reader that yields values in order, then io.EOF.
func Sequence(values ...uint64) io.Reader {
	buf := make([]byte, 0, len(values)*HandleSize)
	for _, v := range values {
		buf = binary.LittleEndian.AppendUint64(buf, v)
	}
	return &sequence{buf: buf}
}

type sequence struct {
	mu  sync.Mutex
	buf []byte
}

func (s *sequence) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Counter returns a reader that yields 1, 2, 3 and so on without end.
func Counter() io.Reader {
	return &counter{}
}

type counter struct {
	mu   sync.Mutex
	next uint64
	buf  []byte
}

func (c *counter) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for n < len(p) {
		if len(c.buf) == 0 {
			c.next++
			c.buf = binary.LittleEndian.AppendUint64(nil, c.next)
		}
		m := copy(p[n:], c.buf)
		c.buf = c.buf[m:]
		n += m
	}
	return n, nil
}

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

package property

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/jeremyhahn/go-kmstoken/pkg/kmserr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	implType Name = "Impl Type"
	endpoint Name = "Endpoint"
)

func newTestStore() *Store {
	s := NewStore()
	s.Define(implType, DWORD(1), OfKind(KindDWORD))
	s.Define(endpoint, WideString("localhost:443"), OfKind(KindString), Mutable(),
		Validate(func(b []byte) error {
			v, err := ParseWideString(b)
			if err != nil {
				return err
			}
			if v == "" {
				return errors.New("empty endpoint")
			}
			return nil
		}))
	return s
}

func TestGetUnknownIsNotSupported(t *testing.T) {
	s := newTestStore()

	_, err := s.Get("Bogus")
	assert.Equal(t, kmserr.NotSupported, kmserr.KindOf(err))

	_, err = s.Kind("Bogus")
	assert.Equal(t, kmserr.NotSupported, kmserr.KindOf(err))

	err = s.Set("Bogus", []byte{1})
	assert.Equal(t, kmserr.NotSupported, kmserr.KindOf(err))
}

func TestSetImmutableIsInvalidArgument(t *testing.T) {
	s := newTestStore()

	err := s.Set(implType, DWORD(2))
	require.Error(t, err)
	assert.Equal(t, kmserr.InvalidArgument, kmserr.KindOf(err))
	assert.Equal(t, kmserr.ReasonImmutableProperty, kmserr.ReasonOf(err))

	got, err := s.Get(implType)
	require.NoError(t, err)
	assert.Equal(t, DWORD(1), got)
}

func TestSetMutable(t *testing.T) {
	s := newTestStore()

	require.NoError(t, s.Set(endpoint, WideString("127.0.0.1:9000")))
	got, err := s.Get(endpoint)
	require.NoError(t, err)
	str, err := ParseWideString(got)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", str)

	err = s.Set(endpoint, WideString(""))
	assert.Equal(t, kmserr.InvalidArgument, kmserr.KindOf(err))
	assert.Equal(t, kmserr.ReasonInvalidPropertyValue, kmserr.ReasonOf(err))

	kind, err := s.Kind(endpoint)
	require.NoError(t, err)
	assert.Equal(t, KindString, kind)
}

func TestGetReturnsCopy(t *testing.T) {
	s := newTestStore()

	got, err := s.Get(implType)
	require.NoError(t, err)
	got[0] = 0xff

	again, err := s.Get(implType)
	require.NoError(t, err)
	assert.Equal(t, DWORD(1), again)
}

func TestNames(t *testing.T) {
	s := newTestStore()
	assert.Equal(t, []Name{endpoint, implType}, s.Names())
}

func TestCopyOutTwoPhase(t *testing.T) {
	value := []byte("abcdef")

	// Size query.
	n, err := CopyOut(value, nil)
	require.NoError(t, err)
	assert.Equal(t, len(value), n)

	// Second call with the learned size returns identical content.
	out := make([]byte, n)
	n2, err := CopyOut(value, out)
	require.NoError(t, err)
	assert.Equal(t, n, n2)
	assert.Equal(t, value, out)

	// Larger buffers are fine and only len(value) bytes are written.
	big := bytes.Repeat([]byte{0xaa}, 10)
	n3, err := CopyOut(value, big)
	require.NoError(t, err)
	assert.Equal(t, 6, n3)
	assert.Equal(t, []byte{0xaa, 0xaa, 0xaa, 0xaa}, big[6:])
}

func TestCopyOutTooSmallLeavesBufferUntouched(t *testing.T) {
	value := []byte("abcdef")

	for size := 0; size < len(value); size++ {
		out := bytes.Repeat([]byte{0x5a}, size)
		before := append([]byte(nil), out...)

		n, err := CopyOut(value, out)
		if kmserr.KindOf(err) != kmserr.BufferTooSmall {
			t.Fatalf("size %d: got %v, want BufferTooSmall", size, err)
		}
		if n != len(value) {
			t.Errorf("size %d: reported %d, want %d", size, n, len(value))
		}
		if !bytes.Equal(before, out) {
			t.Errorf("size %d: buffer modified", size)
		}
	}
}

func TestEncoding(t *testing.T) {
	assert.Equal(t, []byte{0x02, 0x00, 0x00, 0x00}, DWORD(2))

	v, err := ParseDWORD([]byte{0x20, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x20), v)

	_, err = ParseDWORD([]byte{1, 2})
	assert.ErrorIs(t, err, ErrInvalidDWORD)

	ws := WideString("ab")
	assert.Equal(t, []byte{'a', 0, 'b', 0, 0, 0}, ws)

	s, err := ParseWideString(ws)
	require.NoError(t, err)
	assert.Equal(t, "ab", s)

	s, err = ParseWideString([]byte{'x', 0})
	require.NoError(t, err)
	assert.Equal(t, "x", s)

	_, err = ParseWideString([]byte{'x'})
	assert.ErrorIs(t, err, ErrInvalidWideString)

	assert.Len(t, Uint64(1), 8)
}

func TestConcurrentGetSet(t *testing.T) {
	s := newTestStore()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if i%2 == 0 {
					_ = s.Set(endpoint, WideString("host:1"))
				} else if _, err := s.Get(endpoint); err != nil {
					t.Errorf("Get: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()
}

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
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

var (
	// ErrInvalidDWORD is returned when a DWORD value is not exactly 4 bytes.
	ErrInvalidDWORD = errors.New("property: DWORD value must be 4 bytes")

	// ErrInvalidWideString is returned when a wide string has an odd length
	// or cannot be decoded.
	ErrInvalidWideString = errors.New("property: invalid UTF-16LE string")
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// DWORD encodes v as a 4-byte little-endian value.
func DWORD(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

// ParseDWORD decodes a 4-byte little-endian value.
func ParseDWORD(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("%w: got %d bytes", ErrInvalidDWORD, len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}

// WideString encodes s as NUL-terminated UTF-16LE.
func WideString(s string) []byte {
	out, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		// The encoder substitutes invalid UTF-8 instead of failing.
		return []byte{0, 0}
	}
	return append(out, 0, 0)
}

// ParseWideString decodes UTF-16LE, stopping at the first NUL. A missing
// terminator is tolerated.
func ParseWideString(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", fmt.Errorf("%w: odd length %d", ErrInvalidWideString, len(b))
	}
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			b = b[:i]
			break
		}
	}
	out, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWideString, err)
	}
	return string(out), nil
}

// Uint64 encodes v as 8 little-endian bytes, the width of a handle.
func Uint64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

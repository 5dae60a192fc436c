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

package kmscng

import "github.com/jeremyhahn/go-kmstoken/pkg/kmserr"

// SECURITY_STATUS values returned to CNG.
const (
	StatusSuccess          uint32 = 0x00000000 // ERROR_SUCCESS
	StatusPerm             uint32 = 0x80090010 // NTE_PERM
	StatusBadFlags         uint32 = 0x80090009 // NTE_BAD_FLAGS
	StatusBadKeyState      uint32 = 0x8009000B // NTE_BAD_KEY_STATE
	StatusBadKeyset        uint32 = 0x80090016 // NTE_BAD_KEYSET
	StatusFail             uint32 = 0x80090020 // NTE_FAIL
	StatusInvalidHandle    uint32 = 0x80090026 // NTE_INVALID_HANDLE
	StatusInvalidParameter uint32 = 0x80090027 // NTE_INVALID_PARAMETER
	StatusBufferTooSmall   uint32 = 0x80090028 // NTE_BUFFER_TOO_SMALL
	StatusNotSupported     uint32 = 0x80090029 // NTE_NOT_SUPPORTED
	StatusInternalError    uint32 = 0x8009002D // NTE_INTERNAL_ERROR
)

// Status translates err into the SECURITY_STATUS a provider function returns.
func Status(err error) uint32 {
	if err == nil {
		return StatusSuccess
	}
	switch kmserr.KindOf(err) {
	case kmserr.BadFlags:
		return StatusBadFlags
	case kmserr.InvalidHandle:
		return StatusInvalidHandle
	case kmserr.InvalidArgument:
		return StatusInvalidParameter
	case kmserr.NotSupported:
		return StatusNotSupported
	case kmserr.NotFound:
		return StatusBadKeyset
	case kmserr.BufferTooSmall:
		return StatusBufferTooSmall
	case kmserr.PermissionDenied:
		return StatusPerm
	case kmserr.FailedPrecondition:
		return StatusBadKeyState
	case kmserr.Internal:
		return StatusInternalError
	default:
		return StatusFail
	}
}

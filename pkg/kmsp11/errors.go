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

//go:build pkcs11

package kmsp11

import (
	"github.com/jeremyhahn/go-kmstoken/pkg/kmserr"
	"github.com/miekg/pkcs11"
)

var reasonReturnValues = map[kmserr.Reason]uint{
	kmserr.ReasonObjectHandleInvalid:     pkcs11.CKR_OBJECT_HANDLE_INVALID,
	kmserr.ReasonKeyHandleInvalid:        pkcs11.CKR_KEY_HANDLE_INVALID,
	kmserr.ReasonSlotIDInvalid:           pkcs11.CKR_SLOT_ID_INVALID,
	kmserr.ReasonPinLocked:               pkcs11.CKR_PIN_LOCKED,
	kmserr.ReasonOperationNotInitialized: pkcs11.CKR_OPERATION_NOT_INITIALIZED,
	kmserr.ReasonUserTypeInvalid:         pkcs11.CKR_USER_TYPE_INVALID,
	kmserr.ReasonUserAlreadyLoggedIn:     pkcs11.CKR_USER_ALREADY_LOGGED_IN,
	kmserr.ReasonUserNotLoggedIn:         pkcs11.CKR_USER_NOT_LOGGED_IN,
	kmserr.ReasonKeyTypeInconsistent:     pkcs11.CKR_KEY_TYPE_INCONSISTENT,
	kmserr.ReasonKeyFunctionNotPermitted: pkcs11.CKR_KEY_FUNCTION_NOT_PERMITTED,
	kmserr.ReasonMechanismInvalid:        pkcs11.CKR_MECHANISM_INVALID,
	kmserr.ReasonMechanismParamInvalid:   pkcs11.CKR_MECHANISM_PARAM_INVALID,
	kmserr.ReasonDataLenRange:            pkcs11.CKR_DATA_LEN_RANGE,
	kmserr.ReasonAttributeTypeInvalid:    pkcs11.CKR_ATTRIBUTE_TYPE_INVALID,
	kmserr.ReasonAttributeReadOnly:       pkcs11.CKR_ATTRIBUTE_READ_ONLY,
}

// ReturnValue translates err into a CK_RV. The error reason decides when it
// names a PKCS#11 condition; otherwise the kind does.
func ReturnValue(err error) uint {
	if err == nil {
		return pkcs11.CKR_OK
	}
	if rv, ok := reasonReturnValues[kmserr.ReasonOf(err)]; ok {
		return rv
	}
	switch kmserr.KindOf(err) {
	case kmserr.InvalidArgument, kmserr.BadFlags:
		return pkcs11.CKR_ARGUMENTS_BAD
	case kmserr.InvalidHandle, kmserr.NotFound:
		return pkcs11.CKR_OBJECT_HANDLE_INVALID
	case kmserr.NotSupported:
		return pkcs11.CKR_FUNCTION_NOT_SUPPORTED
	case kmserr.BufferTooSmall:
		return pkcs11.CKR_BUFFER_TOO_SMALL
	case kmserr.PermissionDenied, kmserr.FailedPrecondition:
		return pkcs11.CKR_FUNCTION_FAILED
	case kmserr.Upstream:
		return pkcs11.CKR_DEVICE_ERROR
	default:
		return pkcs11.CKR_GENERAL_ERROR
	}
}

// Error returns err as a pkcs11.Error, or nil.
func Error(err error) error {
	if err == nil {
		return nil
	}
	return pkcs11.Error(ReturnValue(err))
}

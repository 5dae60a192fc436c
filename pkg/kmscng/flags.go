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

// Flag bits accepted by the provider functions.
const (
	// FlagSilent is NCRYPT_SILENT_FLAG. The provider never shows UI, so it
	// is accepted everywhere and ignored.
	FlagSilent uint32 = 0x40

	// FlagMachineKey is NCRYPT_MACHINE_KEY_FLAG. KMS keys have no per-user
	// store, so OpenKey accepts it and behaves as if it were clear.
	FlagMachineKey uint32 = 0x20
)

// Legacy key specs accepted by OpenKey.
const (
	KeySpecKeyExchange uint32 = 1 // AT_KEYEXCHANGE
	KeySpecSignature   uint32 = 2 // AT_SIGNATURE
)

// Property values.
const (
	ImplTypeHardware      uint32 = 0x1 // NCRYPT_IMPL_HARDWARE_FLAG
	KeyUsageAllowSigning  uint32 = 0x2 // NCRYPT_ALLOW_SIGNING_FLAG
	defaultAllowedFlags          = FlagSilent
	openKeyAllowedFlags          = FlagSilent | FlagMachineKey
)

// ValidateFlags fails with BadFlags when flags has a bit outside allowed.
func ValidateFlags(flags, allowed uint32) error {
	if extra := flags &^ allowed; extra != 0 {
		return kmserr.Newf(kmserr.BadFlags, "unsupported flags %#x", extra)
	}
	return nil
}

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

package kms

import "errors"

var (
	// ErrNotInitialized is returned when the KMS client is not initialized.
	ErrNotInitialized = errors.New("kms: client not initialized")

	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("kms: invalid configuration")

	// ErrInvalidCredentials is returned when credentials are invalid or cannot be loaded.
	ErrInvalidCredentials = errors.New("kms: invalid credentials")

	// ErrInvalidChannelCredentials is returned for an unknown channel credentials mode.
	ErrInvalidChannelCredentials = errors.New("kms: invalid channel credentials")

	// ErrInvalidResourceName is returned when a resource name cannot be parsed.
	ErrInvalidResourceName = errors.New("kms: invalid resource name")

	// ErrInvalidPublicKey is returned when a public key cannot be decoded.
	ErrInvalidPublicKey = errors.New("kms: invalid public key")

	// ErrUnsupportedHash is returned when a digest algorithm has no KMS representation.
	ErrUnsupportedHash = errors.New("kms: unsupported hash algorithm")

	// ErrChecksumMismatch is returned when a response fails its CRC32C check.
	ErrChecksumMismatch = errors.New("kms: checksum mismatch")
)

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

import (
	"fmt"
	"strings"
)

// KeyVersionName is a parsed CryptoKeyVersion resource name.
type KeyVersionName struct {
	Project   string
	Location  string
	KeyRing   string
	CryptoKey string
	Version   string
}

// ParseKeyVersionName parses
// projects/{p}/locations/{l}/keyRings/{r}/cryptoKeys/{k}/cryptoKeyVersions/{v}.
func ParseKeyVersionName(name string) (KeyVersionName, error) {
	parts := strings.Split(name, "/")
	if len(parts) != 10 ||
		parts[0] != "projects" || parts[2] != "locations" || parts[4] != "keyRings" ||
		parts[6] != "cryptoKeys" || parts[8] != "cryptoKeyVersions" {
		return KeyVersionName{}, fmt.Errorf("%w: %q is not a crypto key version name", ErrInvalidResourceName, name)
	}
	for _, i := range []int{1, 3, 5, 7, 9} {
		if parts[i] == "" {
			return KeyVersionName{}, fmt.Errorf("%w: %q has an empty segment", ErrInvalidResourceName, name)
		}
	}
	return KeyVersionName{
		Project:   parts[1],
		Location:  parts[3],
		KeyRing:   parts[5],
		CryptoKey: parts[7],
		Version:   parts[9],
	}, nil
}

// KeyRingName returns the fully qualified key ring resource name.
func (n KeyVersionName) KeyRingName() string {
	return fmt.Sprintf("projects/%s/locations/%s/keyRings/%s", n.Project, n.Location, n.KeyRing)
}

// CryptoKeyName returns the fully qualified crypto key resource name.
func (n KeyVersionName) CryptoKeyName() string {
	return n.KeyRingName() + "/cryptoKeys/" + n.CryptoKey
}

// String returns the fully qualified crypto key version resource name.
func (n KeyVersionName) String() string {
	return n.CryptoKeyName() + "/cryptoKeyVersions/" + n.Version
}

// CryptoKeyID returns the crypto key id of a crypto key version name, or the
// last segment of any other name.
func CryptoKeyID(name string) string {
	if v, err := ParseKeyVersionName(name); err == nil {
		return v.CryptoKey
	}
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}

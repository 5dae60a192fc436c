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

package storage

import (
	"fmt"
	"strings"
)

const (
	statePrefix = "tokens/"
	stateSuffix = ".state"
)

// StatePath returns the storage key of the snapshot for keyRing.
// The path follows the convention: tokens/{keyRing}.state
func StatePath(keyRing string) (string, error) {
	if keyRing == "" || strings.HasPrefix(keyRing, "/") || strings.HasSuffix(keyRing, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKeyRing, keyRing)
	}
	for _, seg := range strings.Split(keyRing, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKeyRing, keyRing)
		}
	}
	return statePrefix + keyRing + stateSuffix, nil
}

// ListStates returns the key rings that have a stored snapshot.
func ListStates(backend Backend) ([]string, error) {
	keys, err := backend.List(statePrefix)
	if err != nil {
		return nil, err
	}

	rings := make([]string, 0, len(keys))
	for _, k := range keys {
		if !strings.HasSuffix(k, stateSuffix) {
			continue
		}
		ring := strings.TrimSuffix(strings.TrimPrefix(k, statePrefix), stateSuffix)
		if ring != "" {
			rings = append(rings, ring)
		}
	}
	return rings, nil
}

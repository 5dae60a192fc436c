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

package token

import (
	"io"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/jeremyhahn/go-kmstoken/pkg/crypto/rand"
	"github.com/jeremyhahn/go-kmstoken/pkg/handlemap"
	"github.com/jeremyhahn/go-kmstoken/pkg/kmserr"
	"google.golang.org/protobuf/proto"
)

// Builder accumulates the keys of a token and assigns their object handles.
// Handles are chosen once here so a State restored later exposes the same
// handles.
type Builder struct {
	keyRing   string
	rand      io.Reader
	allocated map[uint64]struct{}
	keys      []KeyState
}

// NewBuilder creates a builder for keyRing drawing handles from r. A nil r
// uses the default random source.
func NewBuilder(keyRing string, r io.Reader) *Builder {
	return &Builder{
		keyRing:   keyRing,
		rand:      rand.Reader(r),
		allocated: make(map[uint64]struct{}),
	}
}

// AddAsymmetricKey records ckv with its DER public key and, when cert is
// non-nil, a DER certificate.
func (b *Builder) AddAsymmetricKey(ckv *kmspb.CryptoKeyVersion, publicKeyDER, cert []byte) error {
	ckvBytes, err := proto.Marshal(ckv)
	if err != nil {
		return kmserr.Wrap(kmserr.Internal, err, "encoding "+ckv.GetName())
	}

	key := KeyState{
		CryptoKeyVersion: ckvBytes,
		PublicKeyDER:     append([]byte(nil), publicKeyDER...),
	}
	if key.PrivateKeyHandle, err = b.newHandle(); err != nil {
		return err
	}
	if key.PublicKeyHandle, err = b.newHandle(); err != nil {
		return err
	}
	if cert != nil {
		if key.CertificateHandle, err = b.newHandle(); err != nil {
			return err
		}
		key.CertificateDER = append([]byte(nil), cert...)
	}

	b.keys = append(b.keys, key)
	return nil
}

// Len returns the number of keys added.
func (b *Builder) Len() int {
	return len(b.keys)
}

// Build returns the accumulated state.
func (b *Builder) Build() *State {
	keys := make([]KeyState, len(b.keys))
	copy(keys, b.keys)
	return &State{
		Version: stateVersion,
		KeyRing: b.keyRing,
		Keys:    keys,
	}
}

func (b *Builder) newHandle() (uint64, error) {
	h, err := handlemap.NewHandle(b.rand, func(h uint64) bool {
		_, ok := b.allocated[h]
		return ok
	})
	if err != nil {
		return 0, err
	}
	b.allocated[h] = struct{}{}
	return h, nil
}

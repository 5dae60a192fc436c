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
	"errors"
	"fmt"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/fxamacker/cbor/v2"
	"github.com/jeremyhahn/go-kmstoken/pkg/kmserr"
	"github.com/jeremyhahn/go-kmstoken/pkg/storage"
	"google.golang.org/protobuf/proto"
)

const stateVersion = 1

// KeyState is the persisted form of one key version and its object handles.
// CryptoKeyVersion holds the protobuf wire encoding.
type KeyState struct {
	CryptoKeyVersion  []byte `cbor:"1,keyasint"`
	PublicKeyHandle   uint64 `cbor:"2,keyasint"`
	PrivateKeyHandle  uint64 `cbor:"3,keyasint"`
	PublicKeyDER      []byte `cbor:"4,keyasint"`
	CertificateHandle uint64 `cbor:"5,keyasint,omitempty"`
	CertificateDER    []byte `cbor:"6,keyasint,omitempty"`
}

// Version decodes the key version.
func (k *KeyState) Version() (*kmspb.CryptoKeyVersion, error) {
	ckv := &kmspb.CryptoKeyVersion{}
	if err := proto.Unmarshal(k.CryptoKeyVersion, ckv); err != nil {
		return nil, kmserr.Wrap(kmserr.Internal, err, "decoding key version")
	}
	return ckv, nil
}

// State is everything needed to rebuild a token's objects without calling
// KMS.
type State struct {
	Version int        `cbor:"1,keyasint"`
	KeyRing string     `cbor:"2,keyasint"`
	Keys    []KeyState `cbor:"3,keyasint"`
}

var (
	// ErrStateVersion is returned for snapshots written by an incompatible
	// release.
	ErrStateVersion = errors.New("token: unsupported state version")

	// ErrStateKeyRing is returned when a snapshot belongs to another key ring.
	ErrStateKeyRing = errors.New("token: state belongs to another key ring")
)

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Marshal encodes the state as deterministic CBOR.
func (s *State) Marshal() ([]byte, error) {
	b, err := encMode.Marshal(s)
	if err != nil {
		return nil, kmserr.Wrap(kmserr.Internal, err, "encoding token state")
	}
	return b, nil
}

// UnmarshalState decodes and validates a state produced by Marshal.
func UnmarshalState(data []byte) (*State, error) {
	var s State
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, kmserr.Wrap(kmserr.Internal, err, "decoding token state")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that the state is a supported version and that every
// handle is non-zero and unique.
func (s *State) Validate() error {
	if s.Version != stateVersion {
		return kmserr.Wrap(kmserr.Internal, ErrStateVersion, fmt.Sprintf("version %d", s.Version))
	}

	seen := make(map[uint64]struct{}, 3*len(s.Keys))
	claim := func(h uint64) error {
		if h == 0 {
			return kmserr.WithReason(kmserr.Internal, kmserr.ReasonHandleInUse, "state contains a zero handle")
		}
		if _, ok := seen[h]; ok {
			return kmserr.WithReason(kmserr.Internal, kmserr.ReasonHandleInUse, "state reuses handle %#x", h)
		}
		seen[h] = struct{}{}
		return nil
	}

	for i := range s.Keys {
		k := &s.Keys[i]
		if err := claim(k.PublicKeyHandle); err != nil {
			return err
		}
		if err := claim(k.PrivateKeyHandle); err != nil {
			return err
		}
		if k.CertificateDER != nil {
			if err := claim(k.CertificateHandle); err != nil {
				return err
			}
		}
	}
	return nil
}

// SaveState writes s to backend under the key ring's state path.
func SaveState(backend storage.Backend, s *State) error {
	key, err := storage.StatePath(s.KeyRing)
	if err != nil {
		return kmserr.Wrap(kmserr.InvalidArgument, err, "state path")
	}
	data, err := s.Marshal()
	if err != nil {
		return err
	}
	if err := backend.Put(key, data, storage.DefaultOptions()); err != nil {
		return kmserr.Wrap(kmserr.Internal, err, "saving token state")
	}
	return nil
}

// ReadState loads the snapshot of keyRing from backend. A missing snapshot
// is NotFound.
func ReadState(backend storage.Backend, keyRing string) (*State, error) {
	key, err := storage.StatePath(keyRing)
	if err != nil {
		return nil, kmserr.Wrap(kmserr.InvalidArgument, err, "state path")
	}
	data, err := backend.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, kmserr.Wrap(kmserr.NotFound, err, "no saved state for "+keyRing)
		}
		return nil, kmserr.Wrap(kmserr.Internal, err, "reading token state")
	}

	s, err := UnmarshalState(data)
	if err != nil {
		return nil, err
	}
	if s.KeyRing != keyRing {
		return nil, kmserr.Wrap(kmserr.Internal, ErrStateKeyRing, s.KeyRing)
	}
	return s, nil
}

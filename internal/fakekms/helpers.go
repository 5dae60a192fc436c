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

package fakekms

import (
	"context"
	"fmt"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"google.golang.org/protobuf/types/known/fieldmaskpb"
)

// DefaultLocation is the location used by the provisioning helpers.
const DefaultLocation = "projects/fake-project/locations/global"

// KeySpec describes a crypto key to provision.
type KeySpec struct {
	ID         string
	Purpose    kmspb.CryptoKey_CryptoKeyPurpose
	Algorithm  kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm
	Protection kmspb.ProtectionLevel

	// Versions is the number of versions to create. Zero means one.
	Versions int
}

// NewKeyRing creates a key ring with a random id in DefaultLocation.
func (s *Server) NewKeyRing(ctx context.Context) (*kmspb.KeyRing, error) {
	return s.CreateKeyRing(ctx, &kmspb.CreateKeyRingRequest{
		Parent:    DefaultLocation,
		KeyRingId: RandomID(),
	})
}

// AddKey provisions a crypto key and its versions in keyRing and returns the
// versions.
func (s *Server) AddKey(ctx context.Context, keyRing string, spec KeySpec) ([]*kmspb.CryptoKeyVersion, error) {
	if spec.ID == "" {
		spec.ID = RandomID()
	}
	if spec.Purpose == kmspb.CryptoKey_CRYPTO_KEY_PURPOSE_UNSPECIFIED {
		spec.Purpose = kmspb.CryptoKey_ASYMMETRIC_SIGN
	}
	if spec.Protection == kmspb.ProtectionLevel_PROTECTION_LEVEL_UNSPECIFIED {
		spec.Protection = kmspb.ProtectionLevel_HSM
	}

	ck, err := s.CreateCryptoKey(ctx, &kmspb.CreateCryptoKeyRequest{
		Parent:      keyRing,
		CryptoKeyId: spec.ID,
		CryptoKey: &kmspb.CryptoKey{
			Purpose: spec.Purpose,
			VersionTemplate: &kmspb.CryptoKeyVersionTemplate{
				Algorithm:       spec.Algorithm,
				ProtectionLevel: spec.Protection,
			},
		},
	})
	if err != nil {
		return nil, err
	}

	for i := 1; i < max(spec.Versions, 1); i++ {
		if _, err := s.CreateCryptoKeyVersion(ctx, &kmspb.CreateCryptoKeyVersionRequest{Parent: ck.Name}); err != nil {
			return nil, err
		}
	}

	resp, err := s.ListCryptoKeyVersions(ctx, &kmspb.ListCryptoKeyVersionsRequest{Parent: ck.Name})
	if err != nil {
		return nil, err
	}
	return resp.CryptoKeyVersions, nil
}

// SetState changes the state of a key version.
func (s *Server) SetState(ctx context.Context, name string, state kmspb.CryptoKeyVersion_CryptoKeyVersionState) error {
	_, err := s.UpdateCryptoKeyVersion(ctx, &kmspb.UpdateCryptoKeyVersionRequest{
		CryptoKeyVersion: &kmspb.CryptoKeyVersion{Name: name, State: state},
		UpdateMask:       &fieldmaskpb.FieldMask{Paths: []string{"state"}},
	})
	if err != nil {
		return fmt.Errorf("fakekms: set state of %s: %w", name, err)
	}
	return nil
}

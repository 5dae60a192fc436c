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
	"context"
	"testing"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/jeremyhahn/go-kmstoken/pkg/certauthority"
	"github.com/jeremyhahn/go-kmstoken/pkg/handlemap"
	"github.com/jeremyhahn/go-kmstoken/pkg/kmserr"
	"github.com/jeremyhahn/go-kmstoken/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	hsm      = kmspb.ProtectionLevel_HSM
	software = kmspb.ProtectionLevel_SOFTWARE
	enabled  = kmspb.CryptoKeyVersion_ENABLED
	disabled = kmspb.CryptoKeyVersion_DISABLED
	signKey  = kmspb.CryptoKey_ASYMMETRIC_SIGN
	p256     = kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256
)

func TestLoadStateFilters(t *testing.T) {
	remote := newStubRemote()
	good := remote.addKey(t, "a-good", signKey, hsm, p256, enabled, disabled)
	soft := remote.addKey(t, "b-software", signKey, software, p256, enabled)
	remote.addKey(t, "c-symmetric", kmspb.CryptoKey_ENCRYPT_DECRYPT, hsm,
		kmspb.CryptoKeyVersion_GOOGLE_SYMMETRIC_ENCRYPTION, enabled)
	raw := remote.addKey(t, "d-raw", signKey, hsm, kmspb.CryptoKeyVersion_RSA_SIGN_RAW_PKCS1_2048, enabled)
	decrypt := remote.addKey(t, "e-decrypt", kmspb.CryptoKey_ASYMMETRIC_DECRYPT, hsm,
		kmspb.CryptoKeyVersion_RSA_DECRYPT_OAEP_2048_SHA256, enabled)

	state, report, err := LoadState(context.Background(), remote, testKeyRing,
		&LoadOptions{Logger: logging.Discard()})
	require.NoError(t, err)

	assert.Equal(t, []string{good[0], decrypt[0]}, report.Included())
	require.Len(t, state.Keys, 2)

	tests := []struct {
		name   string
		reason SkipReason
	}{
		{good[1], SkipVersionState},
		{soft[0], SkipProtectionLevel},
		{testKeyRing + "/cryptoKeys/c-symmetric/cryptoKeyVersions/1", SkipPurpose},
		{raw[0], SkipAlgorithm},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, ok := report.SkipFor(tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.reason, o.Reason)
		})
	}

	_, ok := report.SkipFor(good[0])
	assert.False(t, ok)
	assert.Len(t, report.Skipped(), 4)
}

func TestLoadStateWithCertificates(t *testing.T) {
	remote := newStubRemote()
	remote.addKey(t, "k", signKey, hsm, p256, enabled)

	ca, err := certauthority.New(nil)
	require.NoError(t, err)

	state, _, err := LoadState(context.Background(), remote, testKeyRing,
		&LoadOptions{Authority: ca, Logger: logging.Discard()})
	require.NoError(t, err)
	require.Len(t, state.Keys, 1)
	assert.NotNil(t, state.Keys[0].CertificateDER)

	table := handlemap.New[storedObject]()
	require.NoError(t, LoadObjects(state, table))
	assert.Equal(t, 3, table.Len())

	entry, err := table.Get(state.Keys[0].CertificateHandle)
	require.NoError(t, err)
	assert.Equal(t, ClassCertificate, entry.Class())
}

func TestLoadStateAborts(t *testing.T) {
	unavailable := status.Error(codes.Unavailable, "down")

	tests := []struct {
		name  string
		setup func(*stubRemote)
	}{
		{"list keys", func(r *stubRemote) { r.listErr = unavailable }},
		{"list versions", func(r *stubRemote) { r.versionsErr = unavailable }},
		{"public key", func(r *stubRemote) { r.publicErr = unavailable }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := newStubRemote()
			remote.addKey(t, "k", signKey, hsm, p256, enabled)
			tt.setup(remote)

			state, report, err := LoadState(context.Background(), remote, testKeyRing,
				&LoadOptions{Logger: logging.Discard()})
			require.Error(t, err)
			assert.Nil(t, state)
			assert.Nil(t, report)
			assert.Equal(t, codes.Unavailable, status.Code(err))
		})
	}
}

func TestLoadObjectsRejectsDuplicateHandles(t *testing.T) {
	state := buildTestState(t, false)
	state.Keys = append(state.Keys, state.Keys[0])

	err := LoadObjects(state, handlemap.New[storedObject]())
	assert.Equal(t, kmserr.ReasonHandleInUse, kmserr.ReasonOf(err))
}

func TestReportSkipForNil(t *testing.T) {
	var r *Report
	_, ok := r.SkipFor("anything")
	assert.False(t, ok)
}

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
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/jeremyhahn/go-kmstoken/pkg/kms"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type scheme int

const (
	schemeECDSA scheme = iota
	schemePKCS1
	schemePSS
	schemeRawPKCS1
	schemeDecrypt
)

type algorithmSpec struct {
	curve  elliptic.Curve
	bits   int
	hash   crypto.Hash
	scheme scheme
}

var algorithms = map[kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm]algorithmSpec{
	kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256: {curve: elliptic.P256(), hash: crypto.SHA256, scheme: schemeECDSA},
	kmspb.CryptoKeyVersion_EC_SIGN_P384_SHA384: {curve: elliptic.P384(), hash: crypto.SHA384, scheme: schemeECDSA},

	kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_2048_SHA256: {bits: 2048, hash: crypto.SHA256, scheme: schemePKCS1},
	kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_3072_SHA256: {bits: 3072, hash: crypto.SHA256, scheme: schemePKCS1},
	kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_4096_SHA256: {bits: 4096, hash: crypto.SHA256, scheme: schemePKCS1},
	kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_4096_SHA512: {bits: 4096, hash: crypto.SHA512, scheme: schemePKCS1},
	kmspb.CryptoKeyVersion_RSA_SIGN_PSS_2048_SHA256:   {bits: 2048, hash: crypto.SHA256, scheme: schemePSS},
	kmspb.CryptoKeyVersion_RSA_SIGN_PSS_3072_SHA256:   {bits: 3072, hash: crypto.SHA256, scheme: schemePSS},
	kmspb.CryptoKeyVersion_RSA_SIGN_PSS_4096_SHA256:   {bits: 4096, hash: crypto.SHA256, scheme: schemePSS},
	kmspb.CryptoKeyVersion_RSA_SIGN_PSS_4096_SHA512:   {bits: 4096, hash: crypto.SHA512, scheme: schemePSS},
	kmspb.CryptoKeyVersion_RSA_SIGN_RAW_PKCS1_2048:    {bits: 2048, scheme: schemeRawPKCS1},
	kmspb.CryptoKeyVersion_RSA_SIGN_RAW_PKCS1_3072:    {bits: 3072, scheme: schemeRawPKCS1},
	kmspb.CryptoKeyVersion_RSA_SIGN_RAW_PKCS1_4096:    {bits: 4096, scheme: schemeRawPKCS1},

	kmspb.CryptoKeyVersion_RSA_DECRYPT_OAEP_2048_SHA256: {bits: 2048, hash: crypto.SHA256, scheme: schemeDecrypt},
	kmspb.CryptoKeyVersion_RSA_DECRYPT_OAEP_3072_SHA256: {bits: 3072, hash: crypto.SHA256, scheme: schemeDecrypt},
	kmspb.CryptoKeyVersion_RSA_DECRYPT_OAEP_4096_SHA256: {bits: 4096, hash: crypto.SHA256, scheme: schemeDecrypt},
	kmspb.CryptoKeyVersion_RSA_DECRYPT_OAEP_4096_SHA512: {bits: 4096, hash: crypto.SHA512, scheme: schemeDecrypt},
}

// keyMaterial is the private key of one fake key version. Symmetric
// versions carry no material.
type keyMaterial struct {
	signer crypto.Signer
	spec   algorithmSpec
	pem    string
	raw    bool
}

func validatePurpose(purpose kmspb.CryptoKey_CryptoKeyPurpose, template *kmspb.CryptoKeyVersionTemplate) error {
	switch purpose {
	case kmspb.CryptoKey_ENCRYPT_DECRYPT:
		if template.Algorithm == kmspb.CryptoKeyVersion_CRYPTO_KEY_VERSION_ALGORITHM_UNSPECIFIED {
			template.Algorithm = kmspb.CryptoKeyVersion_GOOGLE_SYMMETRIC_ENCRYPTION
		}
		if template.Algorithm != kmspb.CryptoKeyVersion_GOOGLE_SYMMETRIC_ENCRYPTION {
			return status.Errorf(codes.InvalidArgument, "algorithm %s does not match purpose %s", template.Algorithm, purpose)
		}
		return nil
	case kmspb.CryptoKey_ASYMMETRIC_SIGN, kmspb.CryptoKey_ASYMMETRIC_DECRYPT:
		spec, ok := algorithms[template.Algorithm]
		if !ok {
			return status.Errorf(codes.InvalidArgument, "algorithm %s is not supported by the fake", template.Algorithm)
		}
		if (spec.scheme == schemeDecrypt) != (purpose == kmspb.CryptoKey_ASYMMETRIC_DECRYPT) {
			return status.Errorf(codes.InvalidArgument, "algorithm %s does not match purpose %s", template.Algorithm, purpose)
		}
		return nil
	default:
		return status.Errorf(codes.InvalidArgument, "purpose %s is not supported by the fake", purpose)
	}
}

func generateKey(alg kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm) (*keyMaterial, error) {
	if alg == kmspb.CryptoKeyVersion_GOOGLE_SYMMETRIC_ENCRYPTION {
		return &keyMaterial{}, nil
	}
	spec, ok := algorithms[alg]
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "algorithm %s is not supported by the fake", alg)
	}

	var (
		signer crypto.Signer
		err    error
	)
	if spec.curve != nil {
		signer, err = ecdsa.GenerateKey(spec.curve, rand.Reader)
	} else {
		signer, err = rsa.GenerateKey(rand.Reader, spec.bits)
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "key generation failed: %v", err)
	}

	der, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "public key encoding failed: %v", err)
	}

	return &keyMaterial{
		signer: signer,
		spec:   spec,
		pem:    string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
		raw:    spec.scheme == schemeRawPKCS1,
	}, nil
}

func digestFor(key *keyMaterial, d *kmspb.Digest) ([]byte, error) {
	var got []byte
	switch key.spec.hash {
	case crypto.SHA256:
		got = d.GetSha256()
	case crypto.SHA384:
		got = d.GetSha384()
	case crypto.SHA512:
		got = d.GetSha512()
	}
	if len(got) != key.spec.hash.Size() {
		return nil, status.Errorf(codes.InvalidArgument, "expected a %s digest", key.spec.hash)
	}
	return got, nil
}

func (k *keyMaterial) sign(input []byte) ([]byte, error) {
	switch k.spec.scheme {
	case schemeECDSA:
		return ecdsa.SignASN1(rand.Reader, k.signer.(*ecdsa.PrivateKey), input)
	case schemePKCS1:
		return rsa.SignPKCS1v15(rand.Reader, k.signer.(*rsa.PrivateKey), k.spec.hash, input)
	case schemePSS:
		return rsa.SignPSS(rand.Reader, k.signer.(*rsa.PrivateKey), k.spec.hash, input,
			&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	case schemeRawPKCS1:
		return rsa.SignPKCS1v15(rand.Reader, k.signer.(*rsa.PrivateKey), 0, input)
	default:
		return nil, status.Error(codes.FailedPrecondition, "key cannot sign")
	}
}

func crc32cValue(b []byte) *wrapperspb.Int64Value {
	return wrapperspb.Int64(int64(kms.CRC32C(b)))
}

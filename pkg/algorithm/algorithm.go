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

// Package algorithm maps Cloud KMS key version algorithms onto the local
// details the token needs: key type and size, digest, signature encoding and
// the mechanisms a caller may use with the key.
package algorithm

import (
	"crypto"
	"crypto/elliptic"
	"fmt"
	"sort"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/jeremyhahn/go-kmstoken/pkg/kmserr"
)

// KeyType is the asymmetric key family. Values match CKK_* in PKCS#11.
type KeyType uint

const (
	KeyTypeRSA KeyType = 0x0
	KeyTypeEC  KeyType = 0x3
)

// String returns the key type name.
func (k KeyType) String() string {
	switch k {
	case KeyTypeRSA:
		return "RSA"
	case KeyTypeEC:
		return "EC"
	default:
		return fmt.Sprintf("KeyType(%d)", uint(k))
	}
}

// Mechanism identifies a signing or decryption scheme. Values match CKM_* in
// PKCS#11 so the PKCS#11 bridge can pass them through.
type Mechanism uint

const (
	MechanismRSAPKCS     Mechanism = 0x1
	MechanismRSAPKCSOAEP Mechanism = 0x9
	MechanismRSAPKCSPSS  Mechanism = 0xd
	MechanismECDSA       Mechanism = 0x1041
)

// String returns the mechanism name.
func (m Mechanism) String() string {
	switch m {
	case MechanismRSAPKCS:
		return "RSA_PKCS"
	case MechanismRSAPKCSOAEP:
		return "RSA_PKCS_OAEP"
	case MechanismRSAPKCSPSS:
		return "RSA_PKCS_PSS"
	case MechanismECDSA:
		return "ECDSA"
	default:
		return fmt.Sprintf("Mechanism(%#x)", uint(m))
	}
}

// KeyType returns the key family a mechanism operates on.
func (m Mechanism) KeyType() (KeyType, error) {
	switch m {
	case MechanismECDSA:
		return KeyTypeEC, nil
	case MechanismRSAPKCS, MechanismRSAPKCSPSS, MechanismRSAPKCSOAEP:
		return KeyTypeRSA, nil
	default:
		return 0, kmserr.WithReason(kmserr.InvalidArgument, kmserr.ReasonMechanismInvalid,
			"unsupported mechanism %s", m)
	}
}

// Details describes one supported algorithm.
type Details struct {
	Algorithm  kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm
	Purpose    kmspb.CryptoKey_CryptoKeyPurpose
	KeyType    KeyType
	KeyBits    int
	Curve      elliptic.Curve
	Hash       crypto.Hash
	Mechanisms []Mechanism

	// CNG names. Empty when the algorithm is not exposed through CNG.
	CNGAlgorithm      string
	CNGAlgorithmGroup string
}

// DigestLength is the size in bytes of the digest the algorithm signs.
func (d Details) DigestLength() int {
	return d.Hash.Size()
}

// SignatureLength is the size in bytes of a signature. EC signatures use the
// fixed-width IEEE P1363 r||s encoding.
func (d Details) SignatureLength() int {
	switch d.KeyType {
	case KeyTypeEC:
		return 2 * ((d.KeyBits + 7) / 8)
	default:
		return d.KeyBits / 8
	}
}

// Allows reports whether m may be used with this algorithm.
func (d Details) Allows(m Mechanism) bool {
	for _, allowed := range d.Mechanisms {
		if allowed == m {
			return true
		}
	}
	return false
}

// CanSign reports whether keys of this algorithm are signing keys.
func (d Details) CanSign() bool {
	return d.Purpose == kmspb.CryptoKey_ASYMMETRIC_SIGN
}

// String returns the KMS algorithm name.
func (d Details) String() string {
	return d.Algorithm.String()
}

var catalogue = map[kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm]Details{}

func register(d Details) {
	catalogue[d.Algorithm] = d
}

func ec(alg kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm, curve elliptic.Curve, hash crypto.Hash, cngName string) {
	register(Details{
		Algorithm:         alg,
		Purpose:           kmspb.CryptoKey_ASYMMETRIC_SIGN,
		KeyType:           KeyTypeEC,
		KeyBits:           curve.Params().BitSize,
		Curve:             curve,
		Hash:              hash,
		Mechanisms:        []Mechanism{MechanismECDSA},
		CNGAlgorithm:      cngName,
		CNGAlgorithmGroup: "ECDSA",
	})
}

func rsa(alg kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm, purpose kmspb.CryptoKey_CryptoKeyPurpose, bits int, hash crypto.Hash, mech Mechanism) {
	register(Details{
		Algorithm:  alg,
		Purpose:    purpose,
		KeyType:    KeyTypeRSA,
		KeyBits:    bits,
		Hash:       hash,
		Mechanisms: []Mechanism{mech},
	})
}

func init() {
	ec(kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256, elliptic.P256(), crypto.SHA256, "ECDSA_P256")
	ec(kmspb.CryptoKeyVersion_EC_SIGN_P384_SHA384, elliptic.P384(), crypto.SHA384, "ECDSA_P384")

	sign := kmspb.CryptoKey_ASYMMETRIC_SIGN
	rsa(kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_2048_SHA256, sign, 2048, crypto.SHA256, MechanismRSAPKCS)
	rsa(kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_3072_SHA256, sign, 3072, crypto.SHA256, MechanismRSAPKCS)
	rsa(kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_4096_SHA256, sign, 4096, crypto.SHA256, MechanismRSAPKCS)
	rsa(kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_4096_SHA512, sign, 4096, crypto.SHA512, MechanismRSAPKCS)
	rsa(kmspb.CryptoKeyVersion_RSA_SIGN_PSS_2048_SHA256, sign, 2048, crypto.SHA256, MechanismRSAPKCSPSS)
	rsa(kmspb.CryptoKeyVersion_RSA_SIGN_PSS_3072_SHA256, sign, 3072, crypto.SHA256, MechanismRSAPKCSPSS)
	rsa(kmspb.CryptoKeyVersion_RSA_SIGN_PSS_4096_SHA256, sign, 4096, crypto.SHA256, MechanismRSAPKCSPSS)
	rsa(kmspb.CryptoKeyVersion_RSA_SIGN_PSS_4096_SHA512, sign, 4096, crypto.SHA512, MechanismRSAPKCSPSS)

	decrypt := kmspb.CryptoKey_ASYMMETRIC_DECRYPT
	rsa(kmspb.CryptoKeyVersion_RSA_DECRYPT_OAEP_2048_SHA256, decrypt, 2048, crypto.SHA256, MechanismRSAPKCSOAEP)
	rsa(kmspb.CryptoKeyVersion_RSA_DECRYPT_OAEP_3072_SHA256, decrypt, 3072, crypto.SHA256, MechanismRSAPKCSOAEP)
	rsa(kmspb.CryptoKeyVersion_RSA_DECRYPT_OAEP_4096_SHA256, decrypt, 4096, crypto.SHA256, MechanismRSAPKCSOAEP)
	rsa(kmspb.CryptoKeyVersion_RSA_DECRYPT_OAEP_4096_SHA512, decrypt, 4096, crypto.SHA512, MechanismRSAPKCSOAEP)
}

// Get returns the details for alg. Algorithms without local support fail with
// NotSupported.
func Get(alg kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm) (Details, error) {
	d, ok := catalogue[alg]
	if !ok {
		return Details{}, kmserr.WithReason(kmserr.NotSupported, kmserr.ReasonUnsupportedAlgorithm,
			"algorithm %s is not supported", alg)
	}
	return d, nil
}

// Supported returns every supported algorithm in enum order.
func Supported() []Details {
	out := make([]Details, 0, len(catalogue))
	for _, d := range catalogue {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Algorithm < out[j].Algorithm })
	return out
}

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

//go:build pkcs11

package kmsp11

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/asn1"
	"math/big"

	"github.com/jeremyhahn/go-kmstoken/pkg/algorithm"
	"github.com/jeremyhahn/go-kmstoken/pkg/kms"
	"github.com/jeremyhahn/go-kmstoken/pkg/kmserr"
	"github.com/jeremyhahn/go-kmstoken/pkg/token"
	"github.com/miekg/pkcs11"
	"golang.org/x/crypto/cryptobyte"
)

var (
	oidP256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	oidP384 = asn1.ObjectIdentifier{1, 3, 132, 0, 34}
)

// attributeSet is the attribute table of one object, keyed by CKA_* type.
type attributeSet map[uint][]byte

func (s attributeSet) set(typ uint, value interface{}) {
	s[typ] = pkcs11.NewAttribute(typ, value).Value
}

// matches reports whether every template attribute is present with an equal
// value.
func (s attributeSet) matches(template []*pkcs11.Attribute) bool {
	for _, a := range template {
		v, ok := s[a.Type]
		if !ok || string(v) != string(a.Value) {
			return false
		}
	}
	return true
}

// ObjectClass returns the CKO_* value of a token object class.
func ObjectClass(c token.ObjectClass) uint {
	switch c {
	case token.ClassPublicKey:
		return pkcs11.CKO_PUBLIC_KEY
	case token.ClassPrivateKey:
		return pkcs11.CKO_PRIVATE_KEY
	default:
		return pkcs11.CKO_CERTIFICATE
	}
}

// attributes builds the attribute table of obj.
func attributes(obj token.Object) (attributeSet, error) {
	details := obj.Algorithm()
	name := obj.KeyVersionName()

	s := attributeSet{}
	s.set(pkcs11.CKA_CLASS, ObjectClass(obj.Class()))
	s.set(pkcs11.CKA_TOKEN, true)
	s.set(pkcs11.CKA_PRIVATE, obj.Class() == token.ClassPrivateKey)
	s.set(pkcs11.CKA_MODIFIABLE, false)
	s.set(pkcs11.CKA_LABEL, kms.CryptoKeyID(name))
	s.set(pkcs11.CKA_ID, []byte(name))

	switch o := obj.(type) {
	case *token.Certificate:
		cert := o.X509()
		s.set(pkcs11.CKA_CERTIFICATE_TYPE, uint(pkcs11.CKC_X_509))
		s.set(pkcs11.CKA_VALUE, o.DER())
		s.set(pkcs11.CKA_SUBJECT, cert.RawSubject)
		s.set(pkcs11.CKA_ISSUER, cert.RawIssuer)
		serial, err := asn1.Marshal(cert.SerialNumber)
		if err != nil {
			return nil, kmserr.Wrap(kmserr.Internal, err, "encoding serial number")
		}
		s.set(pkcs11.CKA_SERIAL_NUMBER, serial)
		return s, nil

	case *token.PublicKey:
		if err := keyAttributes(s, details, o.PublicKey()); err != nil {
			return nil, err
		}
		s.set(pkcs11.CKA_PUBLIC_KEY_INFO, o.DER())
		s.set(pkcs11.CKA_VERIFY, details.CanSign())
		s.set(pkcs11.CKA_ENCRYPT, !details.CanSign())
		return s, nil

	case *token.PrivateKey:
		if err := keyAttributes(s, details, o.PublicKey()); err != nil {
			return nil, err
		}
		s.set(pkcs11.CKA_SIGN, details.CanSign())
		s.set(pkcs11.CKA_DECRYPT, !details.CanSign())
		s.set(pkcs11.CKA_SENSITIVE, true)
		s.set(pkcs11.CKA_EXTRACTABLE, false)
		s.set(pkcs11.CKA_ALWAYS_SENSITIVE, true)
		s.set(pkcs11.CKA_NEVER_EXTRACTABLE, true)
		s.set(pkcs11.CKA_ALWAYS_AUTHENTICATE, false)
		return s, nil

	default:
		return nil, kmserr.Newf(kmserr.Internal, "unexpected object type %T", obj)
	}
}

func keyAttributes(s attributeSet, details algorithm.Details, pub interface{}) error {
	s.set(pkcs11.CKA_KEY_TYPE, uint(details.KeyType))
	s.set(pkcs11.CKA_LOCAL, false)
	s.set(pkcs11.CKA_DERIVE, false)

	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		params, err := ecParams(k.Curve)
		if err != nil {
			return err
		}
		point, err := ecPoint(k)
		if err != nil {
			return err
		}
		s.set(pkcs11.CKA_EC_PARAMS, params)
		s.set(pkcs11.CKA_EC_POINT, point)
	case *rsa.PublicKey:
		s.set(pkcs11.CKA_MODULUS, k.N.Bytes())
		s.set(pkcs11.CKA_PUBLIC_EXPONENT, big.NewInt(int64(k.E)).Bytes())
		s.set(pkcs11.CKA_MODULUS_BITS, uint(details.KeyBits))
	default:
		return kmserr.Newf(kmserr.Internal, "unexpected public key type %T", pub)
	}
	return nil
}

// ecParams is the DER encoded named curve OID.
func ecParams(curve elliptic.Curve) ([]byte, error) {
	var oid asn1.ObjectIdentifier
	switch curve {
	case elliptic.P256():
		oid = oidP256
	case elliptic.P384():
		oid = oidP384
	default:
		return nil, kmserr.Newf(kmserr.NotSupported, "curve %s", curve.Params().Name)
	}
	var b cryptobyte.Builder
	b.AddASN1ObjectIdentifier(oid)
	return b.Bytes()
}

// ecPoint is the uncompressed point wrapped in a DER OCTET STRING.
func ecPoint(pub *ecdsa.PublicKey) ([]byte, error) {
	ecdhPub, err := pub.ECDH()
	if err != nil {
		return nil, kmserr.Wrap(kmserr.Internal, err, "encoding EC point")
	}
	var b cryptobyte.Builder
	b.AddASN1OctetString(ecdhPub.Bytes())
	return b.Bytes()
}

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

package kmscng

import (
	"github.com/jeremyhahn/go-kmstoken/pkg/kmserr"
	"github.com/jeremyhahn/go-kmstoken/pkg/property"
	"github.com/jeremyhahn/go-kmstoken/pkg/token"
)

// Key property names.
const (
	PropertyAlgorithmGroup property.Name = "Algorithm Group"
	PropertyAlgorithmName  property.Name = "Algorithm Name"
	PropertyLength         property.Name = "Length"
	PropertyKeyUsage       property.Name = "Key Usage"
	PropertyKeyImplType    property.Name = "Impl Type"
	PropertyKMSKeyName     property.Name = "KmsKeyName"
	PropertyProviderHandle property.Name = "Provider Handle"
)

// Key is an open key: one private key object of a token, bound to the
// provider handle it was opened through.
type Key struct {
	provider uint64
	token    *token.Token
	handle   uint64
	private  *token.PrivateKey
	props    *property.Store
}

func newKey(provider uint64, tok *token.Token, handle uint64, private *token.PrivateKey) (*Key, error) {
	details := private.Algorithm()
	if details.CNGAlgorithm == "" {
		return nil, kmserr.WithReason(kmserr.NotSupported, kmserr.ReasonUnsupportedAlgorithm,
			"%s keys are not available through CNG", details)
	}

	props := property.NewStore()
	props.Define(PropertyAlgorithmGroup, property.WideString(details.CNGAlgorithmGroup), property.OfKind(property.KindString))
	props.Define(PropertyAlgorithmName, property.WideString(details.CNGAlgorithm), property.OfKind(property.KindString))
	props.Define(PropertyLength, property.DWORD(uint32(details.KeyBits)), property.OfKind(property.KindDWORD))
	props.Define(PropertyKeyUsage, property.DWORD(KeyUsageAllowSigning), property.OfKind(property.KindDWORD))
	props.Define(PropertyKeyImplType, property.DWORD(ImplTypeHardware), property.OfKind(property.KindDWORD))
	props.Define(PropertyKMSKeyName, property.WideString(private.KeyVersionName()), property.OfKind(property.KindString))
	props.Define(PropertyProviderHandle, property.Uint64(provider))

	return &Key{
		provider: provider,
		token:    tok,
		handle:   handle,
		private:  private,
		props:    props,
	}, nil
}

// Name returns the key version name.
func (k *Key) Name() string { return k.private.KeyVersionName() }

// Property returns the value of a key property.
func (k *Key) Property(name property.Name) ([]byte, error) {
	return k.props.Get(name)
}

// SetProperty always fails: key properties are read-only, and unknown names
// are NotSupported.
func (k *Key) SetProperty(name property.Name, value []byte) error {
	return k.props.Set(name, value)
}

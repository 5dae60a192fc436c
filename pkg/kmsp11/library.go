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

// Package kmsp11 exposes Cloud KMS tokens through the PKCS#11 object model.
//
// Slot ids are token positions. Attributes, mechanisms and return values
// use the types and constants of github.com/miekg/pkcs11, so results can be
// compared directly with those of a real module. Every method returns a
// *kmserr.Error; ReturnValue and Error convert it to a CK_RV.
package kmsp11

import (
	"context"
	"time"

	"github.com/jeremyhahn/go-kmstoken/pkg/algorithm"
	"github.com/jeremyhahn/go-kmstoken/pkg/kmserr"
	"github.com/jeremyhahn/go-kmstoken/pkg/logging"
	"github.com/jeremyhahn/go-kmstoken/pkg/metrics"
	"github.com/jeremyhahn/go-kmstoken/pkg/token"
	"github.com/miekg/pkcs11"
)

const libraryManufacturer = "Google"

// Library serves one slot per token.
type Library struct {
	tokens []*token.Token
	logger *logging.Logger
}

// New returns a library over tokens. The token at index i is slot i.
func New(logger *logging.Logger, tokens ...*token.Token) *Library {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Library{
		tokens: tokens,
		logger: logger.With("provider", metrics.ProviderPKCS11),
	}
}

// GetInfo describes the library.
func (l *Library) GetInfo() pkcs11.Info {
	return pkcs11.Info{
		CryptokiVersion:    pkcs11.Version{Major: 2, Minor: 40},
		ManufacturerID:     libraryManufacturer,
		LibraryDescription: "Cloud KMS PKCS#11 Library",
	}
}

// GetSlotList returns every slot id. All slots hold a token.
func (l *Library) GetSlotList() []uint {
	slots := make([]uint, len(l.tokens))
	for i := range l.tokens {
		slots[i] = uint(i)
	}
	return slots
}

func (l *Library) token(slot uint) (*token.Token, error) {
	if slot >= uint(len(l.tokens)) {
		return nil, kmserr.WithReason(kmserr.InvalidArgument, kmserr.ReasonSlotIDInvalid,
			"slot %d does not exist", slot)
	}
	return l.tokens[slot], nil
}

// GetSlotInfo describes a slot.
func (l *Library) GetSlotInfo(slot uint) (pkcs11.SlotInfo, error) {
	tok, err := l.token(slot)
	if err != nil {
		return pkcs11.SlotInfo{}, err
	}
	info := tok.SlotInfo()
	var flags uint
	if info.TokenPresent {
		flags |= pkcs11.CKF_TOKEN_PRESENT
	}
	if info.RemovableDevice {
		flags |= pkcs11.CKF_REMOVABLE_DEVICE
	}
	if info.HardwareSlot {
		flags |= pkcs11.CKF_HW_SLOT
	}
	return pkcs11.SlotInfo{
		SlotDescription: info.Description,
		ManufacturerID:  info.ManufacturerID,
		Flags:           flags,
	}, nil
}

// GetTokenInfo describes the token in a slot.
func (l *Library) GetTokenInfo(slot uint) (pkcs11.TokenInfo, error) {
	tok, err := l.token(slot)
	if err != nil {
		return pkcs11.TokenInfo{}, err
	}
	info := tok.TokenInfo()
	var flags uint
	for _, f := range []struct {
		set  bool
		flag uint
	}{
		{info.RNG, pkcs11.CKF_RNG},
		{info.WriteProtected, pkcs11.CKF_WRITE_PROTECTED},
		{info.LoginRequired, pkcs11.CKF_LOGIN_REQUIRED},
		{info.UserPINInitialized, pkcs11.CKF_USER_PIN_INITIALIZED},
		{info.TokenInitialized, pkcs11.CKF_TOKEN_INITIALIZED},
	} {
		if f.set {
			flags |= f.flag
		}
	}
	return pkcs11.TokenInfo{
		Label:          info.Label,
		ManufacturerID: info.ManufacturerID,
		Model:          info.Model,
		SerialNumber:   info.SerialNumber,
		Flags:          flags,
	}, nil
}

// GetMechanismList returns the mechanisms the token in slot can use.
func (l *Library) GetMechanismList(slot uint) ([]*pkcs11.Mechanism, error) {
	if _, err := l.token(slot); err != nil {
		return nil, err
	}
	seen := map[algorithm.Mechanism]bool{}
	var mechs []*pkcs11.Mechanism
	for _, d := range algorithm.Supported() {
		for _, m := range d.Mechanisms {
			if !seen[m] {
				seen[m] = true
				mechs = append(mechs, pkcs11.NewMechanism(uint(m), nil))
			}
		}
	}
	return mechs, nil
}

// Login logs the user into the token in slot. The PIN is not checked: KMS
// authorizes every call with the caller's cloud credentials.
func (l *Library) Login(slot uint, userType uint, pin string) error {
	tok, err := l.token(slot)
	if err != nil {
		return err
	}
	return tok.Login(token.UserType(userType))
}

// Logout logs the user out of the token in slot.
func (l *Library) Logout(slot uint) error {
	tok, err := l.token(slot)
	if err != nil {
		return err
	}
	return tok.Logout()
}

// FindObjects returns the objects whose attributes match template, ordered
// by key version and class. Private objects are only visible while logged
// in.
func (l *Library) FindObjects(slot uint, template []*pkcs11.Attribute) (handles []pkcs11.ObjectHandle, err error) {
	start := time.Now()
	defer func() { record(metrics.OpFind, start, err) }()

	tok, err := l.token(slot)
	if err != nil {
		return nil, err
	}
	loggedIn := tok.IsLoggedIn()

	var attrErr error
	matched := tok.FindObjects(func(obj token.Object) bool {
		if obj.Class() == token.ClassPrivateKey && !loggedIn {
			return false
		}
		attrs, err := attributes(obj)
		if err != nil {
			attrErr = err
			return false
		}
		return attrs.matches(template)
	})
	if attrErr != nil {
		return nil, attrErr
	}

	handles = make([]pkcs11.ObjectHandle, len(matched))
	for i, h := range matched {
		handles[i] = pkcs11.ObjectHandle(h)
	}
	return handles, nil
}

// GetAttributeValue returns the requested attributes of object h. An
// attribute the object does not have fails the whole call.
func (l *Library) GetAttributeValue(slot uint, h pkcs11.ObjectHandle, template []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	obj, err := l.object(slot, h)
	if err != nil {
		return nil, err
	}
	attrs, err := attributes(obj)
	if err != nil {
		return nil, err
	}

	out := make([]*pkcs11.Attribute, 0, len(template))
	for _, a := range template {
		v, ok := attrs[a.Type]
		if !ok {
			return nil, kmserr.WithReason(kmserr.InvalidArgument, kmserr.ReasonAttributeTypeInvalid,
				"object has no attribute %#x", a.Type)
		}
		out = append(out, &pkcs11.Attribute{Type: a.Type, Value: append([]byte(nil), v...)})
	}
	return out, nil
}

// SetAttributeValue always fails: every object is read-only.
func (l *Library) SetAttributeValue(slot uint, h pkcs11.ObjectHandle, template []*pkcs11.Attribute) error {
	if _, err := l.object(slot, h); err != nil {
		return err
	}
	return kmserr.WithReason(kmserr.InvalidArgument, kmserr.ReasonAttributeReadOnly, "token objects are read-only")
}

func (l *Library) object(slot uint, h pkcs11.ObjectHandle) (token.Object, error) {
	tok, err := l.token(slot)
	if err != nil {
		return nil, err
	}
	obj, err := tok.GetObject(uint64(h))
	if err != nil {
		return nil, err
	}
	if obj.Class() == token.ClassPrivateKey && !tok.IsLoggedIn() {
		return nil, kmserr.WithReason(kmserr.InvalidHandle, kmserr.ReasonObjectHandleInvalid,
			"object %#x is not visible before login", h)
	}
	return obj, nil
}

// Sign signs digest with private key h. A nil out returns the signature
// size without calling KMS; a short out fails with CKR_BUFFER_TOO_SMALL.
func (l *Library) Sign(ctx context.Context, slot uint, h pkcs11.ObjectHandle, mech *pkcs11.Mechanism, digest, out []byte) (n int, err error) {
	start := time.Now()
	defer func() { record(metrics.OpSign, start, err) }()

	tok, err := l.token(slot)
	if err != nil {
		return 0, err
	}
	if !tok.IsLoggedIn() {
		return 0, kmserr.WithReason(kmserr.FailedPrecondition, kmserr.ReasonUserNotLoggedIn,
			"login is required to sign")
	}
	if mech == nil {
		return 0, kmserr.WithReason(kmserr.InvalidArgument, kmserr.ReasonMechanismInvalid, "mechanism is required")
	}

	m := token.Mechanism{Type: algorithm.Mechanism(mech.Mechanism), Parameter: mech.Parameter}
	size, err := tok.SignatureLength(uint64(h), m, digest)
	if err != nil {
		return 0, err
	}
	if out == nil {
		return size, nil
	}
	if len(out) < size {
		return size, kmserr.Newf(kmserr.BufferTooSmall, "signature needs %d bytes, buffer has %d", size, len(out))
	}

	sig, err := tok.Sign(ctx, uint64(h), m, digest)
	if err != nil {
		l.logger.Errorf("sign with object %#x: %v", h, err)
		return 0, err
	}
	return copy(out, sig), nil
}

func record(op string, start time.Time, err error) {
	metrics.RecordOperation(op, metrics.ProviderPKCS11, metrics.StatusFor(err), time.Since(start).Seconds())
	if err != nil {
		metrics.RecordError(op, metrics.ProviderPKCS11, kmserr.KindOf(err).String())
	}
}

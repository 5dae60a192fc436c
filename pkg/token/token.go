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

// Package token presents the keys of one Cloud KMS key ring as the objects of
// a virtual cryptographic token.
//
// A Token is built once by listing the key ring; its object set never changes
// afterwards. Each object is addressed by a random handle. Signing is
// delegated to KMS, so no private key material is ever held locally.
//
// The object table and the login state have independent locks. No method
// holds both, and neither is held across a call to KMS.
package token

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jeremyhahn/go-kmstoken/pkg/certauthority"
	"github.com/jeremyhahn/go-kmstoken/pkg/correlation"
	"github.com/jeremyhahn/go-kmstoken/pkg/handlemap"
	"github.com/jeremyhahn/go-kmstoken/pkg/kmserr"
	"github.com/jeremyhahn/go-kmstoken/pkg/logging"
	"github.com/jeremyhahn/go-kmstoken/pkg/metrics"
	"github.com/jeremyhahn/go-kmstoken/pkg/storage"
)

const (
	slotDescription = "A virtual slot mapped to a key ring in Google Cloud KMS"
	manufacturerID  = "Google"
	tokenModel      = "Cloud KMS Token"
)

// UserType is a login role. Values match CKU_* in PKCS#11.
type UserType uint

const (
	UserSecurityOfficer UserType = 0
	User                UserType = 1
	UserContextSpecific UserType = 2
)

// Config describes one token.
type Config struct {
	SlotID        uint
	Label         string
	KeyRing       string
	GenerateCerts bool

	// StateStore receives a snapshot after every successful load and is
	// the source for Restore. Optional for New.
	StateStore storage.Backend
}

// Option configures a Token.
type Option func(*options)

type options struct {
	logger *logging.Logger
	rand   io.Reader
}

// WithLogger sets the token logger.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRand sets the random source for object handles. It is used for
// nothing else; certificates are always issued from the system CSPRNG.
func WithRand(r io.Reader) Option {
	return func(o *options) {
		o.rand = r
	}
}

// SlotInfo describes the virtual slot.
type SlotInfo struct {
	Description     string
	ManufacturerID  string
	TokenPresent    bool
	RemovableDevice bool
	HardwareSlot    bool
}

// TokenInfo describes the token in the slot.
type TokenInfo struct {
	Label              string
	ManufacturerID     string
	Model              string
	SerialNumber       string
	RNG                bool
	WriteProtected     bool
	LoginRequired      bool
	UserPINInitialized bool
	TokenInitialized   bool
}

// Token is a virtual token over one key ring.
type Token struct {
	slotID    uint
	keyRing   string
	slotInfo  SlotInfo
	tokenInfo TokenInfo
	objects   *handlemap.HandleMap[storedObject]
	report    *Report
	remote    Remote
	logger    *logging.Logger

	loginMu  sync.RWMutex
	loggedIn bool
}

// New lists cfg.KeyRing and builds a token over the keys it can expose.
// Failures from KMS abort construction; there is no partially loaded token.
func New(ctx context.Context, remote Remote, cfg Config, opts ...Option) (tok *Token, err error) {
	start := time.Now()
	defer func() { record(metrics.OpLoad, start, err) }()

	o := applyOptions(opts)
	if cfg.KeyRing == "" {
		return nil, kmserr.New(kmserr.InvalidArgument, "key ring is required")
	}

	loadOpts := &LoadOptions{Rand: o.rand, Logger: o.logger}
	if cfg.GenerateCerts {
		// The handle source never feeds the CA key or certificates.
		ca, err := certauthority.New(nil)
		if err != nil {
			return nil, kmserr.Wrap(kmserr.Internal, err, "creating certificate authority")
		}
		loadOpts.Authority = ca
	}

	// Every RPC of one load shares a correlation id.
	ctx, id := correlation.Ensure(ctx)
	state, report, err := LoadState(ctx, remote, cfg.KeyRing, loadOpts)
	if err != nil {
		o.logger.Errorf("loading %s (correlation %s): %v", cfg.KeyRing, id, err)
		return nil, err
	}

	tok, err = newToken(remote, cfg, state, report, o)
	if err != nil {
		return nil, err
	}

	if cfg.StateStore != nil {
		if err := SaveState(cfg.StateStore, state); err != nil {
			o.logger.Warnf("saving state for %s: %v", cfg.KeyRing, err)
		}
	}
	return tok, nil
}

// Restore builds a token from the snapshot of cfg.KeyRing in cfg.StateStore
// without listing the key ring. The handles match those of the token that
// wrote the snapshot.
func Restore(remote Remote, cfg Config, opts ...Option) (tok *Token, err error) {
	start := time.Now()
	defer func() { record(metrics.OpRestore, start, err) }()

	o := applyOptions(opts)
	if cfg.StateStore == nil {
		return nil, kmserr.New(kmserr.FailedPrecondition, "restore requires a state store")
	}
	state, err := ReadState(cfg.StateStore, cfg.KeyRing)
	if err != nil {
		return nil, err
	}
	return newToken(remote, cfg, state, nil, o)
}

func applyOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.DefaultLogger()
	}
	return o
}

func newToken(remote Remote, cfg Config, state *State, report *Report, o *options) (*Token, error) {
	objects := handlemap.New[storedObject](
		handlemap.WithSource(o.rand),
		handlemap.WithNotFoundReason(kmserr.ReasonObjectHandleInvalid),
	)
	if err := LoadObjects(state, objects); err != nil {
		return nil, err
	}

	if report == nil {
		report = &Report{KeyRing: cfg.KeyRing}
		for i := range state.Keys {
			if ckv, err := state.Keys[i].Version(); err == nil {
				report.include(ckv.GetName())
			}
		}
	}

	label := cfg.Label
	if label == "" {
		label = cfg.KeyRing
	}
	metrics.SetTokenObjects(label, float64(objects.Len()))

	return &Token{
		slotID:  cfg.SlotID,
		keyRing: cfg.KeyRing,
		slotInfo: SlotInfo{
			Description:    slotDescription,
			ManufacturerID: manufacturerID,
			TokenPresent:   true,
		},
		tokenInfo: TokenInfo{
			Label:              label,
			ManufacturerID:     manufacturerID,
			Model:              tokenModel,
			SerialNumber:       fmt.Sprintf("%016x", cfg.SlotID),
			WriteProtected:     true,
			LoginRequired:      true,
			UserPINInitialized: true,
			TokenInitialized:   true,
		},
		objects: objects,
		report:  report,
		remote:  remote,
		logger:  o.logger.With("key_ring", cfg.KeyRing),
	}, nil
}

// SlotID returns the slot the token occupies.
func (t *Token) SlotID() uint { return t.slotID }

// KeyRing returns the key ring name.
func (t *Token) KeyRing() string { return t.keyRing }

// SlotInfo returns the slot description.
func (t *Token) SlotInfo() SlotInfo { return t.slotInfo }

// TokenInfo returns the token description.
func (t *Token) TokenInfo() TokenInfo { return t.tokenInfo }

// Report returns the outcome of the load that built the token.
func (t *Token) Report() *Report { return t.report }

// Len returns the number of objects.
func (t *Token) Len() int { return t.objects.Len() }

// IsLoggedIn reports whether a user is logged in.
func (t *Token) IsLoggedIn() bool {
	t.loginMu.RLock()
	defer t.loginMu.RUnlock()
	return t.loggedIn
}

// Login logs in as user. Only the normal user role is accepted; the token
// has no security officer PIN and never requires re-authentication.
func (t *Token) Login(user UserType) (err error) {
	start := time.Now()
	defer func() { record(metrics.OpLogin, start, err) }()

	switch user {
	case User:
	case UserSecurityOfficer:
		return kmserr.WithReason(kmserr.PermissionDenied, kmserr.ReasonPinLocked,
			"login as security officer is not permitted")
	case UserContextSpecific:
		return kmserr.WithReason(kmserr.PermissionDenied, kmserr.ReasonOperationNotInitialized,
			"no key on this token requires context specific login")
	default:
		return kmserr.WithReason(kmserr.InvalidArgument, kmserr.ReasonUserTypeInvalid,
			"unknown user type %#x", uint(user))
	}

	t.loginMu.Lock()
	defer t.loginMu.Unlock()
	if t.loggedIn {
		return kmserr.WithReason(kmserr.FailedPrecondition, kmserr.ReasonUserAlreadyLoggedIn,
			"user is already logged in")
	}
	t.loggedIn = true
	return nil
}

// Logout ends the login session.
func (t *Token) Logout() (err error) {
	start := time.Now()
	defer func() { record(metrics.OpLogout, start, err) }()

	t.loginMu.Lock()
	defer t.loginMu.Unlock()
	if !t.loggedIn {
		return kmserr.WithReason(kmserr.FailedPrecondition, kmserr.ReasonUserNotLoggedIn,
			"user is not logged in")
	}
	t.loggedIn = false
	return nil
}

// GetObject returns the object with handle h.
func (t *Token) GetObject(h uint64) (Object, error) {
	entry, err := t.objects.Get(h)
	if err != nil {
		return nil, err
	}
	return entry.Object, nil
}

// FindObjects returns the handles of the objects matching pred, ordered by
// key version name and then by class. A nil pred matches everything.
func (t *Token) FindObjects(pred func(Object) bool) []uint64 {
	var match func(*storedObject) bool
	if pred != nil {
		match = func(e *storedObject) bool { return pred(e.Object) }
	}
	return t.objects.Find(match, func(a, b *storedObject) bool {
		an, bn := a.KeyVersionName(), b.KeyVersionName()
		if an == bn {
			return a.Class() < b.Class()
		}
		return an < bn
	})
}

// FindKeyVersion returns the handles of the objects of one key version.
func (t *Token) FindKeyVersion(name string) []uint64 {
	return t.FindObjects(func(o Object) bool { return o.KeyVersionName() == name })
}

// FindPrivateKey returns the handle and object of the private key of the key
// version name.
func (t *Token) FindPrivateKey(name string) (uint64, *PrivateKey, bool) {
	handles := t.FindObjects(func(o Object) bool {
		return o.Class() == ClassPrivateKey && o.KeyVersionName() == name
	})
	if len(handles) == 0 {
		return 0, nil, false
	}
	obj, err := t.GetObject(handles[0])
	if err != nil {
		return 0, nil, false
	}
	return handles[0], obj.(*PrivateKey), true
}

func record(op string, start time.Time, err error) {
	metrics.RecordOperation(op, metrics.ProviderToken, metrics.StatusFor(err), time.Since(start).Seconds())
	if err != nil {
		metrics.RecordError(op, metrics.ProviderToken, kmserr.KindOf(err).String())
	}
}

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

// Package kmscng implements the operations of a Windows CNG key storage
// provider over Cloud KMS tokens.
//
// Every exported Bridge method corresponds to one NCrypt provider function.
// Output buffers follow the CNG convention: a nil slice asks for the
// required size, a short slice fails with BufferTooSmall and is not written.
// Status translates the returned error into a SECURITY_STATUS.
package kmscng

import (
	"context"
	"io"
	"time"

	"github.com/jeremyhahn/go-kmstoken/pkg/algorithm"
	"github.com/jeremyhahn/go-kmstoken/pkg/handlemap"
	"github.com/jeremyhahn/go-kmstoken/pkg/kms"
	"github.com/jeremyhahn/go-kmstoken/pkg/kmserr"
	"github.com/jeremyhahn/go-kmstoken/pkg/logging"
	"github.com/jeremyhahn/go-kmstoken/pkg/metrics"
	"github.com/jeremyhahn/go-kmstoken/pkg/property"
	"github.com/jeremyhahn/go-kmstoken/pkg/storage"
	"github.com/jeremyhahn/go-kmstoken/pkg/token"
)

// Options configures a Bridge.
type Options struct {
	// KMS is the starting client configuration of every provider. The
	// endpoint and channel credentials can later be changed per provider
	// through properties.
	KMS kms.Config

	// Dial connects to KMS. Defaults to DefaultDial.
	Dial DialFunc

	GenerateCerts bool
	StateStore    storage.Backend

	// Rand is the handle source for providers, keys and token objects.
	// Key material and certificates never draw from it.
	Rand io.Reader

	Logger *logging.Logger
}

// Bridge holds the provider and key handle tables.
type Bridge struct {
	opts      Options
	providers *handlemap.HandleMap[Provider]
	keys      *handlemap.HandleMap[Key]
	logger    *logging.Logger
}

// NewBridge returns a bridge with no open providers.
func NewBridge(opts *Options) *Bridge {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Dial == nil {
		o.Dial = DefaultDial
	}
	if o.Logger == nil {
		o.Logger = logging.DefaultLogger()
	}

	return &Bridge{
		opts: o,
		providers: handlemap.New[Provider](
			handlemap.WithSource(o.Rand),
			handlemap.WithNotFoundReason(kmserr.ReasonProviderHandleInvalid),
		),
		keys: handlemap.New[Key](
			handlemap.WithSource(o.Rand),
			handlemap.WithNotFoundReason(kmserr.ReasonKeyHandleInvalid),
		),
		logger: o.Logger.With("provider", metrics.ProviderCNG),
	}
}

// OpenProvider opens a provider handle. name must be ProviderName.
func (b *Bridge) OpenProvider(name string, flags uint32) (uint64, error) {
	if err := ValidateFlags(flags, defaultAllowedFlags); err != nil {
		return 0, err
	}
	if name != ProviderName {
		return 0, kmserr.Newf(kmserr.InvalidArgument, "unknown provider %q", name)
	}

	tokCfg := token.Config{
		GenerateCerts: b.opts.GenerateCerts,
		StateStore:    b.opts.StateStore,
	}
	tokOpts := []token.Option{token.WithLogger(b.opts.Logger), token.WithRand(b.opts.Rand)}
	return b.providers.Add(newProvider(b.opts.KMS, b.opts.Dial, tokCfg, b.logger, tokOpts))
}

// FreeProvider closes a provider handle, the keys opened through it and its
// KMS connections.
func (b *Bridge) FreeProvider(h uint64) error {
	p, err := b.providers.Get(h)
	if err != nil {
		return err
	}
	if err := b.providers.Remove(h); err != nil {
		return err
	}
	for _, k := range b.keys.Find(func(key *Key) bool { return key.provider == h }, nil) {
		_ = b.keys.Remove(k)
	}
	if err := p.Close(); err != nil {
		b.logger.Warnf("closing provider connections: %v", err)
	}
	return nil
}

// Provider returns the provider for h.
func (b *Bridge) Provider(h uint64) (*Provider, error) {
	return b.providers.Get(h)
}

// GetProviderProperty copies a provider property into out and returns its
// size.
func (b *Bridge) GetProviderProperty(h uint64, name property.Name, out []byte, flags uint32) (n int, err error) {
	start := time.Now()
	defer func() { record(metrics.OpGetProperty, start, err) }()

	if err := ValidateFlags(flags, defaultAllowedFlags); err != nil {
		return 0, err
	}
	p, err := b.providers.Get(h)
	if err != nil {
		return 0, err
	}
	value, err := p.Property(name)
	if err != nil {
		return 0, err
	}
	return property.CopyOut(value, out)
}

// SetProviderProperty changes a provider property.
func (b *Bridge) SetProviderProperty(h uint64, name property.Name, value []byte, flags uint32) (err error) {
	start := time.Now()
	defer func() { record(metrics.OpSetProperty, start, err) }()

	if err := ValidateFlags(flags, defaultAllowedFlags); err != nil {
		return err
	}
	p, err := b.providers.Get(h)
	if err != nil {
		return err
	}
	return p.SetProperty(name, value)
}

// OpenKey opens the private key of the CryptoKeyVersion keyName. Keys the
// token excluded while loading fail with NotSupported; names the key ring
// never listed fail with NotFound.
func (b *Bridge) OpenKey(ctx context.Context, h uint64, keyName string, legacyKeySpec, flags uint32) (kh uint64, err error) {
	start := time.Now()
	defer func() { record(metrics.OpOpenKey, start, err) }()

	if h == 0 {
		return 0, kmserr.WithReason(kmserr.InvalidHandle, kmserr.ReasonProviderHandleInvalid,
			"provider handle must be non-zero")
	}
	if legacyKeySpec != KeySpecSignature && legacyKeySpec != KeySpecKeyExchange {
		return 0, kmserr.Newf(kmserr.InvalidArgument, "unsupported legacy key spec %d", legacyKeySpec)
	}
	if err := ValidateFlags(flags, openKeyAllowedFlags); err != nil {
		return 0, err
	}
	p, err := b.providers.Get(h)
	if err != nil {
		return 0, err
	}

	name, err := kms.ParseKeyVersionName(keyName)
	if err != nil {
		return 0, kmserr.Wrap(kmserr.InvalidArgument, err, "key name")
	}

	tok, err := p.Token(ctx, name.KeyRingName())
	if err != nil {
		return 0, err
	}

	oh, private, ok := tok.FindPrivateKey(name.String())
	if !ok {
		if skip, skipped := tok.Report().SkipFor(name.String()); skipped {
			return 0, kmserr.Newf(kmserr.NotSupported, "%s is not supported: %s %s",
				keyName, skip.Reason, skip.Detail)
		}
		return 0, kmserr.WithReason(kmserr.NotFound, kmserr.ReasonKeysetNotFound, "key %s not found", keyName)
	}

	key, err := newKey(h, tok, oh, private)
	if err != nil {
		return 0, err
	}
	if kh, err = b.keys.Add(key); err != nil {
		return 0, err
	}
	// FreeProvider may have run while the key ring was listed. It removes
	// the provider before sweeping keys, so either its sweep saw this key
	// or the lookup below fails.
	if _, err := b.providers.Get(h); err != nil {
		_ = b.keys.Remove(kh)
		return 0, err
	}
	return kh, nil
}

// FreeKey closes a key handle opened through provider h.
func (b *Bridge) FreeKey(h, k uint64) error {
	if _, err := b.key(h, k); err != nil {
		return err
	}
	return b.keys.Remove(k)
}

// GetKeyProperty copies a key property into out and returns its size.
func (b *Bridge) GetKeyProperty(h, k uint64, name property.Name, out []byte, flags uint32) (n int, err error) {
	start := time.Now()
	defer func() { record(metrics.OpGetProperty, start, err) }()

	if err := ValidateFlags(flags, defaultAllowedFlags); err != nil {
		return 0, err
	}
	key, err := b.key(h, k)
	if err != nil {
		return 0, err
	}
	value, err := key.Property(name)
	if err != nil {
		return 0, err
	}
	return property.CopyOut(value, out)
}

// SetKeyProperty fails for every property: keys are read-only.
func (b *Bridge) SetKeyProperty(h, k uint64, name property.Name, value []byte, flags uint32) (err error) {
	start := time.Now()
	defer func() { record(metrics.OpSetProperty, start, err) }()

	if err := ValidateFlags(flags, defaultAllowedFlags); err != nil {
		return err
	}
	key, err := b.key(h, k)
	if err != nil {
		return err
	}
	return key.SetProperty(name, value)
}

// SignHash signs digest with key k. paddingInfo must be nil. With a nil out
// only the signature size is returned and KMS is not called.
func (b *Bridge) SignHash(ctx context.Context, h, k uint64, paddingInfo, digest, out []byte, flags uint32) (n int, err error) {
	start := time.Now()
	defer func() { record(metrics.OpSign, start, err) }()

	key, err := b.key(h, k)
	if err != nil {
		return 0, err
	}
	if paddingInfo != nil {
		return 0, kmserr.WithReason(kmserr.InvalidArgument, kmserr.ReasonMechanismParamInvalid,
			"padding info is not supported")
	}
	if err := ValidateFlags(flags, defaultAllowedFlags); err != nil {
		return 0, err
	}

	mech := token.Mechanism{Type: algorithm.MechanismECDSA}
	size, err := key.token.SignatureLength(key.handle, mech, digest)
	if err != nil {
		return 0, err
	}
	if out == nil {
		return size, nil
	}
	if len(out) < size {
		return size, kmserr.Newf(kmserr.BufferTooSmall, "signature needs %d bytes, buffer has %d", size, len(out))
	}

	sig, err := key.token.Sign(ctx, key.handle, mech, digest)
	if err != nil {
		return 0, err
	}
	return copy(out, sig), nil
}

// key resolves k and checks that it was opened through provider h.
func (b *Bridge) key(h, k uint64) (*Key, error) {
	if _, err := b.providers.Get(h); err != nil {
		return nil, err
	}
	key, err := b.keys.Get(k)
	if err != nil {
		return nil, err
	}
	if key.provider != h {
		return nil, kmserr.WithReason(kmserr.InvalidHandle, kmserr.ReasonKeyHandleInvalid,
			"key %#x belongs to another provider", k)
	}
	return key, nil
}

// Close frees every open provider.
func (b *Bridge) Close() error {
	for _, h := range b.providers.Find(nil, nil) {
		if err := b.FreeProvider(h); err != nil {
			return err
		}
	}
	return nil
}

func record(op string, start time.Time, err error) {
	metrics.RecordOperation(op, metrics.ProviderCNG, metrics.StatusFor(err), time.Since(start).Seconds())
	if err != nil {
		metrics.RecordError(op, metrics.ProviderCNG, kmserr.KindOf(err).String())
	}
}

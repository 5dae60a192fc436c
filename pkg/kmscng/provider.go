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
	"context"
	"errors"
	"sync"

	"github.com/jeremyhahn/go-kmstoken/pkg/kms"
	"github.com/jeremyhahn/go-kmstoken/pkg/kmserr"
	"github.com/jeremyhahn/go-kmstoken/pkg/logging"
	"github.com/jeremyhahn/go-kmstoken/pkg/property"
	"github.com/jeremyhahn/go-kmstoken/pkg/token"
)

// ProviderName is the only name OpenProvider accepts.
const ProviderName = "Google Cloud KMS Provider"

// Provider property names.
const (
	PropertyImplType           property.Name = "Impl Type"
	PropertyEndpointAddress    property.Name = "Endpoint Address"
	PropertyChannelCredentials property.Name = "Channel Credentials"
)

// Client is a KMS connection owned by a provider.
type Client interface {
	token.Remote
	Close() error
}

// DialFunc connects to KMS.
type DialFunc func(ctx context.Context, config *kms.Config) (Client, error)

// DefaultDial dials Cloud KMS with kms.NewClient.
func DefaultDial(ctx context.Context, config *kms.Config) (Client, error) {
	return kms.NewClient(ctx, config)
}

// Provider is one open handle to the key storage provider. It owns its
// properties and a lazily built token per key ring.
type Provider struct {
	props  *property.Store
	base   kms.Config
	dial   DialFunc
	tokCfg token.Config
	opts   []token.Option
	logger *logging.Logger

	mu         sync.Mutex
	client     Client
	retired    []Client
	tokens     map[string]*token.Token
	generation uint64
	closed     bool
}

func newProvider(base kms.Config, dial DialFunc, tokCfg token.Config, logger *logging.Logger, opts []token.Option) *Provider {
	endpoint := base.EndpointOrDefault()
	creds := base.ChannelCredentials
	if creds == "" {
		creds = kms.ChannelCredentialsDefault
	}

	props := property.NewStore()
	props.Define(PropertyImplType, property.DWORD(ImplTypeHardware), property.OfKind(property.KindDWORD))
	props.Define(PropertyEndpointAddress, property.WideString(endpoint),
		property.OfKind(property.KindString), property.Mutable(), property.Validate(validateEndpoint))
	props.Define(PropertyChannelCredentials, property.WideString(creds),
		property.OfKind(property.KindString), property.Mutable(), property.Validate(validateCredentials))

	return &Provider{
		props:  props,
		base:   base,
		dial:   dial,
		tokCfg: tokCfg,
		opts:   opts,
		logger: logger,
		tokens: make(map[string]*token.Token),
	}
}

func validateEndpoint(b []byte) error {
	s, err := property.ParseWideString(b)
	if err != nil {
		return err
	}
	if s == "" {
		return errors.New("endpoint must not be empty")
	}
	return nil
}

func validateCredentials(b []byte) error {
	s, err := property.ParseWideString(b)
	if err != nil {
		return err
	}
	switch s {
	case kms.ChannelCredentialsDefault, kms.ChannelCredentialsInsecure:
		return nil
	default:
		return kms.ErrInvalidChannelCredentials
	}
}

// Property returns the value of a provider property.
func (p *Provider) Property(name property.Name) ([]byte, error) {
	return p.props.Get(name)
}

// SetProperty changes a provider property. Changing where or how KMS is
// reached drops the cached tokens; keys already open keep theirs.
func (p *Provider) SetProperty(name property.Name, value []byte) error {
	if err := p.props.Set(name, value); err != nil {
		return err
	}
	switch name {
	case PropertyEndpointAddress, PropertyChannelCredentials:
		p.reset()
	}
	return nil
}

func (p *Provider) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		p.retired = append(p.retired, p.client)
		p.client = nil
	}
	p.tokens = make(map[string]*token.Token)
	p.generation++
	p.logger.Debugf("provider connection settings changed, token cache cleared")
}

// config builds the client configuration from the provider properties.
func (p *Provider) config() (*kms.Config, error) {
	cfg := p.base

	b, err := p.props.Get(PropertyEndpointAddress)
	if err != nil {
		return nil, err
	}
	if cfg.Endpoint, err = property.ParseWideString(b); err != nil {
		return nil, kmserr.Wrap(kmserr.Internal, err, "decoding endpoint")
	}

	if b, err = p.props.Get(PropertyChannelCredentials); err != nil {
		return nil, err
	}
	if cfg.ChannelCredentials, err = property.ParseWideString(b); err != nil {
		return nil, kmserr.Wrap(kmserr.Internal, err, "decoding channel credentials")
	}
	return &cfg, nil
}

// Token returns the token for keyRing, building it on first use. The cache
// lock is not held while the key ring is listed.
func (p *Provider) Token(ctx context.Context, keyRing string) (*token.Token, error) {
	p.mu.Lock()
	if tok, ok := p.tokens[keyRing]; ok {
		p.mu.Unlock()
		return tok, nil
	}
	client, err := p.connectLocked(ctx)
	generation := p.generation
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	cfg := p.tokCfg
	cfg.KeyRing = keyRing
	tok, err := token.New(ctx, client, cfg, p.opts...)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.tokens[keyRing]; ok {
		return existing, nil
	}
	if !p.closed && p.generation == generation {
		p.tokens[keyRing] = tok
	}
	return tok, nil
}

func (p *Provider) connectLocked(ctx context.Context) (Client, error) {
	if p.closed {
		return nil, kmserr.WithReason(kmserr.InvalidHandle, kmserr.ReasonProviderHandleInvalid,
			"provider is closed")
	}
	if p.client != nil {
		return p.client, nil
	}
	cfg, err := p.config()
	if err != nil {
		return nil, err
	}
	client, err := p.dial(ctx, cfg)
	if err != nil {
		return nil, kmserr.Wrap(kmserr.FailedPrecondition, err, "connecting to "+cfg.Endpoint)
	}
	p.client = client
	return client, nil
}

// Close releases every KMS connection the provider opened. A closed
// provider never dials again.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true

	var errs []error
	for _, c := range append(p.retired, p.client) {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.client = nil
	p.retired = nil
	p.tokens = make(map[string]*token.Token)
	return errors.Join(errs...)
}

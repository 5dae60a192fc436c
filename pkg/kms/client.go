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

// Package kms is the token's client for the Cloud KMS API.
//
// Only the read and sign calls a token needs are exposed. Every response that
// carries a CRC32C checksum is verified, and every failure reported by the
// service is returned as a kmserr Upstream error that keeps the gRPC status.
package kms

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"hash/crc32"
	"sync"

	kmsapi "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/jeremyhahn/go-kmstoken/pkg/correlation"
	"github.com/jeremyhahn/go-kmstoken/pkg/kmserr"
	"github.com/jeremyhahn/go-kmstoken/pkg/metrics"
	"github.com/jeremyhahn/go-kmstoken/pkg/ratelimit"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// KMSClient defines the subset of the KMS API used by the token.
// This interface allows for mocking in tests.
type KMSClient interface {
	ListCryptoKeys(ctx context.Context, req *kmspb.ListCryptoKeysRequest, opts ...interface{}) ([]*kmspb.CryptoKey, error)
	ListCryptoKeyVersions(ctx context.Context, req *kmspb.ListCryptoKeyVersionsRequest, opts ...interface{}) ([]*kmspb.CryptoKeyVersion, error)
	GetCryptoKeyVersion(ctx context.Context, req *kmspb.GetCryptoKeyVersionRequest, opts ...interface{}) (*kmspb.CryptoKeyVersion, error)
	GetPublicKey(ctx context.Context, req *kmspb.GetPublicKeyRequest, opts ...interface{}) (*kmspb.PublicKey, error)
	AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...interface{}) (*kmspb.AsymmetricSignResponse, error)
	Close() error
}

// realKMSClient wraps the generated KMS client to implement KMSClient.
type realKMSClient struct {
	*kmsapi.KeyManagementClient
}

func (r *realKMSClient) ListCryptoKeys(ctx context.Context, req *kmspb.ListCryptoKeysRequest, opts ...interface{}) ([]*kmspb.CryptoKey, error) {
	it := r.KeyManagementClient.ListCryptoKeys(ctx, req)
	var keys []*kmspb.CryptoKey
	for {
		key, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (r *realKMSClient) ListCryptoKeyVersions(ctx context.Context, req *kmspb.ListCryptoKeyVersionsRequest, opts ...interface{}) ([]*kmspb.CryptoKeyVersion, error) {
	it := r.KeyManagementClient.ListCryptoKeyVersions(ctx, req)
	var versions []*kmspb.CryptoKeyVersion
	for {
		v, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, nil
}

func (r *realKMSClient) GetCryptoKeyVersion(ctx context.Context, req *kmspb.GetCryptoKeyVersionRequest, opts ...interface{}) (*kmspb.CryptoKeyVersion, error) {
	return r.KeyManagementClient.GetCryptoKeyVersion(ctx, req)
}

func (r *realKMSClient) GetPublicKey(ctx context.Context, req *kmspb.GetPublicKeyRequest, opts ...interface{}) (*kmspb.PublicKey, error) {
	return r.KeyManagementClient.GetPublicKey(ctx, req)
}

func (r *realKMSClient) AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...interface{}) (*kmspb.AsymmetricSignResponse, error) {
	return r.KeyManagementClient.AsymmetricSign(ctx, req)
}

// Client is the token-facing KMS client.
type Client struct {
	config *Config
	client KMSClient
	conn   *grpc.ClientConn
	mu     sync.RWMutex
	closed bool
}

// NewClient dials Cloud KMS (or a fake) as described by config.
func NewClient(ctx context.Context, config *Config) (*Client, error) {
	if config == nil {
		config = &Config{}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	limiter := ratelimit.New(&ratelimit.Config{
		RequestsPerMinute: config.RequestsPerMinute,
	})
	interceptors := grpc.WithChainUnaryInterceptor(
		correlation.UnaryClientInterceptor(),
		ratelimit.UnaryClientInterceptor(limiter),
		metrics.GRPCUnaryClientInterceptor(),
	)

	userAgent := DefaultUserAgent
	if config.UserAgent != "" {
		userAgent = userAgent + " " + config.UserAgent
	}

	var (
		opts []option.ClientOption
		conn *grpc.ClientConn
	)
	if config.Insecure() {
		var err error
		conn, err = grpc.NewClient(config.Endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithUserAgent(userAgent),
			interceptors,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", config.Endpoint, err)
		}
		opts = append(opts, option.WithGRPCConn(conn))
	} else {
		opts = append(opts,
			option.WithEndpoint(config.EndpointOrDefault()),
			option.WithUserAgent(userAgent),
			option.WithGRPCDialOption(interceptors),
		)
		if config.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(config.CredentialsFile))
		}
	}

	kmsClient, err := kmsapi.NewKeyManagementClient(ctx, opts...)
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return nil, fmt.Errorf("failed to create KMS client: %w", err)
	}

	return &Client{
		config: config,
		client: &realKMSClient{KeyManagementClient: kmsClient},
		conn:   conn,
	}, nil
}

// NewClientWithKMS wraps an existing KMSClient.
// This is primarily used for testing with mock clients.
func NewClientWithKMS(config *Config, client KMSClient) (*Client, error) {
	if config == nil {
		config = &Config{}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, ErrNotInitialized
	}
	return &Client{config: config, client: client}, nil
}

// Config returns the client configuration.
func (c *Client) Config() *Config {
	return c.config
}

func (c *Client) remote() (KMSClient, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || c.client == nil {
		return nil, kmserr.Wrap(kmserr.FailedPrecondition, ErrNotInitialized, "kms client")
	}
	return c.client, nil
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.config.RPCTimeout > 0 {
		return context.WithTimeout(ctx, c.config.RPCTimeout)
	}
	return context.WithCancel(ctx)
}

// ListCryptoKeys returns every crypto key in keyRing.
func (c *Client) ListCryptoKeys(ctx context.Context, keyRing string) ([]*kmspb.CryptoKey, error) {
	client, err := c.remote()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	keys, err := client.ListCryptoKeys(ctx, &kmspb.ListCryptoKeysRequest{Parent: keyRing})
	if err != nil {
		return nil, kmserr.FromUpstream(err, "listing crypto keys in "+keyRing)
	}
	return keys, nil
}

// ListCryptoKeyVersions returns every version of cryptoKey.
func (c *Client) ListCryptoKeyVersions(ctx context.Context, cryptoKey string) ([]*kmspb.CryptoKeyVersion, error) {
	client, err := c.remote()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	versions, err := client.ListCryptoKeyVersions(ctx, &kmspb.ListCryptoKeyVersionsRequest{Parent: cryptoKey})
	if err != nil {
		return nil, kmserr.FromUpstream(err, "listing versions of "+cryptoKey)
	}
	return versions, nil
}

// GetCryptoKeyVersion fetches a single key version.
func (c *Client) GetCryptoKeyVersion(ctx context.Context, name string) (*kmspb.CryptoKeyVersion, error) {
	client, err := c.remote()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	ckv, err := client.GetCryptoKeyVersion(ctx, &kmspb.GetCryptoKeyVersionRequest{Name: name})
	if err != nil {
		return nil, kmserr.FromUpstream(err, "getting "+name)
	}
	return ckv, nil
}

// PublicKey returns the DER SubjectPublicKeyInfo of a key version along with
// the parsed key.
func (c *Client) PublicKey(ctx context.Context, name string) ([]byte, crypto.PublicKey, error) {
	client, err := c.remote()
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := client.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{Name: name})
	if err != nil {
		return nil, nil, kmserr.FromUpstream(err, "getting public key of "+name)
	}
	if resp.PemCrc32C != nil && resp.PemCrc32C.Value != int64(crc32c([]byte(resp.Pem))) {
		return nil, nil, checksumError(name, "public key")
	}

	der, pub, err := parsePublicKey(resp.Pem)
	if err != nil {
		return nil, nil, kmserr.Wrap(kmserr.Upstream, err, "decoding public key of "+name)
	}
	return der, pub, nil
}

// Sign asks KMS to sign digest with the key version name. hash selects the
// digest field of the request. The raw signature is returned as produced by
// KMS (ASN.1 DER for ECDSA).
func (c *Client) Sign(ctx context.Context, name string, hash crypto.Hash, digest []byte) ([]byte, error) {
	client, err := c.remote()
	if err != nil {
		return nil, err
	}

	var digestMsg *kmspb.Digest
	switch hash {
	case crypto.SHA256:
		digestMsg = &kmspb.Digest{Digest: &kmspb.Digest_Sha256{Sha256: digest}}
	case crypto.SHA384:
		digestMsg = &kmspb.Digest{Digest: &kmspb.Digest_Sha384{Sha384: digest}}
	case crypto.SHA512:
		digestMsg = &kmspb.Digest{Digest: &kmspb.Digest_Sha512{Sha512: digest}}
	default:
		return nil, kmserr.Wrap(kmserr.InvalidArgument, ErrUnsupportedHash, hash.String())
	}

	ctx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := client.AsymmetricSign(ctx, &kmspb.AsymmetricSignRequest{
		Name:         name,
		Digest:       digestMsg,
		DigestCrc32C: wrapperspb.Int64(int64(crc32c(digest))),
	})
	if err != nil {
		return nil, kmserr.FromUpstream(err, "signing with "+name)
	}

	if !resp.VerifiedDigestCrc32C {
		return nil, checksumError(name, "request digest")
	}
	if resp.SignatureCrc32C != nil && resp.SignatureCrc32C.Value != int64(crc32c(resp.Signature)) {
		return nil, checksumError(name, "signature")
	}
	if resp.Name != "" && resp.Name != name {
		return nil, kmserr.Newf(kmserr.Upstream, "signature was produced by %s, not %s", resp.Name, name)
	}
	return resp.Signature, nil
}

// Close releases the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	err := c.client.Close()
	if c.conn != nil {
		// The generated client may or may not own a user supplied
		// connection depending on the library version.
		_ = c.conn.Close()
	}
	return err
}

func checksumError(name, what string) error {
	return &kmserr.Error{
		Kind:   kmserr.Upstream,
		Reason: kmserr.ReasonChecksumMismatch,
		Msg:    fmt.Sprintf("%s checksum for %s did not verify", what, name),
		Err:    ErrChecksumMismatch,
	}
}

func parsePublicKey(pemData string) ([]byte, crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, nil, fmt.Errorf("%w: failed to decode PEM block", ErrInvalidPublicKey)
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	return block.Bytes, pub, nil
}

// crc32c computes the CRC32C checksum used by Cloud KMS for data integrity.
func crc32c(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C is exported for fakes that must produce matching checksums.
func CRC32C(data []byte) uint32 {
	return crc32c(data)
}

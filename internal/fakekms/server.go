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

// Package fakekms is an in-process Cloud KMS server for tests and local
// development. It implements the subset of the KeyManagementService that a
// token reads and signs with, plus the calls needed to provision key rings
// and keys. State lives in memory and is lost on Close.
package fakekms

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/google/uuid"
	"github.com/jeremyhahn/go-kmstoken/pkg/correlation"
	"github.com/jeremyhahn/go-kmstoken/pkg/kms"
	"github.com/jeremyhahn/go-kmstoken/pkg/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const defaultPageSize = 100

var (
	idPattern       = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,63}$`)
	locationPattern = regexp.MustCompile(`^projects/[^/]+/locations/[^/]+$`)
)

type keyRing struct {
	pb   *kmspb.KeyRing
	keys map[string]*cryptoKey
}

type cryptoKey struct {
	pb       *kmspb.CryptoKey
	versions []*keyVersion
}

type keyVersion struct {
	pb  *kmspb.CryptoKeyVersion
	key *keyMaterial
}

// Server is a fake KeyManagementService.
type Server struct {
	kmspb.UnimplementedKeyManagementServiceServer

	mu       sync.RWMutex
	keyRings map[string]*keyRing

	logger     *logging.Logger
	listener   net.Listener
	grpcServer *grpc.Server

	correlationMu   sync.Mutex
	lastCorrelation string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for request tracing.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a fake without a listener. Its methods can be called
// directly.
func NewServer(opts ...Option) *Server {
	s := &Server{
		keyRings: make(map[string]*keyRing),
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// New starts a fake on 127.0.0.1 with an OS assigned port.
func New(opts ...Option) (*Server, error) {
	return Listen("127.0.0.1:0", opts...)
}

// Listen starts a fake on addr.
func Listen(addr string, opts ...Option) (*Server, error) {
	s := NewServer(opts...)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("fakekms: failed to listen on %s: %w", addr, err)
	}
	s.listener = lis
	s.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(s.traceInterceptor))
	kmspb.RegisterKeyManagementServiceServer(s.grpcServer, s)

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			s.logger.Errorf("fakekms: serve failed: %v", err)
		}
	}()
	return s, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ClientConfig returns a kms.Config that reaches this server.
func (s *Server) ClientConfig() *kms.Config {
	return &kms.Config{
		Endpoint:           s.Addr(),
		ChannelCredentials: kms.ChannelCredentialsInsecure,
	}
}

// LastCorrelationID returns the correlation id of the most recent call.
func (s *Server) LastCorrelationID() string {
	s.correlationMu.Lock()
	defer s.correlationMu.Unlock()
	return s.lastCorrelation
}

// Close stops the server.
func (s *Server) Close() error {
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	return nil
}

func (s *Server) traceInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	id := correlation.FromIncoming(ctx)
	s.correlationMu.Lock()
	s.lastCorrelation = id
	s.correlationMu.Unlock()

	resp, err := handler(ctx, req)
	s.logger.Debug("fakekms call", "method", info.FullMethod, "correlation_id", id, "code", status.Code(err).String())
	return resp, err
}

// RandomID returns an id accepted for key rings and crypto keys.
func RandomID() string {
	return uuid.NewString()
}

// CreateKeyRing creates a key ring below a location.
func (s *Server) CreateKeyRing(ctx context.Context, req *kmspb.CreateKeyRingRequest) (*kmspb.KeyRing, error) {
	if !locationPattern.MatchString(req.GetParent()) {
		return nil, status.Errorf(codes.InvalidArgument, "malformed parent %q", req.GetParent())
	}
	if !idPattern.MatchString(req.GetKeyRingId()) {
		return nil, status.Errorf(codes.InvalidArgument, "malformed key ring id %q", req.GetKeyRingId())
	}

	name := req.GetParent() + "/keyRings/" + req.GetKeyRingId()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keyRings[name]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "key ring %s already exists", name)
	}
	kr := &keyRing{
		pb:   &kmspb.KeyRing{Name: name, CreateTime: timestamppb.Now()},
		keys: make(map[string]*cryptoKey),
	}
	s.keyRings[name] = kr
	return proto.Clone(kr.pb).(*kmspb.KeyRing), nil
}

// GetKeyRing returns a key ring.
func (s *Server) GetKeyRing(ctx context.Context, req *kmspb.GetKeyRingRequest) (*kmspb.KeyRing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kr, err := s.keyRing(req.GetName())
	if err != nil {
		return nil, err
	}
	return proto.Clone(kr.pb).(*kmspb.KeyRing), nil
}

// CreateCryptoKey creates a crypto key and, unless skipped, its first version.
func (s *Server) CreateCryptoKey(ctx context.Context, req *kmspb.CreateCryptoKeyRequest) (*kmspb.CryptoKey, error) {
	if !idPattern.MatchString(req.GetCryptoKeyId()) {
		return nil, status.Errorf(codes.InvalidArgument, "malformed crypto key id %q", req.GetCryptoKeyId())
	}
	in := req.GetCryptoKey()
	if in == nil {
		return nil, status.Error(codes.InvalidArgument, "crypto_key is required")
	}

	template := &kmspb.CryptoKeyVersionTemplate{}
	if in.GetVersionTemplate() != nil {
		template = proto.Clone(in.GetVersionTemplate()).(*kmspb.CryptoKeyVersionTemplate)
	}
	if template.ProtectionLevel == kmspb.ProtectionLevel_PROTECTION_LEVEL_UNSPECIFIED {
		template.ProtectionLevel = kmspb.ProtectionLevel_SOFTWARE
	}
	if err := validatePurpose(in.GetPurpose(), template); err != nil {
		return nil, err
	}

	var material *keyMaterial
	if !req.GetSkipInitialVersionCreation() {
		var err error
		if material, err = generateKey(template.Algorithm); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kr, err := s.keyRing(req.GetParent())
	if err != nil {
		return nil, err
	}

	name := req.GetParent() + "/cryptoKeys/" + req.GetCryptoKeyId()
	if _, ok := kr.keys[name]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "crypto key %s already exists", name)
	}

	ck := &cryptoKey{pb: &kmspb.CryptoKey{
		Name:            name,
		Purpose:         in.GetPurpose(),
		CreateTime:      timestamppb.Now(),
		VersionTemplate: template,
		Labels:          in.GetLabels(),
	}}
	kr.keys[name] = ck

	if material != nil {
		ck.addVersion(material, kmspb.CryptoKeyVersion_ENABLED)
	}
	return proto.Clone(ck.pb).(*kmspb.CryptoKey), nil
}

// GetCryptoKey returns a crypto key.
func (s *Server) GetCryptoKey(ctx context.Context, req *kmspb.GetCryptoKeyRequest) (*kmspb.CryptoKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ck, err := s.cryptoKey(req.GetName())
	if err != nil {
		return nil, err
	}
	return proto.Clone(ck.pb).(*kmspb.CryptoKey), nil
}

// ListCryptoKeys lists the crypto keys of a key ring in name order.
func (s *Server) ListCryptoKeys(ctx context.Context, req *kmspb.ListCryptoKeysRequest) (*kmspb.ListCryptoKeysResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kr, err := s.keyRing(req.GetParent())
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(kr.keys))
	for name := range kr.keys {
		names = append(names, name)
	}
	sort.Strings(names)

	start, end, next, err := page(len(names), req.GetPageSize(), req.GetPageToken())
	if err != nil {
		return nil, err
	}
	resp := &kmspb.ListCryptoKeysResponse{NextPageToken: next, TotalSize: int32(len(names))}
	for _, name := range names[start:end] {
		resp.CryptoKeys = append(resp.CryptoKeys, proto.Clone(kr.keys[name].pb).(*kmspb.CryptoKey))
	}
	return resp, nil
}

// CreateCryptoKeyVersion adds a version to an asymmetric crypto key.
func (s *Server) CreateCryptoKeyVersion(ctx context.Context, req *kmspb.CreateCryptoKeyVersionRequest) (*kmspb.CryptoKeyVersion, error) {
	s.mu.RLock()
	ck, err := s.cryptoKey(req.GetParent())
	var alg kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm
	if err == nil {
		alg = ck.pb.GetVersionTemplate().GetAlgorithm()
	}
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	material, err := generateKey(alg)
	if err != nil {
		return nil, err
	}

	state := kmspb.CryptoKeyVersion_ENABLED
	if req.GetCryptoKeyVersion().GetState() == kmspb.CryptoKeyVersion_DISABLED {
		state = kmspb.CryptoKeyVersion_DISABLED
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	v := ck.addVersion(material, state)
	return proto.Clone(v.pb).(*kmspb.CryptoKeyVersion), nil
}

// GetCryptoKeyVersion returns a key version.
func (s *Server) GetCryptoKeyVersion(ctx context.Context, req *kmspb.GetCryptoKeyVersionRequest) (*kmspb.CryptoKeyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, _, err := s.keyVersion(req.GetName())
	if err != nil {
		return nil, err
	}
	return proto.Clone(v.pb).(*kmspb.CryptoKeyVersion), nil
}

// ListCryptoKeyVersions lists the versions of a crypto key in creation order.
func (s *Server) ListCryptoKeyVersions(ctx context.Context, req *kmspb.ListCryptoKeyVersionsRequest) (*kmspb.ListCryptoKeyVersionsResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ck, err := s.cryptoKey(req.GetParent())
	if err != nil {
		return nil, err
	}

	start, end, next, err := page(len(ck.versions), req.GetPageSize(), req.GetPageToken())
	if err != nil {
		return nil, err
	}
	resp := &kmspb.ListCryptoKeyVersionsResponse{NextPageToken: next, TotalSize: int32(len(ck.versions))}
	for _, v := range ck.versions[start:end] {
		resp.CryptoKeyVersions = append(resp.CryptoKeyVersions, proto.Clone(v.pb).(*kmspb.CryptoKeyVersion))
	}
	return resp, nil
}

// UpdateCryptoKeyVersion changes the state of a version. Only the "state"
// field mask is supported.
func (s *Server) UpdateCryptoKeyVersion(ctx context.Context, req *kmspb.UpdateCryptoKeyVersionRequest) (*kmspb.CryptoKeyVersion, error) {
	paths := req.GetUpdateMask().GetPaths()
	if len(paths) != 1 || paths[0] != "state" {
		return nil, status.Errorf(codes.InvalidArgument, "unsupported update mask %v", paths)
	}
	want := req.GetCryptoKeyVersion().GetState()
	if want != kmspb.CryptoKeyVersion_ENABLED && want != kmspb.CryptoKeyVersion_DISABLED {
		return nil, status.Errorf(codes.InvalidArgument, "cannot set state to %s", want)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	v, _, err := s.keyVersion(req.GetCryptoKeyVersion().GetName())
	if err != nil {
		return nil, err
	}
	switch v.pb.State {
	case kmspb.CryptoKeyVersion_ENABLED, kmspb.CryptoKeyVersion_DISABLED:
	default:
		return nil, status.Errorf(codes.FailedPrecondition, "version %s is %s", v.pb.Name, v.pb.State)
	}
	v.pb.State = want
	return proto.Clone(v.pb).(*kmspb.CryptoKeyVersion), nil
}

// GetPublicKey returns the PEM public key of an enabled asymmetric version.
func (s *Server) GetPublicKey(ctx context.Context, req *kmspb.GetPublicKeyRequest) (*kmspb.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ck, err := s.keyVersion(req.GetName())
	if err != nil {
		return nil, err
	}
	if err := usable(v, ck, kmspb.CryptoKey_ASYMMETRIC_SIGN, kmspb.CryptoKey_ASYMMETRIC_DECRYPT); err != nil {
		return nil, err
	}
	return &kmspb.PublicKey{
		Name:            v.pb.Name,
		Pem:             v.key.pem,
		PemCrc32C:       crc32cValue([]byte(v.key.pem)),
		Algorithm:       v.pb.Algorithm,
		ProtectionLevel: v.pb.ProtectionLevel,
	}, nil
}

// AsymmetricSign signs a digest (or, for raw PKCS#1 keys, data).
func (s *Server) AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest) (*kmspb.AsymmetricSignResponse, error) {
	s.mu.RLock()
	v, ck, err := s.keyVersion(req.GetName())
	if err == nil {
		err = usable(v, ck, kmspb.CryptoKey_ASYMMETRIC_SIGN)
	}
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	var input []byte
	if v.key.raw {
		input = req.GetData()
	} else {
		input, err = digestFor(v.key, req.GetDigest())
		if err != nil {
			return nil, err
		}
	}

	verified := false
	if c := req.GetDigestCrc32C(); c != nil && !v.key.raw {
		if c.GetValue() != int64(kms.CRC32C(input)) {
			return nil, status.Error(codes.InvalidArgument, "digest_crc32c did not match digest")
		}
		verified = true
	}

	sig, err := v.key.sign(input)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "signing failed: %v", err)
	}

	return &kmspb.AsymmetricSignResponse{
		Name:                 v.pb.Name,
		Signature:            sig,
		SignatureCrc32C:      crc32cValue(sig),
		VerifiedDigestCrc32C: verified,
		ProtectionLevel:      v.pb.ProtectionLevel,
	}, nil
}

func (ck *cryptoKey) addVersion(material *keyMaterial, state kmspb.CryptoKeyVersion_CryptoKeyVersionState) *keyVersion {
	now := timestamppb.New(time.Now())
	v := &keyVersion{
		pb: &kmspb.CryptoKeyVersion{
			Name:            ck.pb.Name + "/cryptoKeyVersions/" + strconv.Itoa(len(ck.versions)+1),
			State:           state,
			ProtectionLevel: ck.pb.GetVersionTemplate().GetProtectionLevel(),
			Algorithm:       ck.pb.GetVersionTemplate().GetAlgorithm(),
			CreateTime:      now,
			GenerateTime:    now,
		},
		key: material,
	}
	ck.versions = append(ck.versions, v)
	return v
}

// The lookup helpers require s.mu to be held.

func (s *Server) keyRing(name string) (*keyRing, error) {
	if !strings.Contains(name, "/keyRings/") {
		return nil, status.Errorf(codes.InvalidArgument, "malformed key ring name %q", name)
	}
	kr, ok := s.keyRings[name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "key ring %s not found", name)
	}
	return kr, nil
}

func (s *Server) cryptoKey(name string) (*cryptoKey, error) {
	i := strings.LastIndex(name, "/cryptoKeys/")
	if i < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "malformed crypto key name %q", name)
	}
	kr, err := s.keyRing(name[:i])
	if err != nil {
		return nil, err
	}
	ck, ok := kr.keys[name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "crypto key %s not found", name)
	}
	return ck, nil
}

func (s *Server) keyVersion(name string) (*keyVersion, *cryptoKey, error) {
	parsed, err := kms.ParseKeyVersionName(name)
	if err != nil {
		return nil, nil, status.Errorf(codes.InvalidArgument, "malformed key version name %q", name)
	}
	ck, err := s.cryptoKey(parsed.CryptoKeyName())
	if err != nil {
		return nil, nil, err
	}
	n, err := strconv.Atoi(parsed.Version)
	if err != nil || n < 1 || n > len(ck.versions) {
		return nil, nil, status.Errorf(codes.NotFound, "key version %s not found", name)
	}
	return ck.versions[n-1], ck, nil
}

func usable(v *keyVersion, ck *cryptoKey, purposes ...kmspb.CryptoKey_CryptoKeyPurpose) error {
	ok := false
	for _, p := range purposes {
		if ck.pb.Purpose == p {
			ok = true
		}
	}
	if !ok {
		return status.Errorf(codes.FailedPrecondition, "key %s has purpose %s", ck.pb.Name, ck.pb.Purpose)
	}
	if v.pb.State != kmspb.CryptoKeyVersion_ENABLED {
		return status.Errorf(codes.FailedPrecondition, "key version %s is %s", v.pb.Name, v.pb.State)
	}
	return nil
}

// page converts a page size and token into slice bounds.
func page(total int, size int32, token string) (start, end int, next string, err error) {
	if size < 0 {
		return 0, 0, "", status.Error(codes.InvalidArgument, "page_size must not be negative")
	}
	if size == 0 {
		size = defaultPageSize
	}
	if token != "" {
		start, err = strconv.Atoi(token)
		if err != nil || start < 0 || start > total {
			return 0, 0, "", status.Errorf(codes.InvalidArgument, "invalid page token %q", token)
		}
	}
	end = start + int(size)
	if end >= total {
		return start, total, "", nil
	}
	return start, end, strconv.Itoa(end), nil
}

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

package token

import (
	"context"
	"crypto"
	"io"
	"strings"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/jeremyhahn/go-kmstoken/pkg/algorithm"
	"github.com/jeremyhahn/go-kmstoken/pkg/certauthority"
	"github.com/jeremyhahn/go-kmstoken/pkg/handlemap"
	"github.com/jeremyhahn/go-kmstoken/pkg/kmserr"
	"github.com/jeremyhahn/go-kmstoken/pkg/logging"
	"github.com/jeremyhahn/go-kmstoken/pkg/metrics"
)

// Remote is the part of the KMS client a token uses. *kms.Client implements it.
type Remote interface {
	ListCryptoKeys(ctx context.Context, keyRing string) ([]*kmspb.CryptoKey, error)
	ListCryptoKeyVersions(ctx context.Context, cryptoKey string) ([]*kmspb.CryptoKeyVersion, error)
	PublicKey(ctx context.Context, name string) ([]byte, crypto.PublicKey, error)
	Sign(ctx context.Context, name string, hash crypto.Hash, digest []byte) ([]byte, error)
}

// SkipReason explains why a key or key version is not exposed.
type SkipReason string

const (
	SkipProtectionLevel SkipReason = "protection_level"
	SkipPurpose         SkipReason = "purpose"
	SkipVersionState    SkipReason = "version_state"
	SkipAlgorithm       SkipReason = "algorithm"
)

// Outcome records what happened to one crypto key or key version during a
// load. Name is a crypto key name for key level skips and a key version name
// otherwise.
type Outcome struct {
	Name     string     `json:"name"`
	Included bool       `json:"included"`
	Reason   SkipReason `json:"reason,omitempty"`
	Detail   string     `json:"detail,omitempty"`
}

// Report lists the outcome of every key and version examined by LoadState.
type Report struct {
	KeyRing  string    `json:"key_ring"`
	Outcomes []Outcome `json:"outcomes"`
}

// Included returns the names of the key versions that became objects.
func (r *Report) Included() []string {
	var names []string
	for _, o := range r.Outcomes {
		if o.Included {
			names = append(names, o.Name)
		}
	}
	return names
}

// Skipped returns the outcomes of excluded keys and versions.
func (r *Report) Skipped() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if !o.Included {
			out = append(out, o)
		}
	}
	return out
}

// SkipFor returns the skip outcome that covers the key version name, either
// for the version itself or for its crypto key.
func (r *Report) SkipFor(name string) (Outcome, bool) {
	if r == nil {
		return Outcome{}, false
	}
	parent := name
	if i := strings.LastIndex(name, "/cryptoKeyVersions/"); i >= 0 {
		parent = name[:i]
	}
	for _, o := range r.Outcomes {
		if !o.Included && (o.Name == name || o.Name == parent) {
			return o, true
		}
	}
	return Outcome{}, false
}

func (r *Report) include(name string) {
	r.Outcomes = append(r.Outcomes, Outcome{Name: name, Included: true})
}

func (r *Report) skip(logger *logging.Logger, name string, reason SkipReason, detail string) {
	r.Outcomes = append(r.Outcomes, Outcome{Name: name, Reason: reason, Detail: detail})
	logger.Info("skipping key", "name", name, "reason", string(reason), "detail", detail)
	metrics.RecordSkip(string(reason))
}

// LoadOptions controls LoadState.
type LoadOptions struct {
	// Authority issues a certificate for every included key when set.
	Authority *certauthority.Authority

	// Rand is the handle source. Defaults to the system CSPRNG.
	Rand io.Reader

	Logger *logging.Logger
}

// LoadState lists keyRing and builds the state of a token over it. Keys and
// versions the token cannot expose are skipped and reported. Any RPC or
// encoding failure aborts the load.
func LoadState(ctx context.Context, client Remote, keyRing string, opts *LoadOptions) (*State, *Report, error) {
	if opts == nil {
		opts = &LoadOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	builder := NewBuilder(keyRing, opts.Rand)
	report := &Report{KeyRing: keyRing}

	keys, err := client.ListCryptoKeys(ctx, keyRing)
	if err != nil {
		return nil, nil, err
	}

	for _, key := range keys {
		if pl := key.GetVersionTemplate().GetProtectionLevel(); pl != kmspb.ProtectionLevel_HSM {
			report.skip(logger, key.GetName(), SkipProtectionLevel, pl.String())
			continue
		}

		switch key.GetPurpose() {
		case kmspb.CryptoKey_ASYMMETRIC_SIGN, kmspb.CryptoKey_ASYMMETRIC_DECRYPT:
		default:
			report.skip(logger, key.GetName(), SkipPurpose, key.GetPurpose().String())
			continue
		}

		if err := loadVersions(ctx, client, key, builder, report, opts.Authority, logger); err != nil {
			return nil, nil, err
		}
	}

	logger.Debugf("loaded %d key versions from %s", builder.Len(), keyRing)
	return builder.Build(), report, nil
}

func loadVersions(ctx context.Context, client Remote, key *kmspb.CryptoKey, builder *Builder,
	report *Report, ca *certauthority.Authority, logger *logging.Logger) error {

	versions, err := client.ListCryptoKeyVersions(ctx, key.GetName())
	if err != nil {
		return err
	}

	for _, ckv := range versions {
		if ckv.GetState() != kmspb.CryptoKeyVersion_ENABLED {
			report.skip(logger, ckv.GetName(), SkipVersionState, ckv.GetState().String())
			continue
		}
		if _, err := algorithm.Get(ckv.GetAlgorithm()); err != nil {
			report.skip(logger, ckv.GetName(), SkipAlgorithm, ckv.GetAlgorithm().String())
			continue
		}

		der, pub, err := client.PublicKey(ctx, ckv.GetName())
		if err != nil {
			return err
		}

		var cert []byte
		if ca != nil {
			if cert, err = ca.GenerateCert(ckv, pub, key.GetPurpose()); err != nil {
				return kmserr.Wrap(kmserr.Internal, err, "issuing certificate for "+ckv.GetName())
			}
		}

		if err := builder.AddAsymmetricKey(ckv, der, cert); err != nil {
			return err
		}
		report.include(ckv.GetName())
	}
	return nil
}

// storedObject is the HandleMap entry type.
type storedObject struct {
	Object
}

// LoadObjects materializes the objects of state into table at the handles
// recorded in the state.
func LoadObjects(state *State, table *handlemap.HandleMap[storedObject]) error {
	for i := range state.Keys {
		ks := &state.Keys[i]

		ckv, err := ks.Version()
		if err != nil {
			return err
		}
		pair, err := NewKeyPair(ckv, ks.PublicKeyDER)
		if err != nil {
			return err
		}
		if err := table.AddDirect(ks.PublicKeyHandle, &storedObject{pair.Public}); err != nil {
			return err
		}
		if err := table.AddDirect(ks.PrivateKeyHandle, &storedObject{pair.Private}); err != nil {
			return err
		}

		if ks.CertificateDER != nil {
			cert, err := NewCertificate(ckv, ks.CertificateDER, pair.Public.PublicKey())
			if err != nil {
				return err
			}
			if err := table.AddDirect(ks.CertificateHandle, &storedObject{cert}); err != nil {
				return err
			}
		}
	}
	return nil
}

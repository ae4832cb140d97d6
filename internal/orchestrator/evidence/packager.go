// Package evidence hashes, manifests and signs collected artifacts.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/facebookgo/clock"
	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/pkg/errors"
	"github.com/zerozero/octolab/pkg/metrics"
)

// HashPrefix tags content hashes with their algorithm
const HashPrefix = "sha256:"

// DefaultRetention is the package lifetime when none is configured
const DefaultRetention = 30 * 24 * time.Hour

// ContentStore re-opens stored artifact content for verification
type ContentStore interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Signer produces a signature over a package hash. Key custody lives behind it.
type Signer interface {
	Sign(ctx context.Context, digest []byte) ([]byte, error)
	Verify(digest, signature []byte) bool
	KeyID() string
	Algorithm() string
}

// Packager builds EvidencePackages
type Packager struct {
	store     ContentStore
	signer    Signer
	clock     clock.Clock
	retention time.Duration
}

// NewPackager creates a packager; retention <= 0 uses DefaultRetention
func NewPackager(store ContentStore, signer Signer, c clock.Clock, retention time.Duration) *Packager {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Packager{store: store, signer: signer, clock: c, retention: retention}
}

// HashReader returns the content hash and size of r
func HashReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return HashPrefix + hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashBytes returns the content hash of b
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// BuildManifest lists artifacts in a canonical order (name, then hash)
func BuildManifest(sessionID string, artifacts []entity.Artifact, notes string) entity.Manifest {
	entries := make([]entity.ManifestEntry, 0, len(artifacts))
	for _, a := range artifacts {
		entries = append(entries, entity.ManifestEntry{
			Name:        a.Name,
			Kind:        a.Kind,
			SizeBytes:   a.SizeBytes,
			ContentHash: a.ContentHash,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Name == entries[j].Name {
			return entries[i].ContentHash < entries[j].ContentHash
		}
		return entries[i].Name < entries[j].Name
	})
	return entity.Manifest{SessionID: sessionID, Artifacts: entries, Notes: strings.TrimSpace(notes)}
}

// CanonicalManifest serializes a manifest deterministically. Field order is
// fixed by the struct definition and entries are pre-sorted.
func CanonicalManifest(m entity.Manifest) ([]byte, error) {
	if m.Artifacts == nil {
		m.Artifacts = []entity.ManifestEntry{}
	}
	return json.Marshal(m)
}

// ManifestHash hashes the canonical serialization of m
func ManifestHash(m entity.Manifest) (string, error) {
	b, err := CanonicalManifest(m)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// Verify re-reads every artifact and compares it against its recorded hash
// and size. The first mismatch is returned as an IntegrityMismatch error.
func (p *Packager) Verify(ctx context.Context, artifacts []entity.Artifact) error {
	for _, a := range artifacts {
		rc, err := p.store.Open(ctx, a.StorageKey)
		if err != nil {
			return errors.NewIntegrityMismatch(a.Name, a.ContentHash, "").
				WithDetails("artifact content is missing").WithError(err)
		}
		hash, size, err := HashReader(rc)
		_ = rc.Close()
		if err != nil {
			return errors.NewStorageError(fmt.Sprintf("failed to read artifact %q", a.Name)).WithError(err)
		}
		if hash != a.ContentHash || size != a.SizeBytes {
			return errors.NewIntegrityMismatch(a.Name, a.ContentHash, hash).
				WithMetadata("expected_size", a.SizeBytes).WithMetadata("actual_size", size)
		}
	}
	return nil
}

// Package verifies the frozen artifact set, then hashes and signs its
// manifest. Nothing is returned when any artifact fails verification.
// The manifest hash depends only on the artifacts and notes, so packaging an
// unchanged set again yields the same hash.
func (p *Packager) Package(ctx context.Context, sessionID string, artifacts []entity.Artifact, notes string) (*entity.EvidencePackage, error) {
	frozen := append([]entity.Artifact(nil), artifacts...)
	if err := p.Verify(ctx, frozen); err != nil {
		metrics.EvidencePackaged.WithLabelValues("integrity_mismatch").Inc()
		return nil, err
	}

	manifest := BuildManifest(sessionID, frozen, notes)
	hash, err := ManifestHash(manifest)
	if err != nil {
		metrics.EvidencePackaged.WithLabelValues("error").Inc()
		return nil, errors.NewInternal("failed to serialize manifest").WithError(err)
	}

	sig, err := p.signer.Sign(ctx, []byte(hash))
	if err != nil {
		metrics.EvidencePackaged.WithLabelValues("error").Inc()
		return nil, errors.NewExternalService("failed to sign evidence package").WithError(err)
	}

	now := p.clock.Now()
	metrics.EvidencePackaged.WithLabelValues("ok").Inc()
	return &entity.EvidencePackage{
		ManifestHash:       hash,
		Manifest:           manifest,
		Signature:          base64.StdEncoding.EncodeToString(sig),
		SignatureAlgorithm: p.signer.Algorithm(),
		KeyID:              p.signer.KeyID(),
		Artifacts:          frozen,
		GeneratedAt:        now,
		ExpiresAt:          now.Add(p.retention),
	}, nil
}

// VerifyPackage checks that a package's manifest hash and signature are
// consistent with its manifest.
func VerifyPackage(pkg *entity.EvidencePackage, signer Signer) error {
	hash, err := ManifestHash(pkg.Manifest)
	if err != nil {
		return errors.NewInternal("failed to serialize manifest").WithError(err)
	}
	if hash != pkg.ManifestHash {
		return errors.NewIntegrityMismatch("manifest", pkg.ManifestHash, hash)
	}
	sig, err := base64.StdEncoding.DecodeString(pkg.Signature)
	if err != nil || !signer.Verify([]byte(hash), sig) {
		return errors.NewIntegrityMismatch("signature", pkg.ManifestHash, "").WithDetails("signature does not verify")
	}
	return nil
}

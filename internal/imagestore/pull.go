package imagestore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	digest "github.com/opencontainers/go-digest"

	"github.com/banksean/boxlite/internal/store"
)

// PullResult is what a successful Pull hands back to the caller.
type PullResult struct {
	Digest string
	Image  store.ImageRecord
}

// Pull resolves ref against the configured registries, fetches the
// manifest, downloads any layer blobs not already cached, verifies each by
// sha256, and persists the image row. Concurrent pulls of the same
// reference coalesce on a per-ref singleflight gate, per spec.md §4.2.
func (s *Store) Pull(ctx context.Context, ref string) (PullResult, error) {
	v, err, _ := s.pullGrp.Do(ref, func() (any, error) {
		return s.pullOnce(ctx, ref)
	})
	if err != nil {
		return PullResult{}, err
	}
	return v.(PullResult), nil
}

func (s *Store) pullOnce(ctx context.Context, ref string) (PullResult, error) {
	r, err := name.ParseReference(ref)
	if err != nil {
		return PullResult{}, fmt.Errorf("image(permanent): parse ref %q: %w", ref, err)
	}

	img, err := remote.Image(r, remote.WithContext(ctx))
	if err != nil {
		return PullResult{}, fmt.Errorf("image(transient): fetch manifest for %q: %w", ref, err)
	}

	manifest, err := img.RawManifest()
	if err != nil {
		return PullResult{}, fmt.Errorf("image(permanent): read manifest for %q: %w", ref, err)
	}
	imgDigest, err := img.Digest()
	if err != nil {
		return PullResult{}, fmt.Errorf("image(permanent): compute digest for %q: %w", ref, err)
	}

	layers, err := img.Layers()
	if err != nil {
		return PullResult{}, fmt.Errorf("image(permanent): list layers for %q: %w", ref, err)
	}

	var layerDigests []string
	var totalSize int64
	for _, l := range layers {
		lDigest, err := l.Digest()
		if err != nil {
			return PullResult{}, fmt.Errorf("image(permanent): layer digest: %w", err)
		}
		want := digest.NewDigestFromHex("sha256", lDigest.Hex)
		layerDigests = append(layerDigests, want.String())

		if s.hasBlob(want) {
			continue
		}
		rc, err := l.Compressed()
		if err != nil {
			return PullResult{}, fmt.Errorf("image(transient): open layer %s: %w", want, err)
		}
		n, err := s.commitBlob(want, rc)
		rc.Close()
		if err != nil {
			return PullResult{}, fmt.Errorf("image(transient): %w", err)
		}
		totalSize += n
	}

	rec := store.ImageRecord{
		Digest:       "sha256:" + imgDigest.Hex,
		ManifestJSON: manifest,
		SizeBytes:    totalSize,
		LayerDigests: layerDigests,
		LastUsedAt:   time.Now(),
	}
	if err := s.meta.PutImage(ctx, rec); err != nil {
		return PullResult{}, fmt.Errorf("storage: persist pulled image: %w", err)
	}

	return PullResult{Digest: rec.Digest, Image: rec}, nil
}

// EnsureImage returns the cached image record for digest if present,
// otherwise pulls ref. Grounded on boxer.go's EnsureImage.
func (s *Store) EnsureImage(ctx context.Context, ref, digestIfKnown string) (store.ImageRecord, error) {
	if digestIfKnown != "" {
		if rec, err := s.meta.GetImage(ctx, digestIfKnown); err == nil {
			s.meta.TouchImage(ctx, digestIfKnown)
			return rec, nil
		}
	}
	res, err := s.Pull(ctx, ref)
	if err != nil {
		return store.ImageRecord{}, err
	}
	return res.Image, nil
}

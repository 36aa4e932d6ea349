package store

import (
	"context"
	"time"

	"github.com/banksean/boxlite/internal/store/db"
)

// PutImage records a pulled image and its layers transactionally,
// incrementing each layer's refcount by one. Grounded on boxer.go's
// pullImage bookkeeping, generalized from a single CLI-reported digest to
// a full manifest + layer list.
func (s *Store) PutImage(ctx context.Context, rec ImageRecord) error {
	tx, err := s.imageSQL.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorage("begin put image tx", err)
	}
	defer tx.Rollback()

	q := s.images.WithTx(tx)
	if err := q.UpsertImage(ctx, db.Image{
		Digest:       rec.Digest,
		ManifestJSON: rec.ManifestJSON,
		Size:         rec.SizeBytes,
		LastUsedAt:   time.Now(),
	}); err != nil {
		return wrapStorage("upsert image", err)
	}
	if err := q.UnlinkImageLayers(ctx, rec.Digest); err != nil {
		return wrapStorage("unlink old layers", err)
	}
	for i, layerDigest := range rec.LayerDigests {
		if err := q.UpsertLayer(ctx, layerDigest, 0); err != nil {
			return wrapStorage("upsert layer", err)
		}
		if err := q.IncrLayerRefcount(ctx, layerDigest, 1); err != nil {
			return wrapStorage("incr layer refcount", err)
		}
		if err := q.LinkImageLayer(ctx, rec.Digest, layerDigest, i); err != nil {
			return wrapStorage("link image layer", err)
		}
	}
	return wrapStorage("commit put image tx", tx.Commit())
}

// GetImage returns the image record for digest, or ErrNotFound.
func (s *Store) GetImage(ctx context.Context, digest string) (ImageRecord, error) {
	row, err := s.images.GetImage(ctx, digest)
	if err != nil {
		return ImageRecord{}, notFoundf("image %q: %v", digest, err)
	}
	layers, err := s.images.ListLayersForImage(ctx, digest)
	if err != nil {
		return ImageRecord{}, wrapStorage("list layers for image", err)
	}
	rec := ImageRecord{
		Digest:       row.Digest,
		ManifestJSON: row.ManifestJSON,
		SizeBytes:    row.Size,
		LastUsedAt:   row.LastUsedAt,
	}
	for _, l := range layers {
		rec.LayerDigests = append(rec.LayerDigests, l.Digest)
	}
	return rec, nil
}

// TouchImage updates last_used_at, used on every successful rootfs
// assembly from a cached image.
func (s *Store) TouchImage(ctx context.Context, digest string) error {
	return wrapStorage("touch image", s.images.TouchImage(ctx, digest, time.Now()))
}

// RemoveImage decrements refcounts for the image's layers and deletes the
// image row. It never deletes layer rows directly — GCOrphanLayers does
// that, matching spec.md §4.2's "deleting an image reduces refcounts;
// blobs are retained while referenced."
func (s *Store) RemoveImage(ctx context.Context, digest string) error {
	tx, err := s.imageSQL.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorage("begin remove image tx", err)
	}
	defer tx.Rollback()
	q := s.images.WithTx(tx)
	layers, err := q.ListLayersForImage(ctx, digest)
	if err != nil {
		return wrapStorage("list layers for image", err)
	}
	for _, l := range layers {
		if err := q.IncrLayerRefcount(ctx, l.Digest, -1); err != nil {
			return wrapStorage("decr layer refcount", err)
		}
	}
	if err := q.UnlinkImageLayers(ctx, digest); err != nil {
		return wrapStorage("unlink layers", err)
	}
	if err := q.DeleteImage(ctx, digest); err != nil {
		return wrapStorage("delete image row", err)
	}
	return wrapStorage("commit remove image tx", tx.Commit())
}

// GCOrphanLayers deletes layer rows whose refcount has dropped to zero and
// returns their digests so the caller can unlink the corresponding blob
// files from $HOME/images/blobs/sha256/.
func (s *Store) GCOrphanLayers(ctx context.Context) ([]string, error) {
	orphans, err := s.images.ListOrphanLayers(ctx)
	if err != nil {
		return nil, wrapStorage("list orphan layers", err)
	}
	var digests []string
	for _, l := range orphans {
		if err := s.images.DeleteLayer(ctx, l.Digest); err != nil {
			return digests, wrapStorage("delete layer row", err)
		}
		digests = append(digests, l.Digest)
	}
	return digests, nil
}

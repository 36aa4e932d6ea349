package db

import (
	"context"
	"time"
)

// Image mirrors one row of the images table.
type Image struct {
	Digest       string
	ManifestJSON []byte
	Size         int64
	LastUsedAt   time.Time
}

// Layer mirrors one row of the layers table.
type Layer struct {
	Digest   string
	Refcount int64
	Size     int64
}

const upsertImage = `
INSERT INTO images (digest, manifest_json, size, last_used_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(digest) DO UPDATE SET last_used_at = excluded.last_used_at
`

func (q *ImageQueries) UpsertImage(ctx context.Context, img Image) error {
	_, err := q.db.ExecContext(ctx, upsertImage, img.Digest, img.ManifestJSON, img.Size, img.LastUsedAt)
	return err
}

const getImage = `SELECT digest, manifest_json, size, last_used_at FROM images WHERE digest = ?`

func (q *ImageQueries) GetImage(ctx context.Context, digest string) (Image, error) {
	var img Image
	err := q.db.QueryRowContext(ctx, getImage, digest).Scan(&img.Digest, &img.ManifestJSON, &img.Size, &img.LastUsedAt)
	return img, err
}

const touchImage = `UPDATE images SET last_used_at = ? WHERE digest = ?`

func (q *ImageQueries) TouchImage(ctx context.Context, digest string, at time.Time) error {
	_, err := q.db.ExecContext(ctx, touchImage, at, digest)
	return err
}

const deleteImage = `DELETE FROM images WHERE digest = ?`

func (q *ImageQueries) DeleteImage(ctx context.Context, digest string) error {
	_, err := q.db.ExecContext(ctx, deleteImage, digest)
	return err
}

const upsertLayer = `
INSERT INTO layers (digest, refcount, size) VALUES (?, 0, ?)
ON CONFLICT(digest) DO NOTHING
`

func (q *ImageQueries) UpsertLayer(ctx context.Context, digest string, size int64) error {
	_, err := q.db.ExecContext(ctx, upsertLayer, digest, size)
	return err
}

const incrLayerRefcount = `UPDATE layers SET refcount = refcount + ? WHERE digest = ?`

func (q *ImageQueries) IncrLayerRefcount(ctx context.Context, digest string, delta int64) error {
	_, err := q.db.ExecContext(ctx, incrLayerRefcount, delta, digest)
	return err
}

const getLayer = `SELECT digest, refcount, size FROM layers WHERE digest = ?`

func (q *ImageQueries) GetLayer(ctx context.Context, digest string) (Layer, error) {
	var l Layer
	err := q.db.QueryRowContext(ctx, getLayer, digest).Scan(&l.Digest, &l.Refcount, &l.Size)
	return l, err
}

const listOrphanLayers = `SELECT digest, refcount, size FROM layers WHERE refcount <= 0`

func (q *ImageQueries) ListOrphanLayers(ctx context.Context) ([]Layer, error) {
	rows, err := q.db.QueryContext(ctx, listOrphanLayers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Layer
	for rows.Next() {
		var l Layer
		if err := rows.Scan(&l.Digest, &l.Refcount, &l.Size); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

const deleteLayer = `DELETE FROM layers WHERE digest = ?`

func (q *ImageQueries) DeleteLayer(ctx context.Context, digest string) error {
	_, err := q.db.ExecContext(ctx, deleteLayer, digest)
	return err
}

const linkImageLayer = `INSERT INTO image_layers (image_digest, layer_digest, ordinal) VALUES (?, ?, ?)`

func (q *ImageQueries) LinkImageLayer(ctx context.Context, imageDigest, layerDigest string, ordinal int) error {
	_, err := q.db.ExecContext(ctx, linkImageLayer, imageDigest, layerDigest, ordinal)
	return err
}

const listLayersForImage = `
SELECT l.digest, l.refcount, l.size FROM layers l
JOIN image_layers il ON il.layer_digest = l.digest
WHERE il.image_digest = ?
ORDER BY il.ordinal ASC
`

func (q *ImageQueries) ListLayersForImage(ctx context.Context, imageDigest string) ([]Layer, error) {
	rows, err := q.db.QueryContext(ctx, listLayersForImage, imageDigest)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Layer
	for rows.Next() {
		var l Layer
		if err := rows.Scan(&l.Digest, &l.Refcount, &l.Size); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

const unlinkImageLayers = `DELETE FROM image_layers WHERE image_digest = ?`

func (q *ImageQueries) UnlinkImageLayers(ctx context.Context, imageDigest string) error {
	_, err := q.db.ExecContext(ctx, unlinkImageLayers, imageDigest)
	return err
}

// Package imagestore implements C3: OCI pull, content-addressed blob
// cache, layer dedup via the metadata store, and rootfs assembly. Pull
// itself is grounded on boxer.go's pullImage/EnsureImage (resolve, pull,
// wait, persist) generalized from shelling out to `container image pull`
// to a real github.com/google/go-containerregistry client, since BoxLite
// has no apple `container` CLI to delegate to.
package imagestore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/banksean/boxlite/internal/store"
)

// Store coordinates the metadata store's image/layer bookkeeping with the
// content-addressed blob directory on disk.
type Store struct {
	meta    *store.Store
	blobDir string
	pullGrp singleflight.Group
}

func New(meta *store.Store, homeDir string) (*Store, error) {
	blobDir := filepath.Join(homeDir, "images", "blobs", "sha256")
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir blob dir: %w", err)
	}
	return &Store{meta: meta, blobDir: blobDir}, nil
}

// BlobPath returns the on-disk path for a sha256 digest's blob.
func (s *Store) BlobPath(d digest.Digest) string {
	return filepath.Join(s.blobDir, d.Encoded())
}

// hasBlob reports whether a digest is already committed to the blob cache.
func (s *Store) hasBlob(d digest.Digest) bool {
	_, err := os.Stat(s.BlobPath(d))
	return err == nil
}

// commitBlob verifies r's contents hash to want, then atomically renames
// the temp file into the content-addressed blob directory. Grounded on
// sshimmer.go's SafeWriteFile atomic-write-then-rename pattern.
func (s *Store) commitBlob(want digest.Digest, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(s.blobDir, ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temp blob: %w", err)
	}
	tmpPath := tmp.Name()
	verifier := want.Verifier()
	n, copyErr := io.Copy(io.MultiWriter(tmp, verifier), r)
	closeErr := tmp.Close()
	if copyErr != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("download blob %s: %w", want, copyErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("close temp blob: %w", closeErr)
	}
	if !verifier.Verified() {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("digest mismatch for %s", want)
	}
	if err := os.Rename(tmpPath, s.BlobPath(want)); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("commit blob %s: %w", want, err)
	}
	return n, nil
}

func randSuffix() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}

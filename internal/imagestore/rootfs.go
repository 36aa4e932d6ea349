package imagestore

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	digest "github.com/opencontainers/go-digest"
)

// whiteoutPrefix marks an OCI whiteout entry: a file named
// .wh.<name> in a layer means <name> should not appear in the merged tree.
const whiteoutPrefix = ".wh."

// AssembleRootfs extracts each layer (in manifest order) into its own
// content-addressed lower directory under $HOME/images/layers/<digest>/,
// then merges them, honoring OCI whiteouts, into boxDir/lower — the
// read-only view virtiofs exposes to the guest — alongside an empty
// boxDir/upper for the per-box copy-on-write layer. Grounded on spec.md
// §4.2's "stack layer blobs in manifest order into a read-only lower dir
// and a per-box upper dir". Engines that support a real overlay mount
// (internal/engine) are free to mount boxDir/lower read-only and layer
// boxDir/upper on top instead of relying solely on this merge.
func (s *Store) AssembleRootfs(ctx context.Context, layerDigests []string, boxDir string) (lowerDir, upperDir string, err error) {
	lowerDir = filepath.Join(boxDir, "lower")
	upperDir = filepath.Join(boxDir, "upper")
	if err := os.MkdirAll(lowerDir, 0o755); err != nil {
		return "", "", fmt.Errorf("mkdir lower dir: %w", err)
	}
	if err := os.MkdirAll(upperDir, 0o755); err != nil {
		return "", "", fmt.Errorf("mkdir upper dir: %w", err)
	}

	for _, ld := range layerDigests {
		d, err := digest.Parse(ld)
		if err != nil {
			return "", "", fmt.Errorf("image(permanent): bad layer digest %q: %w", ld, err)
		}
		extractedDir := filepath.Join(filepath.Dir(s.blobDir), "..", "layers", d.Encoded())
		extractedDir = filepath.Clean(extractedDir)
		if err := s.ensureLayerExtracted(d, extractedDir); err != nil {
			return "", "", err
		}
		if err := mergeInto(extractedDir, lowerDir); err != nil {
			return "", "", fmt.Errorf("storage: merge layer %s into rootfs: %w", d, err)
		}
	}
	return lowerDir, upperDir, nil
}

func (s *Store) ensureLayerExtracted(d digest.Digest, dest string) error {
	if fi, err := os.Stat(dest); err == nil && fi.IsDir() {
		return nil
	}
	tmp := dest + ".tmp-" + randSuffix()
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return fmt.Errorf("mkdir layer extraction dir: %w", err)
	}
	f, err := os.Open(s.BlobPath(d))
	if err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("open layer blob %s: %w", d, err)
	}
	defer f.Close()
	if err := extractTarGz(f, tmp); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("image(permanent): extract layer %s: %w", d, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("commit extracted layer %s: %w", d, err)
	}
	return nil
}

func extractTarGz(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(dest, filepath.Clean("/"+hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		case tar.TypeSymlink:
			os.MkdirAll(filepath.Dir(target), 0o755)
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}

// mergeInto copies layerDir on top of mergedDir, deleting whiteout targets
// and skipping the whiteout marker files themselves.
func mergeInto(layerDir, mergedDir string) error {
	return filepath.Walk(layerDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(layerDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		base := filepath.Base(rel)
		destPath := filepath.Join(mergedDir, rel)

		if strings.HasPrefix(base, whiteoutPrefix) {
			removed := filepath.Join(filepath.Dir(destPath), strings.TrimPrefix(base, whiteoutPrefix))
			return os.RemoveAll(removed)
		}
		if info.IsDir() {
			return os.MkdirAll(destPath, info.Mode())
		}
		if info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			os.Remove(destPath)
			return os.Symlink(link, destPath)
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
		if err != nil {
			return err
		}
		defer dst.Close()
		_, err = io.Copy(dst, src)
		return err
	})
}

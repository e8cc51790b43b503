package classifier

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const manifestFileName = "manifest.json"

// ErrBundleIntegrity means a bundle file does not match its manifest.
var ErrBundleIntegrity = errors.New("bundle integrity check failed")

// ManifestFile is one entry of manifest.json.
type ManifestFile struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Manifest mirrors manifest.json shipped next to model.onnx.
type Manifest struct {
	Model     string         `json:"model"`
	Version   string         `json:"version"`
	CreatedAt string         `json:"created_at"`
	Files     []ManifestFile `json:"files"`
}

// VerifyBundle checks sizes and hashes of every file listed in
// <dir>/manifest.json. A bundle without a manifest passes; it returns the
// manifest so callers can use its version.
func VerifyBundle(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	for _, f := range manifest.Files {
		local, err := bundlePath(dir, f.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBundleIntegrity, err)
		}
		info, err := os.Stat(local)
		if err != nil {
			return nil, fmt.Errorf("%w: stat %s: %v", ErrBundleIntegrity, f.Path, err)
		}
		if f.Size > 0 && info.Size() != f.Size {
			return nil, fmt.Errorf("%w: size mismatch for %s: expected %d got %d", ErrBundleIntegrity, f.Path, f.Size, info.Size())
		}
		if f.SHA256 == "" {
			continue
		}
		sum, err := fileSHA256(local)
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", f.Path, err)
		}
		if !strings.EqualFold(sum, f.SHA256) {
			return nil, fmt.Errorf("%w: sha256 mismatch for %s: expected %s got %s", ErrBundleIntegrity, f.Path, f.SHA256, sum)
		}
	}
	return &manifest, nil
}

// bundlePath joins a manifest path onto dir, refusing anything that escapes it.
func bundlePath(dir, rel string) (string, error) {
	rel = filepath.FromSlash(strings.TrimSpace(rel))
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("invalid manifest path %q", rel)
	}
	full := filepath.Join(dir, rel)
	r, err := filepath.Rel(dir, full)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("manifest path %q escapes bundle", rel)
	}
	return full, nil
}

func fileSHA256(path string) (string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer fh.Close()
	h := sha256.New()
	if _, err := io.Copy(h, fh); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

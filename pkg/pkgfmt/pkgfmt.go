// Package pkgfmt extracts realm Package archives (spec section 3: "A zip
// containing a manifest (component + mount specification) and files
// ... Identified by its own content digest; extraction is idempotent"),
// grounded on pkg/cas's literal on-disk layout naming (spec section 6:
// "artifacts/packages/<digest>/… extracted package trees") but kept as its
// own package since extraction (zip handling, manifest parsing) is a
// distinct concern from blob storage.
package pkgfmt

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/x3haloed/realm/pkg/types"
)

// ManifestFileName is the package-relative path of its embedded manifest.
const ManifestFileName = "manifest.yaml"

// Extractor extracts package zips into a content-addressed tree rooted at
// dataDir/artifacts/packages, keyed by the zip's own digest.
type Extractor struct {
	root string
}

// NewExtractor roots an Extractor at dataDir/artifacts/packages.
func NewExtractor(dataDir string) *Extractor {
	return &Extractor{root: filepath.Join(dataDir, "artifacts", "packages")}
}

// RootFor returns the extracted tree's path for digest, whether or not it
// has been extracted yet.
func (e *Extractor) RootFor(digest string) string {
	return filepath.Join(e.root, digest)
}

// Extract unpacks zipBytes (whose content digest is digest) under
// RootFor(digest) and returns the package's manifest and extracted root. A
// digest already extracted is read back without re-unzipping (spec section
// 3: "extraction is idempotent").
func (e *Extractor) Extract(digest string, zipBytes []byte) (*types.PackageManifest, string, error) {
	dest := e.RootFor(digest)
	manifestPath := filepath.Join(dest, ManifestFileName)

	if data, err := os.ReadFile(manifestPath); err == nil {
		var m types.PackageManifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, "", fmt.Errorf("pkgfmt: parse cached manifest for %s: %w", digest, err)
		}
		return &m, dest, nil
	}

	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		return nil, "", fmt.Errorf("pkgfmt: open package zip: %w", err)
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return nil, "", fmt.Errorf("pkgfmt: create package dir: %w", err)
	}

	var manifest *types.PackageManifest
	var files []string
	for _, f := range zr.File {
		if err := extractEntry(dest, f); err != nil {
			return nil, "", err
		}
		if f.FileInfo().IsDir() {
			continue
		}
		files = append(files, f.Name)
		if f.Name == ManifestFileName {
			m, err := readManifestEntry(f)
			if err != nil {
				return nil, "", err
			}
			manifest = m
		}
	}
	if manifest == nil {
		return nil, "", fmt.Errorf("pkgfmt: package %s has no %s", digest, ManifestFileName)
	}
	manifest.Files = files
	return manifest, dest, nil
}

func readManifestEntry(f *zip.File) (*types.PackageManifest, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("pkgfmt: open manifest entry: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("pkgfmt: read manifest entry: %w", err)
	}
	var m types.PackageManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("pkgfmt: parse manifest: %w", err)
	}
	return &m, nil
}

// extractEntry writes one zip entry under dest, rejecting any entry whose
// name would escape dest (zip-slip).
func extractEntry(dest string, f *zip.File) error {
	cleanDest := filepath.Clean(dest)
	path := filepath.Join(cleanDest, f.Name)
	if path != cleanDest && !strings.HasPrefix(path, cleanDest+string(os.PathSeparator)) {
		return fmt.Errorf("pkgfmt: illegal file path in package: %s", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(path, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("pkgfmt: create parent dir for %s: %w", f.Name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("pkgfmt: open entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	mode := f.Mode()
	if mode == 0 {
		mode = 0644
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("pkgfmt: create file %s: %w", f.Name, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("pkgfmt: write file %s: %w", f.Name, err)
	}
	return nil
}

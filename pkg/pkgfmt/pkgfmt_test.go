package pkgfmt

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildPackageZip(t *testing.T, manifest string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	w, err := zw.Create(ManifestFileName)
	require.NoError(t, err)
	_, err = w.Write([]byte(manifest))
	require.NoError(t, err)

	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())
	return buf.Bytes()
}

const testManifest = `
component:
  name: web
  artifactdigest: sha256:abc
  replicas: 2
`

func TestExtractUnpacksFilesAndManifest(t *testing.T) {
	e := NewExtractor(t.TempDir())
	zipBytes := buildPackageZip(t, testManifest, map[string]string{"static/index.html": "hello"})

	m, root, err := e.Extract("digest-1", zipBytes)
	require.NoError(t, err)
	assert.Equal(t, "web", m.Component.Name)
	assert.Equal(t, 2, m.Component.Replicas)
	assert.Contains(t, m.Files, "static/index.html")

	data, err := os.ReadFile(filepath.Join(root, "static/index.html"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestExtractIsIdempotent(t *testing.T) {
	e := NewExtractor(t.TempDir())
	zipBytes := buildPackageZip(t, testManifest, nil)

	_, root1, err := e.Extract("digest-1", zipBytes)
	require.NoError(t, err)

	// A second extract with different bytes must not re-extract — the
	// cached manifest on disk is authoritative once a digest is present.
	_, root2, err := e.Extract("digest-1", buildPackageZip(t, testManifest, map[string]string{"extra.txt": "new"}))
	require.NoError(t, err)

	assert.Equal(t, root1, root2)
	_, err = os.Stat(filepath.Join(root2, "extra.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractRejectsMissingManifest(t *testing.T) {
	e := NewExtractor(t.TempDir())
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("readme.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("no manifest here"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, _, err = e.Extract("digest-2", buf.Bytes())
	assert.Error(t, err)
}

func TestExtractRejectsZipSlip(t *testing.T) {
	e := NewExtractor(t.TempDir())
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	_, err := zw.Create(ManifestFileName)
	require.NoError(t, err)
	escaping, err := zw.Create("../../escape.txt")
	require.NoError(t, err)
	_, err = escaping.Write([]byte("bad"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, _, err = e.Extract("digest-3", buf.Bytes())
	assert.Error(t, err)
}

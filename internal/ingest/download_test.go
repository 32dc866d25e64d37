package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func zipBytes(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestFetchUsesContentDispositionExtension(t *testing.T) {
	payload := zipBytes(t, zipEntry{"impact.shp", "shp"})
	var gotAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("User-Agent")
		switch r.URL.Path {
		case "/named":
			w.Header().Set("Content-Disposition", `attachment; filename="impact.ZIP"`)
		case "/missing":
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	dir := t.TempDir()
	d := NewDownloader(dir, 5*time.Second, arbor.NewLogger())
	ctx := context.Background()

	named, err := d.Fetch(ctx, server.URL+"/named")
	require.NoError(t, err)
	assert.True(t, named.Temporary)
	assert.Equal(t, ".zip", filepath.Ext(named.Path))
	assert.Equal(t, dir, filepath.Dir(named.Path))
	assert.True(t, strings.HasPrefix(gotAgent, "GeoSAFE/"))

	sniffed, err := d.Fetch(ctx, server.URL+"/anonymous")
	require.NoError(t, err)
	assert.Equal(t, ".zip", filepath.Ext(sniffed.Path), "extension sniffed from content")
	assert.Equal(t, zipArchive, detectArchive(sniffed.Path))

	_, err = d.Fetch(ctx, server.URL+"/missing")
	assert.Error(t, err)
}

func TestFetchLocalReferences(t *testing.T) {
	d := NewDownloader(t.TempDir(), time.Second, arbor.NewLogger())
	ctx := context.Background()

	local, err := d.Fetch(ctx, "file:///srv/output/impact%20layer.zip")
	require.NoError(t, err)
	assert.Equal(t, "/srv/output/impact layer.zip", local.Path)
	assert.False(t, local.Temporary)

	bare, err := d.Fetch(ctx, "/srv/output/impact.zip")
	require.NoError(t, err)
	assert.Equal(t, "/srv/output/impact.zip", bare.Path)

	_, err = d.Fetch(ctx, "ftp://worker/impact.zip")
	assert.Error(t, err)
}

func TestExtensionFromDisposition(t *testing.T) {
	assert.Equal(t, ".tif", extensionFromDisposition(`attachment; filename="flood.tif"`))
	assert.Equal(t, ".zip", extensionFromDisposition(`attachment; filename="../../impact.zip"`))
	assert.Empty(t, extensionFromDisposition(`attachment`))
	assert.Empty(t, extensionFromDisposition(""))
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	require.NoError(t, os.WriteFile(archive, zipBytes(t, zipEntry{"../evil.shp", "x"}), 0644))

	dest := filepath.Join(dir, "extract")
	require.NoError(t, os.MkdirAll(dest, 0755))

	_, err := extract(zipArchive, archive, dest)
	assert.Error(t, err)
	_, err = os.Stat(filepath.Join(dir, "evil.shp"))
	assert.True(t, os.IsNotExist(err))
}

func TestIsDataset(t *testing.T) {
	for _, name := range []string{"impact.shp", "IMPACT.TIF", "a/b/summary.geojson", "flood.asc", "pop.gpkg"} {
		assert.True(t, IsDataset(name), name)
	}
	for _, name := range []string{"impact.dbf", "impact.qml", "readme.txt", "impact"} {
		assert.False(t, IsDataset(name), name)
	}
}

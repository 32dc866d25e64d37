package ingest

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/gabriel-vasile/mimetype"
)

// Dataset extensions recognized when scanning an archive
var (
	vectorExtensions = []string{".shp", ".geojson", ".gpkg", ".kml", ".kmz", ".gml", ".sqlite"}
	rasterExtensions = []string{".tif", ".tiff", ".geotiff", ".geotif", ".asc", ".nc", ".vrt"}
)

type archiveKind int

const (
	notArchive archiveKind = iota
	zipArchive
	sevenZipArchive
)

func detectArchive(path string) archiveKind {
	if mt, err := mimetype.DetectFile(path); err == nil {
		// zip based formats (kmz, docx) report a more specific type with zip as a parent
		for m := mt; m != nil; m = m.Parent() {
			switch {
			case m.Is("application/zip"):
				if strings.EqualFold(filepath.Ext(path), ".kmz") {
					return notArchive
				}
				return zipArchive
			case m.Is("application/x-7z-compressed"):
				return sevenZipArchive
			}
		}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip":
		return zipArchive
	case ".7z":
		return sevenZipArchive
	}
	return notArchive
}

// IsDataset reports whether the name has a recognized vector or raster extension
func IsDataset(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, known := range vectorExtensions {
		if ext == known {
			return true
		}
	}
	for _, known := range rasterExtensions {
		if ext == known {
			return true
		}
	}
	return false
}

// extract unpacks an archive into dest and returns the extracted file paths
// in archive order
func extract(kind archiveKind, src, dest string) ([]string, error) {
	destAbs, err := filepath.Abs(dest)
	if err != nil {
		return nil, fmt.Errorf("abs dest: %w", err)
	}

	switch kind {
	case zipArchive:
		r, err := zip.OpenReader(src)
		if err != nil {
			return nil, fmt.Errorf("open zip: %w", err)
		}
		defer r.Close()

		var files []string
		for _, f := range r.File {
			path, err := extractEntry(destAbs, f.Name, f.FileInfo(), f.Open)
			if err != nil {
				return files, err
			}
			if path != "" {
				files = append(files, path)
			}
		}
		return files, nil

	case sevenZipArchive:
		r, err := sevenzip.OpenReader(src)
		if err != nil {
			return nil, fmt.Errorf("open 7z: %w", err)
		}
		defer r.Close()

		var files []string
		for _, f := range r.File {
			path, err := extractEntry(destAbs, f.Name, f.FileInfo(), f.Open)
			if err != nil {
				return files, err
			}
			if path != "" {
				files = append(files, path)
			}
		}
		return files, nil
	}

	return nil, fmt.Errorf("%s is not an archive", src)
}

func extractEntry(destAbs, name string, info fs.FileInfo, open func() (io.ReadCloser, error)) (string, error) {
	if info.Mode()&fs.ModeSymlink != 0 {
		return "", fmt.Errorf("refusing to extract symlink entry: %s", name)
	}

	target := filepath.Join(destAbs, filepath.FromSlash(name))
	if !withinBase(destAbs, target) {
		return "", fmt.Errorf("entry escapes destination: %s", name)
	}

	if info.IsDir() {
		return "", os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("mkdir parent: %w", err)
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create: %w", err)
	}
	rc, err := open()
	if err != nil {
		out.Close()
		return target, fmt.Errorf("open entry: %w", err)
	}
	_, copyErr := io.Copy(out, rc)
	rc.Close()
	if err := out.Close(); copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return target, fmt.Errorf("copy %s: %w", name, copyErr)
	}
	return target, nil
}

func withinBase(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// firstDataset returns the first extracted file with a dataset extension
func firstDataset(files []string) string {
	for _, f := range files {
		if IsDataset(f) {
			return f
		}
	}
	return ""
}

// findByName returns the extracted file whose base name is name
func findByName(files []string, name string) string {
	if name == "" {
		return ""
	}
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)
	for _, f := range sorted {
		if filepath.Base(f) == name {
			return f
		}
	}
	return ""
}

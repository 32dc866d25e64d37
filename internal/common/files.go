package common

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// SiblingFiles returns every file sharing path's basename, whatever the
// extension: flood.shp -> flood.shp, flood.shx, flood.dbf, flood.xml ...
func SiblingFiles(path string) ([]string, error) {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	pattern := filepath.Join(EscapeGlob(filepath.Dir(base)), EscapeGlob(filepath.Base(base))+".*")
	return doublestar.FilepathGlob(pattern)
}

// RemoveSiblings deletes path and every sibling sharing its basename.
// Files that disappear concurrently are ignored.
func RemoveSiblings(path string) ([]string, error) {
	matches, err := SiblingFiles(path)
	if err != nil {
		return nil, err
	}
	var removed []string
	var errs []error
	for _, match := range matches {
		if err := os.Remove(match); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		removed = append(removed, match)
	}
	return removed, errors.Join(errs...)
}

// EscapeGlob escapes glob metacharacters so a literal path can be embedded in a pattern
func EscapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '{', '}', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CopyFile copies src to dst, creating or truncating dst
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/httpclient"
)

const userAgent = httpclient.UserAgent + " (+artifact-fetch)"

// Download is a fetched artifact. Temporary downloads live in the artifact
// directory; direct ones are the worker's own files.
type Download struct {
	Path      string
	Temporary bool
}

// Downloader fetches artifacts over HTTP or reads them from the shared filesystem
type Downloader struct {
	client *http.Client
	dir    string
	logger arbor.ILogger
}

// NewDownloader creates a downloader writing HTTP downloads into dir
func NewDownloader(dir string, timeout time.Duration, logger arbor.ILogger) *Downloader {
	return &Downloader{
		client: httpclient.NewClient(timeout, userAgent),
		dir:    dir,
		logger: logger,
	}
}

// Fetch makes uri available as a local file. http(s) URIs are downloaded and
// given the extension named by Content-Disposition, or sniffed from the
// content when the header is missing. file URIs and bare paths are used in place.
func (d *Downloader) Fetch(ctx context.Context, uri string) (*Download, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid artifact uri %q: %w", uri, err)
	}

	switch parsed.Scheme {
	case "http", "https":
		path, err := d.download(ctx, uri)
		if err != nil {
			return nil, err
		}
		return &Download{Path: path, Temporary: true}, nil
	case "file":
		path, err := url.PathUnescape(parsed.EscapedPath())
		if err != nil {
			return nil, err
		}
		return &Download{Path: path}, nil
	case "":
		return &Download{Path: uri}, nil
	default:
		return nil, fmt.Errorf("uri scheme not recognized: %s", uri)
	}
}

func (d *Downloader) download(ctx context.Context, uri string) (string, error) {
	if d.dir != "" {
		if err := os.MkdirAll(d.dir, 0755); err != nil {
			return "", err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download %s: %s", uri, resp.Status)
	}

	f, err := os.CreateTemp(d.dir, "artifact_*")
	if err != nil {
		return "", err
	}
	tmp := f.Name()

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write %s: %w", uri, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}

	ext := extensionFromDisposition(resp.Header.Get("Content-Disposition"))
	if ext == "" {
		if mt, err := mimetype.DetectFile(tmp); err == nil {
			ext = mt.Extension()
		}
	}
	if ext == "" {
		return tmp, nil
	}

	final := tmp + ext
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", err
	}

	d.logger.Debug().Str("uri", uri).Str("path", final).Msg("Artifact downloaded")
	return final, nil
}

func extensionFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	name := params["filename"]
	if name == "" {
		return ""
	}
	return strings.ToLower(filepath.Ext(filepath.Base(name)))
}

// remove deletes a file, ignoring files already gone
func remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

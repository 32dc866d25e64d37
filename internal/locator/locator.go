// Package locator translates layer references into URIs the remote analysis
// workers can reach, and worker output URIs back into local paths.
package locator

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/ternarybob/geosafe/internal/common"
	"github.com/ternarybob/geosafe/internal/models"
)

// ArchivePath is the route serving a layer's files as a zip archive
const ArchivePath = "/api/layers/%s/archive"

// ConfigError reports invalid locator configuration
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return "locator configuration: " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ResolutionError reports a reference that cannot be made reachable by the workers
type ResolutionError struct {
	Ref    string
	Reason string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve %s: %s", e.Ref, e.Reason)
}

// Locator resolves layer locations in either direct file or HTTP access mode
type Locator struct {
	layers common.LayersConfig
	impact common.ImpactConfig
}

// New validates the access mode and returns a locator
func New(layers common.LayersConfig, impact common.ImpactConfig) (*Locator, error) {
	if err := layers.Validate(); err != nil {
		return nil, &ConfigError{Err: err}
	}
	if layers.UseFileAccess && (layers.Directory == "" || layers.DirectoryBasePath == "") {
		return nil, &ConfigError{Err: errors.New("direct file access needs inasafe_layer_directory and layer_directory_base_path")}
	}
	if layers.UseHTTPAccess && layers.BaseURL == "" {
		return nil, &ConfigError{Err: errors.New("http access needs geonode_base_url")}
	}
	return &Locator{layers: layers, impact: impact}, nil
}

// DirectAccess reports whether layers are shared through the filesystem
func (l *Locator) DirectAccess() bool {
	return l.layers.UseFileAccess
}

// ResolveInput resolves a *models.Layer, a models.Layer or a local path string
func (l *Locator) ResolveInput(ref interface{}) (string, error) {
	switch v := ref.(type) {
	case *models.Layer:
		if v == nil {
			return "", &ResolutionError{Ref: "<nil>", Reason: "nil layer"}
		}
		return l.ResolveLayer(v)
	case models.Layer:
		return l.ResolveLayer(&v)
	case string:
		return l.ResolvePath(v)
	default:
		return "", &ResolutionError{Ref: fmt.Sprintf("%T", ref), Reason: "unsupported layer reference type"}
	}
}

// ResolveLayer returns the worker-visible location of a layer. Remote service
// layers always resolve over HTTP.
func (l *Locator) ResolveLayer(layer *models.Layer) (string, error) {
	if layer.Remote || l.layers.UseHTTPAccess {
		return l.layerURL(layer)
	}
	return l.ResolvePath(layer.BasePath)
}

// ResolvePath re-roots a local path under the worker-visible layer directory.
// Paths outside the layer base directory are not reachable by the workers.
func (l *Locator) ResolvePath(localPath string) (string, error) {
	if !l.layers.UseFileAccess {
		return "", &ResolutionError{Ref: localPath, Reason: "plain paths need direct file access"}
	}

	rel, err := filepath.Rel(filepath.Clean(l.layers.DirectoryBasePath), filepath.Clean(localPath))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", &ResolutionError{Ref: localPath, Reason: "layer path possibly not reachable by the analysis workers"}
	}
	return path.Join(l.layers.Directory, filepath.ToSlash(rel)), nil
}

func (l *Locator) layerURL(layer *models.Layer) (string, error) {
	if layer.Remote && layer.ServiceURL != "" {
		return layer.ServiceURL, nil
	}
	if l.layers.BaseURL == "" {
		return "", &ResolutionError{Ref: layer.ID, Reason: "no base url configured for http access"}
	}
	base, err := url.Parse(l.layers.BaseURL)
	if err != nil {
		return "", &ResolutionError{Ref: layer.ID, Reason: err.Error()}
	}
	return base.JoinPath(fmt.Sprintf(ArchivePath, url.PathEscape(layer.ID))).String(), nil
}

// ResolveOutput maps a worker output URL back onto the local impact output
// directory. Without impact settings, file URIs, bare paths and URLs outside
// the impact base are returned unchanged.
func (l *Locator) ResolveOutput(remoteURI string) (string, error) {
	if l.impact.OutputDirectory == "" || l.impact.BaseURL == "" {
		return remoteURI, nil
	}

	parsed, err := url.Parse(remoteURI)
	if err != nil {
		return "", &ResolutionError{Ref: remoteURI, Reason: err.Error()}
	}

	switch parsed.Scheme {
	case "http", "https":
	case "file", "":
		return remoteURI, nil
	default:
		return "", &ResolutionError{Ref: remoteURI, Reason: "unrecognized uri scheme " + parsed.Scheme}
	}

	basePath := l.impact.BaseURL
	if base, err := url.Parse(l.impact.BaseURL); err == nil && base.Scheme != "" {
		basePath = base.Path
	}

	rel, err := filepath.Rel(path.Clean("/"+basePath), path.Clean("/"+parsed.Path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return remoteURI, nil
	}
	return filepath.Join(l.impact.OutputDirectory, filepath.FromSlash(rel)), nil
}

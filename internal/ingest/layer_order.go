package ingest

import "strings"

// LayerOrderMarker prefixes entries resolved against the layer sources
const LayerOrderMarker = "@"

// SubstituteLayerOrder replaces "@key" and nested "@a.b" entries with the
// matching source value. Entries that cannot be resolved to a string are kept
// verbatim so the report generator can decide what to do with them.
func SubstituteLayerOrder(template []string, sources map[string]interface{}) []string {
	order := make([]string, 0, len(template))
	for _, entry := range template {
		if resolved, ok := lookup(entry, sources); ok {
			entry = resolved
		}
		order = append(order, entry)
	}
	return order
}

func lookup(entry string, sources map[string]interface{}) (string, bool) {
	if !strings.HasPrefix(entry, LayerOrderMarker) {
		return "", false
	}

	var value interface{} = sources
	for _, key := range strings.Split(strings.TrimPrefix(entry, LayerOrderMarker), ".") {
		m, ok := value.(map[string]interface{})
		if !ok {
			return "", false
		}
		if value, ok = m[key]; !ok {
			return "", false
		}
	}

	s, ok := value.(string)
	return s, ok
}

// withoutEntry drops every occurrence of entry
func withoutEntry(order []string, entry string) []string {
	out := order[:0:0]
	for _, e := range order {
		if e != entry {
			out = append(out, e)
		}
	}
	return out
}

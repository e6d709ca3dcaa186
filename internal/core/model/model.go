// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"maps"
	"regexp"
	"strings"
)

// Extension is one optional behaviour layered over a plain items request.
type Extension uint8

const (
	ExtAuth Extension = 1 << iota
	ExtLimit
	ExtGeom
	ExtCol
)

// canonical order used in route names, e.g. "auth-limit-geom-col"
var extensionOrder = []struct {
	ext  Extension
	name string
}{
	{ExtAuth, "auth"},
	{ExtLimit, "limit"},
	{ExtGeom, "geom"},
	{ExtCol, "col"},
}

// Extensions is a set of active extensions.
type Extensions uint8

func (s Extensions) Has(e Extension) bool { return s&Extensions(e) != 0 }

func (s Extensions) With(e Extension) Extensions { return s | Extensions(e) }

// Altering reports whether any extension changes single-request semantics.
// Auth only swaps the credential, so it does not count.
func (s Extensions) Altering() bool {
	return s.Has(ExtLimit) || s.Has(ExtGeom) || s.Has(ExtCol)
}

func (s Extensions) String() string {
	parts := make([]string, 0, len(extensionOrder))
	for _, e := range extensionOrder {
		if s.Has(e.ext) {
			parts = append(parts, e.name)
		}
	}
	return strings.Join(parts, "-")
}

// ParseExtensions parses a dash-joined route suffix. Names must appear in
// canonical order and at most once.
func ParseExtensions(raw string) (Extensions, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	var out Extensions
	next := 0
	for name := range strings.SplitSeq(raw, "-") {
		found := false
		for i := next; i < len(extensionOrder); i++ {
			if extensionOrder[i].name == name {
				out = out.With(extensionOrder[i].ext)
				next = i + 1
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown or out-of-order extension %q in %q", name, raw)
		}
	}
	return out, nil
}

// QueryParams are the NGD items parameters passed through to the upstream.
type QueryParams struct {
	BBox       string
	BBoxCRS    string
	CRS        string
	Datetime   string
	Filter     string
	FilterCRS  string
	FilterLang string
}

// SearchArea is one atomic geometry taken from a multi-part search geometry.
type SearchArea struct {
	Number int // 1-based, input part order
	WKT    string
}

// RequestDescriptor is the normalized form of one logical query. It is never
// mutated; narrowing returns a copy.
type RequestDescriptor struct {
	Collections  []string
	Query        QueryParams
	FilterParams map[string]any

	Limit     int // 0: not set
	Offset    int
	HasOffset bool

	// RequestLimit is the caller's upstream request budget; 0 means the
	// configured default applies.
	RequestLimit int

	// Geometry is the raw search geometry, WKT or a GeoJSON geometry object.
	Geometry string

	Hierarchical        bool
	UseLatestCollection bool
	Extensions          Extensions

	// Authorization is forwarded unchanged when the auth extension is off.
	Authorization string

	// Area is set on descriptors narrowed to one search area.
	Area *SearchArea
}

// Collection returns the single (first) target collection.
func (d RequestDescriptor) Collection() string {
	if len(d.Collections) == 0 {
		return ""
	}
	return d.Collections[0]
}

// WithCollection narrows the descriptor to one collection.
func (d RequestDescriptor) WithCollection(c string) RequestDescriptor {
	d.Collections = []string{c}
	return d
}

// WithCollections replaces the collection list.
func (d RequestDescriptor) WithCollections(cs []string) RequestDescriptor {
	d.Collections = append([]string(nil), cs...)
	return d
}

// WithArea narrows the descriptor to one search area.
func (d RequestDescriptor) WithArea(a SearchArea) RequestDescriptor {
	d.Area = &a
	return d
}

// WithFilterParams returns a copy with the given attribute filters.
func (d RequestDescriptor) WithFilterParams(fp map[string]any) RequestDescriptor {
	d.FilterParams = maps.Clone(fp)
	return d
}

var versionSuffix = regexp.MustCompile(`^(.+)-(\d+)$`)

// SplitVersion splits "bld-fts-building-2" into ("bld-fts-building", "2", true).
func SplitVersion(collection string) (base, version string, ok bool) {
	m := versionSuffix.FindStringSubmatch(collection)
	if m == nil {
		return collection, "", false
	}
	return m[1], m[2], true
}

// HasVersion reports whether the collection id carries an explicit version.
func HasVersion(collection string) bool {
	_, _, ok := SplitVersion(collection)
	return ok
}

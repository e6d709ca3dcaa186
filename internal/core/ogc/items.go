// Package ogc builds OGC API - Features items requests: endpoints, query
// parameters and CQL filter composition.
package ogc

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/ngd-catalyst/internal/core/model"
)

// SpatialField is the geometry property INTERSECTS filters are applied to.
const SpatialField = "geometry"

const epsgPrefix = "http://www.opengis.net/def/crs/EPSG/0/"

func ItemsEndpoint(base, collection string) string {
	return strings.TrimRight(base, "/") + "/collections/" + url.PathEscape(collection) + "/items"
}

func CollectionsEndpoint(base string) string {
	return strings.TrimRight(base, "/") + "/collections"
}

var bareEPSG = regexp.MustCompile(`^\d+$`)

// ExpandCRS turns an integer EPSG shorthand ("27700") into the full CRS URI.
func ExpandCRS(v string) string {
	v = strings.TrimSpace(v)
	if bareEPSG.MatchString(v) {
		return epsgPrefix + v
	}
	return v
}

// Conjoin ANDs a new predicate onto an existing filter.
func Conjoin(existing, add string) string {
	switch {
	case add == "":
		return existing
	case existing == "":
		return add
	default:
		return "(" + existing + ")and" + add
	}
}

// SpatialFilter builds the INTERSECTS predicate for a WKT geometry.
func SpatialFilter(wkt string) string {
	return fmt.Sprintf("(INTERSECTS(%s,%s))", SpatialField, wkt)
}

// EqualityFilter renders attribute filters as "(k='v')and(n=3)". Keys are
// sorted so the same map always yields the same filter.
func EqualityFilter(fp map[string]any) string {
	if len(fp) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fp))
	for k := range fp {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("(%s=%s)", k, filterLiteral(fp[k])))
	}
	return strings.Join(parts, "and")
}

// CheckFilterParams rejects values that have no CQL equality literal:
// null, objects and arrays.
func CheckFilterParams(fp map[string]any) error {
	for _, k := range slices.Sorted(maps.Keys(fp)) {
		switch fp[k].(type) {
		case string, bool, float64, int, int64, json.Number:
		case nil:
			return fmt.Errorf("filter-params %q: null is not a filterable value", k)
		default:
			return fmt.Errorf("filter-params %q: value must be a string, number or boolean", k)
		}
	}
	return nil
}

func filterLiteral(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(t, "'", "''") + "'"
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// ComposeFilter merges the caller filter, attribute filters and the spatial
// predicate for the descriptor's search area (or whole geometry).
func ComposeFilter(d model.RequestDescriptor) (string, error) {
	filter := strings.TrimSpace(d.Query.Filter)
	filter = Conjoin(filter, EqualityFilter(d.FilterParams))

	wkt := ""
	switch {
	case d.Area != nil:
		wkt = d.Area.WKT
	case strings.TrimSpace(d.Geometry) != "":
		w, err := NormalizeWKT(d.Geometry)
		if err != nil {
			return "", err
		}
		wkt = w
	}
	if wkt != "" {
		filter = Conjoin(filter, SpatialFilter(wkt))
	}
	return filter, nil
}

// BuildItemsParams builds the upstream query string for one items request.
// limit and offset come from the descriptor; the paginator overrides them.
func BuildItemsParams(d model.RequestDescriptor) (url.Values, error) {
	params := url.Values{}
	q := d.Query
	setIf := func(k, v string) {
		if v = strings.TrimSpace(v); v != "" {
			params.Set(k, v)
		}
	}
	setIf("bbox", q.BBox)
	setIf("bbox-crs", ExpandCRS(q.BBoxCRS))
	setIf("crs", ExpandCRS(q.CRS))
	setIf("datetime", q.Datetime)
	setIf("filter-crs", ExpandCRS(q.FilterCRS))
	setIf("filter-lang", q.FilterLang)

	filter, err := ComposeFilter(d)
	if err != nil {
		return nil, err
	}
	setIf("filter", filter)

	if d.Limit > 0 {
		params.Set("limit", strconv.Itoa(d.Limit))
	}
	if d.HasOffset {
		params.Set("offset", strconv.Itoa(d.Offset))
	}
	return params, nil
}

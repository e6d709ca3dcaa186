package ogc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
)

// ErrInvalidGeometry marks search geometries that cannot be parsed.
var ErrInvalidGeometry = errors.New("invalid geometry")

// ParseGeometry accepts WKT or a GeoJSON geometry object.
func ParseGeometry(raw string) (orb.Geometry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidGeometry)
	}
	if strings.HasPrefix(raw, "{") {
		g, err := geojson.UnmarshalGeometry([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: parse geojson: %v", ErrInvalidGeometry, err)
		}
		if g.Geometry() == nil {
			return nil, fmt.Errorf("%w: unsupported geojson type %q", ErrInvalidGeometry, g.Type)
		}
		return g.Geometry(), nil
	}
	g, err := wkt.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse wkt: %v", ErrInvalidGeometry, err)
	}
	return g, nil
}

// NormalizeWKT returns WKT for the raw geometry. WKT input is passed through
// verbatim; GeoJSON input is converted.
func NormalizeWKT(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "{") {
		return raw, nil
	}
	g, err := ParseGeometry(raw)
	if err != nil {
		return "", err
	}
	return wkt.MarshalString(g), nil
}

// Explode flattens multi-geometries and collections, at any depth, into
// points, linestrings and polygons in input part order.
func Explode(g orb.Geometry) []orb.Geometry {
	switch t := g.(type) {
	case nil:
		return nil
	case orb.Point, orb.LineString, orb.Polygon:
		return []orb.Geometry{t}
	case orb.Ring:
		return []orb.Geometry{orb.Polygon{t}}
	case orb.Bound:
		return []orb.Geometry{t.ToPolygon()}
	case orb.MultiPoint:
		out := make([]orb.Geometry, 0, len(t))
		for _, p := range t {
			out = append(out, p)
		}
		return out
	case orb.MultiLineString:
		out := make([]orb.Geometry, 0, len(t))
		for _, l := range t {
			out = append(out, l)
		}
		return out
	case orb.MultiPolygon:
		out := make([]orb.Geometry, 0, len(t))
		for _, p := range t {
			out = append(out, p)
		}
		return out
	case orb.Collection:
		var out []orb.Geometry
		for _, sub := range t {
			out = append(out, Explode(sub)...)
		}
		return out
	default:
		return []orb.Geometry{g}
	}
}

func ToWKT(g orb.Geometry) string {
	return wkt.MarshalString(g)
}

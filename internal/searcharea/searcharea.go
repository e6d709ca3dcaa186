// Package searcharea splits a multi-part search geometry into independently
// queried search areas.
package searcharea

import (
	"errors"
	"fmt"

	"github.com/mohammed-shakir/ngd-catalyst/internal/core/model"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/ogc"
)

var ErrNoParts = errors.New("search geometry has no parts")

// Decompose parses WKT or GeoJSON and returns one area per atomic part,
// numbered from 1 in input order. Nested collections are flattened.
func Decompose(raw string) ([]model.SearchArea, error) {
	g, err := ogc.ParseGeometry(raw)
	if err != nil {
		return nil, err
	}
	parts := ogc.Explode(g)
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: %w", ogc.ErrInvalidGeometry, ErrNoParts)
	}
	areas := make([]model.SearchArea, 0, len(parts))
	for i, p := range parts {
		areas = append(areas, model.SearchArea{Number: i + 1, WKT: ogc.ToWKT(p)})
	}
	return areas, nil
}

// Narrow derives one descriptor per area from d.
func Narrow(d model.RequestDescriptor, areas []model.SearchArea) []model.RequestDescriptor {
	out := make([]model.RequestDescriptor, 0, len(areas))
	for _, a := range areas {
		out = append(out, d.WithArea(a))
	}
	return out
}

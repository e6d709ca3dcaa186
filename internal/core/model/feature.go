package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Page is one parsed upstream items response.
type Page struct {
	// Members holds the top-level response members other than "features".
	Members  map[string]json.RawMessage
	Features []json.RawMessage
	// Next is the pagination cursor (offset) taken from the rel=next link.
	Next     string
	HasNext  bool
	Status   int
	Requests int
}

// Feature is one retrieved entity with its bookkeeping.
type Feature struct {
	Key        string // canonical id key, "" when the upstream sent no id
	Raw        map[string]json.RawMessage
	Collection string
	Areas      []int // search area memberships, ascending
}

// ParseFeature decodes a raw GeoJSON feature.
func ParseFeature(raw json.RawMessage, collection string) (Feature, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Feature{}, fmt.Errorf("feature: not a JSON object: %w", err)
	}
	f := Feature{Raw: obj, Collection: collection}
	if idRaw, ok := obj["id"]; ok {
		key, err := CanonicalIDKey(idRaw)
		if err != nil {
			return Feature{}, err
		}
		f.Key = key
	}
	return f, nil
}

// AreaValue is the searchAreaNumber value: a number for one membership,
// a list otherwise.
func (f Feature) AreaValue() any {
	switch len(f.Areas) {
	case 0:
		return nil
	case 1:
		return f.Areas[0]
	default:
		return f.Areas
	}
}

func (f Feature) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(f.Raw)+2)
	for k, v := range f.Raw {
		out[k] = v
	}
	extra := map[string]any{}
	if f.Collection != "" {
		extra["collection"] = f.Collection
	}
	if v := f.AreaValue(); v != nil {
		extra["searchAreaNumber"] = v
	}
	if len(extra) == 0 {
		return json.Marshal(out)
	}
	props := map[string]json.RawMessage{}
	if p, ok := out["properties"]; ok && string(p) != "null" {
		if err := json.Unmarshal(p, &props); err != nil {
			return nil, fmt.Errorf("feature properties: %w", err)
		}
	}
	for k, v := range extra {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("feature %s: %w", k, err)
		}
		out[k] = b
		props[k] = b
	}
	pb, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("feature properties: %w", err)
	}
	out["properties"] = pb
	return json.Marshal(out)
}

// CanonicalIDKey parses an id that may be a string or a number.
func CanonicalIDKey(idRaw json.RawMessage) (string, error) {
	trim := strings.TrimSpace(string(idRaw))
	if trim == "" || trim == "null" {
		return "", nil
	}

	dec := json.NewDecoder(bytes.NewReader(idRaw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("parse id: %w", err)
	}
	switch t := v.(type) {
	case string:
		return "s:" + t, nil
	case json.Number:
		return "n:" + t.String(), nil
	default:
		return "", fmt.Errorf("id must be string or number (got %T)", v)
	}
}

package composer

import (
	"encoding/json"
	"time"

	"github.com/mohammed-shakir/ngd-catalyst/internal/aggregate"
	"github.com/mohammed-shakir/ngd-catalyst/internal/aggregate/geojsonagg"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/model"
	"github.com/mohammed-shakir/ngd-catalyst/internal/fanout"
)

func (c *Composer) shape(p plan, buckets []aggregate.Bucket) *Response {
	resp := &Response{
		Requests: aggregate.Requests(buckets),
		Partial:  aggregate.AnyPartial(buckets),
	}

	byCol := make([][]aggregate.Bucket, len(p.collections))
	for i, b := range buckets {
		ci := p.leaves[i].col
		byCol[ci] = append(byCol[ci], b)
	}

	ext := p.d.Extensions
	if p.d.Hierarchical && (ext.Has(model.ExtGeom) || ext.Has(model.ExtCol)) {
		resp.Doc = c.hierarchical(p, byCol)
		for _, b := range buckets {
			resp.Returned += b.Returned()
		}
		return resp
	}

	features := make([]model.Feature, 0)
	returned := make(map[string]int, len(p.collections))
	for ci, col := range p.collections {
		var fs []model.Feature
		if p.merged != nil {
			fs = p.merged[ci].Features()
		} else {
			fs = geojsonagg.Concat{}.Merge(byCol[ci])
		}
		returned[col] = len(fs)
		features = append(features, fs...)
	}
	resp.Returned = len(features)

	var doc Document
	if !ext.Altering() && len(buckets) == 1 && buckets[0].Members != nil {
		// plain request: the upstream document passes through, links included
		doc = fromMembers(buckets[0].Members)
	}
	doc.Set("type", "FeatureCollection")
	if _, ok := doc.Get("timeStamp"); !ok {
		doc.Set("timeStamp", c.timestamp())
	}
	doc.Set("numberReturned", len(features))
	doc.Set("features", features)
	doc.Set("source", c.cfg.Source)
	doc.Set("numberOfRequests", resp.Requests)
	if ext.Has(model.ExtCol) {
		bd := fanout.Tally(p.collections, buckets, returned)
		doc.Set("numberOfRequestsByCollection", countsDoc(bd.Order, bd.Requests))
		doc.Set("numberReturnedByCollection", countsDoc(bd.Order, bd.Returned))
	}
	if resp.Partial {
		doc.Set("partial", true)
	}
	resp.Doc = doc
	return resp
}

// hierarchical builds {collection: ...} when col is active, and
// {"searchAreas": [...]} per collection when geom is active.
func (c *Composer) hierarchical(p plan, byCol [][]aggregate.Bucket) Document {
	ext := p.d.Extensions
	perCollection := func(buckets []aggregate.Bucket) Document {
		if ext.Has(model.ExtGeom) {
			areas := make([]Document, 0, len(buckets))
			for _, b := range buckets {
				areas = append(areas, c.leafDoc(b))
			}
			return Document{{Key: "searchAreas", Value: areas}}
		}
		if len(buckets) == 0 {
			return c.leafDoc(aggregate.Bucket{})
		}
		return c.leafDoc(buckets[0])
	}

	if !ext.Has(model.ExtCol) {
		return perCollection(byCol[0])
	}
	doc := make(Document, 0, len(p.collections))
	for ci, col := range p.collections {
		doc = append(doc, member{Key: col, Value: perCollection(byCol[ci])})
	}
	return doc
}

// leafDoc shapes one bucket like an upstream feature collection.
func (c *Composer) leafDoc(b aggregate.Bucket) Document {
	doc := fromMembers(b.Members, "links")
	doc.Set("type", "FeatureCollection")
	if _, ok := doc.Get("timeStamp"); !ok {
		doc.Set("timeStamp", c.timestamp())
	}
	features := b.Features
	if features == nil {
		features = []model.Feature{}
	}
	doc.Set("numberReturned", len(features))
	doc.Set("features", features)
	doc.Set("numberOfRequests", b.Requests)
	if b.Area > 0 {
		doc.Set("searchAreaNumber", b.Area)
	}
	if b.Partial {
		doc.Set("partial", true)
	}
	return doc
}

func (c *Composer) timestamp() json.RawMessage {
	b, _ := json.Marshal(c.now().UTC().Format(time.RFC3339))
	return b
}

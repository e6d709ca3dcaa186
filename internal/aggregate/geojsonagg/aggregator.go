// Package geojsonagg merges features returned for several search areas into
// one deduplicated list.
package geojsonagg

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/mohammed-shakir/ngd-catalyst/internal/aggregate"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/model"
)

type entry struct {
	feature model.Feature
	areas   map[int]struct{}
	// position of the feature in its lowest-numbered area's batch
	area int
	pos  int
}

// Aggregator is a concurrency-safe id -> feature map. Add may be called from
// several leaves at once; the output does not depend on call order.
type Aggregator struct {
	mu      sync.Mutex
	entries map[string]*entry
}

var _ aggregate.Interface = (*Aggregator)(nil)

func New() *Aggregator {
	return &Aggregator{entries: make(map[string]*entry)}
}

// Add inserts one area's batch, unioning memberships of features already seen.
func (a *Aggregator) Add(collection string, area int, feats []model.Feature) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for pos, f := range feats {
		key := collection + "\x00" + f.Key
		if f.Key == "" {
			// no id: cannot be matched across areas
			key = fmt.Sprintf("%s\x00#%d:%d", collection, area, pos)
		}
		e, ok := a.entries[key]
		if !ok {
			a.entries[key] = &entry{
				feature: f,
				areas:   map[int]struct{}{area: {}},
				area:    area,
				pos:     pos,
			}
			continue
		}
		e.areas[area] = struct{}{}
		if area < e.area || (area == e.area && pos < e.pos) {
			e.feature, e.area, e.pos = f, area, pos
		}
	}
}

// Features returns the merged features ordered by lowest membership, then
// position within that area's batch, with memberships ascending.
func (a *Aggregator) Features() []model.Feature {
	a.mu.Lock()
	defer a.mu.Unlock()

	list := make([]*entry, 0, len(a.entries))
	for _, e := range a.entries {
		list = append(list, e)
	}
	slices.SortFunc(list, func(x, y *entry) int {
		if c := cmp.Compare(x.area, y.area); c != 0 {
			return c
		}
		if c := cmp.Compare(x.pos, y.pos); c != 0 {
			return c
		}
		return cmp.Compare(x.feature.Collection, y.feature.Collection)
	})

	out := make([]model.Feature, 0, len(list))
	for _, e := range list {
		f := e.feature
		f.Areas = make([]int, 0, len(e.areas))
		for n := range e.areas {
			f.Areas = append(f.Areas, n)
		}
		slices.Sort(f.Areas)
		out = append(out, f)
	}
	return out
}

func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Merge adds every bucket and returns the merged features.
func (a *Aggregator) Merge(buckets []aggregate.Bucket) []model.Feature {
	for _, b := range buckets {
		a.Add(b.Collection, b.Area, b.Features)
	}
	return a.Features()
}

// Concat joins buckets in order without deduplication; collections are never
// merged with each other.
type Concat struct{}

var _ aggregate.Interface = Concat{}

func (Concat) Merge(buckets []aggregate.Bucket) []model.Feature {
	n := 0
	for _, b := range buckets {
		n += len(b.Features)
	}
	out := make([]model.Feature, 0, n)
	for _, b := range buckets {
		out = append(out, b.Features...)
	}
	return out
}

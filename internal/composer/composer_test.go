package composer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammed-shakir/ngd-catalyst/internal/budget"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/model"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/upstream"
	"github.com/mohammed-shakir/ngd-catalyst/internal/paginate"
)

// scriptedUpstream serves ids per "collection/area" key, paging by the
// requested limit and offset.
type scriptedUpstream struct {
	calls atomic.Int32
	delay time.Duration

	mu   sync.Mutex
	data map[string][]string
	fail map[string]error
	seen []model.RequestDescriptor
}

func leafKey(d model.RequestDescriptor) string {
	area := 0
	if d.Area != nil {
		area = d.Area.Number
	}
	return fmt.Sprintf("%s/%d", d.Collection(), area)
}

func (s *scriptedUpstream) FetchPage(_ context.Context, b *budget.Budget, d model.RequestDescriptor) (model.Page, error) {
	if !b.TryAcquire() {
		return model.Page{}, budget.ErrExhausted
	}
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	s.seen = append(s.seen, d)
	ids := s.data[leafKey(d)]
	err := s.fail[leafKey(d)]
	s.mu.Unlock()

	page := model.Page{Requests: 1, Status: 200, Members: map[string]json.RawMessage{
		"type":      json.RawMessage(`"FeatureCollection"`),
		"timeStamp": json.RawMessage(`"2025-01-01T00:00:00Z"`),
		"links":     json.RawMessage(`[{"href":"https://up/items","rel":"self"}]`),
	}}
	if err != nil {
		return page, err
	}
	start := 0
	if d.HasOffset {
		start = d.Offset
	}
	end := len(ids)
	if d.Limit > 0 {
		end = min(start+d.Limit, len(ids))
	}
	for _, id := range ids[min(start, len(ids)):end] {
		page.Features = append(page.Features, json.RawMessage(`{"type":"Feature","id":"`+id+`","geometry":null,"properties":{"id":"`+id+`"}}`))
	}
	if end < len(ids) {
		page.HasNext = true
		page.Next = strconv.Itoa(end)
	}
	return page, nil
}

func ids(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return out
}

type staticResolver map[string]string

func (r staticResolver) Resolve(_ context.Context, id string) (string, error) {
	if v, ok := r[id]; ok {
		return v, nil
	}
	return "", errors.New("unknown")
}

type countingTokens struct{ n atomic.Int32 }

func (c *countingTokens) Token(context.Context) (string, error) {
	c.n.Add(1)
	return "tok", nil
}

func newComposer(up *scriptedUpstream, cfg Config) *Composer {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(log, paginate.New(log, up, 100), staticResolver{"bld-fts-building": "bld-fts-building-3"}, nil, cfg)
	c.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

func exts(es ...model.Extension) model.Extensions {
	var s model.Extensions
	for _, e := range es {
		s = s.With(e)
	}
	return s
}

func decode(t *testing.T, r *Response) map[string]any {
	t.Helper()
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("decode response: %v\n%s", err, b)
	}
	return m
}

func TestRun_TwoCollectionsWithLimit(t *testing.T) {
	up := &scriptedUpstream{data: map[string][]string{
		"lnd-fts-land-1/0":  ids("L", 150),
		"trn-ntwk-road-2/0": ids("R", 30),
	}}
	c := newComposer(up, Config{})
	d := model.RequestDescriptor{
		Collections:  []string{"trn-ntwk-road-2", "lnd-fts-land-1"},
		Limit:        120,
		RequestLimit: 10,
		Extensions:   exts(model.ExtLimit, model.ExtCol),
	}

	resp, err := c.Run(context.Background(), d)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	m := decode(t, resp)
	if m["numberReturned"] != float64(150) || m["numberOfRequests"] != float64(3) {
		t.Fatalf("numberReturned=%v numberOfRequests=%v", m["numberReturned"], m["numberOfRequests"])
	}
	byReq := m["numberOfRequestsByCollection"].(map[string]any)
	if byReq["trn-ntwk-road-2"] != float64(1) || byReq["lnd-fts-land-1"] != float64(2) {
		t.Fatalf("requests by collection=%v", byReq)
	}
	byRet := m["numberReturnedByCollection"].(map[string]any)
	if byRet["trn-ntwk-road-2"] != float64(30) || byRet["lnd-fts-land-1"] != float64(120) {
		t.Fatalf("returned by collection=%v", byRet)
	}
	if _, ok := m["links"]; ok {
		t.Fatalf("links must be dropped when extensions alter the request")
	}

	raw, _ := json.Marshal(resp)
	if strings.Index(string(raw), `"trn-ntwk-road-2":1`) > strings.Index(string(raw), `"lnd-fts-land-1":2`) {
		t.Fatalf("per-collection counts must keep caller order: %s", raw)
	}
	feats := m["features"].([]any)
	first := feats[0].(map[string]any)
	if first["collection"] != "trn-ntwk-road-2" {
		t.Fatalf("features must be concatenated in caller order, first=%v", first)
	}
}

func TestRun_SmallLimitOneRequest(t *testing.T) {
	up := &scriptedUpstream{data: map[string][]string{"c-1/0": ids("x", 500)}}
	c := newComposer(up, Config{})
	d := model.RequestDescriptor{
		Collections:  []string{"c-1"},
		Limit:        10,
		RequestLimit: 1,
		Extensions:   exts(model.ExtLimit),
	}
	resp, err := c.Run(context.Background(), d)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if up.calls.Load() != 1 || resp.Returned != 10 || resp.Requests != 1 {
		t.Fatalf("calls=%d returned=%d requests=%d", up.calls.Load(), resp.Returned, resp.Requests)
	}
}

func TestRun_BudgetCutShortIsPartial(t *testing.T) {
	up := &scriptedUpstream{data: map[string][]string{"c-1/0": ids("x", 1000)}}
	c := newComposer(up, Config{})
	d := model.RequestDescriptor{
		Collections:  []string{"c-1"},
		Limit:        500,
		RequestLimit: 2,
		Extensions:   exts(model.ExtLimit),
	}
	resp, err := c.Run(context.Background(), d)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Returned != 200 || resp.Requests != 2 || !resp.Partial {
		t.Fatalf("returned=%d requests=%d partial=%v", resp.Returned, resp.Requests, resp.Partial)
	}
	if decode(t, resp)["partial"] != true {
		t.Fatalf("budget exhaustion must show in the response body")
	}

	// the same budget with a reachable limit is not partial
	up = &scriptedUpstream{data: map[string][]string{"c-1/0": ids("x", 1000)}}
	d.Limit = 200
	resp, err = newComposer(up, Config{}).Run(context.Background(), d)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Partial {
		t.Fatalf("limit met within budget must not be partial")
	}
}

func TestRun_BudgetNeverOvershot(t *testing.T) {
	data := map[string][]string{}
	cols := []string{"a-1", "b-1", "c-1"}
	for _, col := range cols {
		for area := 1; area <= 4; area++ {
			data[fmt.Sprintf("%s/%d", col, area)] = ids(col, 400)
		}
	}
	// 0 leaves request-limit unset so the configured default of 50 applies
	for _, b := range []int{0, 1, 5, 13} {
		up := &scriptedUpstream{data: data, delay: time.Millisecond}
		c := newComposer(up, Config{MaxConcurrency: 4})
		d := model.RequestDescriptor{
			Collections:  cols,
			Limit:        300,
			RequestLimit: b,
			Geometry:     "MULTIPOINT((0 0),(1 1),(2 2),(3 3))",
			Extensions:   exts(model.ExtLimit, model.ExtGeom, model.ExtCol),
		}
		resp, err := c.Run(context.Background(), d)
		if err != nil {
			t.Fatalf("budget %d: Run: %v", b, err)
		}
		limit := int32(b)
		if b == 0 {
			limit = 50
		}
		if got := up.calls.Load(); got > limit || int32(resp.Requests) != got {
			t.Fatalf("budget %d: calls=%d reported=%d", b, got, resp.Requests)
		}
	}
}

func TestRun_GeomFlatMergesMemberships(t *testing.T) {
	up := &scriptedUpstream{data: map[string][]string{
		"c-1/1": {"a", "b"},
		"c-1/2": {"b", "c"},
	}}
	c := newComposer(up, Config{})
	d := model.RequestDescriptor{
		Collections: []string{"c-1"},
		Geometry:    "MULTIPOINT((0 0),(1 1))",
		Extensions:  exts(model.ExtGeom),
	}
	resp, err := c.Run(context.Background(), d)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	m := decode(t, resp)
	feats := m["features"].([]any)
	if len(feats) != 3 {
		t.Fatalf("want 3 merged features, got %d", len(feats))
	}
	b := feats[1].(map[string]any)
	if b["id"] != "b" {
		t.Fatalf("order: second feature=%v", b["id"])
	}
	areas, ok := b["searchAreaNumber"].([]any)
	if !ok || len(areas) != 2 || areas[0] != float64(1) || areas[1] != float64(2) {
		t.Fatalf("searchAreaNumber=%v", b["searchAreaNumber"])
	}
	if props := b["properties"].(map[string]any); props["searchAreaNumber"] == nil || props["collection"] != "c-1" {
		t.Fatalf("properties not annotated: %v", props)
	}
	if feats[0].(map[string]any)["searchAreaNumber"] != float64(1) {
		t.Fatalf("single membership must be a number")
	}
	if m["numberOfRequests"] != float64(2) {
		t.Fatalf("numberOfRequests=%v", m["numberOfRequests"])
	}
}

func TestRun_HierarchicalGeomAndCol(t *testing.T) {
	up := &scriptedUpstream{data: map[string][]string{
		"a-1/1": {"x"},
		"a-1/2": {"x", "y"},
		"b-2/1": {},
		"b-2/2": {"z"},
	}}
	c := newComposer(up, Config{})
	d := model.RequestDescriptor{
		Collections:  []string{"b-2", "a-1"},
		Geometry:     "MULTIPOINT((0 0),(1 1))",
		Hierarchical: true,
		Extensions:   exts(model.ExtGeom, model.ExtCol),
	}
	resp, err := c.Run(context.Background(), d)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	raw, _ := json.Marshal(resp)
	if !strings.HasPrefix(string(raw), `{"b-2":`) {
		t.Fatalf("collections must keep caller order: %s", raw)
	}
	m := decode(t, resp)
	a := m["a-1"].(map[string]any)["searchAreas"].([]any)
	if len(a) != 2 {
		t.Fatalf("want 2 search areas, got %d", len(a))
	}
	second := a[1].(map[string]any)
	if second["searchAreaNumber"] != float64(2) || second["numberReturned"] != float64(2) || second["numberOfRequests"] != float64(1) {
		t.Fatalf("area 2 leaf=%v", second)
	}
	if resp.Returned != 4 {
		t.Fatalf("hierarchical output is not deduplicated, returned=%d", resp.Returned)
	}
}

func TestRun_PlainRequestPassesLinksThrough(t *testing.T) {
	up := &scriptedUpstream{data: map[string][]string{"c-1/0": ids("p", 3)}}
	c := newComposer(up, Config{})
	resp, err := c.Run(context.Background(), model.RequestDescriptor{Collections: []string{"c-1"}, Limit: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	m := decode(t, resp)
	if _, ok := m["links"]; !ok {
		t.Fatalf("plain request must keep links: %v", m)
	}
	if m["timeStamp"] != "2025-01-01T00:00:00Z" || m["numberReturned"] != float64(2) {
		t.Fatalf("upstream members not passed through: %v", m)
	}
}

func TestRun_FatalLeafAbortsCall(t *testing.T) {
	up := &scriptedUpstream{
		data: map[string][]string{"a-1/0": ids("a", 5)},
		fail: map[string]error{"b-1/0": &upstream.Error{Kind: upstream.KindRequest, Status: 404}},
	}
	c := newComposer(up, Config{})
	_, err := c.Run(context.Background(), model.RequestDescriptor{
		Collections: []string{"a-1", "b-1"},
		Extensions:  exts(model.ExtCol),
	})
	if k, _ := upstream.KindOf(err); k != upstream.KindRequest {
		t.Fatalf("want request error, got %v", err)
	}
}

func TestRun_TimeoutMarksLeafPartial(t *testing.T) {
	timeout := &upstream.Error{Kind: upstream.KindTimeout, Status: 504}
	up := &scriptedUpstream{
		data: map[string][]string{"c-1/1": {"a"}},
		fail: map[string]error{"c-1/2": timeout},
	}
	c := newComposer(up, Config{})
	d := model.RequestDescriptor{
		Collections: []string{"c-1"},
		Geometry:    "MULTIPOINT((0 0),(1 1))",
		Extensions:  exts(model.ExtGeom),
	}
	resp, err := c.Run(context.Background(), d)
	if err != nil {
		t.Fatalf("a timed-out sibling must not fail the call: %v", err)
	}
	if !resp.Partial || resp.Returned != 1 {
		t.Fatalf("partial=%v returned=%d", resp.Partial, resp.Returned)
	}
	if decode(t, resp)["partial"] != true {
		t.Fatalf("partial flag missing from body")
	}

	up.fail["c-1/1"] = timeout
	if _, err := c.Run(context.Background(), d); !errors.Is(err, timeout) {
		t.Fatalf("all leaves timed out: want timeout error, got %v", err)
	}
}

func TestRun_UseLatestCollectionAndAuth(t *testing.T) {
	up := &scriptedUpstream{data: map[string][]string{"bld-fts-building-3/0": ids("b", 2)}}
	tokens := &countingTokens{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(log, paginate.New(log, up, 100), staticResolver{"bld-fts-building": "bld-fts-building-3"}, tokens, Config{})

	resp, err := c.Run(context.Background(), model.RequestDescriptor{
		Collections:         []string{"bld-fts-building"},
		UseLatestCollection: true,
		Extensions:          exts(model.ExtAuth),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Returned != 2 || tokens.n.Load() != 1 {
		t.Fatalf("returned=%d token calls=%d", resp.Returned, tokens.n.Load())
	}
	if got := up.seen[0].Collection(); got != "bld-fts-building-3" {
		t.Fatalf("resolved collection=%s", got)
	}
}

func TestRun_AuthWithoutCredentials(t *testing.T) {
	up := &scriptedUpstream{data: map[string][]string{}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(log, paginate.New(log, up, 100), nil, nil, Config{})

	_, err := c.Run(context.Background(), model.RequestDescriptor{
		Collections: []string{"bld-fts-building-3"},
		Extensions:  exts(model.ExtAuth),
	})
	if k, ok := upstream.KindOf(err); !ok || k != upstream.KindAuth {
		t.Fatalf("want auth error, got %v", err)
	}
	if len(up.seen) != 0 {
		t.Fatalf("upstream called without credentials")
	}
}

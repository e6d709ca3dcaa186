package upstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammed-shakir/ngd-catalyst/internal/budget"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/model"
)

type upstreamRecorder struct {
	mu        sync.Mutex
	calls     int
	lastPath  string
	lastQuery url.Values
	authz     []string
	respond   func(n int, w http.ResponseWriter, r *http.Request)
}

func (u *upstreamRecorder) handler(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.calls++
	n := u.calls
	u.lastPath = r.URL.Path
	u.lastQuery = r.URL.Query()
	u.authz = append(u.authz, r.Header.Get("Authorization"))
	u.mu.Unlock()
	u.respond(n, w, r)
}

func (u *upstreamRecorder) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

type fakeCreds struct {
	refreshes atomic.Int32
}

func (f *fakeCreds) Token(context.Context) (string, error) { return "tok-0", nil }

func (f *fakeCreds) Refresh(_ context.Context, _ string) (string, error) {
	f.refreshes.Add(1)
	return "tok-1", nil
}

func newTestClient(t *testing.T, up *upstreamRecorder, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(up.handler))
	t.Cleanup(srv.Close)
	c, err := New(slog.New(slog.NewTextHandler(io.Discard, nil)), srv.Client(), srv.URL+"/features/ngd/ofa/v1", opts...)
	if err != nil {
		t.Fatalf("upstream.New: %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

const twoFeaturesWithNext = `{"type":"FeatureCollection","numberReturned":2,
"features":[{"type":"Feature","id":"a","properties":{}},{"type":"Feature","id":"b","properties":{}}],
"links":[{"href":"https://x/items?limit=2&offset=2","rel":"next"},{"href":"https://x/items","rel":"self"}]}`

func TestFetchPage_ParsesFeaturesAndCursor(t *testing.T) {
	up := &upstreamRecorder{respond: func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, twoFeaturesWithNext)
	}}
	c := newTestClient(t, up)
	b := budget.New(5)

	d := model.RequestDescriptor{
		Collections:  []string{"bld-fts-buildingpart-1"},
		FilterParams: map[string]any{"theme": "Buildings"},
		Limit:        2,
	}
	page, err := c.FetchPage(context.Background(), b, d)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(page.Features) != 2 || !page.HasNext || page.Next != "2" {
		t.Fatalf("page=%+v", page)
	}
	if page.Requests != 1 || b.Used() != 1 {
		t.Fatalf("requests=%d used=%d", page.Requests, b.Used())
	}
	if _, ok := page.Members["features"]; ok {
		t.Fatalf("features must not be kept in members")
	}
	if !strings.HasSuffix(up.lastPath, "/collections/bld-fts-buildingpart-1/items") {
		t.Fatalf("path=%s", up.lastPath)
	}
	if up.lastQuery.Get("filter") != "(theme='Buildings')" || up.lastQuery.Get("limit") != "2" {
		t.Fatalf("query=%v", up.lastQuery)
	}
}

func TestFetchPage_RefreshesOnceOn401(t *testing.T) {
	up := &upstreamRecorder{respond: func(n int, w http.ResponseWriter, _ *http.Request) {
		if n == 1 {
			writeJSON(w, 401, `{"fault":{"faultstring":"Invalid Access Token"}}`)
			return
		}
		writeJSON(w, 200, `{"type":"FeatureCollection","features":[]}`)
	}}
	creds := &fakeCreds{}
	c := newTestClient(t, up, WithCredentials(creds))
	b := budget.New(10)

	d := model.RequestDescriptor{Collections: []string{"c-1"}, Extensions: model.Extensions(model.ExtAuth)}
	page, err := c.FetchPage(context.Background(), b, d)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if creds.refreshes.Load() != 1 || up.count() != 2 {
		t.Fatalf("refreshes=%d calls=%d", creds.refreshes.Load(), up.count())
	}
	if page.Requests != 2 || b.Used() != 2 {
		t.Fatalf("retry must consume budget: requests=%d used=%d", page.Requests, b.Used())
	}
	if up.authz[0] != "Bearer tok-0" || up.authz[1] != "Bearer tok-1" {
		t.Fatalf("authorization headers=%v", up.authz)
	}
}

func TestFetchPage_Second401IsAuthError(t *testing.T) {
	up := &upstreamRecorder{respond: func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 401, `{}`)
	}}
	creds := &fakeCreds{}
	c := newTestClient(t, up, WithCredentials(creds))

	d := model.RequestDescriptor{Collections: []string{"c-1"}, Extensions: model.Extensions(model.ExtAuth)}
	_, err := c.FetchPage(context.Background(), budget.New(10), d)
	if k, ok := KindOf(err); !ok || k != KindAuth {
		t.Fatalf("want auth error, got %v", err)
	}
	if up.count() != 2 || creds.refreshes.Load() != 1 {
		t.Fatalf("calls=%d refreshes=%d", up.count(), creds.refreshes.Load())
	}
}

func TestFetchPage_NoBudgetNoCall(t *testing.T) {
	up := &upstreamRecorder{respond: func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, `{"features":[]}`)
	}}
	c := newTestClient(t, up)
	page, err := c.FetchPage(context.Background(), budget.New(0), model.RequestDescriptor{Collections: []string{"c-1"}})
	if !errors.Is(err, budget.ErrExhausted) {
		t.Fatalf("want ErrExhausted, got %v", err)
	}
	if up.count() != 0 || page.Requests != 0 {
		t.Fatalf("no request expected, calls=%d", up.count())
	}
}

func TestFetchPage_ForwardsAuthorizationWithoutAuthExtension(t *testing.T) {
	up := &upstreamRecorder{respond: func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 401, `{"code":401,"description":"Missing key"}`)
	}}
	c := newTestClient(t, up, WithCredentials(&fakeCreds{}))
	d := model.RequestDescriptor{Collections: []string{"c-1"}, Authorization: "Bearer caller"}
	_, err := c.FetchPage(context.Background(), budget.New(3), d)

	var ue *Error
	if !errors.As(err, &ue) || ue.Kind != KindRequest || ue.HTTPStatus() != 401 {
		t.Fatalf("want pass-through 401 request error, got %v", err)
	}
	if up.count() != 1 || up.authz[0] != "Bearer caller" {
		t.Fatalf("calls=%d authz=%v", up.count(), up.authz)
	}
}

func TestFetchPage_StatusClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   Kind
		http   int
	}{
		{"not found", 404, `{"code":404,"description":"Collection not found"}`, KindRequest, 404},
		{"bad request", 400, `{"code":400,"description":"Invalid filter"}`, KindRequest, 400},
		{"non json", 400, `<html>Request-URI Too Long</html>`, KindRequest, 414},
		{"gateway timeout", 504, `{}`, KindTimeout, 504},
		{"server error", 500, `oops`, KindUnavailable, 502},
		{"ok but html", 200, `<html></html>`, KindRequest, 414},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			up := &upstreamRecorder{respond: func(_ int, w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, tc.status, tc.body)
			}}
			c := newTestClient(t, up)
			_, err := c.FetchPage(context.Background(), budget.New(1), model.RequestDescriptor{Collections: []string{"c-1"}})
			var ue *Error
			if !errors.As(err, &ue) {
				t.Fatalf("want *Error, got %v", err)
			}
			if ue.Kind != tc.kind || ue.HTTPStatus() != tc.http {
				t.Fatalf("kind=%s status=%d, want %s %d", ue.Kind, ue.HTTPStatus(), tc.kind, tc.http)
			}
		})
	}
}

func TestFetchPage_TransportTimeout(t *testing.T) {
	up := &upstreamRecorder{respond: func(_ int, w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		writeJSON(w, 200, `{"features":[]}`)
	}}
	srv := httptest.NewServer(http.HandlerFunc(up.handler))
	defer srv.Close()

	hc := srv.Client()
	hc.Timeout = 50 * time.Millisecond
	c, err := New(nil, hc, srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b := budget.New(2)
	page, err := c.FetchPage(context.Background(), b, model.RequestDescriptor{Collections: []string{"c-1"}})
	if k, _ := KindOf(err); k != KindTimeout {
		t.Fatalf("want timeout, got %v", err)
	}
	if page.Requests != 1 || b.Used() != 1 {
		t.Fatalf("timed out attempt still consumes budget: requests=%d used=%d", page.Requests, b.Used())
	}
}

func TestFetchCollections(t *testing.T) {
	up := &upstreamRecorder{respond: func(_ int, w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, `{"collections":[{"id":"bld-fts-building-1"}]}`)
	}}
	c := newTestClient(t, up)
	raw, err := c.FetchCollections(context.Background())
	if err != nil {
		t.Fatalf("FetchCollections: %v", err)
	}
	if !strings.Contains(string(raw), "bld-fts-building-1") || !strings.HasSuffix(up.lastPath, "/collections") {
		t.Fatalf("raw=%s path=%s", raw, up.lastPath)
	}
}

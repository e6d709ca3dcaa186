// Package upstream issues single items requests against the NGD Features API
// and classifies their failures.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mohammed-shakir/ngd-catalyst/internal/budget"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/model"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/observability"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/ogc"
	mylog "github.com/mohammed-shakir/ngd-catalyst/internal/logger"
	"github.com/mohammed-shakir/ngd-catalyst/internal/telemetry"
)

const maxErrorBody = 64 << 10

// Credentials supplies bearer tokens for the auth extension.
type Credentials interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context, stale string) (string, error)
}

type Client struct {
	logger   *slog.Logger
	client   *http.Client
	baseURL  *url.URL
	creds    Credentials
	sink     telemetry.Sink
	startNow func() time.Time // for tests
}

type Option func(*Client)

func WithCredentials(c Credentials) Option { return func(cl *Client) { cl.creds = c } }

func WithTelemetry(s telemetry.Sink) Option {
	return func(cl *Client) {
		if s != nil {
			cl.sink = s
		}
	}
}

func New(logger *slog.Logger, client *http.Client, base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream url %q must be absolute", base)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		logger:   logger,
		client:   client,
		baseURL:  u,
		sink:     telemetry.Nop{},
		startNow: time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) BaseURL() string { return c.baseURL.String() }

// FetchPage issues one items request for the descriptor's single collection.
// Every attempt, including the retry after a 401, takes one unit of budget
// first; with no budget left no request is made and budget.ErrExhausted is
// returned. Page.Requests is set even when an error is returned.
func (c *Client) FetchPage(ctx context.Context, b *budget.Budget, d model.RequestDescriptor) (model.Page, error) {
	var page model.Page
	collection := d.Collection()

	params, err := ogc.BuildItemsParams(d)
	if err != nil {
		return page, &Error{Kind: KindRequest, Status: http.StatusBadRequest, Collection: collection,
			Description: err.Error(), Err: err}
	}
	endpoint := ogc.ItemsEndpoint(c.baseURL.String(), collection)

	useAuth := c.creds != nil && d.Extensions.Has(model.ExtAuth)
	token := ""
	if useAuth {
		token, err = c.creds.Token(ctx)
		if err != nil {
			return page, authError(collection, err)
		}
	}

	for attempt := 0; ; attempt++ {
		if !b.TryAcquire() {
			observability.IncBudgetExhausted()
			if attempt > 0 {
				return page, authError(collection, errors.New("token rejected and no request budget left to retry"))
			}
			return page, budget.ErrExhausted
		}
		page.Requests++

		authz := d.Authorization
		if useAuth {
			authz = "Bearer " + token
		}
		status, body, err := c.get(ctx, collection, endpoint, params, authz)
		if err != nil {
			observability.IncUpstreamRequest(classifyTransport(err).String())
			return page, &Error{Kind: classifyTransport(err), Collection: collection,
				Description: "OS NGD API request failed", Err: err}
		}
		page.Status = status

		if status == http.StatusUnauthorized && useAuth {
			observability.IncUpstreamRequest(KindAuth.String())
			if attempt > 0 {
				return page, authError(collection, errors.New("token rejected after refresh"))
			}
			c.logger.InfoContext(ctx, "upstream rejected token, refreshing", "collection", collection)
			token, err = c.creds.Refresh(ctx, token)
			if err != nil {
				return page, authError(collection, err)
			}
			continue
		}

		if err := parseItems(&page, collection, status, body); err != nil {
			var ue *Error
			if errors.As(err, &ue) {
				observability.IncUpstreamRequest(ue.Kind.String())
			}
			return page, err
		}
		observability.IncUpstreamRequest("ok")
		return page, nil
	}
}

func (c *Client) get(ctx context.Context, collection, endpoint string, params url.Values, authz string) (int, []byte, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return 0, nil, fmt.Errorf("build url: %w", err)
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/geo+json, application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}

	start := c.startNow()
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body []byte
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err = io.ReadAll(resp.Body)
	} else {
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	}
	if err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}

	dur := time.Since(start)
	observability.ObserveUpstreamLatency("ngd", dur.Seconds())
	c.logger.DebugContext(ctx, "upstream items request",
		"collection", collection,
		"status", resp.StatusCode,
		"duration", dur.String())
	c.publish(ctx, u, collection, params, resp.StatusCode, body, dur)

	return resp.StatusCode, body, nil
}

func (c *Client) publish(ctx context.Context, u *url.URL, collection string, params url.Values, status int, body []byte, dur time.Duration) {
	if _, ok := c.sink.(telemetry.Nop); ok {
		return
	}
	ev := telemetry.Event{
		Method:     http.MethodGet,
		Path:       u.Path,
		Collection: collection,
		Query:      make(map[string]string, len(params)),
		Status:     status,
		DurationMS: float64(dur) / float64(time.Millisecond),
		TS:         c.startNow().UTC(),
		RequestID:  mylog.RequestIDFrom(ctx),
	}
	for k := range params {
		ev.Query[k] = params.Get(k)
	}
	if status == http.StatusOK {
		var doc struct {
			Features []json.RawMessage `json:"features"`
		}
		if json.Unmarshal(body, &doc) == nil {
			ev.NumberReturned = len(doc.Features)
			ev.BBox = telemetry.FeaturesBBox(doc.Features)
		}
	}
	c.sink.Publish(ctx, ev)
}

func classifyTransport(err error) Kind {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return KindTimeout
	}
	return KindUnavailable
}

func parseItems(page *model.Page, collection string, status int, body []byte) error {
	switch {
	case status == http.StatusGatewayTimeout:
		return &Error{Kind: KindTimeout, Status: status, Collection: collection,
			Description: "OS NGD API timed out"}
	case status >= 500:
		return &Error{Kind: KindUnavailable, Status: status, Collection: collection,
			Description: fmt.Sprintf("OS NGD API unavailable (status %d)", status)}
	case status >= 400:
		if !json.Valid(body) {
			return tooComplexError(collection)
		}
		return requestError(collection, status, body)
	case status < 200 || status >= 300:
		return &Error{Kind: KindUnavailable, Status: status, Collection: collection,
			Description: fmt.Sprintf("unexpected upstream status %d", status)}
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return tooComplexError(collection)
	}
	if raw, ok := doc["features"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &page.Features); err != nil {
			return &Error{Kind: KindUnavailable, Status: status, Collection: collection,
				Description: "malformed features array", Err: err}
		}
	}
	delete(doc, "features")
	page.Members = doc
	page.Next, page.HasNext = nextCursor(doc["links"])
	return nil
}

// nextCursor returns the offset carried by the rel=next link. HasNext is true
// whenever such a link exists, even if its offset cannot be read.
func nextCursor(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var links []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	}
	if err := json.Unmarshal(raw, &links); err != nil {
		return "", false
	}
	for _, l := range links {
		if l.Rel != "next" {
			continue
		}
		u, err := url.Parse(l.Href)
		if err != nil {
			return "", true
		}
		off := u.Query().Get("offset")
		if _, err := strconv.Atoi(off); err != nil {
			return "", true
		}
		return off, true
	}
	return "", false
}

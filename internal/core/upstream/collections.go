package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mohammed-shakir/ngd-catalyst/internal/core/observability"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/ogc"
)

// FetchCollections reads the upstream /collections document. Metadata
// lookups are not items requests and do not draw on a request budget.
func (c *Client) FetchCollections(ctx context.Context) (json.RawMessage, error) {
	endpoint := ogc.CollectionsEndpoint(c.baseURL.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.creds != nil {
		tok, err := c.creds.Token(ctx)
		if err != nil {
			return nil, authError("", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := c.startNow()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: classifyTransport(err), Description: "OS NGD API collections request failed", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	observability.ObserveUpstreamLatency("ngd_collections", time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		// parseItems classifies every non-2xx status as an error
		return nil, parseItems(nil, "", resp.StatusCode, b)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if !json.Valid(b) {
		return nil, &Error{Kind: KindUnavailable, Status: resp.StatusCode, Description: "collections document is not JSON"}
	}
	return json.RawMessage(b), nil
}

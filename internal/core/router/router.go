package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/ngd-catalyst/internal/composer"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/model"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/observability"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/ogc"
	"github.com/mohammed-shakir/ngd-catalyst/internal/fanout"
	mylog "github.com/mohammed-shakir/ngd-catalyst/internal/logger"
)

// MultiCollection is the path segment used in place of a collection id on
// col routes.
const MultiCollection = "multi-collection"

// Querier runs one parsed items query.
type Querier interface {
	Run(ctx context.Context, d model.RequestDescriptor) (*composer.Response, error)
}

var ngdParams = []string{"bbox", "bbox-crs", "crs", "datetime", "filter", "filter-crs", "filter-lang", "limit", "offset"}

// catalystParams lists the wrapper parameters accepted for a set of extensions.
func catalystParams(ext model.Extensions) []string {
	out := []string{"wkt", "use-latest-collection", "filter-params"}
	if ext.Has(model.ExtLimit) {
		out = append(out, "request-limit")
	}
	if ext.Has(model.ExtGeom) || ext.Has(model.ExtCol) {
		out = append(out, "hierarchical-output")
	}
	if ext.Has(model.ExtCol) {
		out = append(out, "collection")
	}
	return out
}

// HandleItems serves the single-collection items routes. multi selects the
// multi-collection form, which requires the col extension.
func HandleItems(logger *slog.Logger, q Querier, multi bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, routePattern(r), sw.code, time.Since(start).Seconds())
		}()

		ext, err := routeExtensions(chi.URLParam(r, "extensions"), multi)
		if err != nil {
			writeError(r.Context(), logger, sw, err)
			return
		}
		collection := ""
		if !multi {
			collection = chi.URLParam(r, "collection")
			if collection == MultiCollection {
				writeError(r.Context(), logger, sw, &Error{Status: http.StatusNotFound,
					Description: "multi-collection routes must include the col extension"})
				return
			}
		}

		d, err := ParseItemsRequest(r, ext, collection)
		if err != nil {
			writeError(r.Context(), logger, sw, err)
			return
		}

		ctx := mylog.WithCollection(r.Context(), collection)
		resp, err := q.Run(ctx, d)
		if err != nil {
			writeError(ctx, logger, sw, err)
			return
		}
		writeJSON(sw, http.StatusOK, resp)
	}
}

// routeExtensions validates the {extensions} path segment. col only exists
// on the multi-collection route and is mandatory there.
func routeExtensions(raw string, multi bool) (model.Extensions, error) {
	ext, err := model.ParseExtensions(raw)
	if err != nil {
		return 0, &Error{Status: http.StatusNotFound, Description: err.Error()}
	}
	switch {
	case multi && !ext.Has(model.ExtCol):
		return 0, &Error{Status: http.StatusNotFound,
			Description: "multi-collection routes must include the col extension"}
	case !multi && ext.Has(model.ExtCol):
		return 0, &Error{Status: http.StatusNotFound,
			Description: "the col extension is only available on the multi-collection route"}
	}
	return ext, nil
}

// ParseItemsRequest turns query parameters into a request descriptor.
// collection is the path collection, empty on the multi-collection route.
func ParseItemsRequest(r *http.Request, ext model.Extensions, collection string) (model.RequestDescriptor, error) {
	vals := r.URL.Query()
	catalyst := catalystParams(ext)
	for k := range vals {
		if !slices.Contains(ngdParams, k) && !slices.Contains(catalyst, k) {
			return model.RequestDescriptor{}, badParam(fmt.Sprintf(
				"Not supported query parameter: %q. Supported NGD parameters are: %s. Additional supported Catalyst parameters for this function are: %s.",
				k, strings.Join(ngdParams, ", "), strings.Join(catalyst, ", ")))
		}
	}

	get := func(k string) string { return strings.TrimSpace(vals.Get(k)) }

	d := model.RequestDescriptor{
		Extensions: ext,
		Query: model.QueryParams{
			BBox:       get("bbox"),
			BBoxCRS:    get("bbox-crs"),
			CRS:        get("crs"),
			Datetime:   get("datetime"),
			Filter:     get("filter"),
			FilterCRS:  get("filter-crs"),
			FilterLang: get("filter-lang"),
		},
	}

	if d.Query.BBox != "" {
		if err := checkBBox(d.Query.BBox); err != nil {
			return d, badParam(fmt.Sprintf("invalid bbox: %v", err))
		}
	}

	var err error
	if d.Limit, err = intParam(vals, "limit", 1); err != nil {
		return d, err
	}
	if vals.Has("offset") {
		if ext.Has(model.ExtLimit) {
			return d, badParam("'offset' is not a valid attribute for functions using this Catalyst wrapper.")
		}
		if d.Offset, err = intParam(vals, "offset", 0); err != nil {
			return d, err
		}
		d.HasOffset = true
	}
	if d.RequestLimit, err = intParam(vals, "request-limit", 1); err != nil {
		return d, err
	}
	if d.Hierarchical, err = boolParam(vals, "hierarchical-output"); err != nil {
		return d, err
	}
	if d.UseLatestCollection, err = boolParam(vals, "use-latest-collection"); err != nil {
		return d, err
	}

	if raw := get("filter-params"); raw != "" {
		var fp map[string]any
		if err := json.Unmarshal([]byte(raw), &fp); err != nil {
			return d, badParam("filter-params must be a JSON object of attribute names to values")
		}
		if err := ogc.CheckFilterParams(fp); err != nil {
			return d, badParam(err.Error())
		}
		d.FilterParams = fp
	}

	d.Geometry = get("wkt")
	if ext.Has(model.ExtGeom) && d.Geometry == "" {
		return d, badParam("missing required parameter: wkt")
	}
	if d.Geometry != "" {
		if _, err := ogc.ParseGeometry(d.Geometry); err != nil {
			return d, err
		}
	}

	if ext.Has(model.ExtCol) {
		if !vals.Has("collection") {
			return d, badParam("missing required parameter: collection")
		}
		cols, err := fanout.ParseList(vals.Get("collection"))
		if err != nil {
			return d, err
		}
		d.Collections = cols
	} else {
		d.Collections = []string{collection}
	}

	if !ext.Has(model.ExtAuth) {
		d.Authorization = r.Header.Get("Authorization")
	}
	return d, nil
}

func intParam(vals map[string][]string, k string, lowest int) (int, error) {
	raw := ""
	if v, ok := vals[k]; ok && len(v) > 0 {
		raw = strings.TrimSpace(v[0])
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lowest {
		return 0, badParam(fmt.Sprintf("%s must be an integer >= %d (got %q)", k, lowest, raw))
	}
	return n, nil
}

func boolParam(vals map[string][]string, k string) (bool, error) {
	v, ok := vals[k]
	if !ok || len(v) == 0 || strings.TrimSpace(v[0]) == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(v[0])))
	if err != nil {
		return false, badParam(fmt.Sprintf("%s must be true or false (got %q)", k, v[0]))
	}
	return b, nil
}

// checkBBox accepts 4 or 6 comma-separated numbers.
func checkBBox(raw string) error {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 && len(parts) != 6 {
		return errors.New("expected 4 or 6 comma-separated numbers")
	}
	for i, p := range parts {
		if _, err := strconv.ParseFloat(strings.TrimSpace(p), 64); err != nil {
			return fmt.Errorf("value %d: %w", i+1, err)
		}
	}
	return nil
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"code":500,"description":"encode response","errorSource":"Catalyst Wrapper"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

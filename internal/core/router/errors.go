package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mohammed-shakir/ngd-catalyst/internal/catalog"
	"github.com/mohammed-shakir/ngd-catalyst/internal/composer"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/ogc"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/upstream"
	"github.com/mohammed-shakir/ngd-catalyst/internal/fanout"
	"github.com/mohammed-shakir/ngd-catalyst/internal/paginate"
)

const (
	SourceWrapper  = "Catalyst Wrapper"
	SourceUpstream = "OS NGD API"

	collectionsHelp = "https://api.os.uk/features/ngd/ofa/v1/collections"
	wktHelp         = "http://libgeos.org/specifications/wkt/"
)

// Error is a gateway-side failure rendered as a JSON error body.
type Error struct {
	Status      int
	Description string
	Help        string
}

func (e *Error) Error() string { return e.Description }

func badParam(desc string) *Error {
	return &Error{Status: http.StatusBadRequest, Description: desc}
}

// errorBody builds the JSON error document and status for err.
func errorBody(err error) (int, map[string]any) {
	body := map[string]any{}

	var ge *Error
	var ue *upstream.Error
	switch {
	case errors.As(err, &ge):
		body["code"] = ge.Status
		body["description"] = ge.Description
		if ge.Help != "" {
			body["help"] = ge.Help
		}
		body["errorSource"] = SourceWrapper
		return ge.Status, body

	case errors.As(err, &ue):
		status := ue.HTTPStatus()
		if len(ue.Body) > 0 && json.Unmarshal(ue.Body, &body) == nil && len(body) > 0 {
			if d, ok := body["description"].(string); ok && strings.HasPrefix(d, "Not supported query parameter") {
				body["description"] = strings.Replace(d, "Supported parameters are", "Supported NGD parameters are", 1)
			}
		} else {
			body = map[string]any{"description": ue.Description}
		}
		if _, ok := body["code"]; !ok {
			body["code"] = status
		}
		if status == http.StatusRequestURITooLong {
			body["help"] = upstream.TooComplexHint
		}
		body["errorSource"] = SourceUpstream
		return status, body

	case errors.Is(err, catalog.ErrNotFound):
		return wrapper(body, http.StatusNotFound, err.Error()+
			". The name must not include a version suffix. Please refer to the documentation for a list of supported Collections.",
			collectionsHelp)

	case errors.Is(err, ogc.ErrInvalidGeometry):
		return wrapper(body, http.StatusBadRequest, err.Error(), wktHelp)

	case errors.Is(err, fanout.ErrNoCollections),
		errors.Is(err, fanout.ErrDuplicateCollection),
		errors.Is(err, composer.ErrSingleCollection),
		errors.Is(err, paginate.ErrOffsetNotAllowed):
		return wrapper(body, http.StatusBadRequest, err.Error(), "")

	case errors.Is(err, context.DeadlineExceeded):
		return wrapper(body, http.StatusGatewayTimeout, "request timed out", "")
	}
	return wrapper(body, http.StatusInternalServerError, "internal error", "")
}

func wrapper(body map[string]any, status int, desc, help string) (int, map[string]any) {
	body["code"] = status
	body["description"] = desc
	if help != "" {
		body["help"] = help
	}
	body["errorSource"] = SourceWrapper
	return status, body
}

func writeError(ctx context.Context, logger *slog.Logger, w http.ResponseWriter, err error) {
	status, body := errorBody(err)
	lvl := slog.LevelInfo
	if status >= 500 {
		lvl = slog.LevelWarn
	}
	logger.Log(ctx, lvl, "request failed", "status", status, "err", err)
	writeJSON(w, status, body)
}

// NotFound and MethodNotAllowed render chi's fallbacks in the same shape.
func NotFound(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeError(r.Context(), logger, w, &Error{Status: http.StatusNotFound,
			Description: "no route for " + r.URL.Path})
	}
}

func MethodNotAllowed(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", "GET, OPTIONS")
		writeError(r.Context(), logger, w, &Error{Status: http.StatusMethodNotAllowed,
			Description: "method " + r.Method + " is not allowed"})
	}
}

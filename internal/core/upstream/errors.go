package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an upstream failure; the composer decides per kind whether
// the whole call aborts.
type Kind int

const (
	KindRequest Kind = iota + 1
	KindAuth
	KindTimeout
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request_error"
	case KindAuth:
		return "auth_error"
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// TooComplexHint is returned when the upstream answers with a non-JSON body,
// which in practice means the query string was rejected before the API saw it.
const TooComplexHint = "URI too long or geometry too complex; simplify the search geometry or reduce attribute filters"

type Error struct {
	Kind        Kind
	Status      int
	Body        json.RawMessage // upstream error document, when it sent JSON
	Description string
	Collection  string
	Err         error
}

func (e *Error) Error() string {
	msg := e.Description
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Collection != "" {
		return fmt.Sprintf("upstream %s (status %d, collection %s): %s", e.Kind, e.HTTPStatus(), e.Collection, msg)
	}
	return fmt.Sprintf("upstream %s (status %d): %s", e.Kind, e.HTTPStatus(), msg)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus is the status the gateway answers with for this failure.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUnavailable:
		return http.StatusBadGateway
	default:
		if e.Status >= 400 {
			return e.Status
		}
		return http.StatusBadRequest
	}
}

// KindOf extracts the failure kind from a wrapped error.
func KindOf(err error) (Kind, bool) {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind, true
	}
	return 0, false
}

func authError(collection string, err error) *Error {
	return &Error{Kind: KindAuth, Status: http.StatusUnauthorized, Collection: collection,
		Description: "authentication with the OS NGD API failed", Err: err}
}

func requestError(collection string, status int, body []byte) *Error {
	e := &Error{Kind: KindRequest, Status: status, Collection: collection}
	if json.Valid(body) {
		e.Body = json.RawMessage(body)
		e.Description = describe(body)
	}
	if e.Description == "" {
		e.Description = http.StatusText(status)
	}
	return e
}

func tooComplexError(collection string) *Error {
	return &Error{Kind: KindRequest, Status: http.StatusRequestURITooLong, Collection: collection,
		Description: TooComplexHint}
}

// describe pulls a human-readable message out of an upstream error document.
func describe(body []byte) string {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}
	for _, k := range []string{"description", "detail", "title", "message"} {
		if s, ok := doc[k].(string); ok && s != "" {
			return s
		}
	}
	if c, ok := doc["code"].(string); ok {
		return c
	}
	return ""
}

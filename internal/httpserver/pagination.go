package httpserver

import (
	"net/http"
	"strconv"
)

const (
	// DefaultPageSize is the default number of items per page.
	DefaultPageSize = 25
	// MaxPageSize is the maximum allowed page size.
	MaxPageSize = 100
)

// LimitOffset holds parsed ?limit&offset query parameters.
type LimitOffset struct {
	Limit  int
	Offset int
}

// ParseLimitOffset extracts limit/offset pagination parameters from the
// request, clamping the limit to MaxPageSize.
func ParseLimitOffset(r *http.Request) (LimitOffset, error) {
	p := LimitOffset{Limit: DefaultPageSize}

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, NewError(http.StatusBadRequest, "limit must be a positive integer")
		}
		if n > MaxPageSize {
			n = MaxPageSize
		}
		p.Limit = n
	}

	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, NewError(http.StatusBadRequest, "offset must be a non-negative integer")
		}
		p.Offset = n
	}

	return p, nil
}

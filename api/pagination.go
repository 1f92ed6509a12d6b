package api

import (
	"net/http"
	"strconv"
)

// Page size bounds for GET /users.
const (
	defaultPageLimit = 50
	maxPageLimit     = 100
)

// PaginationMeta is embedded in paginated list responses.
type PaginationMeta struct {
	TotalCount int  `json:"total_count"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
}

type page struct {
	limit  int
	offset int
}

// pageFromRequest reads ?limit= and ?offset=. Values that are missing, not
// numbers or not positive fall back to the defaults; limit is capped.
func pageFromRequest(r *http.Request) page {
	p := page{limit: defaultPageLimit}
	q := r.URL.Query()
	if n, ok := positiveInt(q.Get("limit")); ok {
		p.limit = min(n, maxPageLimit)
	}
	if n, ok := positiveInt(q.Get("offset")); ok {
		p.offset = n
	}
	return p
}

func positiveInt(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// paginate returns the window of items selected by p. An offset past the
// end yields an empty window.
func paginate[T any](items []T, p page) ([]T, PaginationMeta) {
	start := min(p.offset, len(items))
	end := min(start+p.limit, len(items))
	return items[start:end], PaginationMeta{
		TotalCount: len(items),
		Limit:      p.limit,
		Offset:     p.offset,
		HasMore:    end < len(items),
	}
}

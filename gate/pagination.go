package gate

import (
	"net/http"
	"strconv"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 500
)

// PaginationMeta is embedded in paginated list responses.
type PaginationMeta struct {
	TotalCount int  `json:"total_count"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
}

// queryInt returns the positive integer query parameter name, or def.
func queryInt(r *http.Request, name string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// paginate cuts the page selected by the request's limit and offset out of
// items. The page is never nil so it encodes as [].
func paginate[T any](r *http.Request, items []T) ([]T, PaginationMeta) {
	limit := min(queryInt(r, "limit", defaultPageLimit), maxPageLimit)
	offset := queryInt(r, "offset", 0)

	start := min(offset, len(items))
	end := min(start+limit, len(items))
	page := make([]T, end-start)
	copy(page, items[start:end])
	return page, PaginationMeta{
		TotalCount: len(items),
		Limit:      limit,
		Offset:     offset,
		HasMore:    end < len(items),
	}
}

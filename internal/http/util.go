package httpx

import (
	"net/http"
	"strconv"
)

// queryInt returns the integer value of a query param, or def when it is missing or
// not a number.
func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// ParseLimitOffset reads limit/offset paging params, clamping limit to [1, maxLimit]
// and offset to >= 0.
func ParseLimitOffset(r *http.Request, defLimit, maxLimit int) (int, int) {
	maxLimit = max(maxLimit, 1)
	lim := min(max(queryInt(r, "limit", defLimit), 1), maxLimit)
	off := max(queryInt(r, "offset", 0), 0)
	return lim, off
}

package pagination

import (
	"math"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
// Page is 1-based; Offset is derived from it unless the caller asked
// for an explicit offset.
type Params struct {
	Page   int
	Limit  int
	Offset int
}

// FromContext extracts pagination parameters from the echo context.
// It understands ?page=&limit= and the lower level ?offset=. Out of range
// values are clamped so Offset+Limit never overflows.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	if raw := c.QueryParam("offset"); raw != "" {
		offset, _ := strconv.Atoi(raw)
		if offset < 0 {
			offset = 0
		}
		if offset > math.MaxInt-limit {
			offset = math.MaxInt - limit
		}
		return Params{Page: offset/limit + 1, Limit: limit, Offset: offset}
	}

	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page <= 0 {
		page = 1
	}
	if page > math.MaxInt/limit {
		page = math.MaxInt / limit
	}
	return Params{Page: page, Limit: limit, Offset: (page - 1) * limit}
}

// Response wraps a paginated API response.
type Response struct {
	Data       interface{} `json:"data"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"total_pages"`
	HasMore    bool        `json:"has_more"`
}

func NewResponse(data interface{}, total int, p Params) *Response {
	return &Response{
		Data:       data,
		Total:      total,
		Page:       p.Page,
		Limit:      p.Limit,
		TotalPages: p.TotalPages(total),
		HasMore:    p.HasNext(total),
	}
}

// TotalPages returns how many pages of p.Limit items cover total.
func (p Params) TotalPages(total int) int {
	if p.Limit <= 0 || total <= 0 {
		return 0
	}
	return (total + p.Limit - 1) / p.Limit
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

package pagination

import (
	"fmt"
	"net/http"
	"strconv"
)

const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

// Params holds pagination parameters extracted from query strings.
type Params struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Offset  int `json:"-"`
}

// DefaultParams returns the first page at DefaultPerPage.
func DefaultParams() Params {
	return New(1, DefaultPerPage)
}

// New returns params for page with perPage rows, clamping both into range.
func New(page, perPage int) Params {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	return Params{Page: page, PerPage: perPage, Offset: (page - 1) * perPage}
}

// FromRequest reads page and per_page from the query string. Missing values
// take the defaults; a value that is not a positive integer is an error so
// operators notice a typo instead of silently getting page 1. per_page above
// MaxPerPage is clamped.
func FromRequest(r *http.Request) (Params, error) {
	page, err := positiveInt(r, "page", 1)
	if err != nil {
		return Params{}, err
	}
	perPage, err := positiveInt(r, "per_page", DefaultPerPage)
	if err != nil {
		return Params{}, err
	}
	return New(page, perPage), nil
}

// Limit reads a positive integer query parameter, defaulting to def and
// clamped to ceiling.
func Limit(r *http.Request, name string, def, ceiling int) (int, error) {
	v, err := positiveInt(r, name, def)
	if err != nil {
		return 0, err
	}
	if v > ceiling {
		v = ceiling
	}
	return v, nil
}

func positiveInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return v, nil
}

// Result wraps a paginated response.
type Result[T any] struct {
	Data       []T  `json:"data"`
	TotalCount int  `json:"total_count"`
	Page       int  `json:"page"`
	PerPage    int  `json:"per_page"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// NewResult creates a paginated result. A nil page renders as an empty JSON
// array.
func NewResult[T any](data []T, totalCount int, params Params) Result[T] {
	if data == nil {
		data = []T{}
	}
	perPage := params.PerPage
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	totalPages := (totalCount + perPage - 1) / perPage

	return Result[T]{
		Data:       data,
		TotalCount: totalCount,
		Page:       params.Page,
		PerPage:    perPage,
		TotalPages: totalPages,
		HasNext:    params.Page < totalPages,
		HasPrev:    params.Page > 1,
	}
}

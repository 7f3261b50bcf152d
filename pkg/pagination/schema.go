package pagination

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Query parameter names understood by the API.
const (
	ParamAPIToken       = "apiToken"
	ParamItemsPerPage   = "itemsPerPage"
	ParamPage           = "page"
	ParamBefore         = "datum[before]"
	ParamStrictlyAfter  = "datum[strictly_after]"
	ParamStrictlyBefore = "datum[strictly_before]"
)

// MemberKey is the envelope field that carries a page's records.
const MemberKey = "hydra:member"

// DateLayout is the date format of the API's date filters.
const DateLayout = "2006-01-02"

// Record is one document as returned by the API, with its field order kept.
type Record = bson.D

// Schema is a configured data source.
type Schema struct {
	// Key is the short name used in configuration and logs.
	Key string

	// Endpoint is the path appended to the API base URL.
	Endpoint string

	// ItemsPerPage overrides the fetcher's default page size when > 0.
	ItemsPerPage int
}

// Collection returns the name of the collection the schema's records are stored in.
func (s Schema) Collection() string {
	return strings.Trim(s.Endpoint, "/")
}

// Window restricts a fetch by date. Zero bounds are not sent.
type Window struct {
	// Before keeps records dated on or before this day.
	Before time.Time

	// StrictlyAfter keeps records dated after this day.
	StrictlyAfter time.Time

	// StrictlyBefore keeps records dated before this day.
	StrictlyBefore time.Time
}

// IsZero reports whether the window has no bounds at all.
func (w Window) IsZero() bool {
	return w.Before.IsZero() && w.StrictlyAfter.IsZero() && w.StrictlyBefore.IsZero()
}

// Apply adds the window's date filters to params.
func (w Window) Apply(params url.Values) {
	if !w.Before.IsZero() {
		params.Set(ParamBefore, w.Before.Format(DateLayout))
	}
	if !w.StrictlyAfter.IsZero() {
		params.Set(ParamStrictlyAfter, w.StrictlyAfter.Format(DateLayout))
	}
	if !w.StrictlyBefore.IsZero() {
		params.Set(ParamStrictlyBefore, w.StrictlyBefore.Format(DateLayout))
	}
}

// String renders the window for logs, e.g. ">2024-10-20 <2024-10-22".
func (w Window) String() string {
	if w.IsZero() {
		return "all"
	}

	var parts []string
	if !w.StrictlyAfter.IsZero() {
		parts = append(parts, ">"+w.StrictlyAfter.Format(DateLayout))
	}
	if !w.Before.IsZero() {
		parts = append(parts, "<="+w.Before.Format(DateLayout))
	}
	if !w.StrictlyBefore.IsZero() {
		parts = append(parts, "<"+w.StrictlyBefore.Format(DateLayout))
	}
	return strings.Join(parts, " ")
}

// pageParams builds the query for one page of schema.
func pageParams(token string, itemsPerPage, page int, window Window) url.Values {
	params := url.Values{}
	params.Set(ParamAPIToken, token)
	params.Set(ParamItemsPerPage, strconv.Itoa(itemsPerPage))
	params.Set(ParamPage, strconv.Itoa(page))
	window.Apply(params)
	return params
}

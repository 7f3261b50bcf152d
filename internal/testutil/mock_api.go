// Package testutil provides testing utilities for the harvester.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// BasePath is the API prefix served by MockAPI.
const BasePath = "/api/v3/"

// RecordedRequest is one request received by MockAPI.
type RecordedRequest struct {
	Endpoint string
	Query    url.Values
}

// Page returns the requested page number.
func (r RecordedRequest) Page() int {
	n, _ := strconv.Atoi(r.Query.Get("page"))
	return n
}

// MockAPI is an in-process stand-in for the statistics API. It serves Hydra
// pages of the configured records and applies the datum filters the way the
// real API does.
type MockAPI struct {
	server *httptest.Server
	token  string

	mu       sync.Mutex
	records  map[string][]map[string]interface{}
	failures map[string][]int
	requests []RecordedRequest
}

// NewMockAPI creates a mock API that accepts token.
func NewMockAPI(token string) *MockAPI {
	m := &MockAPI{
		token:    token,
		records:  make(map[string][]map[string]interface{}),
		failures: make(map[string][]int),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// BaseURL returns the URL to configure as the API base.
func (m *MockAPI) BaseURL() string {
	return m.server.URL + BasePath
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// SetRecords replaces the records served for endpoint.
func (m *MockAPI) SetRecords(endpoint string, records []map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[endpoint] = records
}

// FailNext makes the next n requests to endpoint answer with status.
func (m *MockAPI) FailNext(endpoint string, status, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.failures[endpoint] = append(m.failures[endpoint], status)
	}
}

// Requests returns a copy of all requests received so far.
func (m *MockAPI) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// Pages returns the page numbers requested for endpoint, in order.
func (m *MockAPI) Pages(endpoint string) []int {
	var pages []int
	for _, r := range m.Requests() {
		if r.Endpoint == endpoint {
			pages = append(pages, r.Page())
		}
	}
	return pages
}

// DatedRecords builds n records per date with a "datum" field.
func DatedRecords(perDay int, dates ...string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, d := range dates {
		for i := 0; i < perDay; i++ {
			out = append(out, map[string]interface{}{
				"datum": d,
				"seq":   len(out),
			})
		}
	}
	return out
}

func (m *MockAPI) handle(w http.ResponseWriter, r *http.Request) {
	endpoint := strings.TrimPrefix(r.URL.Path, BasePath)
	query := r.URL.Query()

	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{Endpoint: endpoint, Query: query})

	if queued := m.failures[endpoint]; len(queued) > 0 {
		status := queued[0]
		m.failures[endpoint] = queued[1:]
		m.mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte(`{"hydra:description":"mock failure"}`))
		return
	}

	records, ok := m.records[endpoint]
	m.mu.Unlock()

	if query.Get("apiToken") != m.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	filtered := filterByDate(records, query)

	perPage, err := strconv.Atoi(query.Get("itemsPerPage"))
	if err != nil || perPage <= 0 {
		perPage = 30
	}
	page, err := strconv.Atoi(query.Get("page"))
	if err != nil || page <= 0 {
		page = 1
	}

	start := (page - 1) * perPage
	end := start + perPage
	if start > len(filtered) {
		start = len(filtered)
	}
	if end > len(filtered) {
		end = len(filtered)
	}

	body := map[string]interface{}{
		"@context":         BasePath + "contexts/" + endpoint,
		"@type":            "hydra:Collection",
		"hydra:member":     filtered[start:end],
		"hydra:totalItems": len(filtered),
	}

	w.Header().Set("Content-Type", "application/ld+json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(body)
}

// filterByDate applies datum[before] (inclusive), datum[strictly_after] and
// datum[strictly_before]. ISO dates compare correctly as strings.
func filterByDate(records []map[string]interface{}, query url.Values) []map[string]interface{} {
	before := query.Get("datum[before]")
	after := query.Get("datum[strictly_after]")
	strictBefore := query.Get("datum[strictly_before]")

	out := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		d, _ := rec["datum"].(string)
		if before != "" && d > before {
			continue
		}
		if after != "" && d <= after {
			continue
		}
		if strictBefore != "" && d >= strictBefore {
			continue
		}
		out = append(out, rec)
	}
	return out
}

package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/Sternrassler/mzcr-harvester/pkg/client"
	"github.com/Sternrassler/mzcr-harvester/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
)

// Prometheus metrics for page fetching.
var (
	pagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_pages_fetched_total",
		Help: "Total non-empty pages fetched by schema",
	}, []string{"schema"})

	recordsFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_records_fetched_total",
		Help: "Total records fetched by schema",
	}, []string{"schema"})

	pageFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_page_failures_total",
		Help: "Total failed page requests by schema",
	}, []string{"schema"})

	fetchOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_fetch_outcomes_total",
		Help: "Schema fetches by terminal reason",
	}, []string{"schema", "reason"})
)

// ErrMalformedPage is returned for a page body that cannot be decoded.
var ErrMalformedPage = errors.New("malformed page")

// Getter is the transport the fetcher reads pages through.
type Getter interface {
	Get(ctx context.Context, endpoint string, params url.Values, timeout time.Duration) ([]byte, error)
}

// Config holds fetcher configuration.
type Config struct {
	// APIToken is sent with every request.
	APIToken string

	// ItemsPerPage is used for schemas without their own page size.
	ItemsPerPage int

	// Timeout per request attempt.
	Timeout time.Duration

	// MaxConsecutiveFailures ends a fetch early once reached.
	MaxConsecutiveFailures int

	// ProgressEvery logs an info line every N pages; 0 disables it.
	ProgressEvery int
}

// DefaultConfig returns the default fetcher configuration.
func DefaultConfig() Config {
	return Config{
		ItemsPerPage:           1000,
		Timeout:                10 * time.Second,
		MaxConsecutiveFailures: 10,
		ProgressEvery:          50,
	}
}

// Reason tells why a fetch stopped.
type Reason string

const (
	// ReasonCompleted means an empty page was reached.
	ReasonCompleted Reason = "completed"

	// ReasonDegraded means the consecutive-failure ceiling was reached.
	ReasonDegraded Reason = "degraded"

	// ReasonCancelled means the context ended mid-fetch.
	ReasonCancelled Reason = "cancelled"
)

// Outcome is the result of fetching one schema.
type Outcome struct {
	Schema  Schema
	Window  Window
	Records []Record

	// Pages is the number of non-empty pages fetched.
	Pages int

	// Requests counts every page request, failed ones included.
	Requests int

	// Failures counts failed page requests over the whole fetch.
	Failures int

	Reason   Reason
	LastErr  error
	Duration time.Duration
}

// Degraded reports whether the fetch stopped on the failure ceiling.
func (o Outcome) Degraded() bool {
	return o.Reason == ReasonDegraded
}

// pageStatus tags the result of a single page request.
type pageStatus int

const (
	pageSuccess pageStatus = iota
	pageEnd
	pageFailed
)

type pageResult struct {
	status  pageStatus
	records []Record
	err     error
}

// Fetcher walks the pages of a schema sequentially.
type Fetcher struct {
	getter Getter
	config Config
	logger zerolog.Logger
}

// NewFetcher creates a new fetcher reading through getter.
func NewFetcher(getter Getter, config Config) *Fetcher {
	if config.ItemsPerPage <= 0 {
		config.ItemsPerPage = 1000
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxConsecutiveFailures <= 0 {
		config.MaxConsecutiveFailures = 1
	}

	return &Fetcher{
		getter: getter,
		config: config,
		logger: logging.NewLogger("fetcher"),
	}
}

// FetchAll requests pages 1, 2, ... of schema until a page comes back empty
// or MaxConsecutiveFailures requests fail in a row. A failed page is asked
// for again on the next iteration; the page number only advances on success.
// All records gathered so far are returned in every case.
func (f *Fetcher) FetchAll(ctx context.Context, schema Schema, window Window) Outcome {
	start := time.Now()
	logger := f.logger.With().
		Str("schema", schema.Key).
		Str("collection", schema.Collection()).
		Logger()

	out := Outcome{
		Schema: schema,
		Window: window,
		Reason: ReasonCompleted,
	}

	page := 1
	consecutiveFailures := 0

loop:
	for {
		if ctx.Err() != nil {
			out.Reason = ReasonCancelled
			break
		}

		res := f.fetchPage(ctx, schema, window, page)
		out.Requests++

		switch res.status {
		case pageEnd:
			break loop

		case pageSuccess:
			out.Records = append(out.Records, res.records...)
			out.Pages++
			pagesFetchedTotal.WithLabelValues(schema.Key).Inc()
			recordsFetchedTotal.WithLabelValues(schema.Key).Add(float64(len(res.records)))

			logger.Debug().
				Int("page", page).
				Int("records", len(res.records)).
				Msg("Page fetched")
			if f.config.ProgressEvery > 0 && out.Pages%f.config.ProgressEvery == 0 {
				logger.Info().
					Int("pages", out.Pages).
					Int("records", len(out.Records)).
					Msg("Fetch progress")
			}

			page++
			consecutiveFailures = 0

		case pageFailed:
			if ctx.Err() != nil {
				out.Reason = ReasonCancelled
				break loop
			}

			consecutiveFailures++
			out.Failures++
			out.LastErr = res.err
			pageFailuresTotal.WithLabelValues(schema.Key).Inc()

			event := logger.Error().
				Err(res.err).
				Int("page", page).
				Int("consecutive_failures", consecutiveFailures)
			if body := client.ResponseBody(res.err); len(body) > 0 {
				event = event.Bytes("response", body)
			}
			event.Msg("Page fetch failed")

			if consecutiveFailures >= f.config.MaxConsecutiveFailures {
				out.Reason = ReasonDegraded
				logger.Error().
					Int("page", page).
					Int("records", len(out.Records)).
					Msg("Max consecutive failures reached, stopping fetch")
				break loop
			}
		}
	}

	out.Duration = time.Since(start)
	fetchOutcomesTotal.WithLabelValues(schema.Key, string(out.Reason)).Inc()

	return out
}

// fetchPage requests one page and tags the result.
func (f *Fetcher) fetchPage(ctx context.Context, schema Schema, window Window, page int) pageResult {
	itemsPerPage := schema.ItemsPerPage
	if itemsPerPage <= 0 {
		itemsPerPage = f.config.ItemsPerPage
	}

	params := pageParams(f.config.APIToken, itemsPerPage, page, window)

	body, err := f.getter.Get(ctx, schema.Endpoint, params, f.config.Timeout)
	if err != nil {
		return pageResult{status: pageFailed, err: err}
	}

	records, err := decodePage(body)
	if err != nil {
		return pageResult{status: pageFailed, err: err}
	}
	if len(records) == 0 {
		return pageResult{status: pageEnd}
	}
	return pageResult{status: pageSuccess, records: records}
}

// decodePage extracts the member list from a page body. A null member list
// counts as empty.
func decodePage(body []byte) ([]Record, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPage, err)
	}

	raw, ok := envelope[MemberKey]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrMalformedPage, MemberKey)
	}

	var members []json.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPage, MemberKey, err)
	}

	records := make([]Record, 0, len(members))
	for i, member := range members {
		var doc bson.D
		if err := bson.UnmarshalExtJSON(member, false, &doc); err != nil {
			return nil, fmt.Errorf("%w: member %d: %v", ErrMalformedPage, i, err)
		}
		records = append(records, doc)
	}
	return records, nil
}

package ingest

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/Sternrassler/mzcr-harvester/internal/testutil"
	"github.com/Sternrassler/mzcr-harvester/pkg/client"
	"github.com/Sternrassler/mzcr-harvester/pkg/pagination"
	"github.com/Sternrassler/mzcr-harvester/pkg/store"
)

// memoryStore is an in-memory Inserter keyed by collection.
type memoryStore struct {
	docs  map[string][]interface{}
	calls int
}

func (m *memoryStore) InsertMany(ctx context.Context, collection string, docs []interface{}) error {
	if m.docs == nil {
		m.docs = make(map[string][]interface{})
	}
	m.calls++
	m.docs[collection] = append(m.docs[collection], docs...)
	return nil
}

func field(d pagination.Record, key string) interface{} {
	for _, e := range d {
		if e.Key == key {
			return e.Value
		}
	}
	return nil
}

// newPipeline wires the real client, fetcher, and sink against api.
func newPipeline(t *testing.T, api *testutil.MockAPI, mem *memoryStore, maxNoData int) *Orchestrator {
	t.Helper()

	cfg := client.DefaultConfig(api.BaseURL())
	cfg.Retry = client.RetryConfig{Total: 1, StatusForcelist: []int{http.StatusServiceUnavailable}}
	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}

	fetcher := pagination.NewFetcher(c, pagination.Config{
		APIToken:               "token",
		ItemsPerPage:           2,
		Timeout:                time.Second,
		MaxConsecutiveFailures: 2,
	})
	sink := store.NewSink(mem, 3)

	return New(fetcher, sink, nil, Config{MaxNoDataSchemas: maxNoData})
}

func TestPipeline_IncrementalWindowIsStrict(t *testing.T) {
	api := testutil.NewMockAPI("token")
	defer api.Close()
	api.SetRecords("hospitalizace", testutil.DatedRecords(3, "2024-10-19", "2024-10-20", "2024-10-21", "2024-10-22"))

	mem := &memoryStore{}
	o := newPipeline(t, api, mem, 2)

	mode := Incremental(time.Date(2024, 10, 20, 0, 0, 0, 0, time.UTC), time.Date(2024, 10, 22, 0, 0, 0, 0, time.UTC))
	summary := o.Run(context.Background(), []pagination.Schema{{Key: "hosp", Endpoint: "hospitalizace"}}, mode)

	if summary.Records() != 3 {
		t.Fatalf("records = %d, want 3", summary.Records())
	}
	for _, doc := range mem.docs["hospitalizace"] {
		d := doc.(pagination.Record)
		if got := field(d, "datum"); got != "2024-10-21" {
			t.Errorf("record outside window: %v", d)
		}
	}

	pages := api.Pages("hospitalizace")
	if len(pages) != 3 || pages[0] != 1 || pages[1] != 2 || pages[2] != 3 {
		t.Errorf("pages = %v, want [1 2 3]", pages)
	}
}

func TestPipeline_BackfillUpperBoundIsInclusive(t *testing.T) {
	api := testutil.NewMockAPI("token")
	defer api.Close()
	api.SetRecords("ockovani", testutil.DatedRecords(1, "2024-10-20", "2024-10-21", "2024-10-22", "2024-10-23"))

	mem := &memoryStore{}
	o := newPipeline(t, api, mem, 2)

	summary := o.Run(context.Background(), []pagination.Schema{{Key: "ock", Endpoint: "ockovani"}},
		Backfill(time.Date(2024, 10, 22, 0, 0, 0, 0, time.UTC)))

	if summary.Records() != 3 {
		t.Errorf("records = %d, want 3", summary.Records())
	}
	if len(mem.docs["ockovani"]) != 3 {
		t.Errorf("stored = %d, want 3", len(mem.docs["ockovani"]))
	}
}

func TestPipeline_FailingSchemaIsTruncatedAndRunContinues(t *testing.T) {
	api := testutil.NewMockAPI("token")
	defer api.Close()
	api.SetRecords("a", testutil.DatedRecords(4, "2024-10-21"))
	api.SetRecords("b", testutil.DatedRecords(1, "2024-10-21"))
	// Two requests per client call (retry total 1), two failed calls per ceiling.
	api.FailNext("a", http.StatusServiceUnavailable, 4)

	mem := &memoryStore{}
	o := newPipeline(t, api, mem, 2)

	summary := o.Run(context.Background(), []pagination.Schema{
		{Key: "a", Endpoint: "a"},
		{Key: "b", Endpoint: "b"},
	}, Backfill(time.Time{}))

	if len(summary.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(summary.Results))
	}
	if summary.Results[0].Reason != pagination.ReasonDegraded || summary.Results[0].Fetched != 0 {
		t.Errorf("schema a = %+v", summary.Results[0])
	}
	if summary.Results[1].Fetched != 1 {
		t.Errorf("schema b fetched = %d, want 1", summary.Results[1].Fetched)
	}
	if summary.Aborted {
		t.Error("a single empty schema must not abort with MaxNoDataSchemas=2")
	}

	pages := api.Pages("a")
	for _, p := range pages {
		if p != 1 {
			t.Errorf("schema a requested page %d after failing on page 1", p)
		}
	}
}

func TestPipeline_NoDataStreakAbortsRun(t *testing.T) {
	api := testutil.NewMockAPI("token")
	defer api.Close()

	keys := []string{"s1", "s2", "s3", "s4", "s5"}
	api.SetRecords("s1", testutil.DatedRecords(2, "2024-10-21"))
	api.SetRecords("s2", testutil.DatedRecords(2, "2024-10-21"))
	api.SetRecords("s3", nil)
	api.SetRecords("s4", nil)
	api.SetRecords("s5", testutil.DatedRecords(2, "2024-10-21"))

	var list []pagination.Schema
	for _, k := range keys {
		list = append(list, pagination.Schema{Key: k, Endpoint: k})
	}

	mem := &memoryStore{}
	o := newPipeline(t, api, mem, 2)

	summary := o.Run(context.Background(), list, Backfill(time.Time{}))

	if !summary.Aborted {
		t.Error("run should abort after s3 and s4")
	}
	if len(api.Pages("s5")) != 0 {
		t.Errorf("s5 should never be requested, got pages %v", api.Pages("s5"))
	}
	if len(mem.docs["s1"]) != 2 || len(mem.docs["s2"]) != 2 {
		t.Errorf("stored = %d/%d, want 2/2", len(mem.docs["s1"]), len(mem.docs["s2"]))
	}
}

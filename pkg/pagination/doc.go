// Package pagination drives the page sequence of one API schema.
//
// The statistics API is a Hydra collection: every page is a JSON object
// whose "hydra:member" list holds the records, and an empty list marks the
// end of the data. Pages are requested strictly in order, one at a time:
//
//	fetcher := pagination.NewFetcher(apiClient, pagination.DefaultConfig())
//	outcome := fetcher.FetchAll(ctx, schema, pagination.Window{StrictlyAfter: from, StrictlyBefore: to})
//
// The fetcher:
//   - Starts at page 1 and advances only after a successful page
//   - Stops at the first empty member list (ReasonCompleted)
//   - Re-requests the same page after a failure
//   - Gives up after MaxConsecutiveFailures failures in a row and returns
//     what it has so far (ReasonDegraded)
//
// Failures never surface as errors; they are reported through Outcome.
package pagination

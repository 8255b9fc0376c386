// Package batch provides ordered parallel fetching of request chunks.
//
// Upstream APIs cap the number of series per call, so a large request is split
// into chunks that are fetched by a bounded worker pool. Results are returned
// in chunk order regardless of completion order, and the first failing chunk
// cancels the remaining work.
//
// Example usage:
//
//	config := batch.DefaultConfig()
//	fetcher := batch.NewBatchFetcher[*timeseries.Table](chunkFetcher, config)
//	tables, err := fetcher.FetchAll(ctx, len(chunks))
package batch

package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel requests.
	// Keep this low: upstream daily quotas count every call.
	MaxConcurrency int
	// Timeout per chunk fetch
	Timeout time.Duration
}

// DefaultConfig returns a conservative default configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        2 * time.Minute,
	}
}

// ChunkFetcher fetches a single chunk by its position.
type ChunkFetcher[T any] interface {
	FetchChunk(ctx context.Context, index int) (T, error)
}

// ChunkFetcherFunc adapts a function to ChunkFetcher.
type ChunkFetcherFunc[T any] func(ctx context.Context, index int) (T, error)

// FetchChunk calls f.
func (f ChunkFetcherFunc[T]) FetchChunk(ctx context.Context, index int) (T, error) {
	return f(ctx, index)
}

// ChunkResult represents the result of fetching a single chunk
type ChunkResult[T any] struct {
	Index int
	Data  T
	Error error
}

// BatchFetcher handles parallel fetching of multiple chunks
type BatchFetcher[T any] struct {
	fetcher ChunkFetcher[T]
	config  Config
}

// NewBatchFetcher creates a new batch fetcher
func NewBatchFetcher[T any](fetcher ChunkFetcher[T], config Config) *BatchFetcher[T] {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}

	return &BatchFetcher[T]{
		fetcher: fetcher,
		config:  config,
	}
}

// FetchAll fetches chunks 0..n-1 using a worker pool and returns their results
// in chunk order. It fails as a whole on the first chunk error.
func (bf *BatchFetcher[T]) FetchAll(ctx context.Context, n int) ([]T, error) {
	if n <= 0 {
		return nil, nil
	}
	start := time.Now()

	// Single chunk optimization
	if n == 1 {
		data, err := bf.fetchOne(ctx, 0)
		if err != nil {
			return nil, fmt.Errorf("chunk 0: %w", err)
		}
		return []T{data}, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := bf.config.MaxConcurrency
	if workers > n {
		workers = n
	}

	log.Debug().
		Int("chunks", n).
		Int("workers", workers).
		Msg("Starting parallel chunk fetch")

	queue := make(chan int, n)
	for i := 0; i < n; i++ {
		queue <- i
	}
	close(queue)

	results := make(chan ChunkResult[T], n)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go bf.worker(ctx, queue, results, &wg, i)
	}

	// Close results channel when all workers done
	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]T, n)
	var firstErr error
	firstIdx := -1
	fetched := 0
	for result := range results {
		if result.Error != nil {
			// Later failures are usually caused by the cancel below.
			if firstErr == nil {
				firstErr, firstIdx = result.Error, result.Index
			}
			cancel()
			continue
		}
		out[result.Index] = result.Data
		fetched++
	}

	if firstErr != nil {
		log.Warn().
			Err(firstErr).
			Int("chunk", firstIdx).
			Int("fetched_chunks", fetched).
			Int("total_chunks", n).
			Msg("Chunk fetch failed")
		return nil, fmt.Errorf("chunk %d: %w", firstIdx, firstErr)
	}
	if err := ctx.Err(); err != nil && fetched < n {
		return nil, err
	}

	log.Debug().
		Int("chunks", fetched).
		Dur("duration", time.Since(start)).
		Msg("Chunk fetch complete")

	return out, nil
}

func (bf *BatchFetcher[T]) fetchOne(ctx context.Context, index int) (T, error) {
	chunkCtx, cancel := context.WithTimeout(ctx, bf.config.Timeout)
	defer cancel()
	return bf.fetcher.FetchChunk(chunkCtx, index)
}

// worker processes chunks from the queue
func (bf *BatchFetcher[T]) worker(ctx context.Context, queue <-chan int, results chan<- ChunkResult[T], wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for index := range queue {
		// Check context cancellation
		select {
		case <-ctx.Done():
			log.Debug().
				Int("worker_id", workerID).
				Int("chunks_processed", processed).
				Msg("Worker stopping (context cancelled)")
			return
		default:
		}

		data, err := bf.fetchOne(ctx, index)
		results <- ChunkResult[T]{Index: index, Data: data, Error: err}
		if err != nil {
			return
		}
		processed++
	}
}

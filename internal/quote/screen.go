package quote

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ScreenOptions bound the screener fan-out.
type ScreenOptions struct {
	Concurrency int
	ChunkSize   int
}

// Screen fetches quotes for a large symbol list in chunks, with at most
// Concurrency requests in flight. Failed chunks are reported through the joined
// error while the quotes of successful chunks are still returned.
func Screen(ctx context.Context, client Client, symbols []string, opts ScreenOptions) (map[string]decimal.Decimal, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 50
	}

	sem := semaphore.NewWeighted(int64(opts.Concurrency))
	var (
		g    errgroup.Group
		mu   sync.Mutex
		out  = make(map[string]decimal.Decimal, len(symbols))
		errs []error
	)

	for start := 0; start < len(symbols); start += opts.ChunkSize {
		end := min(start+opts.ChunkSize, len(symbols))
		chunk := symbols[start:end]

		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			got, err := client.GetObservations(ctx, chunk)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			for s, v := range got {
				out[s] = v
			}
			return nil
		})
	}
	_ = g.Wait()

	return out, errors.Join(errs...)
}

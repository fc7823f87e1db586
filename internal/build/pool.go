package build

import (
	"context"
	"sync"

	"github.com/cochaviz/imgbuild/internal/layout"
)

// task is one unit of per-partition work inside a phase.
type task func(ctx context.Context, p layout.Partition) error

// fanOut runs fn once for every partition in parts, at most workers at a
// time, and returns only after all of them finished. The result holds one
// error slot per element of parts. Once ctx is done no further task is
// started; the unstarted slots carry the context error.
func fanOut(ctx context.Context, workers int, parts []layout.Partition, fn task) []error {
	if workers < 1 {
		workers = 1
	}

	results := make([]error, len(parts))
	slots := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i, p := range parts {
		select {
		case <-ctx.Done():
			results[i] = ctx.Err()
			continue
		case slots <- struct{}{}:
		}
		// A slot and a cancellation may both be ready; prefer the cancellation.
		if err := ctx.Err(); err != nil {
			<-slots
			results[i] = err
			continue
		}

		wg.Add(1)
		go func(i int, p layout.Partition) {
			defer wg.Done()
			defer func() { <-slots }()
			results[i] = fn(ctx, p)
		}(i, p)
	}
	wg.Wait()

	return results
}

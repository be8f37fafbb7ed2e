package solver

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Pool dispatches queries to a Gateway with at most Workers in flight.
type Pool struct {
	Gateway Gateway
	Workers int
}

// SolveAll solves every request. Results are indexed like reqs. When ctx is
// cancelled the outstanding solver processes are killed, unfinished entries
// stay nil and the context error is returned with the partial results.
func (p *Pool) SolveAll(ctx context.Context, reqs []Request) ([]*Result, error) {
	results := make([]*Result, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, p.Workers))
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			res, err := p.Gateway.Solve(gctx, req)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	return results, g.Wait()
}

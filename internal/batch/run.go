package batch

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/adlens/adlens/internal/logger"
)

// DefaultConcurrency bounds parallel upstream calls per batch when the caller
// passes a non-positive limit. Kept small to stay under provider rate limits.
const DefaultConcurrency = 5

// Outcome is the result slot for one input position: either a value or the
// classified error for that position's logical key. Exactly one of Err or
// Value is meaningful.
type Outcome[R any] struct {
	Value R
	Err   error
}

// Run executes fn once per WorkUnit, at most limit units in flight, and
// writes each unit's outcome back to every original position it covers. The
// returned slice always has length n (the original input length): a unit's
// failure only affects its own positions, and positions whose unit never ran
// because ctx was cancelled carry ctx.Err().
func Run[T, R any](ctx context.Context, n int, units []WorkUnit[T], limit int, fn func(ctx context.Context, unit WorkUnit[T]) (R, error)) []Outcome[R] {
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	log := logger.FromContext(ctx).With(
		slog.String("batch_id", uuid.NewString()),
	)
	log.Debug("batch start",
		slog.Int("items", n),
		slog.Int("units", len(units)),
		slog.Int("limit", limit),
	)

	outcomes := make([]Outcome[R], n)
	started := make([]bool, len(units))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, unit := range units {
		if gctx.Err() != nil {
			break
		}
		started[i] = true
		g.Go(func() error {
			value, err := fn(gctx, unit)
			// Unit errors are recorded per position, never returned to the
			// group: sibling units keep running.
			for _, pos := range unit.Positions {
				outcomes[pos] = Outcome[R]{Value: value, Err: err}
			}
			return nil
		})
	}
	_ = g.Wait()

	// Positions of units that never started report the cancellation.
	if err := ctx.Err(); err != nil {
		for i, unit := range units {
			if started[i] {
				continue
			}
			for _, pos := range unit.Positions {
				outcomes[pos] = Outcome[R]{Err: err}
			}
		}
	}

	log.Debug("batch done", slog.Int("units", len(units)))
	return outcomes
}

package guard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// Provider identifies an upstream service for credit-state tracking.
type Provider string

const (
	ProviderScrapeCreators Provider = "scrapecreators"
	ProviderGemini         Provider = "gemini"
)

// Retry policy bounds. Rate-limited calls get one automatic retry after the
// reported delay; transient failures get exponential backoff.
const (
	maxTransientRetries     = 2
	transientInitialBackoff = 500 * time.Millisecond
	defaultRetryAfter       = 30 * time.Second

	// exhaustionCooldown is how long calls to an exhausted provider are
	// short-circuited before a single probe call is let through again.
	// Without the probe window the exhausted mark could never be cleared
	// by a success.
	exhaustionCooldown = 5 * time.Minute
)

// Guard routes upstream calls, classifies their failures, and short-circuits
// calls to a provider whose credits are known to be exhausted. Exhaustion is
// cleared by the next successful call to that provider.
type Guard struct {
	logger *slog.Logger

	mu        sync.Mutex
	exhausted map[Provider]exhaustion
	cooldown  time.Duration
}

type exhaustion struct {
	err      *Error
	markedAt time.Time
}

// New creates a Guard. All providers start in the ok/unknown state.
func New(log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{
		logger:    log.With(slog.String("service", "guard")),
		exhausted: make(map[Provider]exhaustion),
		cooldown:  exhaustionCooldown,
	}
}

// Exhausted reports whether provider is currently marked credit-exhausted.
func (g *Guard) Exhausted(provider Provider) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.exhausted[provider]
	return ok
}

// Do runs fn under the guard's classification and retry policy.
//
// While provider is marked exhausted, Do returns the remembered
// CreditExhausted error without invoking fn. On success the mark is cleared.
func (g *Guard) Do(ctx context.Context, provider Provider, fn func(ctx context.Context) error) error {
	if err := g.shortCircuit(provider); err != nil {
		return err
	}

	err := g.doOnce(ctx, provider, fn)

	var ge *Error
	if errors.As(err, &ge) && ge.Kind == KindRateLimited {
		wait := ge.RetryAfter
		if wait <= 0 {
			wait = defaultRetryAfter
		}
		g.logger.Warn("rate limited, retrying once",
			slog.String("provider", string(provider)),
			slog.Duration("wait", wait),
		)
		select {
		case <-ctx.Done():
			return &Error{Kind: KindTransient, Provider: provider, Err: ctx.Err()}
		case <-time.After(wait):
		}
		err = g.doOnce(ctx, provider, fn)
	}

	g.record(provider, err)
	return err
}

// doOnce runs fn with transient retries only. Classified provider responses
// (credit, rate limit, permanent, not found) pass through unretried.
func (g *Guard) doOnce(ctx context.Context, provider Provider, fn func(ctx context.Context) error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(newTransientBackoff(), maxTransientRetries),
		ctx,
	)
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		callErr := fn(ctx)
		if callErr == nil {
			return nil
		}
		var ge *Error
		if errors.As(callErr, &ge) {
			if ge.Kind == KindTransient {
				g.logger.Debug("transient upstream failure",
					slog.String("provider", string(provider)),
					slog.Int("attempt", attempt),
					slog.Any("error", callErr),
				)
				return callErr
			}
			return backoff.Permanent(callErr)
		}
		// Unclassified errors from fn are transport-level: retry them.
		return &Error{Kind: KindTransient, Provider: provider, Err: callErr}
	}, policy)
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return &Error{Kind: KindTransient, Provider: provider, Err: err}
}

func (g *Guard) shortCircuit(provider Provider) *Error {
	g.mu.Lock()
	defer g.mu.Unlock()
	remembered, ok := g.exhausted[provider]
	if !ok {
		return nil
	}
	if time.Since(remembered.markedAt) >= g.cooldown {
		// Probe window: let one call through so a topped-up account can
		// clear the mark with a success.
		return nil
	}
	return remembered.err
}

// record atomically updates the provider's credit state from a call outcome.
func (g *Guard) record(provider Provider, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		if _, ok := g.exhausted[provider]; ok {
			g.logger.Info("provider credits recovered", slog.String("provider", string(provider)))
			delete(g.exhausted, provider)
		}
		return
	}
	var ge *Error
	if errors.As(err, &ge) && ge.Kind == KindCreditExhausted {
		if _, ok := g.exhausted[provider]; !ok {
			g.logger.Warn("provider credits exhausted",
				slog.String("provider", string(provider)),
				slog.String("top_up_url", ge.TopUpURL),
			)
		}
		g.exhausted[provider] = exhaustion{err: ge, markedAt: time.Now()}
	}
}

func newTransientBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = transientInitialBackoff
	b.MaxElapsedTime = 0 // bounded by WithMaxRetries, not wall time
	return b
}

package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunPreservesOrderAndLength(t *testing.T) {
	items := []string{"b", "a", "b", "c"}
	units := Dedup(items, func(s string) string { return s })

	outcomes := Run(context.Background(), len(items), units, 2,
		func(ctx context.Context, unit WorkUnit[string]) (string, error) {
			return strings.ToUpper(unit.Key), nil
		})

	if len(outcomes) != len(items) {
		t.Fatalf("outcomes = %d, want %d", len(outcomes), len(items))
	}
	want := []string{"B", "A", "B", "C"}
	for i, w := range want {
		if outcomes[i].Err != nil {
			t.Fatalf("outcome[%d] err = %v", i, outcomes[i].Err)
		}
		if outcomes[i].Value != w {
			t.Errorf("outcome[%d] = %q, want %q", i, outcomes[i].Value, w)
		}
	}
}

func TestRunDeduplicatesUpstreamCalls(t *testing.T) {
	items := []string{"x", "x", "x", "y"}
	units := Dedup(items, func(s string) string { return s })

	var calls atomic.Int32
	Run(context.Background(), len(items), units, 4,
		func(ctx context.Context, unit WorkUnit[string]) (string, error) {
			calls.Add(1)
			return unit.Key, nil
		})
	if got := calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
}

func TestRunPartialFailureIsolation(t *testing.T) {
	items := []string{"good1", "bad", "good2"}
	units := Dedup(items, func(s string) string { return s })
	failure := errors.New("credit exhausted")

	outcomes := Run(context.Background(), len(items), units, 3,
		func(ctx context.Context, unit WorkUnit[string]) (string, error) {
			if unit.Key == "bad" {
				return "", failure
			}
			return "ok", nil
		})

	if outcomes[0].Err != nil || outcomes[2].Err != nil {
		t.Errorf("sibling units should succeed: %v, %v", outcomes[0].Err, outcomes[2].Err)
	}
	if !errors.Is(outcomes[1].Err, failure) {
		t.Errorf("outcome[1] err = %v, want the unit's failure", outcomes[1].Err)
	}
}

func TestRunFailureCoversAllDuplicatePositions(t *testing.T) {
	items := []string{"bad", "ok", "bad"}
	units := Dedup(items, func(s string) string { return s })
	failure := errors.New("boom")

	outcomes := Run(context.Background(), len(items), units, 2,
		func(ctx context.Context, unit WorkUnit[string]) (string, error) {
			if unit.Key == "bad" {
				return "", failure
			}
			return "ok", nil
		})
	if !errors.Is(outcomes[0].Err, failure) || !errors.Is(outcomes[2].Err, failure) {
		t.Error("every position of a failed unit must carry its error")
	}
	if outcomes[1].Err != nil {
		t.Errorf("outcome[1] err = %v, want nil", outcomes[1].Err)
	}
}

func TestRunRespectsConcurrencyLimit(t *testing.T) {
	const limit = 2
	items := make([]string, 8)
	for i := range items {
		items[i] = fmt.Sprintf("k%d", i)
	}
	units := Dedup(items, func(s string) string { return s })

	var inFlight, peak atomic.Int32
	Run(context.Background(), len(items), units, limit,
		func(ctx context.Context, unit WorkUnit[string]) (string, error) {
			now := inFlight.Add(1)
			for {
				p := peak.Load()
				if now <= p || peak.CompareAndSwap(p, now) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return "", nil
		})
	if p := peak.Load(); p > limit {
		t.Errorf("peak in-flight = %d, want <= %d", p, limit)
	}
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	items := []string{"a", "b", "c", "d", "e", "f"}
	units := Dedup(items, func(s string) string { return s })

	var completed atomic.Int32
	outcomes := Run(ctx, len(items), units, 1,
		func(ctx context.Context, unit WorkUnit[string]) (string, error) {
			if unit.Key == "b" {
				cancel()
			}
			if err := ctx.Err(); err != nil {
				return "", err
			}
			completed.Add(1)
			return "done", nil
		})

	if len(outcomes) != len(items) {
		t.Fatalf("outcomes = %d, want %d", len(outcomes), len(items))
	}
	if outcomes[0].Err != nil {
		t.Errorf("completed unit should keep its result, got %v", outcomes[0].Err)
	}
	sawCancelled := false
	for _, o := range outcomes {
		if o.Err != nil && errors.Is(o.Err, context.Canceled) {
			sawCancelled = true
		}
	}
	if !sawCancelled {
		t.Error("expected cancelled positions to report context.Canceled")
	}
}

package analysis

import (
	"fmt"
	"strings"

	"github.com/adlens/adlens/internal/guard"
)

// splitBatchAnalysis slices a combined model response into n per-video
// segments using the "VIDEO n:" markers. The split is strict: a missing or
// out-of-order marker, or an empty segment, fails the whole response rather
// than papering over it with filler text.
func splitBatchAnalysis(text string, n int) ([]string, error) {
	if n <= 0 {
		return nil, malformed(fmt.Sprintf("invalid segment count %d", n))
	}
	starts := make([]int, n)
	ends := make([]int, n)
	searchFrom := 0
	for i := 0; i < n; i++ {
		marker := fmt.Sprintf("VIDEO %d:", i+1)
		pos := strings.Index(text[searchFrom:], marker)
		if pos < 0 {
			return nil, malformed(fmt.Sprintf("marker %q not found", marker))
		}
		abs := searchFrom + pos
		if i > 0 {
			ends[i-1] = abs
		}
		starts[i] = abs + len(marker)
		searchFrom = starts[i]
	}
	ends[n-1] = len(text)

	// A marker beyond the submitted count means the model answered for more
	// videos than it was given; the extra text would otherwise be absorbed
	// into the last segment and cached against the wrong key.
	extra := fmt.Sprintf("VIDEO %d:", n+1)
	if strings.Contains(text, extra) {
		return nil, malformed(fmt.Sprintf("unexpected marker %q for %d video(s)", extra, n))
	}

	segments := make([]string, n)
	for i := range segments {
		seg := strings.TrimSpace(text[starts[i]:ends[i]])
		if seg == "" {
			return nil, malformed(fmt.Sprintf("empty analysis for video %d", i+1))
		}
		segments[i] = seg
	}
	return segments, nil
}

func malformed(msg string) error {
	return &guard.Error{
		Kind:     guard.KindMalformedBatch,
		Provider: guard.ProviderGemini,
		Message:  "combined response could not be split: " + msg,
	}
}

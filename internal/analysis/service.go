// Package analysis orchestrates ad media analysis: download-through-cache,
// assistant-side image inspection, and Gemini-backed video analysis with
// batch consolidation.
package analysis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/adlens/adlens/internal/batch"
	"github.com/adlens/adlens/internal/cache"
	"github.com/adlens/adlens/internal/gemini"
	"github.com/adlens/adlens/internal/guard"
)

const (
	downloadTimeout    = 2 * time.Minute
	downloadRetries    = 2
	maxDownloadBytes   = 256 << 20
	downloadRetryDelay = 500 * time.Millisecond
)

// MediaRef points at one ad creative plus the attribution under which it was
// requested.
type MediaRef struct {
	URL        string
	Brand      string
	PlatformID string
	AdID       string
}

// ImageAnalysis carries a cached image back to the caller for assistant-side
// vision analysis.
type ImageAnalysis struct {
	Record       cache.Record
	ImageData    string // base64
	ContentType  string
	Instructions string
	FromCache    bool
}

// VideoAnalysis is one video's analysis result.
type VideoAnalysis struct {
	ContentKey string          `json:"content_key"`
	SourceURL  string          `json:"media_url"`
	Analysis   json.RawMessage `json:"analysis"`
	Model      string          `json:"model"`
	FromCache  bool            `json:"from_cache"`
}

// Service implements the analysis operations over the media store and the
// Gemini client.
type Service struct {
	logger      *slog.Logger
	store       *cache.Store
	gemini      *gemini.Client
	httpClient  *http.Client
	concurrency int
}

// NewService creates the analysis service. concurrency bounds parallel media
// downloads and uploads inside batch operations.
func NewService(log *slog.Logger, store *cache.Store, gem *gemini.Client, concurrency int) *Service {
	if concurrency <= 0 {
		concurrency = batch.DefaultConcurrency
	}
	return &Service{
		logger:      log.With(slog.String("service", "analysis")),
		store:       store,
		gemini:      gem,
		httpClient:  &http.Client{Timeout: downloadTimeout},
		concurrency: concurrency,
	}
}

// download fetches media bytes with bounded retries on network failures.
func (s *Service) download(ctx context.Context, url string) ([]byte, string, error) {
	var (
		data        []byte
		contentType string
	)
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewConstantBackOff(downloadRetryDelay), downloadRetries), ctx)
	err := backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(&guard.Error{Kind: guard.KindPermanent, Message: "invalid media url", Err: err})
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return &guard.Error{Kind: guard.KindTransient, Message: "media download failed", Err: err}
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(&guard.Error{Kind: guard.KindNotFound, Message: "media not found: " + url})
		case resp.StatusCode >= 500:
			return &guard.Error{Kind: guard.KindTransient, Message: fmt.Sprintf("media host returned %d", resp.StatusCode)}
		case resp.StatusCode >= 400:
			return backoff.Permanent(&guard.Error{Kind: guard.KindPermanent, Message: fmt.Sprintf("media host returned %d", resp.StatusCode)})
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
		if err != nil {
			return &guard.Error{Kind: guard.KindTransient, Message: "media download interrupted", Err: err}
		}
		data = body
		contentType = resp.Header.Get("Content-Type")
		return nil
	}, policy)
	if err != nil {
		return nil, "", err
	}
	return data, contentType, nil
}

// EnsureCached returns the record for ref's media, downloading and storing it
// if the raw bytes are not already cached. fromCache reports a raw-bytes hit.
// Writers for the same content key are serialized, so concurrent callers
// never download the same media twice.
func (s *Service) EnsureCached(ctx context.Context, ref MediaRef, want cache.Kind) (rec cache.Record, fromCache bool, err error) {
	key := cache.ContentKey(ref.URL)
	s.store.LockKey(key)
	defer s.store.UnlockKey(key)

	rec, found, err := s.store.Get(ctx, key)
	if err != nil {
		return cache.Record{}, false, err
	}
	if found && rec.HasRaw() {
		return rec, true, nil
	}

	data, contentType, err := s.download(ctx, ref.URL)
	if err != nil {
		return cache.Record{}, false, err
	}
	kind, ok := cache.KindForContentType(contentType)
	if !ok || (want != "" && kind != want) {
		return cache.Record{}, false, &guard.Error{
			Kind:    guard.KindPermanent,
			Message: fmt.Sprintf("unexpected content type %q for %s", contentType, ref.URL),
		}
	}

	rec, err = s.store.Put(ctx, cache.PutInput{
		SourceURL:   ref.URL,
		Kind:        kind,
		ContentType: contentType,
		Data:        data,
		Brand:       ref.Brand,
		PlatformID:  ref.PlatformID,
		AdID:        ref.AdID,
	})
	if err != nil {
		return cache.Record{}, false, err
	}
	s.logger.Info("media cached",
		slog.String("content_key", rec.ContentKey),
		slog.String("kind", string(kind)),
		slog.Int64("size_bytes", rec.SizeBytes))
	return rec, false, nil
}

// AnalyzeImage returns the image bytes plus the instruction block for the
// calling assistant's own vision analysis. No model credits are spent.
func (s *Service) AnalyzeImage(ctx context.Context, ref MediaRef) (ImageAnalysis, error) {
	rec, fromCache, err := s.EnsureCached(ctx, ref, cache.KindImage)
	if err != nil {
		return ImageAnalysis{}, fmt.Errorf("fetch image: %w", err)
	}
	data, err := s.store.ReadBlob(rec)
	if err != nil {
		return ImageAnalysis{}, fmt.Errorf("read cached image: %w", err)
	}
	return ImageAnalysis{
		Record:       rec,
		ImageData:    base64.StdEncoding.EncodeToString(data),
		ContentType:  rec.ContentType,
		Instructions: imageAnalysisInstructions,
		FromCache:    fromCache,
	}, nil
}

func rawAnalysisJSON(text string) json.RawMessage {
	doc, _ := json.Marshal(struct {
		RawAnalysis string `json:"raw_analysis"`
	}{RawAnalysis: text})
	return doc
}

// AnalyzeVideo analyzes one video, serving a cached result unless force is
// set. A storage failure downgrades to uncached operation instead of failing
// the analysis.
func (s *Service) AnalyzeVideo(ctx context.Context, ref MediaRef, force bool) (VideoAnalysis, error) {
	key := cache.ContentKey(ref.URL)
	if !force {
		rec, found, err := s.store.Get(ctx, key)
		if err != nil {
			s.logger.Warn("cache read failed, analyzing uncached", slog.Any("error", err))
		} else if found && rec.HasAnalysis() {
			return VideoAnalysis{
				ContentKey: key,
				SourceURL:  ref.URL,
				Analysis:   rec.Analysis,
				Model:      rec.AnalysisModel,
				FromCache:  true,
			}, nil
		}
	}

	rec, _, err := s.EnsureCached(ctx, ref, cache.KindVideo)
	if err != nil {
		return VideoAnalysis{}, fmt.Errorf("fetch video: %w", err)
	}
	data, err := s.store.ReadBlob(rec)
	if err != nil {
		return VideoAnalysis{}, fmt.Errorf("read cached video: %w", err)
	}

	file, err := s.gemini.UploadFile(ctx, data, rec.ContentType)
	if err != nil {
		return VideoAnalysis{}, fmt.Errorf("upload video: %w", err)
	}
	defer s.gemini.DeleteFile(context.WithoutCancel(ctx), file.Name)

	text, err := s.gemini.GenerateContent(ctx, videoAnalysisPrompt, []gemini.File{file})
	if err != nil {
		return VideoAnalysis{}, fmt.Errorf("analyze video: %w", err)
	}

	analysis := rawAnalysisJSON(text)
	if _, err := s.store.UpdateAnalysis(ctx, key, analysis, s.gemini.Model(), force); err != nil {
		s.logger.Warn("failed to cache analysis", slog.String("content_key", key), slog.Any("error", err))
	}
	return VideoAnalysis{
		ContentKey: key,
		SourceURL:  ref.URL,
		Analysis:   analysis,
		Model:      s.gemini.Model(),
	}, nil
}

// AnalyzeVideosBatch analyzes many videos with one combined model call.
// Duplicate URLs collapse to a single unit whose result fans back out to
// every requested position; already-analyzed videos are excluded from the
// combined call entirely. The returned slice is position-aligned with refs.
func (s *Service) AnalyzeVideosBatch(ctx context.Context, refs []MediaRef, force bool) []batch.Outcome[VideoAnalysis] {
	outcomes := make([]batch.Outcome[VideoAnalysis], len(refs))
	units := batch.Dedup(refs, func(r MediaRef) string { return cache.ContentKey(r.URL) })
	log := s.logger.With(slog.String("batch_id", uuid.NewString()))
	log.Info("video batch started",
		slog.Int("requested", len(refs)),
		slog.Int("unique", len(units)))

	pending := units
	if !force {
		keys := make([]string, len(units))
		for i, u := range units {
			keys[i] = u.Key
		}
		cached, err := s.store.GetBatch(ctx, keys)
		if err != nil {
			log.Warn("cache unavailable, analyzing all videos", slog.Any("error", err))
		} else {
			pending = pending[:0:0]
			for _, u := range units {
				rec, ok := cached[u.Key]
				if ok && rec.HasAnalysis() {
					va := VideoAnalysis{
						ContentKey: u.Key,
						SourceURL:  u.Item.URL,
						Analysis:   rec.Analysis,
						Model:      rec.AnalysisModel,
						FromCache:  true,
					}
					for _, p := range u.Positions {
						outcomes[p] = batch.Outcome[VideoAnalysis]{Value: va}
					}
					continue
				}
				pending = append(pending, u)
			}
		}
	}
	if len(pending) == 0 {
		log.Info("video batch served entirely from cache")
		return outcomes
	}

	// Stage 1: download and upload the pending videos concurrently. Failures
	// stay per-unit; they never abort the batch.
	files := make([]gemini.File, len(pending))
	stageErrs := make([]error, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, u := range pending {
		g.Go(func() error {
			rec, _, err := s.EnsureCached(gctx, u.Item, cache.KindVideo)
			if err != nil {
				stageErrs[i] = err
				return nil
			}
			data, err := s.store.ReadBlob(rec)
			if err != nil {
				stageErrs[i] = err
				return nil
			}
			f, err := s.gemini.UploadFile(gctx, data, rec.ContentType)
			if err != nil {
				stageErrs[i] = err
				return nil
			}
			files[i] = f
			return nil
		})
	}
	_ = g.Wait() // worker errors land in stageErrs

	var ready []int
	for i, u := range pending {
		if stageErrs[i] != nil {
			s.failPositions(outcomes, u.Positions, fmt.Errorf("prepare video: %w", stageErrs[i]))
			continue
		}
		ready = append(ready, i)
	}
	if len(ready) == 0 {
		log.Warn("no videos ready for combined analysis")
		return outcomes
	}
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)
		for _, i := range ready {
			s.gemini.DeleteFile(cleanupCtx, files[i].Name)
		}
	}()

	// Stage 2: one combined call for everything that was not cached.
	contexts := make([]batchContext, len(ready))
	readyFiles := make([]gemini.File, len(ready))
	for n, i := range ready {
		contexts[n] = batchContext{Brand: pending[i].Item.Brand, AdID: pending[i].Item.AdID}
		readyFiles[n] = files[i]
	}
	text, err := s.gemini.GenerateContent(ctx, buildBatchPrompt(contexts), readyFiles)
	if err != nil {
		for _, i := range ready {
			s.failPositions(outcomes, pending[i].Positions, fmt.Errorf("batch analysis: %w", err))
		}
		return outcomes
	}

	segments, err := splitBatchAnalysis(text, len(ready))
	if err != nil {
		// A response that cannot be demultiplexed is unusable as a whole:
		// attributing segments to the wrong videos would be worse than
		// failing every non-cached position.
		log.Error("combined response rejected", slog.Any("error", err))
		for _, i := range ready {
			s.failPositions(outcomes, pending[i].Positions, err)
		}
		return outcomes
	}

	for n, i := range ready {
		u := pending[i]
		analysis := rawAnalysisJSON(segments[n])
		if _, err := s.store.UpdateAnalysis(ctx, u.Key, analysis, s.gemini.Model(), force); err != nil {
			log.Warn("failed to cache analysis", slog.String("content_key", u.Key), slog.Any("error", err))
		}
		va := VideoAnalysis{
			ContentKey: u.Key,
			SourceURL:  u.Item.URL,
			Analysis:   analysis,
			Model:      s.gemini.Model(),
		}
		for _, p := range u.Positions {
			outcomes[p] = batch.Outcome[VideoAnalysis]{Value: va}
		}
	}
	log.Info("video batch finished",
		slog.Int("analyzed", len(ready)),
		slog.Int("from_cache", len(units)-len(pending)))
	return outcomes
}

func (s *Service) failPositions(outcomes []batch.Outcome[VideoAnalysis], positions []int, err error) {
	for _, p := range positions {
		outcomes[p] = batch.Outcome[VideoAnalysis]{Err: err}
	}
}

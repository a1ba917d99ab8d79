package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/adlens/adlens/internal/batch"
	"github.com/adlens/adlens/internal/cache"
)

type cacheStatsOutput struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Stats   cache.Stats `json:"stats"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

type searchCachedInput struct {
	Brand     string `json:"brand,omitempty" jsonschema:"Filter by brand name"`
	MediaKind string `json:"media_kind,omitempty" jsonschema:"Filter by kind: image or video"`
	Color     string `json:"color,omitempty" jsonschema:"Filter by dominant color term, e.g. red"`
	People    string `json:"people,omitempty" jsonschema:"Filter by people description term, e.g. smiling"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum records to return (default 100)"`
}

type cachedMediaRecord struct {
	ContentKey string          `json:"content_key"`
	SourceURL  string          `json:"media_url"`
	MediaKind  cache.Kind      `json:"media_kind"`
	Brands     []string        `json:"brands"`
	AdIDs      []string        `json:"ad_ids"`
	StoredAt   string          `json:"stored_at"`
	Analyzed   bool            `json:"analyzed"`
	Analysis   json.RawMessage `json:"analysis,omitempty"`
	RawEvicted bool            `json:"raw_evicted,omitempty"`
}

type searchCachedOutput struct {
	Success bool                `json:"success"`
	Message string              `json:"message"`
	Results []cachedMediaRecord `json:"results"`
	Count   int                 `json:"count"`
	Error   *ErrorInfo          `json:"error,omitempty"`
}

type cleanupInput struct {
	MaxAgeDays    int   `json:"max_age_days,omitempty" jsonschema:"Delete records older than this many days (default 30)"`
	MaxTotalBytes int64 `json:"max_total_bytes,omitempty" jsonschema:"Evict raw media oldest-first until total size fits this budget (0 = no size limit)"`
}

type cleanupOutput struct {
	Success bool                `json:"success"`
	Message string              `json:"message"`
	Result  cache.CleanupResult `json:"result"`
	Error   *ErrorInfo          `json:"error,omitempty"`
}

func (s *Service) registerCacheTools(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_cache_stats",
		Description: "Report media cache statistics: cached image and video counts, analyzed counts, raw storage size, and evicted records.",
	}, s.getCacheStats)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_cached_media",
		Description: "Find previously cached and analyzed ad media by brand, media kind, dominant color, or people description, without re-downloading anything.",
	}, s.searchCachedMedia)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "cleanup_media_cache",
		Description: "Remove old cached media and free disk space. Deletes records past the age limit, then evicts raw files (keeping their analyses) until the size budget is met.",
	}, s.cleanupMediaCache)
}

func (s *Service) getCacheStats(ctx context.Context, req *mcp.CallToolRequest, in struct{}) (*mcp.CallToolResult, any, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, cacheStatsOutput{
			Message: "Failed to read cache statistics.",
			Error:   describeError(err),
		}, nil
	}
	return nil, cacheStatsOutput{
		Success: true,
		Message: fmt.Sprintf("Cache holds %d record(s), %d analyzed, %.1f MB of raw media.",
			stats.TotalRecords, stats.Analyzed, float64(stats.TotalRawBytes)/(1024*1024)),
		Stats: stats,
	}, nil
}

func (s *Service) searchCachedMedia(ctx context.Context, req *mcp.CallToolRequest, in searchCachedInput) (*mcp.CallToolResult, any, error) {
	recs, err := s.store.Search(ctx, cache.Filter{
		Brand:      batch.NormalizeBrand(in.Brand),
		Kind:       cache.Kind(in.MediaKind),
		ColorTerm:  in.Color,
		PeopleTerm: in.People,
		Limit:      in.Limit,
	})
	if err != nil {
		return nil, searchCachedOutput{
			Message: "Cache search failed.",
			Results: []cachedMediaRecord{},
			Error:   describeError(err),
		}, nil
	}

	results := make([]cachedMediaRecord, len(recs))
	for i, r := range recs {
		results[i] = cachedMediaRecord{
			ContentKey: r.ContentKey,
			SourceURL:  r.SourceURL,
			MediaKind:  r.Kind,
			Brands:     r.Brands,
			AdIDs:      r.AdIDs,
			StoredAt:   r.StoredAt.Format("2006-01-02T15:04:05Z07:00"),
			Analyzed:   r.HasAnalysis(),
			Analysis:   r.Analysis,
			RawEvicted: !r.HasRaw(),
		}
	}
	msg := fmt.Sprintf("Found %d cached media record(s).", len(results))
	if len(results) == 0 {
		msg = "No cached media matched the filters."
	}
	return nil, searchCachedOutput{
		Success: true,
		Message: msg,
		Results: results,
		Count:   len(results),
	}, nil
}

func (s *Service) cleanupMediaCache(ctx context.Context, req *mcp.CallToolRequest, in cleanupInput) (*mcp.CallToolResult, any, error) {
	maxAge := in.MaxAgeDays
	if maxAge <= 0 {
		maxAge = 30
	}
	res, err := s.store.Cleanup(ctx, maxAge, in.MaxTotalBytes)
	if err != nil {
		return nil, cleanupOutput{
			Message: "Cache cleanup failed.",
			Error:   describeError(err),
		}, nil
	}
	return nil, cleanupOutput{
		Success: true,
		Message: fmt.Sprintf("Cleanup removed %d record(s), evicted %d raw file(s), freed %.1f MB.",
			res.RecordsDeleted, res.RawEvicted, float64(res.BytesFreed)/(1024*1024)),
		Result: res,
	}, nil
}

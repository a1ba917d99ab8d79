package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/adlens/adlens/internal/analysis"
	"github.com/adlens/adlens/internal/batch"
	"github.com/adlens/adlens/internal/cache"
)

type analyzeImageInput struct {
	MediaURLs OneOrMany[string] `json:"media_urls" jsonschema:"Ad image URL or list of URLs"`
	BrandName string            `json:"brand_name,omitempty" jsonschema:"Brand the image belongs to, for cache attribution"`
	AdID      string            `json:"ad_id,omitempty" jsonschema:"Ad archive ID, for cache attribution"`
}

type imageResult struct {
	Success        bool       `json:"success"`
	MediaURL       string     `json:"media_url"`
	Cached         bool       `json:"cached"`
	ImageData      string     `json:"image_data,omitempty"`
	ContentType    string     `json:"content_type,omitempty"`
	SourceCitation string     `json:"source_citation,omitempty"`
	Error          *ErrorInfo `json:"error,omitempty"`
}

type analyzeImageOutput struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	// Instructions apply to every returned image; the caller performs the
	// visual analysis itself.
	AnalysisInstructions string        `json:"analysis_instructions,omitempty"`
	Results              []imageResult `json:"results"`
	Error                *ErrorInfo    `json:"error,omitempty"`
}

type analyzeVideoInput struct {
	MediaURL     string `json:"media_url" jsonschema:"Ad video URL"`
	BrandName    string `json:"brand_name,omitempty" jsonschema:"Brand the video belongs to"`
	AdID         string `json:"ad_id,omitempty" jsonschema:"Ad archive ID"`
	ForceRefresh bool   `json:"force_refresh,omitempty" jsonschema:"Re-analyze even if a cached analysis exists"`
}

type analyzeVideoOutput struct {
	Success        bool            `json:"success"`
	Message        string          `json:"message"`
	MediaURL       string          `json:"media_url"`
	Cached         bool            `json:"cached"`
	Analysis       json.RawMessage `json:"analysis,omitempty"`
	Model          string          `json:"model,omitempty"`
	SourceCitation string          `json:"source_citation,omitempty"`
	Error          *ErrorInfo      `json:"error,omitempty"`
}

type analyzeVideosBatchInput struct {
	MediaURLs    []string `json:"media_urls" jsonschema:"Ad video URLs to analyze together"`
	BrandNames   []string `json:"brand_names,omitempty" jsonschema:"Optional brand per URL, aligned by index"`
	AdIDs        []string `json:"ad_ids,omitempty" jsonschema:"Optional ad archive ID per URL, aligned by index"`
	ForceRefresh bool     `json:"force_refresh,omitempty" jsonschema:"Re-analyze even if cached analyses exist"`
}

type videoBatchResult struct {
	Success  bool            `json:"success"`
	MediaURL string          `json:"media_url"`
	Cached   bool            `json:"cached"`
	Analysis json.RawMessage `json:"analysis,omitempty"`
	Model    string          `json:"model,omitempty"`
	Error    *ErrorInfo      `json:"error,omitempty"`
}

type analyzeVideosBatchOutput struct {
	Success   bool               `json:"success"`
	Message   string             `json:"message"`
	Results   []videoBatchResult `json:"results"`
	Analyzed  int                `json:"analyzed"`
	FromCache int                `json:"from_cache"`
	Failed    int                `json:"failed"`
	Error     *ErrorInfo         `json:"error,omitempty"`
}

func (s *Service) registerMediaTools(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "analyze_ad_image",
		Description: "Download ad images (through the media cache) and return them base64-encoded with detailed visual analysis instructions. The calling assistant performs the analysis itself; no model credits are spent.",
	}, s.analyzeAdImage)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "analyze_ad_video",
		Description: "Download and analyze one ad video with Gemini video understanding: scenes, text hooks, CTAs, audio, pacing and brand elements. Cached analyses are returned without a new model call.",
	}, s.analyzeAdVideo)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "analyze_ad_videos_batch",
		Description: "Analyze multiple ad videos in one combined Gemini call for token efficiency. Duplicate URLs are analyzed once, cached analyses are excluded from the call, and every input position reports its own outcome.",
	}, s.analyzeAdVideosBatch)
}

func citation(brand, adID, mediaURL string) string {
	if brand == "" {
		brand = "Ad"
	}
	if adID == "" {
		adID = "Unknown"
	}
	return fmt.Sprintf("[Facebook Ad Library - %s #%s](%s)", brand, adID, mediaURL)
}

func (s *Service) analyzeAdImage(ctx context.Context, req *mcp.CallToolRequest, in analyzeImageInput) (*mcp.CallToolResult, any, error) {
	urls := compactStrings(in.MediaURLs)
	if len(urls) == 0 {
		return nil, analyzeImageOutput{
			Message: "At least one media URL must be provided.",
			Results: []imageResult{},
			Error:   &ErrorInfo{Kind: "invalid_input", Message: "missing media urls"},
		}, nil
	}

	units := batch.Dedup(urls, cache.ContentKey)
	outcomes := batch.Run(ctx, len(urls), units, 0,
		func(ctx context.Context, u batch.WorkUnit[string]) (analysis.ImageAnalysis, error) {
			return s.analysis.AnalyzeImage(ctx, analysis.MediaRef{
				URL:   u.Item,
				Brand: batch.NormalizeBrand(in.BrandName),
				AdID:  in.AdID,
			})
		})

	out := analyzeImageOutput{
		Results: make([]imageResult, len(urls)),
	}
	failed := 0
	for i, url := range urls {
		if err := outcomes[i].Err; err != nil {
			failed++
			out.Results[i] = imageResult{MediaURL: url, Error: describeError(err)}
			continue
		}
		res := outcomes[i].Value
		out.AnalysisInstructions = res.Instructions
		out.Results[i] = imageResult{
			Success:        true,
			MediaURL:       url,
			Cached:         res.FromCache,
			ImageData:      res.ImageData,
			ContentType:    res.ContentType,
			SourceCitation: citation(in.BrandName, in.AdID, url),
		}
	}
	out.Success = failed < len(urls)
	if out.Success {
		out.Message = fmt.Sprintf("%d image(s) ready for analysis.", len(urls)-failed)
	} else {
		out.Message = "All image downloads failed."
	}
	return nil, out, nil
}

func (s *Service) analyzeAdVideo(ctx context.Context, req *mcp.CallToolRequest, in analyzeVideoInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(in.MediaURL) == "" {
		return nil, analyzeVideoOutput{
			Message: "A media URL must be provided.",
			Error:   &ErrorInfo{Kind: "invalid_input", Message: "missing media url"},
		}, nil
	}

	res, err := s.analysis.AnalyzeVideo(ctx, analysis.MediaRef{
		URL:   strings.TrimSpace(in.MediaURL),
		Brand: batch.NormalizeBrand(in.BrandName),
		AdID:  in.AdID,
	}, in.ForceRefresh)
	if err != nil {
		return nil, analyzeVideoOutput{
			Message:  "Video analysis failed.",
			MediaURL: in.MediaURL,
			Error:    describeError(err),
		}, nil
	}

	msg := "Video analysis completed successfully."
	if res.FromCache {
		msg = "Returned cached video analysis."
	}
	return nil, analyzeVideoOutput{
		Success:        true,
		Message:        msg,
		MediaURL:       in.MediaURL,
		Cached:         res.FromCache,
		Analysis:       res.Analysis,
		Model:          res.Model,
		SourceCitation: citation(in.BrandName, in.AdID, in.MediaURL),
	}, nil
}

func (s *Service) analyzeAdVideosBatch(ctx context.Context, req *mcp.CallToolRequest, in analyzeVideosBatchInput) (*mcp.CallToolResult, any, error) {
	// Brand names and ad IDs align with media_urls by position, so blank
	// URLs fail in place instead of shifting the slices underneath them.
	refs := make([]analysis.MediaRef, 0, len(in.MediaURLs))
	srcPos := make([]int, 0, len(in.MediaURLs))
	for i, url := range in.MediaURLs {
		if url = strings.TrimSpace(url); url == "" {
			continue
		}
		ref := analysis.MediaRef{URL: url}
		if i < len(in.BrandNames) {
			ref.Brand = batch.NormalizeBrand(in.BrandNames[i])
		}
		if i < len(in.AdIDs) {
			ref.AdID = in.AdIDs[i]
		}
		refs = append(refs, ref)
		srcPos = append(srcPos, i)
	}
	if len(refs) == 0 {
		return nil, analyzeVideosBatchOutput{
			Message: "At least one media URL must be provided.",
			Results: []videoBatchResult{},
			Error:   &ErrorInfo{Kind: "invalid_input", Message: "missing media urls"},
		}, nil
	}

	out := analyzeVideosBatchOutput{Results: make([]videoBatchResult, len(in.MediaURLs))}
	for i, url := range in.MediaURLs {
		if strings.TrimSpace(url) == "" {
			out.Failed++
			out.Results[i] = videoBatchResult{
				MediaURL: url,
				Error:    &ErrorInfo{Kind: "invalid_input", Message: "empty media url"},
			}
		}
	}

	outcomes := s.analysis.AnalyzeVideosBatch(ctx, refs, in.ForceRefresh)
	for j, o := range outcomes {
		i := srcPos[j]
		if o.Err != nil {
			out.Failed++
			out.Results[i] = videoBatchResult{MediaURL: refs[j].URL, Error: describeError(o.Err)}
			continue
		}
		if o.Value.FromCache {
			out.FromCache++
		} else {
			out.Analyzed++
		}
		out.Results[i] = videoBatchResult{
			Success:  true,
			MediaURL: refs[j].URL,
			Cached:   o.Value.FromCache,
			Analysis: o.Value.Analysis,
			Model:    o.Value.Model,
		}
	}
	out.Success = out.Failed < len(in.MediaURLs)
	out.Message = fmt.Sprintf("Batch complete: %d analyzed, %d from cache, %d failed.",
		out.Analyzed, out.FromCache, out.Failed)
	return nil, out, nil
}

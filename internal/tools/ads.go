package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/adlens/adlens/internal/adlib"
	"github.com/adlens/adlens/internal/batch"
)

// BatchInfo summarizes how a batched tool call fanned out.
type BatchInfo struct {
	TotalRequested int `json:"total_requested"`
	Unique         int `json:"unique"`
	Successful     int `json:"successful"`
	Failed         int `json:"failed"`
}

type platformIDInput struct {
	BrandNames OneOrMany[string] `json:"brand_names" jsonschema:"Brand name or list of brand names to search for"`
}

type platformIDOutput struct {
	Success      bool                         `json:"success"`
	Message      string                       `json:"message"`
	Results      map[string]map[string]string `json:"results"`
	Errors       map[string]*ErrorInfo        `json:"errors,omitempty"`
	BatchInfo    *BatchInfo                   `json:"batch_info,omitempty"`
	TotalResults int                          `json:"total_results"`
	AdLibraryURL string                       `json:"ad_library_url"`
	Error        *ErrorInfo                   `json:"error,omitempty"`
}

type getAdsInput struct {
	PlatformIDs OneOrMany[string] `json:"platform_ids" jsonschema:"Meta platform ID or list of platform IDs"`
	Limit       int               `json:"limit,omitempty" jsonschema:"Maximum ads per platform ID (default 50, max 1500)"`
	Country     string            `json:"country,omitempty" jsonschema:"Optional 2-letter country code, e.g. US"`
	Trim        *bool             `json:"trim,omitempty" jsonschema:"Return only essential ad fields (default true)"`
}

type getAdsOutput struct {
	Success      bool                  `json:"success"`
	Message      string                `json:"message"`
	Results      map[string][]adlib.Ad `json:"results"`
	Errors       map[string]*ErrorInfo `json:"errors,omitempty"`
	BatchInfo    *BatchInfo            `json:"batch_info,omitempty"`
	TotalAds     int                   `json:"total_ads"`
	AdLibraryURL string                `json:"ad_library_url"`
	Error        *ErrorInfo            `json:"error,omitempty"`
}

type externalAdsInput struct {
	PlatformIDs OneOrMany[string] `json:"platform_ids" jsonschema:"Meta platform ID or list of platform IDs"`
	Limit       int               `json:"limit,omitempty" jsonschema:"Maximum external ads per platform ID (default 50, max 1500)"`
	Country     string            `json:"country,omitempty" jsonschema:"Optional 2-letter country code, e.g. US"`
	MinResults  int               `json:"min_results,omitempty" jsonschema:"Fetch extra ads upstream if fewer external ads than this are found"`
}

// utmAnalysis aggregates tracking parameters across the returned ads.
type utmAnalysis struct {
	TotalAdsWithUTM    int               `json:"total_ads_with_utm"`
	UTMParametersFound []string          `json:"utm_parameters_found"`
	UTMSummary         map[string]string `json:"utm_summary"`
}

type externalAdsOutput struct {
	Success         bool                  `json:"success"`
	Message         string                `json:"message"`
	Results         map[string][]adlib.Ad `json:"results"`
	Errors          map[string]*ErrorInfo `json:"errors,omitempty"`
	BatchInfo       *BatchInfo            `json:"batch_info,omitempty"`
	ExternalAdCount int                   `json:"external_ads_count"`
	TotalAdsScanned int                   `json:"total_ads_scanned"`
	UTMAnalysis     utmAnalysis           `json:"utm_analysis"`
	Domains         []string              `json:"domains"`
	AdLibraryURL    string                `json:"ad_library_url"`
	Error           *ErrorInfo            `json:"error,omitempty"`
}

type searchAdsInput struct {
	Query        string `json:"query" jsonschema:"Keywords to search ads for"`
	Limit        int    `json:"limit,omitempty" jsonschema:"Maximum ads to return (default 50, max 1500)"`
	Country      string `json:"country,omitempty" jsonschema:"Optional 2-letter country code"`
	MediaType    string `json:"media_type,omitempty" jsonschema:"ALL, IMAGE or VIDEO (default ALL)"`
	AdType       string `json:"ad_type,omitempty" jsonschema:"ALL or POLITICAL_AND_ISSUE_ADS (default ALL)"`
	ActiveStatus string `json:"active_status,omitempty" jsonschema:"ACTIVE, INACTIVE or ALL (default ACTIVE)"`
}

type searchAdsOutput struct {
	Success      bool       `json:"success"`
	Message      string     `json:"message"`
	Results      []adlib.Ad `json:"results"`
	Count        int        `json:"count"`
	AdLibraryURL string     `json:"ad_library_url"`
	Error        *ErrorInfo `json:"error,omitempty"`
}

func (s *Service) registerAdTools(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_meta_platform_id",
		Description: "Search for companies or brands in the Meta Ad Library and return their platform IDs. Accepts a single brand name or a list; duplicate names are resolved once. Use this before get_meta_ads.",
	}, s.getMetaPlatformID)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_meta_ads",
		Description: "Retrieve currently running ads for brand(s) by Meta Platform ID, including ad text, media URLs, and full destination URLs with UTM parameters. Accepts a single platform ID or a list; duplicates are fetched once.",
	}, s.getMetaAds)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_meta_ads_external_only",
		Description: "Retrieve ads for brand(s) that lead to external websites, filtering out Meta and Google properties. Destination URLs keep their full query strings and UTM parameters for campaign attribution analysis.",
	}, s.getMetaAdsExternalOnly)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_meta_ads",
		Description: "Search the Meta Ad Library for ads by keyword, without knowing the brand. Returns ad content, media URLs and destination URLs; filters to active ads by default.",
	}, s.searchMetaAds)
}

func (s *Service) getMetaPlatformID(ctx context.Context, req *mcp.CallToolRequest, in platformIDInput) (*mcp.CallToolResult, any, error) {
	brands := compactStrings(in.BrandNames)
	if len(brands) == 0 {
		return nil, platformIDOutput{
			Message:      "At least one non-empty brand name must be provided.",
			Results:      map[string]map[string]string{},
			AdLibraryURL: adLibraryURL,
			Error:        &ErrorInfo{Kind: "invalid_input", Message: "missing brand names"},
		}, nil
	}

	units := batch.Dedup(brands, batch.NormalizeBrand)
	outcomes := batch.Run(ctx, len(brands), units, 0,
		func(ctx context.Context, u batch.WorkUnit[string]) (map[string]string, error) {
			companies, err := s.adlib.SearchCompanies(ctx, u.Item)
			if err != nil {
				return nil, err
			}
			ids := make(map[string]string, len(companies))
			for _, c := range companies {
				ids[c.Name] = c.PageID
			}
			return ids, nil
		})

	out := platformIDOutput{
		Results:      make(map[string]map[string]string, len(brands)),
		AdLibraryURL: adLibraryURL,
	}
	total := 0
	failed := 0
	for i, brand := range brands {
		if err := outcomes[i].Err; err != nil {
			failed++
			if out.Errors == nil {
				out.Errors = map[string]*ErrorInfo{}
			}
			out.Errors[brand] = describeError(err)
			out.Results[brand] = map[string]string{}
			continue
		}
		out.Results[brand] = outcomes[i].Value
		total += len(outcomes[i].Value)
	}
	out.TotalResults = total
	out.Success = failed < len(brands)
	out.BatchInfo = &BatchInfo{
		TotalRequested: len(brands),
		Unique:         len(units),
		Successful:     len(brands) - failed,
		Failed:         failed,
	}
	switch {
	case failed == len(brands):
		out.Message = "All brand lookups failed."
	case total == 0:
		out.Message = "No matching brands found in the Meta Ad Library. Try different search terms or check the spelling."
	default:
		out.Message = fmt.Sprintf("Found %d matching platform ID(s) for %d brand(s).", total, len(brands))
	}
	return nil, out, nil
}

func (s *Service) getMetaAds(ctx context.Context, req *mcp.CallToolRequest, in getAdsInput) (*mcp.CallToolResult, any, error) {
	ids := compactStrings(in.PlatformIDs)
	if len(ids) == 0 {
		return nil, getAdsOutput{
			Message:      "At least one platform ID must be provided.",
			Results:      map[string][]adlib.Ad{},
			AdLibraryURL: adLibraryURL,
			Error:        &ErrorInfo{Kind: "invalid_input", Message: "missing platform ids"},
		}, nil
	}
	trim := in.Trim == nil || *in.Trim
	query := adlib.AdsQuery{Limit: in.Limit, Country: in.Country, Trim: trim}

	units := batch.Dedup(ids, func(id string) string { return id })
	outcomes := batch.Run(ctx, len(ids), units, 0,
		func(ctx context.Context, u batch.WorkUnit[string]) ([]adlib.Ad, error) {
			return s.adlib.CompanyAds(ctx, u.Item, query)
		})

	out := getAdsOutput{
		Results:      make(map[string][]adlib.Ad, len(ids)),
		AdLibraryURL: adLibraryURL,
	}
	failed := 0
	for i, id := range ids {
		if err := outcomes[i].Err; err != nil {
			failed++
			if out.Errors == nil {
				out.Errors = map[string]*ErrorInfo{}
			}
			out.Errors[id] = describeError(err)
			out.Results[id] = []adlib.Ad{}
			continue
		}
		out.Results[id] = outcomes[i].Value
		out.TotalAds += len(outcomes[i].Value)
	}
	out.Success = failed < len(ids)
	out.BatchInfo = &BatchInfo{
		TotalRequested: len(ids),
		Unique:         len(units),
		Successful:     len(ids) - failed,
		Failed:         failed,
	}
	if failed == len(ids) {
		out.Message = "All ad retrievals failed."
	} else {
		out.Message = fmt.Sprintf("Retrieved %d ad(s) for %d platform ID(s).", out.TotalAds, len(ids))
	}
	return nil, out, nil
}

func (s *Service) getMetaAdsExternalOnly(ctx context.Context, req *mcp.CallToolRequest, in externalAdsInput) (*mcp.CallToolResult, any, error) {
	ids := compactStrings(in.PlatformIDs)
	if len(ids) == 0 {
		return nil, externalAdsOutput{
			Message:      "At least one platform ID must be provided.",
			Results:      map[string][]adlib.Ad{},
			AdLibraryURL: adLibraryURL,
			Error:        &ErrorInfo{Kind: "invalid_input", Message: "missing platform ids"},
		}, nil
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}
	// External links are a minority of ads; over-fetch when the caller asks
	// for a minimum number of hits.
	fetchLimit := limit
	if in.MinResults > fetchLimit {
		fetchLimit = min(in.MinResults*2, 1500)
	}
	query := adlib.AdsQuery{Limit: fetchLimit, Country: in.Country, Trim: false}

	units := batch.Dedup(ids, func(id string) string { return id })
	outcomes := batch.Run(ctx, len(ids), units, 0,
		func(ctx context.Context, u batch.WorkUnit[string]) ([]adlib.Ad, error) {
			return s.adlib.CompanyAds(ctx, u.Item, query)
		})

	out := externalAdsOutput{
		Results:      make(map[string][]adlib.Ad, len(ids)),
		UTMAnalysis:  utmAnalysis{UTMParametersFound: []string{}, UTMSummary: map[string]string{}},
		Domains:      []string{},
		AdLibraryURL: adLibraryURL,
	}
	domains := map[string]struct{}{}
	failed := 0
	for i, id := range ids {
		if err := outcomes[i].Err; err != nil {
			failed++
			if out.Errors == nil {
				out.Errors = map[string]*ErrorInfo{}
			}
			out.Errors[id] = describeError(err)
			out.Results[id] = []adlib.Ad{}
			continue
		}
		out.TotalAdsScanned += len(outcomes[i].Value)
		external := make([]adlib.Ad, 0, len(outcomes[i].Value))
		for _, ad := range outcomes[i].Value {
			if !ad.HasExternalLinks {
				continue
			}
			if len(external) < limit {
				external = append(external, ad)
			}
		}
		for _, ad := range external {
			if len(ad.UTMParams) > 0 {
				out.UTMAnalysis.TotalAdsWithUTM++
			}
			for k, v := range ad.UTMParams {
				out.UTMAnalysis.UTMSummary[k] = v
			}
			for _, d := range ad.Domains {
				domains[d] = struct{}{}
			}
		}
		out.Results[id] = external
		out.ExternalAdCount += len(external)
	}
	for k := range out.UTMAnalysis.UTMSummary {
		out.UTMAnalysis.UTMParametersFound = append(out.UTMAnalysis.UTMParametersFound, k)
	}
	sort.Strings(out.UTMAnalysis.UTMParametersFound)
	for d := range domains {
		out.Domains = append(out.Domains, d)
	}
	sort.Strings(out.Domains)

	out.Success = failed < len(ids)
	out.BatchInfo = &BatchInfo{
		TotalRequested: len(ids),
		Unique:         len(units),
		Successful:     len(ids) - failed,
		Failed:         failed,
	}
	switch {
	case failed == len(ids):
		out.Message = "All ad retrievals failed."
	case out.ExternalAdCount == 0:
		out.Message = fmt.Sprintf("No ads with external links found after scanning %d ad(s).", out.TotalAdsScanned)
	default:
		out.Message = fmt.Sprintf("Found %d ad(s) with external links (scanned %d total).",
			out.ExternalAdCount, out.TotalAdsScanned)
	}
	return nil, out, nil
}

func (s *Service) searchMetaAds(ctx context.Context, req *mcp.CallToolRequest, in searchAdsInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(in.Query) == "" {
		return nil, searchAdsOutput{
			Message:      "Search query cannot be empty.",
			Results:      []adlib.Ad{},
			AdLibraryURL: adLibraryURL,
			Error:        &ErrorInfo{Kind: "invalid_input", Message: "missing query"},
		}, nil
	}

	ads, err := s.adlib.SearchAds(ctx, adlib.SearchQuery{
		Query:        in.Query,
		Limit:        in.Limit,
		Country:      in.Country,
		MediaType:    in.MediaType,
		AdType:       in.AdType,
		ActiveStatus: in.ActiveStatus,
	})
	if err != nil {
		return nil, searchAdsOutput{
			Message:      fmt.Sprintf("Search for %q failed.", in.Query),
			Results:      []adlib.Ad{},
			AdLibraryURL: adLibraryURL,
			Error:        describeError(err),
		}, nil
	}
	msg := fmt.Sprintf("Found %d ad(s) for query %q.", len(ads), in.Query)
	if len(ads) == 0 {
		msg = fmt.Sprintf("No ads found for query %q.", in.Query)
	}
	return nil, searchAdsOutput{
		Success:      true,
		Message:      msg,
		Results:      ads,
		Count:        len(ads),
		AdLibraryURL: adLibraryURL,
	}, nil
}

func compactStrings(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

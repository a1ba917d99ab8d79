package adlib

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/adlens/adlens/internal/guard"
)

const (
	companySearchPath = "/v1/facebook/adLibrary/search/companies"
	adSearchPath      = "/v1/facebook/adLibrary/search/ads"
	companyAdsPath    = "/v1/facebook/adLibrary/company/ads"

	// The upstream API serves at most this many ads per query.
	maxAdsPerQuery = 1500

	defaultAdLimit   = 50
	maxPageRequests  = 10
	requestTimeout   = 30 * time.Second
	maxResponseBody  = 32 << 20
	companyCacheSize = 256
	companyCacheTTL  = 15 * time.Minute
)

// Client calls the ScrapeCreators Ads Library API. All calls go through the
// guard, so credit exhaustion and rate limits surface as classified errors.
type Client struct {
	logger     *slog.Logger
	httpClient *http.Client
	guard      *guard.Guard
	baseURL    string
	apiKey     string

	// companies memoizes brand name lookups; page IDs are stable, so a short
	// TTL only bounds staleness of the result ordering.
	companies *expirable.LRU[string, []Company]
}

// NewClient creates an Ads Library client.
func NewClient(log *slog.Logger, g *guard.Guard, baseURL, apiKey string) *Client {
	return &Client{
		logger:     log.With(slog.String("service", "adlib")),
		httpClient: &http.Client{Timeout: requestTimeout},
		guard:      g,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		companies:  expirable.NewLRU[string, []Company](companyCacheSize, nil, companyCacheTTL),
	}
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	return c.guard.Do(ctx, guard.ProviderScrapeCreators, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
		if err != nil {
			return &guard.Error{Kind: guard.KindPermanent, Provider: guard.ProviderScrapeCreators, Err: err}
		}
		req.Header.Set("x-api-key", c.apiKey)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &guard.Error{Kind: guard.KindTransient, Provider: guard.ProviderScrapeCreators, Err: err}
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return &guard.Error{Kind: guard.KindTransient, Provider: guard.ProviderScrapeCreators, Err: err}
		}
		if err := guard.ClassifyHTTP(guard.ProviderScrapeCreators, resp, body); err != nil {
			return err
		}
		if err := json.Unmarshal(body, out); err != nil {
			return &guard.Error{
				Kind:     guard.KindPermanent,
				Provider: guard.ProviderScrapeCreators,
				Message:  "unexpected response body",
				Err:      err,
			}
		}
		return nil
	})
}

// SearchCompanies resolves a brand name to candidate pages. Results are
// memoized for a short TTL.
func (c *Client) SearchCompanies(ctx context.Context, query string) ([]Company, error) {
	key := strings.ToLower(strings.TrimSpace(query))
	if cached, ok := c.companies.Get(key); ok {
		c.logger.Debug("company search cache hit", slog.String("query", key))
		return cached, nil
	}

	var res struct {
		SearchResults []Company `json:"searchResults"`
	}
	params := url.Values{"query": {query}}
	if err := c.getJSON(ctx, companySearchPath, params, &res); err != nil {
		return nil, fmt.Errorf("company search %q: %w", query, err)
	}

	companies := make([]Company, 0, len(res.SearchResults))
	for _, r := range res.SearchResults {
		if r.Name != "" && r.PageID != "" {
			companies = append(companies, r)
		}
	}
	c.companies.Add(key, companies)
	c.logger.Info("company search",
		slog.String("query", key),
		slog.Int("results", len(companies)))
	return companies, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultAdLimit
	}
	if limit > maxAdsPerQuery {
		return maxAdsPerQuery
	}
	return limit
}

// CompanyAds pages through a company's ads until the query limit, the
// pagination bound, or the end of results. Inactive ads are dropped
// client-side.
func (c *Client) CompanyAds(ctx context.Context, pageID string, q AdsQuery) ([]Ad, error) {
	limit := clampLimit(q.Limit)
	params := url.Values{
		"pageId": {pageID},
		"limit":  {strconv.Itoa(limit)},
	}
	if q.Country != "" {
		params.Set("country", strings.ToUpper(q.Country))
	}
	if q.Trim {
		params.Set("trim", "true")
	}

	return c.pageAds(ctx, companyAdsPath, params, limit, maxPageRequests, q.Trim, true)
}

// SearchAds pages through keyword search results. The server already filters
// by active status, so no client-side inactive filter is applied.
func (c *Client) SearchAds(ctx context.Context, q SearchQuery) ([]Ad, error) {
	limit := clampLimit(q.Limit)
	adType := q.AdType
	if adType == "" {
		adType = "ALL"
	}
	mediaType := q.MediaType
	if mediaType == "" {
		mediaType = "ALL"
	}
	activeStatus := q.ActiveStatus
	if activeStatus == "" {
		activeStatus = "ACTIVE"
	}
	params := url.Values{
		"query":         {q.Query},
		"limit":         {strconv.Itoa(limit)},
		"ad_type":       {adType},
		"media_type":    {mediaType},
		"active_status": {activeStatus},
	}
	if q.Country != "" {
		params.Set("country", strings.ToUpper(q.Country))
	}
	if q.Trim {
		params.Set("trim", "true")
	}

	maxRequests := maxPageRequests
	if n := limit/100 + 5; n > maxRequests {
		maxRequests = n
	}
	return c.pageAds(ctx, adSearchPath, params, limit, maxRequests, q.Trim, false)
}

func (c *Client) pageAds(ctx context.Context, path string, params url.Values, limit, maxRequests int, trim, filterInactive bool) ([]Ad, error) {
	var ads []Ad
	cursor := ""
	for requests := 0; len(ads) < limit && requests < maxRequests; requests++ {
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		var page struct {
			Results       []wireAd `json:"results"`
			SearchResults []wireAd `json:"searchResults"`
			Cursor        string   `json:"cursor"`
		}
		if err := c.getJSON(ctx, path, params, &page); err != nil {
			// Credit and rate errors must surface so the caller can act on
			// them; other mid-pagination failures yield the partial result.
			kind := guard.KindOf(err)
			if len(ads) == 0 || kind == guard.KindCreditExhausted || kind == guard.KindRateLimited {
				return nil, fmt.Errorf("fetch ads page: %w", err)
			}
			c.logger.Warn("pagination aborted, returning partial results",
				slog.Int("ads", len(ads)),
				slog.Any("error", err))
			break
		}
		results := page.Results
		if len(results) == 0 {
			results = page.SearchResults
		}
		parsed := parseAds(results, trim, filterInactive, time.Now())
		if len(parsed) == 0 {
			break
		}
		ads = append(ads, parsed...)
		cursor = page.Cursor
		if cursor == "" {
			break
		}
	}
	if len(ads) > limit {
		ads = ads[:limit]
	}
	return ads, nil
}

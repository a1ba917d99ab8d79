// Package adlib is the Meta Ads Library client, backed by the ScrapeCreators
// scraping API.
package adlib

// Company is one page match from a brand name search.
type Company struct {
	Name   string `json:"name"`
	PageID string `json:"page_id"`
}

// URLInfo is a parsed ad destination URL with its tracking parameters.
type URLInfo struct {
	FullURL   string            `json:"full_url"`
	BaseURL   string            `json:"base_url"`
	Domain    string            `json:"domain"`
	UTMParams map[string]string `json:"utm_params"`
	AllParams map[string]string `json:"all_params"`
	// IsInternal marks Meta and Google owned domains, which point back into
	// the platforms rather than at the advertiser's site.
	IsInternal bool `json:"is_internal"`
	HasUTM     bool `json:"has_utm"`
}

// Ad is one creative from the Ads Library. DCO ads fan out into one Ad per
// card, all sharing the ad_id.
type Ad struct {
	AdID      string `json:"ad_id"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
	MediaURL  string `json:"media_url"`
	Body      string `json:"body"`
	Title     string `json:"title"`
	MediaType string `json:"media_type"`

	DestinationURLs  []URLInfo         `json:"destination_urls"`
	ExternalURLs     []URLInfo         `json:"external_urls"`
	InternalURLs     []URLInfo         `json:"internal_urls"`
	HasExternalLinks bool              `json:"has_external_links"`
	UTMParams        map[string]string `json:"utm_params"`
	Domains          []string          `json:"domains"`

	// Populated only for untrimmed queries.
	PageID             string   `json:"page_id,omitempty"`
	PageName           string   `json:"page_name,omitempty"`
	PublisherPlatforms []string `json:"publisher_platforms,omitempty"`
	EffectiveStatus    string   `json:"effective_status,omitempty"`
}

// AdsQuery bounds a company ads fetch.
type AdsQuery struct {
	Limit   int
	Country string
	Trim    bool
}

// SearchQuery bounds a keyword ad search.
type SearchQuery struct {
	Query        string
	Limit        int
	Country      string
	AdType       string // ALL or POLITICAL_AND_ISSUE_ADS
	MediaType    string // ALL, IMAGE or VIDEO
	ActiveStatus string // ACTIVE, INACTIVE or ALL
	Trim         bool
}

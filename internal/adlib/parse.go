package adlib

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// flexText accepts both the {"text": "..."} object shape and a bare string,
// which the upstream API mixes freely inside snapshots and cards.
type flexText struct {
	Text string
}

func (t *flexText) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		t.Text = s
		return nil
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		// Unknown shapes degrade to empty text, not a parse failure.
		t.Text = ""
		return nil
	}
	t.Text = obj.Text
	return nil
}

type wireCard struct {
	ResizedImageURL      string    `json:"resized_image_url"`
	OriginalImageURL     string    `json:"original_image_url"`
	VideoPreviewImageURL string    `json:"video_preview_image_url"`
	Body                 *flexText `json:"body"`
	Title                *flexText `json:"title"`
}

type wireSnapshot struct {
	DisplayFormat string    `json:"display_format"`
	Body          *flexText `json:"body"`
	Title         *flexText `json:"title"`
	Images        []struct {
		ResizedImageURL string `json:"resized_image_url"`
	} `json:"images"`
	Videos []struct {
		VideoSDURL string `json:"video_sd_url"`
		VideoHDURL string `json:"video_hd_url"`
	} `json:"videos"`
	Cards []wireCard `json:"cards"`

	LinkURL        string          `json:"link_url"`
	CTAURL         string          `json:"cta_url"`
	WebsiteURL     string          `json:"website_url"`
	DestinationURL string          `json:"destination_url"`
	LandingPageURL string          `json:"landing_page_url"`
	ClickURL       string          `json:"click_url"`
	CallToAction   json.RawMessage `json:"call_to_action"`
	OutboundLinks  json.RawMessage `json:"outbound_links"`
}

type wireAd struct {
	AdArchiveID        string       `json:"ad_archive_id"`
	StartDate          *int64       `json:"start_date"`
	EndDate            *int64       `json:"end_date"`
	PageID             string       `json:"page_id"`
	PageName           string       `json:"page_name"`
	PublisherPlatforms []string     `json:"publisher_platforms"`
	EffectiveStatus    string       `json:"effective_status"`
	Snapshot           wireSnapshot `json:"snapshot"`
}

var utmKeys = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
	"utm_id", "utm_source_platform", "fbclid", "gclid",
}

// internalBaseDomains are Meta and Google owned properties. Matching by
// suffix covers subdomains.
var internalBaseDomains = []string{
	"facebook.com", "fb.com", "fbcdn.net", "facebook.net",
	"instagram.com", "ig.com",
	"messenger.com",
	"whatsapp.com", "wa.me", "whatsapp.net",
	"meta.com",
	"oculus.com",
	"threads.net",
	"google.com", "googleapis.com", "googleusercontent.com", "googletagmanager.com",
	"youtube.com", "youtu.be", "ytimg.com",
	"doubleclick.net", "googleadservices.com", "googlesyndication.com",
	"gmail.com", "googlemail.com",
	"blogger.com", "blogspot.com",
	"googleads.com", "google-analytics.com", "googleadwords.com",
}

func isInternalDomain(domain string) bool {
	for _, d := range internalBaseDomains {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

// parseURLInfo decomposes a destination URL. Unparseable URLs still come back
// with the raw value so attribution data is never silently dropped.
func parseURLInfo(raw string) URLInfo {
	info := URLInfo{
		FullURL:   raw,
		BaseURL:   raw,
		UTMParams: map[string]string{},
		AllParams: map[string]string{},
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		if i := strings.IndexByte(raw, '?'); i >= 0 {
			info.BaseURL = raw[:i]
		}
		return info
	}
	info.Domain = strings.ToLower(u.Host)
	info.BaseURL = u.Scheme + "://" + u.Host + u.Path
	for k, vs := range u.Query() {
		if len(vs) > 0 {
			info.AllParams[k] = vs[0]
		}
	}
	for _, k := range utmKeys {
		if v, ok := info.AllParams[k]; ok {
			info.UTMParams[k] = v
		}
	}
	info.IsInternal = isInternalDomain(info.Domain)
	info.HasUTM = len(info.UTMParams) > 0
	return info
}

var bodyURLPattern = regexp.MustCompile(`https?://[^\s<>"{}|\\^` + "`" + `\[\]]+[^\s<>"{}|\\^` + "`" + `\[\].,;:!?]`)

// extractSnapshotURLs collects destination URLs from the direct link fields,
// the call_to_action object, outbound_links, and the body text, deduplicated
// in first-seen order.
func extractSnapshotURLs(s wireSnapshot) []string {
	var raw []string
	raw = append(raw, s.LinkURL, s.CTAURL, s.WebsiteURL, s.DestinationURL, s.LandingPageURL, s.ClickURL)

	linkFields := []string{"link_url", "cta_url", "website_url", "destination_url", "landing_page_url", "click_url"}
	if len(s.CallToAction) > 0 {
		var cta map[string]any
		if json.Unmarshal(s.CallToAction, &cta) == nil {
			for _, f := range linkFields {
				if v, ok := cta[f].(string); ok {
					raw = append(raw, v)
				}
			}
			if link, ok := cta["link"].(map[string]any); ok {
				for _, f := range linkFields {
					if v, ok := link[f].(string); ok {
						raw = append(raw, v)
					}
				}
			}
		}
	}

	if len(s.OutboundLinks) > 0 {
		var links []any
		if json.Unmarshal(s.OutboundLinks, &links) == nil {
			for _, l := range links {
				switch v := l.(type) {
				case string:
					raw = append(raw, v)
				case map[string]any:
					for _, f := range linkFields {
						if u, ok := v[f].(string); ok {
							raw = append(raw, u)
						}
					}
				}
			}
		}
	}

	if s.Body != nil {
		raw = append(raw, bodyURLPattern.FindAllString(s.Body.Text, -1)...)
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, u := range raw {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// parseAds flattens raw Ads Library entries into Ad values. filterInactive
// drops ads whose end_date has passed; the keyword search endpoint already
// filters server-side so its caller disables it.
func parseAds(results []wireAd, trim, filterInactive bool, now time.Time) []Ad {
	var ads []Ad
	for _, w := range results {
		if w.AdArchiveID == "" {
			continue
		}
		var startDate, endDate string
		if w.StartDate != nil {
			startDate = time.Unix(*w.StartDate, 0).UTC().Format(time.RFC3339)
		}
		var endTime time.Time
		if w.EndDate != nil {
			endTime = time.Unix(*w.EndDate, 0).UTC()
			endDate = endTime.Format(time.RFC3339)
		}
		if filterInactive && !endTime.IsZero() && endTime.Before(now) {
			continue
		}

		snap := w.Snapshot
		mediaType := snap.DisplayFormat
		if mediaType != "IMAGE" && mediaType != "VIDEO" && mediaType != "DCO" {
			continue
		}

		bodies := []string{""}
		if snap.Body != nil {
			bodies[0] = snap.Body.Text
		}
		titles := []string{""}
		if snap.Title != nil {
			titles[0] = snap.Title.Text
		}

		var mediaURLs []string
		switch mediaType {
		case "IMAGE":
			if len(snap.Images) > 0 && snap.Images[0].ResizedImageURL != "" {
				mediaURLs = []string{snap.Images[0].ResizedImageURL}
			}
		case "VIDEO":
			if len(snap.Videos) > 0 && snap.Videos[0].VideoSDURL != "" {
				mediaURLs = []string{snap.Videos[0].VideoSDURL}
			}
		case "DCO":
			for _, card := range snap.Cards {
				u := card.ResizedImageURL
				if u == "" {
					u = card.OriginalImageURL
				}
				if u == "" {
					u = card.VideoPreviewImageURL
				}
				if u == "" {
					continue
				}
				mediaURLs = append(mediaURLs, u)
				if card.Body != nil {
					bodies = append(bodies, card.Body.Text)
				} else {
					bodies = append(bodies, "")
				}
				if card.Title != nil {
					titles = append(titles, card.Title.Text)
				} else {
					titles = append(titles, "")
				}
			}
		}
		if len(mediaURLs) == 0 {
			continue
		}

		// Align texts to media; media count is authoritative.
		for len(bodies) < len(mediaURLs) {
			bodies = append(bodies, bodies[0])
		}
		bodies = bodies[:len(mediaURLs)]
		for len(titles) < len(mediaURLs) {
			titles = append(titles, titles[0])
		}
		titles = titles[:len(mediaURLs)]

		var (
			parsed    []URLInfo
			external  []URLInfo
			internal  []URLInfo
			utmParams = map[string]string{}
			domainSet = map[string]struct{}{}
			domains   []string
		)
		for _, rawURL := range extractSnapshotURLs(snap) {
			info := parseURLInfo(rawURL)
			parsed = append(parsed, info)
			for k, v := range info.UTMParams {
				utmParams[k] = v
			}
			if info.IsInternal {
				internal = append(internal, info)
			} else {
				external = append(external, info)
			}
			if info.Domain != "" {
				if _, ok := domainSet[info.Domain]; !ok {
					domainSet[info.Domain] = struct{}{}
					domains = append(domains, info.Domain)
				}
			}
		}

		for i, mediaURL := range mediaURLs {
			ad := Ad{
				AdID:             w.AdArchiveID,
				StartDate:        startDate,
				EndDate:          endDate,
				MediaURL:         mediaURL,
				Body:             bodies[i],
				Title:            titles[i],
				MediaType:        mediaType,
				DestinationURLs:  parsed,
				ExternalURLs:     external,
				InternalURLs:     internal,
				HasExternalLinks: len(external) > 0,
				UTMParams:        utmParams,
				Domains:          domains,
			}
			if !trim {
				ad.PageID = w.PageID
				ad.PageName = w.PageName
				ad.PublisherPlatforms = w.PublisherPlatforms
				ad.EffectiveStatus = w.EffectiveStatus
			}
			ads = append(ads, ad)
		}
	}
	return ads
}

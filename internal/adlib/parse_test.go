package adlib

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeWireAds(t *testing.T, raw string) []wireAd {
	t.Helper()
	var ads []wireAd
	require.NoError(t, json.Unmarshal([]byte(raw), &ads))
	return ads
}

func TestParseAdsImage(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	ads := decodeWireAds(t, `[{
		"ad_archive_id": "111",
		"start_date": 1748736000,
		"page_id": "p1",
		"page_name": "Acme",
		"snapshot": {
			"display_format": "IMAGE",
			"body": {"text": "Buy now https://shop.acme.com/sale?utm_source=facebook&utm_campaign=summer"},
			"title": {"text": "Acme Sale"},
			"link_url": "https://acme.com/landing?utm_medium=cpc",
			"images": [{"resized_image_url": "https://cdn.example.com/a.jpg"}]
		}
	}]`)

	out := parseAds(ads, true, true, now)
	require.Len(t, out, 1)
	ad := out[0]
	assert.Equal(t, "111", ad.AdID)
	assert.Equal(t, "IMAGE", ad.MediaType)
	assert.Equal(t, "https://cdn.example.com/a.jpg", ad.MediaURL)
	assert.Equal(t, "Acme Sale", ad.Title)
	assert.NotEmpty(t, ad.StartDate)
	assert.Empty(t, ad.PageID) // trimmed

	// Both the link field and the URL inside the body text are captured.
	require.Len(t, ad.DestinationURLs, 2)
	assert.Equal(t, "utm_medium=cpc", "utm_medium="+ad.UTMParams["utm_medium"])
	assert.Equal(t, "facebook", ad.UTMParams["utm_source"])
	assert.Equal(t, "summer", ad.UTMParams["utm_campaign"])
	assert.True(t, ad.HasExternalLinks)
	assert.ElementsMatch(t, []string{"acme.com", "shop.acme.com"}, ad.Domains)
}

func TestParseAdsVideoAndUntrimmed(t *testing.T) {
	ads := decodeWireAds(t, `[{
		"ad_archive_id": "222",
		"page_id": "p2",
		"page_name": "Globex",
		"publisher_platforms": ["FACEBOOK", "INSTAGRAM"],
		"snapshot": {
			"display_format": "VIDEO",
			"videos": [{"video_sd_url": "https://cdn.example.com/v.mp4", "video_hd_url": "https://cdn.example.com/v-hd.mp4"}]
		}
	}]`)

	out := parseAds(ads, false, true, time.Now())
	require.Len(t, out, 1)
	assert.Equal(t, "https://cdn.example.com/v.mp4", out[0].MediaURL)
	assert.Equal(t, "p2", out[0].PageID)
	assert.Equal(t, "Globex", out[0].PageName)
	assert.Equal(t, []string{"FACEBOOK", "INSTAGRAM"}, out[0].PublisherPlatforms)
}

func TestParseAdsDCOCards(t *testing.T) {
	ads := decodeWireAds(t, `[{
		"ad_archive_id": "333",
		"snapshot": {
			"display_format": "DCO",
			"body": {"text": "main body"},
			"cards": [
				{"resized_image_url": "https://cdn.example.com/c1.jpg", "body": "card one", "title": {"text": "T1"}},
				{"original_image_url": "https://cdn.example.com/c2.jpg", "body": {"text": "card two"}}
			]
		}
	}]`)

	out := parseAds(ads, true, true, time.Now())
	require.Len(t, out, 2)
	assert.Equal(t, "333", out[0].AdID)
	assert.Equal(t, "333", out[1].AdID)
	assert.Equal(t, "https://cdn.example.com/c1.jpg", out[0].MediaURL)
	assert.Equal(t, "https://cdn.example.com/c2.jpg", out[1].MediaURL)
	assert.Equal(t, "main body", out[0].Body)
	assert.Equal(t, "card one", out[1].Body)
}

func TestParseAdsFiltersInactive(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-24 * time.Hour).Unix()
	ads := decodeWireAds(t, `[{
		"ad_archive_id": "expired",
		"end_date": `+jsonInt(past)+`,
		"snapshot": {
			"display_format": "IMAGE",
			"images": [{"resized_image_url": "https://cdn.example.com/x.jpg"}]
		}
	}]`)

	assert.Empty(t, parseAds(ads, true, true, now))
	// Server-filtered queries keep the ad regardless of end_date.
	assert.Len(t, parseAds(ads, true, false, now), 1)
}

func TestParseAdsSkipsUnsupported(t *testing.T) {
	ads := decodeWireAds(t, `[
		{"ad_archive_id": "nomedia", "snapshot": {"display_format": "IMAGE", "images": []}},
		{"ad_archive_id": "carousel", "snapshot": {"display_format": "CAROUSEL"}},
		{"snapshot": {"display_format": "IMAGE", "images": [{"resized_image_url": "u"}]}}
	]`)
	assert.Empty(t, parseAds(ads, true, true, time.Now()))
}

func TestParseURLInfo(t *testing.T) {
	info := parseURLInfo("https://Shop.Acme.com/p?utm_source=fb&ref=x&fbclid=abc")
	assert.Equal(t, "shop.acme.com", info.Domain)
	assert.Equal(t, "https://Shop.Acme.com/p", info.BaseURL)
	assert.Equal(t, "fb", info.UTMParams["utm_source"])
	assert.Equal(t, "abc", info.UTMParams["fbclid"])
	assert.Equal(t, "x", info.AllParams["ref"])
	assert.True(t, info.HasUTM)
	assert.False(t, info.IsInternal)
}

func TestParseURLInfoInternalDomains(t *testing.T) {
	for _, u := range []string{
		"https://www.facebook.com/acme",
		"https://l.instagram.com/?u=x",
		"https://wa.me/123",
		"https://www.youtube.com/watch?v=1",
	} {
		assert.True(t, parseURLInfo(u).IsInternal, u)
	}
	assert.False(t, parseURLInfo("https://notfacebook.company.com/").IsInternal)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

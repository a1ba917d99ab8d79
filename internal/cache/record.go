// Package cache is the content-addressed media store: downloaded ad images
// and videos on disk, their attribution metadata and analysis results in a
// sqlite index.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// Kind distinguishes stored media.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Record is one cached media asset and its analysis outcome.
//
// Invariant: a record with Analysis set may have its raw file evicted
// (FilePath == ""), but a record with neither raw bytes nor analysis is
// invalid and gets purged on the next lookup.
type Record struct {
	ContentKey  string
	SourceURL   string
	Kind        Kind
	ContentType string
	FilePath    string // empty means raw media evicted
	SizeBytes   int64
	StoredAt    time.Time
	LastAccess  time.Time

	// Attribution is multi-valued: the same creative is often reused by
	// several brands. Sets are unioned on write, never pruned.
	Brands      []string
	PlatformIDs []string
	AdIDs       []string

	Analysis      json.RawMessage // nil until analyzed
	AnalysisModel string
	AnalyzedAt    time.Time

	// Quick-lookup fields derived from the analysis for Search.
	DominantColors string
	PeopleTerms    string
}

// HasAnalysis reports whether an analysis result is cached for the record.
func (r Record) HasAnalysis() bool { return len(r.Analysis) > 0 }

// HasRaw reports whether the raw media file is still on disk per the index.
func (r Record) HasRaw() bool { return r.FilePath != "" }

// ContentKey derives the stable cache key for a media source URL. Keying on
// the URL (not the downloaded bytes) lets dedup happen before any download.
func ContentKey(sourceURL string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(sourceURL)))
	return hex.EncodeToString(sum[:])
}

// KindForContentType maps an HTTP content type to a media kind; ok is false
// for types that are neither image nor video.
func KindForContentType(contentType string) (Kind, bool) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(ct, "image/"):
		return KindImage, true
	case strings.HasPrefix(ct, "video/"):
		return KindVideo, true
	default:
		return "", false
	}
}

func extensionFromContentType(contentType string, kind Kind) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/quicktime":
		return ".mov"
	case "video/webm":
		return ".webm"
	case "video/x-msvideo":
		return ".avi"
	case "video/3gpp":
		return ".3gp"
	default:
		if kind == KindVideo {
			return ".mp4"
		}
		return ".jpg"
	}
}

// mergeSet unions add into base preserving first-seen order, skipping blanks.
func mergeSet(base, add []string) []string {
	seen := make(map[string]struct{}, len(base)+len(add))
	out := make([]string, 0, len(base)+len(add))
	for _, lists := range [][]string{base, add} {
		for _, v := range lists {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

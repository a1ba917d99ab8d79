package analysis

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/adlens/adlens/internal/cache"
	"github.com/adlens/adlens/internal/gemini"
	"github.com/adlens/adlens/internal/guard"
	"github.com/adlens/adlens/internal/logger"
)

const testSchema = `
CREATE TABLE media (
	content_key TEXT PRIMARY KEY,
	source_url TEXT NOT NULL,
	media_kind TEXT NOT NULL CHECK (media_kind IN ('image', 'video')),
	content_type TEXT NOT NULL DEFAULT '',
	file_path TEXT NOT NULL DEFAULT '',
	size_bytes INTEGER NOT NULL DEFAULT 0,
	stored_at INTEGER NOT NULL,
	last_access INTEGER NOT NULL,
	brands TEXT NOT NULL DEFAULT '[]',
	platform_ids TEXT NOT NULL DEFAULT '[]',
	ad_ids TEXT NOT NULL DEFAULT '[]',
	analysis_json TEXT,
	analysis_model TEXT,
	analyzed_at INTEGER,
	dominant_colors TEXT,
	people_terms TEXT
);`

// geminiStub emulates the File API and generateContent endpoints.
type geminiStub struct {
	uploads   atomic.Int32
	generates atomic.Int32
	// respond builds the combined analysis text from the prompt.
	respond func(prompt string, fileCount int) string
}

func (g *geminiStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/upload/v1beta/files":
			n := g.uploads.Add(1)
			fmt.Fprintf(w, `{"file": {"name": "files/f%d", "uri": "https://files.example/f%d", "mimeType": "video/mp4", "state": "ACTIVE"}}`, n, n)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, ":generateContent"):
			g.generates.Add(1)
			var req struct {
				Contents []struct {
					Parts []struct {
						Text     string          `json:"text"`
						FileData json.RawMessage `json:"file_data"`
					} `json:"parts"`
				} `json:"contents"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			prompt := ""
			fileCount := 0
			for _, p := range req.Contents[0].Parts {
				if p.Text != "" {
					prompt = p.Text
				}
				if len(p.FileData) > 0 {
					fileCount++
				}
			}
			text := g.respond(prompt, fileCount)
			resp := map[string]any{
				"candidates": []any{map[string]any{
					"content": map[string]any{
						"parts": []any{map[string]any{"text": text}},
					},
				}},
			}
			json.NewEncoder(w).Encode(resp)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}
}

type fixture struct {
	svc    *Service
	store  *cache.Store
	stub   *geminiStub
	media  *httptest.Server
	visits atomic.Int32
}

func newFixture(t *testing.T, mediaHandler http.HandlerFunc) *fixture {
	t.Helper()
	f := &fixture{stub: &geminiStub{}}
	f.stub.respond = func(prompt string, fileCount int) string {
		var sb strings.Builder
		for i := 1; i <= fileCount; i++ {
			fmt.Fprintf(&sb, "VIDEO %d: analysis of video %d\n", i, i)
		}
		return sb.String()
	}

	f.media = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.visits.Add(1)
		mediaHandler(w, r)
	}))
	t.Cleanup(f.media.Close)
	geminiSrv := httptest.NewServer(f.stub.handler())
	t.Cleanup(geminiSrv.Close)

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(testSchema)
	require.NoError(t, err)

	log := logger.New("error", "text", os.Stderr)
	f.store, err = cache.NewStore(log, db, t.TempDir())
	require.NoError(t, err)
	gem := gemini.NewClient(log, guard.New(log), geminiSrv.URL, "k", "test-model")
	f.svc = NewService(log, f.store, gem, 2)
	return f
}

func serveMedia(contentType string, body []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Write(body)
	}
}

func TestAnalyzeImage(t *testing.T) {
	f := newFixture(t, serveMedia("image/png", []byte("png bytes")))
	ref := MediaRef{URL: f.media.URL + "/ad.png", Brand: "acme", AdID: "1"}

	res, err := f.svc.AnalyzeImage(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, "image/png", res.ContentType)
	assert.Contains(t, res.Instructions, "Text elements")
	decoded, err := base64.StdEncoding.DecodeString(res.ImageData)
	require.NoError(t, err)
	assert.Equal(t, []byte("png bytes"), decoded)

	// Second call is served from the cache without another download.
	res, err = f.svc.AnalyzeImage(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, int32(1), f.visits.Load())
}

func TestEnsureCachedRejectsWrongKind(t *testing.T) {
	f := newFixture(t, serveMedia("text/html", []byte("<html>not a video</html>")))
	_, _, err := f.svc.EnsureCached(context.Background(), MediaRef{URL: f.media.URL + "/x"}, cache.KindVideo)
	require.Error(t, err)
	assert.Equal(t, guard.KindPermanent, guard.KindOf(err))
}

func TestAnalyzeVideo(t *testing.T) {
	f := newFixture(t, serveMedia("video/mp4", []byte("mp4 bytes")))
	f.stub.respond = func(prompt string, fileCount int) string {
		return "a detailed scene analysis"
	}
	ref := MediaRef{URL: f.media.URL + "/ad.mp4", Brand: "acme", AdID: "9"}

	res, err := f.svc.AnalyzeVideo(context.Background(), ref, false)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, "test-model", res.Model)
	assert.JSONEq(t, `{"raw_analysis": "a detailed scene analysis"}`, string(res.Analysis))

	// Cached fast path: no new upload or generation.
	res, err = f.svc.AnalyzeVideo(context.Background(), ref, false)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, int32(1), f.stub.uploads.Load())
	assert.Equal(t, int32(1), f.stub.generates.Load())
}

func TestAnalyzeVideoForceReanalyzes(t *testing.T) {
	f := newFixture(t, serveMedia("video/mp4", []byte("mp4 bytes")))
	f.stub.respond = func(string, int) string { return "take one" }
	ref := MediaRef{URL: f.media.URL + "/ad.mp4"}

	_, err := f.svc.AnalyzeVideo(context.Background(), ref, false)
	require.NoError(t, err)

	f.stub.respond = func(string, int) string { return "take two" }
	res, err := f.svc.AnalyzeVideo(context.Background(), ref, true)
	require.NoError(t, err)
	assert.JSONEq(t, `{"raw_analysis": "take two"}`, string(res.Analysis))
	assert.Equal(t, int32(2), f.stub.generates.Load())

	// The forced result replaces the cached one.
	rec, found, err := f.store.Get(context.Background(), cache.ContentKey(ref.URL))
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"raw_analysis": "take two"}`, string(rec.Analysis))
}

func TestAnalyzeVideosBatch(t *testing.T) {
	f := newFixture(t, serveMedia("video/mp4", []byte("mp4 bytes")))
	urlA := f.media.URL + "/a.mp4"
	urlB := f.media.URL + "/b.mp4"

	// b already has a cached analysis; only a should reach the model.
	_, err := f.store.Put(context.Background(), cache.PutInput{
		SourceURL: urlB, Kind: cache.KindVideo, ContentType: "video/mp4", Data: []byte("b"),
	})
	require.NoError(t, err)
	_, err = f.store.UpdateAnalysis(context.Background(), cache.ContentKey(urlB),
		json.RawMessage(`{"raw_analysis": "cached b"}`), "old-model", false)
	require.NoError(t, err)

	refs := []MediaRef{
		{URL: urlA, Brand: "acme", AdID: "1"},
		{URL: urlB, Brand: "acme", AdID: "2"},
		{URL: urlA, Brand: "globex", AdID: "3"}, // duplicate of position 0
	}
	outcomes := f.svc.AnalyzeVideosBatch(context.Background(), refs, false)
	require.Len(t, outcomes, 3)
	for i, o := range outcomes {
		require.NoError(t, o.Err, "position %d", i)
	}

	assert.False(t, outcomes[0].Value.FromCache)
	assert.JSONEq(t, `{"raw_analysis": "analysis of video 1"}`, string(outcomes[0].Value.Analysis))
	assert.True(t, outcomes[1].Value.FromCache)
	assert.JSONEq(t, `{"raw_analysis": "cached b"}`, string(outcomes[1].Value.Analysis))
	// Duplicate positions share one result without a second analysis.
	assert.Equal(t, outcomes[0].Value.ContentKey, outcomes[2].Value.ContentKey)
	assert.JSONEq(t, string(outcomes[0].Value.Analysis), string(outcomes[2].Value.Analysis))

	assert.Equal(t, int32(1), f.stub.uploads.Load())
	assert.Equal(t, int32(1), f.stub.generates.Load())

	// The fresh analysis landed in the cache.
	rec, found, err := f.store.Get(context.Background(), cache.ContentKey(urlA))
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rec.HasAnalysis())
}

func TestAnalyzeVideosBatchAllCached(t *testing.T) {
	f := newFixture(t, serveMedia("video/mp4", []byte("v")))
	url := f.media.URL + "/a.mp4"
	_, err := f.store.Put(context.Background(), cache.PutInput{
		SourceURL: url, Kind: cache.KindVideo, ContentType: "video/mp4", Data: []byte("v"),
	})
	require.NoError(t, err)
	_, err = f.store.UpdateAnalysis(context.Background(), cache.ContentKey(url),
		json.RawMessage(`{"raw_analysis": "cached"}`), "m", false)
	require.NoError(t, err)

	outcomes := f.svc.AnalyzeVideosBatch(context.Background(), []MediaRef{{URL: url}}, false)
	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)
	assert.True(t, outcomes[0].Value.FromCache)
	assert.Zero(t, f.stub.generates.Load())
	assert.Zero(t, f.visits.Load())
}

func TestAnalyzeVideosBatchMalformedResponse(t *testing.T) {
	f := newFixture(t, serveMedia("video/mp4", []byte("v")))
	f.stub.respond = func(string, int) string {
		return "an answer with no markers at all"
	}

	refs := []MediaRef{
		{URL: f.media.URL + "/a.mp4"},
		{URL: f.media.URL + "/b.mp4"},
	}
	outcomes := f.svc.AnalyzeVideosBatch(context.Background(), refs, false)
	require.Len(t, outcomes, 2)
	for i, o := range outcomes {
		require.Error(t, o.Err, "position %d", i)
		assert.Equal(t, guard.KindMalformedBatch, guard.KindOf(o.Err), "position %d", i)
	}

	// Nothing from the rejected response may be cached.
	rec, found, err := f.store.Get(context.Background(), cache.ContentKey(refs[0].URL))
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, rec.HasAnalysis())
}

func TestAnalyzeVideosBatchPartialFailure(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "missing") {
			http.NotFound(w, r)
			return
		}
		serveMedia("video/mp4", []byte("v"))(w, r)
	})

	refs := []MediaRef{
		{URL: f.media.URL + "/missing.mp4"},
		{URL: f.media.URL + "/ok.mp4"},
	}
	outcomes := f.svc.AnalyzeVideosBatch(context.Background(), refs, false)
	require.Len(t, outcomes, 2)
	require.Error(t, outcomes[0].Err)
	assert.Equal(t, guard.KindNotFound, guard.KindOf(outcomes[0].Err))
	require.NoError(t, outcomes[1].Err)
	assert.JSONEq(t, `{"raw_analysis": "analysis of video 1"}`, string(outcomes[1].Value.Analysis))
}

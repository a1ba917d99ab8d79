package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adlens/adlens/internal/guard"
	"github.com/adlens/adlens/internal/logger"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	log := logger.New("error", "text", os.Stderr)
	c := NewClient(log, guard.New(log), srv.URL, "test-key", "test-model")
	c.pollInterval = time.Millisecond
	return c
}

func TestUploadFileImmediatelyActive(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/upload/v1beta/files", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		assert.Equal(t, "video/mp4", r.Header.Get("Content-Type"))
		fmt.Fprint(w, `{"file": {"name": "files/abc", "uri": "https://files.example/abc", "mimeType": "video/mp4", "state": "ACTIVE"}}`)
	})

	f, err := c.UploadFile(context.Background(), []byte("video bytes"), "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, "files/abc", f.Name)
	assert.Equal(t, StateActive, f.State)
}

func TestUploadFilePollsUntilActive(t *testing.T) {
	var polls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			fmt.Fprint(w, `{"file": {"name": "files/abc", "uri": "https://files.example/abc", "mimeType": "video/mp4", "state": "PROCESSING"}}`)
		case r.Method == http.MethodGet:
			assert.Equal(t, "/v1beta/files/abc", r.URL.Path)
			if polls.Add(1) < 2 {
				fmt.Fprint(w, `{"name": "files/abc", "state": "PROCESSING"}`)
			} else {
				fmt.Fprint(w, `{"name": "files/abc", "state": "ACTIVE"}`)
			}
		}
	})

	f, err := c.UploadFile(context.Background(), []byte("v"), "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, StateActive, f.State)
	// The poll responses omit the URI; it carries over from the upload.
	assert.Equal(t, "https://files.example/abc", f.URI)
	assert.Equal(t, "video/mp4", f.MIMEType)
	assert.Equal(t, int32(2), polls.Load())
}

func TestUploadFileFailedState(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			fmt.Fprint(w, `{"file": {"name": "files/bad", "state": "PROCESSING"}}`)
			return
		}
		fmt.Fprint(w, `{"name": "files/bad", "state": "FAILED"}`)
	})

	_, err := c.UploadFile(context.Background(), []byte("v"), "video/mp4")
	require.Error(t, err)
	assert.Equal(t, guard.KindPermanent, guard.KindOf(err))
}

func TestUploadFileCreditExhausted(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	})
	_, err := c.UploadFile(context.Background(), []byte("v"), "video/mp4")
	require.Error(t, err)
	assert.Equal(t, guard.KindCreditExhausted, guard.KindOf(err))
}

func TestGenerateContent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/test-model:generateContent", r.URL.Path)
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Contents, 1)
		parts := req.Contents[0].Parts
		require.Len(t, parts, 2)
		assert.Equal(t, "describe this", parts[0].Text)
		require.NotNil(t, parts[1].FileData)
		assert.Equal(t, "https://files.example/abc", parts[1].FileData.FileURI)
		fmt.Fprint(w, `{"candidates": [{"content": {"parts": [{"text": "a red "}, {"text": "sneaker ad"}]}}]}`)
	})

	text, err := c.GenerateContent(context.Background(), "describe this",
		[]File{{URI: "https://files.example/abc", MIMEType: "video/mp4"}})
	require.NoError(t, err)
	assert.Equal(t, "a red sneaker ad", text)
}

func TestGenerateContentEmptyResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates": []}`)
	})
	_, err := c.GenerateContent(context.Background(), "p", nil)
	require.Error(t, err)
	assert.Equal(t, guard.KindPermanent, guard.KindOf(err))
}

func TestDeleteFileBestEffort(t *testing.T) {
	var deleted atomic.Bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v1beta/files/abc", r.URL.Path)
		deleted.Store(true)
	})
	c.DeleteFile(context.Background(), "files/abc")
	assert.True(t, deleted.Load())
}

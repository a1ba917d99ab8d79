// Package gemini is a minimal client for the Gemini API: File API uploads
// and multimodal content generation.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adlens/adlens/internal/guard"
)

// File API processing states.
const (
	StateProcessing = "PROCESSING"
	StateActive     = "ACTIVE"
	StateFailed     = "FAILED"
)

const (
	filePollInterval = 2 * time.Second
	filePollTimeout  = 5 * time.Minute
	requestTimeout   = 4 * time.Minute
	maxResponseBody  = 16 << 20
)

// File is an uploaded File API object.
type File struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType"`
	State    string `json:"state"`
}

// Client calls the Gemini REST API. Uploads and generation go through the
// guard; file deletion is best-effort cleanup and does not.
type Client struct {
	logger     *slog.Logger
	httpClient *http.Client
	guard      *guard.Guard
	baseURL    string
	apiKey     string
	model      string

	pollInterval time.Duration
}

// NewClient creates a Gemini client for the given model.
func NewClient(log *slog.Logger, g *guard.Guard, baseURL, apiKey, model string) *Client {
	return &Client{
		logger:     log.With(slog.String("service", "gemini")),
		httpClient: &http.Client{Timeout: requestTimeout},
		guard:      g,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,

		pollInterval: filePollInterval,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

func (c *Client) do(ctx context.Context, method, url string, contentType string, body []byte, out any) error {
	return c.guard.Do(ctx, guard.ProviderGemini, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return &guard.Error{Kind: guard.KindPermanent, Provider: guard.ProviderGemini, Err: err}
		}
		req.Header.Set("x-goog-api-key", c.apiKey)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &guard.Error{Kind: guard.KindTransient, Provider: guard.ProviderGemini, Err: err}
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return &guard.Error{Kind: guard.KindTransient, Provider: guard.ProviderGemini, Err: err}
		}
		if err := guard.ClassifyHTTP(guard.ProviderGemini, resp, respBody); err != nil {
			return err
		}
		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return &guard.Error{
					Kind:     guard.KindPermanent,
					Provider: guard.ProviderGemini,
					Message:  "unexpected response body",
					Err:      err,
				}
			}
		}
		return nil
	})
}

// UploadFile pushes media bytes to the File API and waits until the file is
// ACTIVE. A FAILED processing state is permanent.
func (c *Client) UploadFile(ctx context.Context, data []byte, mimeType string) (File, error) {
	var uploaded struct {
		File File `json:"file"`
	}
	uploadURL := c.baseURL + "/upload/v1beta/files"
	if err := c.do(ctx, http.MethodPost, uploadURL, mimeType, data, &uploaded); err != nil {
		return File{}, fmt.Errorf("upload file: %w", err)
	}
	f := uploaded.File
	c.logger.Debug("file uploaded",
		slog.String("name", f.Name),
		slog.String("state", f.State))

	deadline := time.Now().Add(filePollTimeout)
	for f.State == StateProcessing {
		if time.Now().After(deadline) {
			return File{}, &guard.Error{
				Kind:     guard.KindTransient,
				Provider: guard.ProviderGemini,
				Message:  "file processing timed out: " + f.Name,
			}
		}
		select {
		case <-ctx.Done():
			return File{}, &guard.Error{Kind: guard.KindTransient, Provider: guard.ProviderGemini, Err: ctx.Err()}
		case <-time.After(c.pollInterval):
		}
		var polled File
		if err := c.do(ctx, http.MethodGet, c.baseURL+"/v1beta/"+f.Name, "", nil, &polled); err != nil {
			return File{}, fmt.Errorf("poll file %s: %w", f.Name, err)
		}
		// The upload response carries the URI; polls may omit it.
		if polled.URI == "" {
			polled.URI = f.URI
		}
		if polled.MIMEType == "" {
			polled.MIMEType = f.MIMEType
		}
		f = polled
	}
	if f.State == StateFailed {
		return File{}, &guard.Error{
			Kind:     guard.KindPermanent,
			Provider: guard.ProviderGemini,
			Message:  "file processing failed: " + f.Name,
		}
	}
	return f, nil
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text     string    `json:"text,omitempty"`
	FileData *fileData `json:"file_data,omitempty"`
}

type fileData struct {
	FileURI  string `json:"file_uri"`
	MIMEType string `json:"mime_type"`
}

// GenerateContent runs one multimodal generation over the uploaded files
// plus a text prompt and returns the concatenated text of the first
// candidate. An empty response is a permanent failure.
func (c *Client) GenerateContent(ctx context.Context, prompt string, files []File) (string, error) {
	parts := make([]part, 0, len(files)+1)
	parts = append(parts, part{Text: prompt})
	for _, f := range files {
		parts = append(parts, part{FileData: &fileData{FileURI: f.URI, MIMEType: f.MIMEType}})
	}
	body, err := json.Marshal(generateRequest{Contents: []content{{Parts: parts}}})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	var res struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	url := c.baseURL + "/v1beta/models/" + c.model + ":generateContent"
	if err := c.do(ctx, http.MethodPost, url, "application/json", body, &res); err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}

	var sb strings.Builder
	if len(res.Candidates) > 0 {
		for _, p := range res.Candidates[0].Content.Parts {
			sb.WriteString(p.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", &guard.Error{
			Kind:     guard.KindPermanent,
			Provider: guard.ProviderGemini,
			Message:  "model returned an empty response",
		}
	}
	return text, nil
}

// DeleteFile removes an uploaded file. Failures are logged, not returned:
// the File API expires files on its own after two days.
func (c *Client) DeleteFile(ctx context.Context, name string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1beta/"+name, nil)
	if err != nil {
		return
	}
	req.Header.Set("x-goog-api-key", c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("failed to delete file", slog.String("name", name), slog.Any("error", err))
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		c.logger.Warn("failed to delete file",
			slog.String("name", name),
			slog.Int("status", resp.StatusCode))
		return
	}
	c.logger.Debug("file deleted", slog.String("name", name))
}

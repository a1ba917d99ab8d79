// Package tools exposes the ad library, media analysis, and cache operations
// as MCP tools.
package tools

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/adlens/adlens/internal/adlib"
	"github.com/adlens/adlens/internal/analysis"
	"github.com/adlens/adlens/internal/cache"
	"github.com/adlens/adlens/internal/guard"
)

const adLibraryURL = "https://www.facebook.com/ads/library/"

// Service wires tool handlers to the underlying services.
type Service struct {
	logger   *slog.Logger
	adlib    *adlib.Client
	analysis *analysis.Service
	store    *cache.Store
}

// NewService creates the tool service.
func NewService(log *slog.Logger, ads *adlib.Client, an *analysis.Service, store *cache.Store) *Service {
	return &Service{
		logger:   log.With(slog.String("service", "tools")),
		adlib:    ads,
		analysis: an,
		store:    store,
	}
}

// Register adds every tool to the server.
func (s *Service) Register(server *mcp.Server) {
	s.registerAdTools(server)
	s.registerMediaTools(server)
	s.registerCacheTools(server)
}

// OneOrMany accepts either a bare value or a list, normalized to a slice.
type OneOrMany[T any] []T

func (o *OneOrMany[T]) UnmarshalJSON(b []byte) error {
	var many []T
	if err := json.Unmarshal(b, &many); err == nil {
		*o = many
		return nil
	}
	var single T
	if err := json.Unmarshal(b, &single); err != nil {
		return err
	}
	*o = OneOrMany[T]{single}
	return nil
}

// ErrorInfo is the error half of a tool payload: enough classification and
// remediation data for the assistant to act without retry guessing.
type ErrorInfo struct {
	Kind              string `json:"kind"`
	Message           string `json:"message"`
	TopUpURL          string `json:"topup_url,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

func describeError(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{
		Kind:    string(guard.KindPermanent),
		Message: err.Error(),
	}
	var ge *guard.Error
	if errors.As(err, &ge) {
		info.Kind = string(ge.Kind)
		info.TopUpURL = ge.TopUpURL
		if ge.RetryAfter > 0 {
			info.RetryAfterSeconds = int(ge.RetryAfter / time.Second)
		}
	}
	return info
}

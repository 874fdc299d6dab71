package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/pressroom/pressroom/pkg/core"
)

// Document is one item as reported by the external content source.
type Document struct {
	ExternalID   string    `json:"external_id"`
	Title        string    `json:"title"`
	Body         string    `json:"body,omitempty"`
	ModifiedTime time.Time `json:"modified_time"`
	ContentHash  string    `json:"content_hash"`

	// Metadata is passed through into the unit's metadata bag.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Source is the external content source contract. List must be idempotent
// under repeated calls with the same cursor.
type Source interface {
	// Name identifies the source system (the first half of the external
	// identity key).
	Name() string

	// List returns up to pageSize documents ordered by last-modified
	// descending, plus the cursor for the next page ("" when exhausted).
	List(ctx context.Context, pageSize int, cursor string) ([]Document, string, error)

	// Fetch retrieves the full body of a single document.
	Fetch(ctx context.Context, externalID string) (string, error)
}

// HTTPSourceConfig configures the HTTP content source client.
type HTTPSourceConfig struct {
	// Name is the source system name recorded on every unit.
	Name string

	// BaseURL is the root of the document-listing API.
	BaseURL string

	// Token is an optional bearer token.
	Token string

	// Timeout bounds each request.
	Timeout time.Duration

	// RetryMax is the per-request retry bound of the HTTP client. Transport
	// retries are separate from the engine's per-item retry counters.
	RetryMax int
}

// HTTPSource is a Source over a JSON document-listing API.
type HTTPSource struct {
	cfg    HTTPSourceConfig
	client *retryablehttp.Client
	logger zerolog.Logger
}

// NewHTTPSource creates an HTTP source client with transport-level retries.
func NewHTTPSource(cfg HTTPSourceConfig, logger zerolog.Logger) *HTTPSource {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 2
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = nil
	// Keep the final response when retries run out so the status code can
	// be classified instead of collapsing into a generic error.
	client.ErrorHandler = func(resp *http.Response, err error, _ int) (*http.Response, error) {
		return resp, err
	}

	return &HTTPSource{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "http-source").Str("source", cfg.Name).Logger(),
	}
}

// Name returns the configured source system name.
func (s *HTTPSource) Name() string {
	return s.cfg.Name
}

type listResponse struct {
	Documents  []Document `json:"documents"`
	NextCursor string     `json:"next_cursor"`
}

// List fetches one page of documents.
func (s *HTTPSource) List(ctx context.Context, pageSize int, cursor string) ([]Document, string, error) {
	endpoint, err := url.Parse(s.cfg.BaseURL + "/documents")
	if err != nil {
		return nil, "", core.NewPermanentError("invalid source base URL", err).WithCode(core.CodeValidation)
	}
	q := endpoint.Query()
	q.Set("limit", strconv.Itoa(pageSize))
	q.Set("order", "modified_desc")
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint.RawQuery = q.Encode()

	var resp listResponse
	if err := s.getJSON(ctx, endpoint.String(), &resp); err != nil {
		return nil, "", err
	}
	return resp.Documents, resp.NextCursor, nil
}

type fetchResponse struct {
	Body string `json:"body"`
}

// Fetch retrieves the full body of one document.
func (s *HTTPSource) Fetch(ctx context.Context, externalID string) (string, error) {
	endpoint := fmt.Sprintf("%s/documents/%s/content", s.cfg.BaseURL, url.PathEscape(externalID))
	var resp fetchResponse
	if err := s.getJSON(ctx, endpoint, &resp); err != nil {
		return "", err
	}
	return resp.Body, nil
}

func (s *HTTPSource) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return core.NewPermanentError("failed to build source request", err).WithCode(core.CodeValidation)
	}
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if resp == nil {
		return core.NewTransientError("content source unreachable", err).
			WithCode(core.CodeSourceUnavailable).WithOperation("source_get")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return core.NewThrottledError("content source rate limited", nil).
			WithCode(core.CodeSourceUnavailable)
	case resp.StatusCode >= 500:
		return core.NewTransientError(
			fmt.Sprintf("content source returned %d", resp.StatusCode), nil,
		).WithCode(core.CodeSourceUnavailable)
	case resp.StatusCode != http.StatusOK:
		return core.NewPermanentError(
			fmt.Sprintf("content source returned %d", resp.StatusCode), nil,
		).WithCode(core.CodeSourceUnavailable)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return core.NewPermanentError("failed to decode source response", err).
			WithCode(core.CodeSourceUnavailable)
	}
	return nil
}

// Package webhook publishes through a REST publishing API: drafts are
// created and filled over JSON endpoints, then submitted and polled live.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/pressroom/pressroom/pkg/core"
	"github.com/pressroom/pressroom/pkg/publish"
)

// Config configures the webhook provider.
type Config struct {
	// Name is the provider name used in attempt records and ordering.
	// Default "webhook".
	Name string

	// BaseURL is the root of the publishing API.
	BaseURL string

	// APIKey is exchanged for a session token during authentication.
	APIKey string

	// Timeout bounds each request. Default 30s.
	Timeout time.Duration

	// RetryMax is the transport-level retry bound. The protocol's own
	// per-step retry sits above this. Default 1.
	RetryMax int

	// Cost is the reported cost per attempt.
	Cost float64
}

// Provider is the REST publishing provider.
type Provider struct {
	cfg    Config
	client *retryablehttp.Client
	logger zerolog.Logger
}

// New creates a webhook provider.
func New(cfg Config, logger zerolog.Logger) *Provider {
	if cfg.Name == "" {
		cfg.Name = "webhook"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 1
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

	return &Provider{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "webhook-provider").Str("provider", cfg.Name).Logger(),
	}
}

// Name returns the configured provider name.
func (p *Provider) Name() string { return p.cfg.Name }

// CostPerAttempt returns the configured cost.
func (p *Provider) CostPerAttempt() float64 { return p.cfg.Cost }

// Authenticate exchanges the API key for a session token.
func (p *Provider) Authenticate(ctx context.Context, pub *publish.Publication) (publish.StepOutcome, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := p.doJSON(ctx, http.MethodPost, "/auth", "", map[string]string{"api_key": p.cfg.APIKey}, &resp)
	if err != nil {
		return publish.StepOutcome{}, err
	}
	if resp.Token == "" {
		return publish.StepOutcome{}, core.NewPermanentError("auth response carried no token", nil).
			WithCode(core.CodePublishStepFailed)
	}
	pub.Token = resp.Token
	return publish.StepOutcome{}, nil
}

// CreateDraft creates the platform-side draft.
func (p *Provider) CreateDraft(ctx context.Context, pub *publish.Publication) (publish.StepOutcome, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := p.doJSON(ctx, http.MethodPost, "/drafts", pub.Token, map[string]string{
		"external_id": pub.Unit.ExternalID,
		"title":       pub.Unit.Title,
	}, &resp)
	if err != nil {
		return publish.StepOutcome{}, err
	}
	pub.DraftID = resp.ID
	return publish.StepOutcome{Artifact: "draft:" + resp.ID}, nil
}

// FillContent uploads the body.
func (p *Provider) FillContent(ctx context.Context, pub *publish.Publication) (publish.StepOutcome, error) {
	err := p.doJSON(ctx, http.MethodPut, "/drafts/"+pub.DraftID+"/content", pub.Token,
		map[string]string{"body": pub.Unit.Body}, nil)
	return publish.StepOutcome{}, err
}

// AttachMedia uploads media references from the unit metadata. Units
// without media pass through.
func (p *Provider) AttachMedia(ctx context.Context, pub *publish.Publication) (publish.StepOutcome, error) {
	media, ok := pub.Unit.Metadata["media"]
	if !ok {
		return publish.StepOutcome{}, nil
	}
	err := p.doJSON(ctx, http.MethodPost, "/drafts/"+pub.DraftID+"/media", pub.Token,
		map[string]interface{}{"media": media}, nil)
	return publish.StepOutcome{}, err
}

// SetPlatformMetadata pushes the unit metadata bag.
func (p *Provider) SetPlatformMetadata(ctx context.Context, pub *publish.Publication) (publish.StepOutcome, error) {
	err := p.doJSON(ctx, http.MethodPut, "/drafts/"+pub.DraftID+"/metadata", pub.Token,
		map[string]interface{}{"metadata": pub.Unit.Metadata}, nil)
	return publish.StepOutcome{}, err
}

// SetTaxonomy pushes tags from the unit metadata, if any.
func (p *Provider) SetTaxonomy(ctx context.Context, pub *publish.Publication) (publish.StepOutcome, error) {
	tags, ok := pub.Unit.Metadata["tags"]
	if !ok {
		return publish.StepOutcome{}, nil
	}
	err := p.doJSON(ctx, http.MethodPut, "/drafts/"+pub.DraftID+"/taxonomy", pub.Token,
		map[string]interface{}{"tags": tags}, nil)
	return publish.StepOutcome{}, err
}

// Submit publishes the draft.
func (p *Provider) Submit(ctx context.Context, pub *publish.Publication) (publish.StepOutcome, error) {
	var resp struct {
		URL string `json:"url"`
	}
	err := p.doJSON(ctx, http.MethodPost, "/drafts/"+pub.DraftID+"/submit", pub.Token, nil, &resp)
	if err != nil {
		return publish.StepOutcome{}, err
	}
	pub.URL = resp.URL
	return publish.StepOutcome{URL: resp.URL}, nil
}

// VerifyLive confirms the platform reports the item live.
func (p *Provider) VerifyLive(ctx context.Context, pub *publish.Publication) (publish.StepOutcome, error) {
	var resp struct {
		Live bool   `json:"live"`
		URL  string `json:"url"`
	}
	err := p.doJSON(ctx, http.MethodGet, "/drafts/"+pub.DraftID+"/status", pub.Token, nil, &resp)
	if err != nil {
		return publish.StepOutcome{}, err
	}
	if !resp.Live {
		return publish.StepOutcome{}, core.NewTransientError("item not live yet", nil).
			WithCode(core.CodePublishStepFailed)
	}
	url := resp.URL
	if url == "" {
		url = pub.URL
	}
	return publish.StepOutcome{URL: url}, nil
}

// doJSON performs one API call with classified error mapping.
func (p *Provider) doJSON(ctx context.Context, method, path, token string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return core.NewPermanentError("failed to encode request", err).
				WithCode(core.CodePublishStepFailed)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return core.NewPermanentError("failed to build request", err).
			WithCode(core.CodePublishStepFailed)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if resp == nil {
		return core.NewTransientError("publishing API unreachable", err).
			WithCode(core.CodePublishStepFailed)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return core.NewThrottledError("publishing API rate limited", nil).
			WithCode(core.CodePublishStepFailed)
	case resp.StatusCode >= 500:
		return core.NewTransientError(
			fmt.Sprintf("publishing API returned %d", resp.StatusCode), nil,
		).WithCode(core.CodePublishStepFailed)
	case resp.StatusCode >= 400:
		return core.NewPermanentError(
			fmt.Sprintf("publishing API rejected request with %d", resp.StatusCode), nil,
		).WithCode(core.CodePublishStepFailed)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return core.NewPermanentError("failed to decode response", err).
				WithCode(core.CodePublishStepFailed)
		}
	}
	return nil
}

// Package agent publishes through a browser-automation sidecar: each
// protocol step becomes one driver action inside a browser session, and
// every action returns a screenshot reference kept as the step artifact.
package agent

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

// Config configures the browser-agent provider.
type Config struct {
	// Name is the provider name. Default "agent".
	Name string

	// BaseURL is the sidecar's control API.
	BaseURL string

	// Platform names the target platform profile the sidecar drives.
	Platform string

	// Username and Password are the platform credentials the agent types in.
	Username string
	Password string

	// Timeout bounds each action; browser steps are slow. Default 2m.
	Timeout time.Duration

	// Cost is the reported cost per attempt. Browser attempts are priced
	// well above API attempts.
	Cost float64
}

// Provider drives the sidecar.
type Provider struct {
	cfg    Config
	client *retryablehttp.Client
	logger zerolog.Logger
}

// New creates an agent provider.
func New(cfg Config, logger zerolog.Logger) *Provider {
	if cfg.Name == "" {
		cfg.Name = "agent"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 0 // step retry is the orchestrator's job
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = nil
	client.ErrorHandler = func(resp *http.Response, err error, _ int) (*http.Response, error) {
		return resp, err
	}

	return &Provider{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "agent-provider").Str("provider", cfg.Name).Logger(),
	}
}

// Name returns the configured provider name.
func (p *Provider) Name() string { return p.cfg.Name }

// CostPerAttempt returns the configured cost.
func (p *Provider) CostPerAttempt() float64 { return p.cfg.Cost }

const sessionKey = "agent_session"

// actionResult is what the sidecar returns for every action.
type actionResult struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	Screenshot string `json:"screenshot,omitempty"`
	Value      string `json:"value,omitempty"`
	URL        string `json:"url,omitempty"`
}

// Authenticate opens a browser session and logs in.
func (p *Provider) Authenticate(ctx context.Context, pub *publish.Publication) (publish.StepOutcome, error) {
	var resp struct {
		SessionID string `json:"session_id"`
		actionResult
	}
	err := p.post(ctx, "/sessions", map[string]string{
		"platform": p.cfg.Platform,
		"username": p.cfg.Username,
		"password": p.cfg.Password,
	}, &resp)
	if err != nil {
		return publish.StepOutcome{}, err
	}
	if outcome, err := p.check(resp.actionResult); err != nil {
		return outcome, err
	}
	pub.Values[sessionKey] = resp.SessionID
	return publish.StepOutcome{Artifact: resp.Screenshot}, nil
}

// CreateDraft navigates to the editor and opens a new draft.
func (p *Provider) CreateDraft(ctx context.Context, pub *publish.Publication) (publish.StepOutcome, error) {
	res, err := p.action(ctx, pub, "create_draft", map[string]string{"title": pub.Unit.Title})
	if err != nil {
		return publish.StepOutcome{}, err
	}
	pub.DraftID = res.Value
	return publish.StepOutcome{Artifact: res.Screenshot}, nil
}

// FillContent types the body into the editor.
func (p *Provider) FillContent(ctx context.Context, pub *publish.Publication) (publish.StepOutcome, error) {
	res, err := p.action(ctx, pub, "fill_content", map[string]string{"body": pub.Unit.Body})
	if err != nil {
		return publish.StepOutcome{}, err
	}
	return publish.StepOutcome{Artifact: res.Screenshot}, nil
}

// AttachMedia uploads media through the editor's upload dialog.
func (p *Provider) AttachMedia(ctx context.Context, pub *publish.Publication) (publish.StepOutcome, error) {
	if _, ok := pub.Unit.Metadata["media"]; !ok {
		return publish.StepOutcome{}, nil
	}
	res, err := p.action(ctx, pub, "attach_media", pub.Unit.Metadata)
	if err != nil {
		return publish.StepOutcome{}, err
	}
	return publish.StepOutcome{Artifact: res.Screenshot}, nil
}

// SetPlatformMetadata fills the platform settings panel.
func (p *Provider) SetPlatformMetadata(ctx context.Context, pub *publish.Publication) (publish.StepOutcome, error) {
	res, err := p.action(ctx, pub, "set_metadata", pub.Unit.Metadata)
	if err != nil {
		return publish.StepOutcome{}, err
	}
	return publish.StepOutcome{Artifact: res.Screenshot}, nil
}

// SetTaxonomy fills tags and categories.
func (p *Provider) SetTaxonomy(ctx context.Context, pub *publish.Publication) (publish.StepOutcome, error) {
	res, err := p.action(ctx, pub, "set_taxonomy", pub.Unit.Metadata)
	if err != nil {
		return publish.StepOutcome{}, err
	}
	return publish.StepOutcome{Artifact: res.Screenshot}, nil
}

// Submit clicks publish.
func (p *Provider) Submit(ctx context.Context, pub *publish.Publication) (publish.StepOutcome, error) {
	res, err := p.action(ctx, pub, "submit", nil)
	if err != nil {
		return publish.StepOutcome{}, err
	}
	if res.URL != "" {
		pub.URL = res.URL
	}
	return publish.StepOutcome{Artifact: res.Screenshot, URL: res.URL}, nil
}

// VerifyLive loads the published page in the browser and confirms it.
func (p *Provider) VerifyLive(ctx context.Context, pub *publish.Publication) (publish.StepOutcome, error) {
	res, err := p.action(ctx, pub, "verify_live", map[string]string{"url": pub.URL})
	if err != nil {
		return publish.StepOutcome{}, err
	}
	url := res.URL
	if url == "" {
		url = pub.URL
	}
	return publish.StepOutcome{Artifact: res.Screenshot, URL: url}, nil
}

// action runs one driver action in the unit's session.
func (p *Provider) action(ctx context.Context, pub *publish.Publication, name string, payload interface{}) (actionResult, error) {
	session := pub.Values[sessionKey]
	if session == "" {
		return actionResult{}, core.NewPermanentError("no browser session established", nil).
			WithCode(core.CodePublishStepFailed)
	}

	var res actionResult
	err := p.post(ctx, "/sessions/"+session+"/actions", map[string]interface{}{
		"action":  name,
		"payload": payload,
	}, &res)
	if err != nil {
		return actionResult{}, err
	}
	if _, err := p.check(res); err != nil {
		return res, err
	}
	return res, nil
}

// check converts a sidecar-reported failure into a classified error. The
// screenshot is kept on the outcome so failed steps still carry evidence.
func (p *Provider) check(res actionResult) (publish.StepOutcome, error) {
	if res.OK {
		return publish.StepOutcome{Artifact: res.Screenshot}, nil
	}

	outcome := publish.StepOutcome{Artifact: res.Screenshot}
	if res.Retryable {
		return outcome, core.NewTransientError(res.Error, nil).WithCode(core.CodePublishStepFailed)
	}
	return outcome, core.NewPermanentError(res.Error, nil).WithCode(core.CodePublishStepFailed)
}

// post performs one control-API call.
func (p *Provider) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return core.NewPermanentError("failed to encode request", err).
			WithCode(core.CodePublishStepFailed)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return core.NewPermanentError("failed to build request", err).
			WithCode(core.CodePublishStepFailed)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if resp == nil {
		return core.NewTransientError("agent sidecar unreachable", err).
			WithCode(core.CodePublishStepFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return core.NewTransientError(
			fmt.Sprintf("agent sidecar returned %d", resp.StatusCode), nil,
		).WithCode(core.CodePublishStepFailed)
	}
	if resp.StatusCode >= 400 {
		return core.NewPermanentError(
			fmt.Sprintf("agent sidecar rejected request with %d", resp.StatusCode), nil,
		).WithCode(core.CodePublishStepFailed)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return core.NewPermanentError("failed to decode sidecar response", err).
			WithCode(core.CodePublishStepFailed)
	}
	return nil
}

package publish

import (
	"context"
	"fmt"
	"sync"

	"github.com/pressroom/pressroom/pkg/core"
)

// Step names the stages of the publication protocol, in execution order.
type Step string

const (
	StepAuthenticate        Step = "authenticate"
	StepCreateDraft         Step = "create_draft"
	StepFillContent         Step = "fill_content"
	StepAttachMedia         Step = "attach_media"
	StepSetPlatformMetadata Step = "set_platform_metadata"
	StepSetTaxonomy         Step = "set_taxonomy"
	StepSubmit              Step = "submit"
	StepVerifyLive          Step = "verify_live"
)

// ProtocolSteps is the fixed step order of every attempt.
var ProtocolSteps = []Step{
	StepAuthenticate,
	StepCreateDraft,
	StepFillContent,
	StepAttachMedia,
	StepSetPlatformMetadata,
	StepSetTaxonomy,
	StepSubmit,
	StepVerifyLive,
}

// StepOutcome is what a successful step produced.
type StepOutcome struct {
	// Artifact is an optional reference, e.g. a draft id or screenshot.
	Artifact string

	// URL is the live URL, set by the verification step.
	URL string
}

// Publication is the mutable per-attempt context threaded through the
// steps. Providers stash whatever they need between steps in it.
type Publication struct {
	Unit *core.ContentUnit

	// Token is the session credential from Authenticate.
	Token string

	// DraftID identifies the platform-side draft from CreateDraft.
	DraftID string

	// URL is the live URL once Submit or VerifyLive produced one.
	URL string

	// Values is provider-private scratch space.
	Values map[string]string
}

// Provider executes the publication protocol against one platform. Step
// methods return a classified error on failure; transient and throttled
// errors get one internal retry per step before the attempt fails.
type Provider interface {
	// Name is the unique provider name recorded on attempts.
	Name() string

	// CostPerAttempt is the provider-reported cost of one attempt.
	CostPerAttempt() float64

	Authenticate(ctx context.Context, pub *Publication) (StepOutcome, error)
	CreateDraft(ctx context.Context, pub *Publication) (StepOutcome, error)
	FillContent(ctx context.Context, pub *Publication) (StepOutcome, error)
	AttachMedia(ctx context.Context, pub *Publication) (StepOutcome, error)
	SetPlatformMetadata(ctx context.Context, pub *Publication) (StepOutcome, error)
	SetTaxonomy(ctx context.Context, pub *Publication) (StepOutcome, error)
	Submit(ctx context.Context, pub *Publication) (StepOutcome, error)
	VerifyLive(ctx context.Context, pub *Publication) (StepOutcome, error)
}

// runStep dispatches one protocol step to the provider.
func runStep(ctx context.Context, p Provider, step Step, pub *Publication) (StepOutcome, error) {
	switch step {
	case StepAuthenticate:
		return p.Authenticate(ctx, pub)
	case StepCreateDraft:
		return p.CreateDraft(ctx, pub)
	case StepFillContent:
		return p.FillContent(ctx, pub)
	case StepAttachMedia:
		return p.AttachMedia(ctx, pub)
	case StepSetPlatformMetadata:
		return p.SetPlatformMetadata(ctx, pub)
	case StepSetTaxonomy:
		return p.SetTaxonomy(ctx, pub)
	case StepSubmit:
		return p.Submit(ctx, pub)
	case StepVerifyLive:
		return p.VerifyLive(ctx, pub)
	default:
		return StepOutcome{}, core.NewPermanentError(
			fmt.Sprintf("unknown protocol step %q", step), nil,
		).WithCode(core.CodeValidation)
	}
}

// Registry holds the known providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. Re-registering a name is an error.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[p.Name()]; exists {
		return fmt.Errorf("provider %s already registered", p.Name())
	}
	r.providers[p.Name()] = p
	return nil
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, core.NewPermanentError(
			fmt.Sprintf("provider %s not registered", name), nil,
		).WithCode(core.CodeNotFound)
	}
	return p, nil
}

// Ordered resolves the configured fallback chain into providers.
func (r *Registry) Ordered(names []string) ([]Provider, error) {
	out := make([]Provider, 0, len(names))
	for _, name := range names {
		p, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, core.NewPermanentError("no providers configured", nil).
			WithCode(core.CodeValidation)
	}
	return out, nil
}

// List returns the registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

package analysis

import (
	"fmt"
	"os"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/pressroom/pressroom/pkg/core"
)

// RuleSpec describes one deterministic rule: its identity, how findings
// are graded, and whether a finding blocks publication.
type RuleSpec struct {
	ID            string        `json:"id" yaml:"id"`
	Category      string        `json:"category" yaml:"category"`
	Severity      core.Severity `json:"severity" yaml:"severity"`
	BlocksPublish bool          `json:"blocks_publish" yaml:"blocks_publish"`
	Description   string        `json:"description" yaml:"description"`
}

// Manifest is the versioned rule set configuration. CriticalCategories
// lists categories where an AI-only finding is escalated to blocking.
type Manifest struct {
	Version            string     `json:"version" yaml:"version"`
	Rules              []RuleSpec `json:"rules" yaml:"rules"`
	CriticalCategories []string   `json:"critical_categories" yaml:"critical_categories"`
}

// manifestSchema is the CUE schema every manifest must satisfy.
const manifestSchema = `
#Manifest: {
	// Version identifies the rule set, e.g. "2026.08".
	version: string & =~"^[0-9]{4}\\.[0-9]{2}(\\.[0-9]+)?$"

	rules: [...#Rule]

	// Categories whose AI-only findings block publication.
	critical_categories: [...string]
}

#Rule: {
	id:             string & =~"^[a-z0-9-]+$"
	category:       string & =~"^[a-z_]+$"
	severity:       "info" | "warning" | "error" | "critical"
	blocks_publish: bool
	description:    string
}
`

var (
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaVal  cue.Value
)

func compiledSchema() (cue.Value, *cue.Context, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		schemaVal = schemaCtx.CompileString(manifestSchema)
	})
	if err := schemaVal.Err(); err != nil {
		return cue.Value{}, nil, fmt.Errorf("failed to compile manifest schema: %w", err)
	}
	return schemaVal.LookupPath(cue.ParsePath("#Manifest")), schemaCtx, nil
}

// Validate checks the manifest against the CUE schema.
func (m *Manifest) Validate() error {
	schema, cctx, err := compiledSchema()
	if err != nil {
		return err
	}

	val := cctx.Encode(m)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	if err := schema.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return core.NewPermanentError("rule manifest rejected by schema", err).
			WithCode(core.CodeValidation)
	}
	return nil
}

// Rule returns the spec for the given rule id.
func (m *Manifest) Rule(id string) (RuleSpec, bool) {
	for _, r := range m.Rules {
		if r.ID == id {
			return r, true
		}
	}
	return RuleSpec{}, false
}

// Critical reports whether AI-only findings in the category block
// publication.
func (m *Manifest) Critical(category string) bool {
	for _, c := range m.CriticalCategories {
		if c == category {
			return true
		}
	}
	return false
}

// LoadManifest reads and validates a YAML manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, core.NewPermanentError("failed to parse rule manifest", err).
			WithCode(core.CodeValidation)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// DefaultManifest returns the built-in rule set.
func DefaultManifest() *Manifest {
	return &Manifest{
		Version: "2026.08",
		Rules: []RuleSpec{
			{
				ID:            "title-missing",
				Category:      "metadata",
				Severity:      core.SeverityError,
				BlocksPublish: true,
				Description:   "Every unit must carry a non-empty title",
			},
			{
				ID:            "body-empty",
				Category:      "content",
				Severity:      core.SeverityCritical,
				BlocksPublish: true,
				Description:   "Empty bodies are never publishable",
			},
			{
				ID:            "body-too-short",
				Category:      "content",
				Severity:      core.SeverityWarning,
				BlocksPublish: false,
				Description:   "Bodies under 40 characters are almost certainly stubs",
			},
			{
				ID:            "placeholder-text",
				Category:      "content",
				Severity:      core.SeverityError,
				BlocksPublish: true,
				Description:   "Draft placeholders (TODO, lorem ipsum) must be removed",
			},
			{
				ID:            "insecure-link",
				Category:      "links",
				Severity:      core.SeverityWarning,
				BlocksPublish: false,
				Description:   "Plain http:// links should be upgraded to https",
			},
			{
				ID:            "author-missing",
				Category:      "metadata",
				Severity:      core.SeverityWarning,
				BlocksPublish: false,
				Description:   "Units should carry an author in their metadata",
			},
		},
		CriticalCategories: []string{"claims", "legal"},
	}
}

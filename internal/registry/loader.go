package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/weft/pkg/models"
)

// refPattern matches the ref('name') call syntax used in unit documents.
// References are parsed once at load time into plain IDs; they are never
// evaluated as expressions.
var refPattern = regexp.MustCompile(`^ref\(\s*['"]?([A-Za-z0-9_.-]+)['"]?\s*\)$`)

// LoadOptions carries project-level defaults applied to units that do not
// declare their own model or failure policy settings.
type LoadOptions struct {
	DefaultModel  models.ModelConfig
	DefaultPolicy models.FailurePolicy
}

// unitDoc is the YAML shape of a unit source document.
type unitDoc struct {
	Name        string    `yaml:"name"`
	Version     string    `yaml:"version"`
	Description string    `yaml:"description"`
	Tags        []string  `yaml:"tags"`
	DependsOn   []string  `yaml:"depends_on"`
	Variables   []string  `yaml:"variables"`
	Template    string    `yaml:"template"`
	Config      configDoc `yaml:"config"`
	Model       modelDoc  `yaml:"model"`
}

type configDoc struct {
	Materialized      string     `yaml:"materialized"`
	ContinueOnFailure bool       `yaml:"continue_on_failure"`
	Retries           retriesDoc `yaml:"retries"`
}

type retriesDoc struct {
	MaxAttempts int    `yaml:"max_attempts"`
	Backoff     string `yaml:"backoff"`
	BackoffCap  string `yaml:"backoff_cap"`
	OnExhausted string `yaml:"on_exhausted"`
}

type modelDoc struct {
	Name        string   `yaml:"name"`
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature *float64 `yaml:"temperature"`
}

// LoadDir loads every *.yaml and *.yml document under dir (recursively)
// and returns a registry. Load order is the lexical walk order, so runs
// are deterministic across machines.
func LoadDir(dir string, opts LoadOptions) (*Registry, error) {
	var units []*models.Unit

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		u, err := loadUnit(path, opts)
		if err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
		units = append(units, u)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return NewRegistry(units)
}

// loadUnit parses a single unit document and applies defaults.
func loadUnit(path string, opts LoadOptions) (*models.Unit, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading unit file: %w", err)
	}

	var doc unitDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing unit yaml: %w", err)
	}

	id := doc.Name
	if id == "" {
		id = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if doc.Template == "" {
		return nil, fmt.Errorf("unit %s has no template", id)
	}

	deps := make([]string, 0, len(doc.DependsOn))
	for _, ref := range doc.DependsOn {
		deps = append(deps, parseRef(ref))
	}

	materialized := models.MaterializationPolicy(doc.Config.Materialized)
	if doc.Config.Materialized == "" {
		materialized = models.MaterializeView
	}
	if !materialized.Valid() {
		return nil, fmt.Errorf("unit %s: unknown materialization policy %q", id, doc.Config.Materialized)
	}

	policy, err := resolvePolicy(doc.Config.Retries, opts.DefaultPolicy)
	if err != nil {
		return nil, fmt.Errorf("unit %s: %w", id, err)
	}

	model := opts.DefaultModel
	if doc.Model.Name != "" {
		model.Name = doc.Model.Name
	}
	if doc.Model.MaxTokens > 0 {
		model.MaxTokens = doc.Model.MaxTokens
	}
	if doc.Model.Temperature != nil {
		model.Temperature = *doc.Model.Temperature
	}

	version := doc.Version
	if version == "" {
		version = "1.0.0"
	}

	u := &models.Unit{
		ID:                id,
		Version:           version,
		Description:       doc.Description,
		Tags:              doc.Tags,
		DependsOn:         deps,
		Template:          doc.Template,
		Variables:         doc.Variables,
		Materialized:      materialized,
		Model:             model,
		Policy:            policy,
		ContinueOnFailure: doc.Config.ContinueOnFailure,
		Path:              path,
	}
	u.Checksum = Checksum(u)
	return u, nil
}

// parseRef resolves the ref('name') syntax to a plain unit ID. A bare ID
// is passed through unchanged.
func parseRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if m := refPattern.FindStringSubmatch(ref); m != nil {
		return m[1]
	}
	return ref
}

// resolvePolicy merges a unit's retry block with the project defaults.
func resolvePolicy(doc retriesDoc, def models.FailurePolicy) (models.FailurePolicy, error) {
	p := def

	if doc.MaxAttempts > 0 {
		p.MaxAttempts = doc.MaxAttempts
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	if doc.Backoff != "" {
		d, err := time.ParseDuration(doc.Backoff)
		if err != nil {
			return p, fmt.Errorf("invalid backoff %q: %w", doc.Backoff, err)
		}
		p.BackoffBase = d
	}
	if doc.BackoffCap != "" {
		d, err := time.ParseDuration(doc.BackoffCap)
		if err != nil {
			return p, fmt.Errorf("invalid backoff_cap %q: %w", doc.BackoffCap, err)
		}
		p.BackoffCap = d
	}

	if doc.OnExhausted != "" {
		p.OnExhausted = models.ExhaustionAction(doc.OnExhausted)
	}
	if p.OnExhausted == "" {
		p.OnExhausted = models.ActionFail
	}
	if !p.OnExhausted.Valid() {
		return p, fmt.Errorf("unknown on_exhausted action %q", doc.OnExhausted)
	}

	return p, nil
}

// Checksum computes the content hash for a unit: the template body, the
// variable schema, and the resolved model configuration. Dependency edges
// and descriptions are deliberately excluded; changing them does not
// invalidate cached output by itself.
func Checksum(u *models.Unit) string {
	h := sha256.New()
	h.Write([]byte(u.Template))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(u.Variables, ",")))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%s|%d|%g", u.Model.Name, u.Model.MaxTokens, u.Model.Temperature)
	return hex.EncodeToString(h.Sum(nil))
}

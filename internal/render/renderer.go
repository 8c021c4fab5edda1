// Package render resolves unit templates against run variables.
package render

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ShayCichocki/weft/pkg/models"
)

// TemplateError indicates a unit template could not be rendered, typically
// because a declared variable has no value.
type TemplateError struct {
	// UnitID is the unit whose template failed.
	UnitID string
	// Variable is the offending variable name, if any.
	Variable string
	// Reason is the failure detail.
	Reason string
}

func (e *TemplateError) Error() string {
	if e.Variable != "" {
		return fmt.Sprintf("template error in unit %s: variable %q %s", e.UnitID, e.Variable, e.Reason)
	}
	return fmt.Sprintf("template error in unit %s: %s", e.UnitID, e.Reason)
}

// Renderer produces the prompt text for a unit from resolved variables.
// Implementations must not call external services.
type Renderer interface {
	Render(unit *models.Unit, vars map[string]string) (string, error)
}

// TemplateRenderer substitutes {{ name }} placeholders in unit templates.
// Every variable declared in the unit's schema must have a value; extra
// variables are ignored.
type TemplateRenderer struct{}

// NewTemplateRenderer creates the default renderer.
func NewTemplateRenderer() *TemplateRenderer {
	return &TemplateRenderer{}
}

var _ Renderer = (*TemplateRenderer)(nil)

// placeholderPattern matches {{ name }} with optional inner whitespace.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Render substitutes variables into the unit's template.
func (r *TemplateRenderer) Render(unit *models.Unit, vars map[string]string) (string, error) {
	for _, name := range unit.Variables {
		if _, ok := vars[name]; !ok {
			return "", &TemplateError{UnitID: unit.ID, Variable: name, Reason: "has no value"}
		}
	}

	out := placeholderPattern.ReplaceAllStringFunc(unit.Template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if val, ok := vars[name]; ok {
			return val
		}
		// Placeholders outside the declared schema are left untouched;
		// the body is opaque and may contain unrelated braces.
		return match
	})

	return strings.TrimRight(out, "\n") + "\n", nil
}

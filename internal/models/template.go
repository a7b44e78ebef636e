package models

import "fmt"

// Template is a named, versioned prompt/reply template resolved at runtime
// by stage:type:variant (see spec §6 naming grammar).
type Template struct {
	Name         string   `json:"name"`
	Body         string   `json:"body"`
	RequiredVars []string `json:"required_vars"`
	OptionalVars []string `json:"optional_vars"`
	Tags         []string `json:"tags"`
	Version      int      `json:"version"`
}

// TemplateVariableMissing is returned by the renderer when a required
// variable has no substitution value.
type TemplateVariableMissing struct {
	Name string
	Var  string
}

func (e *TemplateVariableMissing) Error() string {
	return fmt.Sprintf("template %q missing required variable %q", e.Name, e.Var)
}

package schema

import (
	"fmt"
	"strings"

	"github.com/glimte/mmate-dispatch/contracts"
)

// Schema describes the JSON body of a message type
type Schema struct {
	Name       string                  `json:"name"`
	Version    string                  `json:"version,omitempty"`
	Type       string                  `json:"type"`
	Properties map[string]*PropertyDef `json:"properties,omitempty"`
	Required   []string                `json:"required,omitempty"`
	Rules      []Rule                  `json:"-"`
}

// PropertyDef constrains a single property
type PropertyDef struct {
	Type        string                  `json:"type"`
	Format      string                  `json:"format,omitempty"`
	Pattern     string                  `json:"pattern,omitempty"`
	MinLength   *int                    `json:"minLength,omitempty"`
	MaxLength   *int                    `json:"maxLength,omitempty"`
	Minimum     *float64                `json:"minimum,omitempty"`
	Maximum     *float64                `json:"maximum,omitempty"`
	Enum        []interface{}           `json:"enum,omitempty"`
	Description string                  `json:"description,omitempty"`
	Items       *PropertyDef            `json:"items,omitempty"`
	Properties  map[string]*PropertyDef `json:"properties,omitempty"`
	Required    []string                `json:"required,omitempty"`

	// Rules names registered rules applied to the value
	Rules []string `json:"rules,omitempty"`
}

// Violation is a single failed constraint
type Violation struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Value   interface{} `json:"value,omitempty"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// Result is the outcome of validating one message
type Result struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations,omitempty"`
}

func (r *Result) add(v Violation) {
	r.Valid = false
	r.Violations = append(r.Violations, v)
}

// ValidationError reports every violation of a rejected message
type ValidationError struct {
	MessageType string
	Violations  []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("%s failed validation: %s", e.MessageType, strings.Join(parts, "; "))
}

// Unwrap lets errors.Is match contracts.ErrInvalidMessage
func (e *ValidationError) Unwrap() error {
	return contracts.ErrInvalidMessage
}

// Int returns a pointer for MinLength and MaxLength
func Int(n int) *int { return &n }

// Float returns a pointer for Minimum and Maximum
func Float(f float64) *float64 { return &f }

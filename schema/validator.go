package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/glimte/mmate-dispatch/contracts"
)

var (
	emailRegex    = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	uuidRegex     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	dateRegex     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dateTimeRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?$`)
)

// Rule is a custom constraint. It returns nil when value is acceptable.
type Rule interface {
	Validate(ctx context.Context, field string, value interface{}) *Violation
	Name() string
}

// RuleFunc adapts a function to Rule
type RuleFunc struct {
	RuleName string
	Fn       func(ctx context.Context, field string, value interface{}) *Violation
}

// Validate implements Rule
func (r RuleFunc) Validate(ctx context.Context, field string, value interface{}) *Violation {
	return r.Fn(ctx, field, value)
}

// Name implements Rule
func (r RuleFunc) Name() string {
	return r.RuleName
}

// Validator holds schemas per message type
type Validator struct {
	schemas  map[string]*Schema
	rules    map[string]Rule
	patterns map[string]*regexp.Regexp
	strict   bool
	mu       sync.RWMutex
}

// Option configures a Validator
type Option func(*Validator)

// WithStrictMode rejects message types without a schema and properties a schema does not declare
func WithStrictMode(strict bool) Option {
	return func(v *Validator) {
		v.strict = strict
	}
}

// NewValidator creates a validator with the built-in rules non-empty and positive
func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		schemas:  make(map[string]*Schema),
		rules:    make(map[string]Rule),
		patterns: make(map[string]*regexp.Regexp),
	}
	for _, opt := range opts {
		opt(v)
	}

	v.registerBuiltInRules()
	return v
}

// Register sets the schema of a message type
func (v *Validator) Register(messageType string, schema *Schema) error {
	if messageType == "" {
		return fmt.Errorf("message type cannot be empty")
	}
	if schema == nil {
		return fmt.Errorf("schema cannot be nil")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkRules(schema.Properties); err != nil {
		return fmt.Errorf("schema for %s: %w", messageType, err)
	}
	v.schemas[messageType] = schema
	return nil
}

// RegisterRule adds a named rule that properties can reference
func (v *Validator) RegisterRule(rule Rule) error {
	if rule == nil || rule.Name() == "" {
		return fmt.Errorf("rule must have a name")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.rules[rule.Name()] = rule
	return nil
}

// Schema returns the schema of a message type
func (v *Validator) Schema(messageType string) (*Schema, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	schema, ok := v.schemas[messageType]
	return schema, ok
}

// Validate checks msg against the schema of its type. It returns a *ValidationError listing
// every violation, or nil.
func (v *Validator) Validate(ctx context.Context, msg contracts.Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}

	schema, ok := v.Schema(msg.MessageType())
	if !ok {
		if v.strict {
			return &ValidationError{
				MessageType: msg.MessageType(),
				Violations:  []Violation{{Field: "message", Message: "no schema registered", Code: "UNKNOWN_TYPE"}},
			}
		}
		return nil
	}

	result := v.ValidateWithSchema(ctx, msg, schema)
	if !result.Valid {
		return &ValidationError{MessageType: msg.MessageType(), Violations: result.Violations}
	}
	return nil
}

// ValidateWithSchema checks msg against schema and reports every violation
func (v *Validator) ValidateWithSchema(ctx context.Context, msg contracts.Message, schema *Schema) *Result {
	result := &Result{Valid: true}

	data, err := toMap(msg)
	if err != nil {
		result.add(Violation{
			Field:   "message",
			Message: fmt.Sprintf("failed to convert message to map: %v", err),
			Code:    "CONVERSION_ERROR",
		})
		return result
	}

	v.validateObject(ctx, "", data, schema.Properties, schema.Required, result)

	for _, rule := range schema.Rules {
		if violation := rule.Validate(ctx, "message", msg); violation != nil {
			result.add(*violation)
		}
	}

	return result
}

func (v *Validator) validateObject(ctx context.Context, path string, data map[string]interface{}, props map[string]*PropertyDef, required []string, result *Result) {
	for _, name := range required {
		if _, ok := data[name]; !ok {
			result.add(Violation{
				Field:   fieldPath(path, name),
				Message: "required field is missing",
				Code:    "REQUIRED_FIELD_MISSING",
			})
		}
	}

	for name, value := range data {
		def, ok := props[name]
		if !ok {
			if v.strict && props != nil {
				result.add(Violation{
					Field:   fieldPath(path, name),
					Message: "field is not declared",
					Code:    "UNKNOWN_FIELD",
					Value:   value,
				})
			}
			continue
		}
		v.validateProperty(ctx, fieldPath(path, name), value, def, result)
	}
}

func (v *Validator) validateProperty(ctx context.Context, path string, value interface{}, def *PropertyDef, result *Result) {
	if value == nil {
		return
	}

	if def.Type != "" && !matchesType(value, def.Type) {
		result.add(Violation{
			Field:   path,
			Message: fmt.Sprintf("expected type %s, got %T", def.Type, value),
			Code:    "TYPE_MISMATCH",
			Value:   value,
		})
		return
	}

	switch val := value.(type) {
	case string:
		validateString(path, val, def, result)
		if def.Format != "" {
			validateFormat(path, val, def.Format, result)
		}
		if def.Pattern != "" {
			v.validatePattern(path, val, def.Pattern, result)
		}
	case float64:
		validateNumber(path, val, def, result)
	case []interface{}:
		if def.Items != nil {
			for i, item := range val {
				v.validateProperty(ctx, fmt.Sprintf("%s[%d]", path, i), item, def.Items, result)
			}
		}
	case map[string]interface{}:
		if def.Properties != nil {
			v.validateObject(ctx, path, val, def.Properties, def.Required, result)
		}
	}

	if len(def.Enum) > 0 {
		validateEnum(path, value, def.Enum, result)
	}

	for _, name := range def.Rules {
		v.mu.RLock()
		rule := v.rules[name]
		v.mu.RUnlock()
		if rule == nil {
			continue
		}
		if violation := rule.Validate(ctx, path, value); violation != nil {
			result.add(*violation)
		}
	}
}

func (v *Validator) validatePattern(path, value, pattern string, result *Result) {
	v.mu.RLock()
	re := v.patterns[pattern]
	v.mu.RUnlock()
	if re == nil {
		var err error
		if re, err = regexp.Compile(pattern); err != nil {
			result.add(Violation{
				Field:   path,
				Message: fmt.Sprintf("invalid regex pattern: %s", pattern),
				Code:    "INVALID_PATTERN",
				Value:   value,
			})
			return
		}
		v.mu.Lock()
		v.patterns[pattern] = re
		v.mu.Unlock()
	}
	if !re.MatchString(value) {
		result.add(Violation{
			Field:   path,
			Message: fmt.Sprintf("value does not match pattern: %s", pattern),
			Code:    "PATTERN_VIOLATION",
			Value:   value,
		})
	}
}

func matchesType(value interface{}, expected string) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	default:
		return true
	}
}

func validateString(path, value string, def *PropertyDef, result *Result) {
	length := len([]rune(value))
	if def.MinLength != nil && length < *def.MinLength {
		result.add(Violation{
			Field:   path,
			Message: fmt.Sprintf("string length %d is less than minimum %d", length, *def.MinLength),
			Code:    "MIN_LENGTH_VIOLATION",
			Value:   value,
		})
	}
	if def.MaxLength != nil && length > *def.MaxLength {
		result.add(Violation{
			Field:   path,
			Message: fmt.Sprintf("string length %d exceeds maximum %d", length, *def.MaxLength),
			Code:    "MAX_LENGTH_VIOLATION",
			Value:   value,
		})
	}
}

func validateNumber(path string, value float64, def *PropertyDef, result *Result) {
	if def.Minimum != nil && value < *def.Minimum {
		result.add(Violation{
			Field:   path,
			Message: fmt.Sprintf("value %g is less than minimum %g", value, *def.Minimum),
			Code:    "MINIMUM_VIOLATION",
			Value:   value,
		})
	}
	if def.Maximum != nil && value > *def.Maximum {
		result.add(Violation{
			Field:   path,
			Message: fmt.Sprintf("value %g exceeds maximum %g", value, *def.Maximum),
			Code:    "MAXIMUM_VIOLATION",
			Value:   value,
		})
	}
}

func validateEnum(path string, value interface{}, enum []interface{}, result *Result) {
	for _, allowed := range enum {
		if reflect.DeepEqual(value, allowed) {
			return
		}
	}
	result.add(Violation{
		Field:   path,
		Message: fmt.Sprintf("value is not in allowed enum values: %v", enum),
		Code:    "ENUM_VIOLATION",
		Value:   value,
	})
}

func validateFormat(path, value, format string, result *Result) {
	var ok bool
	var msg string

	switch format {
	case "email":
		ok, msg = emailRegex.MatchString(value), "invalid email format"
	case "uri":
		ok, msg = strings.Contains(value, "://"), "invalid URI format"
	case "uuid":
		ok, msg = uuidRegex.MatchString(strings.ToLower(value)), "invalid UUID format"
	case "date":
		ok, msg = dateRegex.MatchString(value), "invalid date format (expected YYYY-MM-DD)"
	case "date-time":
		ok, msg = dateTimeRegex.MatchString(value), "invalid date-time format (expected RFC 3339)"
	default:
		return
	}

	if !ok {
		result.add(Violation{Field: path, Message: msg, Code: "FORMAT_VIOLATION", Value: value})
	}
}

func fieldPath(parent, field string) string {
	if parent == "" {
		return field
	}
	return parent + "." + field
}

func toMap(msg contracts.Message) (map[string]interface{}, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return out, nil
}

func (v *Validator) checkRules(props map[string]*PropertyDef) error {
	for name, def := range props {
		if def == nil {
			return fmt.Errorf("property %s has no definition", name)
		}
		for _, rule := range def.Rules {
			if _, ok := v.rules[rule]; !ok {
				return fmt.Errorf("property %s references unknown rule %q", name, rule)
			}
		}
		if def.Pattern != "" {
			re, err := regexp.Compile(def.Pattern)
			if err != nil {
				return fmt.Errorf("property %s: invalid pattern: %w", name, err)
			}
			v.patterns[def.Pattern] = re
		}
		if err := v.checkRules(def.Properties); err != nil {
			return err
		}
		if def.Items != nil {
			if err := v.checkRules(map[string]*PropertyDef{name + "[]": def.Items}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *Validator) registerBuiltInRules() {
	v.rules["non-empty"] = RuleFunc{
		RuleName: "non-empty",
		Fn: func(_ context.Context, field string, value interface{}) *Violation {
			if str, ok := value.(string); ok && strings.TrimSpace(str) == "" {
				return &Violation{Field: field, Message: "value cannot be empty", Code: "NON_EMPTY_VIOLATION", Value: value}
			}
			return nil
		},
	}

	v.rules["positive"] = RuleFunc{
		RuleName: "positive",
		Fn: func(_ context.Context, field string, value interface{}) *Violation {
			if num, ok := value.(float64); ok && num <= 0 {
				return &Violation{Field: field, Message: "value must be positive", Code: "POSITIVE_VIOLATION", Value: value}
			}
			return nil
		},
	}
}

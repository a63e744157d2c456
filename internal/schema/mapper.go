// Package schema keeps the registered document schemas and lookup tables the
// transformer consults while reshaping payloads between published and
// internal representations.
package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sync"
	"time"

	"github.com/l0p7/gatectrl/internal/store"
)

const lookupReplicationTTL = 24 * time.Hour

// FieldConstraint carries the per-property checks a schema may declare.
type FieldConstraint struct {
	Type      string   `json:"type,omitempty" koanf:"type"`
	MinLength *int     `json:"minLength,omitempty" koanf:"minLength"`
	MaxLength *int     `json:"maxLength,omitempty" koanf:"maxLength"`
	Pattern   string   `json:"pattern,omitempty" koanf:"pattern"`
	Minimum   *float64 `json:"minimum,omitempty" koanf:"minimum"`
	Maximum   *float64 `json:"maximum,omitempty" koanf:"maximum"`
}

// Schema is the JSON-shaped descriptor validated documents are held against.
type Schema struct {
	Required   []string                   `json:"required,omitempty" koanf:"required"`
	Properties map[string]FieldConstraint `json:"properties,omitempty" koanf:"properties"`
}

// ValidationError describes a single constraint violation.
type ValidationError struct {
	Path        string `json:"path"`
	Message     string `json:"message"`
	Code        string `json:"code"`
	ActualValue any    `json:"actualValue,omitempty"`
}

// ValidationResult aggregates the outcome of a schema validation pass.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationError `json:"errors,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

// Validation error codes surfaced to callers.
const (
	CodeRequiredFieldMissing = "REQUIRED_FIELD_MISSING"
	CodeInvalidType          = "INVALID_TYPE"
	CodeMinLength            = "MIN_LENGTH"
	CodeMaxLength            = "MAX_LENGTH"
	CodePatternMismatch      = "PATTERN_MISMATCH"
	CodeMinimum              = "MINIMUM"
	CodeMaximum              = "MAXIMUM"
	CodeNotInteger           = "NOT_INTEGER"
)

type compiledSchema struct {
	schema   Schema
	patterns map[string]*regexp.Regexp
}

// Mapper registers schemas and lookup tables and answers validation and
// lookup queries. Lookup tables are replicated into the distributed store so
// sibling gateway instances resolve the same values; the process-local copy
// stays authoritative when present.
type Mapper struct {
	logger *slog.Logger
	store  store.Store

	mu      sync.RWMutex
	schemas map[string]compiledSchema
	lookups map[string]map[string]string
}

// NewMapper builds an empty registry bound to the shared store.
func NewMapper(logger *slog.Logger, st store.Store) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{
		logger:  logger.With(slog.String("component", "schema_mapper")),
		store:   st,
		schemas: make(map[string]compiledSchema),
		lookups: make(map[string]map[string]string),
	}
}

// RegisterSchema compiles and stores a schema under name, replacing any
// previous registration. Pattern constraints must compile.
func (m *Mapper) RegisterSchema(name string, schema Schema) error {
	if name == "" {
		return errors.New("schema: name required")
	}
	compiled := compiledSchema{schema: schema, patterns: make(map[string]*regexp.Regexp)}
	for field, constraint := range schema.Properties {
		if constraint.Pattern == "" {
			continue
		}
		re, err := regexp.Compile(constraint.Pattern)
		if err != nil {
			return fmt.Errorf("schema: %s: field %s pattern: %w", name, field, err)
		}
		compiled.patterns[field] = re
	}
	m.mu.Lock()
	m.schemas[name] = compiled
	m.mu.Unlock()
	return nil
}

// RegisterLookupTable installs a table locally and replicates each entry to
// the distributed store. Replication failures are logged and do not abort
// registration; the local copy remains authoritative.
func (m *Mapper) RegisterLookupTable(ctx context.Context, name string, mappings map[string]string) error {
	if name == "" {
		return errors.New("schema: lookup table name required")
	}
	copied := make(map[string]string, len(mappings))
	for k, v := range mappings {
		copied[k] = v
	}
	m.mu.Lock()
	m.lookups[name] = copied
	m.mu.Unlock()

	if m.store == nil {
		return nil
	}
	for key, value := range copied {
		storeKey := fmt.Sprintf("lookup:%s:%s", name, key)
		if err := m.store.Set(ctx, storeKey, value, lookupReplicationTTL); err != nil {
			m.logger.Warn("lookup table replication failed",
				slog.String("table", name),
				slog.String("key", key),
				slog.Any("error", err))
		}
	}
	return nil
}

// Lookup resolves sourceValue against the named table, preferring the local
// copy and falling back to the distributed store. A miss returns empty.
func (m *Mapper) Lookup(ctx context.Context, sourceValue, tableName string) (string, bool) {
	m.mu.RLock()
	table, ok := m.lookups[tableName]
	m.mu.RUnlock()
	if ok {
		if value, found := table[sourceValue]; found {
			return value, true
		}
	}

	if m.store != nil {
		storeKey := fmt.Sprintf("lookup:%s:%s", tableName, sourceValue)
		if value, err := m.store.Get(ctx, storeKey); err == nil {
			return value, true
		} else if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("lookup store query failed",
				slog.String("table", tableName),
				slog.Any("error", err))
		}
	}

	m.logger.Warn("lookup miss",
		slog.String("table", tableName),
		slog.String("value", sourceValue))
	return "", false
}

// Validate checks document against the named schema. Unknown schemas yield a
// valid result with a warning so unmapped routes keep flowing.
func (m *Mapper) Validate(document map[string]any, schemaName string) ValidationResult {
	m.mu.RLock()
	compiled, ok := m.schemas[schemaName]
	m.mu.RUnlock()
	if !ok {
		m.logger.Warn("validation requested for unknown schema", slog.String("schema", schemaName))
		return ValidationResult{
			Valid:    true,
			Warnings: []string{fmt.Sprintf("schema %q not registered", schemaName)},
		}
	}

	result := ValidationResult{Valid: true}
	for _, field := range compiled.schema.Required {
		if _, present := document[field]; !present {
			result.Errors = append(result.Errors, ValidationError{
				Path:    "$." + field,
				Message: fmt.Sprintf("required field %q is missing", field),
				Code:    CodeRequiredFieldMissing,
			})
		}
	}

	for field, constraint := range compiled.schema.Properties {
		value, present := document[field]
		if !present {
			continue
		}
		result.Errors = append(result.Errors, m.checkField(field, value, constraint, compiled.patterns[field])...)
	}

	result.Valid = len(result.Errors) == 0
	return result
}

func (m *Mapper) checkField(field string, value any, constraint FieldConstraint, pattern *regexp.Regexp) []ValidationError {
	path := "$." + field
	var errs []ValidationError

	if constraint.Type != "" && !typeMatches(constraint.Type, value) {
		errs = append(errs, ValidationError{
			Path:        path,
			Message:     fmt.Sprintf("expected type %s, got %s", constraint.Type, kindOf(value)),
			Code:        CodeInvalidType,
			ActualValue: kindOf(value),
		})
		return errs
	}

	if s, ok := value.(string); ok {
		length := len([]rune(s))
		if constraint.MinLength != nil && length < *constraint.MinLength {
			errs = append(errs, ValidationError{
				Path:        path,
				Message:     fmt.Sprintf("length %d is below minimum %d", length, *constraint.MinLength),
				Code:        CodeMinLength,
				ActualValue: length,
			})
		}
		if constraint.MaxLength != nil && length > *constraint.MaxLength {
			errs = append(errs, ValidationError{
				Path:        path,
				Message:     fmt.Sprintf("length %d exceeds maximum %d", length, *constraint.MaxLength),
				Code:        CodeMaxLength,
				ActualValue: length,
			})
		}
		if pattern != nil && !pattern.MatchString(s) {
			errs = append(errs, ValidationError{
				Path:        path,
				Message:     fmt.Sprintf("value does not match pattern %q", pattern.String()),
				Code:        CodePatternMismatch,
				ActualValue: s,
			})
		}
	}

	if number, ok := numericValue(value); ok {
		if constraint.Minimum != nil && number < *constraint.Minimum {
			errs = append(errs, ValidationError{
				Path:        path,
				Message:     fmt.Sprintf("value %v is below minimum %v", number, *constraint.Minimum),
				Code:        CodeMinimum,
				ActualValue: number,
			})
		}
		if constraint.Maximum != nil && number > *constraint.Maximum {
			errs = append(errs, ValidationError{
				Path:        path,
				Message:     fmt.Sprintf("value %v exceeds maximum %v", number, *constraint.Maximum),
				Code:        CodeMaximum,
				ActualValue: number,
			})
		}
		if constraint.Type == "integer" && number != math.Trunc(number) {
			errs = append(errs, ValidationError{
				Path:        path,
				Message:     fmt.Sprintf("value %v is not a whole number", number),
				Code:        CodeNotInteger,
				ActualValue: number,
			})
		}
	}

	return errs
}

func typeMatches(declared string, value any) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number", "integer":
		_, ok := numericValue(value)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "null":
		return value == nil
	default:
		return true
	}
}

func numericValue(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func kindOf(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int32, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", value)
	}
}

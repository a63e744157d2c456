// Package transform applies registered source→target schema mappings over
// path-addressed JSON documents. Mappings are compiled once at registration
// so per-request work is a straight walk over the field table.
package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/l0p7/gatectrl/internal/schema"
)

// Mapping binds a (source schema, target schema) pair to its field table.
type Mapping struct {
	SourceSchema string                  `json:"sourceSchema" koanf:"sourceSchema"`
	TargetSchema string                  `json:"targetSchema" koanf:"targetSchema"`
	Fields       map[string]FieldMapping `json:"fields" koanf:"fields"`
	Active       bool                    `json:"active" koanf:"active"`
}

// TransformError reports a failed transform and the field path that caused it.
type TransformError struct {
	Field string
	Path  string
	Err   error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform: field %s (%s): %v", e.Field, e.Path, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

type compiledMapping struct {
	mapping Mapping
	fields  []compiledField
}

// Transformer owns the mapping registry and executes transforms. Reads are
// lock-free once the snapshot is taken; registration is serialized.
type Transformer struct {
	logger *slog.Logger
	mapper *schema.Mapper
	celEnv *cel.Env

	mu       sync.RWMutex
	mappings map[string]compiledMapping
}

// NewTransformer builds an empty registry. The schema mapper backs the
// lookup operator and the Validate passthrough.
func NewTransformer(logger *slog.Logger, mapper *schema.Mapper) (*Transformer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := newComputedEnv()
	if err != nil {
		return nil, fmt.Errorf("transform: cel environment: %w", err)
	}
	return &Transformer{
		logger:   logger.With(slog.String("component", "transformer")),
		mapper:   mapper,
		celEnv:   env,
		mappings: make(map[string]compiledMapping),
	}, nil
}

func mappingKey(src, tgt string) string { return src + "\x00" + tgt }

// RegisterMapping compiles and installs m, replacing any previous mapping for
// the same schema pair. Path and expression errors surface here, not per
// request.
func (t *Transformer) RegisterMapping(m Mapping) error {
	if m.SourceSchema == "" || m.TargetSchema == "" {
		return errors.New("transform: source and target schema names required")
	}

	names := make([]string, 0, len(m.Fields))
	for name := range m.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	compiled := compiledMapping{mapping: m, fields: make([]compiledField, 0, len(names))}
	for _, name := range names {
		field, err := compileField(name, m.Fields[name], t.celEnv)
		if err != nil {
			return fmt.Errorf("transform: mapping %s->%s: %w", m.SourceSchema, m.TargetSchema, err)
		}
		compiled.fields = append(compiled.fields, field)
	}

	t.mu.Lock()
	t.mappings[mappingKey(m.SourceSchema, m.TargetSchema)] = compiled
	t.mu.Unlock()
	return nil
}

// UnregisterMapping removes the mapping for the schema pair if present.
func (t *Transformer) UnregisterMapping(src, tgt string) {
	t.mu.Lock()
	delete(t.mappings, mappingKey(src, tgt))
	t.mu.Unlock()
}

// HasMapping reports whether an active mapping exists for the schema pair.
func (t *Transformer) HasMapping(src, tgt string) bool {
	t.mu.RLock()
	compiled, ok := t.mappings[mappingKey(src, tgt)]
	t.mu.RUnlock()
	return ok && compiled.mapping.Active
}

// TransformRequest reshapes an inbound document from the published schema to
// the internal one.
func (t *Transformer) TransformRequest(ctx context.Context, doc map[string]any, src, tgt string) (map[string]any, error) {
	return t.transform(ctx, doc, src, tgt)
}

// TransformResponse reshapes a backend response from the internal schema to
// the published one.
func (t *Transformer) TransformResponse(ctx context.Context, doc map[string]any, src, tgt string) (map[string]any, error) {
	return t.transform(ctx, doc, src, tgt)
}

// Validate delegates to the schema mapper.
func (t *Transformer) Validate(doc map[string]any, schemaName string) schema.ValidationResult {
	if t.mapper == nil {
		return schema.ValidationResult{Valid: true}
	}
	return t.mapper.Validate(doc, schemaName)
}

func (t *Transformer) transform(ctx context.Context, doc map[string]any, src, tgt string) (map[string]any, error) {
	t.mu.RLock()
	compiled, ok := t.mappings[mappingKey(src, tgt)]
	t.mu.RUnlock()
	if !ok || !compiled.mapping.Active {
		return doc, nil
	}

	target := make(map[string]any)
	for _, field := range compiled.fields {
		value, err := field.apply(ctx, doc, t.mapper)
		if err != nil {
			return nil, &TransformError{Field: field.name, Path: field.mapping.SourcePath, Err: err}
		}
		if value == nil {
			if field.mapping.DefaultValue != nil {
				value = field.mapping.DefaultValue
			} else if field.mapping.Required {
				return nil, &TransformError{
					Field: field.name,
					Path:  field.mapping.SourcePath,
					Err:   errors.New("required source value missing"),
				}
			} else {
				continue
			}
		}
		if err := setPath(target, field.target, value); err != nil {
			return nil, &TransformError{Field: field.name, Path: field.mapping.TargetPath, Err: err}
		}
	}
	return target, nil
}

package transform

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// Operator identifies how a field mapping produces its target value.
type Operator string

const (
	OperatorDirect   Operator = "direct"
	OperatorConstant Operator = "constant"
	OperatorFormat   Operator = "format"
	OperatorMap      Operator = "map"
	OperatorLookup   Operator = "lookup"
	OperatorComputed Operator = "computed"
	OperatorConcat   Operator = "concat"
)

// FieldMapping moves one logical field from the source document to the
// target. Argument is operator-specific: the lookup-table name, format
// string, concat template, CEL expression, or constant value. ValueMap backs
// the map operator inline.
type FieldMapping struct {
	SourcePath   string            `json:"sourcePath" koanf:"sourcePath"`
	TargetPath   string            `json:"targetPath" koanf:"targetPath"`
	Operator     Operator          `json:"operator" koanf:"operator"`
	Argument     string            `json:"argument,omitempty" koanf:"argument"`
	ValueMap     map[string]string `json:"valueMap,omitempty" koanf:"valueMap"`
	DefaultValue any               `json:"defaultValue,omitempty" koanf:"defaultValue"`
	Required     bool              `json:"required" koanf:"required"`
}

// compiledField is a FieldMapping with its paths parsed and any CEL program
// built, produced once at mapping registration.
type compiledField struct {
	name    string
	mapping FieldMapping
	source  []pathSegment
	target  []pathSegment
	program cel.Program
	concat  []concatToken
}

type concatToken struct {
	literal  string
	segments []pathSegment
	isPath   bool
}

var concatTokenPattern = regexp.MustCompile(`\$\.[A-Za-z0-9_]+(?:\.[A-Za-z0-9_]+)*`)

func newComputedEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
		cel.HomogeneousAggregateLiterals(),
	)
}

func compileField(name string, fm FieldMapping, env *cel.Env) (compiledField, error) {
	compiled := compiledField{name: name, mapping: fm}

	if fm.SourcePath != "" {
		segments, err := parsePath(fm.SourcePath)
		if err != nil {
			return compiledField{}, fmt.Errorf("field %s: source %w", name, err)
		}
		compiled.source = segments
	}
	target, err := parsePath(fm.TargetPath)
	if err != nil {
		return compiledField{}, fmt.Errorf("field %s: target %w", name, err)
	}
	if len(target) == 0 {
		return compiledField{}, fmt.Errorf("field %s: target path required", name)
	}
	compiled.target = target

	switch fm.Operator {
	case OperatorDirect, OperatorConstant, OperatorFormat, OperatorMap, OperatorLookup:
	case OperatorComputed:
		ast, issues := env.Compile(fm.Argument)
		if issues != nil && issues.Err() != nil {
			return compiledField{}, fmt.Errorf("field %s: compile expression %q: %w", name, fm.Argument, issues.Err())
		}
		program, err := env.Program(ast)
		if err != nil {
			return compiledField{}, fmt.Errorf("field %s: program %q: %w", name, fm.Argument, err)
		}
		compiled.program = program
	case OperatorConcat:
		compiled.concat, err = compileConcat(fm.Argument)
		if err != nil {
			return compiledField{}, fmt.Errorf("field %s: %w", name, err)
		}
	default:
		return compiledField{}, fmt.Errorf("field %s: unknown operator %q", name, fm.Operator)
	}

	return compiled, nil
}

func compileConcat(template string) ([]concatToken, error) {
	var tokens []concatToken
	rest := template
	for {
		loc := concatTokenPattern.FindStringIndex(rest)
		if loc == nil {
			if rest != "" {
				tokens = append(tokens, concatToken{literal: rest})
			}
			return tokens, nil
		}
		if loc[0] > 0 {
			tokens = append(tokens, concatToken{literal: rest[:loc[0]]})
		}
		segments, err := parsePath(rest[loc[0]:loc[1]])
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, concatToken{segments: segments, isPath: true})
		rest = rest[loc[1]:]
	}
}

// Lookuper resolves lookup-table values; the schema mapper satisfies it.
type Lookuper interface {
	Lookup(ctx context.Context, sourceValue, tableName string) (string, bool)
}

// apply runs the field's operator against the source document.
func (f compiledField) apply(ctx context.Context, source map[string]any, lookups Lookuper) (any, error) {
	switch f.mapping.Operator {
	case OperatorDirect:
		value := getPath(source, f.source)
		if value == nil {
			return nil, nil
		}
		return deepCopy(value), nil

	case OperatorConstant:
		return f.mapping.Argument, nil

	case OperatorFormat:
		value := getPath(source, f.source)
		if value == nil {
			return nil, nil
		}
		return applyFormat(value, f.mapping.Argument), nil

	case OperatorMap:
		value := getPath(source, f.source)
		if value == nil {
			return nil, nil
		}
		key := stringify(value)
		if mapped, ok := f.mapping.ValueMap[key]; ok {
			return mapped, nil
		}
		return value, nil

	case OperatorLookup:
		value := getPath(source, f.source)
		if value == nil {
			return nil, nil
		}
		if lookups == nil {
			return value, nil
		}
		if resolved, ok := lookups.Lookup(ctx, stringify(value), f.mapping.Argument); ok {
			return resolved, nil
		}
		return nil, nil

	case OperatorComputed:
		out, _, err := f.program.ContextEval(ctx, map[string]any{"doc": source})
		if err != nil {
			return nil, fmt.Errorf("transform: eval %q: %w", f.mapping.Argument, err)
		}
		return out.Value(), nil

	case OperatorConcat:
		var builder strings.Builder
		for _, token := range f.concat {
			if token.isPath {
				builder.WriteString(stringify(getPath(source, token.segments)))
				continue
			}
			builder.WriteString(token.literal)
		}
		return builder.String(), nil
	}
	return nil, fmt.Errorf("transform: unknown operator %q", f.mapping.Operator)
}

// applyFormat renders timestamps first, then decimals, and otherwise passes
// the value through unchanged.
func applyFormat(value any, format string) any {
	text := stringify(value)
	if ts, err := time.Parse(time.RFC3339, text); err == nil {
		return ts.Format(format)
	}
	if number, err := strconv.ParseFloat(text, 64); err == nil {
		return fmt.Sprintf(format, number)
	}
	return value
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

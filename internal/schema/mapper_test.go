package schema

import (
	"context"
	"log/slog"
	"testing"

	"github.com/l0p7/gatectrl/internal/store"
)

func intPtr(v int) *int          { return &v }
func floatPtr(v float64) *float64 { return &v }

func newTestMapper(t *testing.T) (*Mapper, store.Store) {
	t.Helper()
	st := store.NewMemory()
	return NewMapper(slog.Default(), st), st
}

func TestValidateRequiredAndTypes(t *testing.T) {
	m, _ := newTestMapper(t)
	if err := m.RegisterSchema("order", Schema{
		Required: []string{"id", "amount"},
		Properties: map[string]FieldConstraint{
			"id":     {Type: "string"},
			"amount": {Type: "number", Minimum: floatPtr(0)},
			"count":  {Type: "integer"},
		},
	}); err != nil {
		t.Fatalf("register schema: %v", err)
	}

	result := m.Validate(map[string]any{"amount": "twelve", "count": 1.5}, "order")
	if result.Valid {
		t.Fatalf("expected invalid result")
	}

	codes := map[string]bool{}
	for _, e := range result.Errors {
		codes[e.Code] = true
	}
	for _, want := range []string{CodeRequiredFieldMissing, CodeInvalidType, CodeNotInteger} {
		if !codes[want] {
			t.Fatalf("expected error code %s, got %#v", want, result.Errors)
		}
	}
}

func TestValidateMinLengthReportsActualValue(t *testing.T) {
	m, _ := newTestMapper(t)
	if err := m.RegisterSchema("strings", Schema{
		Properties: map[string]FieldConstraint{
			"x": {Type: "string", MinLength: intPtr(5)},
		},
	}); err != nil {
		t.Fatalf("register schema: %v", err)
	}

	result := m.Validate(map[string]any{"x": "abc"}, "strings")
	if result.Valid {
		t.Fatalf("expected invalid result")
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected a single error, got %#v", result.Errors)
	}
	err := result.Errors[0]
	if err.Code != CodeMinLength || err.Path != "$.x" {
		t.Fatalf("unexpected error %#v", err)
	}
	if err.ActualValue != 3 {
		t.Fatalf("expected ActualValue 3, got %v", err.ActualValue)
	}
}

func TestValidatePatternAndBounds(t *testing.T) {
	m, _ := newTestMapper(t)
	if err := m.RegisterSchema("bounded", Schema{
		Properties: map[string]FieldConstraint{
			"code":  {Type: "string", Pattern: `^[A-Z]{3}$`, MaxLength: intPtr(3)},
			"score": {Type: "number", Maximum: floatPtr(100)},
		},
	}); err != nil {
		t.Fatalf("register schema: %v", err)
	}

	result := m.Validate(map[string]any{"code": "abc", "score": 101.0}, "bounded")
	if result.Valid {
		t.Fatalf("expected invalid result")
	}
	codes := map[string]bool{}
	for _, e := range result.Errors {
		codes[e.Code] = true
	}
	if !codes[CodePatternMismatch] || !codes[CodeMaximum] {
		t.Fatalf("unexpected errors %#v", result.Errors)
	}
}

func TestValidateUnknownSchemaIsOpenWorld(t *testing.T) {
	m, _ := newTestMapper(t)
	result := m.Validate(map[string]any{"anything": true}, "never-registered")
	if !result.Valid {
		t.Fatalf("expected open-world validation to pass")
	}
	if len(result.Warnings) == 0 {
		t.Fatalf("expected a warning for the unknown schema")
	}
}

func TestValidateIsDeterministic(t *testing.T) {
	m, _ := newTestMapper(t)
	if err := m.RegisterSchema("det", Schema{
		Required:   []string{"a"},
		Properties: map[string]FieldConstraint{"a": {Type: "string", MinLength: intPtr(2)}},
	}); err != nil {
		t.Fatalf("register schema: %v", err)
	}
	doc := map[string]any{"a": "x"}
	first := m.Validate(doc, "det")
	second := m.Validate(doc, "det")
	if first.Valid != second.Valid || len(first.Errors) != len(second.Errors) {
		t.Fatalf("validation not deterministic: %#v vs %#v", first, second)
	}
}

func TestRegisterSchemaRejectsBadPattern(t *testing.T) {
	m, _ := newTestMapper(t)
	err := m.RegisterSchema("bad", Schema{
		Properties: map[string]FieldConstraint{"x": {Pattern: "["}},
	})
	if err == nil {
		t.Fatalf("expected pattern compilation error")
	}
}

func TestLookupLocalThenStore(t *testing.T) {
	m, st := newTestMapper(t)
	ctx := context.Background()

	if err := m.RegisterLookupTable(ctx, "status", map[string]string{"Active": "1"}); err != nil {
		t.Fatalf("register lookup table: %v", err)
	}

	value, ok := m.Lookup(ctx, "Active", "status")
	if !ok || value != "1" {
		t.Fatalf("expected local hit, got %q %v", value, ok)
	}

	// A sibling instance may have replicated entries this process never saw.
	if err := st.Set(ctx, "lookup:status:Archived", "9", 0); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	value, ok = m.Lookup(ctx, "Archived", "status")
	if !ok || value != "9" {
		t.Fatalf("expected store hit, got %q %v", value, ok)
	}

	if _, ok := m.Lookup(ctx, "Unknown", "status"); ok {
		t.Fatalf("expected miss for unknown key")
	}
}

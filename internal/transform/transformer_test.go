package transform

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"testing"

	"github.com/l0p7/gatectrl/internal/schema"
	"github.com/l0p7/gatectrl/internal/store"
)

func newTestTransformer(t *testing.T) (*Transformer, *schema.Mapper) {
	t.Helper()
	mapper := schema.NewMapper(slog.Default(), store.NewMemory())
	tr, err := NewTransformer(slog.Default(), mapper)
	if err != nil {
		t.Fatalf("new transformer: %v", err)
	}
	return tr, mapper
}

func TestTransformWithoutMappingPassesThrough(t *testing.T) {
	tr, _ := newTestTransformer(t)
	doc := map[string]any{"a": 1.0}
	out, err := tr.TransformRequest(context.Background(), doc, "none", "registered")
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if !reflect.DeepEqual(out, doc) {
		t.Fatalf("expected passthrough, got %#v", out)
	}
}

func TestTransformErpToCrm(t *testing.T) {
	tr, mapper := newTestTransformer(t)
	ctx := context.Background()

	if err := mapper.RegisterLookupTable(ctx, "customer-accounts", map[string]string{
		"CUST001": "account-guid-001",
	}); err != nil {
		t.Fatalf("register lookup table: %v", err)
	}

	if err := tr.RegisterMapping(Mapping{
		SourceSchema: "erp.project",
		TargetSchema: "crm.project",
		Active:       true,
		Fields: map[string]FieldMapping{
			"name": {
				SourcePath: "$.projectNumber",
				TargetPath: "$.name",
				Operator:   OperatorDirect,
				Required:   true,
			},
			"status": {
				SourcePath: "$.status",
				TargetPath: "$.statuscode",
				Operator:   OperatorMap,
				ValueMap:   map[string]string{"Active": "1", "Closed": "2"},
			},
			"customer": {
				SourcePath: "$.customerId",
				TargetPath: "$.customerid",
				Operator:   OperatorLookup,
				Argument:   "customer-accounts",
			},
		},
	}); err != nil {
		t.Fatalf("register mapping: %v", err)
	}

	out, err := tr.TransformRequest(ctx, map[string]any{
		"projectNumber": "P-1",
		"status":        "Active",
		"customerId":    "CUST001",
	}, "erp.project", "crm.project")
	if err != nil {
		t.Fatalf("transform: %v", err)
	}

	want := map[string]any{
		"name":       "P-1",
		"statuscode": "1",
		"customerid": "account-guid-001",
	}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("unexpected output %#v", out)
	}
}

func TestTransformDirectRoundTrip(t *testing.T) {
	tr, _ := newTestTransformer(t)
	ctx := context.Background()

	forward := Mapping{
		SourceSchema: "a",
		TargetSchema: "b",
		Active:       true,
		Fields: map[string]FieldMapping{
			"id":   {SourcePath: "$.id", TargetPath: "$.ref", Operator: OperatorDirect},
			"nest": {SourcePath: "$.meta.owner", TargetPath: "$.owner", Operator: OperatorDirect},
		},
	}
	backward := Mapping{
		SourceSchema: "b",
		TargetSchema: "a",
		Active:       true,
		Fields: map[string]FieldMapping{
			"id":   {SourcePath: "$.ref", TargetPath: "$.id", Operator: OperatorDirect},
			"nest": {SourcePath: "$.owner", TargetPath: "$.meta.owner", Operator: OperatorDirect},
		},
	}
	if err := tr.RegisterMapping(forward); err != nil {
		t.Fatalf("register forward: %v", err)
	}
	if err := tr.RegisterMapping(backward); err != nil {
		t.Fatalf("register backward: %v", err)
	}

	original := map[string]any{"id": "42", "meta": map[string]any{"owner": "ops"}}
	mid, err := tr.TransformRequest(ctx, original, "a", "b")
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	back, err := tr.TransformResponse(ctx, mid, "b", "a")
	if err != nil {
		t.Fatalf("backward: %v", err)
	}
	if !reflect.DeepEqual(back, original) {
		t.Fatalf("round trip mismatch: %#v", back)
	}
}

func TestTransformOperators(t *testing.T) {
	tr, _ := newTestTransformer(t)
	ctx := context.Background()

	if err := tr.RegisterMapping(Mapping{
		SourceSchema: "src",
		TargetSchema: "tgt",
		Active:       true,
		Fields: map[string]FieldMapping{
			"const":  {TargetPath: "$.source", Operator: OperatorConstant, Argument: "gateway"},
			"when":   {SourcePath: "$.createdAt", TargetPath: "$.created", Operator: OperatorFormat, Argument: "2006-01-02"},
			"amount": {SourcePath: "$.amount", TargetPath: "$.amountText", Operator: OperatorFormat, Argument: "%.2f"},
			"label":  {TargetPath: "$.label", Operator: OperatorConcat, Argument: "$.kind/$.id"},
			"calc":   {TargetPath: "$.upper", Operator: OperatorComputed, Argument: `doc.kind + "-x"`},
		},
	}); err != nil {
		t.Fatalf("register mapping: %v", err)
	}

	out, err := tr.TransformRequest(ctx, map[string]any{
		"createdAt": "2026-03-01T10:30:00Z",
		"amount":    12.5,
		"kind":      "wo",
		"id":        "17",
	}, "src", "tgt")
	if err != nil {
		t.Fatalf("transform: %v", err)
	}

	if out["source"] != "gateway" {
		t.Fatalf("constant: %#v", out)
	}
	if out["created"] != "2026-03-01" {
		t.Fatalf("format timestamp: %#v", out)
	}
	if out["amountText"] != "12.50" {
		t.Fatalf("format decimal: %#v", out)
	}
	if out["label"] != "wo/17" {
		t.Fatalf("concat: %#v", out)
	}
	if out["upper"] != "wo-x" {
		t.Fatalf("computed: %#v", out)
	}
}

func TestTransformRequiredMissingFails(t *testing.T) {
	tr, _ := newTestTransformer(t)

	if err := tr.RegisterMapping(Mapping{
		SourceSchema: "src",
		TargetSchema: "tgt",
		Active:       true,
		Fields: map[string]FieldMapping{
			"must": {SourcePath: "$.present", TargetPath: "$.out", Operator: OperatorDirect, Required: true},
		},
	}); err != nil {
		t.Fatalf("register mapping: %v", err)
	}

	_, err := tr.TransformRequest(context.Background(), map[string]any{"other": true}, "src", "tgt")
	var terr *TransformError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransformError, got %v", err)
	}
	if terr.Path != "$.present" {
		t.Fatalf("expected failing path, got %q", terr.Path)
	}
}

func TestTransformDefaultFillsNull(t *testing.T) {
	tr, _ := newTestTransformer(t)

	if err := tr.RegisterMapping(Mapping{
		SourceSchema: "src",
		TargetSchema: "tgt",
		Active:       true,
		Fields: map[string]FieldMapping{
			"region": {SourcePath: "$.region", TargetPath: "$.region", Operator: OperatorDirect, DefaultValue: "eu-north"},
		},
	}); err != nil {
		t.Fatalf("register mapping: %v", err)
	}

	out, err := tr.TransformRequest(context.Background(), map[string]any{}, "src", "tgt")
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if out["region"] != "eu-north" {
		t.Fatalf("expected default, got %#v", out)
	}
}

func TestRegisterMappingRejectsBadPaths(t *testing.T) {
	tr, _ := newTestTransformer(t)
	err := tr.RegisterMapping(Mapping{
		SourceSchema: "src",
		TargetSchema: "tgt",
		Active:       true,
		Fields: map[string]FieldMapping{
			"bad": {SourcePath: "nope", TargetPath: "$.x", Operator: OperatorDirect},
		},
	})
	if err == nil {
		t.Fatalf("expected registration to fail")
	}
}

func TestInactiveMappingPassesThrough(t *testing.T) {
	tr, _ := newTestTransformer(t)
	if err := tr.RegisterMapping(Mapping{
		SourceSchema: "src",
		TargetSchema: "tgt",
		Active:       false,
		Fields: map[string]FieldMapping{
			"id": {SourcePath: "$.id", TargetPath: "$.ref", Operator: OperatorDirect},
		},
	}); err != nil {
		t.Fatalf("register mapping: %v", err)
	}
	if tr.HasMapping("src", "tgt") {
		t.Fatalf("inactive mapping should not report as available")
	}
	doc := map[string]any{"id": "1"}
	out, err := tr.TransformRequest(context.Background(), doc, "src", "tgt")
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if !reflect.DeepEqual(out, doc) {
		t.Fatalf("expected passthrough for inactive mapping, got %#v", out)
	}
}

package transform

import (
	"testing"
)

func mustParse(t *testing.T, path string) []pathSegment {
	t.Helper()
	segments, err := parsePath(path)
	if err != nil {
		t.Fatalf("parse %q: %v", path, err)
	}
	return segments
}

func TestParsePathRejectsUnsupported(t *testing.T) {
	for _, path := range []string{"", "foo", "$.", "$.a..b", "$.items.-1"} {
		if _, err := parsePath(path); err == nil {
			t.Fatalf("expected %q to be rejected", path)
		}
	}
}

func TestGetPathObjectsAndArrays(t *testing.T) {
	doc := map[string]any{
		"order": map[string]any{
			"lines": []any{
				map[string]any{"sku": "A-1"},
				map[string]any{"sku": "B-2"},
			},
		},
	}

	if got := getPath(doc, mustParse(t, "$.order.lines.1.sku")); got != "B-2" {
		t.Fatalf("unexpected value %v", got)
	}
	if got := getPath(doc, mustParse(t, "$.order.missing")); got != nil {
		t.Fatalf("expected nil for absent path, got %v", got)
	}
	if got := getPath(doc, mustParse(t, "$.order.lines.5.sku")); got != nil {
		t.Fatalf("expected nil for out-of-range read, got %v", got)
	}
}

func TestSetPathCreatesIntermediates(t *testing.T) {
	doc := make(map[string]any)
	if err := setPath(doc, mustParse(t, "$.customer.address.city"), "Oslo"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := getPath(doc, mustParse(t, "$.customer.address.city")); got != "Oslo" {
		t.Fatalf("unexpected value %v", got)
	}
}

func TestSetPathArrayOutOfRangeIsError(t *testing.T) {
	doc := map[string]any{"items": []any{"a"}}
	if err := setPath(doc, mustParse(t, "$.items.3"), "x"); err == nil {
		t.Fatalf("expected out-of-range write to fail")
	}
	if err := setPath(doc, mustParse(t, "$.items.0"), "z"); err != nil {
		t.Fatalf("in-range write: %v", err)
	}
}

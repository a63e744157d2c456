package transform

import (
	"fmt"
	"strconv"
	"strings"
)

// pathSegment is one step of a compiled selector: either an object field or a
// numeric array index.
type pathSegment struct {
	field string
	index int
	isIdx bool
}

// parsePath compiles a `$`-rooted dotted selector. Supported steps are object
// fields and non-negative array indices; anything else is rejected so bad
// selectors fail at mapping registration rather than per request.
func parsePath(path string) ([]pathSegment, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "$" {
		return nil, nil
	}
	if !strings.HasPrefix(trimmed, "$.") {
		return nil, fmt.Errorf("transform: path %q must start with $.", path)
	}
	parts := strings.Split(trimmed[2:], ".")
	segments := make([]pathSegment, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("transform: path %q has an empty segment", path)
		}
		if idx, err := strconv.Atoi(part); err == nil {
			if idx < 0 {
				return nil, fmt.Errorf("transform: path %q has a negative index", path)
			}
			segments = append(segments, pathSegment{index: idx, isIdx: true})
			continue
		}
		segments = append(segments, pathSegment{field: part})
	}
	return segments, nil
}

// getPath walks the document and returns the value at path, or nil when any
// step is absent.
func getPath(doc any, segments []pathSegment) any {
	current := doc
	for _, seg := range segments {
		switch node := current.(type) {
		case map[string]any:
			if seg.isIdx {
				return nil
			}
			value, ok := node[seg.field]
			if !ok {
				return nil
			}
			current = value
		case []any:
			if !seg.isIdx || seg.index >= len(node) {
				return nil
			}
			current = node[seg.index]
		default:
			return nil
		}
	}
	return current
}

// setPath writes value into doc, creating missing object intermediates along
// the way. Writes into arrays beyond their current length are an error; the
// transformer never grows arrays implicitly.
func setPath(doc map[string]any, segments []pathSegment, value any) error {
	if len(segments) == 0 {
		return fmt.Errorf("transform: cannot write to document root")
	}
	var current any = doc
	for i, seg := range segments {
		last := i == len(segments)-1
		switch node := current.(type) {
		case map[string]any:
			if seg.isIdx {
				return fmt.Errorf("transform: index %d into object at segment %d", seg.index, i)
			}
			if last {
				node[seg.field] = value
				return nil
			}
			next, ok := node[seg.field]
			if !ok || next == nil {
				created := make(map[string]any)
				node[seg.field] = created
				current = created
				continue
			}
			current = next
		case []any:
			if !seg.isIdx {
				return fmt.Errorf("transform: field %q into array at segment %d", seg.field, i)
			}
			if seg.index >= len(node) {
				return fmt.Errorf("transform: index %d out of range (len %d)", seg.index, len(node))
			}
			if last {
				node[seg.index] = value
				return nil
			}
			current = node[seg.index]
		default:
			return fmt.Errorf("transform: cannot descend into %T at segment %d", current, i)
		}
	}
	return nil
}

// deepCopy clones JSON-shaped values so transformed documents never alias the
// source.
func deepCopy(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}

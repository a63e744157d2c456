package routes

import (
	"fmt"
	"regexp"
	"strings"
)

// pattern is a compiled URL pattern. Literal segments, `{name}` placeholders
// matching one segment, and a `{*name}` catch-all compile to a single
// anchored regular expression with named capture groups.
type pattern struct {
	source string
	re     *regexp.Regexp
	names  []string
	// catchAll is the name of the trailing {*name} group, if any.
	catchAll string
}

var placeholderName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func compilePattern(source string) (*pattern, error) {
	if !strings.HasPrefix(source, "/") {
		return nil, fmt.Errorf("routes: pattern %q must start with /", source)
	}

	var builder strings.Builder
	builder.WriteString("^")
	p := &pattern{source: source}

	rest := source
	for len(rest) > 0 {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			builder.WriteString(regexp.QuoteMeta(rest))
			break
		}
		builder.WriteString(regexp.QuoteMeta(rest[:open]))
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			return nil, fmt.Errorf("routes: pattern %q has an unclosed placeholder", source)
		}
		token := rest[open+1 : open+closing]
		rest = rest[open+closing+1:]

		if name, ok := strings.CutPrefix(token, "*"); ok {
			if !placeholderName.MatchString(name) {
				return nil, fmt.Errorf("routes: pattern %q has invalid catch-all name %q", source, name)
			}
			if rest != "" {
				return nil, fmt.Errorf("routes: pattern %q: catch-all must be the last segment", source)
			}
			// Zero trailing segments must still match, including the
			// variant without the separating slash.
			trimmed := strings.TrimSuffix(builder.String(), regexp.QuoteMeta("/"))
			builder.Reset()
			builder.WriteString(trimmed)
			fmt.Fprintf(&builder, `(?:/(?P<%s>.*))?`, name)
			p.names = append(p.names, name)
			p.catchAll = name
			continue
		}

		if !placeholderName.MatchString(token) {
			return nil, fmt.Errorf("routes: pattern %q has invalid placeholder %q", source, token)
		}
		fmt.Fprintf(&builder, `(?P<%s>[^/]+)`, token)
		p.names = append(p.names, token)
	}
	builder.WriteString("$")

	re, err := regexp.Compile(builder.String())
	if err != nil {
		return nil, fmt.Errorf("routes: compile pattern %q: %w", source, err)
	}
	p.re = re
	return p, nil
}

// match returns the captured parameters when path matches, or false.
func (p *pattern) match(path string) (map[string]string, bool) {
	matches := p.re.FindStringSubmatch(path)
	if matches == nil {
		return nil, false
	}
	params := make(map[string]string, len(p.names))
	for i, name := range p.re.SubexpNames() {
		if name == "" || i >= len(matches) {
			continue
		}
		params[name] = matches[i]
	}
	return params, true
}

package util

import (
	"fmt"
	"strings"
	"unicode"
)

// Filter transforms a rendered slot value.
type Filter func(string) string

// Filters are the pipe filters available to prompt templates, e.g.
// "{{ name | upper }}".
var Filters = map[string]Filter{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
	"title": func(s string) string {
		if len(s) == 0 {
			return s
		}
		r := []rune(strings.ToLower(s))
		r[0] = unicode.ToUpper(r[0])
		return string(r)
	},
}

// ApplyFilters runs the named filters left to right.
func ApplyFilters(value string, names ...string) (string, error) {
	for _, name := range names {
		f, ok := Filters[name]
		if !ok {
			return "", fmt.Errorf("unknown filter %q", name)
		}
		value = f(value)
	}
	return value, nil
}

// Stringify renders a template variable the way prompts expect: strings
// verbatim, slices joined with ", ", everything else via fmt.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []string:
		return strings.Join(t, ", ")
	case []any:
		items := make([]string, len(t))
		for i, item := range t {
			items[i] = fmt.Sprintf("%v", item)
		}
		return strings.Join(items, ", ")
	default:
		return fmt.Sprintf("%v", t)
	}
}

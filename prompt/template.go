// Package prompt implements the Prompt Workspace: versioned prompt templates
// with {{ slot }} placeholders, rendering, and offline evaluation against
// sample inputs. It never touches live conversations; workflows only consume
// rendered strings.
package prompt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/internal/util"
)

var (
	// ErrMissingSlot is wrapped when a render variable is not supplied.
	ErrMissingSlot = errors.New("missing slot")
	// ErrMalformedTemplate is wrapped when a template body cannot be parsed.
	ErrMalformedTemplate = errors.New("malformed template")
	// ErrTemplateNotFound is wrapped when a template id/version is unknown.
	ErrTemplateNotFound = errors.New("template not found")
)

// Template is one version of a prompt template.
type Template struct {
	ID          string `yaml:"id" json:"id"`
	Version     int    `yaml:"version" json:"version"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Body        string `yaml:"body" json:"body"`
}

// Ref formats the template's id@version reference.
func (t Template) Ref() string { return fmt.Sprintf("%s@%d", t.ID, t.Version) }

type segment struct {
	literal string
	slot    string
	filters []string
}

// parsed is a compiled template body.
type parsed struct {
	segments []segment
}

func configError(op, detail string, err error) error {
	return &core.Error{Kind: core.KindConfiguration, Op: op, Detail: detail, Err: err}
}

// parse compiles body into literal and slot segments. Slots are written as
// "{{ name }}" or "{{ name | filter | filter }}".
func parse(body string) (*parsed, error) {
	p := &parsed{}
	rest := body
	for {
		open := strings.Index(rest, "{{")
		closeIdx := strings.Index(rest, "}}")
		if open < 0 {
			if closeIdx >= 0 {
				return nil, configError("prompt.parse", "unmatched '}}'", ErrMalformedTemplate)
			}
			if rest != "" {
				p.segments = append(p.segments, segment{literal: rest})
			}
			return p, nil
		}
		if closeIdx >= 0 && closeIdx < open {
			return nil, configError("prompt.parse", "unmatched '}}'", ErrMalformedTemplate)
		}
		if open > 0 {
			p.segments = append(p.segments, segment{literal: rest[:open]})
		}
		rest = rest[open+2:]
		end := strings.Index(rest, "}}")
		if end < 0 {
			return nil, configError("prompt.parse", "unterminated '{{'", ErrMalformedTemplate)
		}
		expr := rest[:end]
		rest = rest[end+2:]
		if strings.Contains(expr, "{{") {
			return nil, configError("prompt.parse", "nested '{{'", ErrMalformedTemplate)
		}
		seg, err := parseSlot(expr)
		if err != nil {
			return nil, err
		}
		p.segments = append(p.segments, seg)
	}
}

func parseSlot(expr string) (segment, error) {
	fields := strings.Split(expr, "|")
	name := strings.TrimSpace(fields[0])
	if !validName(name) {
		return segment{}, configError("prompt.parse", fmt.Sprintf("invalid slot name %q", name), ErrMalformedTemplate)
	}
	seg := segment{slot: name}
	for _, f := range fields[1:] {
		f = strings.TrimSpace(f)
		if _, ok := util.Filters[f]; !ok {
			return segment{}, configError("prompt.parse", fmt.Sprintf("unknown filter %q", f), ErrMalformedTemplate)
		}
		seg.filters = append(seg.filters, f)
	}
	return seg, nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_' || r == '.' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// Slots returns the distinct slot names of a template body in order of first use.
func Slots(body string) ([]string, error) {
	p, err := parse(body)
	if err != nil {
		return nil, err
	}
	var out []string
	seen := map[string]bool{}
	for _, s := range p.segments {
		if s.slot != "" && !seen[s.slot] {
			seen[s.slot] = true
			out = append(out, s.slot)
		}
	}
	return out, nil
}

// Validate parses the template body and checks identity fields.
func (t Template) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return configError("prompt.validate", "template id is required", ErrMalformedTemplate)
	}
	if t.Version < 0 {
		return configError("prompt.validate", fmt.Sprintf("negative version %d", t.Version), ErrMalformedTemplate)
	}
	_, err := parse(t.Body)
	return err
}

// Render substitutes vars into the template body. Every slot must be present
// in vars; otherwise a configuration error wrapping ErrMissingSlot is returned.
func (t Template) Render(vars map[string]any) (string, error) {
	p, err := parse(t.Body)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, s := range p.segments {
		if s.slot == "" {
			b.WriteString(s.literal)
			continue
		}
		v, ok := vars[s.slot]
		if !ok {
			return "", configError("prompt.render", fmt.Sprintf("template %s: slot %q", t.Ref(), s.slot), ErrMissingSlot)
		}
		val, err := util.ApplyFilters(util.Stringify(v), s.filters...)
		if err != nil {
			return "", configError("prompt.render", err.Error(), ErrMalformedTemplate)
		}
		b.WriteString(val)
	}
	return b.String(), nil
}

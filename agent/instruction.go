package agent

import (
	"fmt"
	"strings"

	"github.com/hupe1980/ingenious/core"
)

// memoryRefPrefix opens a reference to the agent's private memory inside a
// static instruction, e.g. "Last search: {memory.last_query}".
const memoryRefPrefix = "{memory."

// Instruction is the system text an agent sends with every model call. It is
// either static text, which may reference the agent's memory, or computed per
// turn by a function.
type Instruction struct {
	text    string
	fn      func(tc core.TurnContext) (string, error)
	dynamic bool
}

// NewInstructionFromText creates an Instruction from a static string.
// Occurrences of {memory.<key>} are replaced with the agent's memory value
// for key on every turn; unknown keys render as an empty string.
func NewInstructionFromText(text string) Instruction { return Instruction{text: text} }

// NewInstructionFromFunc creates an Instruction computed for each turn.
func NewInstructionFromFunc(f func(tc core.TurnContext) (string, error)) Instruction {
	return Instruction{fn: f, dynamic: true}
}

// IsStatic reports whether the instruction is backed by static text.
func (i Instruction) IsStatic() bool { return !i.dynamic }

// Resolve returns the instruction text for a turn.
func (i Instruction) Resolve(tc core.TurnContext) (string, error) {
	if i.dynamic {
		if i.fn == nil {
			return "", nil
		}
		return i.fn(tc)
	}
	if !strings.Contains(i.text, memoryRefPrefix) {
		return i.text, nil
	}
	return expandMemory(i.text, tc.Memory), nil
}

func expandMemory(text string, memory map[string]any) string {
	var b strings.Builder
	rest := text
	for {
		start := strings.Index(rest, memoryRefPrefix)
		if start < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:start])
		key := rest[start+len(memoryRefPrefix) : start+end]
		if v, ok := memory[key]; ok && v != nil {
			fmt.Fprint(&b, v)
		}
		rest = rest[start+end+1:]
	}
}

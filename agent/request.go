package agent

import (
	"fmt"
	"strings"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/model"
)

// buildContents maps the conversation window onto model contents. The
// agent's own messages become assistant turns; user and other agents'
// messages become user turns, the latter prefixed with the sender name so
// the model can tell participants apart. Messages carrying no text are
// skipped.
func buildContents(self string, window []core.Message) []core.Content {
	contents := make([]core.Content, 0, len(window))
	for _, m := range window {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		switch m.Sender {
		case self:
			contents = append(contents, core.NewTextContent("assistant", m.Text))
		case core.SenderUser:
			contents = append(contents, core.NewTextContent("user", m.Text))
		default:
			contents = append(contents, core.NewTextContent("user", fmt.Sprintf("[%s]: %s", m.Sender, m.Text)))
		}
	}
	if len(contents) == 0 {
		contents = append(contents, core.NewTextContent("user", "(the conversation is empty)"))
	}
	return contents
}

// contextBlock renders retrieved passages for the instructions. Passage
// numbers match citation indexes.
func contextBlock(res *core.RetrievalResult) string {
	if res == nil {
		return ""
	}
	var sb strings.Builder
	if len(res.Passages) == 0 {
		sb.WriteString("No relevant context was found. Say so if you cannot answer without it.")
		return sb.String()
	}
	sb.WriteString("Answer using the following context passages. Refer to them by number.\n")
	for i, p := range res.Passages {
		fmt.Fprintf(&sb, "\n[%d] (source: %s)\n%s\n", i, p.SourceID, p.Text)
	}
	return sb.String()
}

func newRequest(instruction string, contents []core.Content, res *core.RetrievalResult) model.Request {
	if block := contextBlock(res); block != "" {
		if instruction != "" {
			instruction += "\n\n"
		}
		instruction += block
	}
	return model.Request{Instructions: instruction, Contents: contents}
}

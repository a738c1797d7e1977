package ingest

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MarkdownSeparators are tried in order by the markdown strategy. Headings
// and horizontal rules stay attached to the section they open.
var MarkdownSeparators = []string{
	"\n# ", "\n## ", "\n### ", "\n#### ", "\n##### ", "\n###### ",
	"```\n", "\n***\n", "\n---\n", "\n___\n",
	"\n\n", "\n", " ", "",
}

// RecursiveSplitter is a recursive character splitter. It is safe for
// concurrent use.
type RecursiveSplitter struct {
	size       int
	overlap    int
	separators []string
	// keep is the set of separators that are kept as a prefix of the
	// following piece instead of being dropped at chunk boundaries.
	keep map[string]bool
}

var _ TextSplitter = (*RecursiveSplitter)(nil)

func newRecursiveSplitter(cfg Config) (TextSplitter, error) {
	return &RecursiveSplitter{size: cfg.ChunkSize, overlap: cfg.ChunkOverlap, separators: cfg.Separators}, nil
}

// newMarkdownSplitter splits on headings first, then falls back to the
// recursive separators. Configured separators are ignored.
func newMarkdownSplitter(cfg Config) (TextSplitter, error) {
	keep := make(map[string]bool, 10)
	for _, sep := range MarkdownSeparators[:10] {
		keep[sep] = true
	}
	return &RecursiveSplitter{size: cfg.ChunkSize, overlap: cfg.ChunkOverlap, separators: MarkdownSeparators, keep: keep}, nil
}

// Split cuts text into chunks of at most ChunkSize characters and then
// prepends the overlap taken from the previous output chunk.
func (s *RecursiveSplitter) Split(text string) []string {
	return injectOverlap(s.split(text, s.separators), s.overlap)
}

func (s *RecursiveSplitter) split(text string, separators []string) []string {
	sep, rest := "", []string(nil)
	for i, candidate := range separators {
		if candidate == "" || strings.Contains(text, candidate) {
			sep, rest = candidate, separators[i+1:]
			break
		}
	}
	if sep == "" {
		return sliceRunes(text, s.size)
	}

	var (
		out []string
		cur strings.Builder
		n   int
	)
	flush := func() {
		if chunk := strings.TrimSpace(cur.String()); chunk != "" {
			out = append(out, chunk)
		}
		cur.Reset()
		n = 0
	}
	pieces := strings.Split(text, sep)
	if s.keep[sep] {
		for i := 1; i < len(pieces); i++ {
			pieces[i] = sep + pieces[i]
		}
		sep = ""
	}
	sepLen := utf8.RuneCountInString(sep)

	for _, piece := range pieces {
		if strings.TrimSpace(piece) == "" {
			continue
		}
		pl := utf8.RuneCountInString(piece)
		if pl > s.size {
			flush()
			if len(rest) == 0 {
				out = append(out, sliceRunes(piece, s.size)...)
			} else {
				out = append(out, s.split(piece, rest)...)
			}
			continue
		}
		if n > 0 && n+sepLen+pl > s.size {
			flush()
		}
		if n > 0 {
			cur.WriteString(sep)
			n += sepLen
		}
		cur.WriteString(piece)
		n += pl
	}
	flush()
	return out
}

// sliceRunes cuts text greedily into pieces of at most size runes.
func sliceRunes(text string, size int) []string {
	runes := []rune(text)
	out := make([]string, 0, len(runes)/size+1)
	for len(runes) > 0 {
		end := min(size, len(runes))
		if piece := strings.TrimSpace(string(runes[:end])); piece != "" {
			out = append(out, piece)
		}
		runes = runes[end:]
	}
	return out
}

// injectOverlap prepends the last k characters of the previous output chunk
// to every chunk after the first.
func injectOverlap(chunks []string, k int) []string {
	if k == 0 || len(chunks) < 2 {
		return chunks
	}
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if len(out) > 0 {
			c = softJoin(tail(out[len(out)-1], k), c)
		}
		out = append(out, c)
	}
	return out
}

func tail(s string, k int) string {
	runes := []rune(s)
	if len(runes) <= k {
		return s
	}
	return string(runes[len(runes)-k:])
}

// softJoin concatenates left and right, inserting one space when both
// boundary runes are non-space.
func softJoin(left, right string) string {
	if left == "" || right == "" {
		return left + right
	}
	l, _ := utf8.DecodeLastRuneInString(left)
	r, _ := utf8.DecodeRuneInString(right)
	if !unicode.IsSpace(l) && !unicode.IsSpace(r) {
		return left + " " + right
	}
	return left + right
}

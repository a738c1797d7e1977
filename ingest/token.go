package ingest

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultEncoding is the tiktoken encoding used by the token strategy.
const DefaultEncoding = "cl100k_base"

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

var offlineBPE sync.Once

type tiktokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTokenizer returns the named tiktoken encoding. The BPE ranks are
// embedded in the binary, so no network access is needed.
func NewTokenizer(encoding string) (Tokenizer, error) {
	offlineBPE.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("encoding %q: %w", encoding, err)
	}
	return &tiktokenizer{enc: enc}, nil
}

func (t *tiktokenizer) Encode(text string) []int { return t.enc.Encode(text, nil, nil) }

func (t *tiktokenizer) Decode(tokens []int) string { return t.enc.Decode(tokens) }

// TokenSplitter cuts text into windows of at most ChunkSize tokens. The
// last ChunkOverlap tokens of a window start the next one, so the overlap
// counts against the budget. Window edges are moved to the nearest token
// boundary that decodes to whole runes.
type TokenSplitter struct {
	tok     Tokenizer
	size    int
	overlap int
}

var _ TextSplitter = (*TokenSplitter)(nil)

// NewTokenSplitter returns a TokenSplitter using tok.
func NewTokenSplitter(tok Tokenizer, size, overlap int) *TokenSplitter {
	return &TokenSplitter{tok: tok, size: size, overlap: overlap}
}

func newTokenSplitter(cfg Config) (TextSplitter, error) {
	tok, err := NewTokenizer(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	return NewTokenSplitter(tok, cfg.ChunkSize, cfg.ChunkOverlap), nil
}

// Split implements TextSplitter.
func (s *TokenSplitter) Split(text string) []string {
	tokens := s.tok.Encode(text)
	whole := func(from, to int) bool {
		return utf8.ValidString(s.tok.Decode(tokens[from:to]))
	}

	var out []string
	for start := 0; start < len(tokens); {
		end := min(start+s.size, len(tokens))
		for end > start+1 && !whole(start, end) {
			end--
		}
		// A single rune spread over more tokens than the budget.
		for end < len(tokens) && !whole(start, end) {
			end++
		}
		if chunk := strings.TrimSpace(s.tok.Decode(tokens[start:end])); chunk != "" {
			out = append(out, chunk)
		}
		if end == len(tokens) {
			break
		}
		next := max(end-s.overlap, start+1)
		for next < end && !whole(next, end) {
			next++
		}
		start = next
	}
	return out
}

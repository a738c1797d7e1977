package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hupe1980/ingenious/core"
	"github.com/hupe1980/ingenious/logging"
)

// Document is one loaded record before splitting.
type Document struct {
	Text string
	// Source is the absolute path of the file the record came from.
	Source string
	// Page is the record index within Source (0 for plain text files).
	Page int
}

type parser func(path string, data []byte) ([]Document, error)

var parsers = map[string]parser{
	".txt":      parseText,
	".md":       parseText,
	".markdown": parseText,
	".json":     parseJSON,
	".jsonl":    parseJSONL,
	".ndjson":   parseJSONL,
}

var textKeys = []string{"text", "page_content", "body"}

// Load expands pattern (a file, a directory walked recursively, or a glob)
// and parses every matched file. Unsupported extensions are an error;
// unreadable or malformed files are logged and skipped. Matching nothing
// parsable is a not_found error.
func Load(pattern string, logger logging.Logger) ([]Document, error) {
	logger = logging.OrNoOp(logger)

	files, err := expand(pattern)
	if err != nil {
		return nil, err
	}

	var docs []Document
	for _, path := range files {
		ext := strings.ToLower(filepath.Ext(path))
		parse, ok := parsers[ext]
		if !ok {
			return nil, core.Errorf(core.KindInvalidInput, "ingest.load", "%s: unsupported extension %q (accepted: %s)", path, ext, acceptedExts())
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("ingest.load.skipped", "file", path, "error", err)
			continue
		}
		parsed, err := parse(filepath.ToSlash(abs), data)
		if err != nil {
			logger.Warn("ingest.load.skipped", "file", path, "error", err)
			continue
		}
		logger.Debug("ingest.load.file", "file", path, "records", len(parsed))
		docs = append(docs, parsed...)
	}
	if len(docs) == 0 {
		return nil, core.Errorf(core.KindNotFound, "ingest.load", "no parsable documents found for %q", pattern)
	}
	return docs, nil
}

func expand(pattern string) ([]string, error) {
	info, err := os.Stat(pattern)
	switch {
	case err == nil && !info.IsDir():
		return []string{pattern}, nil
	case err == nil:
		var files []string
		walkErr := filepath.WalkDir(pattern, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				files = append(files, path)
			}
			return nil
		})
		if walkErr != nil {
			return nil, core.NewError(core.KindInvalidInput, "ingest.load", walkErr)
		}
		sort.Strings(files)
		return files, nil
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, core.NewError(core.KindInvalidInput, "ingest.load", err)
	}
	files := matches[:0]
	for _, m := range matches {
		if fi, err := os.Stat(m); err == nil && !fi.IsDir() {
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files, nil
}

func acceptedExts() string {
	exts := make([]string, 0, len(parsers))
	for ext := range parsers {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return strings.Join(exts, ", ")
}

func parseText(path string, data []byte) ([]Document, error) {
	text := strings.ToValidUTF8(string(data), "")
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	return []Document{{Text: text, Source: path}}, nil
}

func parseJSONL(path string, data []byte) ([]Document, error) {
	var docs []Document
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	page := 0
	for line := 1; sc.Scan(); line++ {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if text := extractText(rec); text != "" {
			docs = append(docs, Document{Text: text, Source: path, Page: page})
		}
		page++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

// parseJSON accepts a top-level array of records, a single record, or an
// object mapping keys to records (or bare strings). Map values are visited
// in key order.
func parseJSON(path string, data []byte) ([]Document, error) {
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}

	var docs []Document
	add := func(page int, v any) {
		var text string
		switch r := v.(type) {
		case string:
			if strings.TrimSpace(r) != "" {
				text = r
			}
		case map[string]any:
			text = extractText(r)
		}
		if text != "" {
			docs = append(docs, Document{Text: text, Source: path, Page: page})
		}
	}

	switch p := payload.(type) {
	case []any:
		for i, rec := range p {
			add(i, rec)
		}
	case map[string]any:
		if extractText(p) != "" {
			add(0, p)
			break
		}
		keys := make([]string, 0, len(p))
		for k := range p {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			add(i, p[k])
		}
	default:
		return nil, fmt.Errorf("unsupported JSON structure %T", payload)
	}
	return docs, nil
}

func extractText(rec map[string]any) string {
	for _, k := range textKeys {
		if s, ok := rec[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// idScheme derives stable chunk ids. It is not safe for concurrent use: it
// counts chunk positions per (source, page).
type idScheme struct {
	mode     IDPathMode
	base     string
	bits     int
	position map[string]int
}

func newIDScheme(cfg Config) *idScheme {
	return &idScheme{
		mode:     cfg.IDPathMode,
		base:     cfg.IDBase,
		bits:     cfg.IDHashBits,
		position: make(map[string]int),
	}
}

// next returns the id of the next chunk of (source, page).
func (s *idScheme) next(source string, page int, text string) string {
	prefix := s.sourcePrefix(source)
	key := fmt.Sprintf("%s#p%d", prefix, page)
	pos := s.position[key]
	s.position[key]++
	return fmt.Sprintf("%s.%d-%s", key, pos, truncDigest(text, s.bits))
}

func (s *idScheme) sourcePrefix(source string) string {
	abs, err := filepath.Abs(source)
	if err != nil {
		return truncDigest(source, s.bits)
	}
	abs = filepath.ToSlash(abs)

	switch s.mode {
	case IDPathAbs:
		return abs
	case IDPathRel:
		base := s.base
		if base == "" {
			if wd, err := os.Getwd(); err == nil {
				base = wd
			}
		}
		if base, err = filepath.Abs(base); err == nil {
			if rel, err := filepath.Rel(base, filepath.FromSlash(abs)); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				return filepath.ToSlash(rel)
			}
		}
		return truncDigest(abs, s.bits)
	default:
		salt := ""
		if s.base != "" {
			salt = filepath.ToSlash(s.base)
		}
		return truncDigest(salt+":"+abs, s.bits)
	}
}

// truncDigest returns the first bits/4 hex characters of SHA-256(data).
func truncDigest(data string, bits int) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])[:bits/4]
}

package ingest

import (
	"github.com/hupe1980/ingenious/core"
)

// IDPathMode controls how source paths are encoded into chunk ids.
type IDPathMode string

const (
	// IDPathAbs embeds the absolute path. It must be acknowledged with
	// Config.ForceAbsPath.
	IDPathAbs IDPathMode = "abs"
	// IDPathRel embeds the path relative to Config.IDBase and falls back to
	// a digest for files outside of it.
	IDPathRel IDPathMode = "rel"
	// IDPathHash always embeds a digest of the absolute path, salted with
	// Config.IDBase.
	IDPathHash IDPathMode = "hash"
)

// DefaultSeparators are tried in order by the recursive splitter. The empty
// separator splits between runes.
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

// Config holds chunking and id settings.
type Config struct {
	// Strategy selects the splitter: recursive, markdown, token or any name
	// added with RegisterStrategy.
	Strategy string `yaml:"strategy,omitempty"`
	// ChunkSize is the maximum number of characters of a chunk before
	// overlap is prepended. The token strategy counts tokens and includes
	// the overlap.
	ChunkSize int `yaml:"chunk_size,omitempty"`
	// ChunkOverlap is the number of trailing characters (or tokens) of the
	// previous chunk carried into the next one.
	ChunkOverlap int      `yaml:"chunk_overlap,omitempty"`
	Separators   []string `yaml:"separators,omitempty"`
	// Encoding is the tiktoken encoding of the token strategy.
	Encoding string `yaml:"encoding_name,omitempty"`

	IDPathMode IDPathMode `yaml:"id_path_mode,omitempty"`
	// IDBase is the base directory for IDPathRel (defaults to the working
	// directory) and the salt for IDPathHash.
	IDBase       string `yaml:"id_base,omitempty"`
	IDHashBits   int    `yaml:"id_hash_bits,omitempty"`
	ForceAbsPath bool   `yaml:"force_abs_path,omitempty"`
}

// DefaultConfig returns the defaults used when fields are left unset.
func DefaultConfig() Config {
	return Config{
		Strategy:     StrategyRecursive,
		ChunkSize:    1024,
		ChunkOverlap: 128,
		Separators:   DefaultSeparators,
		Encoding:     DefaultEncoding,
		IDPathMode:   IDPathRel,
		IDHashBits:   48,
	}
}

// ApplyDefaults fills unset fields. ChunkOverlap is only defaulted together
// with ChunkSize so an explicit "no overlap" survives.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = d.ChunkSize
		if c.ChunkOverlap == 0 {
			c.ChunkOverlap = d.ChunkOverlap
		}
	}
	if len(c.Separators) == 0 {
		c.Separators = d.Separators
	}
	if c.Encoding == "" {
		c.Encoding = d.Encoding
	}
	if c.IDPathMode == "" {
		c.IDPathMode = d.IDPathMode
	}
	if c.IDHashBits == 0 {
		c.IDHashBits = d.IDHashBits
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	const op = "ingest.config"
	switch {
	case c.ChunkSize < 1:
		return core.Errorf(core.KindConfiguration, op, "chunk_size must be >= 1 (got %d)", c.ChunkSize)
	case c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize:
		return core.Errorf(core.KindConfiguration, op, "chunk_overlap must be in [0, chunk_size) (got %d)", c.ChunkOverlap)
	case c.IDHashBits < 32 || c.IDHashBits > 256 || c.IDHashBits%4 != 0:
		return core.Errorf(core.KindConfiguration, op, "id_hash_bits must be a multiple of 4 in [32, 256] (got %d)", c.IDHashBits)
	}
	switch c.IDPathMode {
	case IDPathRel, IDPathHash:
	case IDPathAbs:
		if !c.ForceAbsPath {
			return core.Errorf(core.KindConfiguration, op, "id_path_mode abs embeds absolute paths in chunk ids and requires force_abs_path")
		}
	default:
		return core.Errorf(core.KindConfiguration, op, "unknown id_path_mode %q", c.IDPathMode)
	}
	if _, ok := lookupStrategy(c.Strategy); !ok {
		return unknownStrategy(c.Strategy)
	}
	return nil
}

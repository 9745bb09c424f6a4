package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

var (
	ErrInvalidBudget = errors.New("token_budget must be a positive integer")
	ErrMissingModel  = errors.New("model must be set")
)

// Language describes how one language is split into units and how its doc
// comments are written. Loaded once from configuration, never mutated.
type Language struct {
	Extensions    []string `toml:"extensions"`
	CommentPrefix string   `toml:"comment_prefix"`
	CommentSuffix string   `toml:"comment_suffix"`
	// DeclStarters are line prefixes that open a new top-level unit.
	DeclStarters []string `toml:"declaration_starters"`
}

type Config struct {
	Model          string `toml:"model"`
	Endpoint       string `toml:"endpoint"`
	TokenBudget    int    `toml:"token_budget"`
	Concurrency    int    `toml:"concurrency"`
	MaxRetries     int    `toml:"max_retries"`
	BackoffBaseMS  int    `toml:"backoff_base_ms"`
	BackoffCapMS   int    `toml:"backoff_cap_ms"`
	TimeoutSeconds int    `toml:"request_timeout_seconds"`
	GraceSeconds   int    `toml:"grace_period_seconds"`

	Ignore      []string `toml:"ignore"`
	ChangedOnly bool     `toml:"changed_only"`
	BaseRef     string   `toml:"base_ref"`
	HeadRef     string   `toml:"head_ref"`

	PromptTemplate string              `toml:"prompt_template"`
	Languages      map[string]Language `toml:"languages"`
}

// DefaultPromptTemplate is interpolated with the chunk's fenced source
// units. The model must echo the unit fences so the response can be split
// back per unit.
const DefaultPromptTemplate = `You are a senior engineer writing documentation comments.
For each source unit below, write a concise doc comment explaining what it
does and any non-obvious behavior. Do not restate the code line by line.
Reply with each comment wrapped in the same fences as its unit:
<<<unit ID>>> on a line before the comment text and <<<end ID>>> on a line
after it. Write plain comment text without comment markers.

{units}`

func defaultLanguages() map[string]Language {
	return map[string]Language{
		"go": {
			Extensions:    []string{".go"},
			CommentPrefix: "// ",
			DeclStarters:  []string{"func ", "type ", "var ", "const "},
		},
		"python": {
			Extensions:    []string{".py"},
			CommentPrefix: "# ",
			DeclStarters:  []string{"def ", "class ", "async def "},
		},
		"rust": {
			Extensions:    []string{".rs"},
			CommentPrefix: "/// ",
			DeclStarters:  []string{"fn ", "pub fn ", "struct ", "pub struct ", "enum ", "pub enum ", "impl ", "trait ", "pub trait "},
		},
		"javascript": {
			Extensions:    []string{".js", ".ts", ".jsx", ".tsx"},
			CommentPrefix: "// ",
			DeclStarters:  []string{"function ", "class ", "export function ", "export class ", "export default "},
		},
		"c": {
			Extensions:    []string{".c", ".h"},
			CommentPrefix: "/* ",
			CommentSuffix: " */",
			DeclStarters:  nil,
		},
	}
}

func defaultConfig() *Config {
	return &Config{
		Model:          "llama3.1:8b",
		Endpoint:       "http://localhost:11434",
		TokenBudget:    3000,
		Concurrency:    4,
		MaxRetries:     3,
		BackoffBaseMS:  500,
		BackoffCapMS:   8000,
		TimeoutSeconds: 120,
		GraceSeconds:   5,
		Ignore:         []string{},
		HeadRef:        "HEAD",
		PromptTemplate: DefaultPromptTemplate,
		Languages:      defaultLanguages(),
	}
}

// ReadConfig loads dredger.toml from the repo root, falling back to the
// defaults for anything unset. A missing file is not an error.
func ReadConfig(dir string) (*Config, error) {
	config := defaultConfig()

	fileName := filepath.Join(dir, "dredger.toml")
	if _, err := os.Stat(fileName); errors.Is(err, os.ErrNotExist) {
		return config, nil
	}
	file, err := os.ReadFile(fileName)
	if err != nil {
		return config, err
	}
	if err := toml.Unmarshal(file, config); err != nil {
		return defaultConfig(), err
	}
	if len(config.Languages) == 0 {
		config.Languages = defaultLanguages()
	}
	if config.PromptTemplate == "" {
		config.PromptTemplate = DefaultPromptTemplate
	}
	return config, nil
}

// Validate rejects configurations that would waste network calls. Called
// before anything is dispatched.
func (c *Config) Validate() error {
	if c.TokenBudget <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBudget, c.TokenBudget)
	}
	if c.Model == "" {
		return ErrMissingModel
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return nil
}

func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

func (c *Config) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapMS) * time.Millisecond
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.GraceSeconds) * time.Second
}

// LanguageFor maps a file path to its language tag via extension.
func (c *Config) LanguageFor(path string) (string, Language, bool) {
	ext := filepath.Ext(path)
	if ext == "" {
		return "", Language{}, false
	}
	for tag, lang := range c.Languages {
		for _, e := range lang.Extensions {
			if e == ext {
				return tag, lang, true
			}
		}
	}
	return "", Language{}, false
}

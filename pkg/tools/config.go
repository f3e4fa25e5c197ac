package tools

import (
	"time"

	"github.com/mb0/glob"
)

// Config specifies how tools are advertised and executed during a turn.
type Config struct {
	Enabled          bool          `json:"enabled"`
	MaxIterations    int           `json:"max_iterations"`
	ExecutionTimeout time.Duration `json:"execution_timeout"`

	// AllowedTools holds glob patterns matched against tool names; nil
	// means every registered tool is allowed.
	AllowedTools []string `json:"allowed_tools"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		MaxIterations:    5,
		ExecutionTimeout: 30 * time.Second,
		AllowedTools:     nil,
	}
}

func (c Config) WithMaxIterations(maxIterations int) Config {
	c.MaxIterations = maxIterations
	return c
}

func (c Config) WithExecutionTimeout(timeout time.Duration) Config {
	c.ExecutionTimeout = timeout
	return c
}

func (c Config) WithAllowedTools(patterns []string) Config {
	c.AllowedTools = patterns
	return c
}

// IsToolAllowed reports whether name matches the allow-list.
func (c *Config) IsToolAllowed(name string) bool {
	if c.AllowedTools == nil {
		return true
	}

	for _, pattern := range c.AllowedTools {
		matching, err := glob.Match(pattern, name)
		if err != nil {
			continue
		}
		if matching {
			return true
		}
	}
	return false
}

// FilterTools returns only the definitions the allow-list permits.
func (c *Config) FilterTools(defs []*Definition) []*Definition {
	if c.AllowedTools == nil {
		return defs
	}

	filtered := make([]*Definition, 0, len(defs))
	for _, def := range defs {
		if c.IsToolAllowed(def.Name) {
			filtered = append(filtered, def)
		}
	}
	return filtered
}

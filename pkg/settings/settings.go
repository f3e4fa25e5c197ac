package settings

// Package settings loads the client configuration tree. Sources compose in
// ascending precedence: built-in defaults, a config.yaml found in
// ~/.cricket or the working directory (or an explicit file), CRICKET_*
// environment variables, and changed command-line flags bound by the CLI.

import (
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/cricket/pkg/tools"
)

// Transport selectors for Settings.Transport.
const (
	TransportSSE    = "sse"
	TransportOpenAI = "openai"
	TransportOllama = "ollama"
)

// DefaultSystemPrompt is the stock research-agent prompt. It is a
// text/template rendered with the sprig functions, which it uses to pin
// the current date.
const DefaultSystemPrompt = `You are a deep research agent. You have access to a wikipedia_search tool that can search Wikipedia for information. Use this tool when you need to gather factual information about topics, people, events, or concepts.

Today's date is {{ now | date "January 02, 2006" }}.

Your research process should include the following steps:
1. First, analyze the user's query and break it down into key research questions
2. Use the wikipedia_search tool to gather information. Use this tool only once, unless you do not have enough information to answer the user's query.
3. Synthesize findings into coherent insights

After gathering all the data, write a very short section before the final_result_tool call.
- Relevance of each article obtained
- Keywords and key terms that are relevant to the research topic
- Any missing information

ONLY when you have completed ALL research activities AND written your reasoning in the response, call the final_result_tool as your FINAL action. The final_result_tool call MUST be the last thing you do - DO NOT generate any text, tokens, or additional content after calling the final_result_tool. Call this tool only ONCE and not multiple times. This tool will return the final result of the research in a formatted manner to the user. The final_result_tool call must be your absolute final action. While calling this tool, choose suitable thumbnail and images from the articles obtained.`

// Settings is the full client configuration.
type Settings struct {
	// Transport selects which backend the client talks to: "sse" for the
	// streaming research backend, "openai" or "ollama" for the client-side
	// agent loops.
	Transport string `mapstructure:"transport" yaml:"transport"`
	// Model overrides the selected transport's default model. Empty keeps
	// the default.
	Model   string          `mapstructure:"model" yaml:"model,omitempty"`
	Backend BackendSettings `mapstructure:"backend" yaml:"backend"`
	OpenAI  OpenAISettings  `mapstructure:"openai" yaml:"openai"`
	Ollama  OllamaSettings  `mapstructure:"ollama" yaml:"ollama"`
	Chat    ChatSettings    `mapstructure:"chat" yaml:"chat"`
	Tools   ToolSettings    `mapstructure:"tools" yaml:"tools"`
}

// BackendSettings configures the SSE transport.
type BackendSettings struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

// OpenAISettings configures the OpenAI-compatible transport. BaseURL
// points the client at a compatible proxy when set.
type OpenAISettings struct {
	APIKey      string  `mapstructure:"api_key" yaml:"api_key,omitempty"`
	BaseURL     string  `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
}

// OllamaSettings configures the ollama transport. An empty Host defers to
// the OLLAMA_HOST environment variable and the daemon's stock address.
type OllamaSettings struct {
	Host string `mapstructure:"host" yaml:"host,omitempty"`
}

// ChatSettings configures conversation behavior shared by all transports.
type ChatSettings struct {
	SystemPrompt string           `mapstructure:"system_prompt" yaml:"system_prompt"`
	Autosave     AutosaveSettings `mapstructure:"autosave" yaml:"autosave"`
}

// AutosaveSettings mirrors the conversation log's autosave knobs. Enabled
// is the "yes"/"no" string convention the log expects; Format and Dir
// fall back to the log's stock template and directory when empty.
type AutosaveSettings struct {
	Enabled string `mapstructure:"enabled" yaml:"enabled"`
	Format  string `mapstructure:"format" yaml:"format,omitempty"`
	Dir     string `mapstructure:"dir" yaml:"dir,omitempty"`
}

// ToolSettings is the tool execution policy for transports that run the
// agent loop client-side.
type ToolSettings struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxIterations int           `mapstructure:"max_iterations" yaml:"max_iterations"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Allowed       []string      `mapstructure:"allowed" yaml:"allowed,omitempty"`
}

type LoadOption func(*loadConfig)

type loadConfig struct {
	configFile string
	flags      *pflag.FlagSet
}

// WithConfigFile reads settings from an explicit file instead of searching
// the stock locations. A missing explicit file is an error.
func WithConfigFile(path string) LoadOption {
	return func(c *loadConfig) {
		c.configFile = path
	}
}

// WithFlags binds a flag set so that changed flags override every other
// source. Flag names must match the settings keys ("transport", "model").
func WithFlags(flags *pflag.FlagSet) LoadOption {
	return func(c *loadConfig) {
		c.flags = flags
	}
}

// Load builds the settings from defaults, config file, environment and
// bound flags, and validates the result.
func Load(options ...LoadOption) (*Settings, error) {
	cfg := loadConfig{}
	for _, option := range options {
		option(&cfg)
	}

	v := viper.New()
	setDefaults(v)

	if cfg.configFile != "" {
		v.SetConfigFile(cfg.configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".cricket"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("cricket")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// the API key usually lives in the provider's own variable
	if err := v.BindEnv("openai.api_key", "CRICKET_OPENAI_API_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, errors.Wrap(err, "could not bind environment")
	}

	if cfg.flags != nil {
		if err := v.BindPFlags(cfg.flags); err != nil {
			return nil, errors.Wrap(err, "could not bind flags")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "could not read config")
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.Wrap(err, "could not decode settings")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	log.Debug().
		Str("transport", settings.Transport).
		Str("config_file", v.ConfigFileUsed()).
		Msg("settings loaded")

	return settings, nil
}

func setDefaults(v *viper.Viper) {
	toolDefaults := tools.DefaultConfig()

	v.SetDefault("transport", TransportSSE)
	v.SetDefault("model", "")
	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.temperature", 0.6)
	v.SetDefault("ollama.host", "")
	v.SetDefault("chat.system_prompt", DefaultSystemPrompt)
	v.SetDefault("chat.autosave.enabled", "no")
	v.SetDefault("chat.autosave.format", "")
	v.SetDefault("chat.autosave.dir", "")
	v.SetDefault("tools.enabled", toolDefaults.Enabled)
	v.SetDefault("tools.max_iterations", toolDefaults.MaxIterations)
	v.SetDefault("tools.timeout", toolDefaults.ExecutionTimeout)
	v.SetDefault("tools.allowed", []string{})
}

func (s *Settings) Validate() error {
	switch s.Transport {
	case TransportSSE, TransportOpenAI, TransportOllama:
	default:
		return errors.Errorf("unknown transport %q (expected %s, %s or %s)",
			s.Transport, TransportSSE, TransportOpenAI, TransportOllama)
	}
	if s.Tools.MaxIterations < 0 {
		return errors.New("tools.max_iterations cannot be negative")
	}
	return nil
}

func (s *Settings) Clone() *Settings {
	return clone.Clone(s).(*Settings)
}

// RenderSystemPrompt expands the configured system prompt template.
func (c ChatSettings) RenderSystemPrompt() (string, error) {
	tmpl, err := template.New("system-prompt").Funcs(sprig.FuncMap()).Parse(c.SystemPrompt)
	if err != nil {
		return "", errors.Wrap(err, "could not parse system prompt template")
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, nil); err != nil {
		return "", errors.Wrap(err, "could not render system prompt")
	}
	return b.String(), nil
}

// Config maps the tool settings onto the executor's configuration.
func (t ToolSettings) Config() tools.Config {
	return tools.Config{
		Enabled:          t.Enabled,
		MaxIterations:    t.MaxIterations,
		ExecutionTimeout: t.Timeout,
		AllowedTools:     t.Allowed,
	}
}

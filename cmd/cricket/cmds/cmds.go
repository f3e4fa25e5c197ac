package cmds

import (
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/cricket/pkg/conversation"
	"github.com/go-go-golems/cricket/pkg/events"
	"github.com/go-go-golems/cricket/pkg/report"
	"github.com/go-go-golems/cricket/pkg/session"
	"github.com/go-go-golems/cricket/pkg/settings"
	"github.com/go-go-golems/cricket/pkg/tools"
	"github.com/go-go-golems/cricket/pkg/tools/wikipedia"
	"github.com/go-go-golems/cricket/pkg/transport"
	"github.com/go-go-golems/cricket/pkg/transport/ollamachat"
	"github.com/go-go-golems/cricket/pkg/transport/openaichat"
	"github.com/go-go-golems/cricket/pkg/transport/sse"
	"github.com/go-go-golems/cricket/pkg/ui"
)

const (
	// chatTopic carries turn events for plain stream printing.
	chatTopic = "chat"
	// uiTopic carries turn events for the chat TUI.
	uiTopic = "ui"
)

// loadSettings builds the effective settings for one command invocation:
// defaults, config file, environment, then changed command line flags.
func loadSettings(cmd *cobra.Command) (*settings.Settings, error) {
	flags := cmd.Root().PersistentFlags()

	options := []settings.LoadOption{settings.WithFlags(flags)}
	if configFile, err := flags.GetString("config"); err == nil && configFile != "" {
		options = append(options, settings.WithConfigFile(configFile))
	}

	cfg, err := settings.Load(options...)
	if err != nil {
		return nil, err
	}

	// --openai-api-key has no settings key of its own, apply it by hand
	if f := flags.Lookup("openai-api-key"); f != nil && f.Changed {
		cfg.OpenAI.APIKey = f.Value.String()
	}

	return cfg, nil
}

// newToolRegistry registers the research tools: wikipedia search and the
// final report submission. The returned store collects submitted reports.
func newToolRegistry() (tools.Registry, *report.Store, error) {
	registry := tools.NewInMemoryRegistry()

	wikipediaDef, err := wikipedia.NewClient().Definition()
	if err != nil {
		return nil, nil, err
	}
	if err := registry.Register(wikipediaDef); err != nil {
		return nil, nil, err
	}

	store := report.NewStore()
	reportDef, err := report.NewTool(store).Definition()
	if err != nil {
		return nil, nil, err
	}
	if err := registry.Register(reportDef); err != nil {
		return nil, nil, err
	}

	return registry, store, nil
}

// newTransport builds the transport the settings select. Transports that
// run the agent loop client-side get the tool registry wired in.
func newTransport(cfg *settings.Settings, registry tools.Registry) (transport.Transport, error) {
	switch cfg.Transport {
	case settings.TransportSSE:
		var options []sse.Option
		if cfg.Model != "" {
			options = append(options, sse.WithModel(cfg.Model))
		}
		return sse.New(cfg.Backend.BaseURL, options...), nil

	case settings.TransportOpenAI:
		options := []openaichat.Option{
			openaichat.WithTemperature(float32(cfg.OpenAI.Temperature)),
			openaichat.WithTools(registry, cfg.Tools.Config()),
		}
		if cfg.OpenAI.BaseURL != "" {
			options = append(options, openaichat.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		if cfg.Model != "" {
			options = append(options, openaichat.WithModel(cfg.Model))
		}
		return openaichat.New(cfg.OpenAI.APIKey, options...), nil

	case settings.TransportOllama:
		// the ollama client configures itself from OLLAMA_HOST
		if cfg.Ollama.Host != "" {
			if err := os.Setenv("OLLAMA_HOST", cfg.Ollama.Host); err != nil {
				return nil, errors.Wrap(err, "could not set OLLAMA_HOST")
			}
		}
		var options []ollamachat.Option
		if cfg.Model != "" {
			options = append(options, ollamachat.WithModel(cfg.Model))
		}
		return ollamachat.New(options...)
	}

	return nil, errors.Errorf("unknown transport %q", cfg.Transport)
}

func newConversationLog(cfg *settings.Settings) *conversation.Log {
	return conversation.NewLog(
		conversation.WithAutosave(cfg.Chat.Autosave.Enabled, cfg.Chat.Autosave.Format, cfg.Chat.Autosave.Dir),
	)
}

func newController(
	cfg *settings.Settings,
	backend transport.Transport,
	convLog *conversation.Log,
	sink events.EventSink,
) (*session.Controller, error) {
	systemPrompt, err := cfg.Chat.RenderSystemPrompt()
	if err != nil {
		return nil, err
	}

	return session.NewController(backend,
		session.WithLog(convLog),
		session.WithSystemPrompt(systemPrompt),
		session.WithSink(sink),
	), nil
}

// chatProgramOptions picks the terminal wiring for the chat TUI. When
// stdout is redirected the UI draws on stderr, and when stdin is a pipe
// key presses are read straight from the terminal. The returned closer is
// non-nil when a terminal was opened for input.
func chatProgramOptions() ([]tea.ProgramOption, io.Closer, error) {
	options := []tea.ProgramOption{
		tea.WithMouseCellMotion(),
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		options = append(options, tea.WithOutput(os.Stderr))
	} else {
		options = append(options, tea.WithAltScreen())
	}

	if !isatty.IsTerminal(os.Stdin.Fd()) {
		tty_, err := ui.OpenTTY()
		if err != nil {
			return nil, nil, errors.Wrap(err, "could not open tty")
		}
		options = append(options, tea.WithInput(tty_))
		return options, tty_, nil
	}

	return options, nil, nil
}

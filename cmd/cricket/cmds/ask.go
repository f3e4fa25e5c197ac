package cmds

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	input "github.com/tcnksm/go-input"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/cricket/pkg/conversation"
	"github.com/go-go-golems/cricket/pkg/events"
	"github.com/go-go-golems/cricket/pkg/report"
	"github.com/go-go-golems/cricket/pkg/settings"
	"github.com/go-go-golems/cricket/pkg/transport"
	"github.com/go-go-golems/cricket/pkg/ui"
)

var AskCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Run one research question and print the answer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadSettings(cmd)
		if err != nil {
			return err
		}

		chatAfter, _ := cmd.Flags().GetBool("chat")
		interactive, _ := cmd.Flags().GetBool("interactive")
		saveReport, _ := cmd.Flags().GetString("save-report")

		return runAsk(cmd.Context(), cfg, args[0], &askOptions{
			chat:        chatAfter,
			interactive: interactive,
			saveReport:  saveReport,
		})
	},
}

func init() {
	AskCmd.Flags().Bool("chat", false, "Continue in chat after the answer")
	AskCmd.Flags().Bool("interactive", false, "Offer the chat continuation even when stdout is not a terminal")
	AskCmd.Flags().String("save-report", "", "Write the submitted report to a JSON file")
}

type askOptions struct {
	chat        bool
	interactive bool
	saveReport  string
}

func runAsk(ctx context.Context, cfg *settings.Settings, question string, opts *askOptions) error {
	registry, store, err := newToolRegistry()
	if err != nil {
		return err
	}
	backend, err := newTransport(cfg, registry)
	if err != nil {
		return err
	}

	router, err := events.NewEventRouter()
	if err != nil {
		return err
	}
	defer func() {
		_ = router.Close()
	}()

	convLog := newConversationLog(cfg)
	controller, err := newController(cfg, backend, convLog,
		events.NewWatermillSink(router.Publisher, chatTopic))
	if err != nil {
		return err
	}

	router.AddHandler("stdout", chatTopic, events.StreamPrinterFunc("stdout", os.Stdout))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg := errgroup.Group{}
	eg.Go(func() error {
		defer cancel()
		return router.Run(ctx)
	})
	eg.Go(func() error {
		defer cancel()
		<-router.Running()

		handle, err := controller.StartTurn(ctx, question)
		if err != nil {
			return err
		}
		if _, err := handle.Wait(); err != nil {
			return err
		}

		if err := printReport(store); err != nil {
			return err
		}
		if opts.saveReport != "" {
			if err := saveLatestReport(store, opts.saveReport); err != nil {
				return err
			}
		}

		continueInChat := opts.chat
		askChat := (isatty.IsTerminal(os.Stdout.Fd()) || opts.interactive) && !continueInChat
		if askChat {
			continueInChat, err = askForChatContinuation()
			if err != nil {
				return err
			}
		}
		if !continueInChat {
			return nil
		}

		return continueChat(ctx, cfg, router, backend, convLog)
	})

	return eg.Wait()
}

// printReport renders the submitted report, if any, as styled markdown.
// Transports that run tools server-side never fill the local store, so an
// empty store is fine.
func printReport(store *report.Store) error {
	r, _, err := store.Latest()
	if errors.Is(err, report.ErrReportNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	styled, err := glamour.Render(r.Markdown(), "dark")
	if err != nil {
		return err
	}
	fmt.Println(styled)
	return nil
}

func saveLatestReport(store *report.Store, filename string) error {
	_, id, err := store.Latest()
	if errors.Is(err, report.ErrReportNotFound) {
		log.Warn().Str("file", filename).Msg("no report was submitted, nothing to save")
		return nil
	}
	if err != nil {
		return err
	}
	return store.SaveToFile(id, filename)
}

func askForChatContinuation() (bool, error) {
	tty_, err := ui.OpenTTY()
	if err != nil {
		return false, err
	}
	defer func() {
		err := tty_.Close()
		if err != nil {
			fmt.Println("Failed to close tty:", err)
		}
	}()

	askUI := &input.UI{
		Writer: tty_,
		Reader: tty_,
	}

	query := "\nDo you want to continue in chat? [y/n]"
	answer, err := askUI.Ask(query, &input.Options{
		Default:  "y",
		Required: true,
		Loop:     true,
		ValidateFunc: func(answer string) error {
			switch answer {
			case "y", "Y", "n", "N":
				return nil
			default:
				return errors.New("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, err
	}

	return answer == "y" || answer == "Y", nil
}

// continueChat hands the finished exchange over to the chat TUI. The new
// controller shares the conversation log, so the asked question and its
// answer stay on screen.
func continueChat(
	ctx context.Context,
	cfg *settings.Settings,
	router *events.EventRouter,
	backend transport.Transport,
	convLog *conversation.Log,
) error {
	controller, err := newController(cfg, backend, convLog,
		events.NewWatermillSink(router.Publisher, uiTopic))
	if err != nil {
		return err
	}

	options, tty_, err := chatProgramOptions()
	if err != nil {
		return err
	}
	if tty_ != nil {
		defer func() {
			_ = tty_.Close()
		}()
	}

	p := tea.NewProgram(ui.InitialModel(ctx, controller), options...)
	router.AddHandler("ui", uiTopic, ui.ForwardFunc(p))
	if err := router.RunHandlers(ctx); err != nil {
		return err
	}

	if _, err := p.Run(); err != nil {
		return err
	}

	// replay what the chat added on top of the already printed exchange
	for idx, u := range convLog.Utterances() {
		if idx <= 1 {
			continue
		}
		fmt.Printf("\n[%s]: %s\n", u.Role, u.Text())
	}

	return nil
}

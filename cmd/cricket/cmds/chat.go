package cmds

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/cricket/pkg/events"
	"github.com/go-go-golems/cricket/pkg/settings"
	"github.com/go-go-golems/cricket/pkg/ui"
)

var ChatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the research agent in the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadSettings(cmd)
		if err != nil {
			return err
		}
		return runChat(cmd.Context(), cfg)
	},
}

func runChat(ctx context.Context, cfg *settings.Settings) error {
	registry, _, err := newToolRegistry()
	if err != nil {
		return err
	}
	backend, err := newTransport(cfg, registry)
	if err != nil {
		return err
	}

	var routerOptions []events.EventRouterOption
	if viper.GetBool("verbose") {
		routerOptions = append(routerOptions, events.WithVerbose(true))
	}
	router, err := events.NewEventRouter(routerOptions...)
	if err != nil {
		return err
	}
	defer func() {
		_ = router.Close()
	}()

	controller, err := newController(cfg, backend, newConversationLog(cfg),
		events.NewWatermillSink(router.Publisher, uiTopic))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

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

	eg := errgroup.Group{}
	eg.Go(func() error {
		defer cancel()
		return router.Run(ctx)
	})
	eg.Go(func() error {
		defer cancel()
		<-router.Running()
		_, err := p.Run()
		return err
	})

	return eg.Wait()
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/tmeditor/collabengine/internal/batch"
	"github.com/tmeditor/collabengine/internal/collab"
	"github.com/tmeditor/collabengine/internal/config"
	"github.com/tmeditor/collabengine/internal/engine"
	"github.com/tmeditor/collabengine/internal/history"
	"github.com/tmeditor/collabengine/internal/resync"
	"github.com/tmeditor/collabengine/internal/tmiapi"
)

// envToken carries the bearer token; authentication flows are out of
// scope for the engine, so the daemon accepts a ready token.
const envToken = "COLLABENGINE_TOKEN"

// newWatchCmd builds the watch subcommand: join a diagram's
// collaboration session and mirror it until interrupted.
func newWatchCmd() *cobra.Command {
	var (
		flagThreatModel string
		flagDiagram     string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Join a diagram session and mirror remote changes",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runWatch(flagThreatModel, flagDiagram)
		},
	}

	cmd.Flags().StringVar(&flagThreatModel, "threat-model", "", "threat model id (required)")
	cmd.Flags().StringVar(&flagDiagram, "diagram", "", "diagram id (required)")
	_ = cmd.MarkFlagRequired("threat-model")
	_ = cmd.MarkFlagRequired("diagram")

	return cmd
}

// runWatch wires the full engine and runs it until SIGINT/SIGTERM.
func runWatch(threatModelID, diagramID string) error {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return err
	}

	token := os.Getenv(envToken)
	if token == "" {
		return fmt.Errorf("%s is not set", envToken)
	}

	logger := buildLogger(cfg.Logging)
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	graph := engine.NewMemoryGraph(logger)
	client := tmiapi.NewClient(cfg.Server.BaseURL, nil, tokenSource, logger)

	assembler := batch.NewAssembler(cfg.BatchConfig(), logger)
	defer assembler.Close()

	coordinator := resync.NewCoordinator(cfg.ResyncCoordinatorConfig(), client, graph, graph, logger)
	defer coordinator.Close()

	coordinator.Initialize(diagramID, threatModelID, graph, graph)

	var recorder engine.Recorder

	if cfg.History.Path != "" {
		store, err := history.OpenStore(ctx, cfg.History.Path, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		recorder = store
	}

	eng := engine.New(assembler, coordinator, graph, recorder, logger)

	listener := collab.NewListener(
		wsURL(cfg), diagramID, tokenSource,
		assembler, coordinator.TriggerResync, logger,
	)

	// Start from the authoritative snapshot before consuming live events.
	coordinator.TriggerResync()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Run(ctx)
	})

	g.Go(func() error {
		return listener.Listen(ctx)
	})

	g.Go(func() error {
		return config.Watch(ctx, flagConfigPath, logger, eng.ApplyConfig)
	})

	logger.Info("collaboration engine running",
		"threat_model_id", threatModelID,
		"diagram_id", diagramID,
	)

	return g.Wait()
}

// wsURL returns the configured websocket origin, deriving it from the
// API base URL when unset.
func wsURL(cfg config.Config) string {
	if cfg.Server.WSURL != "" {
		return cfg.Server.WSURL
	}

	url := cfg.Server.BaseURL
	url = strings.TrimSuffix(url, "/api")
	url = strings.Replace(url, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)

	return url
}

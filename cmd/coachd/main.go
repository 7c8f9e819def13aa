// Command coachd runs the coaching chat service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	coachd "github.com/rlcoach/coachd"
	"github.com/rlcoach/coachd/coachtools"
	"github.com/rlcoach/coachd/config"
	"github.com/rlcoach/coachd/ledger"
	"github.com/rlcoach/coachd/ledger/sqlite"
	"github.com/rlcoach/coachd/logging"
	"github.com/rlcoach/coachd/provider/anthropic"
	"github.com/rlcoach/coachd/provider/openai"
	"github.com/rlcoach/coachd/server"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "coachd",
		Short:         "Budgeted, tool-augmented coaching chat service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	cmd.AddCommand(serveCmd(&configPath))
	return cmd
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := logging.New(logging.ParseLevel(cfg.LogLevel), os.Stderr)

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	coach, err := coachd.New(func(o *coachd.Options) {
		o.Store = store
		o.Anthropic = anthropic.New(func(ao *anthropic.Options) {
			ao.APIKey = cfg.Provider.AnthropicAPIKey
			ao.MaxTokens = cfg.Provider.MaxTokens
		})
		o.OpenAI = openai.New(func(oo *openai.Options) {
			oo.APIKey = cfg.Provider.OpenAIAPIKey
		})
		o.Model = cfg.Provider.Model
		o.MaxTokens = cfg.Provider.MaxTokens
		o.MaxSteps = cfg.Turn.MaxSteps
		o.MaxParallelTools = cfg.Turn.MaxParallelTools
		o.GameStore = coachtools.NewInMemoryGameStore()
		o.Logger = logger
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.New(coach, server.Config{JWTSecret: cfg.Server.JWTSecret, Logger: logger}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server.listen", "addr", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	logger.Info("server.shutdown")
	return srv.Shutdown(shutdownCtx)
}

func openStore(cfg config.Config) (ledger.Store, func(), error) {
	if cfg.Database.Path == "" {
		store := ledger.NewInMemoryStore(
			ledger.WithSystemPromptBuilder(func(notes []string) string {
				return coachtools.BuildSystemPrompt(notes, coachtools.PromptContext{})
			}),
		)
		return store, func() {}, nil
	}

	store, err := sqlite.Open(cfg.Database.Path, func(o *sqlite.Options) {
		o.SystemPrompt = func(notes []string) string {
			return coachtools.BuildSystemPrompt(notes, coachtools.PromptContext{})
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

// Package cmd defines the CLI commands for the gradepop executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/gradepop-crawler/internal/config"
	"github.com/JakeFAU/gradepop-crawler/internal/history"
	"github.com/JakeFAU/gradepop-crawler/internal/registry"
	"github.com/JakeFAU/gradepop-crawler/internal/scheduler"
	"github.com/JakeFAU/gradepop-crawler/internal/server"
)

// App is the slice of the application the commands use. Tests inject a fake.
type App interface {
	Run(ctx context.Context) error
	LoadState(ctx context.Context) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
	Orchestrator() Controller
}

// Controller is the orchestrator surface the one-shot commands need.
type Controller interface {
	TriggerManualUpdate(ctx context.Context, keys ...string) (scheduler.ManualResult, error)
	UpdateHistory(limit int) []history.UpdateRun
	DataSourceStatus() registry.Snapshot
}

type appKeyType struct{}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return serverApp{app}, nil
}

type serverApp struct {
	*server.App
}

func (a serverApp) Orchestrator() Controller {
	return a.App.Orchestrator()
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:           "gradepop",
		Short:         "Grading population and pricing crawler.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `gradepop polls grading authorities for card population reports,
refreshes pricing and sales data, and serves the results and run controls over
HTTP. Crawling is polite: robots.txt is honored and requests are spaced per
source.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKeyType{}, appInstance))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(newServeCmd(), newUpdateCmd(), newHistoryCmd(), newSourcesCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKeyType{}).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application not initialized")
	}
	return appInstance, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the daily auto-update",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Run(cmd.Context())
		},
	}
}

func newUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update [source-key...]",
		Short: "Run an update now and print the result",
		Long:  "Runs the named sources, or every enabled source when none is given, then exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withState(cmd, func(appInstance App) error {
				res, runErr := appInstance.Orchestrator().TriggerManualUpdate(cmd.Context(), args...)
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if res.Busy {
					return errors.New("another update is already running")
				}
				return runErr
			})
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recent update runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withState(cmd, func(appInstance App) error {
				return printJSON(cmd.OutOrStdout(), appInstance.Orchestrator().UpdateHistory(limit))
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of runs to print")
	return cmd
}

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "Print the source registry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withState(cmd, func(appInstance App) error {
				return printJSON(cmd.OutOrStdout(), appInstance.Orchestrator().DataSourceStatus())
			})
		},
	}
}

// withState loads persisted state, runs fn, and closes the app.
func withState(cmd *cobra.Command, fn func(App) error) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 10*time.Second)
		defer cancel()
		if cerr := appInstance.Close(closeCtx); cerr != nil {
			appInstance.Logger().Warn("close failed", zap.Error(cerr))
		}
	}()
	if err := appInstance.LoadState(cmd.Context()); err != nil {
		return err
	}
	return fn(appInstance)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// Execute is the main entry point.
func Execute(ctx context.Context) int {
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "gradepop:", err)
		return 1
	}
	return 0
}

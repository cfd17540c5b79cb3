package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/flexli/flexli/internal/server"
	"github.com/flexli/flexli/pkg/mcp"
)

var withWorker bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the run API",
	Long: `Serve exposes the run API over HTTP. With --worker the same process also
consumes the run and event queues, which in-memory queues require.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := newApp(ctx, cfg, logger, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		g, ctx := errgroup.WithContext(ctx)
		if withWorker {
			if err := startWorker(ctx, g, a); err != nil {
				return err
			}
			if err := startEvents(ctx, g, a); err != nil {
				return err
			}
		}
		srv := server.NewServer(a.store, a.launcher, a.logger)
		g.Go(func() error { return srv.ListenAndServe(ctx, a.cfg.ListenAddr) })
		return g.Wait()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := newApp(ctx, cfg, logger, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		return mcp.NewFlexliServer(mcp.FlexliServerDeps{
			Store:      a.store,
			Loader:     a.validator,
			Launcher:   a.launcher,
			Runner:     a.runner,
			Conditions: a.evaluator,
			Resolver:   a.resolver,
			Logger:     a.logger,
		}).Serve(ctx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&withWorker, "worker", false, "Also run the worker and event processor in this process")
}

// Command pipeline-server hosts the pipeline editor API and runs pipelines
// headless.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/meikuraledutech/pipeline"
	"github.com/meikuraledutech/pipeline/engine"
	"github.com/meikuraledutech/pipeline/internal/config"
	"github.com/meikuraledutech/pipeline/postgres"
	"github.com/meikuraledutech/pipeline/sqlite"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli holds state shared by every subcommand once flags are parsed.
type cli struct {
	configPath string
	cfg        config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "pipeline-server",
		Short:         "Edit and run ETL pipeline graphs",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = config.NewLogger(cfg.Log, cmd.ErrOrStderr())
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "pipeline.yaml", "path to the YAML config file")

	root.AddCommand(c.serveCmd(), c.schemaCmd(), c.runCmd())
	return root
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, closeStore, err := openStore(ctx, c.cfg.Database)
			if err != nil {
				return err
			}
			defer closeStore()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			eng := engine.New(c.cfg.Engine.BaseURL, c.cfg.Engine.Timeout, engine.WithLogger(c.logger))
			srv := &server{
				store:    store,
				engine:   eng,
				hub:      newHub(store),
				resolver: pipeline.NewResolver(eng, pipeline.WithResolverLogger(c.logger)),
				orch: pipeline.NewOrchestrator(eng,
					pipeline.WithLogger(c.logger),
					pipeline.WithMetrics(pipeline.NewMetrics(reg)),
					pipeline.WithStepDelay(c.cfg.Run.StepDelay),
				),
				registry: reg,
			}
			app := newApp(srv)

			errCh := make(chan error, 1)
			go func() {
				c.logger.Info("listening", "addr", c.cfg.HTTP.Addr, "engine", c.cfg.Engine.BaseURL, "store", c.cfg.Database.Driver)
				errCh <- app.Listen(c.cfg.HTTP.Addr, fiber.ListenConfig{DisableStartupMessage: true})
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			c.logger.Info("shutting down")
			return app.Shutdown()
		},
	}
}

func (c *cli) schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage the graph_config tables",
	}
	for _, sub := range []struct {
		use, short string
		apply      func(pipeline.Store, context.Context) error
	}{
		{"create", "Create the tables", pipeline.Store.CreateSchema},
		{"drop", "Drop the tables", pipeline.Store.DropSchema},
	} {
		cmd.AddCommand(&cobra.Command{
			Use:   sub.use,
			Short: sub.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				store, closeStore, err := openStore(cmd.Context(), c.cfg.Database)
				if err != nil {
					return err
				}
				defer closeStore()
				if err := sub.apply(store, cmd.Context()); err != nil {
					return err
				}
				c.logger.Info("schema updated", "action", sub.use, "driver", c.cfg.Database.Driver)
				return nil
			},
		})
	}
	return cmd
}

func (c *cli) runCmd() *cobra.Command {
	var resume, save bool
	cmd := &cobra.Command{
		Use:   "run <model>",
		Short: "Execute every node of a stored model and print the run log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, closeStore, err := openStore(ctx, c.cfg.Database)
			if err != nil {
				return err
			}
			defer closeStore()

			h := newHub(store)
			sess, err := h.open(ctx, args[0])
			if err != nil {
				return err
			}
			if len(sess.Graph().Nodes) == 0 {
				return fmt.Errorf("model %s has no nodes", args[0])
			}

			eng := engine.New(c.cfg.Engine.BaseURL, c.cfg.Engine.Timeout, engine.WithLogger(c.logger))
			orch := pipeline.NewOrchestrator(eng,
				pipeline.WithLogger(c.logger),
				pipeline.WithStepDelay(c.cfg.Run.StepDelay),
			)
			_, runErr := orch.RunAll(ctx, sess, pipeline.RunOptions{Resume: resume})
			printLog(cmd.OutOrStdout(), sess.Log().Entries())

			if save {
				if err := h.save(ctx, sess); err != nil {
					return errors.Join(runErr, err)
				}
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "keep successful nodes and continue from the first one that did not succeed")
	cmd.Flags().BoolVar(&save, "save", false, "store node statuses and row counts after the run")
	return cmd
}

func printLog(w io.Writer, entries []pipeline.LogEntry) {
	for _, e := range entries {
		fmt.Fprintf(w, "%s  %-7s  %s\n", e.Time.Format("15:04:05"), e.Type, e.Message)
	}
}

// openStore connects the configured graph_config backend.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (pipeline.Store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect: %w", err)
		}
		return postgres.New(pool), pool.Close, nil
	case "sqlite":
		s, err := sqlite.Open(cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

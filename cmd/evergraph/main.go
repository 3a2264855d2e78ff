// Command evergraph runs the temporal assertion graph platform: an HTTP
// server, one-shot imports, and spec/schema validation tooling.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/evergraph/evergraph/internal/config"
	"github.com/evergraph/evergraph/internal/graph"
	"github.com/evergraph/evergraph/internal/ingest"
	"github.com/evergraph/evergraph/internal/logging"
	"github.com/evergraph/evergraph/internal/query"
	"github.com/evergraph/evergraph/internal/schema"
	"github.com/evergraph/evergraph/internal/server"
	"github.com/evergraph/evergraph/internal/spec"
	"github.com/evergraph/evergraph/internal/telemetry"
)

// version is stamped by the release build.
var version = "dev"

var (
	cfgPath   string
	logLevel  string
	logFormat string
)

func main() {
	root := &cobra.Command{
		Use:           "evergraph",
		Short:         "Temporal, evidence-tracked assertion graph",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default: ./evergraph.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "override log format (console|json)")

	root.AddCommand(serveCmd(), importCmd(), validateCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads config and builds the logger shared by every command.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// connect dials the graph store and applies the schema DDL.
func connect(ctx context.Context, cfg *config.Config, log *zap.Logger) (*graph.Store, error) {
	runner, err := graph.Dial(graph.NebulaConfig{
		Host:     cfg.Graph.Host,
		Port:     cfg.Graph.Port,
		User:     cfg.Graph.User,
		Password: cfg.Graph.Password,
		Space:    cfg.Graph.Space,
		Sessions: cfg.Graph.Sessions,
	}, log)
	if err != nil {
		return nil, err
	}
	store := graph.New(runner, log)
	if err := store.Bootstrap(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			metrics, err := telemetry.New(ctx, telemetry.Config{
				Enabled: cfg.Telemetry.Enabled,
				Stdout:  cfg.Telemetry.Stdout,
			})
			if err != nil {
				return err
			}
			defer metrics.Shutdown(context.Background()) //nolint:errcheck

			store, err := connect(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			schemas := schema.NewRegistry(cfg.Paths.Schemas, log)
			if err := schemas.LoadAll(); err != nil {
				return err
			}
			specs := spec.NewLoader(cfg.Paths.Specs)

			importer := ingest.New(store, schemas, specs, log, metrics)
			queries := query.New(store, log, metrics)
			bus := server.NewBus(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Channel, log)
			defer bus.Close() //nolint:errcheck

			srv := server.New(cfg.Server, log, importer, queries, store, schemas, specs, store, bus, cfg.Vector.Addr)
			return srv.ListenAndServe(ctx)
		},
	}
}

func importCmd() *cobra.Command {
	var specName, file, actor string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Run one import from the command line",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := connect(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			schemas := schema.NewRegistry(cfg.Paths.Schemas, log)
			if err := schemas.LoadAll(); err != nil {
				return err
			}
			importer := ingest.New(store, schemas, spec.NewLoader(cfg.Paths.Specs), log, telemetry.Nop())

			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			out, err := importer.Run(ctx, ingest.Request{
				SpecName: specName,
				Filename: filepath.Base(file),
				Data:     f,
				Actor:    actor,
			})
			if err != nil {
				return err
			}
			fmt.Printf("run %s: %d created, %d closed, %d unchanged\n",
				out.Run.ID, out.Run.Stats.Created, out.Run.Stats.Closed, out.Run.Stats.Unchanged)
			return nil
		},
	}
	cmd.Flags().StringVar(&specName, "spec", "", "mapping spec name")
	cmd.Flags().StringVar(&file, "file", "", "source file (.xlsx, .xlsm or .csv)")
	cmd.Flags().StringVar(&actor, "actor", "cli", "actor recorded on the change event")
	_ = cmd.MarkFlagRequired("spec")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate schema and spec files without touching the store",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "schema <file>...",
		Short: "Validate workspace schema files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			for _, path := range args {
				raw, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				d, err := schema.Parse(raw)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Printf("%s: ok (workspace %s, %d entity types)\n", path, d.Workspace, len(d.EntityTypes))
			}
			return nil
		},
	})

	var schemaPath string
	specCmd := &cobra.Command{
		Use:   "spec <file>...",
		Short: "Validate mapping spec files, optionally against a schema",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var dom *schema.Domain
			if schemaPath != "" {
				raw, err := os.ReadFile(schemaPath)
				if err != nil {
					return err
				}
				dom, err = schema.Parse(raw)
				if err != nil {
					return fmt.Errorf("%s: %w", schemaPath, err)
				}
			}
			for _, path := range args {
				raw, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				sp, err := spec.Parse(raw)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if dom != nil {
					if err := sp.ValidateAgainst(dom); err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
				}
				fmt.Printf("%s: ok (spec %s, workspace %s)\n", path, sp.SpecName, sp.WorkspaceID)
			}
			return nil
		},
	}
	specCmd.Flags().StringVar(&schemaPath, "schema", "", "workspace schema to cross-check against")
	cmd.AddCommand(specCmd)

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the evergraph version",
		Run: func(*cobra.Command, []string) {
			fmt.Println("evergraph", version)
		},
	}
}

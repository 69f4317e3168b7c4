// Command memoir runs the memory enrichment service: the HTTP API, the job
// workers and the scheduler, plus one-shot operator commands.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/memoir/internal/backup"
	"github.com/scrypster/memoir/internal/config"
	"github.com/scrypster/memoir/internal/importer"
	"github.com/scrypster/memoir/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "memoir",
		Short:         "Personal memory store with background enrichment and smart search",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newTickCmd(),
		newReindexCmd(),
		newDeadLettersCmd(),
		newImportCmd(),
		newBackupCmd(),
		newRestoreCmd(),
	)
	return root
}

// loadConfig loads and validates configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withApp loads config, wires the app, runs fn and releases everything.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Printf("WARNING: error closing resources: %v", err)
		}
	}()
	return fn(ctx, a)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, workers, scheduler and event relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app) error {
				if err := startEngine(ctx, a); err != nil {
					return err
				}

				srvCtx, cancel := context.WithCancel(context.Background())
				defer cancel()
				addr, _, err := server.Start(srvCtx, a.cfg, a.engine)
				if err != nil {
					_ = a.engine.Shutdown(context.Background())
					return err
				}
				log.Printf("Memoir API running at http://%s", addr)

				<-ctx.Done()
				log.Println("Shutting down gracefully...")
				// Workers first so no handler writes to a closing store.
				shutdownErr := a.engine.Shutdown(context.Background())
				cancel()
				time.Sleep(500 * time.Millisecond) // let in-flight HTTP responses finish
				return shutdownErr
			})
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the job workers and the scheduler loop without HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app) error {
				if err := startEngine(ctx, a); err != nil {
					return err
				}
				log.Printf("Memoir worker running with %d executors", a.cfg.Engine.NumWorkers)
				<-ctx.Done()
				log.Println("Shutting down gracefully...")
				return a.engine.Shutdown(context.Background())
			})
		},
	}
}

// startEngine starts the pool and scheduler. The engine keeps running
// after ctx is done until Shutdown is called.
func startEngine(ctx context.Context, a *app) error {
	if needsRebuild(a.cfg) {
		n, err := a.engine.ReindexAll(ctx)
		if err != nil {
			return fmt.Errorf("failed to rebuild vector index: %w", err)
		}
		log.Printf("[index.rebuild] queued=%d", n)
	}
	return a.engine.Start(context.Background())
}

func newTickCmd() *cobra.Command {
	var at string
	var drain bool
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Evaluate every schedule once and enqueue due occurrences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			now := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				now = t
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.engine.RegisterSchedules(ctx); err != nil {
					return err
				}
				report, tickErr := a.engine.SchedulerTick(ctx, now)
				if drain {
					if _, err := a.engine.Pool().Drain(ctx); err != nil {
						return err
					}
				}
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				return tickErr
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluate at this RFC3339 instant instead of now")
	cmd.Flags().BoolVar(&drain, "drain", false, "process the enqueued jobs before exiting")
	return cmd
}

func newReindexCmd() *cobra.Command {
	var drain bool
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Queue embedding jobs for records indexed by another model version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				n, err := a.engine.ReindexStale(ctx)
				if err != nil {
					return err
				}
				processed := 0
				if drain {
					if processed, err = a.engine.Pool().Drain(ctx); err != nil {
						return err
					}
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"queued": n, "processed": processed})
			})
		},
	}
	cmd.Flags().BoolVar(&drain, "drain", false, "process the queued jobs before exiting")
	return cmd
}

func newDeadLettersCmd() *cobra.Command {
	var requeue string
	var limit int
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "List dead-lettered and failed jobs, or requeue one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if requeue != "" {
					if err := a.engine.RequeueJob(ctx, requeue); err != nil {
						return err
					}
					_, err := fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", requeue)
					return err
				}
				jobs, err := a.engine.DeadLetters(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), jobs)
			})
		},
	}
	cmd.Flags().StringVar(&requeue, "requeue", "", "job id to move back to the queue")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs to list")
	return cmd
}

func newImportCmd() *cobra.Command {
	var owner string
	var drain bool
	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Create memories from a folder of Markdown notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				res, err := importer.New(a.engine, owner).Import(ctx, args[0])
				if err != nil {
					return err
				}
				if drain {
					if _, err := a.engine.Pool().Drain(ctx); err != nil {
						return err
					}
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner for notes without an owner frontmatter field")
	cmd.Flags().BoolVar(&drain, "drain", false, "enrich the imported memories before exiting")
	return cmd
}

func newBackupCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the sqlite database now, or list existing snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if a.backups == nil {
					return fmt.Errorf("backups require the sqlite storage engine")
				}
				if list {
					infos, err := a.backups.List()
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), infos)
				}
				res, err := a.backups.Snapshot(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list snapshots instead of taking one")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <snapshot>",
		Short: "Replace the sqlite database with a snapshot; stop serve and worker first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.Engine != "sqlite" {
				return fmt.Errorf("restore requires the sqlite storage engine")
			}
			dbPath := filepath.Join(cfg.Storage.DataPath, dbFileName)
			if err := backup.Restore(cmd.Context(), args[0], dbPath); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "restored %s from %s\n", dbPath, args[0])
			return err
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cloud-shuttle/conductor/internal/api"
	"github.com/cloud-shuttle/conductor/internal/condition"
	"github.com/cloud-shuttle/conductor/internal/db"
	"github.com/cloud-shuttle/conductor/internal/definition"
	"github.com/cloud-shuttle/conductor/internal/events"
	"github.com/cloud-shuttle/conductor/internal/functions"
	"github.com/cloud-shuttle/conductor/internal/graph"
	"github.com/cloud-shuttle/conductor/internal/trigger"
	"github.com/cloud-shuttle/conductor/pkg/types"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	var listenAddr string
	var definitionsDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and scheduled triggers",
		Long: `Start the HTTP API.

Workflows are submitted with POST /workflows and their events streamed over
websockets. Definitions in the definitions directory that carry a cron
schedule are started automatically on that schedule.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if definitionsDir != "" {
				cfg.DefinitionsDir = definitionsDir
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}

			triggers := trigger.New(rt.engine, logger)
			if cfg.DefinitionsDir != "" {
				if err := scheduleDefinitions(triggers, cfg.DefinitionsDir); err != nil {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
					defer cancel()
					rt.close(shutdownCtx, logger)
					return err
				}
			}

			opts := api.Options{
				ListenAddr: cfg.ListenAddr,
				Bus:        rt.bus,
				Prometheus: rt.prometheus,
				Aggregator: rt.aggregator,
				Logger:     logger,
			}
			if rt.store != nil {
				opts.History = rt.store
			}
			server := api.New(rt.engine, opts)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(server.Start)
			g.Go(func() error {
				triggers.Start()
				<-gctx.Done()
				return nil
			})
			g.Go(func() error {
				evictLoop(gctx, rt, cfg.Retention.Std())
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("shutting down")

				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()

				var errs []error
				errs = append(errs, server.Shutdown(shutdownCtx))
				errs = append(errs, triggers.Stop(shutdownCtx))
				errs = append(errs, rt.engine.Shutdown(shutdownCtx))
				rt.close(shutdownCtx, logger)
				return errors.Join(errs...)
			})

			fmt.Printf("%s listening on %s\n", titleStyle.Render("conductor"), cfg.ListenAddr)
			return g.Wait()
		},
	}

	cmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Address to listen on")
	cmd.Flags().StringVarP(&definitionsDir, "definitions", "d", "", "Directory of workflow definitions to schedule")
	return cmd
}

// scheduleDefinitions registers every scheduled definition in dir
func scheduleDefinitions(triggers *trigger.Scheduler, dir string) error {
	defs, err := definition.LoadDir(dir)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if def.Schedule == "" {
			logger.Debug("definition has no schedule", zap.String("workflow", def.Name))
			continue
		}
		if err := triggers.Add(def); err != nil {
			return err
		}
	}
	return nil
}

// evictLoop drops expired workflows until ctx is done
func evictLoop(ctx context.Context, rt *runtime, retention time.Duration) {
	if retention <= 0 {
		return
	}
	interval := retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rt.engine.Evict(now)
		}
	}
}

func runCmd() *cobra.Command {
	var watch bool
	var jsonEvents bool
	var maxParallel int
	var failClosed bool

	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Run a workflow definition to completion",
		Long: `Run a workflow definition to completion and print a status table.

Use --watch to print task events as they happen. Interrupting the run
cancels it. The command exits non-zero unless the workflow completes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("max-parallel") {
				cfg.MaxParallel = maxParallel
			}
			if cmd.Flags().Changed("fail-closed") {
				cfg.ConditionFailClosed = failClosed
			}

			def, err := definition.LoadFile(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				rt.close(closeCtx, logger)
			}()

			id, err := rt.engine.Submit(def)
			if err != nil {
				return err
			}

			var printed chan struct{}
			if watch {
				printed, err = watchEvents(ctx, rt.bus, id, jsonEvents)
				if err != nil {
					return err
				}
			}

			wf, err := rt.engine.Execute(ctx, id)
			if err != nil {
				return err
			}
			if printed != nil {
				select {
				case <-printed:
				case <-time.After(time.Second):
				}
			}

			printWorkflow(os.Stdout, wf)
			if wf.Status != types.WorkflowStatusCompleted {
				return fmt.Errorf("workflow %s", wf.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Print events while the workflow runs")
	cmd.Flags().BoolVar(&jsonEvents, "json", false, "Print watched events as JSON lines")
	cmd.Flags().IntVarP(&maxParallel, "max-parallel", "p", 0, "Maximum concurrently running tasks (0 for no limit)")
	cmd.Flags().BoolVar(&failClosed, "fail-closed", false, "Skip tasks whose condition cannot be evaluated")
	return cmd
}

// watchEvents prints the workflow's events until its terminal event. The
// returned channel closes once printing stops.
func watchEvents(ctx context.Context, bus *events.Bus, workflowID string, asJSON bool) (chan struct{}, error) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := events.NewStreamer(bus, events.EventFilter{WorkflowID: workflowID}).Start(streamCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		for ev := range stream {
			if asJSON {
				if line, err := events.FormatEvent(ev); err == nil {
					fmt.Println(string(line))
				}
			} else {
				printEvent(os.Stdout, ev)
			}
			switch ev.Type {
			case events.EventWorkflowCompleted, events.EventWorkflowFailed, events.EventWorkflowCancelled:
				return
			}
		}
	}()
	return done, nil
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check workflow definitions without running them",
		Long: `Check workflow definitions without running them.

Reports structural errors such as duplicate ids, missing dependencies and
cycles, and prints the stages valid definitions run in. Conditions that do not parse and functions that are not built in
are reported as warnings.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fns := functions.NewRegistry()
			functions.RegisterBuiltins(fns)
			evaluator := condition.NewEvaluator()

			invalid := 0
			for _, path := range args {
				def, err := definition.LoadAndValidate(path)
				if err != nil {
					invalid++
					fmt.Printf("%s %s\n", errorStyle.Render("✗"), err)
					continue
				}

				fmt.Printf("%s %s %s\n", successStyle.Render("✓"), path, dimStyle.Render(fmt.Sprintf("(%s, %d tasks)", def.Name, len(def.Tasks))))
				if stages, err := graph.Levels(def); err == nil {
					printStages(os.Stdout, stages)
				}
				for _, td := range def.Tasks {
					if td.Condition != "" {
						if _, err := evaluator.Compile(td.Condition); err != nil {
							fmt.Printf("  %s task %s: condition: %v\n", warningStyle.Render("!"), td.ID, err)
						}
					}
					if _, ok := fns.Lookup(td.Function); !ok {
						fmt.Printf("  %s task %s: function %q is not built in\n", warningStyle.Render("!"), td.ID, td.Function)
					}
				}
			}

			if invalid > 0 {
				return fmt.Errorf("%d of %d definitions invalid", invalid, len(args))
			}
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int
	var workflowID string
	var stats bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded workflow runs and task executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.DatabaseURL == "" {
				return errors.New("no history store configured; set database_url or CONDUCTOR_DATABASE_URL")
			}

			store, err := db.Open(cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("opening history store: %w", err)
			}
			defer store.Close()
			store.SetLogger(logger)

			ctx := cmd.Context()
			if err := store.InitSchema(ctx); err != nil {
				return fmt.Errorf("initializing history schema: %w", err)
			}

			switch {
			case stats:
				s, err := store.Stats(ctx)
				if err != nil {
					return err
				}
				printStats(os.Stdout, s)
			case workflowID != "":
				execs, err := store.RecentExecutions(ctx, limit, workflowID)
				if err != nil {
					return err
				}
				printExecutions(os.Stdout, execs)
			default:
				runs, err := store.RecentRuns(ctx, limit)
				if err != nil {
					return err
				}
				printRuns(os.Stdout, runs)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of rows to show")
	cmd.Flags().StringVar(&workflowID, "workflow", "", "Show task executions of one workflow run")
	cmd.Flags().BoolVar(&stats, "stats", false, "Show aggregate statistics")
	return cmd
}

func functionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "functions",
		Short: "List built-in task functions and callbacks",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.close(context.Background(), logger)

			fmt.Println(titleStyle.Render("Functions"))
			for _, name := range rt.functions.Names() {
				fmt.Printf("  %s\n", name)
			}
			fmt.Println(titleStyle.Render("Callbacks"))
			for _, name := range rt.callbacks.Names() {
				fmt.Printf("  %s\n", name)
			}
			return nil
		},
	}
}

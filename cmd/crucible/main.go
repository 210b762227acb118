package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"crucible/internal/agentpool"
	"crucible/internal/config"
	"crucible/internal/coordinator"
	"crucible/internal/domain"
	"crucible/internal/eventbus"
	"crucible/internal/execadapt"
	"crucible/internal/iteration"
	"crucible/internal/replan"
	sqlitestore "crucible/internal/store/sqlite"
	"crucible/internal/taskqueue"
	"crucible/internal/telemetry"
)

var version = "dev"

type rootFlags struct {
	configPath string
	addr       string
	dbPath     string
	workdir    string
}

func main() {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "crucible",
		Short:         "autonomous build coordinator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Optional overrides for local development; absence is not
			// an error.
			_ = godotenv.Load()
		},
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to config.toml (default: ~/.crucible/config.toml)")
	root.PersistentFlags().StringVar(&flags.addr, "addr", "", "http listen address override")
	root.PersistentFlags().StringVar(&flags.dbPath, "db", "", "sqlite database path override")
	root.PersistentFlags().StringVar(&flags.workdir, "workdir", "", "project working directory override")

	root.AddCommand(newRunCmd(flags))
	root.AddCommand(newResumeCmd(flags))
	root.AddCommand(newStatusCmd(flags))

	if err := root.Execute(); err != nil {
		log.Fatalf("crucible: %v", err)
	}
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	var (
		name string
		mode string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "create a project and drive it to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("--name is required")
			}
			projectMode := domain.ProjectMode(mode)
			if projectMode != domain.ProjectModeGenesis && projectMode != domain.ProjectModeEvolution {
				return fmt.Errorf("unknown mode %q (want genesis or evolution)", mode)
			}

			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			project := domain.Project{
				ID:     uuid.NewString(),
				Name:   strings.TrimSpace(name),
				Mode:   projectMode,
				Status: domain.ProjectStatusIdle,
				Settings: domain.ProjectSettings{
					MaxParallelAgents: cfg.Agents.MaxParallel,
					MaxTaskMinutes:    cfg.Engine.TaskTimeoutMinutes,
					MaxQAIterations:   cfg.Engine.MaxIterations,
				},
				CreatedAt: time.Now().UTC(),
				UpdatedAt: time.Now().UTC(),
			}
			if err := a.store.CreateProject(ctx, project); err != nil {
				return fmt.Errorf("create project: %w", err)
			}
			log.Printf("project created id=%s name=%s mode=%s", project.ID, project.Name, project.Mode)

			if err := a.attach(project); err != nil {
				return err
			}
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&mode, "mode", string(domain.ProjectModeGenesis), "genesis or evolution")
	return cmd
}

func newResumeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <project-id>",
		Short: "resume a persisted project from its latest checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			projectID := args[0]
			project, err := a.store.GetProject(ctx, projectID)
			if err != nil {
				return err
			}
			if project.Status.IsTerminal() {
				return fmt.Errorf("project %s already %s", projectID, project.Status)
			}
			// A resumed project always re-enters through planning or
			// execution; whatever state it crashed in is stale.
			project.Status = domain.ProjectStatusPaused

			if err := a.attach(project); err != nil {
				return err
			}

			features, err := a.store.ListFeatures(ctx, projectID)
			if err != nil {
				return fmt.Errorf("load features: %w", err)
			}
			a.coord.SeedFeatures(features)

			tasks, err := a.store.ListTasks(ctx, projectID)
			if err != nil {
				return fmt.Errorf("load tasks: %w", err)
			}
			if len(tasks) > 0 {
				if err := a.coord.SeedTasks(tasks); err != nil {
					return fmt.Errorf("seed tasks: %w", err)
				}
			}

			cp, err := a.store.LatestCheckpoint(ctx, projectID)
			switch {
			case err == nil:
				a.coord.RestoreCheckpoint(cp)
			case errors.Is(err, sqlitestore.ErrNotFound):
				log.Printf("no checkpoint for project %s, resuming from persisted tasks", projectID)
			default:
				return fmt.Errorf("load checkpoint: %w", err)
			}

			log.Printf("project resumed id=%s features=%d tasks=%d", projectID, len(features), len(tasks))
			return a.serve(ctx)
		},
	}
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "list persisted projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			store, err := sqlitestore.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open sqlite store: %w", err)
			}
			defer func() { _ = store.Close() }()
			if err := store.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate sqlite: %w", err)
			}

			projects, err := store.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(projects)
		},
	}
}

func loadConfig(flags *rootFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		// Missing config file falls back to defaults; a config that
		// exists but fails to parse is fatal.
		if flags.configPath == "" && errors.Is(err, os.ErrNotExist) {
			cfg = config.Config{}.WithDefaults()
		} else {
			return config.Config{}, err
		}
	}
	cfg.Addr = firstNonEmpty(flags.addr, cfg.Addr)
	cfg.DBPath = filepath.Clean(firstNonEmpty(flags.dbPath, cfg.DBPath))
	cfg.Workdir = filepath.Clean(firstNonEmpty(flags.workdir, cfg.Workdir))
	return cfg, nil
}

// app owns the wired object graph for one project run.
type app struct {
	cfg   config.Config
	store *sqlitestore.Store
	queue *taskqueue.Queue
	pool  *agentpool.Pool
	bus   *eventbus.Bus
	coord *coordinator.Coordinator

	shutdownTracing func(context.Context) error

	mu      sync.Mutex
	baseCtx context.Context
	runDone chan error
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	if err := os.MkdirAll(cfg.Workdir, 0o755); err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}

	store, err := sqlitestore.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	a := &app{cfg: cfg, store: store}

	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:    "crucible",
			ServiceVersion: version,
			OTLPEndpoint:   cfg.Tracing.Endpoint,
		})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.shutdownTracing = shutdown
	}

	return a, nil
}

// attach builds the coordinator graph for one project. The store stays
// shared; everything else is per-project.
func (a *app) attach(project domain.Project) error {
	backend, err := execadapt.NewBackend(execadapt.Options{
		Binary:  a.cfg.Backend.Command,
		Args:    a.cfg.Backend.Args,
		Workdir: a.cfg.Workdir,
		Timeout: time.Duration(a.cfg.Backend.TimeoutMS) * time.Millisecond,
	}, log.Default())
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}

	quality := execadapt.NewQualityRunner(map[domain.QualityStep]string{
		domain.QualityStepBuild:  a.cfg.Quality.BuildCommand,
		domain.QualityStepLint:   a.cfg.Quality.LintCommand,
		domain.QualityStepTest:   a.cfg.Quality.TestCommand,
		domain.QualityStepReview: a.cfg.Quality.ReviewCommand,
	}, a.cfg.Workdir, log.Default())

	a.bus = eventbus.New(log.Default())
	a.bus.SubscribeAll(func(ev eventbus.Event) {
		log.Printf("event %s", ev.EventType())
	})

	a.queue = taskqueue.New()
	a.pool = agentpool.New(agentpool.Config{
		TotalSlots: a.cfg.Agents.MaxParallel,
		PerType:    a.cfg.PerTypeCaps(),
	})

	engine := iteration.New(backend, quality, a.bus, iteration.Config{
		MaxIterations:        a.cfg.Engine.MaxIterations,
		RepeatedFailureLimit: a.cfg.Engine.RepeatedFailureLimit,
		TaskTimeout:          time.Duration(a.cfg.Engine.TaskTimeoutMinutes) * time.Minute,
		Steps:                domain.QualitySteps,
		Workdir:              a.cfg.Workdir,
	}, log.Default())

	replanner := replan.New(backend, a.queue, a.bus, replan.Config{
		MaxPerFeature:    a.cfg.Engine.ReplanMaxPerFeature,
		TimeBudgetFactor: float64(a.cfg.Engine.FeatureTimeBudgetMult),
	}, log.Default())

	a.coord = coordinator.New(project, a.store, backend, engine, a.pool, replanner, a.queue, a.bus, coordinator.Config{
		MaxParallelAgents:    a.cfg.Agents.MaxParallel,
		CheckpointEveryWaves: a.cfg.Engine.CheckpointEveryWaves,
		CheckpointKeep:       a.cfg.Engine.CheckpointKeep,
		InfraRetryLimit:      a.cfg.Engine.InfraRetryLimit,
	}, log.Default())
	return nil
}

// serve starts the coordinator and blocks on the HTTP control surface
// until the context is cancelled.
func (a *app) serve(ctx context.Context) error {
	a.mu.Lock()
	a.baseCtx = ctx
	a.mu.Unlock()
	a.startRun(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/status", a.handleStatus)
	mux.HandleFunc("/tasks", a.handleTasks)
	mux.HandleFunc("/tasks/", a.handleTaskByID)
	mux.HandleFunc("/agents", a.handleAgents)
	mux.HandleFunc("/decisions", a.handleDecisions)
	mux.HandleFunc("/pause", a.handlePause)
	mux.HandleFunc("/resume", a.handleResume)
	mux.HandleFunc("/stop", a.handleStop)

	server := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("crucible started addr=%s db=%s workdir=%s", a.cfg.Addr, a.cfg.DBPath, a.cfg.Workdir)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

func (a *app) startRun(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runDone != nil {
		select {
		case <-a.runDone:
		default:
			return false
		}
	}
	done := make(chan error, 1)
	a.runDone = done
	go func() {
		err := a.coord.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("coordinator run: %v", err)
		}
		done <- err
		close(done)
	}()
	return true
}

func (a *app) close(ctx context.Context) {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.shutdownTracing != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdownTracing(shutdownCtx); err != nil {
			log.Printf("shutdown tracing: %v", err)
		}
	}
	if err := a.store.Close(); err != nil {
		log.Printf("close store: %v", err)
	}
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, a.coord.Status())
}

func (a *app) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, a.coord.Tasks())
}

func (a *app) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(trimmed, "/")
	taskID := parts[0]
	if taskID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("task id is required"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		task, err := a.store.GetTask(r.Context(), taskID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch action := parts[1]; action {
	case "abort":
		if err := a.coord.Abort(r.Context(), taskID); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "aborted", "task_id": taskID})
	case "retry":
		if err := a.coord.Retry(r.Context(), taskID); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "retried", "task_id": taskID})
	case "iterations":
		records, err := a.store.ListIterationRecords(r.Context(), taskID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, records)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
	}
}

func (a *app) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, a.pool.Status())
}

func (a *app) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snapshot := a.coord.Status()
	items, err := a.store.ListDecisions(r.Context(), snapshot.ProjectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *app) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := a.coord.Pause(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "pausing"})
}

func (a *app) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	a.mu.Lock()
	ctx := a.baseCtx
	a.mu.Unlock()
	if !a.startRun(ctx) {
		writeError(w, http.StatusConflict, coordinator.ErrAlreadyRunning)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "resuming"})
}

func (a *app) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := a.coord.Stop(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopping"})
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

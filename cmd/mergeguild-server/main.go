package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"

	"github.com/kazz187/mergeguild/internal/audit"
	auditrepo "github.com/kazz187/mergeguild/internal/audit/repositoryimpl"
	"github.com/kazz187/mergeguild/internal/broadcast"
	"github.com/kazz187/mergeguild/internal/claim"
	"github.com/kazz187/mergeguild/internal/config"
	"github.com/kazz187/mergeguild/internal/event"
	"github.com/kazz187/mergeguild/internal/eventbus"
	"github.com/kazz187/mergeguild/internal/gittree"
	"github.com/kazz187/mergeguild/internal/hook"
	"github.com/kazz187/mergeguild/internal/ledgerwatch"
	"github.com/kazz187/mergeguild/internal/merge"
	proposalrepo "github.com/kazz187/mergeguild/internal/proposal/repositoryimpl"
	"github.com/kazz187/mergeguild/internal/server"
	"github.com/kazz187/mergeguild/internal/task"
	taskrepo "github.com/kazz187/mergeguild/internal/task/repositoryimpl"
	"github.com/kazz187/mergeguild/internal/workspace"
	workspacerepo "github.com/kazz187/mergeguild/internal/workspace/repositoryimpl"
	"github.com/kazz187/mergeguild/pkg/clog"
	"github.com/kazz187/mergeguild/pkg/panicerr"
	"github.com/kazz187/mergeguild/pkg/retry"
	"github.com/kazz187/mergeguild/pkg/storage"
)

var (
	app     = kingpin.New("mergeguild-server", "Collaboration engine for parallel coding agents")
	envFile = app.Flag("env-file", "dotenv file to load before reading the environment").Default(".env").String()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load env file", "file", *envFile, "error", err)
	}

	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}
	setupLogger(env)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := newStorage(ctx, env)
	if err != nil {
		slog.Error("failed to create storage", "error", err)
		os.Exit(1)
	}

	bus := eventbus.New()
	tree := gittree.NewCLI()

	taskRepo := taskrepo.NewYAMLRepository(store)
	proposalRepo := proposalrepo.NewYAMLRepository(store)
	workspaceRepo := workspacerepo.NewYAMLRepository(store)
	auditRepo := auditrepo.NewYAMLRepository(store)

	workspaceService := workspace.NewService(workspaceRepo, tree, bus)
	if err := os.MkdirAll(env.TrunkPath, 0o755); err != nil {
		slog.Error("failed to create trunk directory", "error", err)
		os.Exit(1)
	}
	if _, err := workspaceService.EnsureTrunk(ctx, env.TrunkPath); err != nil {
		slog.Error("failed to initialize trunk", "error", err)
		os.Exit(1)
	}

	hooks, err := hook.NewRunner(env.PostMergeHooks, env.PostSyncHooks, env.HookTimeout)
	if err != nil {
		slog.Error("invalid hook configuration", "error", err)
		os.Exit(1)
	}

	policy := retry.Policy{
		Attempts:       env.RetryAttempts,
		InitialBackoff: env.RetryBackoff,
		Factor:         2.0,
		MaxBackoff:     time.Minute,
	}

	broadcaster := broadcast.New(workspaceRepo, tree, bus, hooks, policy)
	claimCoordinator := claim.NewCoordinator(taskRepo, workspaceRepo, auditRepo, tree, bus, env.LeaseDuration, env.SweepInterval, env.WorkerTimeout)
	mergeCoordinator := merge.NewCoordinator(proposalRepo, taskRepo, workspaceRepo, auditRepo, tree, bus, hooks, broadcaster, policy, env.RescanInterval)

	srv := server.New(env, server.Handlers{
		Task:      task.NewHandler(taskRepo, bus),
		Claim:     claim.NewHandler(claimCoordinator),
		Merge:     merge.NewHandler(mergeCoordinator, proposalRepo),
		Workspace: workspace.NewHandler(workspaceService, workspaceRepo),
		Audit:     audit.NewHandler(auditRepo),
		Event:     event.NewHandler(bus),
	})

	runBackground := func(name string, fn func(context.Context) error) {
		go func() {
			if err := panicerr.SafeContext(fn)(ctx); err != nil && ctx.Err() == nil {
				slog.Error("background loop stopped", "loop", name, "error", err)
			}
		}()
	}
	runBackground("lease sweeper", claimCoordinator.Run)
	runBackground("merge pipeline", mergeCoordinator.Run)
	if env.WatchLedgers {
		if local, ok := store.(*storage.LocalStorage); ok {
			runBackground("ledger watcher", ledgerwatch.New(local.BasePath(), bus).Run)
		} else {
			slog.Warn("ledger watching requires local storage, skipping")
		}
	}

	if err := srv.Start(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func setupLogger(env *config.Env) {
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))
}

func newStorage(ctx context.Context, env *config.Env) (storage.Storage, error) {
	switch env.StorageEnv.Type {
	case "s3":
		return storage.NewS3Storage(ctx, env.S3Bucket, env.S3Prefix, env.S3Region)
	case "postgres":
		return storage.NewPostgresStorage(ctx, env.PostgresDSN)
	default:
		return storage.NewLocalStorage(env.StorageEnv.BaseDir)
	}
}

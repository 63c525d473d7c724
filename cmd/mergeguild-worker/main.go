package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	"github.com/oklog/ulid/v2"

	"github.com/kazz187/mergeguild/internal/client"
	"github.com/kazz187/mergeguild/internal/gittree"
	"github.com/kazz187/mergeguild/pkg/clog"
)

var (
	app         = kingpin.New("mergeguild-worker", "Coding agent worker for the mergeguild engine")
	serverURL   = app.Flag("server", "Engine base URL").Envar("MERGEGUILD_SERVER_URL").Default("http://localhost:3200").String()
	apiKey      = app.Flag("api-key", "Engine API key").Envar("MERGEGUILD_API_KEY").Required().String()
	workerName  = app.Flag("name", "Worker name (stable across restarts)").Envar("MERGEGUILD_WORKER_NAME").String()
	root        = app.Flag("root", "Workspace directory").Envar("MERGEGUILD_WORKER_ROOT").Required().String()
	implementer = app.Flag("implementer", "Shell command that implements the claimed task in the workspace").
			Envar("MERGEGUILD_IMPLEMENTER").Required().String()
	pollInterval  = app.Flag("poll", "Claim poll interval").Default("10s").Duration()
	renewInterval = app.Flag("renew", "Lease renew interval").Default("5m").Duration()
	logLevel      = app.Flag("log-level", "Log level").Default("debug").String()
)

func main() {
	_ = godotenv.Load()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(clog.NewTextHandler(os.Stderr, clog.WithLevel(level)))))

	name := *workerName
	if name == "" {
		name = "worker-" + ulid.Make().String()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	r := &runner{
		client:        client.New(*serverURL, *apiKey),
		tree:          gittree.NewCLI(),
		name:          name,
		root:          *root,
		implementer:   *implementer,
		pollInterval:  *pollInterval,
		renewInterval: *renewInterval,
	}
	if err := r.run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("worker stopped")
}

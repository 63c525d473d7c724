package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"

	"github.com/kazz187/mergeguild/pkg/clog"
	"github.com/kazz187/mergeguild/pkg/supervisor"
)

var (
	app            = kingpin.New("mergeguild-fleet", "Supervisor for a mergeguild worker fleet")
	workerBinary   = app.Flag("worker-binary", "Path to the mergeguild-worker binary").Required().String()
	reviewerBinary = app.Flag("reviewer-binary", "Path to the mergeguild-reviewer binary (optional)").String()
	workerCount    = app.Flag("workers", "Number of worker processes").Default("3").Int()
	rootDir        = app.Flag("root-dir", "Directory under which worker workspaces are created").Default(".mergeguild/workspaces").String()
	implementer    = app.Flag("implementer", "Implementer command passed to every worker").Envar("MERGEGUILD_IMPLEMENTER").Required().String()
	logLevel       = app.Flag("log-level", "Log level").Default("info").String()
)

func main() {
	_ = godotenv.Load()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(clog.NewTextHandler(os.Stderr, clog.WithLevel(level)))))

	children := make([]supervisor.Child, 0, *workerCount+1)
	for i := 1; i <= *workerCount; i++ {
		name := fmt.Sprintf("worker-%d", i)
		children = append(children, supervisor.Child{
			Name:   name,
			Binary: *workerBinary,
			Args: []string{
				"--name", name,
				"--root", filepath.Join(*rootDir, name),
				"--implementer", *implementer,
			},
		})
	}
	if *reviewerBinary != "" {
		children = append(children, supervisor.Child{
			Name:   "reviewer",
			Binary: *reviewerBinary,
		})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("fleet starting", "workers", *workerCount, "reviewer", *reviewerBinary != "")
	if err := supervisor.New(children...).Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("fleet stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("fleet stopped")
}

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/app"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config")
	once := flag.Bool("once", false, "exit after one batch instead of serving")
	flag.Parse()

	// .env is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env", slog.Any("error", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(ctx, *configPath); err != nil {
		slog.Error("bootstrapping failed", slog.Any("error", err))
		bootstrap.Shutdown()
		os.Exit(1)
	}

	slog.InfoContext(ctx, "system operational, press Ctrl+C to exit", slog.Bool("once", *once))
	err := bootstrap.Run(ctx, *once)
	bootstrap.Shutdown()
	if err != nil {
		slog.Error("run failed", slog.Any("error", err))
		os.Exit(1)
	}
}

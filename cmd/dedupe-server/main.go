package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"yashubustudio/dedupe/dedupe"
	"yashubustudio/dedupe/internal/logger"
	"yashubustudio/dedupe/internal/server"
)

func main() {
	reportDir := flag.String("report-dir", "", "Directory for uploads and generated reports (default: temp dir)")
	flag.Parse()
	if err := run(*reportDir); err != nil {
		fmt.Fprintf(os.Stderr, "dedupe-server: %v\n", err)
		os.Exit(1)
	}
}

func run(reportDir string) error {
	_ = godotenv.Load()
	env, err := dedupe.LoadEnv()
	if err != nil {
		return err
	}
	format := env.LogFormat
	if os.Getenv("LOG_FORMAT") == "" {
		format = "json"
	}
	log := logger.New(env.LogLevel, format)

	cfg, err := dedupe.LoadConfig(env.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env.Apply(&cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	embedder, err := dedupe.NewEmbedder(ctx, cfg.Embedder, log)
	if err != nil {
		return fmt.Errorf("init embedder: %w", err)
	}
	svc, err := dedupe.NewService(embedder, cfg, log)
	if err != nil {
		_ = embedder.Close()
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	srv, err := server.New(svc, server.Options{ReportDir: reportDir}, log)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", env.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/careflow/pkg/api"
	"github.com/Mindburn-Labs/careflow/pkg/sweeper"
)

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		port     string
		noSweeps bool
	)
	cmd.StringVar(&port, "port", "", "Listen port (overrides PORT)")
	cmd.BoolVar(&noSweeps, "no-sweeper", false, "Disable the background sweeper")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, ok := loadServices(ctx, stderr)
	if !ok {
		return 1
	}
	defer svc.Close(context.Background())
	if port == "" {
		port = svc.cfg.Port
	}

	if !noSweeps {
		sw := sweeper.New(svc.orch, svc.store, svc.cfg.SweepInterval)
		if err := sw.Start(ctx); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		defer sw.Stop()
	}

	limiter := api.NewRateLimiter(svc.cfg.APIRPS, svc.cfg.APIBurst)
	defer limiter.Close()

	mux := http.NewServeMux()
	api.NewHandler(svc.orch).Register(mux)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           limiter.Middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	_, _ = fmt.Fprintf(stdout, "careflow listening on :%s\n", port)
	svc.logger.InfoContext(ctx, "server started", "port", port, "sweep_interval", svc.cfg.SweepInterval)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	case <-ctx.Done():
	}

	svc.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: shutdown: %v\n", err)
		return 1
	}
	return 0
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/astromechza/nego/pkg/config"
	"github.com/astromechza/nego/pkg/history"
	"github.com/astromechza/nego/pkg/logging"
	"github.com/astromechza/nego/pkg/server"
	"github.com/astromechza/nego/pkg/store"
	"github.com/astromechza/nego/pkg/watch"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	configVar := flag.String("config", "", "path to the yaml config file")
	addrVar := flag.String("addr", "", "the address to listen on, overrides the config")
	flag.Parse()

	cfg, err := config.Load(*configVar)
	if err != nil {
		return err
	}
	if *addrVar != "" {
		cfg.Server.Addr = *addrVar
	}
	if _, err := logging.Setup(os.Stderr, cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return err
	}
	if cfg.Server.Secret == "" {
		return fmt.Errorf("server.secret (or NEGO_SECRET) is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("Opening database", "path", cfg.Server.DatabasePath)
	st, err := store.Open(ctx, cfg.Server.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	s := server.New(st, watch.NewHub(cfg.Server.Ping(), cfg.Server.AllowedOrigins...), history.NewRecorder(st), server.Config{
		Secret:         []byte(cfg.Server.Secret),
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	// repair anything left inconsistent before serving the first request
	if err := s.Sweep(ctx); err != nil {
		return fmt.Errorf("initial integrity sweep failed: %w", err)
	}

	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.RunSweeps(egCtx, cfg.Server.Sweep())
	})
	eg.Go(func() error {
		slog.Info("listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// hijacked watch connections are not waited for, they die with the process
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
		}
		return nil
	})
	return eg.Wait()
}

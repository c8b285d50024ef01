// Command pedicab is a lightweight layer-4 TCP/UDP port forwarder with a
// reconciliation core and an HTTP control plane.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/TheOrdinaryWow/pedicab/internal/config"
	"github.com/TheOrdinaryWow/pedicab/internal/forward"
	"github.com/TheOrdinaryWow/pedicab/internal/httpapi"
	"github.com/TheOrdinaryWow/pedicab/internal/statscache"
	"github.com/TheOrdinaryWow/pedicab/internal/store"
	"github.com/TheOrdinaryWow/pedicab/pkg/netutil"
)

func main() {
	if err := config.Parse(os.Args[1:], run); err != nil {
		log.Error().Err(err).Msg("fatal error")
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	configureLogging(cfg.LogLevel)

	if err := config.RaiseNofileLimit(cfg.ExpandedNofileLimit); err != nil {
		log.Warn().Err(err).Msg("failed to raise open-file limit")
	}

	var s *store.Store
	openErr := netutil.RetryWithBackoff(func() error {
		var err error
		s, err = store.Open(cfg.DatabasePath)
		return err
	}, 3, 500*time.Millisecond)
	if openErr != nil {
		return fmt.Errorf("opening store: %w", openErr)
	}
	defer s.Close()

	cache, err := statscache.New()
	if err != nil {
		return fmt.Errorf("building stats cache: %w", err)
	}

	manager := forward.New(s, cache, forward.Config{
		ConnectionsLimit:    cfg.ConnectionsLimit,
		TCPBufferSize:       int(cfg.TCPBufferSizeKB) * 1024,
		StatsUpdateInterval: time.Duration(cfg.StatsUpdateInterval) * time.Millisecond,
	})

	router := httpapi.NewRouter(s, manager, httpapi.Options{
		AuthToken:           cfg.AuthToken,
		StatsUpdateInterval: time.Duration(cfg.StatsUpdateInterval) * time.Millisecond,
		WebMode:             cfg.WebMode,
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort),
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return manager.StartPolling(gctx)
	})

	g.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Bool("web_mode", cfg.WebMode).Msg("starting http server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func configureLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}

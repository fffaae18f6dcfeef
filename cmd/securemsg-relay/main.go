// Command securemsg-relay runs the relay daemon: it accepts duplex
// channels, performs the responder half of the handshake, enforces
// rate limits, frame bounds and sequence numbers, and acknowledges each
// encrypted frame without decrypting it. Received frames are not queued
// for other recipients; on connect a client is sent whatever the message
// store already holds for it.
//
// Configuration is entirely environment-driven; the daemon is meant to
// run unattended under a process supervisor.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaywire/securemsg/internal/config"
	"github.com/relaywire/securemsg/internal/identity"
	"github.com/relaywire/securemsg/internal/relay"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("relay: load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ident, err := identity.LoadOrGenerate(cfg.ServerIdentityKeyPath)
	if err != nil {
		logger.Error("relay: load identity", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("relay: identity loaded", slog.String("client_id", identity.HexID(ident.Public)))

	srv, err := relay.New(cfg, ident, logger)
	if err != nil {
		logger.Error("relay: init", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer srv.Stop()

	httpServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: http.HandlerFunc(srv.Accept),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay: listening", slog.String("addr", cfg.Addr()))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("relay: serve", slog.String("error", err.Error()))
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("relay: shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("relay: shutdown", slog.String("error", err.Error()))
		}
	}
}

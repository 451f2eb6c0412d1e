// Package service runs the HTTP API of a process with graceful shutdown.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const shutdownTimeout = 15 * time.Second

// Start listens on addr and serves handler until ctx is done. The returned
// context is cancelled once the server has stopped, for whatever reason.
func Start(ctx context.Context, name, addr string, handler http.Handler) (context.Context, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return ctx, err
	}
	return Serve(ctx, name, ln, handler), nil
}

func Serve(ctx context.Context, name string, ln net.Listener, handler http.Handler) context.Context {
	done, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		defer cancel()
		slog.Info("service started", "service", name, "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("service stopped", "service", name, "error", err)
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
		case <-done.Done():
			return
		}
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Error("service shutdown", "service", name, "error", err)
		}
		slog.Info("service shut down", "service", name)
	}()

	return done
}

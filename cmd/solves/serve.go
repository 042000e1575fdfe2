package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/solveshq/solves/v1/app"
	"github.com/solveshq/solves/v1/metrics"
)

const readHeaderTimeout = 10 * time.Second

func newServeCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				g.cfg.Server.Addr = addr
			}
			return runServe(cmd.Context(), g)
		},
	}
	cmd.Flags().String("addr", "", "listen address, overrides server.addr")
	return cmd
}

func newTodoCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "todo",
		Short: "Run the todo microservice",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				g.cfg.Todo.Addr = addr
			}
			return runTodo(cmd.Context(), g)
		},
	}
	cmd.Flags().String("addr", "", "listen address, overrides todo.addr")
	return cmd
}

func runServe(ctx context.Context, g *globals) error {
	return withApp(ctx, g, func(ctx context.Context, a *app.App) error {
		servers := []*http.Server{newServer(g.cfg.Server.Addr, a.Router())}
		if addr := g.cfg.Telemetry.MetricsAddr; addr != "" {
			servers = append(servers, newServer(addr, metrics.Handler(a.Registry)))
		}
		return serveAll(ctx, g.log, g.cfg.Server.ShutdownTimeout.Duration, servers...)
	})
}

func runTodo(ctx context.Context, g *globals) error {
	return withApp(ctx, g, func(ctx context.Context, a *app.App) error {
		return serveAll(ctx, g.log, g.cfg.Server.ShutdownTimeout.Duration, newServer(g.cfg.Todo.Addr, a.TodoRouter()))
	})
}

// withApp wires the application with tracing for the duration of fn.
func withApp(ctx context.Context, g *globals, fn func(context.Context, *app.App) error) (err error) {
	shutdownTracing, err := app.SetupTracing(g.cfg.Telemetry.Tracing, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = errors.Join(err, shutdownTracing(flushCtx))
	}()

	a, err := app.New(ctx, g.cfg, g.log)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, a.Close()) }()
	return fn(ctx, a)
}

func newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: readHeaderTimeout}
}

// serveAll runs every server until ctx is done or one of them fails, then
// shuts all of them down within timeout.
func serveAll(ctx context.Context, log *slog.Logger, timeout time.Duration, servers ...*http.Server) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		eg.Go(func() error {
			log.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen on %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	eg.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down", "timeout", timeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})
	return eg.Wait()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"payflow/api"
	"payflow/db"
	"payflow/payment"
	"payflow/watch"
)

func (app *application) serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.serve(ctx)
		},
	}
	cmd.Flags().String("database-url", "", "PostgreSQL connection string")
	cmd.Flags().String("http-addr", "", "HTTP listen address")
	addPollFlags(cmd)
	return cmd
}

func (app *application) openDatabase(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := db.NewPool(ctx, app.cfg.Database)
	if err != nil {
		return nil, err
	}
	applied, err := db.Migrate(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	for _, name := range applied {
		app.logger.Info("migration applied", zap.String("name", name))
	}
	return pool, nil
}

func (app *application) serve(ctx context.Context) error {
	pool, err := app.openDatabase(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if !app.logger.Core().Enabled(zap.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}

	payments := payment.NewService(pool, payment.NewRepository(pool))
	watches := watch.NewService(payments, watch.NewRepository(pool), app.cfg.Poll.Policy(), app.logger.Named("watch"))
	server := api.NewServer(payments, watches, app.logger.Named("http"), api.WithPinger(pool))

	httpServer := &http.Server{
		Addr:              app.cfg.HTTP.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		app.logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		watches.Shutdown(shutdownCtx)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

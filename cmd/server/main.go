package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/slidesync/slidesync/internal/httpapi"
	"github.com/slidesync/slidesync/internal/registry"
)

func main() {
	_ = godotenv.Load() // optional .env for local runs

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	addr := os.Getenv("ADDR")
	if addr == "" {
		addr = ":5000"
	}
	staticDir := os.Getenv("STATIC_DIR")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// One registry per process, passed explicitly to every handler.
	reg := registry.New(ctx, log)

	srv := &http.Server{
		Addr:    addr,
		Handler: httpapi.SetupRoutes(reg, staticDir, log),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

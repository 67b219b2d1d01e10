// Package main запускает HTTP-сервер сервиса ELIN.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/elin-system/internal/answerer"
	"github.com/mmeshcher/elin-system/internal/auth"
	"github.com/mmeshcher/elin-system/internal/config"
	"github.com/mmeshcher/elin-system/internal/handler"
	"github.com/mmeshcher/elin-system/internal/middleware"
	"github.com/mmeshcher/elin-system/internal/repository"
	"github.com/mmeshcher/elin-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var generator service.Generator
	if cfg.AnswererAddress != "" {
		generator = answerer.NewClient(cfg.AnswererAddress)
	}

	tokens := auth.NewTokenManager(cfg.JWTSecret, time.Duration(cfg.JWTExpMinutes)*time.Minute)

	svc := service.NewService(repo, generator, tokens, logger, cfg.AppEnv, cfg.ReserveTimeout)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(tokens, svc)
	metrics := middleware.NewHTTPMetrics(prometheus.DefaultRegisterer)

	corsOrigins := strings.Split(cfg.CORSOrigins, ",")
	h := handler.NewHandler(svc, logger, authMiddleware, metrics, cfg.AppEnv, corsOrigins)

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой сверки зависших резервирований
	g.Go(func() error {
		svc.StartReservationSweep(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting elin server", "addr", cfg.RunAddress, "env", cfg.AppEnv)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

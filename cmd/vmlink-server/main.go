package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"google.golang.org/api/option"

	internalhttp "github.com/overcastlabs/vmlink/internal/api/http"
	"github.com/overcastlabs/vmlink/internal/compute"
	"github.com/overcastlabs/vmlink/internal/creds"
	"github.com/overcastlabs/vmlink/internal/db"
	"github.com/overcastlabs/vmlink/internal/directory"
	"github.com/overcastlabs/vmlink/internal/session"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("VMLink Server", "version", AppVersion)

	ctx := context.Background()

	pool, err := db.InitDB(ctx, config.Database.Url)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := db.RunMigrations(config.Database.Url); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	gateway := creds.NewGateway(creds.NewPostgresStore(pool), config.OAuth)

	var computeOpts []option.ClientOption
	if config.Compute.Endpoint != "" {
		computeOpts = append(computeOpts, option.WithEndpoint(config.Compute.Endpoint))
	}
	injector := compute.NewInjector(compute.NewGCEClient(computeOpts...))

	provisioner := &session.Provisioner{
		Tokens:      gateway,
		Directory:   directory.NewPostgresDirectory(pool),
		Injector:    injector,
		SettleDelay: time.Duration(config.Session.SettleDelaySeconds) * time.Second,
		DialTimeout: time.Duration(config.Session.DialTimeoutSeconds) * time.Second,
	}

	registry := session.NewRegistry(
		time.Duration(config.Session.MaxAgeMinutes)*time.Minute,
		time.Duration(config.Session.SweepIntervalSeconds)*time.Second,
	)
	defer registry.Stop()

	services := &internalhttp.Services{
		Registry: registry,
		Bridge:   &session.Bridge{Provisioner: provisioner, Registry: registry},
		Controller: &session.Controller{
			Provisioner: provisioner,
			Registry:    registry,
			RemoveGrace: time.Duration(config.Session.ExecGraceSeconds) * time.Second,
		},
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	registry.Stop()
	slog.Info("Shutdown complete")
}

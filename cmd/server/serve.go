package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/ashureev/scan-gate/internal/api"
	"github.com/ashureev/scan-gate/internal/hook"
	"github.com/ashureev/scan-gate/internal/middleware"
	"github.com/ashureev/scan-gate/internal/provider"
	"github.com/ashureev/scan-gate/internal/session"
	"github.com/ashureev/scan-gate/internal/store"
	"github.com/ashureev/scan-gate/internal/stream"
	"github.com/ashureev/scan-gate/internal/verifyclient"
	"github.com/ashureev/scan-gate/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the verification server (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting server",
		"port", cfg.Port,
		"store", cfg.StoreBackend,
		"method", cfg.Auth.DefaultMethod,
		"first_contact_required", cfg.Auth.FirstContactRequired)

	// Initialize dependencies.
	grants, err := store.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open grant store: %w", err)
	}
	defer func() {
		if closeErr := grants.Close(); closeErr != nil {
			slog.Error("Failed to close grant store", "error", closeErr)
		}
	}()
	slog.Info("Grant store connected", "backend", cfg.StoreBackend)

	client := verifyclient.New(verifyclient.Config{
		BaseURL:   cfg.Provider.BaseURL,
		AppID:     cfg.Provider.AppID,
		AppSecret: cfg.Provider.AppSecret,
	})
	if !client.Configured() {
		slog.Warn("Verification provider credentials missing; sessions cannot be created until configured")
	}

	registry, err := provider.NewRegistry(provider.NewScanProvider(client, cfg.Provider.PollRPS, slog.Default()))
	if err != nil {
		return fmt.Errorf("failed to register providers: %w", err)
	}

	mgr := session.NewManager(cfg.Auth, registry, grants)
	if err := mgr.Restore(ctx); err != nil {
		slog.Error("Failed to restore grants, starting empty", "error", err)
	}

	var notifier hook.Notifier = hook.LogNotifier{}
	if cfg.NotifyWebhook != "" {
		notifier = hook.NewWebhookNotifier(cfg.NotifyWebhook, nil)
	}
	gate := hook.NewGate(mgr, notifier, hook.GateConfig{
		SensitiveKeywords:    cfg.Auth.SensitiveKeywords,
		FirstContactRequired: cfg.Auth.FirstContactRequired,
		VerifyURL:            cfg.VerifyURL,
	}, slog.Default())
	mgr.OnVerified(gate.HandleVerified)

	// Initialize handlers.
	pages, err := web.NewPages()
	if err != nil {
		return fmt.Errorf("failed to parse page templates: %w", err)
	}
	hub := stream.NewHub()
	mfaHandler := api.NewMFAHandler(api.NewHandler(mgr, pages))
	wsHandler := stream.NewHandler(mgr, hub, cfg.PublicBaseURL)

	// Setup router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{cfg.PublicBaseURL}))

	mfaHandler.RegisterRoutes(r)
	r.Get("/mfa-auth/ws/{sessionId}", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket streams stay open
		IdleTimeout:  120 * time.Second,
	}

	// Start sweeper.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	sweeper := session.NewSweeper(mgr, cfg.Auth.SweepInterval)
	sweeper.Start(sweepCtx)

	errCh := make(chan error, 2)

	var grpcSrv *grpc.Server
	if cfg.HookGRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.HookGRPCAddr)
		if err != nil {
			stopSweep()
			return fmt.Errorf("failed to listen for hook service on %s: %w", cfg.HookGRPCAddr, err)
		}
		grpcSrv = grpc.NewServer()
		hook.RegisterHookServer(grpcSrv, hook.NewGRPCServer(gate))
		go func() {
			slog.Info("Hook service listening", "addr", lis.Addr().String())
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("hook service failed: %w", err)
			}
		}()
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	// Wait for shutdown signal.
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.CloseAll("server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}

	stopSweep()
	sweeper.Wait()
	gate.Wait()
	mgr.Close()

	slog.Info("Server stopped successfully")
	return runErr
}

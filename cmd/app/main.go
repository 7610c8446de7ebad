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

	"course_cart/internal/app"
	"course_cart/internal/domain"
	"course_cart/internal/infra/broadcast"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	pprofAddr := flag.String("pprof", "", "serve pprof on this address (e.g. localhost:6060)")
	watchURL := flag.String("watch", "", "follow the cart badge of a running instance (ws://host/ws/cart) instead of serving")
	flag.Parse()

	// Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *watchURL != "" {
		watch(ctx, *watchURL)
		return
	}

	if *pprofAddr != "" {
		go func() {
			slog.Info("Pprof server started", slog.String("addr", *pprofAddr))
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	// System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(*configPath); err != nil {
		slog.Error("Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}

	bootstrap.Start(ctx)

	server := &http.Server{
		Addr:              bootstrap.Config.Server.Addr,
		Handler:           bootstrap.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("HTTP server listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", slog.Any("error", err))
			stop()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown failed", slog.Any("error", err))
	}

	bootstrap.Stop()
}

// watch prints the cart badge of another instance until ctx ends.
func watch(ctx context.Context, url string) {
	w := broadcast.NewBadgeWatcher(url, func(sig domain.CartSignal) {
		if !sig.Ready {
			fmt.Println("cart: loading")
			return
		}
		fmt.Printf("cart: %d item(s), total %s\n", sig.Count, sig.Total)
	})
	if err := w.Connect(ctx); err != nil {
		slog.Error("Badge watcher failed", slog.Any("error", err))
		os.Exit(1)
	}
	<-ctx.Done()
	w.Disconnect()
}

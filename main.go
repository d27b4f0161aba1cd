package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"chatsync/internal/config"
	"chatsync/internal/hub"
	"chatsync/internal/storage"
	"chatsync/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	chatHub, err := hub.NewHub(bbStorage, hub.Config{MaxMessageLen: cfg.MaxMessageLen})
	if err != nil {
		return err
	}

	server := ws.NewServer(chatHub, cfg.ListenAddr, cfg.MaxMessageLen, cfg.ReconcileWindow)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Start()
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}

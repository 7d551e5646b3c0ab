package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"jim/config"
	"jim/db"
	"jim/server"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	port := flag.Int("p", cfg.Port, "port to listen on")
	addr := flag.String("a", cfg.Addr, "address to listen on (empty means all interfaces)")
	flag.Parse()

	cfg.Port = *port
	cfg.Addr = *addr
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	database, err := db.Open(context.Background(), cfg.DB)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()
	log.Printf("Using %s database", database.Backend())

	srv := server.New(database, server.NewServerConfig(cfg))

	// Start control socket for management commands
	if control := startControlSocket(srv, cfg.ControlSocket); control != nil {
		defer os.Remove(cfg.ControlSocket)
		defer control.Close()
	}

	// Handle signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		srv.Shutdown()
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, server.ErrServerClosed) {
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

func startControlSocket(srv *server.Server, path string) net.Listener {
	// Remove a socket file left by a previous run
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		log.Printf("Failed to create control socket: %v", err)
		return nil
	}

	go srv.ServeControl(listener)
	return listener
}

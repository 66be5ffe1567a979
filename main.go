package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"presenced/bootstrap"
	"presenced/config"
	"presenced/journal"
	"presenced/server"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		logger.Error("failed to parse flags", "err", err)
		os.Exit(1)
	}

	jrnl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		logger.Error("failed to open journal", "path", cfg.JournalPath, "err", err)
		os.Exit(1)
	}
	defer jrnl.Close()

	result, err := bootstrap.Load(jrnl, logger)
	if err != nil {
		logger.Error("failed to replay journal", "err", err)
		os.Exit(1)
	}

	srv := server.New(cfg, result.Store, result.Allocator, jrnl, logger)
	if err := srv.Listen(); err != nil {
		logger.Error("failed to bind listener", "addr", cfg.ListenAddr, "err", err)
		os.Exit(1)
	}

	ctrl := server.NewControlSocket(cfg.ControlSocketPath, srv, logger)
	if err := ctrl.Listen(); err != nil {
		logger.Error("failed to bind control socket", "path", cfg.ControlSocketPath, "err", err)
		os.Exit(1)
	}
	go ctrl.Serve()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		ctrl.Stop()
		srv.Stop()
	}()

	logger.Info("presenced listening", "addr", srv.Addr())
	srv.Serve()
}

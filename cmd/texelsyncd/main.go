// Copyright © 2025 Texelsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// File: cmd/texelsyncd/main.go
// Summary: The session daemon. Owns PTY sessions and their transcripts and
//          serves subscription-mode clients over a Unix socket, optionally
//          over WebSocket too.
// Usage: Run one per user. Clients find it through the configured socket
//        path; SIGHUP reloads the config file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/framegrace/texelsync/config"
	"github.com/framegrace/texelsync/daemon"
)

func main() {
	socketPath := flag.String("socket", "", "Unix socket path (default from config)")
	wsAddr := flag.String("ws", "", "optional WebSocket listen address, e.g. 127.0.0.1:8931")
	dataDir := flag.String("data", "", "directory for transcript storage (default from config)")
	window := flag.Int("window", 0, "in-memory retained chunks per terminal (default from config)")
	shell := flag.String("shell", "", "shell to spawn for new sessions (default from config)")
	logStats := flag.Bool("stats", false, "log per-chunk output statistics")
	flag.Parse()

	if err := config.Err(); err != nil {
		log.Printf("texelsyncd: config load: %v (continuing with defaults)", err)
	}
	cfg := config.System()
	if *socketPath == "" {
		*socketPath = cfg.SocketPath
	}
	if *dataDir == "" {
		*dataDir = cfg.DataDir
	}
	if *dataDir == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			cacheDir = os.TempDir()
		}
		*dataDir = filepath.Join(cacheDir, "texelsync")
	}
	if *window <= 0 {
		*window = cfg.RetentionWindow
	}
	if *shell == "" {
		*shell = cfg.Shell
	}

	if err := os.MkdirAll(*dataDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create data dir: %v\n", err)
		os.Exit(1)
	}
	store, err := daemon.OpenStore(filepath.Join(*dataDir, "transcripts.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open transcript store: %v\n", err)
		os.Exit(1)
	}

	sessions := daemon.NewSessionTable(*shell, *window, store)

	var stats daemon.StatsObserver
	if *logStats {
		stats = daemon.NewStatsLogger(log.Default())
	}
	srv := daemon.NewServer(daemon.Options{
		SocketPath: *socketPath,
		WSAddr:     *wsAddr,
		Name:       "texelsyncd",
		Sessions:   sessions,
		Stats:      stats,
	})
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start daemon: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-sigCh
		if sig == syscall.SIGHUP {
			if err := config.Reload(); err != nil {
				log.Printf("texelsyncd: config reload: %v", err)
			} else {
				log.Println("texelsyncd: configuration reloaded")
			}
			continue
		}
		break
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		log.Printf("texelsyncd: stop: %v", err)
	}
	sessions.Shutdown()
	if err := store.Close(); err != nil {
		log.Printf("texelsyncd: close store: %v", err)
	}
	fmt.Println("texelsyncd stopped")
}

// Copyright © 2025 Texelsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// File: cmd/texelsync/main.go
// Summary: Single-terminal client. Connects to the daemon when one is
//          reachable and falls back to a local PTY otherwise, driving one
//          Surface on the caller's tty.
// Usage: `texelsync` spawns a shell; `texelsync -term <id>` reattaches to a
//        daemon session. Ctrl-Q detaches (daemon mode) or quits.

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/framegrace/texelsync/backend"
	"github.com/framegrace/texelsync/bus"
	"github.com/framegrace/texelsync/config"
	"github.com/framegrace/texelsync/plugin"
	"github.com/framegrace/texelsync/renderer"
	"github.com/framegrace/texelsync/terminal"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	socketPath := flag.String("socket", "", "daemon socket path (default from config)")
	termID := flag.String("term", "", "existing session id to reattach (daemon mode only)")
	broadcast := flag.Bool("broadcast", false, "skip the daemon and run a local PTY")
	logPath := flag.String("log", "", "append client logs to this file instead of stderr")
	flag.Parse()

	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		log.SetOutput(f)
	} else {
		// The alternate screen owns stderr while we run.
		log.SetOutput(os.Stderr)
	}

	cfg := config.System()
	if *socketPath == "" {
		*socketPath = cfg.SocketPath
	}

	cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || cols < 1 || rows < 1 {
		cols, rows = 80, 24
	}
	cwd, _ := os.Getwd()

	// Capability check: a reachable daemon selects subscription mode.
	var client *plugin.Client
	if !*broadcast {
		client, err = plugin.Dial(*socketPath, plugin.Options{
			PingInterval: time.Duration(cfg.PingIntervalMs) * time.Millisecond,
		})
		if err != nil && *termID != "" {
			return fmt.Errorf("daemon unreachable but -term was given: %w", err)
		}
		if err != nil {
			log.Printf("texelsync: no daemon at %s, using local PTY: %v", *socketPath, err)
		}
	} else if *termID != "" {
		return fmt.Errorf("-broadcast cannot reattach to a daemon session")
	}

	opts := terminal.Options{
		AgentKind:            "interactive",
		Accelerated:          cfg.HardwareAcceleration,
		LetterSpacing:        cfg.LetterSpacing,
		Debounce:             time.Duration(cfg.ResizeDebounceMs) * time.Millisecond,
		SmallBufferThreshold: cfg.SmallBufferThreshold,
	}

	if client != nil {
		defer client.Close()
		id := *termID
		if id == "" {
			id, err = client.Spawn(cwd, cols, rows)
			if err != nil {
				return fmt.Errorf("spawn session: %w", err)
			}
		}
		opts.TermID = id
		opts.Plugin = client
	} else {
		b := bus.New()
		local := backend.NewLocal(b, backend.WithShell(cfg.Shell))
		defer local.Shutdown()
		id := uuid.NewString()
		if err := local.CreateTerminal(id, cwd); err != nil {
			return fmt.Errorf("create terminal: %w", err)
		}
		opts.TermID = id
		opts.Bus = b
		opts.Commander = local
	}

	// Deferred so it lands on the restored screen, after Fini.
	var exitMsg string
	defer func() {
		if exitMsg != "" {
			fmt.Println(exitMsg)
		}
	}()

	screen, err := tcell.NewScreen()
	if err != nil {
		return fmt.Errorf("create screen: %w", err)
	}
	if err := screen.Init(); err != nil {
		return fmt.Errorf("init screen: %w", err)
	}
	defer screen.Fini()

	opts.Engine = renderer.NewTcellEngine(screen, cols, rows)
	surface, err := terminal.New(opts)
	if err != nil {
		return err
	}
	defer surface.Close()
	surface.Resize(cols, rows, "attach-fit", true)

	// Config edits apply live; a font change recreates the renderer.
	font, fontSize := cfg.FontFamily, cfg.FontSize
	stopWatch, err := config.Watch(func(c config.Config) {
		surface.SetLetterSpacing(c.LetterSpacing)
		surface.SetAccelerated(c.HardwareAcceleration)
		if c.FontFamily != font || c.FontSize != fontSize {
			font, fontSize = c.FontFamily, c.FontSize
			surface.HandleFontChange()
		}
	})
	if err != nil {
		log.Printf("texelsync: config watch disabled: %v", err)
	} else {
		defer stopWatch()
	}

	if client != nil {
		// A dying daemon unblocks PollEvent so the loop can exit.
		go func() {
			<-client.Done()
			_ = screen.PostEvent(tcell.NewEventInterrupt(nil))
		}()
	}

	for {
		ev := screen.PollEvent()
		if ev == nil {
			return nil
		}
		switch ev := ev.(type) {
		case *tcell.EventResize:
			w, h := ev.Size()
			surface.Resize(w, h, "tty-resize", false)
		case *tcell.EventKey:
			if ev.Key() == tcell.KeyCtrlQ {
				if client != nil {
					exitMsg = fmt.Sprintf("detached; reattach with: texelsync -term %s", surface.ID())
				}
				return nil
			}
			surface.Write(keyBytes(ev))
		case *tcell.EventInterrupt:
			if client != nil {
				select {
				case <-client.Done():
					return fmt.Errorf("daemon connection lost")
				default:
				}
			}
		}
	}
}

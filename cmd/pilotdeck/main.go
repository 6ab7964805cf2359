package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pilotdeck/pilotdeck/internal/backend"
	"github.com/pilotdeck/pilotdeck/internal/bridge"
	"github.com/pilotdeck/pilotdeck/internal/config"
	"github.com/pilotdeck/pilotdeck/internal/history"
	"github.com/pilotdeck/pilotdeck/internal/logging"
	"github.com/pilotdeck/pilotdeck/internal/org"
	"github.com/pilotdeck/pilotdeck/internal/session"
)

const Version = "0.3.0"

func main() {
	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "version", "--version", "-v":
			fmt.Printf("pilotdeck v%s\n", Version)
			return
		case "help", "--help", "-h":
			printHelp()
			return
		case "probe":
			handleProbe(args[1:])
			return
		case "serve":
			args = args[1:]
		}
	}
	handleServe(args)
}

func printHelp() {
	fmt.Println("Usage: pilotdeck [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Run the coordination server (default)")
	fmt.Println("  probe     Resolve and print the bridge endpoint a client would use")
	fmt.Println("  version   Print the version")
	fmt.Println()
	fmt.Println("Options for serve:")
	fmt.Println("  -dir <path>    Base directory (default: ~/.pilotdeck)")
	fmt.Println("  -addr <addr>   Bridge listen address (overrides config)")
}

// handleProbe resolves the endpoint a bridge client would connect to.
func handleProbe(args []string) {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	dir := fs.String("dir", "", "Base directory (default: ~/.pilotdeck)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := config.Load(*dir)
	addr := bridge.ResolveEndpoint(cfg.Bridge.LANAddr, cfg.Bridge.TunnelAddr, cfg.Bridge.ProbeTimeout())
	if addr == "" {
		fmt.Fprintln(os.Stderr, "Error: no lan_addr or tunnel_addr configured under [bridge]")
		os.Exit(1)
	}
	fmt.Println(bridge.NormalizeWSURL(addr))
}

func handleServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	dir := fs.String("dir", "", "Base directory (default: ~/.pilotdeck)")
	addr := fs.String("addr", "", "Bridge listen address (overrides config)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := config.Load(*dir)
	if *addr != "" {
		cfg.Bridge.ListenAddr = *addr
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: create base dir: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		LogDir:     cfg.BaseDir,
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	defer logging.Shutdown()

	log := logging.ForComponent(logging.CompSession)
	log.Info("pilotdeck_starting",
		slog.String("version", Version),
		slog.Int("pid", os.Getpid()),
		slog.String("base_dir", cfg.BaseDir))

	// SIGUSR1 dumps the in-memory log ring for post-mortem debugging.
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	go func() {
		for range usr1 {
			dumpPath := filepath.Join(cfg.BaseDir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpRingBuffer(dumpPath); err != nil {
				log.Error("crash_dump_failed", slog.String("error", err.Error()))
			} else {
				log.Info("crash_dump_written", slog.String("path", dumpPath))
			}
		}
	}()

	hist, err := history.Open(cfg.BaseDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: open history: %v\n", err)
		os.Exit(1)
	}
	defer hist.Close()

	store := org.NewStore(cfg.BaseDir, cfg.Org.Debounce())
	defer store.Flush()

	registry := session.NewRegistry()
	classifier := session.NewClassifier(cfg.MetricsEventKinds)
	cli := backend.New(cfg.Backend.Command, cfg.BaseDir)
	machine := session.NewMachine(registry, cli, hist, classifier, cfg.Backend.AbortTimeout())

	tailer, err := session.NewLogTailer(cfg.BaseDir, machine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: start event tailer: %v\n", err)
		os.Exit(1)
	}

	hints := session.NewRestoreHintsReader(cfg.BaseDir, cfg.Watchdog.ToolExecution())
	former := org.NewFormer(store, machine, nil)
	server := bridge.NewServer(bridge.ServerConfig{
		Addr:  cfg.Bridge.ListenAddr,
		Token: cfg.Bridge.Token,
	}, machine, store, former, hints)

	restoreSessions(machine, store, hist, hints, log)

	if err := tailer.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: start event tailer: %v\n", err)
		os.Exit(1)
	}
	defer tailer.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watchdog := session.NewWatchdog(registry, machine, session.Tiers{
		Quiescence:    cfg.Watchdog.Quiescence(),
		Inactivity:    cfg.Watchdog.Inactivity(),
		ToolExecution: cfg.Watchdog.ToolExecution(),
		MaxProcessing: cfg.Watchdog.MaxProcessing(),
	}, cfg.Watchdog.PollInterval(), store.IsMultiAgentSession)
	go watchdog.Run(ctx)

	serveErr := server.Start()

	select {
	case <-ctx.Done():
		log.Info("pilotdeck_stopping")
	case err := <-serveErr:
		if err != nil {
			log.Error("bridge_serve_failed", slog.String("error", err.Error()))
			fmt.Fprintf(os.Stderr, "Error: bridge server: %v\n", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("bridge_shutdown_failed", slog.String("error", err.Error()))
	}
}

// restoreSessions recreates known sessions after a restart and resumes the
// ones whose event logs show an open turn. The restore hints pre-seed the
// watchdog tier; a session whose turn actually finished while the process
// was down lands in the quiescence tier and is cleaned up within one tier
// window instead of hanging in processing forever.
func restoreSessions(machine *session.Machine, store *org.Store, hist *history.Store, hints *session.RestoreHintsReader, log *slog.Logger) {
	names := make(map[string]bool)
	if persisted, err := hist.Sessions(); err == nil {
		for _, name := range persisted {
			names[name] = true
		}
	}
	orgSnap := store.Snapshot()
	for name := range orgSnap.Sessions {
		names[name] = true
	}

	resumed := 0
	for name := range names {
		model := ""
		if meta := orgSnap.Sessions[name]; meta != nil {
			model = meta.Model
		}
		if _, err := machine.CreateSession(name, model); err != nil {
			log.Warn("session_restore_failed",
				slog.String("session", name),
				slog.String("error", err.Error()))
			continue
		}
		h := hints.Read(name)
		if h.TurnOpen {
			machine.ResumeSession(name, h)
			resumed++
		}
	}

	log.Info("sessions_restored",
		slog.Int("total", len(names)),
		slog.Int("resumed", resumed))
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nicebartender/aiteam/bridge"
	"github.com/nicebartender/aiteam/bridge/claude"
	"github.com/nicebartender/aiteam/bridge/codex"
	"github.com/nicebartender/aiteam/bridge/gemini"
	"github.com/nicebartender/aiteam/console"
	"github.com/nicebartender/aiteam/db"
	"github.com/nicebartender/aiteam/ws"
	"golang.org/x/sync/errgroup"
)

const (
	agentReadyTimeout = 5 * time.Second
	agentReadyPoll    = 50 * time.Millisecond
)

// openLedger returns the route ledger, or a nil Ledger when path is empty.
func openLedger(path string) (ws.Ledger, func(), error) {
	if path == "" {
		return nil, func() {}, nil
	}
	database, err := db.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open route ledger: %w", err)
	}
	return database, func() { database.Close() }, nil
}

// startHub binds the hub listener, announcing a port fallback on stdout.
func startHub(cfg Config, logger *slog.Logger) (*ws.Hub, net.Listener, func(), error) {
	ledger, closeLedger, err := openLedger(cfg.Hub.DB)
	if err != nil {
		return nil, nil, nil, err
	}
	ln, fellBack, err := ws.Listen(cfg.Hub.Addr)
	if err != nil {
		closeLedger()
		return nil, nil, nil, err
	}
	if fellBack {
		_, preferred, _ := net.SplitHostPort(cfg.Hub.Addr)
		_, actual, _ := net.SplitHostPort(ln.Addr().String())
		fmt.Printf("[aiteam] Port %s is in use. Using port %s.\n", preferred, actual)
	}
	return ws.NewHub(ledger, logger), ln, closeLedger, nil
}

func runHub(ctx context.Context, cfg Config, logger *slog.Logger) error {
	hub, ln, closeLedger, err := startHub(cfg, logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return hub.Serve(gctx, ln) })
	return g.Wait()
}

// runTeam runs the hub, all three bridges and the operator console in one
// process. Leaving the console shuts everything down.
func runTeam(ctx context.Context, cfg Config, logger *slog.Logger) error {
	hub, ln, closeLedger, err := startHub(cfg, logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	url := cfg.Hub.HubURL(ln.Addr().String())
	fmt.Println("Starting aiteam (headless agents)...")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return hub.Serve(gctx, ln) })

	for _, agent := range Agents {
		agent := agent
		g.Go(func() error {
			if err := runBridge(gctx, cfg, agent, url, logger); err != nil {
				logger.Error("bridge failed", "agent", agent, "err", err)
			}
			return nil
		})
	}

	if missing := waitForAgents(gctx, hub, Agents, agentReadyTimeout, agentReadyPoll); len(missing) > 0 {
		logger.Warn("starting console before every agent connected", "missing", missing)
	}

	lead, err := bridge.Dial(gctx, url, bridge.LeadID, logger)
	if err != nil {
		cancel()
		g.Wait()
		return err
	}
	c := console.New(lead, console.Options{
		Main:             cfg.MainAgent,
		DefaultMain:      defaultMainAgent,
		Agents:           Agents,
		DedupeWindow:     cfg.Console.DedupeWindow,
		ProgressInterval: cfg.Console.ProgressInterval(),
		Status:           hub,
	}, logger)
	g.Go(func() error {
		defer cancel()
		return c.Run(gctx)
	})

	return g.Wait()
}

// runBridge connects one agent to the hub at url and serves it until the
// connection closes or ctx is cancelled.
func runBridge(ctx context.Context, cfg Config, agent, url string, logger *slog.Logger) error {
	conn, err := bridge.Dial(ctx, url, agent, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	a, err := newAgent(ctx, cfg, agent, conn, logger)
	if err != nil {
		return err
	}
	err = bridge.Serve(ctx, conn, a, logger)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newAgent(ctx context.Context, cfg Config, agent string, out bridge.Outbox, logger *slog.Logger) (bridge.Agent, error) {
	modes := bridge.Modes{Autonomous: cfg.Autonomous.Bool()}

	switch agent {
	case claude.DefaultID:
		return claude.New(ctx, out, bridge.ExecLauncher, claude.Options{
			Command:        cfg.Claude.Command,
			PermissionMode: cfg.Claude.PermissionMode,
			AllowBash:      cfg.Claude.AllowBash.Bool(),
			Modes:          bridge.Modes{Autonomous: modes.Autonomous, TextOnly: cfg.TextOnly.Bool()},
			Serialize:      cfg.Claude.Serialize.Bool(),
		}, logger), nil

	case codex.DefaultID:
		b := codex.New(ctx, out, bridge.ExecLauncher, codex.Options{
			Command:            cfg.Codex.Command,
			Modes:              modes,
			ThreadStartTimeout: cfg.Codex.ThreadStartTimeout,
		}, logger)
		if err := b.Start(); err != nil {
			logger.Error("codex app server failed to start", "err", err)
		}
		return b, nil

	case gemini.DefaultID:
		return gemini.New(ctx, out, gemini.ExecRunner, gemini.Options{
			Command:             cfg.Gemini.Command,
			Modes:               modes,
			PromptTimeout:       cfg.Gemini.PromptTimeout,
			GenerateTimeout:     cfg.Gemini.GenerateTimeout,
			MaxGenerateAttempts: cfg.Gemini.MaxGenerateAttempts,
			APIKey:              cfg.Gemini.APIKey,
		}, logger), nil
	}
	return nil, fmt.Errorf("unsupported agent %q", agent)
}

// waitForAgents polls src until every agent is connected, ctx ends or timeout
// passes. It returns the agents still missing.
func waitForAgents(ctx context.Context, src console.StatusSource, agents []string, timeout, poll time.Duration) []string {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		st := src.Status(0)
		var missing []string
		for _, a := range agents {
			if !st.IsConnected(a) {
				missing = append(missing, a)
			}
		}
		if len(missing) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return missing
		case <-deadline.C:
			return missing
		case <-ticker.C:
		}
	}
}

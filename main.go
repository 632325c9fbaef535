package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

const helpText = `aiteam runs a team of coding agents behind one routing hub.

Runtime model:
- visible role: lead (single user-facing prompt)
- main role: selected main agent receives plain-text user input
- peer roles: other agents run headless and communicate via hub routing

Input model:
- plain text: sent to main agent
- @<agent> <task>: direct route to specific agent
- /status: print self/main/peer connectivity and routed counters
- exit | quit: shutdown

Inter-agent contract:
- agents delegate with a single line: @<agent> <task>
- supported agent ids: codex, claude, gemini
- autonomy policy: prefer agent-to-agent collaboration before lead reporting`

// flags are command-line overrides; they win over the environment and the
// config file.
type flags struct {
	configPath string
	addr       string
	dbPath     string
	hubURL     string
	logLevel   string
	logFormat  string
}

func (f flags) apply(cmd *cobra.Command, cfg *Config) {
	changed := cmd.Flags().Changed
	if changed("addr") {
		cfg.Hub.Addr = f.addr
	}
	if changed("db") {
		cfg.Hub.DB = f.dbPath
	}
	if changed("hub-url") {
		cfg.Hub.URL = f.hubURL
	}
	if changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	if changed("log-format") {
		cfg.Logging.Format = f.logFormat
	}
}

func newRootCommand() *cobra.Command {
	var f flags

	load := func(cmd *cobra.Command, fallback slog.Level, mainAgent string) (Config, *slog.Logger, error) {
		cfg, err := LoadConfig(f.configPath)
		if err != nil {
			return Config{}, nil, err
		}
		f.apply(cmd, &cfg)
		if mainAgent != "" {
			cfg.MainAgent = mainAgent
		}
		if err := cfg.Validate(); err != nil {
			return Config{}, nil, err
		}
		logger := newLogger(cfg.Logging, os.Stderr, fallback)
		slog.SetDefault(logger)
		return cfg, logger, nil
	}

	root := &cobra.Command{
		Use:   "aiteam [main-agent]",
		Short: "Run codex, claude and gemini as one agent team",
		Long: helpText + fmt.Sprintf("\n\nMain agent choices: %s (default: %s)",
			strings.Join(Agents, ", "), defaultMainAgent),
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var mainAgent string
			if len(args) == 1 {
				mainAgent = strings.TrimSpace(args[0])
			}
			cfg, logger, err := load(cmd, slog.LevelWarn, mainAgent)
			if err != nil {
				return err
			}
			return runTeam(cmd.Context(), cfg, logger)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "config file (.yaml or .toml); defaults to $AITEAM_CONFIG")
	pf.StringVar(&f.addr, "addr", "", "hub listen address")
	pf.StringVar(&f.dbPath, "db", "", "route ledger SQLite path (empty disables)")
	pf.StringVar(&f.hubURL, "hub-url", "", "hub websocket URL for bridges")
	pf.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&f.logFormat, "log-format", "", "text, json or pretty")

	root.AddCommand(
		&cobra.Command{
			Use:   "hub",
			Short: "Run only the routing hub",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, logger, err := load(cmd, slog.LevelInfo, "")
				if err != nil {
					return err
				}
				return runHub(cmd.Context(), cfg, logger)
			},
		},
		&cobra.Command{
			Use:       "bridge <agent>",
			Short:     "Run one agent bridge against a running hub",
			Args:      cobra.ExactArgs(1),
			ValidArgs: Agents,
			RunE: func(cmd *cobra.Command, args []string) error {
				if !isSupportedAgent(args[0]) {
					return fmt.Errorf("unsupported agent %q (supported: %s)", args[0], strings.Join(Agents, ", "))
				}
				cfg, logger, err := load(cmd, slog.LevelInfo, "")
				if err != nil {
					return err
				}
				return runBridge(cmd.Context(), cfg, args[0], cfg.Hub.HubURL(cfg.Hub.Addr), logger)
			},
		},
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, `Use "aiteam -h" for usage.`)
		stop()
		os.Exit(1)
	}
}

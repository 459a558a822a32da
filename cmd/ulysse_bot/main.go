package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vaultproject79-prog/ulyssetif-bot/internal/config"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/logger"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/parser"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/registry"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/watcher"
)

const VersionFile = "version.latest"

// main is the entry point of the application.
func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("UlysseTif bot exiting")
		os.Exit(1)
	}
}

type app struct {
	cfg       *config.Config
	logCloser io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "ulysse_bot",
		Short:         "UlysseTif trade-call tracker for Telegram",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			envFile, _ := cmd.Flags().GetString("env-file")
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			cfg.Version = config.ReadVersion(VersionFile)
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				cfg.LogLevel = "debug"
			}

			// Only "run" owns stdout; the tooling commands print results there.
			console := os.Stderr
			if cmd.Name() == "run" {
				console = os.Stdout
			}
			a.logCloser = logger.Setup(logger.LogConfig{
				Level:      cfg.LogLevel,
				FilePath:   cfg.LogFile,
				MaxSizeMB:  cfg.MaxLogSizeMB,
				MaxBackups: cfg.MaxLogBackups,
				Console:    console,
			})
			a.cfg = cfg
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logCloser != nil {
				a.logCloser.Close()
			}
		},
	}
	root.PersistentFlags().String("env-file", ".env", "dotenv file loaded before reading the environment")
	root.PersistentFlags().Bool("debug", false, "enable debug logging")

	root.AddCommand(
		newRunCmd(a),
		newParseCmd(a),
		newTradesCmd(a),
		newVersionCmd(),
	)
	return root
}

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bot: Telegram listener, price watcher and HTTP probe",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context(), a.cfg)
		},
	}
}

func newParseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "parse [file]",
		Short: "Parse one call message from a file or stdin and print the trade as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			raw, err := io.ReadAll(in)
			if err != nil {
				return err
			}

			trade, err := parser.New(a.cfg.DefaultQuote).Parse(string(raw))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(trade)
		},
	}
}

func newTradesCmd(a *app) *cobra.Command {
	var asJSON, all bool
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "List the trades held by the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openStore(a.cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			reg := registry.New(registry.WithStore(store))
			if err := reg.Load(cmd.Context()); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(reg.Snapshot())
			}

			trades := reg.ListActive()
			if all {
				trades = append(reg.List(), reg.Archived()...)
			}
			if len(trades) == 0 {
				fmt.Fprintln(out, "No trades.")
				return nil
			}
			blocks := make([]string, len(trades))
			for i, t := range trades {
				blocks[i] = fmt.Sprintf("%s\nID : %s | %s %s", watcher.RenderTrade(i+1, t), t.ID, t.Status, t.ClosedReason)
			}
			fmt.Fprintln(out, strings.Join(blocks, "\n\n"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw stored state")
	cmd.Flags().BoolVar(&all, "all", false, "include closed and archived trades")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), config.ReadVersion(VersionFile))
		},
	}
}

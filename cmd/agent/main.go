package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ferry/internal/agent"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	load := func() (*agent.Config, error) {
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
			}
		}
		cfg, err := agent.LoadConfig(v)
		if err != nil {
			return nil, err
		}
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: cfg.SlogLevel(),
		})))
		return cfg, nil
	}

	run := func(cmd *cobra.Command, _ []string) error {
		cfg, err := load()
		if err != nil {
			return err
		}
		if err := cfg.PrepareWatchDir(); err != nil {
			return err
		}
		if cfg.APIKey == "" {
			slog.Warn("no API key configured, the center will reject requests")
		}

		a, err := agent.New(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return a.Run(ctx)
	}

	root := &cobra.Command{
		Use:           "ferry-agent",
		Short:         "Watch a site export directory and ship stable media files to the center",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       agent.Version,
		RunE:          run,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	cobra.CheckErr(agent.BindFlags(root.PersistentFlags(), v))

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the agent (default)",
		Args:  cobra.NoArgs,
		RunE:  run,
	})
	root.AddCommand(newLedgerCmd(load))
	return root
}

func newLedgerCmd(load func() (*agent.Config, error)) *cobra.Command {
	open := func() (*agent.LocalLedger, error) {
		cfg, err := load()
		if err != nil {
			return nil, err
		}
		return agent.OpenLocalLedger(cfg.LedgerPath)
	}

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the local upload ledger",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print every recorded upload as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ledger, err := open()
			if err != nil {
				return err
			}
			defer ledger.Close()

			entries, err := ledger.List(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "forget <path>",
		Short: "Drop a path from the ledger so it is checked against the center again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			ledger, err := open()
			if err != nil {
				return err
			}
			defer ledger.Close()

			removed, err := ledger.Forget(cmd.Context(), path)
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("%s is not in the ledger", path)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "forgot %s\n", path)
			return nil
		},
	})
	return cmd
}

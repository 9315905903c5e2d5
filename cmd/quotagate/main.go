package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"github.com/AlexKimmel/QuotaGate/internal/config"
	"github.com/AlexKimmel/QuotaGate/internal/obs"
	"github.com/AlexKimmel/QuotaGate/internal/server"
)

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "quotagate",
		Short:        "Rate-limited gateway in front of a quota-bound market data API",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "./config.yaml", "path to config file")
	root.AddCommand(serveCmd(), configCmd(), versionCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger := obs.SetupLogger(cfg.Observability.LogLevel)
			logger.Info().Str("config", cfgFile).Msg("Setup logger")

			srv, err := server.New(cfg, logger, nil)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	c.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the config file and print the effective broker limits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			bc, err := cfg.Broker.Config()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "upstream: %s\n", cfg.Upstream.URL)
			fmt.Fprintf(out, "budget: %d/min, %d/day (window %s, cooldown %s, day boundary %s)\n",
				bc.Budget.PerMinute, bc.Budget.PerDay, bc.Budget.Window, bc.Budget.Cooldown, bc.Budget.Location)
			fmt.Fprintf(out, "retry: initial %s, max %s, %d retries\n",
				bc.Retry.InitialDelay, bc.Retry.MaxDelay, bc.Retry.MaxRetries)
			for _, r := range cfg.Routes {
				fmt.Fprintf(out, "route %s: %s -> %s (cache %s)\n",
					r.ID, r.Match.PathPrefix, r.Upstream.Path, r.CacheTTL(cfg.Cache.DefaultTTL()))
			}
			return nil
		},
	})
	return c
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), server.Version)
		},
	}
}


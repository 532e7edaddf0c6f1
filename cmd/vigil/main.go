// cmd/vigil/main.go
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/signalnine/vigil/internal/agent"
	"github.com/signalnine/vigil/internal/collector"
	"github.com/signalnine/vigil/internal/config"
	"github.com/signalnine/vigil/internal/logging"
)

const (
	defaultAgentConfig     = "/etc/vigil/agent.yaml"
	defaultCollectorConfig = "/etc/vigil/collector.yaml"
)

var (
	agentConfigPath     string
	collectorConfigPath string
)

var rootCmd = &cobra.Command{
	Use:          "vigil",
	Short:        "Signed telemetry batches with on-agent anomaly detection",
	SilenceUsage: true,
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the telemetry agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadAgentConfig(agentConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log, err := logging.New(cfg.Log)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, stop := signalContext()
		defer stop()

		return agent.New(cfg, log.Named("agent")).Run(ctx)
	},
}

var collectorCmd = &cobra.Command{
	Use:   "collector",
	Short: "Run the central collector",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadCollectorConfig(collectorConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log, err := logging.New(cfg.Log)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, stop := signalContext()
		defer stop()

		srv, err := collector.NewServer(ctx, cfg, log.Named("collector"))
		if err != nil {
			log.Error("collector setup failed", zap.Error(err))
			return err
		}
		return srv.Run(ctx)
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a new API key and signing secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "api_key: %s\n", uuid.NewString())
		fmt.Fprintf(out, "secret:  %s\n", hex.EncodeToString(secret))
		return nil
	},
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func init() {
	agentCmd.Flags().StringVarP(&agentConfigPath, "config", "c", defaultAgentConfig, "agent config file")
	collectorCmd.Flags().StringVarP(&collectorConfigPath, "config", "c", defaultCollectorConfig, "collector config file")

	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(collectorCmd)
	rootCmd.AddCommand(keygenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

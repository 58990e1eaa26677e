// Package cli is the wafflepay command line: the API server plus the
// operator commands around it.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Crypto-SI/wafflepayment/internal/config"
	"github.com/Crypto-SI/wafflepayment/internal/obs"
)

// Set at build time with -ldflags "-X .../internal/cli.version=...".
var (
	version = "0.1.0"
	commit  = "unknown"
)

const configEnv = config.EnvPrefix + "CONFIG"

var rootCmd = &cobra.Command{
	Use:   "wafflepay",
	Short: "Stablecoin payment verification and credit ledger",
	Long: `wafflepay verifies on-chain stablecoin transfers to the treasury wallet,
grants prepaid credits exactly once per transaction and signs users in with
their wallet (EIP-4361).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a TOML config file (default $"+configEnv+")")
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context) int {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "wafflepay:", err)
		return 1
	}
	return 0
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	if strings.TrimSpace(path) == "" {
		path = os.Getenv(configEnv)
	}
	return strings.TrimSpace(path)
}

// loadConfig reads and fully validates the configuration.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	return config.Load(configPath(cmd), os.Getenv)
}

// decodeConfig reads the configuration without validating it.
func decodeConfig(cmd *cobra.Command) (config.Config, error) {
	return config.Decode(configPath(cmd), os.Getenv)
}

// setupLogger installs the process logger and returns its cleanup.
func setupLogger(level string) (func(), error) {
	l, err := obs.NewLogger(level)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	restore := obs.SetLogger(l.With(zap.String("service", "wafflepay"), zap.String("version", version)))
	return func() {
		_ = l.Sync()
		restore()
	}, nil
}

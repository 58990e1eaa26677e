package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Crypto-SI/wafflepayment/internal/chain"
	"github.com/Crypto-SI/wafflepayment/internal/obs"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the gRPC health service",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cleanup, err := setupLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer cleanup()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appEnv{dial: chain.DialEthclient, getenv: os.Getenv})
	if err != nil {
		return err
	}
	defer a.Close()
	return a.Run(ctx)
}

package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Crypto-SI/wafflepayment/internal/migrate"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd, migrateSeedCmd)

	migrateCmd.PersistentFlags().String("driver", "", "Store driver override (postgres or sqlite)")
	migrateCmd.PersistentFlags().String("dsn", "", "Store DSN override")
	migrateCmd.PersistentFlags().Duration("timeout", 30*time.Second, "Overall timeout")
	migrateSeedCmd.Flags().String("from", ".", "Directory containing a seeds/ folder of .sql files")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply, roll back or inspect the store schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withMigrator(cmd, nil, func(ctx context.Context, m *migrate.Manager) error {
			applied, err := m.Up(ctx)
			for _, name := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
			}
			if err == nil && len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			}
			return err
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withMigrator(cmd, nil, func(ctx context.Context, m *migrate.Manager) error {
			name, err := m.Down(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "rolled back", name)
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and whether they are applied",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withMigrator(cmd, nil, func(ctx context.Context, m *migrate.Manager) error {
			items, err := m.Status(ctx)
			if err != nil {
				return err
			}
			for _, it := range items {
				mark := " "
				if it.Applied {
					mark = "x"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", mark, it.Name)
			}
			return nil
		})
	},
}

var migrateSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Apply seed files that have not run yet",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		from, _ := cmd.Flags().GetString("from")
		seeds := func(db *sql.DB) *migrate.Manager {
			return migrate.NewManager(db, os.DirFS(from))
		}
		return withMigrator(cmd, seeds, func(ctx context.Context, m *migrate.Manager) error {
			applied, err := m.Seed(ctx)
			for _, name := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), "seeded", name)
			}
			return err
		})
	},
}

// withMigrator opens the configured store, runs fn against its migrator and
// closes the store. swap replaces the embedded schema migrator, e.g. for
// seeds read from disk.
func withMigrator(cmd *cobra.Command, swap func(*sql.DB) *migrate.Manager, fn func(context.Context, *migrate.Manager) error) error {
	cfg, err := decodeConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("driver"); v != "" {
		cfg.Store.Driver = v
	}
	if v, _ := cmd.Flags().GetString("dsn"); v != "" {
		cfg.Store.DSN = v
	}
	if err := cfg.Store.Validate(); err != nil {
		return err
	}
	s, m, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer s.Close()
	if swap != nil {
		m = swap(s.DB())
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, m)
}

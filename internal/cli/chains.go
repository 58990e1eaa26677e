package cli

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Crypto-SI/wafflepayment/internal/chain"
)

func init() {
	rootCmd.AddCommand(chainsCmd)
	chainsCmd.Flags().Bool("show-rpc", false, "Print the full RPC endpoint instead of its host")
}

var chainsCmd = &cobra.Command{
	Use:   "chains",
	Short: "Print the accepted chains and tokens",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := decodeConfig(cmd)
		if err != nil {
			return err
		}
		reg, err := loadRegistry(cfg.Chains, os.Getenv)
		if err != nil {
			return err
		}
		full, _ := cmd.Flags().GetBool("show-rpc")

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSLUG\tNAME\tTOKENS\tRPC")
		for _, c := range reg.Chains() {
			rpc := c.RPCURL
			if !full {
				rpc = rpcHost(rpc)
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", c.ID, c.Slug, c.Name, tokenList(reg.Tokens(c.ID)), rpc)
		}
		return tw.Flush()
	},
}

func tokenList(tokens []chain.TokenConfig) string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, fmt.Sprintf("%s(%d)", t.Symbol, t.Decimals))
	}
	return strings.Join(out, ",")
}

// rpcHost hides paths and query strings, which often carry API keys.
func rpcHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thiesgerken/carapace/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print the server bearer token",
	Long: `Print the bearer token clients authenticate with. The token is
generated on first use and stored in <data-dir>/server.token with mode
0600. Export it as CARAPACE_TOKEN on the client side.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := auth.EnsureToken(dataDir)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}

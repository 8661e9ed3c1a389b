package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/thiesgerken/carapace/internal/adapter/outbound/state"
	"github.com/thiesgerken/carapace/internal/domain/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List or delete sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions in the data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, err := openManager()
		if err != nil {
			return err
		}
		infos, err := manager.List()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tCHANNEL\tLAST ACTIVE\tRETIRED")
		for _, info := range infos {
			retired := ""
			if info.Retired {
				retired = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				info.SessionID, info.ChannelType,
				info.LastActive.Format("2006-01-02 15:04:05"), retired)
		}
		return w.Flush()
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, err := openManager()
		if err != nil {
			return err
		}
		if err := manager.Delete(args[0]); err != nil {
			return err
		}
		fmt.Println("deleted", args[0])
		return nil
	},
}

// openManager builds a session manager directly over the data directory,
// for offline administration while the server is not running.
func openManager() (*session.Manager, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := state.NewStore(dataDir, logger)
	if err != nil {
		return nil, err
	}
	return session.NewManager(store, logger), nil
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}

package commands

import (
	"context"
	"fmt"

	"github.com/sdstudio/sdclient/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	cleanupAll     bool
	cleanupUser    string
	cleanupExpired bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove stored OAuth sessions and stale login records",
	Long: `Clean up the auth database:
  --all              Remove every stored session
  --user <user-id>   Remove the session of one user
  --expired          Remove stale states, temp tokens and dead sessions`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Remove all sessions")
	cleanupCmd.Flags().StringVar(&cleanupUser, "user", "", "Remove the session of a specific user")
	cleanupCmd.Flags().BoolVar(&cleanupExpired, "expired", false, "Purge expired records")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx := context.Background()
	out := cmd.OutOrStdout()

	switch {
	case cleanupAll:
		n, err := repo.DeleteAllSessions(ctx)
		if err != nil {
			return errors.Wrap(err, "cleanup failed")
		}
		fmt.Fprintf(out, "🧹 Removed %d sessions\n", n)
	case cleanupUser != "":
		deleted, err := repo.DeleteSession(ctx, cleanupUser)
		if err != nil {
			return errors.Wrap(err, "cleanup failed")
		}
		if !deleted {
			return fmt.Errorf("no session for user %s", cleanupUser)
		}
		fmt.Fprintf(out, "✅ Removed session of %s\n", cleanupUser)
	case cleanupExpired:
		res, err := repo.Purge(ctx)
		if err != nil {
			return errors.Wrap(err, "purge failed")
		}
		fmt.Fprintf(out, "🧹 Removed %d states, %d temp tokens and %d sessions\n", res.States, res.TempTokens, res.Sessions)
	default:
		return fmt.Errorf("must specify --all, --user, or --expired")
	}

	return nil
}

package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/sdstudio/sdclient/pkg/errors"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored OAuth sessions and their token expiry",
	RunE:  runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	sessions, err := repo.ListSessions(context.Background())
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions found")
		return nil
	}

	fmt.Fprintf(out, "%-24s %-20s %-26s %-10s %-8s\n", "USER ID", "USERNAME", "TOKEN EXPIRY", "STATUS", "REFRESH")
	fmt.Fprintln(out, "------------------------------------------------------------------------------------------")

	now := time.Now()
	for _, s := range sessions {
		username := "-"
		if info, err := s.Info(); err == nil {
			if name, ok := info["username"].(string); ok && name != "" {
				username = name
			}
		}

		status := "active"
		if s.Expired(now) {
			status = "expired"
		}
		refresh := "no"
		if s.RefreshToken != "" {
			refresh = "yes"
		}

		fmt.Fprintf(out, "%-24s %-20s %-26s %-10s %-8s\n",
			s.UserID, username, time.Unix(s.TokenExpiry, 0).Format(time.RFC3339), status, refresh)
	}

	return nil
}

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "sdclient",
	Short: "Stable Diffusion studio client - generation, inpainting and auth",
	Long:  `Submits text-to-image and inpainting jobs, edits masks and runs the OAuth session service.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("api-base-url", "http://localhost:5000", "Generation service base URL")
	rootCmd.PersistentFlags().String("api-token", "", "Access token sent to the generation service")
	rootCmd.PersistentFlags().Int("poll-max-attempts", 30, "Status polls before a task times out")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm", "FSM BoltDB path")
	rootCmd.PersistentFlags().String("s3-bucket", "sdclient-masks", "S3 bucket for masks")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.PersistentFlags().String("auth-service-url", "http://localhost:25002", "Auth service base URL")
	rootCmd.PersistentFlags().String("auth-db-driver", "sqlite", "Auth database driver (sqlite or postgres)")
	rootCmd.PersistentFlags().String("auth-db-dsn", ".artifacts/auth.db", "Auth database DSN")
	rootCmd.PersistentFlags().String("token-cache", "memory", "Verified token cache (memory or redis)")
	rootCmd.PersistentFlags().String("redis-addr", "localhost:6379", "Redis address for the token cache")

	for _, name := range []string{
		"api-base-url", "api-token", "poll-max-attempts", "fsm-db-path",
		"s3-bucket", "s3-region", "auth-service-url", "auth-db-driver",
		"auth-db-dsn", "token-cache", "redis-addr",
	} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

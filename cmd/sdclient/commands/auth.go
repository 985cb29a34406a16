package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sdstudio/sdclient/internal/config"
	"github.com/sdstudio/sdclient/pkg/auth"
	"github.com/sdstudio/sdclient/pkg/authserver"
	"github.com/sdstudio/sdclient/pkg/db"
	"github.com/sdstudio/sdclient/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	authToken        string
	authRefreshToken string
	authUser         string
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Run the OAuth session service or talk to it",
}

var authServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the OAuth login, refresh and verify endpoints",
	RunE:  runAuthServe,
}

var authVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify an access token, refreshing it when it expired",
	RunE:  runAuthVerify,
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove a user's stored session",
	RunE:  runAuthLogout,
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authServeCmd, authVerifyCmd, authLogoutCmd)

	authVerifyCmd.Flags().StringVar(&authToken, "token", "", "Access token")
	authVerifyCmd.Flags().StringVar(&authRefreshToken, "refresh-token", "", "Refresh token used when the access token expired")
	authVerifyCmd.MarkFlagRequired("token")

	authLogoutCmd.Flags().StringVar(&authUser, "user", "", "User ID")
	authLogoutCmd.Flags().StringVar(&authToken, "token", "", "Access token to evict from the cache")
	authLogoutCmd.MarkFlagRequired("user")
}

func openRepository(cfg *config.Config) (*db.Repository, error) {
	// Ensure database directory exists
	if err := ensureDirectories(cfg, false, false); err != nil {
		return nil, err
	}

	repo, err := db.NewRepository(cfg.AuthDBDriver, cfg.AuthDBDSN)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}
	return repo, nil
}

func runAuthServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateOAuth(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	srv := authserver.New(repo, authserver.Config{
		ClientID:          cfg.OAuthClientID,
		ClientSecret:      cfg.OAuthClientSecret,
		RedirectURL:       cfg.OAuthRedirectURI,
		AuthorizeURL:      cfg.OAuthAuthorizeURL,
		TokenURL:          cfg.OAuthTokenURL,
		UserInfoURL:       cfg.OAuthUserInfoURL,
		Scopes:            cfg.OAuthScopes,
		ProgramServiceURL: cfg.ProgramServiceURL,
	})

	if err := srv.StartPurge(ctx, cfg.PurgeSchedule); err != nil {
		return err
	}

	return srv.Run(ctx, cfg.AuthListen)
}

func runAuthVerify(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	verifier, closeCache := newVerifier(cfg)
	defer closeCache()

	session := &auth.Session{AccessToken: authToken, RefreshToken: authRefreshToken}
	id, err := verifier.VerifySession(ctx, session)
	if err != nil {
		reportError(cmd, verifier.LoginURL(), err)
		return errors.Wrap(err, "verification failed")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✅ user %s\n", id.UserID)
	fmt.Fprintf(out, "   expires: %s\n", id.Expiry.Format(time.RFC3339))
	fmt.Fprintf(out, "   can generate: %t\n", id.CanGenerate())
	if session.AccessToken != authToken {
		fmt.Fprintf(out, "   refreshed access token: %s\n", session.AccessToken)
		fmt.Fprintf(out, "   refreshed refresh token: %s\n", session.RefreshToken)
	}
	return nil
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	verifier, closeCache := newVerifier(cfg)
	defer closeCache()

	if err := verifier.Logout(ctx, authUser, authToken); err != nil {
		return errors.Wrap(err, "logout failed")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "👋 logged out %s\n", authUser)
	return nil
}

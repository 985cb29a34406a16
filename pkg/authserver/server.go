// Package authserver proxies OAuth logins to an upstream identity provider
// and keeps the resulting sessions for the generation front end.
package authserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/sdstudio/sdclient/pkg/db"
	"github.com/sdstudio/sdclient/pkg/errors"
	"golang.org/x/oauth2"
)

// DefaultTokenLifetime applies when the provider omits expires_in
const DefaultTokenLifetime = time.Hour

// Config describes the upstream provider and where logins complete
type Config struct {
	ClientID          string
	ClientSecret      string
	RedirectURL       string
	AuthorizeURL      string
	TokenURL          string
	UserInfoURL       string
	Scopes            []string
	ProgramServiceURL string
}

// Server serves the OAuth endpoints
type Server struct {
	repo        *db.Repository
	oauth       *oauth2.Config
	userInfoURL string
	programURL  string
	httpClient  *http.Client
	now         func() time.Time
}

// New creates a server backed by repo
func New(repo *db.Repository, cfg Config) *Server {
	slog.Info("auth_server_init",
		"authorize_url", cfg.AuthorizeURL,
		"token_url", cfg.TokenURL,
		"redirect_url", cfg.RedirectURL)

	return &Server{
		repo: repo,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizeURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		userInfoURL: cfg.UserInfoURL,
		programURL:  cfg.ProgramServiceURL,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		now:         time.Now,
	}
}

// Router returns the HTTP handler with all routes registered
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.health)

	o := r.Group("/oauth")
	o.GET("/authorize", s.authorize)
	o.GET("/callback", s.callback)
	o.POST("/userinfo", s.userInfo)
	o.POST("/refresh", s.refresh)
	o.POST("/logout", s.logout)
	o.POST("/verify", s.verify)

	return r
}

// StartPurge schedules the removal of stale states, temp tokens and dead
// sessions. The scheduler stops when ctx ends.
func (s *Server) StartPurge(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithSeconds())

	_, err := c.AddFunc(schedule, func() {
		if _, err := s.repo.Purge(ctx); err != nil {
			slog.Error("auth_purge_failed", "error", err)
		}
	})
	if err != nil {
		return errors.Wrapf(err, "invalid purge schedule %q", schedule)
	}

	c.Start()
	slog.Info("auth_purge_scheduled", "schedule", schedule)

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		slog.Info("auth_purge_stopped")
	}()
	return nil
}

// Run serves on addr until ctx ends, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("auth_server_listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "auth server failed")
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("auth_server_shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sdstudio/sdclient/pkg/errors"
)

var (
	// ErrNoToken is returned when no access token was presented.
	ErrNoToken = errors.New("authentication required")
	// ErrExpired is returned for an access token past its expiry.
	ErrExpired = errors.New("access token expired")
	// ErrInvalidToken is returned for a token the auth service does not know.
	ErrInvalidToken = errors.New("invalid access token")
)

// AuthError is an authentication failure the caller cannot recover from
// without logging in again at AuthURL.
type AuthError struct {
	Err     error
	AuthURL string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%v (login at %s)", e.Err, e.AuthURL)
}

func (e *AuthError) Unwrap() error { return e.Err }

// VerifyResponse is the body of a successful /oauth/verify call
type VerifyResponse struct {
	UserID      string         `json:"user_id"`
	UserInfo    map[string]any `json:"user_info"`
	TokenExpiry int64          `json:"token_expiry"`
}

// TokenResponse is the body of a successful /oauth/refresh call
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenExpiry  int64  `json:"token_expiry"`
	ExpiresIn    int64  `json:"expires_in"`
}

// ErrorResponse is the body of every failed auth service call
type ErrorResponse struct {
	Error   string `json:"error"`
	AuthURL string `json:"auth_url,omitempty"`
}

// Messages the auth service uses to tell token failures apart
const (
	MsgTokenExpired = "Access token expired"
	MsgTokenInvalid = "Invalid access token"
)

// Session is the client-side login state: the tokens a browser would keep in
// cookies plus what the last verification returned.
type Session struct {
	AccessToken  string
	RefreshToken string
	Identity     *Identity
}

// Clear drops all login state
func (s *Session) Clear() {
	*s = Session{}
}

// Verifier checks access tokens against the auth service
type Verifier struct {
	serviceURL string
	loginURL   string
	httpClient *http.Client
	cache      TokenCache
	cacheTTL   time.Duration
	now        func() time.Time
}

// Option configures a Verifier
type Option func(*Verifier)

// WithHTTPClient sets the client used to reach the auth service
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) { v.httpClient = c }
}

// WithCacheTTL caps how long a verified token is served from cache
func WithCacheTTL(ttl time.Duration) Option {
	return func(v *Verifier) { v.cacheTTL = ttl }
}

// NewVerifier creates a verifier for the auth service at serviceURL. Failed
// verifications point users at loginURL. cache may be nil.
func NewVerifier(serviceURL, loginURL string, cache TokenCache, opts ...Option) *Verifier {
	v := &Verifier{
		serviceURL: strings.TrimRight(serviceURL, "/"),
		loginURL:   loginURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cache:      cache,
		cacheTTL:   5 * time.Minute,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// LoginURL is where users are sent to authenticate again
func (v *Verifier) LoginURL() string {
	return v.loginURL
}

func (v *Verifier) authError(err error) *AuthError {
	return &AuthError{Err: err, AuthURL: v.loginURL}
}

// VerifyToken resolves token to an identity, from cache when possible.
func (v *Verifier) VerifyToken(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, v.authError(ErrNoToken)
	}

	if v.cache != nil {
		id, ok, err := v.cache.Get(ctx, token)
		if err != nil {
			slog.Warn("auth_cache_get_failed", "error", err)
		}
		if ok && !id.Expired(v.now()) {
			slog.Debug("auth_cache_hit", "user_id", id.UserID)
			return id, nil
		}
	}

	var resp VerifyResponse
	status, errResp, err := v.post(ctx, "/oauth/verify", map[string]string{"access_token": token}, &resp)
	if err != nil {
		return nil, err
	}
	if status >= http.StatusInternalServerError {
		slog.Error("auth_service_error", "status", status, "error", errResp.Error)
		return nil, fmt.Errorf("auth service error: status %d", status)
	}
	if status != http.StatusOK {
		v.evict(ctx, token)
		slog.Warn("auth_verify_rejected", "status", status, "error", errResp.Error)
		if errResp.Error == MsgTokenExpired {
			return nil, v.authError(ErrExpired)
		}
		return nil, v.authError(ErrInvalidToken)
	}

	id := &Identity{
		UserID:   resp.UserID,
		UserInfo: resp.UserInfo,
		Expiry:   time.Unix(resp.TokenExpiry, 0),
	}
	if id.UserID == "" {
		if uid, ok := resp.UserInfo["id"]; ok {
			id.UserID = fmt.Sprint(uid)
		}
	}

	if v.cache != nil {
		ttl := min(id.Expiry.Sub(v.now()), v.cacheTTL)
		if ttl > 0 {
			if err := v.cache.Set(ctx, token, id, ttl); err != nil {
				slog.Warn("auth_cache_set_failed", "error", err)
			}
		}
	}

	slog.Info("auth_token_verified", "user_id", id.UserID, "token_expiry", resp.TokenExpiry)
	return id, nil
}

// VerifySession verifies the session's access token. An expired token is
// refreshed with the session's refresh token and verified once more. When
// that is not possible the session is cleared and an *AuthError returned.
func (v *Verifier) VerifySession(ctx context.Context, s *Session) (*Identity, error) {
	id, err := v.VerifyToken(ctx, s.AccessToken)
	if err == nil {
		s.Identity = id
		return id, nil
	}

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		return nil, err
	}

	if errors.Is(err, ErrExpired) && s.RefreshToken != "" {
		slog.Info("auth_token_refresh", "reason", "expired")
		tokens, rerr := v.Refresh(ctx, s.RefreshToken)
		if rerr == nil {
			s.AccessToken = tokens.AccessToken
			if tokens.RefreshToken != "" {
				s.RefreshToken = tokens.RefreshToken
			}
			id, err = v.VerifyToken(ctx, s.AccessToken)
			if err == nil {
				s.Identity = id
				return id, nil
			}
		} else {
			err = rerr
		}
		if !errors.As(err, &authErr) {
			return nil, err
		}
	}

	slog.Warn("auth_session_cleared", "error", err)
	s.Clear()
	return nil, authErr
}

// Refresh exchanges a refresh token for new tokens
func (v *Verifier) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	var resp TokenResponse
	status, errResp, err := v.post(ctx, "/oauth/refresh", map[string]string{"refresh_token": refreshToken}, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		slog.Warn("auth_refresh_rejected", "status", status, "error", errResp.Error)
		return nil, v.authError(fmt.Errorf("refresh failed: %s", errResp.Error))
	}
	if resp.AccessToken == "" {
		return nil, v.authError(errors.New("refresh returned no access token"))
	}
	return &resp, nil
}

// Logout ends the user's session at the auth service and drops the cached token
func (v *Verifier) Logout(ctx context.Context, userID, token string) error {
	v.evict(ctx, token)

	var resp map[string]any
	status, errResp, err := v.post(ctx, "/oauth/logout", map[string]string{"user_id": userID}, &resp)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("logout failed: %s", errResp.Error)
	}
	slog.Info("auth_logout", "user_id", userID)
	return nil
}

func (v *Verifier) evict(ctx context.Context, token string) {
	if v.cache == nil || token == "" {
		return
	}
	if err := v.cache.Delete(ctx, token); err != nil {
		slog.Warn("auth_cache_delete_failed", "error", err)
	}
}

// post sends a JSON body and decodes a 200 response into out. Non-200
// responses are decoded into the returned ErrorResponse instead.
func (v *Verifier) post(ctx context.Context, path string, body, out any) (int, *ErrorResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.serviceURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		slog.Error("auth_service_unreachable", "path", path, "error", err)
		return 0, nil, errors.Wrap(err, "auth service unreachable")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to read auth response")
	}

	errResp := &ErrorResponse{}
	if resp.StatusCode != http.StatusOK {
		_ = json.Unmarshal(data, errResp)
		return resp.StatusCode, errResp, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return 0, nil, errors.Wrap(err, "malformed auth response")
	}
	return resp.StatusCode, errResp, nil
}

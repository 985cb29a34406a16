package authserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sdstudio/sdclient/pkg/auth"
	"github.com/sdstudio/sdclient/pkg/db"
	"github.com/sdstudio/sdclient/pkg/errors"
	"golang.org/x/oauth2"
)

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, auth.ErrorResponse{Error: msg})
}

func internalError(c *gin.Context, event string, err error) {
	slog.Error(event, "error", err)
	fail(c, http.StatusInternalServerError, "Internal server error")
}

// bindJSON decodes the request body into v. An empty body leaves v untouched.
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		fail(c, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func (s *Server) expiryFor(tok *oauth2.Token) int64 {
	if tok.Expiry.IsZero() {
		return s.now().Add(DefaultTokenLifetime).Unix()
	}
	return tok.Expiry.Unix()
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) authorize(c *gin.Context) {
	state := uuid.NewString()
	if err := s.repo.CreateState(c.Request.Context(), state); err != nil {
		internalError(c, "auth_state_create_failed", err)
		return
	}

	slog.Info("auth_authorize")
	c.JSON(http.StatusOK, gin.H{
		"auth_url": s.oauth.AuthCodeURL(state),
		"state":    state,
	})
}

func (s *Server) callback(c *gin.Context) {
	ctx := c.Request.Context()

	ok, err := s.repo.ConsumeState(ctx, c.Query("state"))
	if err != nil {
		internalError(c, "auth_state_check_failed", err)
		return
	}
	if !ok {
		slog.Warn("auth_callback_invalid_state")
		fail(c, http.StatusBadRequest, "Invalid state")
		return
	}

	tok, err := s.oauth.Exchange(ctx, c.Query("code"))
	if err != nil {
		slog.Error("auth_code_exchange_failed", "error", err)
		fail(c, http.StatusBadRequest, "Failed to obtain access token")
		return
	}

	info, userID, err := s.fetchUserInfo(ctx, tok.AccessToken)
	if err != nil {
		slog.Error("auth_userinfo_failed", "error", err)
		fail(c, http.StatusBadRequest, "Failed to obtain user info")
		return
	}

	session := &db.UserSession{
		UserID:       userID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenExpiry:  s.expiryFor(tok),
	}
	if err := db.SetUserInfo(session, info); err != nil {
		internalError(c, "auth_userinfo_encode_failed", err)
		return
	}
	if err := s.repo.UpsertSession(ctx, session); err != nil {
		internalError(c, "auth_session_save_failed", err)
		return
	}

	temp := uuid.NewString()
	if err := s.repo.CreateTempToken(ctx, temp, userID); err != nil {
		internalError(c, "auth_temp_token_failed", err)
		return
	}

	slog.Info("auth_login_complete", "user_id", userID, "token_expiry", session.TokenExpiry)
	c.Redirect(http.StatusFound, s.programURL+"/auth/complete?token="+url.QueryEscape(temp))
}

// fetchUserInfo calls the provider's user endpoint and returns the document
// and the user id it carries.
func (s *Server) fetchUserInfo(ctx context.Context, accessToken string) (map[string]any, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.userInfoURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("user info status %d", resp.StatusCode)
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, 1<<20))
	dec.UseNumber()
	var info map[string]any
	if err := dec.Decode(&info); err != nil {
		return nil, "", errors.Wrap(err, "malformed user info")
	}

	id, ok := info["id"]
	if !ok || id == nil || fmt.Sprint(id) == "" {
		return nil, "", errors.New("user info has no id")
	}
	return info, fmt.Sprint(id), nil
}

func (s *Server) userInfo(c *gin.Context) {
	var req struct {
		TempToken   string `json:"temp_token"`
		AccessToken string `json:"access_token"`
	}
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()

	var session *db.UserSession
	var err error
	switch {
	case req.TempToken != "":
		userID, cerr := s.repo.ConsumeTempToken(ctx, req.TempToken)
		if cerr != nil {
			internalError(c, "auth_temp_token_check_failed", cerr)
			return
		}
		if userID == "" {
			fail(c, http.StatusBadRequest, "Invalid temporary token")
			return
		}
		session, err = s.repo.GetSession(ctx, userID)
	case req.AccessToken != "":
		session, err = s.repo.GetSessionByAccessToken(ctx, req.AccessToken)
		if err == nil && session == nil {
			fail(c, http.StatusUnauthorized, auth.MsgTokenInvalid)
			return
		}
		if err == nil && session.Expired(s.now()) {
			fail(c, http.StatusUnauthorized, auth.MsgTokenExpired)
			return
		}
	default:
		fail(c, http.StatusBadRequest, "No token provided")
		return
	}
	if err != nil {
		internalError(c, "auth_session_lookup_failed", err)
		return
	}
	if session == nil {
		fail(c, http.StatusNotFound, "User session not found")
		return
	}

	info, err := session.Info()
	if err != nil {
		internalError(c, "auth_userinfo_decode_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_info":     info,
		"access_token":  session.AccessToken,
		"refresh_token": session.RefreshToken,
		"token_expiry":  session.TokenExpiry,
	})
}

func (s *Server) refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if req.RefreshToken == "" {
		fail(c, http.StatusBadRequest, "No refresh token provided")
		return
	}
	ctx := c.Request.Context()

	tok, err := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: req.RefreshToken}).Token()
	if err != nil {
		slog.Error("auth_refresh_failed", "error", err)
		fail(c, http.StatusBadRequest, "Failed to refresh token")
		return
	}

	session, err := s.repo.GetSessionByRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		internalError(c, "auth_session_lookup_failed", err)
		return
	}
	if session == nil {
		fail(c, http.StatusNotFound, "User session not found")
		return
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = req.RefreshToken
	}
	expiry := s.expiryFor(tok)
	if err := s.repo.UpdateTokens(ctx, session.UserID, tok.AccessToken, refreshToken, expiry); err != nil {
		internalError(c, "auth_session_update_failed", err)
		return
	}

	slog.Info("auth_token_refreshed", "user_id", session.UserID, "token_expiry", expiry)
	c.JSON(http.StatusOK, auth.TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		TokenExpiry:  expiry,
		ExpiresIn:    expiry - s.now().Unix(),
	})
}

func (s *Server) logout(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if req.UserID == "" {
		fail(c, http.StatusBadRequest, "No user ID provided")
		return
	}

	if _, err := s.repo.DeleteSession(c.Request.Context(), req.UserID); err != nil {
		internalError(c, "auth_logout_failed", err)
		return
	}

	slog.Info("auth_logout", "user_id", req.UserID)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

func (s *Server) verify(c *gin.Context) {
	var req struct {
		AccessToken string `json:"access_token"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if req.AccessToken == "" {
		fail(c, http.StatusBadRequest, "No access token provided")
		return
	}

	session, err := s.repo.GetSessionByAccessToken(c.Request.Context(), req.AccessToken)
	if err != nil {
		internalError(c, "auth_session_lookup_failed", err)
		return
	}
	if session == nil {
		fail(c, http.StatusUnauthorized, auth.MsgTokenInvalid)
		return
	}
	if session.Expired(s.now()) {
		slog.Info("auth_verify_expired", "user_id", session.UserID)
		fail(c, http.StatusUnauthorized, auth.MsgTokenExpired)
		return
	}

	info, err := session.Info()
	if err != nil {
		internalError(c, "auth_userinfo_decode_failed", err)
		return
	}
	c.JSON(http.StatusOK, auth.VerifyResponse{
		UserID:      session.UserID,
		UserInfo:    info,
		TokenExpiry: session.TokenExpiry,
	})
}

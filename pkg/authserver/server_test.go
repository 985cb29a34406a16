package authserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sdstudio/sdclient/pkg/auth"
	"github.com/sdstudio/sdclient/pkg/db"
	"github.com/sdstudio/sdclient/pkg/errors"
)

// fakeProvider is a minimal upstream OAuth provider.
func fakeProvider(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Form.Get("grant_type") == "authorization_code" && r.Form.Get("code") == "good-code":
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "at1", "refresh_token": "rt1", "token_type": "bearer", "expires_in": 3600,
			})
		case r.Form.Get("grant_type") == "refresh_token" && r.Form.Get("refresh_token") == "rt1":
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "at2", "token_type": "bearer", "expires_in": 60,
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
		}
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": 42, "username": "ada", "active": true, "trust_level": 2}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo, err := db.NewRepository("sqlite", filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	idp := fakeProvider(t)
	s := New(repo, Config{
		ClientID:          "client",
		ClientSecret:      "secret",
		RedirectURL:       "http://auth.local/oauth/callback",
		AuthorizeURL:      idp.URL + "/authorize",
		TokenURL:          idp.URL + "/token",
		UserInfoURL:       idp.URL + "/userinfo",
		ProgramServiceURL: "http://program.local",
	})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return s, srv
}

func noRedirect() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

// login runs authorize and callback and returns the temp token.
func login(t *testing.T, srv *httptest.Server, code string) (*http.Response, string) {
	t.Helper()
	var authz struct {
		AuthURL string `json:"auth_url"`
		State   string `json:"state"`
	}
	resp, err := http.Get(srv.URL + "/oauth/authorize")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	json.NewDecoder(resp.Body).Decode(&authz)
	resp.Body.Close()

	u, _ := url.Parse(authz.AuthURL)
	if u.Query().Get("state") != authz.State || u.Query().Get("client_id") != "client" {
		t.Errorf("auth url = %s", authz.AuthURL)
	}

	resp, err = noRedirect().Get(srv.URL + "/oauth/callback?code=" + code + "&state=" + authz.State)
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	resp.Body.Close()

	loc, _ := url.Parse(resp.Header.Get("Location"))
	if loc == nil {
		return resp, ""
	}
	return resp, loc.Query().Get("token")
}

func TestLoginFlow(t *testing.T) {
	_, srv := newTestServer(t)

	resp, temp := login(t, srv, "good-code")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("callback status = %d, want 302", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("Location"), "http://program.local/auth/complete?token=") || temp == "" {
		t.Fatalf("redirect = %q", resp.Header.Get("Location"))
	}

	var info struct {
		UserInfo     map[string]any `json:"user_info"`
		AccessToken  string         `json:"access_token"`
		RefreshToken string         `json:"refresh_token"`
		TokenExpiry  int64          `json:"token_expiry"`
	}
	if code := postJSON(t, srv.URL+"/oauth/userinfo", map[string]string{"temp_token": temp}, &info); code != http.StatusOK {
		t.Fatalf("userinfo status = %d", code)
	}
	if info.AccessToken != "at1" || info.RefreshToken != "rt1" || info.UserInfo["username"] != "ada" {
		t.Errorf("userinfo = %+v", info)
	}
	if info.TokenExpiry <= time.Now().Unix() {
		t.Errorf("token expiry %d is not in the future", info.TokenExpiry)
	}

	var errResp auth.ErrorResponse
	if code := postJSON(t, srv.URL+"/oauth/userinfo", map[string]string{"temp_token": temp}, &errResp); code != http.StatusBadRequest || errResp.Error != "Invalid temporary token" {
		t.Errorf("reused temp token: %d %q", code, errResp.Error)
	}

	var verified auth.VerifyResponse
	if code := postJSON(t, srv.URL+"/oauth/verify", map[string]string{"access_token": "at1"}, &verified); code != http.StatusOK {
		t.Fatalf("verify status = %d", code)
	}
	if verified.UserID != "42" {
		t.Errorf("user id = %q, want 42", verified.UserID)
	}
}

func TestCallbackFailures(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := noRedirect().Get(srv.URL + "/oauth/callback?code=good-code&state=forged")
	if err != nil {
		t.Fatal(err)
	}
	var body auth.ErrorResponse
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest || body.Error != "Invalid state" {
		t.Errorf("forged state: %d %q", resp.StatusCode, body.Error)
	}

	resp, _ = login(t, srv, "bad-code")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad code status = %d, want 400", resp.StatusCode)
	}
}

func TestRefreshAndLogout(t *testing.T) {
	_, srv := newTestServer(t)
	login(t, srv, "good-code")

	var tokens auth.TokenResponse
	if code := postJSON(t, srv.URL+"/oauth/refresh", map[string]string{"refresh_token": "rt1"}, &tokens); code != http.StatusOK {
		t.Fatalf("refresh status = %d", code)
	}
	if tokens.AccessToken != "at2" || tokens.RefreshToken != "rt1" {
		t.Errorf("tokens = %+v, want at2 with the old refresh token kept", tokens)
	}

	var errResp auth.ErrorResponse
	if code := postJSON(t, srv.URL+"/oauth/verify", map[string]string{"access_token": "at1"}, &errResp); code != http.StatusUnauthorized || errResp.Error != auth.MsgTokenInvalid {
		t.Errorf("replaced token: %d %q", code, errResp.Error)
	}
	if code := postJSON(t, srv.URL+"/oauth/verify", map[string]string{"access_token": "at2"}, nil); code != http.StatusOK {
		t.Errorf("refreshed token status = %d", code)
	}

	var msg map[string]string
	if code := postJSON(t, srv.URL+"/oauth/logout", map[string]string{"user_id": "42"}, &msg); code != http.StatusOK || msg["message"] != "Logged out successfully" {
		t.Errorf("logout: %d %v", code, msg)
	}
	if code := postJSON(t, srv.URL+"/oauth/verify", map[string]string{"access_token": "at2"}, nil); code != http.StatusUnauthorized {
		t.Errorf("verify after logout status = %d", code)
	}
}

func TestVerifyExpired(t *testing.T) {
	s, srv := newTestServer(t)
	login(t, srv, "good-code")

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	var errResp auth.ErrorResponse
	if code := postJSON(t, srv.URL+"/oauth/verify", map[string]string{"access_token": "at1"}, &errResp); code != http.StatusUnauthorized || errResp.Error != auth.MsgTokenExpired {
		t.Errorf("expired token: %d %q", code, errResp.Error)
	}
	if code := postJSON(t, srv.URL+"/oauth/userinfo", map[string]string{"access_token": "at1"}, &errResp); code != http.StatusUnauthorized || errResp.Error != auth.MsgTokenExpired {
		t.Errorf("userinfo with expired token: %d %q", code, errResp.Error)
	}
}

func TestMissingFields(t *testing.T) {
	_, srv := newTestServer(t)

	tests := []struct {
		path string
		want string
	}{
		{"/oauth/userinfo", "No token provided"},
		{"/oauth/refresh", "No refresh token provided"},
		{"/oauth/logout", "No user ID provided"},
		{"/oauth/verify", "No access token provided"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			var errResp auth.ErrorResponse
			code := postJSON(t, srv.URL+tt.path, map[string]string{}, &errResp)
			if code != http.StatusBadRequest || errResp.Error != tt.want {
				t.Errorf("got %d %q, want 400 %q", code, errResp.Error, tt.want)
			}
		})
	}

	var errResp auth.ErrorResponse
	if code := postJSON(t, srv.URL+"/oauth/refresh", map[string]string{"refresh_token": "unknown"}, &errResp); code != http.StatusBadRequest || errResp.Error != "Failed to refresh token" {
		t.Errorf("unknown refresh token: %d %q", code, errResp.Error)
	}
}

func TestHealth(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("health = %d %v", resp.StatusCode, body)
	}
}

func TestVerifierAgainstServer(t *testing.T) {
	_, srv := newTestServer(t)
	login(t, srv, "good-code")

	v := auth.NewVerifier(srv.URL, srv.URL+"/oauth/authorize", auth.NewMemoryCache(8))

	id, err := v.VerifyToken(context.Background(), "at1")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if id.UserID != "42" || !id.CanGenerate() {
		t.Errorf("identity = %+v", id)
	}

	s := &auth.Session{AccessToken: "unknown", RefreshToken: "rt1"}
	_, err = v.VerifySession(context.Background(), s)
	var authErr *auth.AuthError
	if !errors.As(err, &authErr) || !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("got %v, want invalid token auth error", err)
	}
}

func TestStartPurge(t *testing.T) {
	s, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.StartPurge(ctx, "not a schedule"); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if err := s.StartPurge(ctx, "0 */10 * * * *"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

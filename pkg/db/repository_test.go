package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository("sqlite", filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func fixedClock(repo *Repository, at time.Time) {
	repo.now = func() time.Time { return at }
}

func TestRepository_UnsupportedDriver(t *testing.T) {
	if _, err := NewRepository("mysql", "x"); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRepository_UpsertAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	s := &UserSession{UserID: "u1", AccessToken: "at1", RefreshToken: "rt1", TokenExpiry: 100}
	if err := SetUserInfo(s, map[string]any{"name": "Ada"}); err != nil {
		t.Fatal(err)
	}
	if err := repo.UpsertSession(ctx, s); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}

	got, err := repo.GetSession(ctx, "u1")
	if err != nil || got == nil {
		t.Fatalf("GetSession = %v, %v", got, err)
	}
	info, err := got.Info()
	if err != nil || info["name"] != "Ada" {
		t.Errorf("user info = %v, %v", info, err)
	}

	// second login replaces the tokens
	s2 := &UserSession{UserID: "u1", AccessToken: "at2", TokenExpiry: 200}
	if err := repo.UpsertSession(ctx, s2); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	got, _ = repo.GetSessionByAccessToken(ctx, "at2")
	if got == nil || got.UserID != "u1" || got.RefreshToken != "" || got.TokenExpiry != 200 {
		t.Errorf("session after re-login = %+v", got)
	}
	if old, _ := repo.GetSessionByAccessToken(ctx, "at1"); old != nil {
		t.Error("old access token still resolves")
	}

	sessions, err := repo.ListSessions(ctx)
	if err != nil || len(sessions) != 1 {
		t.Errorf("ListSessions = %d sessions, %v", len(sessions), err)
	}
}

func TestRepository_GetMissing(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if s, err := repo.GetSession(ctx, "nobody"); s != nil || err != nil {
		t.Errorf("GetSession = %v, %v; want nil, nil", s, err)
	}
	if s, err := repo.GetSessionByRefreshToken(ctx, ""); s != nil || err != nil {
		t.Errorf("empty refresh token should not match: %v, %v", s, err)
	}
}

func TestRepository_UpdateTokens(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	repo.UpsertSession(ctx, &UserSession{UserID: "u1", AccessToken: "at1", RefreshToken: "rt1", TokenExpiry: 1})

	if err := repo.UpdateTokens(ctx, "u1", "at2", "rt2", 99); err != nil {
		t.Fatalf("failed to update: %v", err)
	}
	got, _ := repo.GetSessionByRefreshToken(ctx, "rt2")
	if got == nil || got.AccessToken != "at2" || got.TokenExpiry != 99 {
		t.Errorf("session = %+v", got)
	}

	if err := repo.UpdateTokens(ctx, "missing", "a", "r", 1); err == nil {
		t.Error("expected error updating a missing session")
	}
}

func TestRepository_DeleteSessions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	repo.UpsertSession(ctx, &UserSession{UserID: "u1", AccessToken: "a1"})
	repo.UpsertSession(ctx, &UserSession{UserID: "u2", AccessToken: "a2"})

	ok, err := repo.DeleteSession(ctx, "u1")
	if err != nil || !ok {
		t.Errorf("DeleteSession(u1) = %v, %v", ok, err)
	}
	ok, err = repo.DeleteSession(ctx, "u1")
	if err != nil || ok {
		t.Errorf("second DeleteSession(u1) = %v, %v", ok, err)
	}

	n, err := repo.DeleteAllSessions(ctx)
	if err != nil || n != 1 {
		t.Errorf("DeleteAllSessions = %d, %v", n, err)
	}
}

func TestRepository_OneShotRecords(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	start := time.Unix(1_700_000_000, 0)
	fixedClock(repo, start)

	repo.CreateState(ctx, "s1")
	repo.CreateState(ctx, "s2")
	repo.CreateTempToken(ctx, "t1", "u1")
	repo.CreateTempToken(ctx, "t2", "u1")

	if ok, _ := repo.ConsumeState(ctx, "s1"); !ok {
		t.Error("fresh state rejected")
	}
	if ok, _ := repo.ConsumeState(ctx, "s1"); ok {
		t.Error("state accepted twice")
	}
	if user, _ := repo.ConsumeTempToken(ctx, "t1"); user != "u1" {
		t.Errorf("temp token user = %q", user)
	}
	if user, _ := repo.ConsumeTempToken(ctx, "t1"); user != "" {
		t.Error("temp token accepted twice")
	}

	fixedClock(repo, start.Add(11*time.Minute))
	if ok, _ := repo.ConsumeState(ctx, "s2"); ok {
		t.Error("stale state accepted")
	}
	if user, _ := repo.ConsumeTempToken(ctx, "t2"); user != "" {
		t.Error("stale temp token accepted")
	}
}

func TestRepository_Purge(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	start := time.Unix(1_700_000_000, 0)
	fixedClock(repo, start)

	repo.CreateState(ctx, "old-state")
	repo.CreateTempToken(ctx, "old-temp", "u1")
	repo.UpsertSession(ctx, &UserSession{UserID: "expired", AccessToken: "a1", TokenExpiry: start.Unix() + 60})
	repo.UpsertSession(ctx, &UserSession{UserID: "refreshable", AccessToken: "a2", RefreshToken: "r2", TokenExpiry: start.Unix() + 60})
	repo.UpsertSession(ctx, &UserSession{UserID: "valid", AccessToken: "a3", TokenExpiry: start.Unix() + 3600})

	later := start.Add(15 * time.Minute)
	fixedClock(repo, later)
	repo.CreateState(ctx, "new-state")
	repo.CreateTempToken(ctx, "new-temp", "u1")

	res, err := repo.Purge(ctx)
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if res.States != 1 || res.TempTokens != 1 || res.Sessions != 1 {
		t.Errorf("purge result = %+v, want 1/1/1", res)
	}

	if s, _ := repo.GetSession(ctx, "expired"); s != nil {
		t.Error("expired session without refresh token survived")
	}
	for _, id := range []string{"refreshable", "valid"} {
		if s, _ := repo.GetSession(ctx, id); s == nil {
			t.Errorf("session %s was purged", id)
		}
	}
	if ok, _ := repo.ConsumeState(ctx, "new-state"); !ok {
		t.Error("fresh state was purged")
	}
}

func TestUserSession_Expired(t *testing.T) {
	s := &UserSession{TokenExpiry: 100}
	if s.Expired(time.Unix(100, 0)) {
		t.Error("token is valid up to its expiry second")
	}
	if !s.Expired(time.Unix(101, 0)) {
		t.Error("token should be expired after its expiry")
	}
}

package db

import (
	"encoding/json"
	"time"
)

// Schema creates the auth service tables. Statements are kept portable
// between SQLite and PostgreSQL; times are unix seconds.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS oauth_states (
    state TEXT PRIMARY KEY,
    created_at BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS user_sessions (
    user_id TEXT PRIMARY KEY,
    access_token TEXT NOT NULL,
    refresh_token TEXT NOT NULL DEFAULT '',
    token_expiry BIGINT NOT NULL,
    user_info TEXT NOT NULL DEFAULT '{}',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_user_sessions_access_token ON user_sessions(access_token)`,
	`CREATE INDEX IF NOT EXISTS idx_user_sessions_refresh_token ON user_sessions(refresh_token)`,
	`CREATE TABLE IF NOT EXISTS temp_tokens (
    token TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    created_at BIGINT NOT NULL
)`,
}

// Lifetimes of the one-shot records
const (
	StateTTL     = 10 * time.Minute
	TempTokenTTL = 5 * time.Minute
)

// UserSession is the stored OAuth session of one user
type UserSession struct {
	UserID       string `db:"user_id"`
	AccessToken  string `db:"access_token"`
	RefreshToken string `db:"refresh_token"`
	TokenExpiry  int64  `db:"token_expiry"`
	UserInfo     string `db:"user_info"`
	CreatedAt    int64  `db:"created_at"`
	UpdatedAt    int64  `db:"updated_at"`
}

// Expired reports whether the access token is past its expiry at now.
func (s *UserSession) Expired(now time.Time) bool {
	return now.Unix() > s.TokenExpiry
}

// Info decodes the stored user info document.
func (s *UserSession) Info() (map[string]any, error) {
	info := map[string]any{}
	if s.UserInfo == "" {
		return info, nil
	}
	if err := json.Unmarshal([]byte(s.UserInfo), &info); err != nil {
		return nil, err
	}
	return info, nil
}

// PurgeResult counts the rows removed by a purge
type PurgeResult struct {
	States     int64
	TempTokens int64
	Sessions   int64
}

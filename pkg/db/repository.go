package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sdstudio/sdclient/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for OAuth sessions
type Repository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewRepository opens the store. driver is "sqlite" or "postgres".
func NewRepository(driver, dsn string) (*Repository, error) {
	slog.Info("database_init", "driver", driver)

	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		slog.Error("database_open_failed", "driver", driver, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}

	slog.Info("database_create_schema", "driver", driver)
	for _, stmt := range Schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			slog.Error("database_schema_failed", "driver", driver, "error", err)
			return nil, errors.Wrap(err, "failed to create schema")
		}
	}

	slog.Info("database_ready", "driver", driver)
	return &Repository{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CreateState records a one-shot OAuth state
func (r *Repository) CreateState(ctx context.Context, state string) error {
	_, err := r.exec(ctx, `INSERT INTO oauth_states (state, created_at) VALUES (?, ?)`, state, r.now().Unix())
	if err != nil {
		slog.Error("database_state_insert_failed", "error", err)
		return errors.Wrap(err, "failed to insert oauth state")
	}
	return nil
}

// ConsumeState deletes a state and reports whether it existed and was fresh.
func (r *Repository) ConsumeState(ctx context.Context, state string) (bool, error) {
	var createdAt int64
	err := r.db.GetContext(ctx, &createdAt, r.db.Rebind(`SELECT created_at FROM oauth_states WHERE state = ?`), state)
	if err == sql.ErrNoRows {
		slog.Info("database_state_not_found")
		return false, nil
	}
	if err != nil {
		slog.Error("database_state_query_failed", "error", err)
		return false, errors.Wrap(err, "failed to query oauth state")
	}

	if _, err := r.exec(ctx, `DELETE FROM oauth_states WHERE state = ?`, state); err != nil {
		slog.Error("database_state_delete_failed", "error", err)
		return false, errors.Wrap(err, "failed to delete oauth state")
	}

	fresh := r.now().Sub(time.Unix(createdAt, 0)) <= StateTTL
	return fresh, nil
}

// UpsertSession creates or replaces the session of s.UserID
func (r *Repository) UpsertSession(ctx context.Context, s *UserSession) error {
	slog.Info("database_upsert_session", "user_id", s.UserID, "token_expiry", s.TokenExpiry)

	now := r.now().Unix()
	if s.UserInfo == "" {
		s.UserInfo = "{}"
	}
	query := `
		INSERT INTO user_sessions (user_id, access_token, refresh_token, token_expiry, user_info, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
		    access_token = excluded.access_token,
		    refresh_token = excluded.refresh_token,
		    token_expiry = excluded.token_expiry,
		    user_info = excluded.user_info,
		    updated_at = excluded.updated_at
	`
	_, err := r.exec(ctx, query, s.UserID, s.AccessToken, s.RefreshToken, s.TokenExpiry, s.UserInfo, now, now)
	if err != nil {
		slog.Error("database_upsert_failed", "user_id", s.UserID, "error", err)
		return errors.Wrap(err, "failed to upsert session")
	}
	return nil
}

// SetUserInfo marshals info into the session's user info column value.
func SetUserInfo(s *UserSession, info map[string]any) error {
	data, err := json.Marshal(info)
	if err != nil {
		return errors.Wrap(err, "failed to encode user info")
	}
	s.UserInfo = string(data)
	return nil
}

const sessionColumns = `user_id, access_token, refresh_token, token_expiry, user_info, created_at, updated_at`

func (r *Repository) getSession(ctx context.Context, column, value string) (*UserSession, error) {
	var s UserSession
	query := fmt.Sprintf(`SELECT %s FROM user_sessions WHERE %s = ?`, sessionColumns, column)
	err := r.db.GetContext(ctx, &s, r.db.Rebind(query), value)
	if err == sql.ErrNoRows {
		slog.Info("database_session_not_found", "by", column)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_session_query_failed", "by", column, "error", err)
		return nil, errors.Wrap(err, "failed to query session")
	}
	return &s, nil
}

// GetSession returns the session of a user, or nil when there is none
func (r *Repository) GetSession(ctx context.Context, userID string) (*UserSession, error) {
	return r.getSession(ctx, "user_id", userID)
}

// GetSessionByAccessToken returns the session holding token, or nil
func (r *Repository) GetSessionByAccessToken(ctx context.Context, token string) (*UserSession, error) {
	return r.getSession(ctx, "access_token", token)
}

// GetSessionByRefreshToken returns the session holding token, or nil
func (r *Repository) GetSessionByRefreshToken(ctx context.Context, token string) (*UserSession, error) {
	if token == "" {
		return nil, nil
	}
	return r.getSession(ctx, "refresh_token", token)
}

// UpdateTokens replaces the tokens of an existing session
func (r *Repository) UpdateTokens(ctx context.Context, userID, accessToken, refreshToken string, expiry int64) error {
	slog.Info("database_update_tokens", "user_id", userID, "token_expiry", expiry)

	query := `
		UPDATE user_sessions
		SET access_token = ?, refresh_token = ?, token_expiry = ?, updated_at = ?
		WHERE user_id = ?
	`
	rows, err := r.exec(ctx, query, accessToken, refreshToken, expiry, r.now().Unix(), userID)
	if err != nil {
		slog.Error("database_update_failed", "user_id", userID, "error", err)
		return errors.Wrap(err, "failed to update tokens")
	}
	if rows == 0 {
		slog.Error("database_session_not_found_for_update", "user_id", userID)
		return fmt.Errorf("session not found: user_id=%s", userID)
	}
	return nil
}

// DeleteSession removes the session of a user and reports whether one existed
func (r *Repository) DeleteSession(ctx context.Context, userID string) (bool, error) {
	slog.Info("database_delete_session", "user_id", userID)

	rows, err := r.exec(ctx, `DELETE FROM user_sessions WHERE user_id = ?`, userID)
	if err != nil {
		slog.Error("database_delete_failed", "user_id", userID, "error", err)
		return false, errors.Wrap(err, "failed to delete session")
	}
	return rows > 0, nil
}

// DeleteAllSessions removes every session
func (r *Repository) DeleteAllSessions(ctx context.Context) (int64, error) {
	rows, err := r.exec(ctx, `DELETE FROM user_sessions`)
	if err != nil {
		slog.Error("database_delete_all_failed", "error", err)
		return 0, errors.Wrap(err, "failed to delete sessions")
	}
	slog.Info("database_sessions_deleted", "count", rows)
	return rows, nil
}

// ListSessions returns all sessions, most recently updated first
func (r *Repository) ListSessions(ctx context.Context) ([]*UserSession, error) {
	var sessions []*UserSession
	query := fmt.Sprintf(`SELECT %s FROM user_sessions ORDER BY updated_at DESC, user_id`, sessionColumns)
	if err := r.db.SelectContext(ctx, &sessions, query); err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list sessions")
	}

	slog.Info("database_list_complete", "session_count", len(sessions))
	return sessions, nil
}

// CreateTempToken records a one-shot token for userID
func (r *Repository) CreateTempToken(ctx context.Context, token, userID string) error {
	_, err := r.exec(ctx, `INSERT INTO temp_tokens (token, user_id, created_at) VALUES (?, ?, ?)`, token, userID, r.now().Unix())
	if err != nil {
		slog.Error("database_temp_token_insert_failed", "user_id", userID, "error", err)
		return errors.Wrap(err, "failed to insert temp token")
	}
	return nil
}

// ConsumeTempToken deletes a temp token and returns its user id. An unknown or
// stale token yields "".
func (r *Repository) ConsumeTempToken(ctx context.Context, token string) (string, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		slog.Error("failed_to_begin_transaction", "error", err)
		return "", errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var t struct {
		UserID    string `db:"user_id"`
		CreatedAt int64  `db:"created_at"`
	}
	err = tx.GetContext(ctx, &t, tx.Rebind(`SELECT user_id, created_at FROM temp_tokens WHERE token = ?`), token)
	if err == sql.ErrNoRows {
		slog.Info("database_temp_token_not_found")
		return "", nil
	}
	if err != nil {
		slog.Error("database_temp_token_query_failed", "error", err)
		return "", errors.Wrap(err, "failed to query temp token")
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM temp_tokens WHERE token = ?`), token); err != nil {
		slog.Error("database_temp_token_delete_failed", "error", err)
		return "", errors.Wrap(err, "failed to delete temp token")
	}
	if err := tx.Commit(); err != nil {
		slog.Error("failed_to_commit_transaction", "error", err)
		return "", errors.Wrap(err, "failed to commit transaction")
	}

	if r.now().Sub(time.Unix(t.CreatedAt, 0)) > TempTokenTTL {
		slog.Info("database_temp_token_stale", "user_id", t.UserID)
		return "", nil
	}
	return t.UserID, nil
}

// Purge removes stale states and temp tokens, and expired sessions that
// cannot be refreshed.
func (r *Repository) Purge(ctx context.Context) (*PurgeResult, error) {
	now := r.now()
	var res PurgeResult
	var err error

	res.States, err = r.exec(ctx, `DELETE FROM oauth_states WHERE created_at < ?`, now.Add(-StateTTL).Unix())
	if err != nil {
		slog.Error("database_purge_failed", "table", "oauth_states", "error", err)
		return nil, errors.Wrap(err, "failed to purge oauth states")
	}
	res.TempTokens, err = r.exec(ctx, `DELETE FROM temp_tokens WHERE created_at < ?`, now.Add(-TempTokenTTL).Unix())
	if err != nil {
		slog.Error("database_purge_failed", "table", "temp_tokens", "error", err)
		return nil, errors.Wrap(err, "failed to purge temp tokens")
	}
	res.Sessions, err = r.exec(ctx, `DELETE FROM user_sessions WHERE token_expiry < ? AND refresh_token = ''`, now.Unix())
	if err != nil {
		slog.Error("database_purge_failed", "table", "user_sessions", "error", err)
		return nil, errors.Wrap(err, "failed to purge sessions")
	}

	slog.Info("database_purge_complete",
		"states", res.States,
		"temp_tokens", res.TempTokens,
		"sessions", res.Sessions)
	return &res, nil
}

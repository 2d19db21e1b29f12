package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const userColumns = `id, username, display_name, role, email, password_hash, created_at`

func scanUser(row pgx.Row) (*User, error) {
	u := &User{}
	if err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Role, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		return nil, err
	}
	return u, nil
}

// CountUsers returns the number of operator accounts.
func (r *Repository) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return n, nil
}

// CreateUser inserts an operator account.
func (r *Repository) CreateUser(ctx context.Context, u *User) (*User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	created, err := scanUser(r.db.Pool.QueryRow(ctx, `
		INSERT INTO users (id, username, display_name, role, email, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+userColumns,
		u.ID, u.Username, u.DisplayName, u.Role, u.Email, u.PasswordHash,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return created, nil
}

// GetUser retrieves a user by ID.
func (r *Repository) GetUser(ctx context.Context, id string) (*User, error) {
	return r.getUserWhere(ctx, "id = $1", id)
}

// GetUserByUsername retrieves a user by username.
func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return r.getUserWhere(ctx, "username = $1", username)
}

func (r *Repository) getUserWhere(ctx context.Context, cond string, arg string) (*User, error) {
	u, err := scanUser(r.db.Pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE "+cond, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// ListUsers returns all users, oldest first.
func (r *Repository) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := r.db.Pool.Query(ctx, "SELECT "+userColumns+" FROM users ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := make([]*User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CreateSession stores a new session token.
func (r *Repository) CreateSession(ctx context.Context, s *Session) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO sessions (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, s.Token, s.UserID, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession resolves an unexpired token to its session and user.
func (r *Repository) GetSession(ctx context.Context, token string) (*Session, *User, error) {
	s := &Session{}
	u := &User{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT s.token, s.user_id, s.expires_at, s.created_at,
			u.id, u.username, u.display_name, u.role, u.email, u.password_hash, u.created_at
		FROM sessions s JOIN users u ON u.id = s.user_id
		WHERE s.token = $1 AND s.expires_at > NOW()
	`, token).Scan(
		&s.Token, &s.UserID, &s.ExpiresAt, &s.CreatedAt,
		&u.ID, &u.Username, &u.DisplayName, &u.Role, &u.Email, &u.PasswordHash, &u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrSessionNotFound
		}
		return nil, nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, u, nil
}

// DeleteSession revokes a token.
func (r *Repository) DeleteSession(ctx context.Context, token string) error {
	if _, err := r.db.Pool.Exec(ctx, "DELETE FROM sessions WHERE token = $1", token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes sessions past their expiry and returns how
// many were removed.
func (r *Repository) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM sessions WHERE expires_at <= NOW()")
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

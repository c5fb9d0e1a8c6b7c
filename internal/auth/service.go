// Package auth issues session tokens, enforces the role matrix, and gates
// critical commands behind a second factor.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvitali/carovana/internal/config"
	"github.com/dvitali/carovana/internal/domain"
)

// Role is an access level. Roles are ordered: admin > operator > viewer.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

var roleRank = map[Role]int{RoleViewer: 1, RoleOperator: 2, RoleAdmin: 3}

// Allows reports whether this role satisfies the required one
func (r Role) Allows(required Role) bool {
	return roleRank[r] >= roleRank[required]
}

// Session is one authenticated session stored in runtime.db
type Session struct {
	Token          string    `json:"token"`
	Username       string    `json:"username"`
	Role           Role      `json:"role"`
	SecondFactorOK bool      `json:"second_factor_ok"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// Service manages sessions against the runtime database
type Service struct {
	cfg    config.AuthConfig
	secret string
	db     *sql.DB
	log    zerolog.Logger
	now    func() time.Time
}

// NewService creates the auth service
func NewService(cfg config.AuthConfig, secret string, runtime *sql.DB, log zerolog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		secret: secret,
		db:     runtime,
		log:    log.With().Str("component", "auth").Logger(),
		now:    time.Now,
	}
}

// Login checks the credentials and opens a session
func (s *Service) Login(ctx context.Context, username, password string) (*Session, error) {
	cred, ok := s.cfg.Users[username]
	hash := sha256.Sum256([]byte(password))
	given := hex.EncodeToString(hash[:])
	// Compare even for unknown users so the timing does not leak which
	// usernames exist.
	want := cred.PasswordHash
	if !ok {
		want = given + "x"
	}
	if subtle.ConstantTimeCompare([]byte(given), []byte(want)) != 1 {
		s.log.Warn().Str("username", username).Msg("Login failed")
		return nil, domain.ErrAuthRequired
	}

	session := &Session{
		Token:     uuid.NewString(),
		Username:  username,
		Role:      Role(cred.Role),
		ExpiresAt: s.now().Add(s.cfg.SessionTTL),
		CreatedAt: s.now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (token, username, role, second_factor_ok, expires_at, created_at)
		VALUES (?, ?, ?, 0, ?, ?)`,
		session.Token, session.Username, string(session.Role),
		session.ExpiresAt.Unix(), session.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	s.log.Info().Str("username", username).Str("role", cred.Role).Msg("Session opened")
	return session, nil
}

// Verify resolves a token to its session, rejecting expired ones
func (s *Service) Verify(ctx context.Context, token string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token, username, role, second_factor_ok, expires_at, created_at
		FROM sessions WHERE token = ?`, token)

	var session Session
	var secondFactor int
	var expires, created int64
	err := row.Scan(&session.Token, &session.Username, (*string)(&session.Role),
		&secondFactor, &expires, &created)
	if err == sql.ErrNoRows {
		return nil, domain.ErrAuthRequired
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	session.SecondFactorOK = secondFactor == 1
	session.ExpiresAt = time.Unix(expires, 0).UTC()
	session.CreatedAt = time.Unix(created, 0).UTC()

	if s.now().After(session.ExpiresAt) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
		return nil, domain.ErrAuthRequired
	}
	return &session, nil
}

// Refresh rotates the token and extends the session. The second factor does
// not carry over; critical commands must re-verify after a refresh.
func (s *Service) Refresh(ctx context.Context, token string) (*Session, error) {
	session, err := s.Verify(ctx, token)
	if err != nil {
		return nil, err
	}

	fresh := &Session{
		Token:     uuid.NewString(),
		Username:  session.Username,
		Role:      session.Role,
		ExpiresAt: s.now().Add(s.cfg.SessionTTL),
		CreatedAt: s.now(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (token, username, role, second_factor_ok, expires_at, created_at)
		VALUES (?, ?, ?, 0, ?, ?)`,
		fresh.Token, fresh.Username, string(fresh.Role),
		fresh.ExpiresAt.Unix(), fresh.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to store refreshed session: %w", err)
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	return fresh, nil
}

// Logout drops the session
func (s *Service) Logout(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// VerifySecondFactor checks a time-based code and marks the session
func (s *Service) VerifySecondFactor(ctx context.Context, token, code string) error {
	session, err := s.Verify(ctx, token)
	if err != nil {
		return err
	}
	if !validCode(s.secret, code, s.now()) {
		s.log.Warn().Str("username", session.Username).Msg("Second factor rejected")
		return domain.ErrSecondFactor
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions SET second_factor_ok = 1 WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("failed to mark second factor: %w", err)
	}
	return nil
}

// RequireRole returns ErrForbidden when the session's role is insufficient
func (s *Service) RequireRole(session *Session, required Role) error {
	if !session.Role.Allows(required) {
		return fmt.Errorf("%w: %s requires %s", domain.ErrForbidden, session.Username, required)
	}
	return nil
}

// RequireSecondFactor returns ErrSecondFactor when the session has not
// completed the second factor yet.
func (s *Service) RequireSecondFactor(session *Session) error {
	if !session.SecondFactorOK {
		return domain.ErrSecondFactor
	}
	return nil
}

// Sweep deletes expired sessions
func (s *Service) Sweep(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to sweep sessions: %w", err)
	}
	return nil
}

// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup, transactions, and user queries.
// Creates a connection pool at startup, shared across all handlers.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// txKey carries the open transaction through the context.
type txKey struct{}

// The store used by program to connect with Postgres db
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a verified connection pool to PostgreSQL
// wrapped in a ready-to-use store.
// Call once at startup from main.go...the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	// Ping db to make sure connection works
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool and releases all resources.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings the pool.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InTx runs fn inside a transaction. Every store method called with the ctx passed
// to fn joins that transaction, so a mutation and its audit entry commit together.
// fn returning an error rolls everything back. Nested calls join the outer transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	// No-op once committed.
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// q returns the transaction in ctx, or the pool when there is none.
func (s *PostgresStore) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

const userColumns = `id, email, first_name, last_name, birthdate, password_hash,
	otp_code_hash, otp_expires_at, otp_attempts, role, status,
	email_verified_at, last_login_at, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.Birthdate, &u.PasswordHash,
		&u.OTPCodeHash, &u.OTPExpiresAt, &u.OTPAttempts, &u.Role, &u.Status,
		&u.EmailVerifiedAt, &u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByEmail fetches a user by normalized email. Returns pgx.ErrNoRows if absent.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.q(ctx).QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE email = $1", email))
}

// GetUserByID fetches a user by id. Returns pgx.ErrNoRows if absent.
func (s *PostgresStore) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(s.q(ctx).QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", id))
}

// LockUserByEmail fetches a user with SELECT ... FOR UPDATE.
// Only meaningful inside InTx; concurrent OTP issue/verify calls for one user serialize here.
// Returns pgx.ErrNoRows if absent.
func (s *PostgresStore) LockUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.q(ctx).QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE email = $1 FOR UPDATE", email))
}

// CreateUser inserts a new user row. The caller generates the UUID v7.
// Returns ErrEmailTaken on a unique violation.
func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.q(ctx).Exec(ctx,
		`INSERT INTO users (id, email, first_name, last_name, birthdate, password_hash,
			role, status, email_verified_at, last_login_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, u.Email, u.FirstName, u.LastName, u.Birthdate, u.PasswordHash,
		u.Role, u.Status, u.EmailVerifiedAt, u.LastLoginAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrEmailTaken
	}
	return err
}

// UpdateSignupProfile overwrites the profile fields that are non-nil in p.
func (s *PostgresStore) UpdateSignupProfile(ctx context.Context, id uuid.UUID, p SignupProfile) error {
	_, err := s.q(ctx).Exec(ctx,
		`UPDATE users SET
			first_name = COALESCE($2, first_name),
			last_name = COALESCE($3, last_name),
			birthdate = COALESCE($4, birthdate),
			password_hash = COALESCE($5, password_hash),
			updated_at = now()
		WHERE id = $1`,
		id, p.FirstName, p.LastName, p.Birthdate, p.PasswordHash)
	return err
}

// SetOTPChallenge stores a new code hash and expiry, replacing any prior challenge,
// and resets the attempt counter.
func (s *PostgresStore) SetOTPChallenge(ctx context.Context, id uuid.UUID, codeHash []byte, expiresAt time.Time) error {
	_, err := s.q(ctx).Exec(ctx,
		`UPDATE users SET otp_code_hash = $2, otp_expires_at = $3, otp_attempts = 0, updated_at = now()
		WHERE id = $1`,
		id, codeHash, expiresAt)
	return err
}

// IncrementOTPAttempts atomically bumps the attempt counter and returns the new value.
func (s *PostgresStore) IncrementOTPAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	err := s.q(ctx).QueryRow(ctx,
		`UPDATE users SET otp_attempts = otp_attempts + 1, updated_at = now()
		WHERE id = $1 RETURNING otp_attempts`,
		id).Scan(&n)
	return n, err
}

// CompleteOTPLogin clears the challenge and marks the user verified, active, and logged in.
// email_verified_at is only set the first time.
func (s *PostgresStore) CompleteOTPLogin(ctx context.Context, id uuid.UUID, now time.Time) (*User, error) {
	return scanUser(s.q(ctx).QueryRow(ctx,
		`UPDATE users SET
			otp_code_hash = NULL, otp_expires_at = NULL, otp_attempts = 0,
			email_verified_at = COALESCE(email_verified_at, $2),
			status = 'active', last_login_at = $2, updated_at = now()
		WHERE id = $1 RETURNING `+userColumns,
		id, now))
}

// ClearOTPChallenge drops the active challenge and resets attempts.
func (s *PostgresStore) ClearOTPChallenge(ctx context.Context, id uuid.UUID) error {
	_, err := s.q(ctx).Exec(ctx,
		`UPDATE users SET otp_code_hash = NULL, otp_expires_at = NULL, otp_attempts = 0, updated_at = now()
		WHERE id = $1`,
		id)
	return err
}

// ResetPassword stores a new password hash and clears any outstanding challenge.
func (s *PostgresStore) ResetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	tag, err := s.q(ctx).Exec(ctx,
		`UPDATE users SET password_hash = $2,
			otp_code_hash = NULL, otp_expires_at = NULL, otp_attempts = 0, updated_at = now()
		WHERE id = $1`,
		id, passwordHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// RecordLogin sets last_login_at.
func (s *PostgresStore) RecordLogin(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := s.q(ctx).Exec(ctx,
		"UPDATE users SET last_login_at = $2, updated_at = now() WHERE id = $1", id, now)
	return err
}

// DeleteUnverifiedUser removes a mid-signup account. Verified accounts are never touched.
// Returns the deleted user's id, or pgx.ErrNoRows when nothing matched.
func (s *PostgresStore) DeleteUnverifiedUser(ctx context.Context, email string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.q(ctx).QueryRow(ctx,
		"DELETE FROM users WHERE email = $1 AND email_verified_at IS NULL RETURNING id",
		email).Scan(&id)
	return id, err
}

// CompleteFederatedLogin fills missing names from the identity assertion and marks the
// user verified, active, and logged in. Existing names are never overwritten.
func (s *PostgresStore) CompleteFederatedLogin(ctx context.Context, id uuid.UUID, givenName, familyName *string, now time.Time) (*User, error) {
	return scanUser(s.q(ctx).QueryRow(ctx,
		`UPDATE users SET
			first_name = COALESCE(NULLIF(first_name, ''), $2),
			last_name = COALESCE(NULLIF(last_name, ''), $3),
			email_verified_at = COALESCE(email_verified_at, $4),
			status = 'active', last_login_at = $4, updated_at = now()
		WHERE id = $1 RETURNING `+userColumns,
		id, givenName, familyName, now))
}

// UpdateProfile writes the profile fields; Role and Status only when non-nil.
// Returns pgx.ErrNoRows if the user is absent.
func (s *PostgresStore) UpdateProfile(ctx context.Context, id uuid.UUID, p ProfileUpdate) (*User, error) {
	return scanUser(s.q(ctx).QueryRow(ctx,
		`UPDATE users SET
			first_name = $2, last_name = $3, birthdate = $4,
			role = COALESCE($5, role), status = COALESCE($6, status),
			updated_at = now()
		WHERE id = $1 RETURNING `+userColumns,
		id, p.FirstName, p.LastName, p.Birthdate, p.Role, p.Status))
}

// models.go -- Shared domain types for the store package.
// Used by both Postgres (durable store) and Redis (counters and reset tokens).
package store

import (
	"errors"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrEmailTaken is returned by CreateUser when the email already has a row (unique violation).
var ErrEmailTaken = errors.New("email already registered")

// ErrFlagAlreadyResolved is returned by ResolveFlag when the flag is no longer open.
// The returned flag is the unchanged, already-resolved row.
var ErrFlagAlreadyResolved = errors.New("audit flag already resolved")

// Role is a user's authorization role. Stored lower-case.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// ParseRole normalizes s and reports whether it names a known role.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RoleMember, RoleAdmin:
		return r, true
	}
	return "", false
}

// Status is a user's account status. Suspended blocks every authentication path.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// ParseStatus normalizes s and reports whether it names a known status.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusActive, StatusSuspended:
		return st, true
	}
	return "", false
}

// NormalizeEmail lower-cases and trims an address. Applied once at the boundary;
// every stored email is already normalized so lookups are plain equality.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// User represents a row in the users table.
// Nullable columns are pointers; nil means SQL NULL.
// OTPCodeHash and OTPExpiresAt are always both set or both nil.
type User struct {
	ID              uuid.UUID
	Email           string
	FirstName       *string
	LastName        *string
	Birthdate       *time.Time
	PasswordHash    *string
	OTPCodeHash     []byte
	OTPExpiresAt    *time.Time
	OTPAttempts     int
	Role            Role
	Status          Status
	EmailVerifiedAt *time.Time
	LastLoginAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SignupProfile holds the optional fields collected when a signup OTP is requested.
// Nil fields leave the stored value untouched.
type SignupProfile struct {
	FirstName    *string
	LastName     *string
	Birthdate    *time.Time
	PasswordHash *string
}

// ProfileUpdate is the set of columns an actor may change on a user record.
// Role and Status are nil unless the change was authorized.
type ProfileUpdate struct {
	FirstName string
	LastName  string
	Birthdate *time.Time
	Role      *Role
	Status    *Status
}

// AuditEntry represents a row in the audit_logs table.
// Actor fields are nil for pre-auth failures where no user is identified.
// Before/After are key-value snapshots; empty maps are stored as NULL.
type AuditEntry struct {
	ID          uuid.UUID
	Action      string
	EntityType  string
	EntityID    *uuid.UUID
	ActorUserID *uuid.UUID
	ActorEmail  *string
	ActorRole   *string
	Before      map[string]any
	After       map[string]any
	IPAddress   *string
	UserAgent   *string
	CreatedAt   time.Time
}

// Severity grades an audit flag.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// FlagStatus is open until an admin resolves it. Resolved is terminal.
type FlagStatus string

const (
	FlagOpen     FlagStatus = "open"
	FlagResolved FlagStatus = "resolved"
)

// AuditFlag represents a row in the audit_flags table.
type AuditFlag struct {
	ID         uuid.UUID
	Title      string
	Details    *string
	Severity   Severity
	Status     FlagStatus
	CreatedBy  *uuid.UUID
	ResolvedBy *uuid.UUID
	ResolvedAt *time.Time
	CreatedAt  time.Time
}

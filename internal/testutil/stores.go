// stores.go
//
// Shared in-memory implementations of the store, counter, reset-token, mail, OAuth, and
// captcha dependencies. Imported by test files across packages to avoid duplicate mocks.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/yunhaverse/gatekeeper/internal/mail"
	"github.com/yunhaverse/gatekeeper/internal/oauth"
	"github.com/yunhaverse/gatekeeper/internal/store"
)

// MockStore implements every store operation the services use.

// Always stateful...Users, Audit, and Flags behave like the real tables.
// InTx serializes transactions and rolls state back when fn returns an error.
// Use *Err fields to inject errors for specific operations.
type MockStore struct {
	// Error injection...zero value means no error
	CheckHealthErr          error
	GetUserByEmailErr       error
	GetUserByIDErr          error
	LockUserByEmailErr      error
	CreateUserErr           error
	UpdateSignupProfileErr  error
	SetOTPChallengeErr      error
	IncrementOTPAttemptsErr error
	CompleteOTPLoginErr     error
	ResetPasswordErr        error
	RecordLoginErr          error
	DeleteUnverifiedErr     error
	CompleteFederatedErr    error
	UpdateProfileErr        error
	AppendAuditErr          error
	ListAuditErr            error
	OpenFlagErr             error
	ResolveFlagErr          error
	ListFlagsErr            error

	Users map[string]*store.User // keyed by normalized email
	Audit []store.AuditEntry     // append order
	Flags []store.AuditFlag      // insert order

	txMu sync.Mutex
	mu   sync.Mutex
}

// NewMockStore returns a MockStore seeded with the given users, indexed by email.
func NewMockStore(users ...*store.User) *MockStore {
	ms := &MockStore{Users: make(map[string]*store.User)}
	for _, u := range users {
		ms.Users[u.Email] = u
	}
	return ms
}

// NewUser builds a user row with a fresh id.
func NewUser(email string, role store.Role, status store.Status) *store.User {
	now := time.Now()
	u := &store.User{
		ID:        uuid.Must(uuid.NewV7()),
		Email:     email,
		Role:      role,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if status == store.StatusActive {
		u.EmailVerifiedAt = &now
	}
	return u
}

type mockTxKey struct{}

// InTx runs fn holding the transaction lock. Nested calls join the outer transaction.
// When fn fails, users, audit entries, and flags revert to their state before fn.
func (m *MockStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(mockTxKey{}) != nil {
		return fn(ctx)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	users := make(map[string]*store.User, len(m.Users))
	for k, u := range m.Users {
		cp := *u
		users[k] = &cp
	}
	audit := slices.Clone(m.Audit)
	flags := slices.Clone(m.Flags)
	m.mu.Unlock()

	if err := fn(context.WithValue(ctx, mockTxKey{}, true)); err != nil {
		m.mu.Lock()
		m.Users, m.Audit, m.Flags = users, audit, flags
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *MockStore) CheckHealth(_ context.Context) error {
	return m.CheckHealthErr
}

// User returns a copy of the stored row for email, or nil.
func (m *MockStore) User(email string) *store.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[email]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

func (m *MockStore) userByEmail(email string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[email]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *u
	return &cp, nil
}

// mutate applies fn to the user with id under the lock and returns a copy of the result.
func (m *MockStore) mutate(id uuid.UUID, fn func(u *store.User)) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if u.ID == id {
			fn(u)
			u.UpdatedAt = time.Now()
			cp := *u
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *MockStore) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	if m.GetUserByEmailErr != nil {
		return nil, m.GetUserByEmailErr
	}
	return m.userByEmail(email)
}

func (m *MockStore) GetUserByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	if m.GetUserByIDErr != nil {
		return nil, m.GetUserByIDErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if u.ID == id {
			cp := *u
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *MockStore) LockUserByEmail(_ context.Context, email string) (*store.User, error) {
	if m.LockUserByEmailErr != nil {
		return nil, m.LockUserByEmailErr
	}
	return m.userByEmail(email)
}

func (m *MockStore) CreateUser(_ context.Context, u *store.User) error {
	if m.CreateUserErr != nil {
		return m.CreateUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Users == nil {
		m.Users = make(map[string]*store.User)
	}
	if _, ok := m.Users[u.Email]; ok {
		return store.ErrEmailTaken
	}
	cp := *u
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	m.Users[u.Email] = &cp
	return nil
}

func (m *MockStore) UpdateSignupProfile(_ context.Context, id uuid.UUID, p store.SignupProfile) error {
	if m.UpdateSignupProfileErr != nil {
		return m.UpdateSignupProfileErr
	}
	_, err := m.mutate(id, func(u *store.User) {
		if p.FirstName != nil {
			u.FirstName = p.FirstName
		}
		if p.LastName != nil {
			u.LastName = p.LastName
		}
		if p.Birthdate != nil {
			u.Birthdate = p.Birthdate
		}
		if p.PasswordHash != nil {
			u.PasswordHash = p.PasswordHash
		}
	})
	return err
}

func (m *MockStore) SetOTPChallenge(_ context.Context, id uuid.UUID, codeHash []byte, expiresAt time.Time) error {
	if m.SetOTPChallengeErr != nil {
		return m.SetOTPChallengeErr
	}
	_, err := m.mutate(id, func(u *store.User) {
		u.OTPCodeHash = slices.Clone(codeHash)
		u.OTPExpiresAt = &expiresAt
		u.OTPAttempts = 0
	})
	return err
}

func (m *MockStore) IncrementOTPAttempts(_ context.Context, id uuid.UUID) (int, error) {
	if m.IncrementOTPAttemptsErr != nil {
		return 0, m.IncrementOTPAttemptsErr
	}
	u, err := m.mutate(id, func(u *store.User) { u.OTPAttempts++ })
	if err != nil {
		return 0, err
	}
	return u.OTPAttempts, nil
}

func (m *MockStore) CompleteOTPLogin(_ context.Context, id uuid.UUID, now time.Time) (*store.User, error) {
	if m.CompleteOTPLoginErr != nil {
		return nil, m.CompleteOTPLoginErr
	}
	return m.mutate(id, func(u *store.User) {
		u.OTPCodeHash, u.OTPExpiresAt, u.OTPAttempts = nil, nil, 0
		if u.EmailVerifiedAt == nil {
			u.EmailVerifiedAt = &now
		}
		u.Status = store.StatusActive
		u.LastLoginAt = &now
	})
}

func (m *MockStore) ClearOTPChallenge(_ context.Context, id uuid.UUID) error {
	_, err := m.mutate(id, func(u *store.User) {
		u.OTPCodeHash, u.OTPExpiresAt, u.OTPAttempts = nil, nil, 0
	})
	return err
}

func (m *MockStore) ResetPassword(_ context.Context, id uuid.UUID, passwordHash string) error {
	if m.ResetPasswordErr != nil {
		return m.ResetPasswordErr
	}
	_, err := m.mutate(id, func(u *store.User) {
		u.PasswordHash = &passwordHash
		u.OTPCodeHash, u.OTPExpiresAt, u.OTPAttempts = nil, nil, 0
	})
	return err
}

func (m *MockStore) RecordLogin(_ context.Context, id uuid.UUID, now time.Time) error {
	if m.RecordLoginErr != nil {
		return m.RecordLoginErr
	}
	_, err := m.mutate(id, func(u *store.User) { u.LastLoginAt = &now })
	return err
}

func (m *MockStore) DeleteUnverifiedUser(_ context.Context, email string) (uuid.UUID, error) {
	if m.DeleteUnverifiedErr != nil {
		return uuid.Nil, m.DeleteUnverifiedErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[email]
	if !ok || u.EmailVerifiedAt != nil {
		return uuid.Nil, pgx.ErrNoRows
	}
	delete(m.Users, email)
	return u.ID, nil
}

func (m *MockStore) CompleteFederatedLogin(_ context.Context, id uuid.UUID, givenName, familyName *string, now time.Time) (*store.User, error) {
	if m.CompleteFederatedErr != nil {
		return nil, m.CompleteFederatedErr
	}
	return m.mutate(id, func(u *store.User) {
		if u.FirstName == nil || *u.FirstName == "" {
			u.FirstName = givenName
		}
		if u.LastName == nil || *u.LastName == "" {
			u.LastName = familyName
		}
		if u.EmailVerifiedAt == nil {
			u.EmailVerifiedAt = &now
		}
		u.Status = store.StatusActive
		u.LastLoginAt = &now
	})
}

func (m *MockStore) UpdateProfile(_ context.Context, id uuid.UUID, p store.ProfileUpdate) (*store.User, error) {
	if m.UpdateProfileErr != nil {
		return nil, m.UpdateProfileErr
	}
	return m.mutate(id, func(u *store.User) {
		first, last := p.FirstName, p.LastName
		u.FirstName, u.LastName, u.Birthdate = &first, &last, p.Birthdate
		if p.Role != nil {
			u.Role = *p.Role
		}
		if p.Status != nil {
			u.Status = *p.Status
		}
	})
}

// --- Audit ---

func (m *MockStore) AppendAudit(_ context.Context, e *store.AuditEntry) error {
	if m.AppendAuditErr != nil {
		return m.AppendAuditErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Audit = append(m.Audit, *e)
	return nil
}

func (m *MockStore) ListAuditEntries(_ context.Context, limit int, query string) ([]store.AuditEntry, error) {
	if m.ListAuditErr != nil {
		return nil, m.ListAuditErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q := strings.ToLower(strings.TrimSpace(query))
	var out []store.AuditEntry
	for i := len(m.Audit) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.Audit[i]
		if q != "" && !auditMatches(e, q) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func auditMatches(e store.AuditEntry, q string) bool {
	fields := []string{e.Action, e.EntityType}
	if e.ActorEmail != nil {
		fields = append(fields, *e.ActorEmail)
	}
	if e.IPAddress != nil {
		fields = append(fields, *e.IPAddress)
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

// AuditActions returns the recorded actions in append order.
func (m *MockStore) AuditActions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Audit))
	for i, e := range m.Audit {
		out[i] = e.Action
	}
	return out
}

// LastAudit returns the most recent entry with action, or nil.
func (m *MockStore) LastAudit(action string) *store.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Audit) - 1; i >= 0; i-- {
		if m.Audit[i].Action == action {
			e := m.Audit[i]
			return &e
		}
	}
	return nil
}

// --- Flags ---

func (m *MockStore) OpenFlag(_ context.Context, f *store.AuditFlag, since *time.Time) (bool, error) {
	if m.OpenFlagErr != nil {
		return false, m.OpenFlagErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if since != nil {
		for _, existing := range m.Flags {
			if existing.Status != store.FlagOpen || existing.Title != f.Title {
				continue
			}
			if f.CreatedBy != nil && (existing.CreatedBy == nil || *existing.CreatedBy != *f.CreatedBy) {
				continue
			}
			if !existing.CreatedAt.Before(*since) {
				return false, nil
			}
		}
	}
	f.Status = store.FlagOpen
	m.Flags = append(m.Flags, *f)
	return true, nil
}

func (m *MockStore) ResolveFlag(_ context.Context, id uuid.UUID, resolvedBy *uuid.UUID, at time.Time) (*store.AuditFlag, error) {
	if m.ResolveFlagErr != nil {
		return nil, m.ResolveFlagErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.Flags {
		f := &m.Flags[i]
		if f.ID != id {
			continue
		}
		if f.Status == store.FlagResolved {
			cp := *f
			return &cp, store.ErrFlagAlreadyResolved
		}
		f.Status = store.FlagResolved
		f.ResolvedBy = resolvedBy
		f.ResolvedAt = &at
		cp := *f
		return &cp, nil
	}
	return nil, pgx.ErrNoRows
}

func (m *MockStore) ListFlags(_ context.Context, status *store.FlagStatus, limit int) ([]store.AuditFlag, error) {
	if m.ListFlagsErr != nil {
		return nil, m.ListFlagsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.AuditFlag
	for i := len(m.Flags) - 1; i >= 0 && len(out) < limit; i-- {
		if status != nil && m.Flags[i].Status != *status {
			continue
		}
		out = append(out, m.Flags[i])
	}
	return out, nil
}

func (m *MockStore) CountOpenFlags(_ context.Context) (int, error) {
	if m.ListFlagsErr != nil {
		return 0, m.ListFlagsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, f := range m.Flags {
		if f.Status == store.FlagOpen {
			n++
		}
	}
	return n, nil
}

// FlagsTitled returns every flag with title, in insert order.
func (m *MockStore) FlagsTitled(title string) []store.AuditFlag {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.AuditFlag
	for _, f := range m.Flags {
		if f.Title == title {
			out = append(out, f)
		}
	}
	return out
}

// MockCounter implements throttle.Counter and the Redis health check. Expiry is recorded, not enforced.
type MockCounter struct {
	IncrementErr   error
	GetErr         error
	ClearErr       error
	CheckHealthErr error

	Counts map[string]int64
	TTLs   map[string]time.Duration

	mu sync.Mutex
}

func NewMockCounter() *MockCounter {
	return &MockCounter{Counts: make(map[string]int64), TTLs: make(map[string]time.Duration)}
}

func (c *MockCounter) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	if c.IncrementErr != nil {
		return 0, c.IncrementErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Counts[key]++
	c.TTLs[key] = ttl
	return c.Counts[key], nil
}

func (c *MockCounter) Get(_ context.Context, key string) (int64, error) {
	if c.GetErr != nil {
		return 0, c.GetErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Counts[key], nil
}

func (c *MockCounter) CheckHealth(_ context.Context) error {
	return c.CheckHealthErr
}

func (c *MockCounter) Clear(_ context.Context, key string) error {
	if c.ClearErr != nil {
		return c.ClearErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Counts, key)
	delete(c.TTLs, key)
	return nil
}

// MockResetTokens implements the reset-token cache. TTLs are recorded, not enforced.
type MockResetTokens struct {
	PutErr     error
	DeleteErr  error
	ConsumeErr error

	Tokens map[string]string // keyed by email
	TTLs   map[string]time.Duration

	mu sync.Mutex
}

func NewMockResetTokens() *MockResetTokens {
	return &MockResetTokens{Tokens: make(map[string]string), TTLs: make(map[string]time.Duration)}
}

func (r *MockResetTokens) PutResetToken(_ context.Context, email, token string, ttl time.Duration) error {
	if r.PutErr != nil {
		return r.PutErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Tokens[email] = token
	r.TTLs[email] = ttl
	return nil
}

func (r *MockResetTokens) DeleteResetToken(_ context.Context, email string) error {
	if r.DeleteErr != nil {
		return r.DeleteErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.Tokens, email)
	return nil
}

func (r *MockResetTokens) ConsumeResetToken(_ context.Context, email, token string) (bool, error) {
	if r.ConsumeErr != nil {
		return false, r.ConsumeErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.Tokens[email]
	if !ok || stored != token {
		return false, nil
	}
	delete(r.Tokens, email)
	return true, nil
}

// SentMail is one message captured by MockMailer.
type SentMail struct {
	To        string
	Code      string
	Kind      mail.Kind
	ExpiresIn time.Duration
}

// MockMailer implements mail.Mailer and records every message.
type MockMailer struct {
	SendErr error
	Sent    []SentMail

	mu sync.Mutex
}

func (m *MockMailer) SendOTP(_ context.Context, toEmail, code string, kind mail.Kind, expiresIn time.Duration) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, SentMail{To: toEmail, Code: code, Kind: kind, ExpiresIn: expiresIn})
	return nil
}

// LastCode returns the most recent code sent to email, or "".
func (m *MockMailer) LastCode(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Sent) - 1; i >= 0; i-- {
		if m.Sent[i].To == email {
			return m.Sent[i].Code
		}
	}
	return ""
}

// MockProvider implements oauth.Provider with a canned identity or error.
type MockProvider struct {
	ProviderName string
	Identity     *oauth.Identity
	ExchangeErr  error

	// Captured from the last Exchange call.
	GotCode     string
	GotVerifier string
}

func (p *MockProvider) Name() string {
	if p.ProviderName == "" {
		return "google"
	}
	return p.ProviderName
}

func (p *MockProvider) AuthCodeURL(state, codeChallenge string) string {
	return fmt.Sprintf("https://accounts.example.test/auth?state=%s&code_challenge=%s", state, codeChallenge)
}

func (p *MockProvider) Exchange(_ context.Context, code, codeVerifier string) (*oauth.Identity, error) {
	p.GotCode, p.GotVerifier = code, codeVerifier
	if p.ExchangeErr != nil {
		return nil, p.ExchangeErr
	}
	if p.Identity == nil {
		return nil, &oauth.ProviderError{Provider: p.Name(), Code: oauth.CodeMissingIDToken, Err: errors.New("no identity configured")}
	}
	id := *p.Identity
	return &id, nil
}

// MockCaptcha implements captcha.Verifier.
type MockCaptcha struct {
	Err   error
	Calls int

	mu sync.Mutex
}

func (c *MockCaptcha) Verify(_ context.Context, _, _ string) error {
	c.mu.Lock()
	c.Calls++
	c.mu.Unlock()
	return c.Err
}

// Package audit records security-relevant actions and raises deduplicated flags from them.
//
// ledger.go -- append-only audit entries.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/yunhaverse/gatekeeper/internal/store"
)

// Appender defines the audit_logs operations the ledger needs.
// Satisfied by *store.PostgresStore.
type Appender interface {
	// AppendAudit inserts one entry, joining the transaction in ctx if any.
	AppendAudit(ctx context.Context, e *store.AuditEntry) error

	// ListAuditEntries returns newest entries first, optionally free-text filtered.
	ListAuditEntries(ctx context.Context, limit int, query string) ([]store.AuditEntry, error)
}

// Actor identifies who performed an action. All fields optional.
type Actor struct {
	UserID *uuid.UUID
	Email  *string
	Role   *string
}

// ActorFromUser builds an Actor from a user row; nil gives the zero Actor.
func ActorFromUser(u *store.User) Actor {
	if u == nil {
		return Actor{}
	}
	id, email, role := u.ID, u.Email, string(u.Role)
	return Actor{UserID: &id, Email: &email, Role: &role}
}

// ActorEmail is an Actor known only by the email it submitted.
func ActorEmail(email string) Actor {
	if email == "" {
		return Actor{}
	}
	return Actor{Email: &email}
}

// Entry is one action to record.
type Entry struct {
	Action     string
	EntityType string
	EntityID   *uuid.UUID
	Actor      Actor
	Before     map[string]any
	After      map[string]any
}

// Ledger writes audit entries.
type Ledger struct {
	store    Appender
	failures metric.Int64Counter
	Now      func() time.Time // nil means time.Now
}

// NewLedger returns a ledger over s. Write failures are counted on meter as
// audit.write_failures; a nil meter disables the metric.
func NewLedger(s Appender, meter metric.Meter) (*Ledger, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	failures, err := meter.Int64Counter("audit.write_failures",
		metric.WithDescription("Audit entries that could not be written"))
	if err != nil {
		return nil, fmt.Errorf("creating audit failure counter: %w", err)
	}
	return &Ledger{store: s, failures: failures}, nil
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Record appends e, stamping id, time, and the request's ip/user agent from ctx.
// A failed write is logged and counted, then returned: inside a transaction the caller
// should abort with it; outside one, the caller logs and carries on.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating audit id: %w", err)
	}

	row := &store.AuditEntry{
		ID:          id,
		Action:      e.Action,
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		ActorUserID: e.Actor.UserID,
		ActorEmail:  e.Actor.Email,
		ActorRole:   e.Actor.Role,
		Before:      e.Before,
		After:       e.After,
		CreatedAt:   l.now(),
	}
	if meta, ok := RequestMetaFrom(ctx); ok {
		row.IPAddress = nonEmpty(meta.IP)
		row.UserAgent = nonEmpty(meta.UserAgent)
	}

	if err := l.store.AppendAudit(ctx, row); err != nil {
		slog.Error("audit write failed", "action", e.Action, "entity_type", e.EntityType, "error", err)
		l.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("action", e.Action)))
		return fmt.Errorf("writing audit entry %s: %w", e.Action, err)
	}
	return nil
}

// Recent returns the newest entries first. limit is clamped to 1..50, 0 means 20.
// A non-empty query filters on action, actor email, entity, and ip.
func (l *Ledger) Recent(ctx context.Context, limit int, query string) ([]store.AuditEntry, error) {
	return l.store.ListAuditEntries(ctx, clamp(limit, 20, 50), query)
}

// clamp maps 0 to def and bounds everything else to 1..hi.
func clamp(n, def, hi int) int {
	switch {
	case n == 0:
		return def
	case n < 1:
		return 1
	case n > hi:
		return hi
	}
	return n
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// requestMetaKey carries RequestMeta through the context.
type requestMetaKey struct{}

// RequestMeta is the caller context stamped onto every entry.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// WithRequestMeta returns a ctx whose audit entries carry ip and userAgent.
func WithRequestMeta(ctx context.Context, ip, userAgent string) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, RequestMeta{IP: ip, UserAgent: userAgent})
}

// RequestMetaFrom returns the RequestMeta set by WithRequestMeta.
func RequestMetaFrom(ctx context.Context) (RequestMeta, bool) {
	m, ok := ctx.Value(requestMetaKey{}).(RequestMeta)
	return m, ok
}

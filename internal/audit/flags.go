// flags.go -- deduplicated security flags. open -> resolved, nothing else.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/yunhaverse/gatekeeper/internal/store"
)

// ErrFlagNotFound is returned by Resolve for an unknown id.
var ErrFlagNotFound = errors.New("audit flag not found")

// ErrFlagAlreadyResolved is returned by Resolve when there's nothing left to do.
// The flag returned alongside it is unchanged.
var ErrFlagAlreadyResolved = store.ErrFlagAlreadyResolved

// FlagStore defines the audit_flags operations the flagger needs.
// Satisfied by *store.PostgresStore.
type FlagStore interface {
	// OpenFlag inserts f unless a matching open flag exists since `since` (nil skips the check).
	OpenFlag(ctx context.Context, f *store.AuditFlag, since *time.Time) (bool, error)

	// ResolveFlag resolves an open flag. pgx.ErrNoRows for unknown ids.
	ResolveFlag(ctx context.Context, id uuid.UUID, resolvedBy *uuid.UUID, at time.Time) (*store.AuditFlag, error)

	// ListFlags returns newest first, optionally filtered by status.
	ListFlags(ctx context.Context, status *store.FlagStatus, limit int) ([]store.AuditFlag, error)

	// CountOpenFlags counts flags with status open.
	CountOpenFlags(ctx context.Context) (int, error)
}

// FlagRequest describes a flag to raise.
type FlagRequest struct {
	Title     string
	Details   string
	Severity  store.Severity
	CreatedBy *uuid.UUID

	// DedupeWindow overrides the Flagger default. Anything under an hour is treated as an hour.
	DedupeWindow time.Duration

	// Actor and Trigger go on the audit_flag.opened entry.
	Actor   Actor
	Trigger map[string]any
}

// Flagger opens, resolves, and lists audit flags.
type Flagger struct {
	Store        FlagStore
	Ledger       *Ledger
	DedupeWindow time.Duration    // default window, 12h when zero
	Now          func() time.Time // nil means time.Now
}

func (f *Flagger) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *Flagger) window(req FlagRequest) time.Duration {
	w := req.DedupeWindow
	if w == 0 {
		w = f.DedupeWindow
	}
	if w == 0 {
		w = 12 * time.Hour
	}
	if w < time.Hour {
		w = time.Hour
	}
	return w
}

// Open raises a flag unless an open one with the same title (and the same CreatedBy,
// when req has one) was created within the dedupe window. Returns nil, nil when deduplicated.
// On open it writes audit_flag.opened with req.Trigger; an audit failure is returned so a
// surrounding transaction can abort.
func (f *Flagger) Open(ctx context.Context, req FlagRequest) (*store.AuditFlag, error) {
	now := f.now()
	since := now.Add(-f.window(req))
	return f.insert(ctx, req, now, &since)
}

// Create raises a flag unconditionally (admin-filed flags skip deduplication).
func (f *Flagger) Create(ctx context.Context, req FlagRequest) (*store.AuditFlag, error) {
	return f.insert(ctx, req, f.now(), nil)
}

func (f *Flagger) insert(ctx context.Context, req FlagRequest, now time.Time, since *time.Time) (*store.AuditFlag, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating flag id: %w", err)
	}
	flag := &store.AuditFlag{
		ID:        id,
		Title:     req.Title,
		Severity:  req.Severity,
		Status:    store.FlagOpen,
		CreatedBy: req.CreatedBy,
		CreatedAt: now,
	}
	if req.Details != "" {
		flag.Details = &req.Details
	}

	opened, err := f.Store.OpenFlag(ctx, flag, since)
	if err != nil {
		return nil, fmt.Errorf("opening flag %q: %w", req.Title, err)
	}
	if !opened {
		return nil, nil
	}

	after := map[string]any{"title": flag.Title, "severity": string(flag.Severity)}
	for k, v := range req.Trigger {
		after[k] = v
	}
	err = f.Ledger.Record(ctx, Entry{
		Action:     ActionFlagOpened,
		EntityType: EntityFlag,
		EntityID:   &flag.ID,
		Actor:      req.Actor,
		After:      after,
	})
	return flag, err
}

// Resolve moves an open flag to resolved and audits it. Resolving an already-resolved
// flag returns ErrFlagAlreadyResolved with the untouched flag and writes nothing.
func (f *Flagger) Resolve(ctx context.Context, id uuid.UUID, actor Actor) (*store.AuditFlag, error) {
	flag, err := f.Store.ResolveFlag(ctx, id, actor.UserID, f.now())
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFlagNotFound
	}
	if errors.Is(err, store.ErrFlagAlreadyResolved) {
		return flag, ErrFlagAlreadyResolved
	}
	if err != nil {
		return nil, fmt.Errorf("resolving flag: %w", err)
	}

	err = f.Ledger.Record(ctx, Entry{
		Action:     ActionFlagResolved,
		EntityType: EntityFlag,
		EntityID:   &flag.ID,
		Actor:      actor,
		Before:     map[string]any{"status": string(store.FlagOpen)},
		After:      map[string]any{"status": string(store.FlagResolved)},
	})
	return flag, err
}

// List returns flags newest first plus the total open count.
// limit is clamped to 1..100, 0 means 20.
func (f *Flagger) List(ctx context.Context, status *store.FlagStatus, limit int) ([]store.AuditFlag, int, error) {
	flags, err := f.Store.ListFlags(ctx, status, clamp(limit, 20, 100))
	if err != nil {
		return nil, 0, fmt.Errorf("listing flags: %w", err)
	}
	open, err := f.Store.CountOpenFlags(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("counting open flags: %w", err)
	}
	return flags, open, nil
}

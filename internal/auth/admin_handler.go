// admin_handler.go -- Audit log and audit flag endpoints for admins.
// Routes are mounted behind RequireActor + RequireAdmin.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"

	"github.com/yunhaverse/gatekeeper/internal/audit"
	"github.com/yunhaverse/gatekeeper/internal/store"
)

type auditEntryView struct {
	ID          uuid.UUID      `json:"id"`
	Action      string         `json:"action"`
	EntityType  string         `json:"entity_type"`
	EntityID    *uuid.UUID     `json:"entity_id"`
	ActorUserID *uuid.UUID     `json:"actor_user_id"`
	ActorEmail  *string        `json:"actor_email"`
	ActorRole   *string        `json:"actor_role"`
	Before      map[string]any `json:"before"`
	After       map[string]any `json:"after"`
	IPAddress   *string        `json:"ip_address"`
	UserAgent   *string        `json:"user_agent"`
	CreatedAt   time.Time      `json:"created_at"`
}

func newAuditEntryView(e store.AuditEntry) auditEntryView {
	return auditEntryView{
		ID:          e.ID,
		Action:      e.Action,
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		ActorUserID: e.ActorUserID,
		ActorEmail:  e.ActorEmail,
		ActorRole:   e.ActorRole,
		Before:      e.Before,
		After:       e.After,
		IPAddress:   e.IPAddress,
		UserAgent:   e.UserAgent,
		CreatedAt:   e.CreatedAt,
	}
}

type flagView struct {
	ID         uuid.UUID  `json:"id"`
	Title      string     `json:"title"`
	Details    *string    `json:"details"`
	Severity   string     `json:"severity"`
	Status     string     `json:"status"`
	CreatedBy  *uuid.UUID `json:"created_by"`
	ResolvedBy *uuid.UUID `json:"resolved_by"`
	ResolvedAt *time.Time `json:"resolved_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

func newFlagView(f store.AuditFlag) flagView {
	return flagView{
		ID:         f.ID,
		Title:      f.Title,
		Details:    f.Details,
		Severity:   string(f.Severity),
		Status:     string(f.Status),
		CreatedBy:  f.CreatedBy,
		ResolvedBy: f.ResolvedBy,
		ResolvedAt: f.ResolvedAt,
		CreatedAt:  f.CreatedAt,
	}
}

// queryInt parses an integer query param; anything unparseable is 0 (the default).
func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

// ListAuditLogs handles GET /admin/audit-logs?limit&q: newest entries first.
func (h *AuthHandler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Ledger.Recent(r.Context(), queryInt(r, "limit"), strings.TrimSpace(r.URL.Query().Get("q")))
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	items := make([]auditEntryView, 0, len(entries))
	for _, e := range entries {
		items = append(items, newAuditEntryView(e))
	}
	writeJSON(w, http.StatusOK, struct {
		Items []auditEntryView `json:"items"`
	}{items})
}

// ListFlags handles GET /admin/audit-flags?status&limit. Status defaults to open; any value
// other than open or resolved lists every flag. open_count ignores the filter.
func (h *AuthHandler) ListFlags(w http.ResponseWriter, r *http.Request) {
	var status *store.FlagStatus
	switch s := store.FlagStatus(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))); s {
	case "", store.FlagOpen:
		open := store.FlagOpen
		status = &open
	case store.FlagResolved:
		status = &s
	}

	flags, openCount, err := h.Flags.List(r.Context(), status, queryInt(r, "limit"))
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	items := make([]flagView, 0, len(flags))
	for _, f := range flags {
		items = append(items, newFlagView(f))
	}
	writeJSON(w, http.StatusOK, struct {
		Items     []flagView `json:"items"`
		OpenCount int        `json:"open_count"`
	}{items, openCount})
}

// createFlagInput is an admin-filed flag.
type createFlagInput struct {
	Title    string `json:"title" validate:"required,max=200"`
	Details  string `json:"details" validate:"max=3000"`
	Severity string `json:"severity" validate:"required,oneof=low medium high critical"`
}

// CreateFlag handles POST /admin/audit-flags: files a flag by hand. No deduplication.
func (h *AuthHandler) CreateFlag(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("create flag: missing actor context"))
		return
	}

	var in createFlagInput
	if !decodeJSON(w, r, &in) {
		return
	}
	in.Title = strings.TrimSpace(in.Title)
	in.Details = strings.TrimSpace(in.Details)
	in.Severity = strings.ToLower(strings.TrimSpace(in.Severity))
	if err := validate.Struct(in); err != nil {
		BadRequest(w, validationMessage(err))
		return
	}

	var flag *store.AuditFlag
	err := h.PS.InTx(r.Context(), func(ctx context.Context) error {
		f, err := h.Flags.Create(ctx, audit.FlagRequest{
			Title:     in.Title,
			Details:   in.Details,
			Severity:  store.Severity(in.Severity),
			CreatedBy: &actor.ID,
			Actor:     audit.ActorFromUser(actor),
			Trigger:   map[string]any{"trigger": "manual"},
		})
		flag = f
		return err
	})
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	logInfo(r, "audit flag created", "flag_id", flag.ID, "actor_id", actor.ID)
	writeJSON(w, http.StatusCreated, struct {
		Message string    `json:"message"`
		ID      uuid.UUID `json:"id"`
	}{"Audit flag created.", flag.ID})
}

// ResolveFlag handles POST /admin/audit-flags/{id}/resolve. Idempotent: resolving twice
// answers 200 and writes nothing the second time.
func (h *AuthHandler) ResolveFlag(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("resolve flag: missing actor context"))
		return
	}
	id, err := uuid.FromString(chi.URLParam(r, "id"))
	if err != nil {
		NotFound(w, "Audit flag not found.")
		return
	}

	err = h.PS.InTx(r.Context(), func(ctx context.Context) error {
		_, err := h.Flags.Resolve(ctx, id, audit.ActorFromUser(actor))
		return err
	})
	switch {
	case err == nil:
		logInfo(r, "audit flag resolved", "flag_id", id, "actor_id", actor.ID)
		OK(w, "Audit flag resolved.")
	case errors.Is(err, audit.ErrFlagNotFound):
		NotFound(w, "Audit flag not found.")
	case errors.Is(err, audit.ErrFlagAlreadyResolved):
		OK(w, "Audit flag already resolved.")
	default:
		InternalServerError(w, r, err)
	}
}

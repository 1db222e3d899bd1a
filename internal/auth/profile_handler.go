// profile_handler.go -- Profile edits by a user or an admin, with flag triggers.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/yunhaverse/gatekeeper/internal/audit"
	"github.com/yunhaverse/gatekeeper/internal/store"
)

// Flag titles raised from profile edits.
const (
	SuspiciousChangeFlagTitle = "Suspicious role/status change attempt"
	AdminProfileFlagTitle     = "Profile changed by admin"
)

// adminProfileDedupe overrides the default window for admin edit flags.
const adminProfileDedupe = 2 * time.Hour

type profileInput struct {
	FirstName string  `json:"first_name" validate:"required,max=120"`
	LastName  string  `json:"last_name" validate:"required,max=120"`
	Birthdate string  `json:"birthdate" validate:"omitempty,datetime=2006-01-02"`
	Role      *string `json:"role"`
	Status    *string `json:"status"`
}

// UpdateProfile handles PATCH /users/{id}/profile. Members may edit only themselves and
// never their role or status; an attempt opens a critical flag and the fields are ignored.
// Admins may edit anyone, including role and status.
func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("update profile: missing actor context"))
		return
	}

	targetID, err := uuid.FromString(chi.URLParam(r, "id"))
	if err != nil {
		NotFound(w, "User not found.")
		return
	}
	target, err := h.PS.GetUserByID(r.Context(), targetID)
	if errors.Is(err, pgx.ErrNoRows) {
		NotFound(w, "User not found.")
		return
	}
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	isAdmin := actor.Role == store.RoleAdmin
	if !isAdmin && actor.ID != target.ID {
		logWarn(r, "profile update denied", "actor_id", actor.ID, "target_id", target.ID)
		Forbidden(w, "Forbidden.")
		return
	}

	var in profileInput
	if !decodeJSON(w, r, &in) {
		return
	}
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Birthdate = strings.TrimSpace(in.Birthdate)

	roleChange := changedTo(in.Role, string(target.Role))
	statusChange := changedTo(in.Status, string(target.Status))
	if !isAdmin && (roleChange != "" || statusChange != "") {
		h.flagPrivilegedAttempt(r, actor, target, roleChange, statusChange)
		roleChange, statusChange = "", ""
	}

	if err := validate.Struct(in); err != nil {
		BadRequest(w, validationMessage(err))
		return
	}

	update := store.ProfileUpdate{FirstName: in.FirstName, LastName: in.LastName}
	if in.Birthdate != "" {
		bd, err := time.Parse(time.DateOnly, in.Birthdate)
		if err != nil {
			BadRequest(w, "Invalid birthdate.")
			return
		}
		update.Birthdate = &bd
	}
	if roleChange != "" {
		role, ok := store.ParseRole(roleChange)
		if !ok {
			BadRequest(w, "role must be one of: member, admin.")
			return
		}
		update.Role = &role
	}
	if statusChange != "" {
		status, ok := store.ParseStatus(statusChange)
		if !ok {
			BadRequest(w, "status must be one of: pending, active, suspended.")
			return
		}
		update.Status = &status
	}

	before, after := profileDiff(target, update)
	if len(after) == 0 {
		OK(w, "No changes made.")
		return
	}

	err = h.PS.InTx(r.Context(), func(ctx context.Context) error {
		if _, err := h.PS.UpdateProfile(ctx, target.ID, update); err != nil {
			return fmt.Errorf("updating profile: %w", err)
		}
		err := h.Ledger.Record(ctx, audit.Entry{
			Action:     audit.ActionProfileUpdated,
			EntityType: audit.EntityUser,
			EntityID:   &target.ID,
			Actor:      audit.ActorFromUser(actor),
			Before:     before,
			After:      after,
		})
		if err != nil {
			return err
		}
		if !isAdmin || actor.ID == target.ID {
			return nil
		}
		_, err = h.Flags.Open(ctx, audit.FlagRequest{
			Title:        AdminProfileFlagTitle,
			Details:      fmt.Sprintf("Admin profile fields changed for user %s by admin %s.", target.Email, actor.Email),
			Severity:     store.SeverityMedium,
			CreatedBy:    &actor.ID,
			DedupeWindow: adminProfileDedupe,
			Actor:        audit.ActorFromUser(actor),
			Trigger: map[string]any{
				"trigger":        "profile_change_by_admin",
				"target_user_id": target.ID.String(),
			},
		})
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		NotFound(w, "User not found.")
		return
	}
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	logInfo(r, "profile updated", "actor_id", actor.ID, "target_id", target.ID)
	OK(w, "Profile updated.")
}

// flagPrivilegedAttempt opens the critical flag for a member touching role or status.
// It commits on its own: the attempt is recorded even if the rest of the request fails.
func (h *AuthHandler) flagPrivilegedAttempt(r *http.Request, actor, target *store.User, role, status string) {
	var parts []string
	if role != "" {
		parts = append(parts, "role="+role)
	}
	if status != "" {
		parts = append(parts, "status="+status)
	}
	details := fmt.Sprintf("User %s profile update attempted privileged fields: %s", target.Email, strings.Join(parts, ", "))

	err := h.PS.InTx(r.Context(), func(ctx context.Context) error {
		_, err := h.Flags.Open(ctx, audit.FlagRequest{
			Title:     SuspiciousChangeFlagTitle,
			Details:   details,
			Severity:  store.SeverityCritical,
			CreatedBy: &actor.ID,
			Actor:     audit.ActorFromUser(actor),
			Trigger: map[string]any{
				"trigger": "suspicious_role_status_change",
				"details": details,
			},
		})
		return err
	})
	if err != nil {
		logError(r, "failed to open suspicious change flag", "error", err)
	}
	logWarn(r, "privileged profile fields ignored", "actor_id", actor.ID, "target_id", target.ID)
}

// changedTo returns the normalized requested value when it differs from current, else "".
func changedTo(requested *string, current string) string {
	if requested == nil {
		return ""
	}
	v := strings.ToLower(strings.TrimSpace(*requested))
	if v == "" || v == strings.ToLower(current) {
		return ""
	}
	return v
}

// profileDiff returns before/after snapshots of only the fields that change.
func profileDiff(u *store.User, p store.ProfileUpdate) (map[string]any, map[string]any) {
	before, after := map[string]any{}, map[string]any{}
	add := func(key string, from, to any) {
		if from != to {
			before[key], after[key] = from, to
		}
	}
	add("first_name", deref(u.FirstName), p.FirstName)
	add("last_name", deref(u.LastName), p.LastName)
	add("birthdate", dateOrNil(u.Birthdate), dateOrNil(p.Birthdate))
	if p.Role != nil {
		add("role", string(u.Role), string(*p.Role))
	}
	if p.Status != nil {
		add("status", string(u.Status), string(*p.Status))
	}
	return before, after
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// dateOrNil formats d as YYYY-MM-DD, or nil for no date.
func dateOrNil(d *time.Time) any {
	if d == nil {
		return nil
	}
	return d.Format(time.DateOnly)
}

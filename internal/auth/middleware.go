// middleware.go

// Request metadata and actor authorization middleware.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/yunhaverse/gatekeeper/internal/audit"
	"github.com/yunhaverse/gatekeeper/internal/store"
)

// ActorHeader carries the operator's user id, set by the gateway that authenticated them.
const ActorHeader = "X-Actor-ID"

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const actorKey contextKey = "actor"

// ActorFromContext retrieves the acting user loaded by RequireActor.
// Returns nil and false if RequireActor hasn't run.
func ActorFromContext(ctx context.Context) (*store.User, bool) {
	u, ok := ctx.Value(actorKey).(*store.User)
	return u, ok
}

// RequestMeta stamps the caller's ip and user agent into the context so every audit entry
// written while serving the request carries them.
func RequestMeta(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := audit.WithRequestMeta(r.Context(), clientIP(r), r.UserAgent())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireActor loads the user named by X-Actor-ID. Role and status come from the store,
// never from the request. Unknown actors get 401, suspended ones 403.
//
// The header is trusted as is: the service must only be reachable through the
// authenticating gateway, which strips any client-supplied X-Actor-ID and sets its own.
func (h *AuthHandler) RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(ActorHeader))
		if raw == "" {
			logWarn(r, "require actor failed", "reason", "missing_actor_header")
			Unauthorized(w, "Unauthorized.")
			return
		}
		id, err := uuid.FromString(raw)
		if err != nil {
			logWarn(r, "require actor failed", "reason", "invalid_actor_id")
			Unauthorized(w, "Unauthorized.")
			return
		}

		actor, err := h.PS.GetUserByID(r.Context(), id)
		if errors.Is(err, pgx.ErrNoRows) {
			logWarn(r, "require actor failed", "reason", "unknown_actor", "actor_id", id)
			Unauthorized(w, "Unauthorized.")
			return
		}
		if err != nil {
			InternalServerError(w, r, err)
			return
		}
		if actor.Status == store.StatusSuspended {
			logWarn(r, "require actor failed", "reason", "actor_suspended", "actor_id", id)
			Forbidden(w, "Forbidden.")
			return
		}

		ctx := context.WithValue(r.Context(), actorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin rejects actors without the admin role. Must run after RequireActor.
func (h *AuthHandler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		if !ok {
			InternalServerError(w, r, errors.New("require admin: missing actor context"))
			return
		}
		if actor.Role != store.RoleAdmin {
			logWarn(r, "admin access denied", "actor_id", actor.ID)
			Forbidden(w, "Admin access required.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

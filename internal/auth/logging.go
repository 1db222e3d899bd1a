// logging.go -- slog helpers that stamp each line with the request's context.
//
// Codes, reset tokens, and passwords are never passed to these helpers.
package auth

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// reqAttrs collects the request id, client address, route, and the acting user when
// RequireActor has loaded one.
func reqAttrs(r *http.Request) []any {
	attrs := []any{
		"ip", clientIP(r),
		"user_agent", r.UserAgent(),
		"method", r.Method,
		"path", r.URL.Path,
	}
	if id := middleware.GetReqID(r.Context()); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	if actor, ok := ActorFromContext(r.Context()); ok {
		attrs = append(attrs, "actor_id", actor.ID.String())
	}
	return attrs
}

func logInfo(r *http.Request, msg string, args ...any) {
	slog.Info(msg, append(reqAttrs(r), args...)...)
}

func logWarn(r *http.Request, msg string, args ...any) {
	slog.Warn(msg, append(reqAttrs(r), args...)...)
}

func logError(r *http.Request, msg string, args ...any) {
	slog.Error(msg, append(reqAttrs(r), args...)...)
}

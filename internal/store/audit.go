// audit.go -- audit_logs and audit_flags queries.
//
// audit_logs is append-only: this file has an INSERT and a SELECT for it, nothing else.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// AppendAudit inserts one audit entry. Joins the transaction in ctx if there is one,
// so the entry commits or rolls back with the mutation it describes.
func (s *PostgresStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	_, err := s.q(ctx).Exec(ctx,
		`INSERT INTO audit_logs (id, action, entity_type, entity_id, actor_user_id, actor_email,
			actor_role, before_data, after_data, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.Action, e.EntityType, e.EntityID, e.ActorUserID, e.ActorEmail,
		e.ActorRole, snapshot(e.Before), snapshot(e.After), e.IPAddress, e.UserAgent, e.CreatedAt)
	return err
}

// snapshot maps an empty map to SQL NULL.
func snapshot(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return m
}

const auditColumns = `id, action, entity_type, entity_id, actor_user_id, actor_email,
	actor_role, before_data, after_data, ip_address, user_agent, created_at`

// ListAuditEntries returns the newest entries first. A non-empty query is matched
// case-insensitively against action, actor email, entity type, entity id, and ip.
func (s *PostgresStore) ListAuditEntries(ctx context.Context, limit int, query string) ([]AuditEntry, error) {
	query = strings.TrimSpace(query)
	rows, err := s.q(ctx).Query(ctx,
		`SELECT `+auditColumns+` FROM audit_logs
		WHERE $2 = ''
			OR action ILIKE $3 OR actor_email ILIKE $3 OR entity_type ILIKE $3
			OR entity_id::text ILIKE $3 OR ip_address ILIKE $3
		ORDER BY created_at DESC, id DESC
		LIMIT $1`,
		limit, query, "%"+escapeLike(query)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(
			&e.ID, &e.Action, &e.EntityType, &e.EntityID, &e.ActorUserID, &e.ActorEmail,
			&e.ActorRole, &e.Before, &e.After, &e.IPAddress, &e.UserAgent, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// escapeLike escapes LIKE wildcards so user input matches literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

const flagColumns = `id, title, details, severity, status, created_by, resolved_by, resolved_at, created_at`

func scanFlag(row pgx.Row) (*AuditFlag, error) {
	var f AuditFlag
	err := row.Scan(&f.ID, &f.Title, &f.Details, &f.Severity, &f.Status,
		&f.CreatedBy, &f.ResolvedBy, &f.ResolvedAt, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// OpenFlag inserts f as an open flag. When since is non-nil, the insert is skipped (and
// false returned) if an open flag with the same title, and the same created_by when f has
// one, was created at or after since.
// Check and insert run under a transaction-scoped advisory lock on the title, so two
// concurrent opens of the same flag can't both insert.
func (s *PostgresStore) OpenFlag(ctx context.Context, f *AuditFlag, since *time.Time) (bool, error) {
	opened := false
	err := s.InTx(ctx, func(ctx context.Context) error {
		if since != nil {
			if _, err := s.q(ctx).Exec(ctx,
				"SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", f.Title); err != nil {
				return err
			}
			var exists bool
			err := s.q(ctx).QueryRow(ctx,
				`SELECT EXISTS(
					SELECT 1 FROM audit_flags
					WHERE status = 'open' AND title = $1
						AND ($2::uuid IS NULL OR created_by = $2)
						AND created_at >= $3
				)`,
				f.Title, f.CreatedBy, *since).Scan(&exists)
			if err != nil {
				return err
			}
			if exists {
				return nil
			}
		}

		_, err := s.q(ctx).Exec(ctx,
			`INSERT INTO audit_flags (id, title, details, severity, status, created_by, created_at)
			VALUES ($1, $2, $3, $4, 'open', $5, $6)`,
			f.ID, f.Title, f.Details, f.Severity, f.CreatedBy, f.CreatedAt)
		if err != nil {
			return err
		}
		opened = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if opened {
		f.Status = FlagOpen
	}
	return opened, nil
}

// ResolveFlag moves an open flag to resolved. Returns pgx.ErrNoRows for an unknown id and
// ErrFlagAlreadyResolved (with the unchanged row) when it was already resolved.
func (s *PostgresStore) ResolveFlag(ctx context.Context, id uuid.UUID, resolvedBy *uuid.UUID, at time.Time) (*AuditFlag, error) {
	var out *AuditFlag
	err := s.InTx(ctx, func(ctx context.Context) error {
		f, err := scanFlag(s.q(ctx).QueryRow(ctx,
			"SELECT "+flagColumns+" FROM audit_flags WHERE id = $1 FOR UPDATE", id))
		if err != nil {
			return err
		}
		if f.Status == FlagResolved {
			out = f
			return ErrFlagAlreadyResolved
		}
		out, err = scanFlag(s.q(ctx).QueryRow(ctx,
			`UPDATE audit_flags SET status = 'resolved', resolved_by = $2, resolved_at = $3
			WHERE id = $1 RETURNING `+flagColumns,
			id, resolvedBy, at))
		return err
	})
	if errors.Is(err, ErrFlagAlreadyResolved) {
		return out, err
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListFlags returns the newest flags first, optionally filtered by status.
func (s *PostgresStore) ListFlags(ctx context.Context, status *FlagStatus, limit int) ([]AuditFlag, error) {
	rows, err := s.q(ctx).Query(ctx,
		`SELECT `+flagColumns+` FROM audit_flags
		WHERE $1::text IS NULL OR status = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flags []AuditFlag
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, err
		}
		flags = append(flags, *f)
	}
	return flags, rows.Err()
}

// CountOpenFlags returns how many flags are still open.
func (s *PostgresStore) CountOpenFlags(ctx context.Context) (int, error) {
	var n int
	err := s.q(ctx).QueryRow(ctx, "SELECT count(*) FROM audit_flags WHERE status = 'open'").Scan(&n)
	return n, err
}

package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AppendAudit writes one audit log line
func (s *Storage) AppendAudit(ctx context.Context, entry AuditEntry) error {
	return s.insertAudit(ctx, s.db, entry)
}

func (s *Storage) insertAudit(ctx context.Context, ex execer, entry AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.LoggedAt.IsZero() {
		entry.LoggedAt = time.Now().UTC()
	}

	_, err := ex.ExecContext(ctx, s.rebind(
		"INSERT INTO audit_log (id, user_id, logged_at, message) VALUES (?, ?, ?, ?)"),
		entry.ID, entry.UserID, toDB(entry.LoggedAt), entry.Message,
	)
	return err
}

// AuditEntries returns the newest audit lines across all users
func (s *Storage) AuditEntries(ctx context.Context, limit int) ([]AuditEntry, error) {
	return s.queryAudit(ctx,
		"SELECT id, user_id, logged_at, message FROM audit_log ORDER BY logged_at DESC, id LIMIT ?", limit)
}

// AuditForUser returns the newest audit lines of one user
func (s *Storage) AuditForUser(ctx context.Context, userID int64, limit int) ([]AuditEntry, error) {
	return s.queryAudit(ctx,
		"SELECT id, user_id, logged_at, message FROM audit_log WHERE user_id = ? ORDER BY logged_at DESC, id LIMIT ?",
		userID, limit)
}

func (s *Storage) queryAudit(ctx context.Context, query string, args ...any) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var loggedAt int64
		if err := rows.Scan(&e.ID, &e.UserID, &loggedAt, &e.Message); err != nil {
			return nil, err
		}
		e.LoggedAt = fromDB(loggedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/blackmichael/adgate/internal/domain"
)

// AppendAttempt inserts an attempt record.
func (r *Repository) AppendAttempt(ctx context.Context, rec *domain.AttemptRecord) error {
	return insertAttempt(ctx, r.db, rec)
}

// CountAttempts counts open records of the listing with one of the actions
// created at or after since.
func (r *Repository) CountAttempts(ctx context.Context, listingID string, actions []domain.Action, since time.Time) (int, error) {
	if len(actions) == 0 {
		return 0, nil
	}
	args := []any{listingID, since.UnixNano()}
	marks := make([]string, len(actions))
	for i, a := range actions {
		marks[i] = "?"
		args = append(args, string(a))
	}
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT count(*) FROM attempt_records
		WHERE listing_id = ? AND archived_at IS NULL AND created_at >= ?
			AND action IN (`+strings.Join(marks, ", ")+`)`,
		args...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count attempts for %s: %w", listingID, err)
	}
	return n, nil
}

// ArchiveAttempts tags every open record of the listing as archived.
func (r *Repository) ArchiveAttempts(ctx context.Context, listingID string, at time.Time, reason string) (int64, error) {
	return archiveAttempts(ctx, r.db, listingID, at, reason)
}

// ListAttempts returns the listing's full history, oldest first.
func (r *Repository) ListAttempts(ctx context.Context, listingID string) ([]domain.AttemptRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, listing_id, action, status, reason, moderator, details, created_at, archived_at, archive_reason
		FROM attempt_records
		WHERE listing_id = ?
		ORDER BY created_at, rowid`,
		listingID,
	)
	if err != nil {
		return nil, fmt.Errorf("query attempts for %s: %w", listingID, err)
	}
	defer rows.Close()

	var recs []domain.AttemptRecord
	for rows.Next() {
		var (
			rec        domain.AttemptRecord
			moderator  sql.NullString
			details    string
			createdAt  int64
			archivedAt sql.NullInt64
		)
		err := rows.Scan(
			&rec.ID, &rec.ListingID, &rec.Action, &rec.Status, &rec.Reason,
			&moderator, &details, &createdAt, &archivedAt, &rec.ArchiveReason,
		)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if err := json.Unmarshal([]byte(details), &rec.Details); err != nil {
			return nil, fmt.Errorf("decode attempt details %s: %w", rec.ID, err)
		}
		if moderator.Valid {
			rec.Moderator = &moderator.String
		}
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		rec.ArchivedAt = fromNullNanos(archivedAt)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return recs, nil
}

func insertAttempt(ctx context.Context, e execer, rec *domain.AttemptRecord) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("encode attempt details: %w", err)
	}
	_, err = e.ExecContext(ctx, `
		INSERT INTO attempt_records (id, listing_id, action, status, reason, moderator, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ListingID, string(rec.Action), string(rec.Status), rec.Reason, rec.Moderator,
		string(details), rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert attempt %s: %w", rec.ID, err)
	}
	return nil
}

func archiveAttempts(ctx context.Context, e execer, listingID string, at time.Time, reason string) (int64, error) {
	res, err := e.ExecContext(ctx, `
		UPDATE attempt_records SET archived_at = ?, archive_reason = ?
		WHERE listing_id = ? AND archived_at IS NULL`,
		at.UnixNano(), reason, listingID,
	)
	if err != nil {
		return 0, fmt.Errorf("archive attempts for %s: %w", listingID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

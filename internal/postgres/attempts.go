package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/blackmichael/adgate/internal/domain"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendAttempt inserts an attempt record.
func (r *Repository) AppendAttempt(ctx context.Context, rec *domain.AttemptRecord) error {
	return insertAttempt(ctx, r.db, rec)
}

// CountAttempts counts open records of the listing with one of the actions
// created at or after since.
func (r *Repository) CountAttempts(ctx context.Context, listingID string, actions []domain.Action, since time.Time) (int, error) {
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a)
	}
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT count(*) FROM attempt_records
		WHERE listing_id = $1 AND archived_at IS NULL AND action = ANY($2) AND created_at >= $3`,
		listingID, pq.Array(names), since,
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
		WHERE listing_id = $1
		ORDER BY created_at, id`,
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
			details    []byte
			archivedAt sql.NullTime
		)
		err := rows.Scan(
			&rec.ID, &rec.ListingID, &rec.Action, &rec.Status, &rec.Reason,
			&moderator, &details, &rec.CreatedAt, &archivedAt, &rec.ArchiveReason,
		)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if err := json.Unmarshal(details, &rec.Details); err != nil {
			return nil, fmt.Errorf("decode attempt details %s: %w", rec.ID, err)
		}
		if moderator.Valid {
			rec.Moderator = &moderator.String
		}
		if archivedAt.Valid {
			t := archivedAt.Time
			rec.ArchivedAt = &t
		}
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.ListingID, rec.Action, rec.Status, rec.Reason, rec.Moderator, details, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attempt %s: %w", rec.ID, err)
	}
	return nil
}

func archiveAttempts(ctx context.Context, e execer, listingID string, at time.Time, reason string) (int64, error) {
	res, err := e.ExecContext(ctx, `
		UPDATE attempt_records SET archived_at = $2, archive_reason = $3
		WHERE listing_id = $1 AND archived_at IS NULL`,
		listingID, at, reason,
	)
	if err != nil {
		return 0, fmt.Errorf("archive attempts for %s: %w", listingID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

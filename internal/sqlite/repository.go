// Package sqlite is a single-file store for development and tests. It
// implements the same repositories as the postgres package.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/blackmichael/adgate/internal/domain"
)

//go:embed schema.sql
var schema string

// Repository stores listings, accounts, attempts and cursors in SQLite.
// Timestamps are stored as unix nanoseconds.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository opens the database at path and applies the schema. Use
// ":memory:" for a throwaway database.
func NewRepository(ctx context.Context, path string) (*Repository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: serializes writers and keeps in-memory databases alive.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Repository{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the underlying database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping reports whether the database is usable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

const listingColumns = `id, account_id, owner_id, title, description, price, attributes,
	status, is_validated, moderated_by, moderated_at, moderation_reason, quota_held, version, updated_at`

// GetListing retrieves a listing by id.
func (r *Repository) GetListing(ctx context.Context, id string) (*domain.Listing, error) {
	var (
		l           domain.Listing
		attrs       string
		moderatedBy sql.NullString
		moderatedAt sql.NullInt64
		updatedAt   int64
	)
	err := r.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = ?`, id).Scan(
		&l.ID, &l.AccountID, &l.OwnerID, &l.Title, &l.Description, &l.Price, &attrs,
		&l.Status, &l.IsValidated, &moderatedBy, &moderatedAt, &l.ModerationReason, &l.QuotaHeld, &l.Version, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrListingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get listing %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(attrs), &l.Attributes); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	if moderatedBy.Valid {
		l.ModeratedBy = &moderatedBy.String
	}
	l.ModeratedAt = fromNullNanos(moderatedAt)
	l.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &l, nil
}

// UpsertListing inserts a listing or refreshes the content of an existing
// one, leaving its moderation fields alone.
func (r *Repository) UpsertListing(ctx context.Context, l *domain.Listing) error {
	attrs, err := json.Marshal(l.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	status := l.Status
	if status == "" {
		status = domain.StatusDraft
	}
	updatedAt := r.now()
	if !l.UpdatedAt.IsZero() {
		updatedAt = l.UpdatedAt
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO listings (id, account_id, owner_id, title, description, price, attributes, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			account_id = excluded.account_id, owner_id = excluded.owner_id, title = excluded.title,
			description = excluded.description, price = excluded.price, attributes = excluded.attributes,
			version = listings.version + 1, updated_at = excluded.updated_at`,
		l.ID, l.AccountID, l.OwnerID, l.Title, l.Description, l.Price, string(attrs), string(status), updatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert listing %s: %w", l.ID, err)
	}
	return nil
}

// ApplyTransition performs the transition in a single transaction.
func (r *Repository) ApplyTransition(ctx context.Context, t domain.Transition) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	accountID, err := checkVersion(ctx, tx, t.ListingID, t.ExpectedVersion)
	if err != nil {
		return err
	}
	if t.QuotaLimit > 0 {
		if err := checkQuota(ctx, tx, accountID, t.ListingID, t.QuotaLimit); err != nil {
			return err
		}
	}
	if err := r.writeChange(ctx, tx, t.ListingID, t.ExpectedVersion, t.Change); err != nil {
		return err
	}
	if t.ArchivePrior {
		if _, err := archiveAttempts(ctx, tx, t.ListingID, r.now(), t.ArchiveReason); err != nil {
			return err
		}
	}
	if t.Attempt != nil {
		if err := insertAttempt(ctx, tx, t.Attempt); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// UpdateContent stores an owner edit and, if the quota guard passes, the
// accompanying status change.
func (r *Repository) UpdateContent(ctx context.Context, u domain.ContentUpdate) error {
	attrs, err := json.Marshal(u.Edit.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	accountID, err := checkVersion(ctx, tx, u.Edit.ListingID, u.ExpectedVersion)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE listings SET title = ?, description = ?, price = ?, attributes = ?,
			version = version + 1, updated_at = ?
		WHERE id = ?`,
		u.Edit.Title, u.Edit.Description, u.Edit.Price, string(attrs), r.now().UnixNano(), u.Edit.ListingID,
	)
	if err != nil {
		return fmt.Errorf("update listing content: %w", err)
	}

	var quotaErr error
	if u.QuotaLimit > 0 {
		quotaErr = checkQuota(ctx, tx, accountID, u.Edit.ListingID, u.QuotaLimit)
		if quotaErr != nil && !errors.Is(quotaErr, domain.ErrQuotaExceeded) {
			return quotaErr
		}
	}
	if quotaErr == nil {
		if err := r.writeChange(ctx, tx, u.Edit.ListingID, u.ExpectedVersion+1, u.Change); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return quotaErr
}

// ListPendingBefore returns pending and quota-held listings not touched
// since before.
func (r *Repository) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM listings
		WHERE (status = ? OR quota_held = 1) AND updated_at < ?
		ORDER BY updated_at
		LIMIT ?`,
		string(domain.StatusPending), before.UnixNano(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending listings: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan listing id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetAccount retrieves an account by id.
func (r *Repository) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	var a domain.Account
	err := r.db.QueryRowContext(ctx,
		`SELECT id, tier, bypass_moderation FROM accounts WHERE id = ?`, id,
	).Scan(&a.ID, &a.Tier, &a.BypassModeration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return &a, nil
}

// UpsertAccount inserts or updates an account.
func (r *Repository) UpsertAccount(ctx context.Context, a *domain.Account) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, tier, bypass_moderation, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET tier = excluded.tier,
			bypass_moderation = excluded.bypass_moderation, updated_at = excluded.updated_at`,
		a.ID, string(a.Tier), a.BypassModeration, r.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", a.ID, err)
	}
	return nil
}

// CountActiveLikeListings counts the account's listings in a quota status.
func (r *Repository) CountActiveLikeListings(ctx context.Context, accountID, excludeListingID string) (int, error) {
	return countQuota(ctx, r.db, accountID, excludeListingID)
}

// GetCursor retrieves the saved stream cursor for a consumer.
func (r *Repository) GetCursor(ctx context.Context, consumer string) (int64, error) {
	var cursor int64
	err := r.db.QueryRowContext(ctx,
		`SELECT cursor_value FROM cursors WHERE consumer = ?`, consumer,
	).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return cursor, err
}

// UpdateCursor upserts the stream cursor for a consumer.
func (r *Repository) UpdateCursor(ctx context.Context, consumer string, cursor int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cursors (consumer, cursor_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (consumer) DO UPDATE SET cursor_value = excluded.cursor_value, updated_at = excluded.updated_at`,
		consumer, cursor, r.now().UnixNano(),
	)
	return err
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func checkVersion(ctx context.Context, tx *sql.Tx, id string, expected int64) (string, error) {
	var (
		accountID string
		version   int64
	)
	err := tx.QueryRowContext(ctx, `SELECT account_id, version FROM listings WHERE id = ?`, id).Scan(&accountID, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrListingNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read listing %s: %w", id, err)
	}
	if version != expected {
		return "", domain.ErrStatusConflict
	}
	return accountID, nil
}

func checkQuota(ctx context.Context, tx *sql.Tx, accountID, listingID string, limit int) error {
	n, err := countQuota(ctx, tx, accountID, listingID)
	if err != nil {
		return err
	}
	if n >= limit {
		return domain.ErrQuotaExceeded
	}
	return nil
}

func countQuota(ctx context.Context, q querier, accountID, excludeListingID string) (int, error) {
	args := []any{accountID, excludeListingID}
	marks := make([]string, len(domain.QuotaStatuses))
	for i, s := range domain.QuotaStatuses {
		marks[i] = "?"
		args = append(args, string(s))
	}
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT count(*) FROM listings
		WHERE account_id = ? AND id <> ? AND status IN (`+strings.Join(marks, ", ")+`)`,
		args...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count quota listings for %s: %w", accountID, err)
	}
	return n, nil
}

func (r *Repository) writeChange(ctx context.Context, tx *sql.Tx, id string, version int64, c domain.StatusChange) error {
	var moderatedAt sql.NullInt64
	if c.ModeratedAt != nil {
		moderatedAt = sql.NullInt64{Int64: c.ModeratedAt.UnixNano(), Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE listings SET status = ?, is_validated = ?, moderated_by = ?,
			moderated_at = ?, moderation_reason = ?, quota_held = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(c.Status), c.IsValidated, c.ModeratedBy, moderatedAt, c.Reason, c.QuotaHeld, r.now().UnixNano(), id, version,
	)
	if err != nil {
		return fmt.Errorf("update listing status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update listing status: %w", err)
	}
	if n == 0 {
		return domain.ErrStatusConflict
	}
	return nil
}

func fromNullNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

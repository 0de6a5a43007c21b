package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"

	"github.com/blackmichael/adgate/internal/domain"
)

//go:embed schema.sql
var schema string

// Repository implements the listing, account, attempt and cursor
// repositories of the domain package using PostgreSQL.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository connects to PostgreSQL at the given URL, retrying the
// initial ping with exponential backoff until ctx is done, and returns a new
// Repository. The caller should call Close when the repository is no longer
// needed.
func NewRepository(ctx context.Context, databaseURL string) (*Repository, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(b, ctx)); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Repository{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Migrate creates the tables the service needs if they do not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

const listingColumns = `id, account_id, owner_id, title, description, price, attributes,
	status, is_validated, moderated_by, moderated_at, moderation_reason, quota_held, version, updated_at`

// GetListing retrieves a listing by id.
func (r *Repository) GetListing(ctx context.Context, id string) (*domain.Listing, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrListingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get listing %s: %w", id, err)
	}
	return l, nil
}

// UpsertListing inserts a listing submitted by the marketplace or refreshes
// the content of an existing one. Moderation fields of existing rows are left
// alone.
func (r *Repository) UpsertListing(ctx context.Context, l *domain.Listing) error {
	attrs, err := json.Marshal(l.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	status := l.Status
	if status == "" {
		status = domain.StatusDraft
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO listings (id, account_id, owner_id, title, description, price, attributes, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			account_id = $2, owner_id = $3, title = $4, description = $5,
			price = $6, attributes = $7, version = listings.version + 1, updated_at = $9`,
		l.ID, l.AccountID, l.OwnerID, l.Title, l.Description, l.Price, attrs, status, r.now(),
	)
	if err != nil {
		return fmt.Errorf("upsert listing %s: %w", l.ID, err)
	}
	return nil
}

// ApplyTransition performs the transition in a single transaction. Quota
// guarded transitions take an advisory lock on the account so concurrent
// activations for one account are serialized.
func (r *Repository) ApplyTransition(ctx context.Context, t domain.Transition) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	accountID, err := lockListing(ctx, tx, t.ListingID, t.ExpectedVersion)
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

	now := r.now()
	if t.ArchivePrior {
		if _, err := archiveAttempts(ctx, tx, t.ListingID, now, t.ArchiveReason); err != nil {
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

	accountID, err := lockListing(ctx, tx, u.Edit.ListingID, u.ExpectedVersion)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE listings SET title = $2, description = $3, price = $4, attributes = $5,
			version = version + 1, updated_at = $6
		WHERE id = $1`,
		u.Edit.ListingID, u.Edit.Title, u.Edit.Description, u.Edit.Price, attrs, r.now(),
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
		WHERE (status = $1 OR quota_held) AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`,
		domain.StatusPending, before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending listings (before=%v, limit=%d): %w", before, limit, err)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending listings: %w", err)
	}
	return ids, nil
}

// GetAccount retrieves an account by id.
func (r *Repository) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	var a domain.Account
	err := r.db.QueryRowContext(ctx,
		`SELECT id, tier, bypass_moderation FROM accounts WHERE id = $1`, id,
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
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET tier = $2, bypass_moderation = $3, updated_at = $4`,
		a.ID, a.Tier, a.BypassModeration, r.now(),
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
		`SELECT cursor_value FROM cursors WHERE consumer = $1`, consumer,
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
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer) DO UPDATE SET cursor_value = $2, updated_at = $3`,
		consumer, cursor, r.now(),
	)
	return err
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func lockListing(ctx context.Context, tx *sql.Tx, id string, expectedVersion int64) (string, error) {
	var (
		accountID string
		version   int64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT account_id, version FROM listings WHERE id = $1 FOR UPDATE`, id,
	).Scan(&accountID, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrListingNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lock listing %s: %w", id, err)
	}
	if version != expectedVersion {
		return "", domain.ErrStatusConflict
	}
	return accountID, nil
}

func checkQuota(ctx context.Context, tx *sql.Tx, accountID, listingID string, limit int) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, accountID); err != nil {
		return fmt.Errorf("lock account %s: %w", accountID, err)
	}
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
	statuses := make([]string, len(domain.QuotaStatuses))
	for i, s := range domain.QuotaStatuses {
		statuses[i] = string(s)
	}
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT count(*) FROM listings
		WHERE account_id = $1 AND id <> $2 AND status = ANY($3)`,
		accountID, excludeListingID, pq.Array(statuses),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count quota listings for %s: %w", accountID, err)
	}
	return n, nil
}

func (r *Repository) writeChange(ctx context.Context, tx *sql.Tx, id string, version int64, c domain.StatusChange) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE listings SET status = $3, is_validated = $4, moderated_by = $5,
			moderated_at = $6, moderation_reason = $7, quota_held = $8, version = version + 1, updated_at = $9
		WHERE id = $1 AND version = $2`,
		id, version, c.Status, c.IsValidated, c.ModeratedBy, c.ModeratedAt, c.Reason, c.QuotaHeld, r.now(),
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

type scanner interface {
	Scan(dest ...any) error
}

func scanListing(s scanner) (*domain.Listing, error) {
	var (
		l           domain.Listing
		attrs       []byte
		moderatedBy sql.NullString
		moderatedAt sql.NullTime
	)
	err := s.Scan(
		&l.ID, &l.AccountID, &l.OwnerID, &l.Title, &l.Description, &l.Price, &attrs,
		&l.Status, &l.IsValidated, &moderatedBy, &moderatedAt, &l.ModerationReason, &l.QuotaHeld, &l.Version, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &l.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
	}
	if moderatedBy.Valid {
		l.ModeratedBy = &moderatedBy.String
	}
	if moderatedAt.Valid {
		t := moderatedAt.Time
		l.ModeratedAt = &t
	}
	return &l, nil
}

package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrStoreUnavailable indicates the database pool is not configured.
var ErrStoreUnavailable = errors.New("entitlement: store unavailable")

const grantColumns = `reference, student_id, course_id, lesson_id, teacher_id, amount_minor, teacher_payout_minor, platform_share_minor, granted_at`

// PostgresStore persists entitlement state with pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a store backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetGrant(ctx context.Context, reference string) (Grant, error) {
	if s == nil || s.pool == nil {
		return Grant{}, ErrStoreUnavailable
	}
	return scanGrant(s.pool.QueryRow(ctx, `SELECT `+grantColumns+` FROM entitlement_grants WHERE reference = $1`, reference))
}

func (s *PostgresStore) SaveGrant(ctx context.Context, grant Grant, payout *Payout) (Grant, error) {
	if s == nil || s.pool == nil {
		return Grant{}, ErrStoreUnavailable
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Grant{}, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `INSERT INTO entitlement_grants (`+grantColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (reference) DO NOTHING`,
		grant.Reference, grant.StudentID, grant.CourseID, grant.LessonID, grant.TeacherID,
		grant.AmountMinorUnits, grant.TeacherPayoutMinorUnits, grant.PlatformShareMinorUnits, grant.GrantedAt)
	if err != nil {
		return Grant{}, err
	}
	if tag.RowsAffected() == 0 {
		existing, err := scanGrant(tx.QueryRow(ctx, `SELECT `+grantColumns+` FROM entitlement_grants WHERE reference = $1`, grant.Reference))
		if err != nil {
			return Grant{}, err
		}
		return existing, tx.Commit(ctx)
	}
	if payout != nil {
		_, err = tx.Exec(ctx, `INSERT INTO teacher_payouts (reference, teacher_id, amount_minor, currency, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (reference) DO NOTHING`,
			payout.Reference, payout.TeacherID, payout.AmountMinorUnits, payout.Currency, string(payout.Status), payout.CreatedAt)
		if err != nil {
			return Grant{}, err
		}
	}
	_, err = tx.Exec(ctx, `UPDATE grant_pending SET resolved_at = $2 WHERE reference = $1 AND resolved_at IS NULL`, grant.Reference, grant.GrantedAt)
	if err != nil {
		return Grant{}, err
	}
	return grant, tx.Commit(ctx)
}

func (s *PostgresStore) MarkPending(ctx context.Context, reference, lastError string, next time.Time) (PendingMarker, error) {
	if s == nil || s.pool == nil {
		return PendingMarker{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO grant_pending (reference, attempts, last_error, next_attempt_at)
VALUES ($1, 1, $2, $3)
ON CONFLICT (reference) DO UPDATE
SET attempts = grant_pending.attempts + 1, last_error = EXCLUDED.last_error,
    next_attempt_at = EXCLUDED.next_attempt_at, resolved_at = NULL
RETURNING reference, attempts, last_error, next_attempt_at, created_at, resolved_at`, reference, lastError, next)
	return scanMarker(row)
}

func (s *PostgresStore) ResolvePending(ctx context.Context, reference string, at time.Time) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `UPDATE grant_pending SET resolved_at = $2 WHERE reference = $1 AND resolved_at IS NULL`, reference, at)
	return err
}

func (s *PostgresStore) GetPending(ctx context.Context, reference string) (PendingMarker, error) {
	if s == nil || s.pool == nil {
		return PendingMarker{}, ErrStoreUnavailable
	}
	return scanMarker(s.pool.QueryRow(ctx, `SELECT reference, attempts, last_error, next_attempt_at, created_at, resolved_at
FROM grant_pending WHERE reference = $1`, reference))
}

func (s *PostgresStore) DuePending(ctx context.Context, now time.Time, maxAttempts, limit int) ([]PendingMarker, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	if maxAttempts <= 0 {
		maxAttempts = 1 << 30
	}
	rows, err := s.pool.Query(ctx, `SELECT reference, attempts, last_error, next_attempt_at, created_at, resolved_at
FROM grant_pending
WHERE resolved_at IS NULL AND next_attempt_at <= $1 AND attempts < $2
ORDER BY next_attempt_at ASC LIMIT $3`, now, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PendingMarker
	for rows.Next() {
		marker, err := scanMarker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, marker)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountPending(ctx context.Context) (int, error) {
	if s == nil || s.pool == nil {
		return 0, ErrStoreUnavailable
	}
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM grant_pending WHERE resolved_at IS NULL`).Scan(&n)
	return n, err
}

func (s *PostgresStore) Unsettled(ctx context.Context, confirmedBefore time.Time, limit int) ([]string, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT i.reference FROM payment_intents i
WHERE i.status = 'CONFIRMED' AND i.last_transition_at <= $1
  AND NOT EXISTS (SELECT 1 FROM entitlement_grants g WHERE g.reference = i.reference)
  AND NOT EXISTS (SELECT 1 FROM grant_pending p WHERE p.reference = i.reference)
ORDER BY i.last_transition_at ASC LIMIT $2`, confirmedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (s *PostgresStore) GetPayout(ctx context.Context, reference string) (Payout, error) {
	if s == nil || s.pool == nil {
		return Payout{}, ErrStoreUnavailable
	}
	var (
		p           Payout
		status      string
		transferRef sql.NullString
	)
	err := s.pool.QueryRow(ctx, `SELECT reference, teacher_id, amount_minor, currency, status, transfer_reference, created_at, transferred_at
FROM teacher_payouts WHERE reference = $1`, reference).
		Scan(&p.Reference, &p.TeacherID, &p.AmountMinorUnits, &p.Currency, &status, &transferRef, &p.CreatedAt, &p.TransferredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payout{}, ErrNotFound
	}
	if err != nil {
		return Payout{}, err
	}
	p.Status = PayoutStatus(status)
	p.TransferReference = transferRef.String
	return p, nil
}

func (s *PostgresStore) MarkPayoutTransferred(ctx context.Context, reference, transferReference string, at time.Time) (bool, error) {
	if s == nil || s.pool == nil {
		return false, ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `UPDATE teacher_payouts
SET status = 'TRANSFERRED', transfer_reference = $2, transferred_at = $3
WHERE reference = $1 AND status = 'OWED'`, reference, transferReference, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanGrant(row pgx.Row) (Grant, error) {
	var g Grant
	err := row.Scan(&g.Reference, &g.StudentID, &g.CourseID, &g.LessonID, &g.TeacherID,
		&g.AmountMinorUnits, &g.TeacherPayoutMinorUnits, &g.PlatformShareMinorUnits, &g.GrantedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Grant{}, ErrNotFound
	}
	return g, err
}

func scanMarker(row pgx.Row) (PendingMarker, error) {
	var m PendingMarker
	err := row.Scan(&m.Reference, &m.Attempts, &m.LastError, &m.NextAttemptAt, &m.CreatedAt, &m.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PendingMarker{}, ErrNotFound
	}
	return m, err
}

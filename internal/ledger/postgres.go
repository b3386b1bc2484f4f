package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrStoreUnavailable indicates the database pool is not configured.
var ErrStoreUnavailable = errors.New("ledger: store unavailable")

// errConcurrentUpdate signals the guarded UPDATE matched no row even though the row
// lock was held. It indicates a schema or isolation problem rather than a race.
var errConcurrentUpdate = errors.New("ledger: intent changed concurrently")

const intentColumns = `reference, email, amount_minor, currency, metadata, status, authorization_url, access_code, failure_reason, created_at, last_transition_at, expires_at`

// PostgresStore persists the ledger in Postgres. Update takes a row lock with
// SELECT ... FOR UPDATE, so confirmations of one reference are linearised by the database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a store backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Insert(ctx context.Context, intent PaymentIntent) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	metadata, err := encodeMetadata(intent.Metadata)
	if err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `INSERT INTO payment_intents (`+intentColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		intent.Reference, intent.Email, intent.AmountMinorUnits, intent.Currency, metadata, string(intent.Status),
		intent.AuthorizationURL, intent.AccessCode, intent.FailureReason, intent.CreatedAt, intent.LastTransitionAt, intent.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateReference
		}
		return err
	}
	if err := insertTransition(ctx, tx, Transition{Reference: intent.Reference, To: intent.Status, Reason: "intent created", At: intent.CreatedAt}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Get(ctx context.Context, reference string) (PaymentIntent, error) {
	if s == nil || s.pool == nil {
		return PaymentIntent{}, ErrStoreUnavailable
	}
	return scanIntent(s.pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE reference = $1`, reference))
}

func (s *PostgresStore) Update(ctx context.Context, reference string, fn UpdateFunc) (PaymentIntent, error) {
	if s == nil || s.pool == nil {
		return PaymentIntent{}, ErrStoreUnavailable
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return PaymentIntent{}, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	current, err := scanIntent(tx.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE reference = $1 FOR UPDATE`, reference))
	if err != nil {
		return PaymentIntent{}, err
	}
	next := current
	next.Metadata = cloneMetadata(current.Metadata)
	change, err := fn(&next)
	if err != nil {
		return PaymentIntent{}, err
	}

	tag, err := tx.Exec(ctx, `UPDATE payment_intents
SET status = $2, authorization_url = $3, access_code = $4, failure_reason = $5, last_transition_at = $6
WHERE reference = $1 AND status = $7`,
		reference, string(next.Status), next.AuthorizationURL, next.AccessCode, next.FailureReason, next.LastTransitionAt, string(current.Status))
	if err != nil {
		return PaymentIntent{}, err
	}
	if tag.RowsAffected() != 1 {
		return PaymentIntent{}, errConcurrentUpdate
	}
	if next.Status != current.Status {
		tr := Transition{Reference: reference, From: current.Status, To: next.Status, Reason: change.Reason, At: next.LastTransitionAt}
		if err := insertTransition(ctx, tx, tr); err != nil {
			return PaymentIntent{}, err
		}
	}
	if ev := change.Event; ev != nil {
		_, err = tx.Exec(ctx, `INSERT INTO confirmation_events
(reference, source, raw_payload_hash, signature_valid, gateway_status, event_type, amount_minor, currency, outcome, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			reference, string(ev.Source), ev.RawPayloadHash, ev.SignatureValid, ev.GatewayStatus, ev.EventType,
			ev.AmountMinorUnits, ev.Currency, ev.Outcome.String(), ev.ReceivedAt)
		if err != nil {
			return PaymentIntent{}, fmt.Errorf("ledger: append event: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return PaymentIntent{}, err
	}
	return next, nil
}

func (s *PostgresStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT reference FROM payment_intents
WHERE status IN ('CREATED', 'PENDING_CONFIRMATION') AND expires_at <= $1
ORDER BY expires_at ASC LIMIT $2`, now, limit)
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

func (s *PostgresStore) Events(ctx context.Context, reference string) ([]ConfirmationEvent, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT reference, source, raw_payload_hash, signature_valid, gateway_status, event_type, amount_minor, currency, outcome, received_at
FROM confirmation_events WHERE reference = $1 ORDER BY id ASC`, reference)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []ConfirmationEvent
	for rows.Next() {
		var (
			ev      ConfirmationEvent
			source  string
			outcome string
		)
		if err := rows.Scan(&ev.Reference, &source, &ev.RawPayloadHash, &ev.SignatureValid, &ev.GatewayStatus,
			&ev.EventType, &ev.AmountMinorUnits, &ev.Currency, &outcome, &ev.ReceivedAt); err != nil {
			return nil, err
		}
		ev.Source = Source(source)
		ev.Outcome = parseOutcome(outcome)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) Transitions(ctx context.Context, reference string) ([]Transition, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT reference, from_status, to_status, reason, created_at
FROM payment_intent_transitions WHERE reference = $1 ORDER BY id ASC`, reference)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transition
	for rows.Next() {
		var (
			tr       Transition
			from, to string
		)
		if err := rows.Scan(&tr.Reference, &from, &to, &tr.Reason, &tr.At); err != nil {
			return nil, err
		}
		tr.From, tr.To = Status(from), Status(to)
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertNotification(ctx context.Context, n Notification) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	payload := n.Payload
	if !json.Valid(payload) {
		payload = []byte("null")
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO gateway_notifications (event, reference, raw_payload_hash, payload, received_at)
VALUES ($1, $2, $3, $4, $5)`, n.Event, n.Reference, n.RawPayloadHash, payload, n.ReceivedAt)
	return err
}

func insertTransition(ctx context.Context, tx pgx.Tx, tr Transition) error {
	_, err := tx.Exec(ctx, `INSERT INTO payment_intent_transitions (reference, from_status, to_status, reason, created_at)
VALUES ($1, $2, $3, $4, $5)`, tr.Reference, string(tr.From), string(tr.To), tr.Reason, tr.At)
	return err
}

func scanIntent(row pgx.Row) (PaymentIntent, error) {
	var (
		p        PaymentIntent
		status   string
		metadata []byte
	)
	err := row.Scan(&p.Reference, &p.Email, &p.AmountMinorUnits, &p.Currency, &metadata, &status,
		&p.AuthorizationURL, &p.AccessCode, &p.FailureReason, &p.CreatedAt, &p.LastTransitionAt, &p.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PaymentIntent{}, ErrNotFound
	}
	if err != nil {
		return PaymentIntent{}, err
	}
	p.Status = Status(status)
	p.Metadata = map[string]any{}
	if len(metadata) > 0 {
		dec := json.NewDecoder(bytes.NewReader(metadata))
		dec.UseNumber()
		if err := dec.Decode(&p.Metadata); err != nil {
			return PaymentIntent{}, fmt.Errorf("ledger: decode metadata for %s: %w", p.Reference, err)
		}
	}
	return p, nil
}

func encodeMetadata(md map[string]any) ([]byte, error) {
	if md == nil {
		md = map[string]any{}
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode metadata: %w", err)
	}
	return b, nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/lib/pq"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
)

const eventColumns = `seq, id, type, aggregate_id, payload, COALESCE(dedupe_key, ''), status, retry_count,
	next_attempt_at, lease_owner, lease_expires_at, last_error, processed_at, created_at`

type leasedEvent struct {
	seq   int64
	event models.Event
}

func scanEvent(row interface{ Scan(...any) error }) (leasedEvent, error) {
	var (
		le      leasedEvent
		payload []byte
	)
	e := &le.event
	err := row.Scan(&le.seq, &e.ID, &e.Type, &e.AggregateID, &payload, &e.DedupeKey, &e.Status, &e.RetryCount,
		&e.NextAttemptAt, &e.LeaseOwner, &e.LeaseExpiresAt, &e.LastError, &e.ProcessedAt, &e.CreatedAt)
	if len(payload) > 0 {
		e.Payload = payload
	}
	return le, err
}

// AppendEvent relies on the id and dedupe_key unique constraints; a conflict
// on either inserts nothing.
func (p *Store) AppendEvent(ctx context.Context, event models.Event) (bool, error) {
	const query = `INSERT INTO events (id, type, aggregate_id, payload, dedupe_key, status, retry_count,
		next_attempt_at, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT DO NOTHING`

	if event.Status == "" {
		event.Status = models.EventPending
	}
	if event.NextAttemptAt.IsZero() {
		event.NextAttemptAt = event.CreatedAt
	}
	res, err := p.db.ExecContext(ctx, query, event.ID, event.Type, event.AggregateID, []byte(event.Payload),
		nullString(event.DedupeKey), event.Status, event.RetryCount, event.NextAttemptAt, event.CreatedAt)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (p *Store) GetEvent(ctx context.Context, id string) (models.Event, error) {
	const query = `SELECT ` + eventColumns + ` FROM events WHERE id = $1`

	le, err := scanEvent(p.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Event{}, models.NotFound("event", id)
	}
	return le.event, err
}

func (p *Store) ListEvents(ctx context.Context, filter interfaces.EventFilter) ([]models.Event, error) {
	var w where
	if filter.Type != "" {
		w.add("type = $%d", filter.Type)
	}
	if len(filter.Statuses) > 0 {
		w.add("status = ANY($%d)", pq.Array(stringsOf(filter.Statuses)))
	}
	query := `SELECT ` + eventColumns + ` FROM events` + w.String() + ` ORDER BY seq` + w.limit(filter.Limit)

	leased, err := p.queryEvents(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	events := make([]models.Event, len(leased))
	for i, le := range leased {
		events[i] = le.event
	}
	return events, nil
}

func (p *Store) queryEvents(ctx context.Context, query string, args ...any) ([]leasedEvent, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []leasedEvent
	for rows.Next() {
		le, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, le)
	}
	return events, rows.Err()
}

// LeaseEvents claims due rows with SKIP LOCKED so concurrent consumers split
// the backlog instead of queueing behind each other.
func (p *Store) LeaseEvents(ctx context.Context, consumer string, limit int, now time.Time, ttl time.Duration) ([]models.Event, error) {
	const query = `UPDATE events SET status = 'processing', lease_owner = $1, lease_expires_at = $2
	WHERE id IN (
		SELECT id FROM events
		WHERE (status = 'pending' AND next_attempt_at <= $3)
		   OR (status = 'processing' AND lease_expires_at <= $3)
		ORDER BY seq
		LIMIT $4
		FOR UPDATE SKIP LOCKED
	)
	RETURNING ` + eventColumns

	leased, err := p.queryEvents(ctx, query, consumer, now.Add(ttl), now, limitOf(limit))
	if err != nil {
		return nil, err
	}
	// RETURNING does not preserve the subquery order
	sort.Slice(leased, func(i, j int) bool { return leased[i].seq < leased[j].seq })
	events := make([]models.Event, len(leased))
	for i, le := range leased {
		events[i] = le.event
	}
	return events, nil
}

// settle applies a lease-guarded update; the lease must still belong to consumer.
func (p *Store) settle(ctx context.Context, id, consumer, set string, args ...any) error {
	query := `UPDATE events SET ` + set + `, lease_owner = '', lease_expires_at = NULL
	WHERE id = $1 AND lease_owner = $2 AND status = 'processing'`

	res, err := p.db.ExecContext(ctx, query, append([]any{id, consumer}, args...)...)
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil || ok {
		return err
	}
	return missingOr(ctx, p.db, "events", "id", id, "event",
		models.WithMetadata(models.CodeClaimLost, "event lease lost", map[string]string{"event_id": id, "consumer": consumer}))
}

func (p *Store) MarkEventProcessed(ctx context.Context, id string, consumer string, at time.Time) error {
	return p.settle(ctx, id, consumer, `status = 'processed', processed_at = $3, last_error = ''`, at)
}

func (p *Store) MarkEventRetry(ctx context.Context, id string, consumer string, nextAttempt time.Time, lastErr string) error {
	return p.settle(ctx, id, consumer,
		`status = 'pending', retry_count = retry_count + 1, next_attempt_at = $3, last_error = $4`, nextAttempt, lastErr)
}

func (p *Store) MarkEventFailed(ctx context.Context, id string, consumer string, lastErr string, at time.Time) error {
	return p.settle(ctx, id, consumer,
		`status = 'failed', retry_count = retry_count + 1, last_error = $3, processed_at = $4`, lastErr, at)
}

func (p *Store) MarkHandled(ctx context.Context, eventID string, handler string, at time.Time) (bool, error) {
	const query = `INSERT INTO handled_events (event_id, handler, handled_at) VALUES ($1,$2,$3)
	ON CONFLICT DO NOTHING`

	res, err := p.db.ExecContext(ctx, query, eventID, handler, at)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (p *Store) IsHandled(ctx context.Context, eventID string, handler string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM handled_events WHERE event_id = $1 AND handler = $2)`

	var handled bool
	err := p.db.QueryRowContext(ctx, query, eventID, handler).Scan(&handled)
	return handled, err
}

// Package postgres stores the poison inbox in PostgreSQL. Each Add runs in
// one transaction so a batch is either fully visible or not at all.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lsm/eventsub/internal/inbox"
	"github.com/lsm/eventsub/internal/source"
)

// DB is the subset of pgxpool.Pool the store uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schema = `
CREATE TABLE IF NOT EXISTS poison_streams (
	stream            TEXT PRIMARY KEY,
	topic             TEXT NOT NULL,
	event_count       BIGINT NOT NULL DEFAULT 0,
	first_poisoned_at TIMESTAMPTZ NOT NULL,
	last_poisoned_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS poison_events (
	id              UUID PRIMARY KEY,
	stream          TEXT NOT NULL,
	topic           TEXT NOT NULL,
	partition       INTEGER NOT NULL,
	"offset"        BIGINT NOT NULL,
	record_key      BYTEA,
	record_value    BYTEA,
	headers         JSONB NOT NULL DEFAULT '{}'::jsonb,
	record_time     TIMESTAMPTZ,
	reason          TEXT NOT NULL DEFAULT '',
	failure_count   INTEGER NOT NULL DEFAULT 0,
	first_failed_at TIMESTAMPTZ NOT NULL,
	last_failed_at  TIMESTAMPTZ NOT NULL,
	correlation_id  TEXT NOT NULL DEFAULT '',
	UNIQUE (topic, partition, "offset")
);

CREATE INDEX IF NOT EXISTS poison_events_stream_idx ON poison_events (stream, partition, "offset");
`

// Store implements inbox.Store on PostgreSQL.
type Store struct {
	db    DB
	close func()
}

var _ inbox.Store = (*Store)(nil)

// New wraps an existing pool or transaction-capable connection.
func New(db DB) *Store {
	return &Store{db: db, close: func() {}}
}

// Connect opens a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: pool, close: pool.Close}, nil
}

// EnsureSchema creates the inbox tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create poison inbox schema: %w", err)
	}
	return nil
}

func (s *Store) Add(ctx context.Context, events []inbox.PoisonEvent) (err error) {
	if err := inbox.Validate(events); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return inbox.StorageError(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	const insertEvent = `
		INSERT INTO poison_events (id, stream, topic, partition, "offset", record_key, record_value, headers,
			record_time, reason, failure_count, first_failed_at, last_failed_at, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (topic, partition, "offset") DO NOTHING
	`
	const upsertStream = `
		INSERT INTO poison_streams (stream, topic, event_count, first_poisoned_at, last_poisoned_at)
		VALUES ($1, $2, 1, $3, $3)
		ON CONFLICT (stream) DO UPDATE SET
			event_count       = poison_streams.event_count + 1,
			first_poisoned_at = LEAST(poison_streams.first_poisoned_at, EXCLUDED.first_poisoned_at),
			last_poisoned_at  = GREATEST(poison_streams.last_poisoned_at, EXCLUDED.last_poisoned_at)
	`

	for _, pe := range events {
		id := pe.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		headers := pe.Event.Headers
		if headers == nil {
			headers = map[string]string{}
		}
		tag, err := tx.Exec(ctx, insertEvent,
			id.String(), pe.StreamKey(), pe.Event.Topic, pe.Event.Partition, pe.Event.Offset,
			pe.Event.Key, pe.Event.Value, headers, nullTime(pe.Event.Timestamp),
			pe.Reason, pe.FailureCount, pe.FirstFailedAt, pe.LastFailedAt, pe.CorrelationID,
		)
		if err != nil {
			return inbox.StorageError(fmt.Errorf("insert poison event: %w", err))
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		if _, err := tx.Exec(ctx, upsertStream, pe.StreamKey(), pe.Event.Topic, pe.LastFailedAt); err != nil {
			return inbox.StorageError(fmt.Errorf("upsert poison stream: %w", err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return inbox.StorageError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

func (s *Store) IsStreamPoisoned(ctx context.Context, evt source.Event) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM poison_streams WHERE stream = $1)`

	var poisoned bool
	if err := s.db.QueryRow(ctx, query, evt.StreamKey()).Scan(&poisoned); err != nil {
		return false, inbox.StorageError(fmt.Errorf("query poison stream: %w", err))
	}
	return poisoned, nil
}

func (s *Store) GetPoisonStreamsEvents(ctx context.Context, events []source.Event) ([]source.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	const query = `SELECT stream FROM poison_streams WHERE stream = ANY($1)`

	rows, err := s.db.Query(ctx, query, inbox.StreamKeys(events))
	if err != nil {
		return nil, inbox.StorageError(fmt.Errorf("query poison streams: %w", err))
	}
	defer rows.Close()

	poisoned := make(map[string]bool)
	for rows.Next() {
		var stream string
		if err := rows.Scan(&stream); err != nil {
			return nil, inbox.StorageError(fmt.Errorf("scan poison stream: %w", err))
		}
		poisoned[stream] = true
	}
	if err := rows.Err(); err != nil {
		return nil, inbox.StorageError(fmt.Errorf("iterate poison streams: %w", err))
	}
	return inbox.Filter(events, poisoned), nil
}

func (s *Store) Streams(ctx context.Context) ([]inbox.StreamStatus, error) {
	const query = `
		SELECT stream, topic, event_count, first_poisoned_at, last_poisoned_at
		FROM poison_streams
		ORDER BY first_poisoned_at ASC, stream ASC
	`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, inbox.StorageError(fmt.Errorf("query poison streams: %w", err))
	}
	defer rows.Close()

	var out []inbox.StreamStatus
	for rows.Next() {
		var st inbox.StreamStatus
		var count int64
		if err := rows.Scan(&st.Stream, &st.Topic, &count, &st.FirstPoisonedAt, &st.LastPoisonedAt); err != nil {
			return nil, inbox.StorageError(fmt.Errorf("scan poison stream: %w", err))
		}
		st.EventCount = int(count)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, inbox.StorageError(err)
	}
	return out, nil
}

func (s *Store) Events(ctx context.Context, stream string) ([]inbox.PoisonEvent, error) {
	const query = `
		SELECT id, stream, topic, partition, "offset", record_key, record_value, headers, record_time,
			reason, failure_count, first_failed_at, last_failed_at, correlation_id
		FROM poison_events
		WHERE stream = $1
		ORDER BY partition ASC, "offset" ASC
	`

	rows, err := s.db.Query(ctx, query, stream)
	if err != nil {
		return nil, inbox.StorageError(fmt.Errorf("query poison events: %w", err))
	}
	defer rows.Close()

	var out []inbox.PoisonEvent
	for rows.Next() {
		var (
			pe       inbox.PoisonEvent
			id       string
			recorded *time.Time
		)
		if err := rows.Scan(&id, &pe.Stream, &pe.Event.Topic, &pe.Event.Partition, &pe.Event.Offset,
			&pe.Event.Key, &pe.Event.Value, &pe.Event.Headers, &recorded,
			&pe.Reason, &pe.FailureCount, &pe.FirstFailedAt, &pe.LastFailedAt, &pe.CorrelationID,
		); err != nil {
			return nil, inbox.StorageError(fmt.Errorf("scan poison event: %w", err))
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse poison event id %q: %w", id, err)
		}
		pe.ID = parsed
		pe.Event.Stream = pe.Stream
		if recorded != nil {
			pe.Event.Timestamp = *recorded
		}
		out = append(out, pe)
	}
	if err := rows.Err(); err != nil {
		return nil, inbox.StorageError(err)
	}
	return out, nil
}

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return inbox.StorageError(err)
	}
	return nil
}

func (s *Store) Close(context.Context) error {
	s.close()
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

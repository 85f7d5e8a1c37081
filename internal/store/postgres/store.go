// Package postgres provides the pgx-backed EventStore used in
// production deployments.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Korniev/SportHub/internal/domain"
	"github.com/Korniev/SportHub/internal/metrics"
)

const uniqueViolation = "23505"

// Store persists sequenced events and snapshots in Postgres, keyed by
// (match_id, seq).
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// RunMigrations creates the schema this service owns.
func (s *Store) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS match_events (
			match_id BIGINT NOT NULL,
			seq BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			event_time TIMESTAMPTZ NOT NULL,
			idempotency_key TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (match_id, seq)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_match_events_idem_key
			ON match_events(idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS match_snapshots (
			match_id BIGINT PRIMARY KEY,
			seq BIGINT NOT NULL,
			status TEXT NOT NULL,
			home_score INT NOT NULL,
			away_score INT NOT NULL,
			stats JSONB,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}

	slog.Info("Database migrations completed successfully")
	return nil
}

// InsertEvent writes the event and the folded snapshot in one
// transaction, so a snapshot can never lead or trail its own sequence
// number. A unique violation on either key means the event was already
// sequenced.
func (s *Store) InsertEvent(ctx context.Context, ev domain.Event, snap domain.MatchSnapshot) error {
	start := time.Now()
	err := s.insertEvent(ctx, ev, snap)
	metrics.StoreQueryDuration.WithLabelValues("insert_event").Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, domain.ErrDuplicateEvent) {
		metrics.StoreErrorsTotal.WithLabelValues("insert_event").Inc()
	}
	return err
}

func (s *Store) insertEvent(ctx context.Context, ev domain.Event, snap domain.MatchSnapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &domain.PersistenceError{Op: "begin", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var idemKey *string
	if ev.IdempotencyKey != "" {
		idemKey = &ev.IdempotencyKey
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO match_events (match_id, seq, event_type, payload, event_time, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.MatchID, int64(ev.Seq), string(ev.Type), ev.Payload, ev.Timestamp, idemKey)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrDuplicateEvent
		}
		return &domain.PersistenceError{Op: "insert event", Err: err}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO match_snapshots (match_id, seq, status, home_score, away_score, stats, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (match_id) DO UPDATE SET
			seq = EXCLUDED.seq,
			status = EXCLUDED.status,
			home_score = EXCLUDED.home_score,
			away_score = EXCLUDED.away_score,
			stats = EXCLUDED.stats,
			updated_at = NOW()
	`, snap.MatchID, int64(snap.Seq), snap.Status, snap.HomeScore, snap.AwayScore, snap.Stats)
	if err != nil {
		return &domain.PersistenceError{Op: "upsert snapshot", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &domain.PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

func (s *Store) LatestSequence(ctx context.Context, matchID int64) (uint64, error) {
	start := time.Now()
	defer func() {
		metrics.StoreQueryDuration.WithLabelValues("latest_sequence").Observe(time.Since(start).Seconds())
	}()

	var seq int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM match_events WHERE match_id = $1
	`, matchID).Scan(&seq)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("latest_sequence").Inc()
		return 0, &domain.PersistenceError{Op: "latest sequence", Err: err}
	}
	return uint64(seq), nil
}

func (s *Store) EventsSince(ctx context.Context, matchID int64, after uint64) ([]domain.Event, error) {
	start := time.Now()
	defer func() {
		metrics.StoreQueryDuration.WithLabelValues("events_since").Observe(time.Since(start).Seconds())
	}()

	rows, err := s.pool.Query(ctx, `
		SELECT match_id, seq, event_type, payload, event_time, COALESCE(idempotency_key, '')
		FROM match_events
		WHERE match_id = $1 AND seq > $2
		ORDER BY seq
	`, matchID, int64(after))
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("events_since").Inc()
		return nil, &domain.PersistenceError{Op: "events since", Err: err}
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var ev domain.Event
		var seq int64
		var evType string
		if err := rows.Scan(&ev.MatchID, &seq, &evType, &ev.Payload, &ev.Timestamp, &ev.IdempotencyKey); err != nil {
			return nil, &domain.PersistenceError{Op: "scan event", Err: err}
		}
		ev.Seq = uint64(seq)
		ev.Type = domain.EventType(evType)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.PersistenceError{Op: "events since", Err: err}
	}
	return events, nil
}

func (s *Store) Snapshot(ctx context.Context, matchID int64) (domain.MatchSnapshot, error) {
	start := time.Now()
	defer func() {
		metrics.StoreQueryDuration.WithLabelValues("snapshot").Observe(time.Since(start).Seconds())
	}()

	var snap domain.MatchSnapshot
	var seq int64
	err := s.pool.QueryRow(ctx, `
		SELECT match_id, seq, status, home_score, away_score, stats
		FROM match_snapshots
		WHERE match_id = $1
	`, matchID).Scan(&snap.MatchID, &seq, &snap.Status, &snap.HomeScore, &snap.AwayScore, &snap.Stats)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.MatchSnapshot{}, domain.ErrMatchNotFound
	}
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("snapshot").Inc()
		return domain.MatchSnapshot{}, &domain.PersistenceError{Op: "read snapshot", Err: err}
	}
	snap.Seq = uint64(seq)
	return snap, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

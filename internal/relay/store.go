package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RoomActivity summarizes the join history of one room.
type RoomActivity struct {
	Room     string    `json:"room"`
	Present  int64     `json:"present"`
	LastJoin time.Time `json:"last_join"`
}

// Store records who joined which room and when.
type Store interface {
	RecordJoin(ctx context.Context, room, peer string, at time.Time) error
	RecordLeave(ctx context.Context, room, peer string, at time.Time) error
	RecentRooms(ctx context.Context, limit int) ([]RoomActivity, error)
	Close()
}

// NopStore keeps no history.
type NopStore struct{}

func (NopStore) RecordJoin(context.Context, string, string, time.Time) error  { return nil }
func (NopStore) RecordLeave(context.Context, string, string, time.Time) error { return nil }
func (NopStore) RecentRooms(context.Context, int) ([]RoomActivity, error)     { return nil, nil }
func (NopStore) Close()                                                       {}

const schema = `
CREATE TABLE IF NOT EXISTS room_joins (
	room      TEXT        NOT NULL,
	peer      TEXT        NOT NULL,
	joined_at TIMESTAMPTZ NOT NULL,
	left_at   TIMESTAMPTZ,
	PRIMARY KEY (room, peer)
)`

// PostgresStore keeps the join history in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database at url and creates the schema.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables when they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordJoin(ctx context.Context, room, peer string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO room_joins (room, peer, joined_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (room, peer) DO UPDATE SET joined_at = EXCLUDED.joined_at, left_at = NULL`,
		room, peer, at)
	if err != nil {
		return fmt.Errorf("record join of %s to %s: %w", peer, room, err)
	}
	return nil
}

func (s *PostgresStore) RecordLeave(ctx context.Context, room, peer string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE room_joins SET left_at = $3 WHERE room = $1 AND peer = $2`,
		room, peer, at)
	if err != nil {
		return fmt.Errorf("record leave of %s from %s: %w", peer, room, err)
	}
	return nil
}

// RecentRooms lists the rooms with the most recent joins first.
func (s *PostgresStore) RecentRooms(ctx context.Context, limit int) ([]RoomActivity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT room, COUNT(*) FILTER (WHERE left_at IS NULL), MAX(joined_at)
		FROM room_joins
		GROUP BY room
		ORDER BY MAX(joined_at) DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent rooms: %w", err)
	}
	rooms, err := pgx.CollectRows(rows, pgx.RowToStructByPos[RoomActivity])
	if err != nil {
		return nil, fmt.Errorf("scan recent rooms: %w", err)
	}
	return rooms, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

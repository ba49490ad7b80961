package recorder

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies pending schema migrations. It opens and closes its own
// connection.
func Migrate(databaseURL string) error {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("recorder: open database: %w", err)
	}
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		db.Close()
		return fmt.Errorf("recorder: migration source: %w", err)
	}
	drv, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return fmt.Errorf("recorder: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		db.Close()
		return fmt.Errorf("recorder: migrate: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("recorder: migrate up: %w", err)
	}
	version, dirty, _ := m.Version()
	log.Info().Str("module", "recorder").Uint("version", version).Bool("dirty", dirty).Msg("schema ready")
	return nil
}

// PostgresStore persists rooms in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens and pings the database.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("recorder: open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: ping database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Upsert writes the room and its participants in one transaction. created_at
// is only set on insert; xmax = 0 identifies a freshly inserted row.
func (s *PostgresStore) Upsert(ctx context.Context, room *Room) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("recorder: begin: %w", err)
	}
	defer tx.Rollback()

	const upsertRoom = `
		INSERT INTO chat_rooms (id, status, created_at, ended_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, ended_at = EXCLUDED.ended_at
		RETURNING (xmax = 0)`

	var created bool
	err = tx.QueryRowContext(ctx, upsertRoom, room.ID, room.Status, room.StartedAt, room.EndedAt).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("recorder: upsert room %s: %w", room.ID, err)
	}

	const upsertParticipant = `
		INSERT INTO participants (room_id, user_id, joined_at, left_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id, user_id) DO UPDATE
		SET left_at = COALESCE(EXCLUDED.left_at, participants.left_at)`

	for _, p := range room.Participants {
		var left any
		if p.LeftAt != nil {
			left = *p.LeftAt
		}
		if _, err := tx.ExecContext(ctx, upsertParticipant, room.ID, p.UserID, p.JoinedAt, left); err != nil {
			return false, fmt.Errorf("recorder: upsert participant %s in %s: %w", p.UserID, room.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("recorder: commit %s: %w", room.ID, err)
	}
	return created, nil
}

// Participants returns the stored user ids of a room, ordered by insertion.
func (s *PostgresStore) Participants(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM participants WHERE room_id = $1 ORDER BY id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("recorder: participants %s: %w", roomID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("recorder: scan participant: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Package database is the durable audit archive: calls and transfers are
// recorded on their terminal states so the case file keeps a trail of who
// spoke to whom and what was exchanged.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/casecall/internal/config"
	"github.com/casecall/internal/models"
)

type Database struct {
	pool *pgxpool.Pool
}

func New(cfg *config.DatabaseConfig) (*Database, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{pool: pool}, nil
}

func (db *Database) Close() {
	db.pool.Close()
}

func (db *Database) Pool() *pgxpool.Pool {
	return db.pool
}

// Migrate runs database migrations
func (db *Database) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS call_records (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			call_id UUID NOT NULL,
			call_type VARCHAR(20) NOT NULL,
			direction VARCHAR(10) NOT NULL,
			final_state VARCHAR(20) NOT NULL,
			end_reason VARCHAR(255),
			is_group BOOLEAN NOT NULL DEFAULT false,
			group_id UUID,
			started_at TIMESTAMP WITH TIME ZONE NOT NULL,
			ended_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			participants JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_call_records_call ON call_records(call_id)`,
		`CREATE INDEX IF NOT EXISTS idx_call_records_ended ON call_records(ended_at DESC)`,
		`CREATE TABLE IF NOT EXISTS transfer_records (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			transfer_id UUID NOT NULL,
			file_name VARCHAR(512) NOT NULL,
			file_size BIGINT NOT NULL,
			file_type VARCHAR(20) NOT NULL,
			mime_type VARCHAR(255),
			file_hash VARCHAR(64) NOT NULL,
			total_chunks INT NOT NULL,
			final_status VARCHAR(20) NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			recorded_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transfer_records_transfer ON transfer_records(transfer_id)`,
	}

	for i, migration := range migrations {
		if _, err := db.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}

// CallRepository records terminal call sessions.
type CallRepository struct {
	db *Database
}

func NewCallRepository(db *Database) *CallRepository {
	return &CallRepository{db: db}
}

func (r *CallRepository) RecordCall(ctx context.Context, session models.CallSession) error {
	participants, err := json.Marshal(session.Participants)
	if err != nil {
		return fmt.Errorf("failed to encode participants: %w", err)
	}
	query := `
		INSERT INTO call_records (call_id, call_type, direction, final_state, end_reason, is_group, group_id, started_at, participants)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)
	`
	_, err = r.db.pool.Exec(ctx, query,
		session.CallID,
		session.CallType,
		session.Direction,
		session.State,
		session.EndReason,
		session.IsGroup,
		session.GroupID,
		session.StartTime,
		participants,
	)
	return err
}

// ListByUser returns the most recent call records a user participated in.
func (r *CallRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.CallSession, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT call_id, call_type, direction, final_state, end_reason, is_group, COALESCE(group_id::text, ''), started_at, participants
		FROM call_records
		WHERE participants ? $1
		ORDER BY ended_at DESC
		LIMIT $2
	`
	rows, err := r.db.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CallSession
	for rows.Next() {
		var s models.CallSession
		var participants []byte
		if err := rows.Scan(&s.CallID, &s.CallType, &s.Direction, &s.State, &s.EndReason,
			&s.IsGroup, &s.GroupID, &s.StartTime, &participants); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(participants, &s.Participants); err != nil {
			return nil, fmt.Errorf("failed to decode participants: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// TransferRepository records completed and failed transfers.
type TransferRepository struct {
	db *Database
}

func NewTransferRepository(db *Database) *TransferRepository {
	return &TransferRepository{db: db}
}

func (r *TransferRepository) RecordTransfer(ctx context.Context, meta models.FileMetadata) error {
	query := `
		INSERT INTO transfer_records (transfer_id, file_name, file_size, file_type, mime_type, file_hash, total_chunks, final_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.pool.Exec(ctx, query,
		meta.TransferID,
		meta.FileName,
		meta.FileSize,
		meta.FileType,
		meta.MimeType,
		meta.FileHash,
		meta.TotalChunks,
		meta.Status,
		meta.CreatedAt,
	)
	return err
}

// List returns the most recent transfer records.
func (r *TransferRepository) List(ctx context.Context, limit int) ([]models.FileMetadata, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT transfer_id, file_name, file_size, file_type, mime_type, file_hash, total_chunks, final_status, created_at
		FROM transfer_records
		ORDER BY recorded_at DESC
		LIMIT $1
	`
	rows, err := r.db.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.FileMetadata
	for rows.Next() {
		var m models.FileMetadata
		if err := rows.Scan(&m.TransferID, &m.FileName, &m.FileSize, &m.FileType,
			&m.MimeType, &m.FileHash, &m.TotalChunks, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Archive adapts the repositories to the call manager's recording seam.
type Archive struct {
	calls     *CallRepository
	transfers *TransferRepository
}

func NewArchive(db *Database) *Archive {
	return &Archive{
		calls:     NewCallRepository(db),
		transfers: NewTransferRepository(db),
	}
}

func (a *Archive) RecordCall(ctx context.Context, session models.CallSession) error {
	return a.calls.RecordCall(ctx, session)
}

func (a *Archive) RecordTransfer(ctx context.Context, meta models.FileMetadata) error {
	return a.transfers.RecordTransfer(ctx, meta)
}

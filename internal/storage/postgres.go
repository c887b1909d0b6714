package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ikoceski/planflow/pkg/models"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// ErrNotFound is returned when a history row does not exist.
var ErrNotFound = fmt.Errorf("not found")

// PostgresStore persists session and task history rows. It doubles as a
// transaction handle: Begin returns a store bound to a transaction, Commit
// and Rollback settle it.
type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (*PostgresStore, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveSession inserts a session row and returns its ID.
func (s *PostgresStore) SaveSession(ctx context.Context, rec models.SessionRecord) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO sessions (session_id, request_id, plan_id, project, status)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		rec.SessionID, rec.RequestID, rec.PlanID, rec.Project, rec.Status).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save session: %w", err)
	}
	return id, nil
}

// GetSession retrieves one session by its session ID.
func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (models.SessionRecord, error) {
	var rec models.SessionRecord
	err := s.db.GetContext(ctx, &rec, "SELECT * FROM sessions WHERE session_id = $1", sessionID)
	if err == sql.ErrNoRows {
		return models.SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return models.SessionRecord{}, err
	}
	return rec, nil
}

// GetSessionByRequest retrieves the most recent session for a request.
func (s *PostgresStore) GetSessionByRequest(ctx context.Context, requestID string) (models.SessionRecord, error) {
	var rec models.SessionRecord
	err := s.db.GetContext(ctx, &rec,
		"SELECT * FROM sessions WHERE request_id = $1 ORDER BY created_at DESC LIMIT 1", requestID)
	if err == sql.ErrNoRows {
		return models.SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return models.SessionRecord{}, err
	}
	return rec, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]models.SessionRecord, error) {
	sessions := []models.SessionRecord{}
	query := "SELECT * FROM sessions ORDER BY created_at DESC"
	if err := s.db.SelectContext(ctx, &sessions, query); err != nil {
		return nil, err
	}
	return sessions, nil
}

// UpdateSessionStatus updates the status of a session.
func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE session_id = $2",
		status, sessionID)
	return err
}

// SaveTaskLog appends one task transition row.
func (s *PostgresStore) SaveTaskLog(ctx context.Context, log models.TaskLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_logs (request_id, task_id, worker_id, status, message)
		 VALUES ($1, $2, $3, $4, $5)`,
		log.RequestID, log.TaskID, log.WorkerID, log.Status, log.Message)
	return err
}

// ListTaskLogs retrieves all task transitions recorded for a request.
func (s *PostgresStore) ListTaskLogs(ctx context.Context, requestID string) ([]models.TaskLog, error) {
	logs := []models.TaskLog{}
	err := s.db.SelectContext(ctx, &logs,
		"SELECT * FROM task_logs WHERE request_id = $1 ORDER BY logged_at, id", requestID)
	if err != nil {
		return nil, err
	}
	return logs, nil
}

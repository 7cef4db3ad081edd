// Package store persists sensors, scan sessions and scan results in Postgres.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/sweeney/rfid-inspect/internal/logic"
)

// Open connects to Postgres and checks the connection.
func Open(ctx context.Context, dsn string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sensors (
		id TEXT PRIMARY KEY,
		structure_id TEXT NOT NULL,
		control_chip TEXT NOT NULL,
		measure_chip TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		installation_date TIMESTAMPTZ,
		state TEXT NOT NULL DEFAULT 'UNKNOWN',
		archived BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS scan_sessions (
		id UUID PRIMARY KEY,
		structure_id TEXT NOT NULL,
		technician TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS scan_results (
		sensor_id TEXT NOT NULL REFERENCES sensors(id),
		session_id UUID NOT NULL REFERENCES scan_sessions(id),
		ts TIMESTAMPTZ NOT NULL,
		state TEXT NOT NULL,
		PRIMARY KEY (sensor_id, session_id, ts)
	)`,
}

// Postgres implements the sensor loader, the session store and result inserts.
type Postgres struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgres wraps an open database.
func NewPostgres(db *sql.DB, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{db: db, logger: logger}
}

// Migrate creates missing tables.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const loadSensorsQuery = `SELECT id, structure_id, control_chip, measure_chip, name, note, installation_date, state
	FROM sensors WHERE structure_id = $1 AND NOT archived ORDER BY name, id`

// LoadSensors returns the structure's sensors that are not archived.
func (p *Postgres) LoadSensors(ctx context.Context, structureID string) ([]logic.Sensor, error) {
	rows, err := p.db.QueryContext(ctx, loadSensorsQuery, structureID)
	if err != nil {
		return nil, fmt.Errorf("query sensors: %w", err)
	}
	defer rows.Close()

	var sensors []logic.Sensor
	for rows.Next() {
		var (
			s         logic.Sensor
			installed sql.NullTime
			state     string
		)
		if err := rows.Scan(&s.ID, &s.StructureID, &s.ControlChip, &s.MeasureChip, &s.Name, &s.Note, &installed, &state); err != nil {
			return nil, fmt.Errorf("scan sensor: %w", err)
		}
		if installed.Valid {
			s.InstalledAt = installed.Time
		}
		s.State = logic.SensorState(state).Normalize()
		sensors = append(sensors, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sensors: %w", err)
	}
	return sensors, nil
}

const (
	openSessionQuery = `SELECT id, technician, started_at FROM scan_sessions
	WHERE structure_id = $1 AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1`
	sessionResultsQuery = `SELECT sensor_id, ts, state FROM scan_results
	WHERE session_id = $1 ORDER BY ts`
	insertSessionQuery = `INSERT INTO scan_sessions (id, structure_id, technician, started_at) VALUES ($1, $2, $3, $4)`
)

// OpenOrResume returns the structure's unfinished session with its results in
// time order, or creates a new session starting at now.
func (p *Postgres) OpenOrResume(ctx context.Context, structureID, technician string, now time.Time) (logic.Session, []logic.ResultRecord, error) {
	sess := logic.Session{StructureID: structureID}
	err := p.db.QueryRowContext(ctx, openSessionQuery, structureID).Scan(&sess.ID, &sess.Technician, &sess.StartedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		sess = logic.Session{
			ID:          uuid.NewString(),
			StructureID: structureID,
			Technician:  technician,
			StartedAt:   now,
		}
		if _, err := p.db.ExecContext(ctx, insertSessionQuery, sess.ID, structureID, technician, now); err != nil {
			return logic.Session{}, nil, fmt.Errorf("insert session: %w", err)
		}
		p.logger.Info("created scan session", zap.String("session_id", sess.ID), zap.String("structure_id", structureID))
		return sess, nil, nil
	case err != nil:
		return logic.Session{}, nil, fmt.Errorf("query open session: %w", err)
	}

	results, err := p.sessionResults(ctx, sess.ID)
	if err != nil {
		return logic.Session{}, nil, err
	}
	p.logger.Info("resuming scan session",
		zap.String("session_id", sess.ID),
		zap.String("structure_id", structureID),
		zap.Int("results", len(results)),
	)
	return sess, results, nil
}

func (p *Postgres) sessionResults(ctx context.Context, sessionID string) ([]logic.ResultRecord, error) {
	rows, err := p.db.QueryContext(ctx, sessionResultsQuery, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []logic.ResultRecord
	for rows.Next() {
		rec := logic.ResultRecord{SessionID: sessionID}
		var state string
		if err := rows.Scan(&rec.SensorID, &rec.Timestamp, &state); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		rec.State = logic.SensorState(state).Normalize()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

// ErrSessionNotFound is returned by Close for an unknown or already closed session.
var ErrSessionNotFound = errors.New("store: open session not found")

// Close sets the session's end time.
func (p *Postgres) Close(ctx context.Context, sessionID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE scan_sessions SET ended_at = $2 WHERE id = $1 AND ended_at IS NULL`, sessionID, at)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

const (
	insertResultQuery = `INSERT INTO scan_results (sensor_id, session_id, ts, state) VALUES ($1, $2, $3, $4)
	ON CONFLICT (sensor_id, session_id, ts) DO NOTHING`
	updateSensorStateQuery = `UPDATE sensors SET state = $2 WHERE id = $1`
)

// InsertResult stores rec and the sensor's current state in one transaction.
// Inserting the same record twice is a no-op.
func (p *Postgres) InsertResult(ctx context.Context, rec logic.ResultRecord) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, insertResultQuery, rec.SensorID, rec.SessionID, rec.Timestamp, string(rec.State)); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	if _, err = tx.ExecContext(ctx, updateSensorStateQuery, rec.SensorID, string(rec.State)); err != nil {
		return fmt.Errorf("update sensor state: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

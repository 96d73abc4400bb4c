package wbtrace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const (
	postgresModelTableName   = "workbook_model"
	postgresTraceTableName   = "workbook_trace"
	postgresOperationTimeout = 10 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore persists models and traces in the relational layout the wire
// contract describes. The database is opened lazily on first use.
type PostgresStore struct {
	dsn        string
	openDB     sqlOpenFunc
	generateID func() string
	modelTable string
	traceTable string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:        dsn,
		openDB:     sql.Open,
		generateID: uuid.NewString,
		modelTable: postgresModelTableName,
		traceTable: postgresTraceTableName,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					model_id TEXT PRIMARY KEY,
					model_name TEXT NOT NULL,
					version INTEGER NOT NULL DEFAULT 1,
					tracked_ranges TEXT NOT NULL DEFAULT '[]',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, postgresQuoteIdentifier(s.modelTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					trace_id BIGSERIAL PRIMARY KEY,
					model_id TEXT NOT NULL REFERENCES %s (model_id),
					timestamp TEXT NOT NULL,
					tracked_range_name TEXT NOT NULL,
					username TEXT NOT NULL,
					value TEXT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, postgresQuoteIdentifier(s.traceTable), postgresQuoteIdentifier(s.modelTable)),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (model_id, timestamp DESC, trace_id DESC)",
				postgresQuoteIdentifier(s.traceTable+"_model_ts_idx"),
				postgresQuoteIdentifier(s.traceTable),
			),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (model_name)",
				postgresQuoteIdentifier(s.modelTable+"_name_idx"),
				postgresQuoteIdentifier(s.modelTable),
			),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) UpsertModel(ctx context.Context, req UpsertModelRequest) (Model, error) {
	if strings.TrimSpace(req.ModelName) == "" {
		return Model{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Model{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	ranges := req.TrackedRanges
	if ranges == nil {
		ranges = []TrackedRange{}
	}
	rangesJSON, err := json.Marshal(ranges)
	if err != nil {
		return Model{}, err
	}
	modelID := strings.TrimSpace(req.ModelID)
	if modelID == "" {
		modelID = s.generateID()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Model{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// Serializes the read-increment-write sequence per model id so concurrent
	// upserts cannot produce duplicate version numbers.
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresModelLockKey(s.modelTable, modelID)); err != nil {
		return Model{}, err
	}

	selectQuery := fmt.Sprintf("SELECT version FROM %s WHERE model_id = $1", postgresQuoteIdentifier(s.modelTable))
	var currentVersion int
	err = tx.QueryRowContext(ctx, selectQuery, modelID).Scan(&currentVersion)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		insertQuery := fmt.Sprintf(`
			INSERT INTO %s (model_id, model_name, tracked_ranges, version)
			VALUES ($1, $2, $3, 1)
			RETURNING created_at, updated_at`, postgresQuoteIdentifier(s.modelTable))
		var createdAt, updatedAt time.Time
		if err := tx.QueryRowContext(ctx, insertQuery, modelID, req.ModelName, string(rangesJSON)).Scan(&createdAt, &updatedAt); err != nil {
			return Model{}, err
		}
		if err := tx.Commit(); err != nil {
			return Model{}, err
		}
		committed = true
		return Model{
			ModelName:     req.ModelName,
			TrackedRanges: ranges,
			ModelID:       modelID,
			Version:       1,
			CreatedAt:     createdAt.UTC().Format(time.RFC3339Nano),
			UpdatedAt:     updatedAt.UTC().Format(time.RFC3339Nano),
		}, nil
	case err != nil:
		return Model{}, err
	}

	newVersion := currentVersion + 1
	updateQuery := fmt.Sprintf(`
		UPDATE %s
		SET model_name = $1, tracked_ranges = $2, version = $3, updated_at = NOW()
		WHERE model_id = $4
		RETURNING created_at, updated_at`, postgresQuoteIdentifier(s.modelTable))
	var createdAt, updatedAt time.Time
	if err := tx.QueryRowContext(ctx, updateQuery, req.ModelName, string(rangesJSON), newVersion, modelID).Scan(&createdAt, &updatedAt); err != nil {
		return Model{}, err
	}
	if err := tx.Commit(); err != nil {
		return Model{}, err
	}
	committed = true
	return Model{
		ModelName:     req.ModelName,
		TrackedRanges: ranges,
		ModelID:       modelID,
		Version:       newVersion,
		CreatedAt:     createdAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:     updatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func (s *PostgresStore) LoadModel(ctx context.Context, modelID string) (Model, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return Model{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Model{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT model_name, tracked_ranges, version, created_at, updated_at
		FROM %s WHERE model_id = $1`, postgresQuoteIdentifier(s.modelTable))
	var (
		modelName  string
		rangesJSON string
		version    int
		createdAt  time.Time
		updatedAt  time.Time
	)
	err := s.db.QueryRowContext(ctx, query, modelID).Scan(&modelName, &rangesJSON, &version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Model{}, ErrNotFound
	}
	if err != nil {
		return Model{}, err
	}
	ranges := []TrackedRange{}
	if err := json.Unmarshal([]byte(rangesJSON), &ranges); err != nil {
		return Model{}, err
	}
	return Model{
		ModelName:     modelName,
		TrackedRanges: ranges,
		ModelID:       modelID,
		Version:       version,
		CreatedAt:     createdAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:     updatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func (s *PostgresStore) CreateTrace(ctx context.Context, trace Trace) (Trace, error) {
	if err := validateTrace(trace.ModelID, trace.TrackedRangeName); err != nil {
		return Trace{}, err
	}
	if err := s.ensureReady(); err != nil {
		return Trace{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Trace{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := s.checkModelExists(ctx, tx, trace.ModelID); err != nil {
		return Trace{}, err
	}
	stored, err := s.insertTrace(ctx, tx, trace)
	if err != nil {
		return Trace{}, err
	}
	if err := tx.Commit(); err != nil {
		return Trace{}, err
	}
	committed = true
	return stored, nil
}

func (s *PostgresStore) CreateTraceBatch(ctx context.Context, modelID, timestamp, username string, changes []TraceChange) ([]Trace, error) {
	if strings.TrimSpace(modelID) == "" {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// The referential check runs once for the whole batch.
	if err := s.checkModelExists(ctx, tx, modelID); err != nil {
		return nil, err
	}
	stored := make([]Trace, 0, len(changes))
	for _, change := range changes {
		if strings.TrimSpace(change.TrackedRangeName) == "" {
			continue
		}
		trace, err := s.insertTrace(ctx, tx, Trace{
			ModelID:          modelID,
			Timestamp:        timestamp,
			TrackedRangeName: change.TrackedRangeName,
			Username:         username,
			Value:            change.Value,
		})
		if err != nil {
			return nil, err
		}
		stored = append(stored, trace)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return stored, nil
}

func (s *PostgresStore) checkModelExists(ctx context.Context, tx *sql.Tx, modelID string) error {
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE model_id = $1", postgresQuoteIdentifier(s.modelTable))
	var one int
	err := tx.QueryRowContext(ctx, query, modelID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrModelNotFound
	}
	return err
}

func (s *PostgresStore) insertTrace(ctx context.Context, tx *sql.Tx, trace Trace) (Trace, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (model_id, timestamp, tracked_range_name, username, value)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING trace_id, created_at`, postgresQuoteIdentifier(s.traceTable))
	var value sql.NullString
	if len(trace.Value) > 0 {
		value = sql.NullString{String: string(trace.Value), Valid: true}
	}
	var createdAt time.Time
	if err := tx.QueryRowContext(ctx, query, trace.ModelID, trace.Timestamp, trace.TrackedRangeName, trace.Username, value).Scan(&trace.TraceID, &createdAt); err != nil {
		return Trace{}, err
	}
	trace.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
	return trace, nil
}

func (s *PostgresStore) RecentTraces(ctx context.Context, modelID string, limit int) ([]Trace, error) {
	if strings.TrimSpace(modelID) == "" {
		return nil, ErrInvalidInput
	}
	if limit <= 0 {
		limit = DefaultTraceLimit
	}
	if limit > MaxTraceLimit {
		limit = MaxTraceLimit
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT trace_id, model_id, timestamp, tracked_range_name, username, value, created_at
		FROM %s
		WHERE model_id = $1
		ORDER BY timestamp DESC, trace_id DESC
		LIMIT $2`, postgresQuoteIdentifier(s.traceTable))
	rows, err := s.db.QueryContext(ctx, query, modelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	traces := make([]Trace, 0, limit)
	for rows.Next() {
		var trace Trace
		var value sql.NullString
		var createdAt time.Time
		if err := rows.Scan(&trace.TraceID, &trace.ModelID, &trace.Timestamp, &trace.TrackedRangeName, &trace.Username, &value, &createdAt); err != nil {
			return nil, err
		}
		if value.Valid {
			trace.Value = json.RawMessage(value.String)
		}
		trace.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
		traces = append(traces, trace)
	}
	return traces, rows.Err()
}

func (s *PostgresStore) ListModels(ctx context.Context) ([]Model, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT model_id, model_name, tracked_ranges, version, created_at, updated_at
		FROM %s ORDER BY model_id`, postgresQuoteIdentifier(s.modelTable))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	models := make([]Model, 0)
	for rows.Next() {
		var model Model
		var rangesJSON string
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&model.ModelID, &model.ModelName, &rangesJSON, &model.Version, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		ranges := []TrackedRange{}
		if err := json.Unmarshal([]byte(rangesJSON), &ranges); err != nil {
			return nil, err
		}
		model.TrackedRanges = ranges
		model.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
		model.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
		models = append(models, model)
	}
	return models, rows.Err()
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresModelLockKey(tableName, modelID string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(tableName))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(modelID)))
	return int64(hasher.Sum64())
}

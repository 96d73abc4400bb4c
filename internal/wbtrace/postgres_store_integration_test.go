package wbtrace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("WBTRACE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set WBTRACE_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := postgresIntegrationDSN(t)
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	suffix := fmt.Sprintf("it_%d_%d", time.Now().UnixNano(), n)
	store.modelTable = "workbook_model_" + suffix
	store.traceTable = "workbook_trace_" + suffix
	t.Cleanup(func() {
		postgresIntegrationDropTables(t, dsn, store.traceTable, store.modelTable)
		_ = store.Close()
	})
	return store
}

func postgresIntegrationDropTables(t *testing.T, dsn string, tableNames ...string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, tableName := range tableNames {
		query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
		}
	}
}

func TestPostgresIntegrationUpsertAndLoad(t *testing.T) {
	store := postgresIntegrationStore(t)
	ctx := context.Background()

	created, err := store.UpsertModel(ctx, UpsertModelRequest{
		ModelName:     "Budget",
		TrackedRanges: []TrackedRange{{Name: "Revenue", Range: "Sheet1!B2:B13"}},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.ModelID == "" || created.Version != 1 {
		t.Fatalf("unexpected created model: %+v", created)
	}

	updated, err := store.UpsertModel(ctx, UpsertModelRequest{
		ModelName: "Budget v2",
		ModelID:   created.ModelID,
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}

	loaded, err := store.LoadModel(ctx, created.ModelID)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.ModelName != "Budget v2" || loaded.Version != 2 || len(loaded.TrackedRanges) != 0 {
		t.Fatalf("unexpected loaded model: %+v", loaded)
	}

	if _, err := store.LoadModel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresIntegrationTraces(t *testing.T) {
	store := postgresIntegrationStore(t)
	ctx := context.Background()

	model, err := store.UpsertModel(ctx, UpsertModelRequest{ModelName: "Budget"})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	if _, err := store.CreateTrace(ctx, Trace{ModelID: "missing", TrackedRangeName: "Revenue"}); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}

	first, err := store.CreateTrace(ctx, Trace{
		ModelID:          model.ModelID,
		Timestamp:        "2026-08-29T09:00:00Z",
		TrackedRangeName: "Revenue",
		Username:         "sofia",
		Value:            json.RawMessage(`[[1,2]]`),
	})
	if err != nil {
		t.Fatalf("create trace failed: %v", err)
	}
	if first.TraceID == 0 || first.CreatedAt == "" {
		t.Fatalf("unexpected stored trace: %+v", first)
	}

	batch, err := store.CreateTraceBatch(ctx, model.ModelID, "2026-08-29T10:00:00Z", "amir", []TraceChange{
		{TrackedRangeName: "Revenue", Value: json.RawMessage(`1`)},
		{TrackedRangeName: "", Value: json.RawMessage(`2`)},
		{TrackedRangeName: "Costs", Value: json.RawMessage(`3`)},
	})
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 stored traces, got %d", len(batch))
	}

	traces, err := store.RecentTraces(ctx, model.ModelID, 10)
	if err != nil {
		t.Fatalf("recent traces failed: %v", err)
	}
	if len(traces) != 3 {
		t.Fatalf("expected 3 traces, got %d", len(traces))
	}
	if traces[0].Timestamp != "2026-08-29T10:00:00Z" || traces[len(traces)-1].TraceID != first.TraceID {
		t.Fatalf("unexpected ordering: %+v", traces)
	}
	if string(traces[len(traces)-1].Value) != `[[1,2]]` {
		t.Fatalf("value did not round-trip: %s", traces[len(traces)-1].Value)
	}
}

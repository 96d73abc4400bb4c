package wbtrace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func TestMemoryStoreUpsertCreatesModel(t *testing.T) {
	store := NewMemoryStoreWithOptions(MemoryStoreOptions{GenerateID: sequentialIDs("m")})
	ctx := context.Background()

	model, err := store.UpsertModel(ctx, UpsertModelRequest{
		ModelName: "Budget 2026",
		TrackedRanges: []TrackedRange{
			{Name: "Revenue", Range: "Sheet1!B2:B13"},
		},
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if model.ModelID != "m-1" {
		t.Fatalf("expected generated id m-1, got %q", model.ModelID)
	}
	if model.Version != 1 {
		t.Fatalf("expected version 1, got %d", model.Version)
	}
	if model.CreatedAt == "" || model.UpdatedAt == "" {
		t.Fatalf("expected timestamps to be set: %+v", model)
	}

	loaded, err := store.LoadModel(ctx, "m-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.ModelName != "Budget 2026" || len(loaded.TrackedRanges) != 1 {
		t.Fatalf("unexpected loaded model: %+v", loaded)
	}
}

func TestMemoryStoreUpsertIncrementsVersion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	created, err := store.UpsertModel(ctx, UpsertModelRequest{ModelName: "Forecast"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	updated, err := store.UpsertModel(ctx, UpsertModelRequest{
		ModelName: "Forecast v2",
		ModelID:   created.ModelID,
		TrackedRanges: []TrackedRange{
			{Name: "Costs", Range: "Sheet2!C1:C20"},
		},
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}
	if updated.ModelName != "Forecast v2" || len(updated.TrackedRanges) != 1 {
		t.Fatalf("expected name and ranges replaced: %+v", updated)
	}
	if updated.CreatedAt != created.CreatedAt {
		t.Fatalf("created_at must survive updates: %q vs %q", updated.CreatedAt, created.CreatedAt)
	}

	again, err := store.UpsertModel(ctx, UpsertModelRequest{ModelName: "Forecast v3", ModelID: created.ModelID})
	if err != nil {
		t.Fatalf("second update failed: %v", err)
	}
	if again.Version != 3 {
		t.Fatalf("expected version 3, got %d", again.Version)
	}
}

func TestMemoryStoreUpsertUnknownIDCreatesFresh(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	model, err := store.UpsertModel(ctx, UpsertModelRequest{ModelName: "Imported", ModelID: "ext-42"})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if model.ModelID != "ext-42" || model.Version != 1 {
		t.Fatalf("expected fresh model under supplied id, got %+v", model)
	}
}

func TestMemoryStoreUpsertRejectsEmptyName(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.UpsertModel(context.Background(), UpsertModelRequest{ModelName: "   "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestMemoryStoreLoadModelNotFound(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.LoadModel(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreCreateTrace(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	model, err := store.UpsertModel(ctx, UpsertModelRequest{ModelName: "Budget"})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	first, err := store.CreateTrace(ctx, Trace{
		ModelID:          model.ModelID,
		Timestamp:        "2026-08-29T10:00:00Z",
		TrackedRangeName: "Revenue",
		Username:         "sofia",
		Value:            json.RawMessage(`[[1,2],[3,4]]`),
	})
	if err != nil {
		t.Fatalf("create trace failed: %v", err)
	}
	if first.TraceID != 1 || first.CreatedAt == "" {
		t.Fatalf("unexpected stored trace: %+v", first)
	}
	second, err := store.CreateTrace(ctx, Trace{
		ModelID:          model.ModelID,
		Timestamp:        "2026-08-29T10:00:01Z",
		TrackedRangeName: "Revenue",
		Username:         "sofia",
	})
	if err != nil {
		t.Fatalf("second trace failed: %v", err)
	}
	if second.TraceID != 2 {
		t.Fatalf("expected monotonically increasing ids, got %d", second.TraceID)
	}
}

func TestMemoryStoreCreateTraceUnknownModel(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.CreateTrace(context.Background(), Trace{
		ModelID:          "missing",
		TrackedRangeName: "Revenue",
	})
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
}

func TestMemoryStoreCreateTraceBatch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	model, err := store.UpsertModel(ctx, UpsertModelRequest{ModelName: "Budget"})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	stored, err := store.CreateTraceBatch(ctx, model.ModelID, "2026-08-29T11:00:00Z", "amir", []TraceChange{
		{TrackedRangeName: "Revenue", Value: json.RawMessage(`100`)},
		{TrackedRangeName: "  ", Value: json.RawMessage(`7`)},
		{TrackedRangeName: "Costs", Value: json.RawMessage(`"n/a"`)},
	})
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected blank-name change skipped, got %d traces", len(stored))
	}
	for _, trace := range stored {
		if trace.Timestamp != "2026-08-29T11:00:00Z" || trace.Username != "amir" {
			t.Fatalf("batch fields not propagated: %+v", trace)
		}
	}

	if _, err := store.CreateTraceBatch(ctx, "missing", "ts", "amir", []TraceChange{{TrackedRangeName: "X"}}); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
}

func TestMemoryStoreRecentTracesOrderAndLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	model, err := store.UpsertModel(ctx, UpsertModelRequest{ModelName: "Budget"})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	timestamps := []string{
		"2026-08-29T09:00:00Z",
		"2026-08-29T11:00:00Z",
		"2026-08-29T10:00:00Z",
		"2026-08-29T11:00:00Z",
	}
	for _, ts := range timestamps {
		if _, err := store.CreateTrace(ctx, Trace{ModelID: model.ModelID, Timestamp: ts, TrackedRangeName: "Revenue"}); err != nil {
			t.Fatalf("create trace failed: %v", err)
		}
	}

	traces, err := store.RecentTraces(ctx, model.ModelID, 0)
	if err != nil {
		t.Fatalf("recent traces failed: %v", err)
	}
	if len(traces) != 4 {
		t.Fatalf("expected 4 traces, got %d", len(traces))
	}
	// Newest timestamp first; equal timestamps break on insertion order.
	wantIDs := []int64{4, 2, 3, 1}
	for i, want := range wantIDs {
		if traces[i].TraceID != want {
			t.Fatalf("position %d: expected trace %d, got %d", i, want, traces[i].TraceID)
		}
	}

	limited, err := store.RecentTraces(ctx, model.ModelID, 2)
	if err != nil {
		t.Fatalf("limited query failed: %v", err)
	}
	if len(limited) != 2 || limited[0].TraceID != 4 || limited[1].TraceID != 2 {
		t.Fatalf("unexpected limited result: %+v", limited)
	}
}

func TestMemoryStoreRecentTracesUnknownModelEmpty(t *testing.T) {
	store := NewMemoryStore()
	traces, err := store.RecentTraces(context.Background(), "missing", 10)
	if err != nil {
		t.Fatalf("expected empty result without error, got %v", err)
	}
	if len(traces) != 0 {
		t.Fatalf("expected no traces, got %d", len(traces))
	}
}

func TestMemoryStoreListModelsSorted(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"b", "c", "a"} {
		if _, err := store.UpsertModel(ctx, UpsertModelRequest{ModelName: "M " + id, ModelID: id}); err != nil {
			t.Fatalf("upsert %s failed: %v", id, err)
		}
	}
	models, err := store.ListModels(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(models) != 3 || models[0].ModelID != "a" || models[1].ModelID != "b" || models[2].ModelID != "c" {
		t.Fatalf("expected models sorted by id, got %+v", models)
	}
}

func TestMemoryStoreStateFilePersistsAcrossReopen(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	store := NewMemoryStoreWithOptions(MemoryStoreOptions{StateFile: stateFile, GenerateID: sequentialIDs("m")})
	model, err := store.UpsertModel(ctx, UpsertModelRequest{
		ModelName:     "Budget",
		TrackedRanges: []TrackedRange{{Name: "Revenue", Range: "B2:B13"}},
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, err := store.CreateTrace(ctx, Trace{ModelID: model.ModelID, Timestamp: "t1", TrackedRangeName: "Revenue"}); err != nil {
		t.Fatalf("create trace failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened := NewMemoryStoreWithOptions(MemoryStoreOptions{StateFile: stateFile})
	loaded, err := reopened.LoadModel(ctx, model.ModelID)
	if err != nil {
		t.Fatalf("load after reopen failed: %v", err)
	}
	if loaded.ModelName != "Budget" || loaded.Version != 1 {
		t.Fatalf("unexpected reloaded model: %+v", loaded)
	}
	traces, err := reopened.RecentTraces(ctx, model.ModelID, 10)
	if err != nil {
		t.Fatalf("recent traces after reopen failed: %v", err)
	}
	if len(traces) != 1 || traces[0].TraceID != 1 {
		t.Fatalf("expected persisted trace, got %+v", traces)
	}

	// The trace counter survives too, so new traces never reuse ids.
	next, err := reopened.CreateTrace(ctx, Trace{ModelID: model.ModelID, Timestamp: "t2", TrackedRangeName: "Revenue"})
	if err != nil {
		t.Fatalf("post-reopen trace failed: %v", err)
	}
	if next.TraceID != 2 {
		t.Fatalf("expected trace id 2 after reopen, got %d", next.TraceID)
	}
}

func TestInMemoryStateBackendRoundTrip(t *testing.T) {
	backend := NewInMemoryStateBackend()
	store := NewMemoryStoreWithOptions(MemoryStoreOptions{StateBackend: backend, GenerateID: sequentialIDs("m")})
	if _, err := store.UpsertModel(context.Background(), UpsertModelRequest{ModelName: "Budget"}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	reopened := NewMemoryStoreWithOptions(MemoryStoreOptions{StateBackend: backend})
	if _, err := reopened.LoadModel(context.Background(), "m-1"); err != nil {
		t.Fatalf("expected model in shared backend, got %v", err)
	}
}

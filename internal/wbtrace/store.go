package wbtrace

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrModelNotFound  = errors.New("model not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

const (
	DefaultTraceLimit = 100
	MaxTraceLimit     = 1000
)

// TrackedRange names a cell range whose changes are logged. The range
// expression is opaque to the store; only the matcher interprets it.
type TrackedRange struct {
	Name  string `json:"name"`
	Range string `json:"range"`
}

// Model is a named, versioned collection of tracked ranges for one workbook.
type Model struct {
	ModelName     string         `json:"model_name"`
	TrackedRanges []TrackedRange `json:"tracked_ranges"`
	ModelID       string         `json:"model_id"`
	Version       int            `json:"version"`
	CreatedAt     string         `json:"created_at,omitempty"`
	UpdatedAt     string         `json:"updated_at,omitempty"`
}

// Trace is one append-only record of a value change to a tracked range.
// Timestamp is the producer's clock, stored as given and never validated.
type Trace struct {
	TraceID          int64           `json:"trace_id,omitempty"`
	ModelID          string          `json:"model_id"`
	Timestamp        string          `json:"timestamp"`
	TrackedRangeName string          `json:"tracked_range_name"`
	Username         string          `json:"username"`
	Value            json.RawMessage `json:"value"`
	CreatedAt        string          `json:"created_at,omitempty"`
}

type TraceChange struct {
	TrackedRangeName string          `json:"tracked_range_name"`
	Value            json.RawMessage `json:"value"`
}

type UpsertModelRequest struct {
	ModelName     string         `json:"model_name"`
	TrackedRanges []TrackedRange `json:"tracked_ranges"`
	ModelID       string         `json:"model_id,omitempty"`
	Version       int            `json:"version,omitempty"`
}

// Store combines the model store and the trace store behind the ingestion
// operations. Implementations must serialize the upsert read-increment-write
// sequence per model id.
type Store interface {
	UpsertModel(ctx context.Context, req UpsertModelRequest) (Model, error)
	LoadModel(ctx context.Context, modelID string) (Model, error)
	CreateTrace(ctx context.Context, trace Trace) (Trace, error)
	CreateTraceBatch(ctx context.Context, modelID, timestamp, username string, changes []TraceChange) ([]Trace, error)
	RecentTraces(ctx context.Context, modelID string, limit int) ([]Trace, error)
	ListModels(ctx context.Context) ([]Model, error)
	Close() error
}

type MemoryStoreOptions struct {
	StateFile    string
	StateBackend StateBackend
	GenerateID   func() string
}

// MemoryStore keeps all state under a single mutex. An optional StateBackend
// snapshots the full state after every mutation so a single-process
// deployment survives restarts.
type MemoryStore struct {
	mu           sync.Mutex
	models       map[string]Model
	traces       map[string][]Trace
	traceCounter int64
	stateBackend StateBackend
	generateID   func() string
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithOptions(MemoryStoreOptions{})
}

func NewMemoryStoreWithOptions(opts MemoryStoreOptions) *MemoryStore {
	generateID := opts.GenerateID
	if generateID == nil {
		generateID = uuid.NewString
	}
	stateBackend := opts.StateBackend
	if stateBackend == nil && strings.TrimSpace(opts.StateFile) != "" {
		stateBackend = NewJSONFileStateBackend(opts.StateFile)
	}
	s := &MemoryStore{
		models:       map[string]Model{},
		traces:       map[string][]Trace{},
		stateBackend: stateBackend,
		generateID:   generateID,
	}
	_ = s.loadFromBackend()
	return s
}

func (s *MemoryStore) loadFromBackend() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil || snapshot == nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if snapshot.Models != nil {
		s.models = snapshot.Models
	}
	if snapshot.Traces != nil {
		s.traces = snapshot.Traces
	}
	s.traceCounter = snapshot.TraceCounter
	return nil
}

func (s *MemoryStore) saveLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	return s.stateBackend.Save(&persistedState{
		Models:       s.models,
		Traces:       s.traces,
		TraceCounter: s.traceCounter,
	})
}

func (s *MemoryStore) UpsertModel(ctx context.Context, req UpsertModelRequest) (Model, error) {
	if strings.TrimSpace(req.ModelName) == "" {
		return Model{}, ErrInvalidInput
	}
	ranges := append([]TrackedRange(nil), req.TrackedRanges...)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	s.mu.Lock()
	defer s.mu.Unlock()

	modelID := strings.TrimSpace(req.ModelID)
	if modelID != "" {
		if existing, ok := s.models[modelID]; ok {
			// The caller-supplied version is advisory only: updates always
			// accept and increment (single named writer per model).
			existing.ModelName = req.ModelName
			existing.TrackedRanges = ranges
			existing.Version++
			existing.UpdatedAt = now
			s.models[modelID] = existing
			_ = s.saveLocked()
			return cloneModel(existing), nil
		}
	}
	if modelID == "" {
		modelID = s.generateID()
	}
	created := Model{
		ModelName:     req.ModelName,
		TrackedRanges: ranges,
		ModelID:       modelID,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.models[modelID] = created
	_ = s.saveLocked()
	return cloneModel(created), nil
}

func (s *MemoryStore) LoadModel(ctx context.Context, modelID string) (Model, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return Model{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	model, ok := s.models[modelID]
	if !ok {
		return Model{}, ErrNotFound
	}
	return cloneModel(model), nil
}

func (s *MemoryStore) CreateTrace(ctx context.Context, trace Trace) (Trace, error) {
	if err := validateTrace(trace.ModelID, trace.TrackedRangeName); err != nil {
		return Trace{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[trace.ModelID]; !ok {
		return Trace{}, ErrModelNotFound
	}
	stored := s.appendTraceLocked(trace)
	_ = s.saveLocked()
	return stored, nil
}

func (s *MemoryStore) CreateTraceBatch(ctx context.Context, modelID, timestamp, username string, changes []TraceChange) ([]Trace, error) {
	if strings.TrimSpace(modelID) == "" {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[modelID]; !ok {
		return nil, ErrModelNotFound
	}
	stored := make([]Trace, 0, len(changes))
	for _, change := range changes {
		if strings.TrimSpace(change.TrackedRangeName) == "" {
			continue
		}
		stored = append(stored, s.appendTraceLocked(Trace{
			ModelID:          modelID,
			Timestamp:        timestamp,
			TrackedRangeName: change.TrackedRangeName,
			Username:         username,
			Value:            change.Value,
		}))
	}
	_ = s.saveLocked()
	return stored, nil
}

func (s *MemoryStore) appendTraceLocked(trace Trace) Trace {
	s.traceCounter++
	trace.TraceID = s.traceCounter
	trace.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	s.traces[trace.ModelID] = append(s.traces[trace.ModelID], trace)
	return trace
}

func (s *MemoryStore) RecentTraces(ctx context.Context, modelID string, limit int) ([]Trace, error) {
	if strings.TrimSpace(modelID) == "" {
		return nil, ErrInvalidInput
	}
	if limit <= 0 {
		limit = DefaultTraceLimit
	}
	if limit > MaxTraceLimit {
		limit = MaxTraceLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Caller-supplied timestamps order the result; insertion order (trace id)
	// is the authoritative tiebreaker across equal timestamps.
	out := append([]Trace(nil), s.traces[modelID]...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].TraceID > out[j].TraceID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListModels(ctx context.Context) ([]Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	models := make([]Model, 0, len(s.models))
	for _, model := range s.models {
		models = append(models, cloneModel(model))
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ModelID < models[j].ModelID })
	return models, nil
}

func (s *MemoryStore) Close() error {
	if closer, ok := s.stateBackend.(stateBackendCloser); ok && closer != nil {
		return closer.Close()
	}
	return nil
}

func validateTrace(modelID, trackedRangeName string) error {
	if strings.TrimSpace(modelID) == "" || strings.TrimSpace(trackedRangeName) == "" {
		return ErrInvalidInput
	}
	return nil
}

func cloneModel(model Model) Model {
	model.TrackedRanges = append([]TrackedRange(nil), model.TrackedRanges...)
	return model
}

package agentsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spreadtrace/wbtrace/internal/wbtrace"
)

const modelIDPropKey = "model_id"

type TrackerOptions struct {
	Client      IngestClient
	Props       PropStore
	Queue       *OfflineDeliveryQueue
	Username    string
	Logger      Logger
	Now         func() time.Time
	CallTimeout time.Duration
}

// Tracker is one producer session over a single workbook: it registers or
// resumes the workbook's model and turns cell changes into traces.
type Tracker struct {
	client      IngestClient
	props       PropStore
	queue       *OfflineDeliveryQueue
	username    string
	logger      Logger
	now         func() time.Time
	callTimeout time.Duration

	mu    sync.Mutex
	model wbtrace.Model
	ready bool
}

func NewTracker(opts TrackerOptions) (*Tracker, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if opts.Props == nil {
		return nil, fmt.Errorf("prop store is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	username := strings.TrimSpace(opts.Username)
	if username == "" {
		username = "unknown"
	}
	return &Tracker{
		client:      opts.Client,
		props:       opts.Props,
		queue:       opts.Queue,
		username:    username,
		logger:      opts.Logger,
		now:         now,
		callTimeout: callTimeout,
	}, nil
}

// Register upserts the workbook's model and pins the returned model id in
// the prop store. If a model id is already pinned the registration updates
// that model in place, bumping its version.
func (t *Tracker) Register(ctx context.Context, modelName string, ranges []wbtrace.TrackedRange) (wbtrace.Model, error) {
	existingID, _, err := t.props.Get(modelIDPropKey)
	if err != nil {
		return wbtrace.Model{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, t.callTimeout)
	defer cancel()
	model, err := t.client.UpsertModel(callCtx, wbtrace.UpsertModelRequest{
		ModelName:     modelName,
		TrackedRanges: ranges,
		ModelID:       existingID,
	})
	if err != nil {
		return wbtrace.Model{}, err
	}
	if err := t.props.Set(modelIDPropKey, model.ModelID); err != nil {
		return wbtrace.Model{}, err
	}
	t.setModel(model)
	t.logf("registered model %s (%s) v%d with %d tracked ranges", model.ModelID, model.ModelName, model.Version, len(model.TrackedRanges))
	return model, nil
}

// Resume reloads the model pinned in the prop store. It reports false when
// no model is pinned or the pinned model no longer exists server-side, in
// which case the caller should Register again. Transport failures surface
// as errors so a temporarily unreachable server is not mistaken for a
// deleted model.
func (t *Tracker) Resume(ctx context.Context) (wbtrace.Model, bool, error) {
	modelID, ok, err := t.props.Get(modelIDPropKey)
	if err != nil {
		return wbtrace.Model{}, false, err
	}
	if !ok || strings.TrimSpace(modelID) == "" {
		return wbtrace.Model{}, false, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, t.callTimeout)
	defer cancel()
	model, err := t.client.LoadModel(callCtx, modelID)
	if errors.Is(err, ErrModelNotFound) {
		t.logf("pinned model %s is gone, registration needed", modelID)
		return wbtrace.Model{}, false, nil
	}
	if err != nil {
		return wbtrace.Model{}, false, err
	}
	t.setModel(model)
	return model, true, nil
}

// HandleChange maps a changed cell to a tracked range and records a trace.
// Changes outside every tracked range are ignored. A delivery failure parks
// the trace on the offline queue instead of surfacing an error, so the
// producer keeps running through outages.
func (t *Tracker) HandleChange(ctx context.Context, address string, value json.RawMessage) error {
	t.mu.Lock()
	model := t.model
	ready := t.ready
	t.mu.Unlock()
	if !ready {
		return fmt.Errorf("tracker has no model: register or resume first")
	}

	tracked, ok := wbtrace.ResolveRange(address, model.TrackedRanges)
	if !ok {
		return nil
	}
	trace := wbtrace.Trace{
		ModelID:          model.ModelID,
		Timestamp:        t.now().UTC().Format(time.RFC3339),
		TrackedRangeName: tracked.Name,
		Username:         t.username,
		Value:            value,
	}

	callCtx, cancel := context.WithTimeout(ctx, t.callTimeout)
	err := t.client.CreateTrace(callCtx, trace)
	cancel()
	switch {
	case errors.Is(err, ErrModelNotFound):
		return err
	case err != nil:
		if t.queue == nil {
			return err
		}
		t.logf("trace delivery failed, queued: %v", err)
		t.queue.Enqueue(trace)
		return nil
	}

	// Delivery works again, so drain whatever piled up while offline.
	if t.queue != nil && t.queue.Depth() > 0 {
		if flushErr := t.queue.Flush(ctx); flushErr != nil {
			t.logf("backlog flush failed: %v", flushErr)
		}
	}
	return nil
}

func (t *Tracker) Model() (wbtrace.Model, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.model, t.ready
}

func (t *Tracker) setModel(model wbtrace.Model) {
	t.mu.Lock()
	t.model = model
	t.ready = true
	t.mu.Unlock()
}

func (t *Tracker) logf(format string, args ...any) {
	if t.logger != nil {
		t.logger.Printf(format, args...)
	}
}

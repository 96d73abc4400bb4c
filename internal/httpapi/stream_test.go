package httpapi

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/spreadtrace/wbtrace/internal/wbtrace"
)

func TestTraceHubPublishSubscribe(t *testing.T) {
	hub := newTraceHub()
	ch, cancel := hub.Subscribe("m1")
	defer cancel()

	hub.Publish(wbtrace.Trace{ModelID: "m1", TrackedRangeName: "Revenue"})
	hub.Publish(wbtrace.Trace{ModelID: "other", TrackedRangeName: "Costs"})

	select {
	case trace := <-ch:
		if trace.TrackedRangeName != "Revenue" {
			t.Fatalf("unexpected trace: %+v", trace)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected published trace")
	}
	select {
	case trace := <-ch:
		t.Fatalf("trace for another model leaked: %+v", trace)
	default:
	}
}

func TestTraceHubUnsubscribeStopsDelivery(t *testing.T) {
	hub := newTraceHub()
	ch, cancel := hub.Subscribe("m1")
	cancel()
	hub.Publish(wbtrace.Trace{ModelID: "m1"})
	select {
	case trace := <-ch:
		t.Fatalf("expected no delivery after cancel, got %+v", trace)
	default:
	}
}

func TestTraceStreamDeliversCreatedTraces(t *testing.T) {
	ts, store := newTestServer(t, ServerConfig{})
	model, err := store.UpsertModel(context.Background(), wbtrace.UpsertModelRequest{ModelName: "Budget"})
	if err != nil {
		t.Fatalf("seed model: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(ts.URL, "http://", "ws://", 1) + "/wb/trace-stream?model_id=" + model.ModelID
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Give the handler a beat to register its subscription.
	time.Sleep(200 * time.Millisecond)

	resp, data := doJSONRequest(t, http.MethodPost, ts.URL+"/wb/create-model-trace", map[string]any{
		"model_id":           model.ModelID,
		"timestamp":          "2026-08-29T12:00:00Z",
		"tracked_range_name": "Revenue",
		"username":           "sofia",
		"value":              42,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create trace expected 200, got %d: %s", resp.StatusCode, data)
	}

	var trace wbtrace.Trace
	if err := wsjson.Read(ctx, conn, &trace); err != nil {
		t.Fatalf("read stream frame failed: %v", err)
	}
	if trace.ModelID != model.ModelID || trace.TrackedRangeName != "Revenue" {
		t.Fatalf("unexpected streamed trace: %+v", trace)
	}
}

func TestTraceStreamRequiresModelID(t *testing.T) {
	ts, _ := newTestServer(t, ServerConfig{})
	resp, data := doJSONRequest(t, http.MethodGet, ts.URL+"/wb/trace-stream", nil)
	if resp.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
		t.Fatalf("expected 400 bad_request, got %d: %s", resp.StatusCode, data)
	}
}

package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/spreadtrace/wbtrace/internal/wbtrace"
)

const streamWriteTimeout = 5 * time.Second

// traceHub fans accepted traces out to websocket subscribers per model.
// Publish never blocks: a subscriber that cannot keep up loses traces, the
// durable record is always the store.
type traceHub struct {
	mu   sync.Mutex
	subs map[string]map[chan wbtrace.Trace]struct{}
}

func newTraceHub() *traceHub {
	return &traceHub{subs: map[string]map[chan wbtrace.Trace]struct{}{}}
}

func (h *traceHub) Subscribe(modelID string) (<-chan wbtrace.Trace, func()) {
	ch := make(chan wbtrace.Trace, 32)
	h.mu.Lock()
	if h.subs[modelID] == nil {
		h.subs[modelID] = map[chan wbtrace.Trace]struct{}{}
	}
	h.subs[modelID][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[modelID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, modelID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *traceHub) Publish(trace wbtrace.Trace) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[trace.ModelID] {
		select {
		case ch <- trace:
		default:
		}
	}
}

func (s *Server) handleTraceStream(w http.ResponseWriter, r *http.Request) {
	modelID := strings.TrimSpace(r.URL.Query().Get("model_id"))
	if modelID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing model_id query parameter")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	traces, cancel := s.hub.Subscribe(modelID)
	defer cancel()

	// CloseRead keeps the read pump running so pings and the peer's close
	// frame are handled while we only write.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case trace := <-traces:
			writeCtx, cancelWrite := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, trace)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}

// originPatterns turns configured CORS origins into websocket host patterns.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if origin == "*" {
			return []string{"*"}
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			patterns = append(patterns, parsed.Host)
			continue
		}
		patterns = append(patterns, origin)
	}
	return patterns
}

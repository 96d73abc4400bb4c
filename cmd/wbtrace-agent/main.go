package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spreadtrace/wbtrace/internal/agentsync"
	"github.com/spreadtrace/wbtrace/internal/wbtrace"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("WBTRACE_BASE_URL", "http://127.0.0.1:8080"), "wbtrace server base URL")
	watchPath := flag.String("watch", strings.TrimSpace(os.Getenv("WBTRACE_WATCH_FILE")), "CSV workbook export to watch")
	worksheet := flag.String("sheet", envOrDefault("WBTRACE_WORKSHEET", "Sheet1"), "worksheet name for the watched export")
	modelName := flag.String("model-name", strings.TrimSpace(os.Getenv("WBTRACE_MODEL_NAME")), "model name used at registration")
	rangesSpec := flag.String("ranges", strings.TrimSpace(os.Getenv("WBTRACE_RANGES")), "tracked ranges as Name=Ref pairs, comma separated (e.g. Revenue=Sheet1!B2:B13,Costs=Sheet1!C2:C13)")
	propsFile := flag.String("props-file", strings.TrimSpace(os.Getenv("WBTRACE_PROPS_FILE")), "workbook props file (defaults next to the watched file)")
	username := flag.String("username", envOrDefault("WBTRACE_USERNAME", envOrDefault("USER", "unknown")), "username recorded on traces")
	timeout := flag.Duration("timeout", durationEnv("WBTRACE_TIMEOUT", 10*time.Second), "per-request timeout")
	flushInterval := flag.Duration("flush-interval", durationEnv("WBTRACE_FLUSH_INTERVAL", 30*time.Second), "offline queue flush interval")
	debounce := flag.Duration("debounce", durationEnv("WBTRACE_DEBOUNCE", 250*time.Millisecond), "file change debounce window")
	flag.Parse()

	if strings.TrimSpace(*watchPath) == "" {
		log.Fatalf("watch file is required (--watch or WBTRACE_WATCH_FILE)")
	}
	if *timeout <= 0 {
		*timeout = 10 * time.Second
	}
	if strings.TrimSpace(*propsFile) == "" {
		*propsFile = *watchPath + ".wbtrace-props.json"
	}

	ranges, err := parseRanges(*rangesSpec)
	if err != nil {
		log.Fatalf("invalid --ranges: %v", err)
	}

	client := agentsync.NewHTTPClient(*baseURL, &http.Client{Timeout: *timeout})
	props := agentsync.NewJSONFilePropStore(*propsFile)
	queue := agentsync.NewOfflineDeliveryQueue(agentsync.OfflineQueueOptions{
		Client:        client,
		FlushInterval: *flushInterval,
		Logger:        log.Default(),
	})
	tracker, err := agentsync.NewTracker(agentsync.TrackerOptions{
		Client:      client,
		Props:       props,
		Queue:       queue,
		Username:    *username,
		Logger:      log.Default(),
		CallTimeout: *timeout,
	})
	if err != nil {
		log.Fatalf("failed to initialize tracker: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	model, resumed, err := tracker.Resume(rootCtx)
	if err != nil {
		log.Fatalf("resume failed: %v", err)
	}
	if !resumed {
		if strings.TrimSpace(*modelName) == "" || len(ranges) == 0 {
			log.Fatalf("no model to resume: --model-name and --ranges are required for registration")
		}
		model, err = tracker.Register(rootCtx, *modelName, ranges)
		if err != nil {
			log.Fatalf("registration failed: %v", err)
		}
	}
	log.Printf("tracking model %s (%s) v%d", model.ModelID, model.ModelName, model.Version)

	watcher, err := agentsync.NewWatcher(agentsync.WatcherOptions{
		Path:      *watchPath,
		Worksheet: *worksheet,
		Debounce:  *debounce,
		Logger:    log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize watcher: %v", err)
	}

	go queue.Run(rootCtx)

	err = watcher.Watch(rootCtx, func(change agentsync.CellChange) {
		address := change.Worksheet + "!" + change.Cell
		if err := tracker.HandleChange(rootCtx, address, change.Value); err != nil {
			log.Printf("change %s not recorded: %v", address, err)
		}
	})
	if err != nil && rootCtx.Err() == nil {
		log.Fatalf("watch failed: %v", err)
	}
	log.Printf("wbtrace-agent stopping")
}

// parseRanges turns "Revenue=Sheet1!B2:B13,Costs=Sheet1!C2:C13" into tracked
// range definitions. Range refs may contain commas inside quoted sheet names,
// so splitting happens on top-level commas only.
func parseRanges(spec string) ([]wbtrace.TrackedRange, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	ranges := make([]wbtrace.TrackedRange, 0)
	for _, pair := range splitTopLevel(spec, ',') {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		eq := strings.Index(pair, "=")
		if eq <= 0 || eq == len(pair)-1 {
			return nil, fmt.Errorf("expected Name=Ref, got %q", pair)
		}
		ranges = append(ranges, wbtrace.TrackedRange{
			Name:  strings.TrimSpace(pair[:eq]),
			Range: strings.TrimSpace(pair[eq+1:]),
		})
	}
	return ranges, nil
}

func splitTopLevel(raw string, sep byte) []string {
	parts := make([]string, 0)
	quoted := false
	start := 0
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '\'':
			quoted = !quoted
		case sep:
			if !quoted {
				parts = append(parts, raw[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, raw[start:])
	return parts
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

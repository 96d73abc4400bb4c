package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spreadtrace/wbtrace/internal/httpapi"
	"github.com/spreadtrace/wbtrace/internal/wbtrace"
)

func main() {
	addr := os.Getenv("WBTRACE_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	store, err := buildStoreFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}
	defer store.Close()

	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		AllowedOrigins:  originsEnv("WBTRACE_ALLOWED_ORIGINS"),
		RateLimitMax:    intEnv("WBTRACE_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("WBTRACE_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("WBTRACE_MAX_BODY_BYTES", 0),
	})

	log.Printf("wbtrace listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildStoreFromEnv() (wbtrace.Store, error) {
	profileDSN, err := storeProfileDefaultsFromEnv()
	if err != nil {
		return nil, err
	}
	backendDSN := strings.TrimSpace(os.Getenv("WBTRACE_BACKEND_DSN"))
	stateFile := strings.TrimSpace(os.Getenv("WBTRACE_STATE_FILE"))
	switch {
	case backendDSN != "":
		return wbtrace.BuildStoreFromDSN(backendDSN)
	case stateFile != "":
		return wbtrace.BuildStoreFromDSN(stateFile)
	case profileDSN != "":
		return wbtrace.BuildStoreFromDSN(profileDSN)
	default:
		return wbtrace.NewMemoryStore(), nil
	}
}

func storeProfileDefaultsFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("WBTRACE_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("WBTRACE_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".wbtrace"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		postgresDSN := strings.TrimSpace(os.Getenv("WBTRACE_POSTGRES_DSN"))
		if postgresDSN == "" {
			return "", fmt.Errorf("WBTRACE_POSTGRES_DSN is required when WBTRACE_BACKEND_PROFILE=%s", profile)
		}
		return postgresDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"), nil
	default:
		return "", fmt.Errorf("unsupported WBTRACE_BACKEND_PROFILE: %s", profile)
	}
}

func originsEnv(name string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			origins = append(origins, part)
		}
	}
	return origins
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
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

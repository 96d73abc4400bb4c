package agentsync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestColumnName(t *testing.T) {
	cases := map[int]string{
		1:  "A",
		2:  "B",
		26: "Z",
		27: "AA",
		28: "AB",
		52: "AZ",
		53: "BA",
	}
	for col, want := range cases {
		if got := columnName(col); got != want {
			t.Fatalf("columnName(%d): expected %s, got %s", col, want, got)
		}
	}
}

func TestLoadCSVSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sheet.csv")
	if err := os.WriteFile(path, []byte("100,,hello\n,200,\n"), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	cells, err := loadCSVSnapshot(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(cells) != 3 {
		t.Fatalf("expected 3 non-empty cells, got %d: %+v", len(cells), cells)
	}
	if cells[cellKey{Row: 1, Col: 1}] != "100" || cells[cellKey{Row: 1, Col: 3}] != "hello" || cells[cellKey{Row: 2, Col: 2}] != "200" {
		t.Fatalf("unexpected cells: %+v", cells)
	}
}

func TestDiffSnapshots(t *testing.T) {
	previous := map[cellKey]string{
		{Row: 1, Col: 1}: "100",
		{Row: 2, Col: 2}: "keep",
		{Row: 3, Col: 1}: "gone",
	}
	current := map[cellKey]string{
		{Row: 1, Col: 1}: "150",
		{Row: 2, Col: 2}: "keep",
		{Row: 1, Col: 27}: "new",
	}

	changes := diffSnapshots("Sheet1", previous, current)
	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %d: %+v", len(changes), changes)
	}
	// Row-then-column order.
	if changes[0].Cell != "A1" || string(changes[0].Value) != `"150"` {
		t.Fatalf("unexpected first change: %+v", changes[0])
	}
	if changes[1].Cell != "AA1" || string(changes[1].Value) != `"new"` {
		t.Fatalf("unexpected second change: %+v", changes[1])
	}
	if changes[2].Cell != "A3" || string(changes[2].Value) != "null" {
		t.Fatalf("cleared cell should emit null: %+v", changes[2])
	}
	for _, change := range changes {
		if change.Worksheet != "Sheet1" {
			t.Fatalf("worksheet not propagated: %+v", change)
		}
	}
}

func TestDiffSnapshotsNoChanges(t *testing.T) {
	cells := map[cellKey]string{{Row: 1, Col: 1}: "same"}
	if changes := diffSnapshots("Sheet1", cells, cells); len(changes) != 0 {
		t.Fatalf("expected no changes, got %+v", changes)
	}
}

func TestWatcherEmitsDiffOnRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sheet.csv")
	if err := os.WriteFile(path, []byte("100\n"), 0o644); err != nil {
		t.Fatalf("write initial csv: %v", err)
	}

	watcher, err := NewWatcher(WatcherOptions{Path: path, Worksheet: "Sheet1", Debounce: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	changes := make(chan CellChange, 16)
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- watcher.Watch(ctx, func(change CellChange) { changes <- change })
	}()

	// Let the watcher take its initial snapshot and register.
	time.Sleep(300 * time.Millisecond)
	if err := os.WriteFile(path, []byte("150\n"), 0o644); err != nil {
		t.Fatalf("rewrite csv: %v", err)
	}

	select {
	case change := <-changes:
		if change.Cell != "A1" || string(change.Value) != `"150"` {
			t.Fatalf("unexpected change: %+v", change)
		}
		if change.Worksheet != "Sheet1" {
			t.Fatalf("unexpected worksheet: %+v", change)
		}
	case <-ctx.Done():
		t.Fatalf("no change observed before timeout")
	}

	cancel()
	if err := <-watchDone; err != nil && err != context.Canceled {
		t.Fatalf("watch returned unexpected error: %v", err)
	}
}

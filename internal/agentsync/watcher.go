package agentsync

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 250 * time.Millisecond

// CellChange is one observed edit in the watched workbook export.
type CellChange struct {
	Worksheet string
	Cell      string
	Value     json.RawMessage
}

type WatcherOptions struct {
	Path      string
	Worksheet string
	Debounce  time.Duration
	Logger    Logger
}

// Watcher observes a CSV export of a worksheet and emits cell-level diffs
// whenever the file is rewritten. The exporting application saves the whole
// file on change, so diffs against the previous snapshot recover the
// individual edits.
type Watcher struct {
	path      string
	worksheet string
	debounce  time.Duration
	logger    Logger
}

func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("watch path is required")
	}
	worksheet := strings.TrimSpace(opts.Worksheet)
	if worksheet == "" {
		worksheet = "Sheet1"
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	return &Watcher{
		path:      filepath.Clean(path),
		worksheet: worksheet,
		debounce:  debounce,
		logger:    opts.Logger,
	}, nil
}

// Watch blocks until the context ends, invoking handle once per changed
// cell. Editors typically replace the file via rename, so the parent
// directory is watched rather than the file itself.
func (w *Watcher) Watch(ctx context.Context, handle func(CellChange)) error {
	previous, err := loadCSVSnapshot(w.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer notifier.Close()
	if err := notifier.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var debounce *time.Timer
	var debounceC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-notifier.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(w.debounce)
				debounceC = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(w.debounce)
			}
		case err, ok := <-notifier.Errors:
			if !ok {
				return nil
			}
			w.logf("watch error: %v", err)
		case <-debounceC:
			debounce = nil
			debounceC = nil
			current, err := loadCSVSnapshot(w.path)
			if err != nil {
				w.logf("snapshot reload failed: %v", err)
				continue
			}
			for _, change := range diffSnapshots(w.worksheet, previous, current) {
				handle(change)
			}
			previous = current
		}
	}
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}

type cellKey struct {
	Row int
	Col int
}

// loadCSVSnapshot reads the export into a cell map keyed by 1-based row
// and column. Empty cells are omitted.
func loadCSVSnapshot(path string) (map[cellKey]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	cells := map[cellKey]string{}
	row := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		row++
		for col, value := range record {
			if strings.TrimSpace(value) == "" {
				continue
			}
			cells[cellKey{Row: row, Col: col + 1}] = value
		}
	}
	return cells, nil
}

// diffSnapshots emits changed, added and cleared cells in row-then-column
// order so repeated runs over the same edit produce identical traces.
func diffSnapshots(worksheet string, previous, current map[cellKey]string) []CellChange {
	keys := make([]cellKey, 0)
	seen := map[cellKey]struct{}{}
	for key := range previous {
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	for key := range current {
		if _, ok := seen[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Row != keys[j].Row {
			return keys[i].Row < keys[j].Row
		}
		return keys[i].Col < keys[j].Col
	})

	changes := make([]CellChange, 0)
	for _, key := range keys {
		before, hadBefore := previous[key]
		after, hasAfter := current[key]
		if hadBefore && hasAfter && before == after {
			continue
		}
		var value json.RawMessage
		if hasAfter {
			encoded, err := json.Marshal(after)
			if err != nil {
				continue
			}
			value = encoded
		} else {
			value = json.RawMessage("null")
		}
		changes = append(changes, CellChange{
			Worksheet: worksheet,
			Cell:      cellAddress(key),
			Value:     value,
		})
	}
	return changes
}

func cellAddress(key cellKey) string {
	return fmt.Sprintf("%s%d", columnName(key.Col), key.Row)
}

// columnName converts a 1-based column number to its letter form (1 is A,
// 27 is AA).
func columnName(col int) string {
	name := ""
	for col > 0 {
		col--
		name = string(rune('A'+col%26)) + name
		col /= 26
	}
	return name
}

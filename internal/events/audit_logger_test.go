package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func readEntries(t *testing.T, path string) []LogEntry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var out []LogEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e LogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		out = append(out, e)
	}
	return out
}

func TestNewAuditLogger_CreatesDirectory(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "audit.jsonl")

	logger, err := NewAuditLogger(logPath, 0)
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	defer logger.Close()

	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("log file not created: %v", err)
	}
	if logger.Path() != logPath {
		t.Errorf("Path() = %s", logger.Path())
	}
}

func TestAuditLogger_RecordLiftsKnownFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewAuditLogger(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	logger.SetRunID("run-1")

	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	err = logger.Record(Event{
		Type:      EventVisitSaved,
		Timestamp: at,
		Data:      map[string]any{"timepoint": "2024-01-01t0900", "position": "a", "visit": 2, "fine_z": 24.5},
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	logger.Close()

	entries := readEntries(t, logPath)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.EventType != "visit_saved" || e.RunID != "run-1" || e.Position != "a" || e.Visit != 2 || e.Timepoint != "2024-01-01t0900" {
		t.Errorf("entry = %+v", e)
	}
	if !e.Timestamp.Equal(at) {
		t.Errorf("timestamp = %v", e.Timestamp)
	}
	if z, _ := e.Details["fine_z"].(float64); z != 24.5 {
		t.Errorf("details = %v", e.Details)
	}
}

func TestAuditLogger_AttachToBus(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewAuditLogger(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}

	bus := NewBus(16)
	logger.Attach(bus, nil, EventFocusDecided, EventVisitSaved)

	bus.Publish(EventPositionMoved, map[string]any{"position": "a"})
	bus.Publish(EventFocusDecided, map[string]any{"position": "a", "action": "search"})
	bus.Publish(EventVisitSaved, map[string]any{"position": "a", "visit": 1})
	bus.Close()
	logger.Close()

	entries := readEntries(t, logPath)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(entries), entries)
	}
	types := map[string]bool{}
	for _, e := range entries {
		types[e.EventType] = true
	}
	if !types["focus_decided"] || !types["visit_saved"] {
		t.Errorf("types = %v", types)
	}
}

func TestAuditLogger_AttachReportsWriteErrors(t *testing.T) {
	logger, err := NewAuditLogger(filepath.Join(t.TempDir(), "audit.jsonl"), DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	logger.Close()

	var mu sync.Mutex
	var errs []error
	bus := NewBus(4)
	logger.Attach(bus, func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})
	bus.Publish(EventVisitSaved, nil)
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %v", errs)
	}
}

func TestAuditLogger_ConcurrentWrites(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewAuditLogger(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if err := logger.WriteEntry(&LogEntry{Timestamp: time.Now().UTC(), EventType: "images_acquired", Visit: i}); err != nil {
					t.Errorf("write: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()
	logger.Close()

	if n := len(readEntries(t, logPath)); n != 200 {
		t.Errorf("expected 200 entries, got %d", n)
	}
}

func TestAuditLogger_Rotation(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.jsonl")
	logger, err := NewAuditLogger(logPath, 512)
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}

	for i := 0; i < 20; i++ {
		err := logger.WriteEntry(&LogEntry{
			Timestamp: time.Now().UTC(),
			EventType: "position_moved",
			Position:  "pos",
			Details:   map[string]any{"x": 1.25, "y": 3.5, "z": 24.0},
		})
		if err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if logger.Size() > 512 {
		t.Errorf("current size %d exceeds max", logger.Size())
	}
	logger.Close()

	archived, err := filepath.Glob(filepath.Join(dir, ArchiveDir, "audit.*.jsonl"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(archived) == 0 {
		t.Fatal("expected archived logs")
	}

	total := len(readEntries(t, logPath))
	for _, p := range archived {
		total += len(readEntries(t, p))
	}
	if total != 20 {
		t.Errorf("entries across files = %d, want 20", total)
	}
}

func TestVerifyLogIntegrity(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewAuditLogger(logPath, DefaultMaxLogSize)
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	logger.EnableChecksum(true)
	for i := 1; i <= 3; i++ {
		if err := logger.WriteEntry(&LogEntry{Timestamp: time.Now().UTC(), EventType: "visit_saved", Visit: i, Details: map[string]any{"n": i}}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	logger.EnableChecksum(false)
	if err := logger.WriteEntry(&LogEntry{Timestamp: time.Now().UTC(), EventType: "visit_saved"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	logger.Close()

	total, valid, err := VerifyLogIntegrity(logPath)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if total != 4 || valid != 4 {
		t.Errorf("total=%d valid=%d, want 4/4", total, valid)
	}

	entries := readEntries(t, logPath)
	entries[1].Visit = 99
	f, err := os.Create(logPath)
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	enc := json.NewEncoder(f)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	f.Close()

	total, valid, err = VerifyLogIntegrity(logPath)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if total != 4 || valid != 3 {
		t.Errorf("after tamper total=%d valid=%d, want 4/3", total, valid)
	}
}

func TestVerifyLogIntegrity_MissingFile(t *testing.T) {
	_, _, err := VerifyLogIntegrity(filepath.Join(t.TempDir(), "none.jsonl"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestAuditLogger_ReopenAppends(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	for i := 0; i < 2; i++ {
		logger, err := NewAuditLogger(logPath, DefaultMaxLogSize)
		if err != nil {
			t.Fatalf("NewAuditLogger: %v", err)
		}
		if err := logger.WriteEntry(&LogEntry{Timestamp: time.Now().UTC(), EventType: "timepoint_started"}); err != nil {
			t.Fatalf("write: %v", err)
		}
		logger.Close()
	}
	if n := len(readEntries(t, logPath)); n != 2 {
		t.Errorf("expected 2 entries after reopen, got %d", n)
	}
}

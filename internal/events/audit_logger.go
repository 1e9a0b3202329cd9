package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxLogSize = 100 * 1024 * 1024
	LogFileExtension  = ".jsonl"
	ArchiveDir        = "archive"
)

// LogEntry is one line of the audit log.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	RunID     string         `json:"run_id,omitempty"`
	Timepoint string         `json:"timepoint,omitempty"`
	Position  string         `json:"position,omitempty"`
	Visit     int            `json:"visit,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Checksum  string         `json:"checksum,omitempty"`
}

// AuditLogger appends JSON lines to a file, rotating it into ArchiveDir
// once it would exceed maxSize.
type AuditLogger struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	runID           string
	enableChecksum  bool
	rotationCounter int
}

func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	l := &AuditLogger{logPath: logPath, maxSize: maxSize}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	if err := l.openLogFile(); err != nil {
		return nil, err
	}
	return l, nil
}

// SetRunID stamps every following entry with runID.
func (l *AuditLogger) SetRunID(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runID = runID
}

func (l *AuditLogger) EnableChecksum(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enableChecksum = enable
}

func (l *AuditLogger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Record writes an entry for a bus event. The well-known keys timepoint,
// position and visit are lifted out of the event data.
func (l *AuditLogger) Record(e Event) error {
	entry := LogEntry{
		Timestamp: e.Timestamp,
		EventType: string(e.Type),
		Details:   e.Data,
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if v, ok := e.Data["timepoint"].(string); ok {
		entry.Timepoint = v
	}
	if v, ok := e.Data["position"].(string); ok {
		entry.Position = v
	}
	if v, ok := e.Data["visit"].(int); ok {
		entry.Visit = v
	}
	return l.WriteEntry(&entry)
}

// Attach subscribes the logger to the given event types (all of them when
// none are named). Write errors go to onError, which may be nil. The
// returned func detaches.
func (l *AuditLogger) Attach(bus *Bus, onError func(error), types ...EventType) func() {
	if len(types) == 0 {
		types = AllTypes
	}
	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, bus.Subscribe(t, func(e Event) {
			if err := l.Record(e); err != nil && onError != nil {
				onError(err)
			}
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log %s is closed", l.logPath)
	}
	if entry.RunID == "" {
		entry.RunID = l.runID
	}
	if l.enableChecksum {
		entry.Checksum = checksum(entry)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize && l.currentSize > 0 {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	l.file = nil

	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	l.rotationCounter++
	base := strings.TrimSuffix(filepath.Base(l.logPath), LogFileExtension)
	archiveName := fmt.Sprintf("%s.%s.%d%s", base, time.Now().Format("20060102_150405"), l.rotationCounter, LogFileExtension)
	if err := os.Rename(l.logPath, filepath.Join(archiveDir, archiveName)); err != nil {
		return fmt.Errorf("archive audit log: %w", err)
	}
	return l.openLogFile()
}

func checksum(entry *LogEntry) string {
	c := *entry
	c.Checksum = ""
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", djb2(data))
}

func djb2(data []byte) uint64 {
	var hash uint64 = 5381
	for _, b := range data {
		hash = ((hash << 5) + hash) + uint64(b)
	}
	return hash
}

// VerifyLogIntegrity returns how many entries logPath holds and how many of
// them pass their checksum. Entries without a checksum count as valid;
// malformed lines are skipped.
func VerifyLogIntegrity(logPath string) (total, valid int, err error) {
	file, err := os.Open(logPath)
	if err != nil {
		return 0, 0, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for decoder.More() {
		var entry LogEntry
		if err := decoder.Decode(&entry); err != nil {
			break
		}
		total++
		if entry.Checksum == "" || checksum(&entry) == entry.Checksum {
			valid++
		}
	}
	return total, valid, nil
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Sync()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

func (l *AuditLogger) Path() string { return l.logPath }

func (l *AuditLogger) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSize
}

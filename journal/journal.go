// Package journal keeps an append-only history of finished jobs.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dhcgn/eml-extract/model"
)

const fileName = "jobs.jsonl"

type Journal interface {
	Append(rec Record) error
	Records() []Record
}

// Record is one finished job.
type Record struct {
	ID         string        `json:"id"`
	Source     string        `json:"source"`
	Output     string        `json:"output,omitempty"`
	Outcome    model.Outcome `json:"outcome"`
	Discovered int           `json:"discovered"`
	Extracted  int           `json:"extracted"`
	Skipped    int           `json:"skipped"`
	Failures   []Failure     `json:"failures,omitempty"`
	Error      string        `json:"error,omitempty"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration_ns"`
}

type Failure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// NewRecord builds the journal entry for a job result.
func NewRecord(job model.Job, result model.Result, started time.Time, duration time.Duration) Record {
	rec := Record{
		ID:         result.JobID,
		Source:     job.SourcePath,
		Output:     result.OutputPath,
		Outcome:    result.Outcome,
		Discovered: result.Discovered,
		Extracted:  result.Extracted,
		Skipped:    result.Skipped,
		Started:    started.UTC(),
		Duration:   duration,
	}
	if rec.ID == "" {
		rec.ID = job.ID
	}
	if result.Err != nil {
		rec.Error = result.Err.Error()
	}
	for _, f := range result.Failures {
		failure := Failure{Path: f.Path}
		if f.Err != nil {
			failure.Error = f.Err.Error()
		}
		rec.Failures = append(rec.Failures, failure)
	}
	return rec
}

type MemoryJournal struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (m *MemoryJournal) Append(rec Record) error {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

func (m *MemoryJournal) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// FileJournal persists records as JSON lines in <dir>/jobs.jsonl.
type FileJournal struct {
	*MemoryJournal
	path    string
	file    *os.File
	writer  *bufio.Writer
	writeMu sync.Mutex
}

func NewFileJournal(dir string) (*FileJournal, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("journal directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	j := &FileJournal{
		MemoryJournal: NewMemoryJournal(),
		path:          filepath.Join(dir, fileName),
	}
	if err := j.load(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal for append: %w", err)
	}
	j.file = file
	j.writer = bufio.NewWriter(file)
	return j, nil
}

// Path returns the journal file location.
func (j *FileJournal) Path() string {
	return j.path
}

func (j *FileJournal) load() error {
	file, err := os.Open(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(text, &rec); err != nil {
			return fmt.Errorf("parse journal line %d: %w", line, err)
		}
		j.records = append(j.records, rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	return nil
}

// Append records rec and flushes it to disk.
func (j *FileJournal) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}

	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	if _, err := j.writer.Write(data); err != nil {
		return fmt.Errorf("write journal record: %w", err)
	}
	if err := j.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return j.MemoryJournal.Append(rec)
}

// Close flushes and closes the journal file.
func (j *FileJournal) Close() error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	if j.file == nil {
		return nil
	}
	var firstErr error
	if err := j.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush journal: %w", err)
	}
	if err := j.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close journal: %w", err)
	}
	j.file = nil
	return firstErr
}

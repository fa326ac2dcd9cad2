package store

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"watchpost/internal/pipeline"
)

var csvHeader = []string{"Timestamp", "Threat Type", "Confidence", "Image Path"}

// CSVLog appends one row per threat event to a spreadsheet-friendly log
type CSVLog struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
}

// OpenCSVLog opens (or creates with a header) the detection log at path
func OpenCSVLog(path string) (*CSVLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open detection log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	l := &CSVLog{file: f, w: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := l.write(csvHeader); err != nil {
			f.Close()
			return nil, err
		}
	}
	return l, nil
}

// Append writes the event row
func (l *CSVLog) Append(event *pipeline.ThreatEvent) error {
	return l.write([]string{
		event.FormattedTime(),
		event.ThreatSummary,
		fmt.Sprintf("%.2f%%", event.Confidence*100),
		event.EvidenceImageRef,
	})
}

func (l *CSVLog) write(row []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Write(row); err != nil {
		return fmt.Errorf("failed to write detection log: %w", err)
	}
	l.w.Flush()
	return l.w.Error()
}

func (l *CSVLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Flush()
	return l.file.Close()
}

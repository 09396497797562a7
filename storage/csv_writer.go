package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"carwatch/models"
)

var csvHeader = []string{
	"source", "external_id", "title", "raw_price", "location", "raw_mileage", "url", "description", "scraped_at",
}

// CSVWriter appends every pass's raw fragments to one CSV file, so a
// long-running process keeps a full snapshot log. Safe for concurrent use.
type CSVWriter struct {
	mu   sync.Mutex
	file *os.File
	out  *csv.Writer
}

// NewCSVWriter opens path for appending, creating it and its parent
// directories when missing. The header is written only into an empty file.
func NewCSVWriter(path string) (*CSVWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("csv: create output dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("csv: open %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("csv: stat %q: %w", path, err)
	}

	c := &CSVWriter{file: f, out: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := c.flush(csvHeader); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("csv: write header: %w", err)
		}
	}
	return c, nil
}

// WriteRaw appends one row per fragment.
func (c *CSVWriter) WriteRaw(listings []*models.RawListing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows := make([][]string, 0, len(listings))
	for _, l := range listings {
		rows = append(rows, rawRecord(l))
	}
	if err := c.out.WriteAll(rows); err != nil {
		return fmt.Errorf("csv: write %d rows: %w", len(rows), err)
	}
	return nil
}

// Close flushes buffered rows and closes the file.
func (c *CSVWriter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.out.Flush()
	if err := c.out.Error(); err != nil {
		_ = c.file.Close()
		return fmt.Errorf("csv: flush: %w", err)
	}
	return c.file.Close()
}

func (c *CSVWriter) flush(record []string) error {
	if err := c.out.Write(record); err != nil {
		return err
	}
	c.out.Flush()
	return c.out.Error()
}

func rawRecord(l *models.RawListing) []string {
	return []string{
		l.Source,
		l.ExternalID,
		l.Title,
		l.RawPrice,
		l.Location,
		l.RawMileage,
		l.URL,
		l.Description,
		l.ScrapedAt.UTC().Format(time.RFC3339),
	}
}

// Package sink implements the append-only CSV output for decoded records
package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"sync"

	"github.com/ericvolp12/postscraper/pkg/models"
)

// CSVSink appends rows to a single CSV file
// It is not meant to be shared between writers; the lock only guards Close racing a Write
type CSVSink struct {
	path string
	f    *os.File
	w    *csv.Writer
	lk   sync.Mutex
	rows int64
}

// OpenCSV opens or creates the file at path for appending
// The header row is written only if the file is empty
func OpenCSV(path string) (*CSVSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat output file: %w", err)
	}

	s := &CSVSink{
		path: path,
		f:    f,
		w:    csv.NewWriter(f),
	}

	if info.Size() == 0 {
		if err := s.w.Write(models.OutputHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
		s.w.Flush()
		if err := s.w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to flush header: %w", err)
		}
	}

	return s, nil
}

// Path returns the path of the output file
func (s *CSVSink) Path() string {
	return s.path
}

// Write appends one row and flushes it to the file
func (s *CSVSink) Write(row models.OutputRow) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	if s.f == nil {
		return fmt.Errorf("write to closed sink %s", s.path)
	}

	// Rows are one per line; the text column must never carry a line break.
	row[2] = models.NormalizeText(row[2])

	if err := s.w.Write(row[:]); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("failed to flush row: %w", err)
	}
	s.rows++
	return nil
}

// Rows returns the number of rows written since open
func (s *CSVSink) Rows() int64 {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.rows
}

// Close flushes, syncs and closes the file
func (s *CSVSink) Close() error {
	s.lk.Lock()
	defer s.lk.Unlock()

	if s.f == nil {
		return nil
	}

	s.w.Flush()
	flushErr := s.w.Error()
	syncErr := s.f.Sync()
	closeErr := s.f.Close()
	s.f = nil

	switch {
	case flushErr != nil:
		return fmt.Errorf("failed to flush output file: %w", flushErr)
	case syncErr != nil:
		return fmt.Errorf("failed to sync output file: %w", syncErr)
	case closeErr != nil:
		return fmt.Errorf("failed to close output file: %w", closeErr)
	}
	return nil
}

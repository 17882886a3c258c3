package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/ericvolp12/postscraper/pkg/cursor"
	"github.com/goccy/go-json"
)

// Progress is the persisted form of the cursor
type Progress struct {
	LastSeq     int64     `json:"last_seq"`
	LastSavedAt time.Time `json:"last_saved_at"`
}

var cursorKey = []byte("cursor")

// CursorStore persists the checkpoint cursor in PebbleDB
type CursorStore struct {
	DB *pebble.DB
}

// OpenCursorStore opens (or creates) the cursor database under dataDir
func OpenCursorStore(dataDir string) (*CursorStore, error) {
	db, err := pebble.Open(filepath.Join(dataDir, "cursor.db"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	return &CursorStore{DB: db}, nil
}

// Close closes the underlying database
func (s *CursorStore) Close() error {
	return s.DB.Close()
}

// WriteCursor writes the cursor to pebble
func (s *CursorStore) WriteCursor(ctx context.Context, seq int64) error {
	_, span := tracer.Start(ctx, "WriteCursor")
	defer span.End()

	p := Progress{
		LastSeq:     seq,
		LastSavedAt: time.Now(),
	}
	data, err := json.Marshal(&p)
	if err != nil {
		return fmt.Errorf("failed to marshal cursor JSON: %w", err)
	}

	if err := s.DB.Set(cursorKey, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write cursor to pebble: %w", err)
	}

	return nil
}

// ReadCursor reads the cursor from pebble, returning cursor.Unset if none was saved
func (s *CursorStore) ReadCursor(ctx context.Context) (int64, error) {
	_, span := tracer.Start(ctx, "ReadCursor")
	defer span.End()

	data, closer, err := s.DB.Get(cursorKey)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return cursor.Unset, nil
		}
		return cursor.Unset, fmt.Errorf("failed to read cursor from pebble: %w", err)
	}
	defer closer.Close()

	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return cursor.Unset, fmt.Errorf("failed to unmarshal cursor JSON: %w", err)
	}

	return p.LastSeq, nil
}

// Resumer receives the latest cursor so a reconnect resumes from it
type Resumer interface {
	UpdateResumption(cursor int64)
}

// CursorManager periodically saves the cursor and hands it to the feed for reconnects
type CursorManager struct {
	Store    *CursorStore
	Cursor   *cursor.Cursor
	Feed     Resumer
	Interval time.Duration
	Logger   *slog.Logger

	saved     bool
	lastSaved int64
}

// Run saves the cursor every Interval until ctx is done, then saves it once more
func (m *CursorManager) Run(ctx context.Context) {
	log := m.Logger.With("source", "cursor_manager")
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down cursor manager")
			if err := m.Save(context.Background()); err != nil {
				log.Error("failed to write cursor", "error", err)
			}
			log.Info("cursor manager shut down successfully")
			return
		case <-ticker.C:
			if err := m.Save(ctx); err != nil {
				log.Error("failed to write cursor", "error", err)
			}
		}
	}
}

// Save persists the current cursor if it moved since the last save
func (m *CursorManager) Save(ctx context.Context) error {
	seq := m.Cursor.Get()
	if seq == cursor.Unset || (m.saved && seq == m.lastSaved) {
		return nil
	}
	if m.Feed != nil {
		m.Feed.UpdateResumption(seq)
	}
	if err := m.Store.WriteCursor(ctx, seq); err != nil {
		return err
	}
	m.saved = true
	m.lastSaved = seq
	return nil
}

// Package memsink is an in-memory acq.StorageSink used by tests and by the
// server when no data directory is configured for a dry run.
package memsink

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/suyash-sneo/tileacq/acq"
)

// ErrClosed is returned by PutTile after Finish or Abort.
var ErrClosed = errors.New("memsink: closed for writes")

// Sink keeps tiles in a map.
type Sink struct {
	geometry acq.Geometry

	mu      sync.Mutex
	tiles   map[string]acq.Tile
	closed  bool
	pending sync.WaitGroup

	finished atomic.Bool
	aborted  atomic.Bool

	// PutErr, when set, is returned by PutTile.
	PutErr error
	// AbortErr, when set, is returned by Abort.
	AbortErr error
}

// New returns an empty sink with the given geometry.
func New(g acq.Geometry) *Sink {
	return &Sink{geometry: g, tiles: map[string]acq.Tile{}}
}

func (s *Sink) PutTile(ctx context.Context, tile acq.Tile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.PutErr != nil {
		s.mu.Unlock()
		return s.PutErr
	}
	s.pending.Add(1)
	defer s.pending.Done()
	tile.Pixels = append([]uint16(nil), tile.Pixels...)
	s.tiles[tile.Key] = tile
	s.mu.Unlock()
	return nil
}

// Finish stops accepting writes and flips the finished flag once in-flight
// writes complete.
func (s *Sink) Finish(context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	go func() {
		s.pending.Wait()
		if !s.aborted.Load() {
			s.finished.Store(true)
		}
	}()
	return nil
}

func (s *Sink) Abort() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.aborted.Store(true)
	return s.AbortErr
}

func (s *Sink) IsFinished() bool { return s.finished.Load() }

// Aborted reports whether Abort was called.
func (s *Sink) Aborted() bool { return s.aborted.Load() }

// MarkFinished flips the finished flag directly.
func (s *Sink) MarkFinished() { s.finished.Store(true) }

func (s *Sink) Storage() acq.TileStore { return s }

func (s *Sink) Geometry() acq.Geometry { return s.geometry }

func (s *Sink) GetTile(_ context.Context, key string) (acq.Tile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tiles[key]
	return t, ok, nil
}

func (s *Sink) ListTiles(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.tiles))
	for k := range s.tiles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Package badger persists acquired tiles in BadgerDB. Writes are spread over
// a fixed set of lanes by rendezvous hashing on the tile key, each lane
// drained by one worker.
package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	badgerdb "github.com/dgraph-io/badger/v3"

	"github.com/suyash-sneo/tileacq"
	"github.com/suyash-sneo/tileacq/acq"
	"github.com/suyash-sneo/tileacq/hash"
)

var (
	// ErrSinkClosed is returned by writes after Finish, Abort or Close, and
	// by reads after Close.
	ErrSinkClosed = errors.New("badger sink: closed")
	// ErrTileNotFound is returned by MustGetTile for unknown keys.
	ErrTileNotFound = errors.New("badger sink: tile not found")
	// ErrCorruptTile marks a stored frame whose checksum does not match.
	ErrCorruptTile = errors.New("badger sink: corrupt tile")
)

// Options configures the sink.
type Options struct {
	Dir        string
	InMemory   bool
	Writers    int
	LaneDepth  int
	SyncWrites bool
	// MemTableSize in bytes; 0 keeps the sink default.
	MemTableSize int64
}

// DefaultOptions returns options for an on-disk sink in dir.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:          dir,
		Writers:      4,
		LaneDepth:    64,
		MemTableSize: 16 << 20,
	}
}

func (o Options) validate() error {
	if !o.InMemory && o.Dir == "" {
		return fmt.Errorf("Dir required unless InMemory")
	}
	if o.Writers <= 0 {
		return fmt.Errorf("Writers must be >0")
	}
	if o.LaneDepth <= 0 {
		return fmt.Errorf("LaneDepth must be >0")
	}
	if o.MemTableSize < 0 {
		return fmt.Errorf("MemTableSize cannot be negative")
	}
	return nil
}

// Sink is an acq.StorageSink and acq.TileStore over one Badger database.
type Sink struct {
	db       *badgerdb.DB
	geometry acq.Geometry
	opts     Options
	logger   tileacq.Logger
	metrics  tileacq.Metrics
	router   *hash.Router

	// cancelled by Abort; queued writes are dropped once it is done.
	ctx    context.Context
	cancel context.CancelFunc

	acceptMu sync.RWMutex
	closed   bool
	lanes    []chan acq.Tile
	workers  sync.WaitGroup

	errMu    sync.Mutex
	writeErr error

	finished atomic.Bool
	aborted  atomic.Bool

	// dbMu guards db against Close; readers and Sync hold it shared.
	dbMu     sync.RWMutex
	dbClosed bool
	closeErr error
}

var (
	_ acq.StorageSink = (*Sink)(nil)
	_ acq.TileStore   = (*Sink)(nil)
)

// Open opens (or creates) the database and starts the writers. An existing
// database must have been created with the same geometry.
func Open(opts Options, geometry acq.Geometry, logger tileacq.Logger, metrics tileacq.Metrics) (*Sink, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("badger sink options: %w", err)
	}
	if err := geometry.Validate(); err != nil {
		return nil, fmt.Errorf("badger sink geometry: %w", err)
	}
	if logger == nil {
		logger = tileacq.NopLogger()
	}
	if metrics == nil {
		metrics = tileacq.NopMetrics()
	}
	router, err := hash.NewRouter("writer", opts.Writers)
	if err != nil {
		return nil, err
	}

	dbOpts := badgerdb.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = badgerdb.DefaultOptions("").WithInMemory(true)
	}
	dbOpts.SyncWrites = opts.SyncWrites
	if opts.MemTableSize > 0 {
		dbOpts.MemTableSize = opts.MemTableSize
	}
	dbOpts.BlockCacheSize = 32 << 20
	dbOpts.IndexCacheSize = 16 << 20
	dbOpts.NumMemtables = 2
	dbOpts.NumCompactors = 2
	dbOpts.Logger = newBadgerLogger(logger)

	db, err := badgerdb.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", opts.Dir, err)
	}
	if err := ensureGeometry(db, geometry); err != nil {
		_ = db.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		db:       db,
		geometry: geometry,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
		router:   router,
		ctx:      ctx,
		cancel:   cancel,
		lanes:    make([]chan acq.Tile, router.Lanes()),
	}
	for i := range s.lanes {
		s.lanes[i] = make(chan acq.Tile, opts.LaneDepth)
		s.workers.Add(1)
		go s.runWriter(i)
	}
	logger.Info("tile sink opened",
		tileacq.Field{Key: "dir", Value: opts.Dir},
		tileacq.Field{Key: "inMemory", Value: opts.InMemory},
		tileacq.Field{Key: "writers", Value: opts.Writers},
	)
	return s, nil
}

// PutTile queues tile on the lane owning its key. It fails fast once a
// previous write has failed.
func (s *Sink) PutTile(ctx context.Context, tile acq.Tile) error {
	if err := s.err(); err != nil {
		return err
	}
	if tile.Key == "" {
		return fmt.Errorf("badger sink: tile without key")
	}
	if len(tile.Pixels) != tile.Width*tile.Height {
		return fmt.Errorf("badger sink: tile %s has %d pixels for %dx%d", tile.Key, len(tile.Pixels), tile.Width, tile.Height)
	}

	s.acceptMu.RLock()
	defer s.acceptMu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	lane := s.router.Lane(tile.Key)
	select {
	case s.lanes[lane] <- tile:
		s.metrics.SetGauge("tileacq_sink_lane_depth", float64(len(s.lanes[lane])), tileacq.Label{Name: "lane", Value: s.router.Writer(lane)})
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrSinkClosed
	}
}

// Finish stops accepting tiles, waits for queued writes and syncs the
// database. The finished flag flips only when every write succeeded.
func (s *Sink) Finish(ctx context.Context) error {
	s.acceptMu.Lock()
	if s.closed {
		s.acceptMu.Unlock()
		return nil
	}
	s.closed = true
	for _, lane := range s.lanes {
		close(lane)
	}
	s.acceptMu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.err(); err != nil {
		return err
	}
	if s.aborted.Load() {
		return ErrSinkClosed
	}
	if err := s.withDB(func(db *badgerdb.DB) error { return db.Sync() }); err != nil {
		return fmt.Errorf("badger sync: %w", err)
	}
	s.finished.Store(true)
	s.logger.Info("tile sink finished")
	return nil
}

// Abort drops queued writes and stops accepting new ones. Tiles already
// written stay readable until Close; the database belongs to whoever opened
// the sink.
func (s *Sink) Abort() error {
	if !s.aborted.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.stopAccepting()
	s.workers.Wait()
	s.logger.Warn("tile sink aborted")
	return nil
}

// Close stops accepting tiles, lets queued writes finish and closes the
// database. Storage reads fail afterwards.
func (s *Sink) Close() error {
	s.stopAccepting()
	s.workers.Wait()
	return s.closeDB()
}

func (s *Sink) stopAccepting() {
	s.acceptMu.Lock()
	defer s.acceptMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, lane := range s.lanes {
		close(lane)
	}
}

func (s *Sink) closeDB() error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	if s.dbClosed {
		return s.closeErr
	}
	s.dbClosed = true
	if err := s.db.Close(); err != nil {
		s.closeErr = fmt.Errorf("close badger: %w", err)
	}
	return s.closeErr
}

func (s *Sink) withDB(fn func(db *badgerdb.DB) error) error {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	if s.dbClosed {
		return ErrSinkClosed
	}
	return fn(s.db)
}

func (s *Sink) IsFinished() bool { return s.finished.Load() }

func (s *Sink) Storage() acq.TileStore { return s }

func (s *Sink) Geometry() acq.Geometry { return s.geometry }

func (s *Sink) runWriter(lane int) {
	defer s.workers.Done()
	writer := s.router.Writer(lane)
	for tile := range s.lanes[lane] {
		if s.ctx.Err() != nil {
			s.metrics.IncCounter("tileacq_sink_dropped_total", 1)
			continue
		}
		start := time.Now()
		if err := s.write(tile); err != nil {
			s.setErr(fmt.Errorf("write tile %s: %w", tile.Key, err))
			s.logger.Error("tile write failed", tileacq.Field{Key: "tile", Value: tile.Key}, tileacq.Field{Key: "writer", Value: writer}, tileacq.Field{Key: "err", Value: err})
			continue
		}
		s.metrics.IncCounter("tileacq_sink_tiles_written_total", 1, tileacq.Label{Name: "writer", Value: writer})
		s.metrics.ObserveHistogram("tileacq_sink_write_seconds", time.Since(start).Seconds())
	}
}

func (s *Sink) write(tile acq.Tile) error {
	meta, pixels, err := encodeTile(tile)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Set(metaKey(tile.Key), meta); err != nil {
			return err
		}
		return txn.Set(pixelKey(tile.Key), pixels)
	})
}

func (s *Sink) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.writeErr
}

func (s *Sink) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.writeErr == nil {
		s.writeErr = err
	}
}

// GetTile reads a tile and verifies its checksum.
func (s *Sink) GetTile(ctx context.Context, key string) (acq.Tile, bool, error) {
	if err := ctx.Err(); err != nil {
		return acq.Tile{}, false, err
	}
	var (
		tile  acq.Tile
		found bool
	)
	err := s.view(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(metaKey(key))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		meta, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err = txn.Get(pixelKey(key))
		if err != nil {
			return fmt.Errorf("pixels for %s: %w", key, err)
		}
		pixels, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		tile, err = decodeTile(meta, pixels)
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if errors.Is(err, ErrSinkClosed) {
		return acq.Tile{}, false, err
	}
	if err != nil {
		return acq.Tile{}, false, fmt.Errorf("get tile %s: %w", key, err)
	}
	return tile, found, nil
}

// MustGetTile is GetTile with a missing tile reported as ErrTileNotFound.
func (s *Sink) MustGetTile(ctx context.Context, key string) (acq.Tile, error) {
	tile, ok, err := s.GetTile(ctx, key)
	if err != nil {
		return acq.Tile{}, err
	}
	if !ok {
		return acq.Tile{}, fmt.Errorf("%w: %s", ErrTileNotFound, key)
	}
	return tile, nil
}

// ListTiles returns every stored tile key in key order.
func (s *Sink) ListTiles(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.view(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{Prefix: []byte(metaPrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, string(it.Item().Key()[len(metaPrefix):]))
		}
		return nil
	})
	if errors.Is(err, ErrSinkClosed) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("list tiles: %w", err)
	}
	return keys, nil
}

func (s *Sink) view(fn func(txn *badgerdb.Txn) error) error {
	return s.withDB(func(db *badgerdb.DB) error { return db.View(fn) })
}

type badgerLogger struct {
	logger tileacq.Logger
}

func newBadgerLogger(l tileacq.Logger) *badgerLogger { return &badgerLogger{logger: l} }

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error("badger: " + fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn("badger: " + fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug("badger: " + fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug("badger: " + fmt.Sprintf(format, args...))
}

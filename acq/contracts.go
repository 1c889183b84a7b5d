package acq

import "context"

// EventSource receives acquisition commands from an external process over a
// control channel and relays them to the bound acquisition.
type EventSource interface {
	// Port is the control channel port, fixed for the session.
	Port() int
	// IsFinished reports whether the remote side has finished sending events.
	// Once true it never reverts.
	IsFinished() bool
	// Abort terminates the control channel. Must be idempotent and must not
	// block on the goroutine that called it.
	Abort()
	// SetAcquisition binds the owning acquisition. It is called exactly once;
	// later calls return an error.
	SetAcquisition(ref AcquisitionRef) error
}

// StorageSink is a durable, tile-addressable write target.
type StorageSink interface {
	// Write path
	PutTile(ctx context.Context, tile Tile) error
	Finish(ctx context.Context) error
	Abort() error

	// IsFinished flips to true once the last pending write after Finish lands.
	IsFinished() bool
	// Storage returns the read handle, or nil when none is bound.
	Storage() TileStore
	// Geometry is consumed once when the acquisition is constructed.
	Geometry() Geometry
}

// TileStore is the read side of a persisted dataset.
type TileStore interface {
	GetTile(ctx context.Context, key string) (Tile, bool, error)
	ListTiles(ctx context.Context) ([]string, error)
}

// Target is the surface an EventSource drives on the bound acquisition.
type Target interface {
	Start(ctx context.Context) error
	Submit(ctx context.Context, events []Event) error
	FinishEvents(ctx context.Context) error
	AbortWithCause(cause error)
	SetPaused(paused bool)
}

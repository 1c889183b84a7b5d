package acq

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Event is one acquire-image instruction sent by the remote process.
type Event struct {
	Row     int            `json:"row"`
	Col     int            `json:"col"`
	Channel string         `json:"channel,omitempty"`
	Axes    map[string]int `json:"axes,omitempty"`

	// Optional inline frame supplied by the remote side.
	Width  int      `json:"width,omitempty"`
	Height int      `json:"height,omitempty"`
	Pixels []uint16 `json:"pixels,omitempty"`
}

// Key returns the canonical tile key for the event.
func (e Event) Key() string {
	return TileKey(e.Row, e.Col, e.Channel, e.Axes)
}

// Tile is a rectangular unit of acquired image data addressed within a mosaic.
type Tile struct {
	Key        string         `json:"key"`
	Row        int            `json:"row"`
	Col        int            `json:"col"`
	Channel    string         `json:"channel,omitempty"`
	Axes       map[string]int `json:"axes,omitempty"`
	StageX     float64        `json:"stageX"`
	StageY     float64        `json:"stageY"`
	Width      int            `json:"width"`
	Height     int            `json:"height"`
	Pixels     []uint16       `json:"-"`
	AcquiredAt time.Time      `json:"acquiredAt"`
}

// Geometry describes the tiling layout a sink was created with.
type Geometry struct {
	TileWidth   int     `json:"tileWidth" yaml:"tileWidth"`
	TileHeight  int     `json:"tileHeight" yaml:"tileHeight"`
	OverlapX    int     `json:"overlapX" yaml:"overlapX"`
	OverlapY    int     `json:"overlapY" yaml:"overlapY"`
	PixelSizeUm float64 `json:"pixelSizeUm" yaml:"pixelSizeUm"`
}

// Validate checks the geometry is usable for tiling.
func (g Geometry) Validate() error {
	if g.TileWidth <= 0 || g.TileHeight <= 0 {
		return fmt.Errorf("tile size must be >0")
	}
	if g.OverlapX < 0 || g.OverlapY < 0 {
		return fmt.Errorf("overlap cannot be negative")
	}
	if g.OverlapX >= g.TileWidth || g.OverlapY >= g.TileHeight {
		return fmt.Errorf("overlap must be smaller than the tile")
	}
	if g.PixelSizeUm <= 0 {
		return fmt.Errorf("pixel size must be >0")
	}
	return nil
}

// TileKey builds the canonical key: row|col|channel|axis=v;axis=v with axes
// sorted by name.
func TileKey(row, col int, channel string, axes map[string]int) string {
	names := make([]string, 0, len(axes))
	for name := range axes {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+strconv.Itoa(axes[name]))
	}
	return strconv.Itoa(row) + "|" + strconv.Itoa(col) + "|" + channel + "|" + strings.Join(parts, ";")
}

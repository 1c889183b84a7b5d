package main

import (
	"sync/atomic"

	"github.com/suyash-sneo/tileacq/acq"
)

// gradientCamera is a simulated detector producing a diagonal gradient that
// shifts with every exposure, so consecutive tiles are distinguishable.
type gradientCamera struct {
	w, h  int
	shots atomic.Uint32
}

func newGradientCamera(g acq.Geometry) *gradientCamera {
	return &gradientCamera{w: g.TileWidth, h: g.TileHeight}
}

func (c *gradientCamera) Resolution() (int, int, error) { return c.w, c.h, nil }

func (c *gradientCamera) FrameU16() ([]uint16, error) {
	shift := int(c.shots.Add(1))
	frame := make([]uint16, c.w*c.h)
	for y := 0; y < c.h; y++ {
		for x := 0; x < c.w; x++ {
			frame[y*c.w+x] = uint16((x + y + shift*37) * 64)
		}
	}
	return frame, nil
}

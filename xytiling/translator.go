// Package xytiling maps between mosaic tile/pixel coordinates and physical
// stage coordinates for a camera tiling layout.
package xytiling

import (
	"math"

	"github.com/suyash-sneo/tileacq/acq"
)

// Point is a stage position in micrometres.
type Point struct {
	X float64
	Y float64
}

// Translator converts between tile indices, mosaic pixels and stage
// positions. Immutable after construction.
type Translator struct {
	geometry acq.Geometry
	origin   Point
}

// NewTranslator builds a translator whose tile (0,0) is centred on origin.
func NewTranslator(g acq.Geometry, origin Point) (*Translator, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &Translator{geometry: g, origin: origin}, nil
}

// Geometry returns the layout the translator was built from.
func (t *Translator) Geometry() acq.Geometry { return t.geometry }

// StepX is the horizontal distance between adjacent tile centres in pixels.
func (t *Translator) StepX() int { return t.geometry.TileWidth - t.geometry.OverlapX }

// StepY is the vertical distance between adjacent tile centres in pixels.
func (t *Translator) StepY() int { return t.geometry.TileHeight - t.geometry.OverlapY }

// StagePosition returns the stage position of the centre of tile (row, col).
func (t *Translator) StagePosition(row, col int) Point {
	return Point{
		X: t.origin.X + float64(col*t.StepX())*t.geometry.PixelSizeUm,
		Y: t.origin.Y + float64(row*t.StepY())*t.geometry.PixelSizeUm,
	}
}

// TileAt returns the tile whose centre is nearest to the stage position.
func (t *Translator) TileAt(p Point) (row, col int) {
	col = int(math.Round((p.X - t.origin.X) / (float64(t.StepX()) * t.geometry.PixelSizeUm)))
	row = int(math.Round((p.Y - t.origin.Y) / (float64(t.StepY()) * t.geometry.PixelSizeUm)))
	return row, col
}

// PixelToStage converts a mosaic pixel to a stage position. Mosaic pixel
// (0,0) is the top-left corner of tile (0,0).
func (t *Translator) PixelToStage(px, py int64) Point {
	cx := float64(t.geometry.TileWidth) / 2
	cy := float64(t.geometry.TileHeight) / 2
	return Point{
		X: t.origin.X + (float64(px)-cx)*t.geometry.PixelSizeUm,
		Y: t.origin.Y + (float64(py)-cy)*t.geometry.PixelSizeUm,
	}
}

// StageToPixel is the inverse of PixelToStage, rounded to the nearest pixel.
func (t *Translator) StageToPixel(p Point) (px, py int64) {
	cx := float64(t.geometry.TileWidth) / 2
	cy := float64(t.geometry.TileHeight) / 2
	px = int64(math.Round((p.X-t.origin.X)/t.geometry.PixelSizeUm + cx))
	py = int64(math.Round((p.Y-t.origin.Y)/t.geometry.PixelSizeUm + cy))
	return px, py
}

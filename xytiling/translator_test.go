package xytiling

import (
	"math"
	"testing"

	"github.com/suyash-sneo/tileacq/acq"
)

func testGeometry() acq.Geometry {
	return acq.Geometry{TileWidth: 100, TileHeight: 80, OverlapX: 10, OverlapY: 20, PixelSizeUm: 0.5}
}

func TestStagePositionUsesOverlapStep(t *testing.T) {
	tr, err := NewTranslator(testGeometry(), Point{X: 1000, Y: -50})
	if err != nil {
		t.Fatalf("new translator: %v", err)
	}
	p := tr.StagePosition(2, 3)
	// step x = 90px, step y = 60px
	if p.X != 1000+3*90*0.5 || p.Y != -50+2*60*0.5 {
		t.Fatalf("unexpected stage position %+v", p)
	}
	row, col := tr.TileAt(p)
	if row != 2 || col != 3 {
		t.Fatalf("round trip tile mismatch: row=%d col=%d", row, col)
	}
}

func TestPixelStageRoundTrip(t *testing.T) {
	tr, err := NewTranslator(testGeometry(), Point{})
	if err != nil {
		t.Fatalf("new translator: %v", err)
	}
	centre := tr.PixelToStage(int64(3*tr.StepX()+50), int64(tr.StepY()+40))
	want := tr.StagePosition(1, 3)
	if math.Abs(centre.X-want.X) > 1e-9 || math.Abs(centre.Y-want.Y) > 1e-9 {
		t.Fatalf("tile centre pixel maps to %+v, want %+v", centre, want)
	}
	px, py := tr.StageToPixel(centre)
	if px != int64(3*tr.StepX()+50) || py != int64(tr.StepY()+40) {
		t.Fatalf("stage to pixel mismatch: %d,%d", px, py)
	}
}

func TestNewTranslatorRejectsBadGeometry(t *testing.T) {
	g := testGeometry()
	g.PixelSizeUm = 0
	if _, err := NewTranslator(g, Point{}); err == nil {
		t.Fatalf("expected error for zero pixel size")
	}
}

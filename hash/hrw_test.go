package hash

import (
	"fmt"
	"testing"

	"github.com/suyash-sneo/tileacq/acq"
)

func TestLaneDeterministic(t *testing.T) {
	key := acq.TileKey(3, 7, "DAPI", map[string]int{"z": 4})
	r, err := NewRouter("lane", 3)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	first := r.Lane(key)
	for i := 0; i < 5; i++ {
		again, _ := NewRouter("lane", 3)
		if next := again.Lane(key); next != first {
			t.Fatalf("lane changed between routers: %d -> %d", first, next)
		}
	}
	if _, ok := ownerIndex(key, nil); ok {
		t.Fatalf("expected no owner for empty writer set")
	}
}

func TestLaneHasHighestScore(t *testing.T) {
	r, _ := NewRouter("writer", 4)
	key := "0|0|FITC|"
	lane := r.Lane(key)
	for i := 0; i < r.Lanes(); i++ {
		if score(key, r.Writer(i)) > score(key, r.Writer(lane)) {
			t.Fatalf("lane %s outscores chosen %s", r.Writer(i), r.Writer(lane))
		}
	}
}

func TestRouterSpreadsTiles(t *testing.T) {
	r, err := NewRouter("lane", 4)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	counts := make([]int, r.Lanes())
	for row := 0; row < 20; row++ {
		for col := 0; col < 20; col++ {
			lane := r.Lane(acq.TileKey(row, col, "", nil))
			if lane < 0 || lane >= r.Lanes() {
				t.Fatalf("lane %d out of range", lane)
			}
			counts[lane]++
		}
	}
	for i, c := range counts {
		if c < 50 {
			t.Fatalf("lane %s underused: %v", r.Writer(i), counts)
		}
	}
	if _, err := NewRouter("lane", 0); err == nil {
		t.Fatalf("expected error for zero lanes")
	}
}

func TestMinimalMovementOnRemoval(t *testing.T) {
	writers := []string{"w1", "w2", "w3"}
	after := []string{"w1", "w3"}
	var keys []string
	for i := 0; i < 200; i++ {
		keys = append(keys, acq.TileKey(i/20, i%20, fmt.Sprintf("ch%d", i%3), nil))
	}

	changed := 0
	for _, k := range keys {
		b, _ := ownerIndex(k, writers)
		a, _ := ownerIndex(k, after)
		if writers[b] != after[a] {
			changed++
		}
	}

	ratio := float64(changed) / float64(len(keys))
	if ratio < 0.2 || ratio > 0.5 {
		t.Fatalf("unexpected movement ratio: %.2f (changed %d of %d)", ratio, changed, len(keys))
	}
}

package badger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	badgerdb "github.com/dgraph-io/badger/v3"

	"github.com/suyash-sneo/tileacq/acq"
)

const (
	metaPrefix  = "m/"
	pixelPrefix = "p/"
	geometryKey = "g/geometry"
)

func metaKey(tileKey string) []byte  { return []byte(metaPrefix + tileKey) }
func pixelKey(tileKey string) []byte { return []byte(pixelPrefix + tileKey) }

// record is the stored metadata of a tile. Pixels live under a separate key
// as little-endian uint16s.
type record struct {
	acq.Tile
	Checksum uint64 `json:"checksum"`
}

func encodeTile(t acq.Tile) (meta, pixels []byte, err error) {
	pixels = make([]byte, 2*len(t.Pixels))
	for i, v := range t.Pixels {
		binary.LittleEndian.PutUint16(pixels[2*i:], v)
	}
	meta, err = json.Marshal(record{Tile: t, Checksum: xxhash.Sum64(pixels)})
	if err != nil {
		return nil, nil, fmt.Errorf("encode tile %s: %w", t.Key, err)
	}
	return meta, pixels, nil
}

func decodeTile(meta, pixels []byte) (acq.Tile, error) {
	var rec record
	if err := json.Unmarshal(meta, &rec); err != nil {
		return acq.Tile{}, fmt.Errorf("decode tile: %w", err)
	}
	if sum := xxhash.Sum64(pixels); sum != rec.Checksum {
		return acq.Tile{}, fmt.Errorf("%w: %s checksum %x, stored %x", ErrCorruptTile, rec.Key, sum, rec.Checksum)
	}
	if len(pixels)%2 != 0 || len(pixels)/2 != rec.Width*rec.Height {
		return acq.Tile{}, fmt.Errorf("%w: %s has %d bytes for %dx%d", ErrCorruptTile, rec.Key, len(pixels), rec.Width, rec.Height)
	}
	t := rec.Tile
	t.Pixels = make([]uint16, len(pixels)/2)
	for i := range t.Pixels {
		t.Pixels[i] = binary.LittleEndian.Uint16(pixels[2*i:])
	}
	return t, nil
}

// ensureGeometry records g on first open and rejects a different one later.
func ensureGeometry(db *badgerdb.DB, g acq.Geometry) error {
	want, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(geometryKey))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return txn.Set([]byte(geometryKey), want)
		}
		if err != nil {
			return err
		}
		var have acq.Geometry
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &have) }); err != nil {
			return fmt.Errorf("read stored geometry: %w", err)
		}
		if have != g {
			return fmt.Errorf("stored geometry %+v does not match %+v", have, g)
		}
		return nil
	})
}

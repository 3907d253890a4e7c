package upgrade

import (
	"github.com/eunmann/worldup/pkg/chunkpos"
	"github.com/eunmann/worldup/pkg/regionfile"
	"github.com/eunmann/worldup/pkg/tag"
)

// ChunkStore is the paged store a unit reads from and writes to.
// *regionfile.File implements it.
type ChunkStore interface {
	Exists(coord chunkpos.ChunkCoord) bool
	ReadAsync(coord chunkpos.ChunkCoord) *regionfile.Future[tag.Compound]
	WriteAsync(coord chunkpos.ChunkCoord, rec tag.Compound) *regionfile.Future[struct{}]
	Sync() error
	Close() error
}

// OpenFunc opens the store at path. create makes an empty store when the
// file does not exist.
type OpenFunc func(path string, region chunkpos.RegionCoord, create bool) (ChunkStore, error)

// OpenRegionFile opens stores with the regionfile package.
func OpenRegionFile(path string, region chunkpos.RegionCoord, create bool) (ChunkStore, error) {
	f, err := regionfile.Open(path, region, regionfile.Options{Create: create})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Observer receives per-record and per-file outcomes, e.g. for metrics.
type Observer interface {
	ChunkConverted(category string)
	ChunksSkipped(category string, n int)
	FileReplaced(category string)
}

type nopObserver struct{}

func (nopObserver) ChunkConverted(string)     {}
func (nopObserver) ChunksSkipped(string, int) {}
func (nopObserver) FileReplaced(string)       {}

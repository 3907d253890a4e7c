// Package chunkpos defines chunk and region coordinates and the region file
// naming convention.
package chunkpos

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	// RegionShift converts between chunk and region coordinates.
	RegionShift = 5
	// RegionSize is the number of chunks along one side of a region.
	RegionSize = 1 << RegionShift
	// SlotsPerRegion is the number of chunk slots in one region file.
	SlotsPerRegion = RegionSize * RegionSize

	// DefaultExt is the extension used for region files of every category.
	DefaultExt = "mca"
)

// ErrBadFileName indicates a file name that is not a region file name.
var ErrBadFileName = errors.New("not a region file name")

// ChunkCoord is the absolute coordinate of a chunk.
type ChunkCoord struct {
	X int32
	Z int32
}

// Region returns the region containing the chunk.
func (c ChunkCoord) Region() RegionCoord {
	return RegionCoord{X: c.X >> RegionShift, Z: c.Z >> RegionShift}
}

// LocalX returns the chunk's x offset within its region.
func (c ChunkCoord) LocalX() int {
	return int(c.X & (RegionSize - 1))
}

// LocalZ returns the chunk's z offset within its region.
func (c ChunkCoord) LocalZ() int {
	return int(c.Z & (RegionSize - 1))
}

// Slot returns the chunk's slot index within its region file.
func (c ChunkCoord) Slot() int {
	return c.LocalX() + c.LocalZ()*RegionSize
}

// Less orders coordinates x-major, then z.
func (c ChunkCoord) Less(o ChunkCoord) bool {
	if c.X != o.X {
		return c.X < o.X
	}
	return c.Z < o.Z
}

func (c ChunkCoord) String() string {
	return fmt.Sprintf("[%d, %d]", c.X, c.Z)
}

// RegionCoord is the coordinate of a region file.
type RegionCoord struct {
	X int32
	Z int32
}

// Chunk returns the absolute coordinate of a local slot in this region.
func (r RegionCoord) Chunk(localX, localZ int) ChunkCoord {
	return ChunkCoord{
		X: r.X<<RegionShift + int32(localX),
		Z: r.Z<<RegionShift + int32(localZ),
	}
}

// Contains reports whether the chunk lives in this region.
func (r RegionCoord) Contains(c ChunkCoord) bool {
	return c.Region() == r
}

// FileName returns the region file name, e.g. "r.-1.2.mca".
func (r RegionCoord) FileName(ext string) string {
	return "r." + strconv.Itoa(int(r.X)) + "." + strconv.Itoa(int(r.Z)) + "." + ext
}

func (r RegionCoord) String() string {
	return fmt.Sprintf("r(%d, %d)", r.X, r.Z)
}

// Region coordinates whose chunks all fit in an int32.
const (
	minRegion = math.MinInt32 >> RegionShift
	maxRegion = math.MaxInt32 >> RegionShift
)

// ParseFileName extracts the region coordinate from a name of the form
// r.<X>.<Z>.<ext>. Coordinates whose chunks would overflow int32 are
// rejected.
func ParseFileName(name, ext string) (RegionCoord, error) {
	parts := strings.Split(name, ".")
	if len(parts) != 4 || parts[0] != "r" || parts[3] != ext {
		return RegionCoord{}, fmt.Errorf("%w: %q", ErrBadFileName, name)
	}
	x, err := parseRegion(parts[1])
	if err != nil {
		return RegionCoord{}, fmt.Errorf("%w: %q", ErrBadFileName, name)
	}
	z, err := parseRegion(parts[2])
	if err != nil {
		return RegionCoord{}, fmt.Errorf("%w: %q", ErrBadFileName, name)
	}
	return RegionCoord{X: x, Z: z}, nil
}

func parseRegion(s string) (int32, error) {
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, err
	}
	if v < minRegion || v > maxRegion {
		return 0, fmt.Errorf("region coordinate %d out of range", v)
	}
	return int32(v), nil
}

package regionfile

import (
	"encoding/binary"

	"github.com/eunmann/worldup/pkg/chunkpos"
)

// Region file layout:
//
// Header (2 sectors, 8192 bytes):
//   Locations:  1024 x uint32  (sectorOffset<<8 | sectorCount, 0 = empty slot)
//   Timestamps: 1024 x uint32  (unix seconds of the last write)
//
// Body: 4096-byte sectors. A chunk payload starts at a sector boundary:
//   Length:      4 bytes  (compression byte + data)
//   Compression: 1 byte   (1 = none, 2 = zstd)
//   Data:        Length-1 bytes of encoded record
//
// All integers are little endian.

const (
	// SectorSize is the allocation unit of a region file.
	SectorSize = 4096
	// HeaderSectors is the number of sectors taken by the header.
	HeaderSectors = 2
	// HeaderSize is the header size in bytes.
	HeaderSize = HeaderSectors * SectorSize

	payloadHeaderSize = 5
	maxSectorCount    = 255
	maxPayloadSize    = maxSectorCount*SectorSize - payloadHeaderSize
)

// Compression selects how chunk payloads are stored.
type Compression byte

const (
	// CompressionNone stores encoded records as is.
	CompressionNone Compression = 1
	// CompressionZstd compresses encoded records with zstd.
	CompressionZstd Compression = 2
)

// location is a packed header entry.
type location uint32

func makeLocation(sectorOffset, sectorCount int) location {
	return location(uint32(sectorOffset)<<8 | uint32(sectorCount))
}

func (l location) offset() int { return int(uint32(l) >> 8) }
func (l location) count() int  { return int(uint32(l) & 0xFF) }
func (l location) empty() bool { return l == 0 }

// header is the decoded region file header.
type header struct {
	locations  [chunkpos.SlotsPerRegion]location
	timestamps [chunkpos.SlotsPerRegion]uint32
}

func encodeHeader(h *header) []byte {
	buf := make([]byte, HeaderSize)
	for i := range chunkpos.SlotsPerRegion {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(h.locations[i]))
		binary.LittleEndian.PutUint32(buf[SectorSize+i*4:], h.timestamps[i])
	}
	return buf
}

func decodeHeader(buf []byte) (*header, error) {
	if len(buf) < HeaderSize {
		return nil, ErrCorrupt
	}
	h := &header{}
	for i := range chunkpos.SlotsPerRegion {
		h.locations[i] = location(binary.LittleEndian.Uint32(buf[i*4:]))
		h.timestamps[i] = binary.LittleEndian.Uint32(buf[SectorSize+i*4:])
	}
	return h, nil
}

func sectorsFor(payloadLen int) int {
	return (payloadLen + payloadHeaderSize + SectorSize - 1) / SectorSize
}

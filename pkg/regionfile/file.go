// Package regionfile implements the paged chunk store: one file holding a
// 32x32 grid of chunk records addressed by local slot.
//
// Each open File owns a single I/O goroutine. Writes and syncs are served in
// submission order, so writes to one file are never reordered. Reads are
// served ahead of queued writes; a read of a slot with a queued write is
// answered from that write's record.
package regionfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/zstd"

	"github.com/eunmann/worldup/pkg/chunkpos"
	"github.com/eunmann/worldup/pkg/logging"
	"github.com/eunmann/worldup/pkg/tag"
)

// Options configures how a region file is opened.
type Options struct {
	// Create creates the file with an empty header if it does not exist.
	// Without it an empty file is read as an empty region and left untouched
	// until the first write.
	Create bool
	// Compression is used for newly written records (default CompressionZstd).
	Compression Compression
	// QueueDepth bounds the number of queued requests (default 16).
	QueueDepth int

	// beforeWrite runs on the I/O goroutine before each write.
	beforeWrite func(chunkpos.ChunkCoord)
}

type requestKind int

const (
	requestRead requestKind = iota
	requestWrite
	requestSync
)

type request struct {
	kind      requestKind
	coord     chunkpos.ChunkCoord
	record    tag.Compound
	seq       uint64
	readDone  func(tag.Compound, error)
	writeDone func(struct{}, error)
}

// File is an open region file.
type File struct {
	path   string
	region chunkpos.RegionCoord
	file   *os.File
	opts   Options

	// mu guards hdr for callers outside the I/O goroutine.
	mu  sync.RWMutex
	hdr *header

	// used tracks allocated sectors; owned by the I/O goroutine after Open.
	used []bool
	// headerPending is set when the on-disk header has not been written yet.
	// Owned by the I/O goroutine after Open.
	headerPending bool

	// pendMu guards pending, the latest queued write per slot.
	pendMu  sync.Mutex
	pending map[int]queuedWrite
	seq     uint64

	enc *zstd.Encoder
	dec *zstd.Decoder

	// submitMu orders submissions against Close.
	submitMu sync.RWMutex
	closed   bool
	reads    chan request
	writes   chan request
	done     chan struct{}
}

type queuedWrite struct {
	record tag.Compound
	seq    uint64
}

// Open opens the region file at path for the given region.
func Open(path string, region chunkpos.RegionCoord, opts Options) (*File, error) {
	if opts.Compression == 0 {
		opts.Compression = CompressionZstd
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 16
	}

	flags := os.O_RDWR
	if opts.Create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open region file: %w", ErrStorage, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat region file: %w", ErrStorage, err)
	}

	var hdr *header
	headerPending := false
	if info.Size() == 0 {
		hdr = &header{}
		if opts.Create {
			if _, err := f.WriteAt(encodeHeader(hdr), 0); err != nil {
				f.Close()
				return nil, fmt.Errorf("%w: write header: %w", ErrStorage, err)
			}
		} else {
			headerPending = true
		}
	} else {
		if info.Size() < HeaderSize {
			f.Close()
			return nil, fmt.Errorf("%w: file smaller than header (%d bytes)", ErrCorrupt, info.Size())
		}
		buf := make([]byte, HeaderSize)
		if _, err := f.ReadAt(buf, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: read header: %w", ErrStorage, err)
		}
		hdr, err = decodeHeader(buf)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("decode header: %w", err)
		}
	}

	totalSectors := int((max(info.Size(), HeaderSize) + SectorSize - 1) / SectorSize)
	used := make([]bool, totalSectors)
	for i := range HeaderSectors {
		used[i] = true
	}
	var dropped int
	for i, loc := range hdr.locations {
		if loc.empty() {
			continue
		}
		if loc.offset() < HeaderSectors || loc.count() == 0 || loc.offset()+loc.count() > totalSectors {
			hdr.locations[i] = 0
			dropped++
			continue
		}
		for s := loc.offset(); s < loc.offset()+loc.count(); s++ {
			used[s] = true
		}
	}
	if dropped > 0 {
		logging.L().Warn().
			Str("path", path).
			Int("dropped_slots", dropped).
			Msg("region file has invalid slot locations")
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		f.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	rf := &File{
		path:          path,
		region:        region,
		file:          f,
		opts:          opts,
		hdr:           hdr,
		used:          used,
		headerPending: headerPending,
		pending:       make(map[int]queuedWrite),
		enc:           enc,
		dec:           dec,
		reads:         make(chan request, opts.QueueDepth),
		writes:        make(chan request, opts.QueueDepth),
		done:          make(chan struct{}),
	}
	go rf.loop()
	return rf, nil
}

// Path returns the file path.
func (f *File) Path() string {
	return f.path
}

// Region returns the region the file holds.
func (f *File) Region() chunkpos.RegionCoord {
	return f.region
}

// Exists reports whether the slot for coord is populated.
func (f *File) Exists(coord chunkpos.ChunkCoord) bool {
	if !f.region.Contains(coord) {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return !f.hdr.locations[coord.Slot()].empty()
}

// Populated returns the coordinates of all populated slots, ordered x-major.
func (f *File) Populated() []chunkpos.ChunkCoord {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var coords []chunkpos.ChunkCoord
	for lx := range chunkpos.RegionSize {
		for lz := range chunkpos.RegionSize {
			c := f.region.Chunk(lx, lz)
			if !f.hdr.locations[c.Slot()].empty() {
				coords = append(coords, c)
			}
		}
	}
	return coords
}

// ReadAsync schedules a read of the record at coord. The future resolves to
// nil when the slot is empty. A read of a slot with a queued write resolves
// at once to a copy of the queued record.
func (f *File) ReadAsync(coord chunkpos.ChunkCoord) *Future[tag.Compound] {
	if !f.region.Contains(coord) {
		return Completed[tag.Compound](nil, fmt.Errorf("%w: %v not in %v", ErrOutOfRegion, coord, f.region))
	}
	f.pendMu.Lock()
	q, ok := f.pending[coord.Slot()]
	f.pendMu.Unlock()
	if ok {
		return Completed(q.record.Clone(), nil)
	}
	fut, done := Pending[tag.Compound]()
	if !f.submit(request{kind: requestRead, coord: coord, readDone: done}) {
		done(nil, ErrClosed)
	}
	return fut
}

// WriteAsync schedules a write of rec at coord. The record must not be
// mutated until the future resolves.
func (f *File) WriteAsync(coord chunkpos.ChunkCoord, rec tag.Compound) *Future[struct{}] {
	if !f.region.Contains(coord) {
		return Completed(struct{}{}, fmt.Errorf("%w: %v not in %v", ErrOutOfRegion, coord, f.region))
	}
	slot := coord.Slot()
	f.pendMu.Lock()
	f.seq++
	seq := f.seq
	f.pending[slot] = queuedWrite{record: rec, seq: seq}
	f.pendMu.Unlock()

	fut, done := Pending[struct{}]()
	if !f.submit(request{kind: requestWrite, coord: coord, record: rec, seq: seq, writeDone: done}) {
		f.settle(slot, seq)
		done(struct{}{}, ErrClosed)
	}
	return fut
}

// settle forgets the queued write seq of slot unless a newer one replaced it.
func (f *File) settle(slot int, seq uint64) {
	f.pendMu.Lock()
	if q, ok := f.pending[slot]; ok && q.seq == seq {
		delete(f.pending, slot)
	}
	f.pendMu.Unlock()
}

// Sync waits for all queued writes and flushes the file to stable storage.
func (f *File) Sync() error {
	fut, done := Pending[struct{}]()
	if !f.submit(request{kind: requestSync, writeDone: done}) {
		return ErrClosed
	}
	<-fut.Done()
	return fut.err
}

// Close drains queued requests and closes the file.
func (f *File) Close() error {
	f.submitMu.Lock()
	if f.closed {
		f.submitMu.Unlock()
		return nil
	}
	f.closed = true
	close(f.reads)
	close(f.writes)
	f.submitMu.Unlock()

	<-f.done

	var result *multierror.Error
	if err := f.enc.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close zstd encoder: %w", err))
	}
	f.dec.Close()
	if err := f.file.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("%w: close region file: %w", ErrStorage, err))
	}
	return result.ErrorOrNil()
}

func (f *File) submit(r request) bool {
	f.submitMu.RLock()
	defer f.submitMu.RUnlock()
	if f.closed {
		return false
	}
	if r.kind == requestRead {
		f.reads <- r
	} else {
		f.writes <- r
	}
	return true
}

// loop serves requests until both queues are closed and drained. Queued
// reads always go before the next write.
func (f *File) loop() {
	defer close(f.done)
	reads, writes := f.reads, f.writes
	for reads != nil || writes != nil {
		select {
		case r, ok := <-reads:
			if !ok {
				reads = nil
			} else {
				f.serve(r)
			}
			continue
		default:
		}

		select {
		case r, ok := <-reads:
			if !ok {
				reads = nil
				continue
			}
			f.serve(r)
		case r, ok := <-writes:
			if !ok {
				writes = nil
				continue
			}
			f.serve(r)
		}
	}
}

func (f *File) serve(r request) {
	switch r.kind {
	case requestRead:
		r.readDone(f.read(r.coord))
	case requestWrite:
		if f.opts.beforeWrite != nil {
			f.opts.beforeWrite(r.coord)
		}
		err := f.write(r.coord, r.record)
		f.settle(r.coord.Slot(), r.seq)
		r.writeDone(struct{}{}, err)
	case requestSync:
		var err error
		if serr := f.file.Sync(); serr != nil {
			err = fmt.Errorf("%w: sync region file: %w", ErrStorage, serr)
		}
		r.writeDone(struct{}{}, err)
	}
}

func (f *File) read(coord chunkpos.ChunkCoord) (tag.Compound, error) {
	f.mu.RLock()
	loc := f.hdr.locations[coord.Slot()]
	f.mu.RUnlock()
	if loc.empty() {
		return nil, nil
	}

	buf := make([]byte, loc.count()*SectorSize)
	n, err := f.file.ReadAt(buf, int64(loc.offset())*SectorSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: read chunk %v: %w", ErrStorage, coord, err)
	}
	buf = buf[:n]
	if len(buf) < payloadHeaderSize {
		return nil, fmt.Errorf("%w: chunk %v truncated", ErrCorrupt, coord)
	}

	length := int(uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24)
	if length < 1 || 4+length > len(buf) {
		return nil, fmt.Errorf("%w: chunk %v has length %d in %d bytes", ErrCorrupt, coord, length, len(buf))
	}
	data := buf[payloadHeaderSize : 4+length]

	switch Compression(buf[4]) {
	case CompressionNone:
	case CompressionZstd:
		data, err = f.dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress chunk %v: %w", ErrCorrupt, coord, err)
		}
	default:
		return nil, fmt.Errorf("%w: chunk %v has compression type %d", ErrCorrupt, coord, buf[4])
	}

	rec, err := tag.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk %v: %w", ErrCorrupt, coord, err)
	}
	return rec, nil
}

func (f *File) write(coord chunkpos.ChunkCoord, rec tag.Compound) error {
	data, err := tag.Encode(rec)
	if err != nil {
		return err
	}
	if f.opts.Compression == CompressionZstd {
		data = f.enc.EncodeAll(data, nil)
	}
	if len(data) > maxPayloadSize {
		return fmt.Errorf("%w: chunk %v needs %d bytes", ErrTooLarge, coord, len(data))
	}

	count := sectorsFor(len(data))
	buf := make([]byte, count*SectorSize)
	length := uint32(len(data) + 1)
	buf[0], buf[1], buf[2], buf[3] = byte(length), byte(length>>8), byte(length>>16), byte(length>>24)
	buf[4] = byte(f.opts.Compression)
	copy(buf[payloadHeaderSize:], data)

	if f.headerPending {
		f.mu.RLock()
		raw := encodeHeader(f.hdr)
		f.mu.RUnlock()
		if _, err := f.file.WriteAt(raw, 0); err != nil {
			return fmt.Errorf("%w: write header: %w", ErrStorage, err)
		}
		f.headerPending = false
	}

	slot := coord.Slot()
	f.mu.RLock()
	old := f.hdr.locations[slot]
	f.mu.RUnlock()

	offset := f.allocate(old, count)
	if _, err := f.file.WriteAt(buf, int64(offset)*SectorSize); err != nil {
		f.release(offset, count)
		if !old.empty() {
			f.reserve(old.offset(), old.count())
		}
		return fmt.Errorf("%w: write chunk %v: %w", ErrStorage, coord, err)
	}

	loc := makeLocation(offset, count)
	ts := uint32(time.Now().Unix())
	var entry [4]byte
	entry[0], entry[1], entry[2], entry[3] = byte(loc), byte(loc>>8), byte(loc>>16), byte(loc>>24)
	if _, err := f.file.WriteAt(entry[:], int64(slot*4)); err != nil {
		return fmt.Errorf("%w: write location of %v: %w", ErrStorage, coord, err)
	}
	entry[0], entry[1], entry[2], entry[3] = byte(ts), byte(ts>>8), byte(ts>>16), byte(ts>>24)
	if _, err := f.file.WriteAt(entry[:], int64(SectorSize+slot*4)); err != nil {
		return fmt.Errorf("%w: write timestamp of %v: %w", ErrStorage, coord, err)
	}

	f.mu.Lock()
	f.hdr.locations[slot] = loc
	f.hdr.timestamps[slot] = ts
	f.mu.Unlock()
	return nil
}

// allocate frees the old allocation and finds count contiguous sectors,
// reusing the old position when the record still fits.
func (f *File) allocate(old location, count int) int {
	if !old.empty() {
		f.release(old.offset(), old.count())
		if count <= old.count() {
			f.reserve(old.offset(), count)
			return old.offset()
		}
	}

	run := 0
	for s := HeaderSectors; s < len(f.used); s++ {
		if f.used[s] {
			run = 0
			continue
		}
		run++
		if run == count {
			start := s - count + 1
			f.reserve(start, count)
			return start
		}
	}

	start := len(f.used) - run
	f.reserve(start, count)
	return start
}

func (f *File) reserve(start, count int) {
	for len(f.used) < start+count {
		f.used = append(f.used, false)
	}
	for s := start; s < start+count; s++ {
		f.used[s] = true
	}
}

func (f *File) release(start, count int) {
	for s := start; s < start+count && s < len(f.used); s++ {
		f.used[s] = false
	}
}

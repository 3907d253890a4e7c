package regionfile

import "errors"

var (
	// ErrStorage indicates a failure of the underlying storage medium, such as
	// a failed read, write or sync of the file itself.
	ErrStorage = errors.New("storage medium failure")
	// ErrCorrupt indicates region data that cannot be parsed.
	ErrCorrupt = errors.New("corrupt region data")
	// ErrClosed indicates an operation on a closed region file.
	ErrClosed = errors.New("region file closed")
	// ErrOutOfRegion indicates a chunk coordinate outside the file's region.
	ErrOutOfRegion = errors.New("chunk outside region")
	// ErrTooLarge indicates a record whose payload exceeds the sector limit.
	ErrTooLarge = errors.New("record too large")
)

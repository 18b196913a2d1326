package memstore

import "errors"

var (
	// ErrNotFound indicates no object exists for the memory id.
	ErrNotFound = errors.New("memory not found")

	// ErrInvalidRange indicates a malformed line or byte range.
	ErrInvalidRange = errors.New("invalid range")

	// ErrInvalidID indicates a memory id that is not a 64-character
	// lowercase hex digest.
	ErrInvalidID = errors.New("invalid memory id")

	// ErrInvalidType indicates an unknown MemoryType in PutOptions.
	ErrInvalidType = errors.New("invalid memory type")

	// ErrStorage indicates a disk read or write failure. A put that fails
	// with ErrStorage leaves no metadata behind.
	ErrStorage = errors.New("storage error")

	// ErrCorrupt indicates a blob whose decompressed content no longer
	// hashes to its id.
	ErrCorrupt = errors.New("stored content corrupt")
)

package model

// FileState is the durable bookkeeping record for one watched file.
// It is created on first discovery and mutated only through state-store
// commits after a terminal outcome.
type FileState struct {
	// Path of the watched file.
	Path string

	// Offset is the committed byte offset: the end of the last byte
	// range whose lines all reached a terminal outcome. Monotonically
	// non-decreasing except via a rotation reset.
	Offset int64

	// Size and MtimeNS fingerprint the file as last committed.
	Size    int64
	MtimeNS int64

	// HeadHash is the SHA-256 of the first HeadLen bytes, used to
	// detect replacement of the file under the same path.
	HeadHash string
	HeadLen  int64

	// Generation counts rotation resets observed for this path.
	Generation uint64
}

package datahub

import "errors"

// Error classification. Implementations MAY wrap these with additional
// context via fmt.Errorf("...: %w", ...); callers MUST classify with
// errors.Is.
var (
	// ErrInvalid indicates a caller-supplied option or argument is
	// invalid.
	ErrInvalid = errors.New("datahub: invalid argument")

	// ErrLayoutCorrupt indicates the segment's layout checksum does not
	// match its header fields (rebuild-class).
	ErrLayoutCorrupt = errors.New("datahub: layout corrupt")

	// ErrMagicCorrupt indicates the segment does not start with the
	// expected magic bytes at all — not a DataHub segment, or
	// catastrophically corrupted.
	ErrMagicCorrupt = errors.New("datahub: magic corrupt")

	// ErrSchemaMismatch indicates the segment's schema hashes do not
	// match what the caller's Options declare.
	ErrSchemaMismatch = errors.New("datahub: schema mismatch")

	// ErrSecretMismatch indicates the segment's shared secret does not
	// match what the caller's Options declare.
	ErrSecretMismatch = errors.New("datahub: shared secret mismatch")

	// ErrIncompatible indicates the segment's layout version or fixed
	// dimensions (capacity, unit size, flex zone size) are incompatible
	// with the caller's Options.
	ErrIncompatible = errors.New("datahub: incompatible layout")

	// ErrTimeout indicates a bounded wait (writer lock acquisition or
	// reader drain) exceeded its deadline. The other two timeout subkinds
	// spec §7 names have their own sentinels instead, since callers
	// already classify with errors.Is: ErrRingFull for the ring-full wait
	// and ErrNoData for consume-empty.
	ErrTimeout = errors.New("datahub: timeout")

	// ErrClosed indicates an operation on an already-closed handle.
	ErrClosed = errors.New("datahub: closed")

	// ErrAlreadyProducer indicates a second Producer handle was
	// requested on a Segment that already has one open in this process
	// (DataHub is single-producer; a second in-process producer is
	// always a bug, distinct from ErrTimeout which covers contention
	// from another process).
	ErrAlreadyProducer = errors.New("datahub: producer already attached")

	// ErrHeartbeatTableFull indicates a consumer could not attach
	// because all HeartbeatCapacity rows are claimed.
	ErrHeartbeatTableFull = errors.New("datahub: heartbeat table full")

	// ErrRingFull indicates the producer could not acquire a write slot
	// because every slot is Committed or Draining and no slot freed up
	// before the deadline.
	ErrRingFull = errors.New("datahub: ring full")

	// ErrNoData indicates a consumer found no committed slot to read
	// (empty ring) before its deadline.
	ErrNoData = errors.New("datahub: no data")

	// ErrAborted indicates a WriteSlot was closed without Commit.
	ErrAborted = errors.New("datahub: write aborted")
)

package dhformat

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// The header and slot state fields are touched concurrently by a producer
// and any number of consumers living in separate OS processes, all
// mapping the same file. A plain slice index is not enough: the Go memory
// model only makes atomic.* operations visible across goroutines (and,
// because the mapping is POSIX shared memory backed by the same physical
// pages, across processes too, as long as every side uses atomic
// instructions for the same address). These helpers cast a byte-slice
// offset to the matching atomic type and go through sync/atomic
// exclusively; nothing in this package ever reads or writes a shared
// field with a plain load/store.

func u64At(data []byte, offset int64) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&data[offset]))
}

func u32At(data []byte, offset int64) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&data[offset]))
}

// LoadUint64 atomically loads a uint64 at the given byte offset.
func LoadUint64(data []byte, offset int64) uint64 { return u64At(data, offset).Load() }

// StoreUint64 atomically stores a uint64 at the given byte offset.
func StoreUint64(data []byte, offset int64, v uint64) { u64At(data, offset).Store(v) }

// AddUint64 atomically adds delta to the uint64 at offset and returns the
// new value.
func AddUint64(data []byte, offset int64, delta uint64) uint64 {
	return u64At(data, offset).Add(delta)
}

// CompareAndSwapUint64 performs a CAS on the uint64 at offset.
func CompareAndSwapUint64(data []byte, offset int64, old, new uint64) bool {
	return u64At(data, offset).CompareAndSwap(old, new)
}

// LoadUint32 atomically loads a uint32 at the given byte offset.
func LoadUint32(data []byte, offset int64) uint32 { return u32At(data, offset).Load() }

// StoreUint32 atomically stores a uint32 at the given byte offset.
func StoreUint32(data []byte, offset int64, v uint32) { u32At(data, offset).Store(v) }

// CompareAndSwapUint32 performs a CAS on the uint32 at offset.
func CompareAndSwapUint32(data []byte, offset int64, old, new uint32) bool {
	return u32At(data, offset).CompareAndSwap(old, new)
}

// AddUint32 atomically adds delta to the uint32 at offset and returns the
// new value.
func AddUint32(data []byte, offset int64, delta uint32) uint32 {
	return u32At(data, offset).Add(delta)
}

// Header field accessors. Each wraps the raw offset constants above so
// callers outside this package never spell out a magic number.

func ReadIndex(data []byte) uint64         { return LoadUint64(data, offReadIndex) }
func StoreReadIndex(data []byte, v uint64) { StoreUint64(data, offReadIndex, v) }
func CompareAndSwapReadIndex(data []byte, old, new uint64) bool {
	return CompareAndSwapUint64(data, offReadIndex, old, new)
}

func WriteIndex(data []byte) uint64        { return LoadUint64(data, offWriteIndex) }
func StoreWriteIndex(data []byte, v uint64) { StoreUint64(data, offWriteIndex, v) }

func CommitIndex(data []byte) uint64         { return LoadUint64(data, offCommitIndex) }
func StoreCommitIndex(data []byte, v uint64) { StoreUint64(data, offCommitIndex, v) }

func ProducerPID(data []byte) uint64         { return LoadUint64(data, offProducerPID) }
func StoreProducerPID(data []byte, v uint64) { StoreUint64(data, offProducerPID, v) }

func ProducerHeartbeatNs(data []byte) uint64 { return LoadUint64(data, offProducerHeartbeatNs) }
func StoreProducerHeartbeatNs(data []byte, v uint64) {
	StoreUint64(data, offProducerHeartbeatNs, v)
}

func ActiveConsumerCount(data []byte) uint32 { return LoadUint32(data, offActiveConsumerCount) }
func AddActiveConsumerCount(data []byte, delta uint32) uint32 {
	return AddUint32(data, offActiveConsumerCount, delta)
}

func IncrRecoveryActions(data []byte) uint64 { return AddUint64(data, offRecoveryActions, 1) }
func IncrTotalSlotsWritten(data []byte) uint64 { return AddUint64(data, offTotalSlotsWritten, 1) }
func IncrTotalSlotsRead(data []byte) uint64    { return AddUint64(data, offTotalSlotsRead, 1) }
func IncrWriterTimeouts(data []byte) uint64    { return AddUint64(data, offWriterTimeouts, 1) }
func IncrWriterLockTimeouts(data []byte) uint64 {
	return AddUint64(data, offWriterLockTimeouts, 1)
}
func IncrWriterDrainTimeouts(data []byte) uint64 {
	return AddUint64(data, offWriterDrainTimeouts, 1)
}
func IncrChecksumFailures(data []byte) uint64   { return AddUint64(data, offChecksumFailures, 1) }
func IncrReaderRaceDetected(data []byte) uint64 { return AddUint64(data, offReaderRaceDetected, 1) }

// ResetMetrics atomically zeroes every counter spec §4.C names as part of
// get_metrics/reset_metrics ("resets counters atomically"). Ring indices
// (write/commit/read_index), producer/consumer liveness, and
// active_consumer_count are not metrics in that sense — they are live
// ring-protocol state, not diagnostics — and are left untouched.
func ResetMetrics(data []byte) {
	StoreUint64(data, offRecoveryActions, 0)
	StoreUint64(data, offTotalSlotsWritten, 0)
	StoreUint64(data, offTotalSlotsRead, 0)
	StoreUint64(data, offWriterTimeouts, 0)
	StoreUint64(data, offWriterLockTimeouts, 0)
	StoreUint64(data, offWriterDrainTimeouts, 0)
	StoreUint64(data, offChecksumFailures, 0)
	StoreUint64(data, offReaderRaceDetected, 0)
}

// FlexZoneChecksum loads the shared flex-zone digest pair stamped by the
// most recent UpdateFlexChecksum. Unlike the per-slot payload checksum,
// this covers the whole, non-partitioned flex zone and is only
// recomputed when a caller explicitly asks for it (spec §4.D: "verified
// on demand").
func FlexZoneChecksum(data []byte) (lo, hi uint64) {
	return LoadUint64(data, offFlexZoneChecksumLo), LoadUint64(data, offFlexZoneChecksumHi)
}

// StoreFlexZoneChecksum stamps a freshly computed flex-zone digest pair.
func StoreFlexZoneChecksum(data []byte, lo, hi uint64) {
	StoreUint64(data, offFlexZoneChecksumLo, lo)
	StoreUint64(data, offFlexZoneChecksumHi, hi)
}

// Metrics is a point-in-time snapshot of the counters above, read one
// field at a time with atomic loads and no lock (any individual field is
// itself atomic, but the set as a whole is only a snapshot, never a
// transaction).
type Metrics struct {
	WriteIndex          uint64
	CommitIndex         uint64
	ReadIndex           uint64
	ActiveConsumerCount uint32
	RecoveryActions     uint64
	TotalSlotsWritten   uint64
	TotalSlotsRead      uint64
	WriterTimeouts      uint64
	WriterLockTimeouts  uint64
	WriterDrainTimeouts uint64
	ChecksumFailures    uint64
	ReaderRaceDetected  uint64
}

// String renders the snapshot as a compact one-line summary, for log
// lines. dhctl's info/inspect output prints the fields individually.
func (m Metrics) String() string {
	return fmt.Sprintf(
		"write=%d commit=%d read=%d consumers=%d written=%d read_ops=%d "+
			"writer_timeouts=%d writer_lock_timeouts=%d writer_drain_timeouts=%d "+
			"checksum_failures=%d reader_races=%d recovery_actions=%d",
		m.WriteIndex, m.CommitIndex, m.ReadIndex, m.ActiveConsumerCount,
		m.TotalSlotsWritten, m.TotalSlotsRead,
		m.WriterTimeouts, m.WriterLockTimeouts, m.WriterDrainTimeouts,
		m.ChecksumFailures, m.ReaderRaceDetected, m.RecoveryActions,
	)
}

// ReadMetrics snapshots every counter field from the mapped segment.
func ReadMetrics(data []byte) Metrics {
	return Metrics{
		WriteIndex:          LoadUint64(data, offWriteIndex),
		CommitIndex:         LoadUint64(data, offCommitIndex),
		ReadIndex:           LoadUint64(data, offReadIndex),
		ActiveConsumerCount: LoadUint32(data, offActiveConsumerCount),
		RecoveryActions:     LoadUint64(data, offRecoveryActions),
		TotalSlotsWritten:   LoadUint64(data, offTotalSlotsWritten),
		TotalSlotsRead:      LoadUint64(data, offTotalSlotsRead),
		WriterTimeouts:      LoadUint64(data, offWriterTimeouts),
		WriterLockTimeouts:  LoadUint64(data, offWriterLockTimeouts),
		WriterDrainTimeouts: LoadUint64(data, offWriterDrainTimeouts),
		ChecksumFailures:    LoadUint64(data, offChecksumFailures),
		ReaderRaceDetected:  LoadUint64(data, offReaderRaceDetected),
	}
}

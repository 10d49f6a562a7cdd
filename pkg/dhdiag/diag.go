// Package dhdiag provides an out-of-band diagnostic and recovery handle
// for a DataHub segment: it reads and repairs the raw header, slot
// array, and heartbeat table directly, bypassing the normal attach
// path's strict validation (so it can inspect and fix exactly the
// segments that would fail a normal Open). It reads the header directly
// via os.File + binary.LittleEndian rather than going through Segment,
// and spot-checks a handful of evenly distributed slots instead of
// scanning everything.
package dhdiag

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/datahub-ipc/datahub/pkg/dhchecksum"
	"github.com/datahub-ipc/datahub/pkg/dhformat"
	"github.com/datahub-ipc/datahub/pkg/dhheartbeat"
	"github.com/datahub-ipc/datahub/pkg/dhmutex"
	"github.com/datahub-ipc/datahub/pkg/dhssm"
)

// Handle is a diagnostic/recovery attachment to a segment file.
type Handle struct {
	path string
	file *os.File
	data []byte
}

// Open maps path for diagnostic access. Unlike datahub.Open, it does not
// validate the layout checksum or compare configuration — that is the
// point of a diagnostic tool, which must be able to attach to a segment
// precisely because something about it looks wrong.
func Open(path string) (*Handle, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("dhdiag: open: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("dhdiag: stat: %w", err)
	}

	if info.Size() < dhformat.HeaderSize {
		file.Close()
		return nil, fmt.Errorf("dhdiag: file smaller than header (%d bytes)", info.Size())
	}

	data, err := syscall.Mmap(int(file.Fd()), 0, int(info.Size()), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("dhdiag: mmap: %w", err)
	}

	return &Handle{path: path, file: file, data: data}, nil
}

// Close unmaps and closes the handle.
func (h *Handle) Close() error {
	var errs []error

	if err := syscall.Munmap(h.data); err != nil {
		errs = append(errs, err)
	}

	if err := h.file.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("dhdiag: close: %v", errs)
	}

	return nil
}

// RawHeader returns the raw header bytes for manual inspection.
func (h *Handle) RawHeader() []byte { return h.data[:dhformat.HeaderSize] }

// MagicOK reports whether the segment starts with the expected magic.
func (h *Handle) MagicOK() bool {
	return string(h.data[0:4]) == dhformat.Magic
}

// Header decodes the header without validating its checksum.
func (h *Handle) Header() dhformat.Header {
	return dhformat.DecodeHeader(h.RawHeader())
}

// LayoutChecksumOK reports whether the stored layout checksum matches the
// recomputed one.
func (h *Handle) LayoutChecksumOK() bool {
	return dhformat.ValidateLayoutChecksum(h.RawHeader())
}

// RecomputeLayoutChecksum rewrites the stored layout checksum to match
// the current header fields. Use after manually repairing a header field
// so a subsequent normal Open does not reject the segment.
func (h *Handle) RecomputeLayoutChecksum() {
	crc := dhformat.ComputeLayoutChecksum(h.RawHeader())
	binary.LittleEndian.PutUint32(h.data[0x078:], crc)
	dhformat.IncrRecoveryActions(h.data)
}

// Metrics returns the segment's runtime counters.
func (h *Handle) Metrics() dhformat.Metrics {
	return dhformat.ReadMetrics(h.data)
}

// HeartbeatRows returns every claimed heartbeat row.
func (h *Handle) HeartbeatRows() []dhheartbeat.Row {
	return dhheartbeat.NewTable(h.data).Rows()
}

// ReclaimStaleConsumers releases every heartbeat row whose last heartbeat
// is older than window and decrements the active consumer counter
// accordingly. It returns the reclaimed rows.
func (h *Handle) ReclaimStaleConsumers(window time.Duration) []dhheartbeat.Row {
	table := dhheartbeat.NewTable(h.data)
	now := uint64(time.Now().UnixNano())

	stale := table.StaleRows(now, window)
	for _, row := range stale {
		table.Release(row.Index)
		dhformat.AddActiveConsumerCount(h.data, ^uint32(0))
	}

	if len(stale) > 0 {
		dhformat.IncrRecoveryActions(h.data)
	}

	return stale
}

// ForceUnlockProducer removes the producer's advisory lock file and
// clears producer_pid. It refuses with an error when the PID stamped in
// the lock file names a live process; a lock file with no readable PID is
// removed.
func (h *Handle) ForceUnlockProducer() error {
	lockPath := h.path + ".lock"

	pid, err := dhmutex.OwnerPID(lockPath)
	if err == nil && dhmutex.IsProcessAlive(pid) {
		return fmt.Errorf("dhdiag: producer process %d is still alive", pid)
	}

	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("dhdiag: remove stale lock file: %w", err)
	}

	dhformat.StoreProducerPID(h.data, 0)
	dhformat.IncrRecoveryActions(h.data)

	return nil
}

// SampleSlotsForCorruption spot-checks n evenly distributed slots for a
// state value outside the known enum, the O(1) alternative to scanning
// every slot.
func (h *Handle) SampleSlotsForCorruption(capacity uint32, n int) []uint32 {
	if capacity == 0 || n <= 0 {
		return nil
	}

	if uint32(n) > capacity {
		n = int(capacity)
	}

	var bad []uint32

	step := capacity / uint32(n)
	if step == 0 {
		step = 1
	}

	for i := uint32(0); i < capacity; i += step {
		slot := dhformat.NewSlotView(h.data, i)

		switch dhssm.State(slot.State()) {
		case dhssm.Free, dhssm.Writing, dhssm.Committed, dhssm.Draining:
		default:
			bad = append(bad, i)
		}
	}

	return bad
}

// ErrUnsafe is returned by a recovery operation that refuses to act
// because the resource it would reclaim is still owned by a live
// process and the caller did not pass force=true (spec §7 "Unsafe").
var ErrUnsafe = errors.New("dhdiag: refused: owner is still alive")

// IsProcessAlive reports whether pid refers to a live OS process.
func IsProcessAlive(pid int) bool { return dhmutex.IsProcessAlive(pid) }

// Slot returns a raw accessor for slot i, for direct forensic
// inspection/mutation (spec §4.H: DiagnosticHandle exposes typed
// references to any per-slot state entry).
func (h *Handle) Slot(i uint32) dhformat.SlotView {
	return dhformat.NewSlotView(h.data, i)
}

// ReleaseZombieWriter clears slot i's write_lock and restores its state,
// but only if the current lock holder is not alive (spec §4.H
// release_zombie_writer). If a valid payload checksum is present the
// slot is restored to Committed so readers can still recover the last
// good message; otherwise it is reset to Free. Returns ErrUnsafe if the
// lock holder is still alive.
func (h *Handle) ReleaseZombieWriter(i uint32, checksumPolicy dhchecksum.Policy, secret uint64) error {
	slot := h.Slot(i)

	pid := slot.WriteLock()
	if pid == 0 {
		return nil
	}

	if dhmutex.IsProcessAlive(int(pid)) {
		return ErrUnsafe
	}

	slot.StoreWriteLock(0)

	if checksumPolicy != dhchecksum.PolicyNone {
		seq := slot.Sequence()
		n := slot.CommittedLength()

		capacity, flexSize, unitSize, pageSize := h.dims()
		if capacity > 0 {
			payloadOff := dhformat.PayloadOffset(capacity, flexSize, unitSize, pageSize, i)
			payload := h.data[payloadOff : payloadOff+int64(n)]

			lo, hi := slot.Checksum()
			if dhchecksum.Verify(secret, seq, payload, lo, hi) {
				slot.StoreState(uint32(dhssm.Committed))
				dhformat.IncrRecoveryActions(h.data)

				return nil
			}
		}
	}

	slot.StoreState(uint32(dhssm.Free))
	dhformat.IncrRecoveryActions(h.data)

	return nil
}

// ReleaseZombieReaders zeroes slot i's reader_count, letting a stuck
// producer drain proceed (spec §4.H release_zombie_readers). It succeeds
// when the producer's write_lock is 0 (no active writer to race with),
// when the current lock holder is dead, or when force is set; otherwise
// it returns ErrUnsafe.
func (h *Handle) ReleaseZombieReaders(i uint32, force bool) error {
	slot := h.Slot(i)

	pid := slot.WriteLock()
	if pid != 0 && dhmutex.IsProcessAlive(int(pid)) && !force {
		return ErrUnsafe
	}

	zeroReaderCount(slot)
	dhformat.IncrRecoveryActions(h.data)

	return nil
}

func zeroReaderCount(slot dhformat.SlotView) {
	for {
		n := slot.ReaderCount()
		if n == 0 {
			return
		}

		slot.DecrReaderCount()
	}
}

// ForceResetSlot drives slot i back to Free, preserving its payload
// bytes and only resetting metadata (state, write_lock, reader_count),
// per spec §4.H force_reset_slot. It refuses when write_lock names a
// live process unless force is set.
func (h *Handle) ForceResetSlot(i uint32, force bool) error {
	slot := h.Slot(i)

	pid := slot.WriteLock()
	if pid != 0 && dhmutex.IsProcessAlive(int(pid)) && !force {
		return ErrUnsafe
	}

	zeroReaderCount(slot)
	slot.StoreWriteLock(0)
	slot.StoreState(uint32(dhssm.Free))
	dhformat.IncrRecoveryActions(h.data)

	return nil
}

// CleanupDeadConsumers reclaims every heartbeat row whose owning PID is
// not alive, regardless of how recently it beat (spec §4.H
// cleanup_dead_consumers): unlike ReclaimStaleConsumers, liveness is
// judged by PID, not by heartbeat age.
func (h *Handle) CleanupDeadConsumers() []dhheartbeat.Row {
	table := dhheartbeat.NewTable(h.data)

	var reclaimed []dhheartbeat.Row

	for _, row := range table.Rows() {
		if dhmutex.IsProcessAlive(int(row.ConsumerPID)) {
			continue
		}

		table.Release(row.Index)
		dhformat.AddActiveConsumerCount(h.data, ^uint32(0))
		reclaimed = append(reclaimed, row)
	}

	if len(reclaimed) > 0 {
		dhformat.IncrRecoveryActions(h.data)
	}

	return reclaimed
}

// IntegrityReport is the result of ValidateIntegrity.
type IntegrityReport struct {
	MagicOK          bool
	LayoutChecksumOK bool
	// PayloadChecksumOK is only meaningful (and only checked) when the
	// segment uses dhchecksum.PolicyEnforced and at least one slot has
	// been committed; it reports the checksum state of slot
	// (commit_index-1) mod capacity, the most recently published slot.
	PayloadChecksumOK bool
	PayloadChecked    bool
	Repaired          bool
	// Failed is set when corruption was found that repair=true could
	// not fix (layout/magic corruption is never repairable).
	Failed bool
}

// ValidateIntegrity checks magic, layout checksum, and — for
// dhchecksum.PolicyEnforced segments that have committed at least once —
// the payload checksum of the most recently committed slot (spec §4.H
// validate_integrity). With repair=true the only repairable class is "the
// checksum slot was wholly reinitialized" (zero checksum and zero
// committed length, as a freshly force-reset slot would be); layout and
// magic corruption are never repairable and set Failed.
func (h *Handle) ValidateIntegrity(checksumPolicy dhchecksum.Policy, secret uint64, repair bool) IntegrityReport {
	var report IntegrityReport

	report.MagicOK = h.MagicOK()
	report.LayoutChecksumOK = h.LayoutChecksumOK()

	if !report.MagicOK || !report.LayoutChecksumOK {
		report.Failed = true
		return report
	}

	if checksumPolicy != dhchecksum.PolicyEnforced {
		return report
	}

	hdr := h.Header()

	commitIdx := dhformat.CommitIndex(h.data)
	if commitIdx == 0 {
		return report
	}

	capacity := hdr.RingBufferCapacity
	if capacity == 0 {
		return report
	}

	idx := uint32((commitIdx - 1) % uint64(capacity))
	slot := h.Slot(idx)

	if dhssm.State(slot.State()) != dhssm.Committed {
		// Slot has moved on since commit_index was read; not a failure,
		// just nothing to check this instant.
		return report
	}

	report.PayloadChecked = true

	n := slot.CommittedLength()
	payloadOff := dhformat.PayloadOffset(capacity, hdr.FlexZoneSize, hdr.LogicalUnitSize, hdr.PhysicalPageSize, idx)
	payload := h.data[payloadOff : payloadOff+int64(n)]

	lo, hi := slot.Checksum()
	report.PayloadChecksumOK = dhchecksum.Verify(secret, slot.Sequence(), payload, lo, hi)

	if report.PayloadChecksumOK || !repair {
		return report
	}

	if lo == 0 && hi == 0 && n == 0 {
		// The checksum slot was wholly reinitialized (e.g. by a prior
		// ForceResetSlot): the only repair we trust is re-deriving the
		// checksum for an explicitly empty payload, since we have no
		// way to recover lost bytes.
		lo, hi := dhchecksum.PayloadDigest(secret, slot.Sequence(), payload)
		slot.StoreChecksum(lo, hi)
		report.Repaired = true
		report.PayloadChecksumOK = true
		dhformat.IncrRecoveryActions(h.data)

		return report
	}

	report.Failed = true

	return report
}

// dims reads the segment's dimension fields directly from the header,
// for recovery operations that need slot offsets without requiring a
// full Header() decode at every call site.
func (h *Handle) dims() (capacity uint32, flexSize uint64, unitSize uint32, pageSize uint32) {
	hdr := h.Header()
	return hdr.RingBufferCapacity, hdr.FlexZoneSize, hdr.LogicalUnitSize, hdr.PhysicalPageSize
}

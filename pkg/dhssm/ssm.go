// Package dhssm implements the per-slot state machine that coordinates a
// single producer with many concurrent consumers over one ring slot:
// Free -> Writing -> Committed -> Draining -> Free.
package dhssm

import "github.com/datahub-ipc/datahub/pkg/dhformat"

// State values for a slot. The zero value is Free so a freshly
// zero-initialized segment starts every slot in the correct state without
// an explicit write.
type State uint32

const (
	Free State = iota
	Writing
	Committed
	Draining
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Writing:
		return "writing"
	case Committed:
		return "committed"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// BeginWrite transitions a slot from Free to Writing via CAS and claims
// write_lock for pid (spec §4.B: "write_lock was 0, CAS sets it to
// producer PID"). It returns false if the slot was not Free (caller
// should drain it or treat the ring as full, per spec §4.C). The state
// CAS is attempted first since it is the authoritative gate; write_lock
// is then claimed unconditionally — safe because DataHub has exactly one
// producer, so nothing else can be racing to also claim it once the
// state CAS has succeeded.
func BeginWrite(slot dhformat.SlotView, pid uint64) bool {
	if !slot.CompareAndSwapState(uint32(Free), uint32(Writing)) {
		return false
	}

	slot.StoreWriteLock(pid)

	return true
}

// ClearWriteLock zeroes write_lock, called once a slot leaves Writing
// (via Commit or Abort) so a later dhdiag zombie check never mistakes a
// Committed/Free slot for one still claimed by a writer.
func ClearWriteLock(slot dhformat.SlotView) {
	slot.StoreWriteLock(0)
}

// Commit transitions a slot from Writing to Committed. It is only valid
// for the producer holding the slot to call this, immediately after the
// payload and its checksum have been written — ordering here is what
// makes the transition visible to consumers mean "the payload is safe to
// read".
func Commit(slot dhformat.SlotView) bool {
	return slot.CompareAndSwapState(uint32(Writing), uint32(Committed))
}

// BeginDrain transitions a Committed slot into Draining so the producer
// can reclaim it for the next write once outstanding readers finish. It
// fails if the slot is not Committed (e.g., a consumer is mid-read and has
// not yet observed Committed, or another producer-side call already
// claimed it — which would itself be a protocol violation since DataHub
// has exactly one producer, but the CAS still guards against it).
func BeginDrain(slot dhformat.SlotView) bool {
	return slot.CompareAndSwapState(uint32(Committed), uint32(Draining))
}

// FinishDrain transitions a Draining slot back to Free once its reader
// count has reached zero. Callers must have already confirmed
// slot.ReaderCount() == 0; this function does not check it, keeping the
// invariant check separate from the state transition so each can be
// reasoned about independently.
func FinishDrain(slot dhformat.SlotView) bool {
	return slot.CompareAndSwapState(uint32(Draining), uint32(Free))
}

// CheckInvariantViolation re-reads the slot state to classify an
// impossible read as either "overlapped with a concurrent transition"
// (retry) or "real corruption" (fail): if the state changed since
// expected, a concurrent producer/consumer raced us and a retry is in
// order; if it is unchanged, the observed inconsistency is not explained
// by a race.
func CheckInvariantViolation(slot dhformat.SlotView, expected State) (overlap bool) {
	return slot.State() != uint32(expected)
}

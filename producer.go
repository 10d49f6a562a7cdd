package datahub

import (
	"context"
	"fmt"
	"iter"
	"os"
	"time"

	"github.com/datahub-ipc/datahub/pkg/dhchecksum"
	"github.com/datahub-ipc/datahub/pkg/dhformat"
	"github.com/datahub-ipc/datahub/pkg/dhheartbeat"
	"github.com/datahub-ipc/datahub/pkg/dhmutex"
	"github.com/datahub-ipc/datahub/pkg/dhssm"
)

// Producer is the single-writer handle to a Segment's ring buffer. Only
// one Producer may be attached to a given segment at a time, enforced
// in-process via segmentRegistryEntry.activeProducer and across processes
// via dhmutex on the segment's lock file.
type Producer struct {
	seg   *Segment
	mutex *dhmutex.Mutex
	guard *dhmutex.InProcessGuard

	nextSeq uint64
}

// AttachProducer claims the producer role for seg. ctx bounds how long to
// wait for a conflicting producer (in this process or another) to release
// the role; a zero-deadline ctx means "don't wait, fail fast".
func AttachProducer(ctx context.Context, seg *Segment) (*Producer, error) {
	if seg.closed.Load() {
		return nil, ErrClosed
	}

	if !seg.entry.activeProducer.CompareAndSwap(nil, &Producer{}) {
		return nil, ErrAlreadyProducer
	}

	guard := dhmutex.AcquireInProcessGuard(seg.lockPath())

	m, err := seg.newMutex()
	if err != nil {
		guard.Release()
		seg.entry.activeProducer.Store(nil)

		return nil, err
	}

	if err := m.Lock(ctx); err != nil {
		guard.Release()
		seg.entry.activeProducer.Store(nil)
		m.Close()

		dhformat.IncrWriterLockTimeouts(seg.data)

		return nil, fmt.Errorf("%w: acquire producer lock: %v", ErrTimeout, err)
	}

	p := &Producer{seg: seg, mutex: m, guard: guard}
	seg.entry.activeProducer.Store(p)

	dhformat.StoreProducerPID(seg.data, uint64(os.Getpid()))
	dhformat.StoreProducerHeartbeatNs(seg.data, uint64(time.Now().UnixNano()))

	// Resume sequence numbering from wherever the ring left off, so a
	// re-attaching producer after a crash doesn't hand out sequences a
	// consumer has already seen.
	p.nextSeq = dhformat.WriteIndex(seg.data)

	return p, nil
}

// Heartbeat stamps the producer liveness fields in the header. Callers
// running a long-lived producer should call this periodically (e.g. every
// dhheartbeat.DefaultHeartbeatInterval) so diagnostic tooling can tell a
// slow producer from a dead one.
func (p *Producer) Heartbeat() {
	dhformat.StoreProducerHeartbeatNs(p.seg.data, uint64(time.Now().UnixNano()))
}

// Close releases the producer role. It does not close the underlying
// Segment.
func (p *Producer) Close() error {
	if p.seg == nil {
		return nil
	}

	err := p.mutex.Close()
	p.guard.Release()
	p.seg.entry.activeProducer.Store(nil)
	p.seg = nil

	return err
}

// WriteSlot is a claimed, in-progress slot a producer is filling in. It
// must be finalized with Commit or Abort (or just Close, which aborts if
// not yet committed).
type WriteSlot struct {
	p        *Producer
	index    uint32
	sequence uint64
	payload  []byte
	flex     []byte
	done     bool
	aborted  bool
	length   int
}

// Acquire claims the next slot in the ring for writing. It first runs the
// Ring Coordinator's ring-full check (spec §4.C step 1): under
// Single_reader/Sync_reader the producer blocks until the slowest reader
// has made room rather than overwrite unread data; under Latest_only it
// is allowed straight through, reclaiming the oldest slot via the
// Draining path if a reader is still referencing it. ctx bounds both
// waits; on timeout the two are distinguished by error (ErrRingFull vs.
// the draining path's ErrTimeout) and by their respective counters.
func (p *Producer) Acquire(ctx context.Context) (*WriteSlot, error) {
	seg := p.seg
	if seg.closed.Load() {
		return nil, ErrClosed
	}

	if err := p.waitForSpace(ctx); err != nil {
		return nil, err
	}

	seg.entry.mu.Lock()

	idx := uint32(dhformat.WriteIndex(seg.data) % uint64(seg.capacity))
	slot := dhformat.NewSlotView(seg.data, idx)
	pid := uint64(os.Getpid())

	if !dhssm.BeginWrite(slot, pid) {
		// Slot is Committed (normal, ring wrapped) or Draining
		// (a previous Acquire is still reclaiming it). Either way we
		// must drain it before reusing it.
		if err := p.drainSlot(ctx, slot); err != nil {
			seg.entry.mu.Unlock()
			return nil, err
		}

		if !dhssm.BeginWrite(slot, pid) {
			seg.entry.mu.Unlock()
			dhformat.IncrReaderRaceDetected(seg.data)

			return nil, fmt.Errorf("%w: slot %d did not return to free after drain", ErrRingFull, idx)
		}
	}

	seq := p.nextSeq
	p.nextSeq++
	slot.StoreSequence(seq)

	dhformat.StoreWriteIndex(seg.data, dhformat.WriteIndex(seg.data)+1)

	payloadOff := dhformat.PayloadOffset(seg.capacity, seg.flexSize, seg.unitSize, seg.pageSize, idx)
	payload := seg.data[payloadOff : payloadOff+int64(seg.unitSize)]

	var flex []byte
	if seg.flexSize > 0 {
		flexOff := dhformat.FlexSlotOffset(seg.capacity, seg.flexSize, seg.pageSize, idx)
		perSlot := int64(seg.flexSize / uint64(seg.capacity))
		flex = seg.data[flexOff : flexOff+perSlot]
	}

	seg.entry.mu.Unlock()

	return &WriteSlot{p: p, index: idx, sequence: seq, payload: payload, flex: flex}, nil
}

// waitForSpace implements the Ring Coordinator's ring-full check: it
// blocks until write_index minus the relevant backpressure cursor is
// under capacity, or ctx expires. For Latest_only there is no
// backpressure cursor that blocks the producer — it is always allowed to
// wrap and let the SSM Draining path reclaim a still-referenced slot —
// so this returns immediately in that mode.
func (p *Producer) waitForSpace(ctx context.Context) error {
	seg := p.seg

	if seg.consumerSyncPolicy == SyncLatestOnly {
		return nil
	}

	const (
		initial = 10 * time.Microsecond
		max     = 2 * time.Millisecond
	)

	backoff := initial

	for {
		wi := dhformat.WriteIndex(seg.data)
		r := p.backpressureCursor()

		if wi-r < uint64(seg.capacity) {
			return nil
		}

		select {
		case <-ctx.Done():
			dhformat.IncrWriterTimeouts(seg.data)
			return fmt.Errorf("%w: ring full", ErrRingFull)
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, max)
	}
}

// backpressureCursor returns the position the producer must stay
// capacity slots ahead of: the global read_index for Single_reader, or
// the minimum next_read_position across every attached Sync_reader
// consumer. If no Sync_reader consumer has attached yet there is no one
// to back-pressure against, so the producer proceeds unthrottled.
func (p *Producer) backpressureCursor() uint64 {
	seg := p.seg

	switch seg.consumerSyncPolicy {
	case SyncSingleReader:
		return dhformat.ReadIndex(seg.data)
	case SyncSyncReader:
		rows := dhheartbeat.NewTable(seg.data).Rows()
		if len(rows) == 0 {
			return dhformat.WriteIndex(seg.data)
		}

		min := rows[0].NextReadPos
		for _, r := range rows[1:] {
			if r.NextReadPos < min {
				min = r.NextReadPos
			}
		}

		return min
	default:
		return dhformat.ReadIndex(seg.data)
	}
}

// drainSlot reclaims a slot still marked Committed (or already Draining)
// by waiting for its reader count to reach zero, bounded by ctx. Caller
// must hold seg.entry.mu (write-locked). If the deadline expires first,
// the slot's state is reversed back to Committed and write_lock cleared
// (spec §4.B Draining policy), so the segment is left exactly as it was
// before the attempt.
func (p *Producer) drainSlot(ctx context.Context, slot dhformat.SlotView) error {
	seg := p.seg

	if slot.State() == uint32(dhssm.Committed) {
		if !dhssm.BeginDrain(slot) {
			// A concurrent reader observed Committed first and we lost
			// the race to mark it Draining; state changed under us,
			// meaning someone else is also trying to reclaim this
			// slot, which cannot happen with a single producer. Treat
			// as a transient overlap and let the caller retry once.
			return fmt.Errorf("%w: slot state changed during drain", ErrRingFull)
		}
	}

	const (
		initial = 10 * time.Microsecond
		max     = 2 * time.Millisecond
	)

	backoff := initial

	for slot.ReaderCount() > 0 {
		select {
		case <-ctx.Done():
			dhformat.IncrWriterDrainTimeouts(seg.data)
			slot.StoreState(uint32(dhssm.Committed))

			return fmt.Errorf("%w: waiting for readers to drain slot", ErrTimeout)
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, max)
	}

	if !dhssm.FinishDrain(slot) {
		return fmt.Errorf("%w: slot state changed finishing drain", ErrRingFull)
	}

	return nil
}

// Bytes returns the slot's fixed-size payload buffer for the caller to
// fill in. Only the first n bytes written before Commit are considered
// part of the message; pass n to Commit.
func (w *WriteSlot) Bytes() []byte { return w.payload }

// FlexBytes returns the slot's private flex-zone region, or nil if the
// segment has no flex zone configured.
func (w *WriteSlot) FlexBytes() []byte { return w.flex }

// Commit finalizes the slot: it records how many of the payload bytes are
// valid, computes and stores the payload digest (only under
// PolicyEnforced; under PolicyManual the caller stamps it with
// UpdateChecksum before Commit), and transitions the slot Writing ->
// Committed. n must be <= len(w.Bytes()).
func (w *WriteSlot) Commit(n int) error {
	if w.aborted {
		return ErrAborted
	}

	if w.done {
		return ErrClosed
	}

	seg := w.p.seg

	if n < 0 || n > len(w.payload) {
		return fmt.Errorf("%w: committed length %d out of range [0, %d]", ErrInvalid, n, len(w.payload))
	}

	w.length = n

	slot := dhformat.NewSlotView(seg.data, w.index)
	slot.StoreCommittedLength(uint32(n))

	if seg.checksumPolicy == dhchecksum.PolicyEnforced {
		lo, hi := dhchecksum.PayloadDigest(seg.sharedSecret, w.sequence, w.payload[:n])
		slot.StoreChecksum(lo, hi)
	}

	if !dhssm.Commit(slot) {
		dhformat.IncrReaderRaceDetected(seg.data)
		return fmt.Errorf("%w: slot %d was not in Writing state at commit", ErrLayoutCorrupt, w.index)
	}

	dhssm.ClearWriteLock(slot)
	dhformat.StoreCommitIndex(seg.data, dhformat.CommitIndex(seg.data)+1)
	dhformat.IncrTotalSlotsWritten(seg.data)

	w.done = true

	switch seg.flushPolicy {
	case FlushOnCommit:
		_ = seg.sync(false)
	case FlushOnCommitBlocking:
		if err := seg.sync(true); err != nil {
			return err
		}
	}

	return nil
}

// UpdateChecksum computes and stores the payload digest for a slot under
// dhchecksum.PolicyManual, without requiring the caller to Commit first.
// It is a no-op under PolicyNone. Producers using PolicyEnforced never
// need this: Commit already does it for them.
func (w *WriteSlot) UpdateChecksum(n int) error {
	if w.aborted {
		return ErrAborted
	}

	if w.done {
		return ErrClosed
	}

	seg := w.p.seg
	if seg.checksumPolicy == dhchecksum.PolicyNone {
		return nil
	}

	if n < 0 || n > len(w.payload) {
		return fmt.Errorf("%w: committed length %d out of range [0, %d]", ErrInvalid, n, len(w.payload))
	}

	lo, hi := dhchecksum.PayloadDigest(seg.sharedSecret, w.sequence, w.payload[:n])
	dhformat.NewSlotView(seg.data, w.index).StoreChecksum(lo, hi)

	return nil
}

// Abort discards the slot without publishing it, returning it to Free.
func (w *WriteSlot) Abort() error {
	if w.done {
		return nil
	}

	w.done = true
	w.aborted = true

	slot := dhformat.NewSlotView(w.p.seg.data, w.index)
	dhssm.ClearWriteLock(slot)
	slot.StoreState(uint32(dhssm.Free))

	return nil
}

// Close aborts the slot if it was never committed. Safe to call after
// Commit (no-op).
func (w *WriteSlot) Close() error { return w.Abort() }

// WriteTxn is the bounded, lazy sequence of write-slot attempts handed to
// the callback in WithWriteTransaction (spec §4.G: with_write_transaction
// exposes "a finite, non-restartable lazy sequence" of slot attempts,
// bounded by the outer deadline, not a single acquire/commit pair).
type WriteTxn struct {
	p       *Producer
	ctx     context.Context
	pending *WriteSlot
	err     error
}

// Slots returns an iter.Seq that acquires one WriteSlot per range step,
// each bounded by perAttemptTimeout (zero means no per-attempt bound
// beyond the transaction's own context). The sequence ends, without
// error, the moment an Acquire attempt fails — typically because the
// outer deadline has been reached or the ring can't make room in time.
//
// A slot the caller neither commits nor aborts before the next range
// step is implicitly committed in full, length len(w.Bytes()). One still
// pending when the loop is left early is settled by WithWriteTransaction
// once fn returns: committed in full if fn returns nil, aborted if fn
// returns an error. A producer that only ever fills the whole
// slot never has to call Commit itself. A caller that wants a partial
// length, or wants to discard a bad attempt and retry, calls
// WriteSlot.Commit or WriteSlot.Abort explicitly before continuing.
func (t *WriteTxn) Slots(perAttemptTimeout time.Duration) iter.Seq[*WriteSlot] {
	return func(yield func(*WriteSlot) bool) {
		for {
			t.finalizePending()

			if t.err != nil || t.ctx.Err() != nil {
				return
			}

			actx := t.ctx

			var cancel context.CancelFunc
			if perAttemptTimeout > 0 {
				actx, cancel = context.WithTimeout(t.ctx, perAttemptTimeout)
			}

			w, err := t.p.Acquire(actx)
			if cancel != nil {
				cancel()
			}

			if err != nil {
				return
			}

			t.pending = w

			if !yieldWriteSlot(w, yield) {
				return
			}
		}
	}
}

// yieldWriteSlot calls yield(w), aborting w and re-propagating on panic
// so a WriteTxn never leaves a slot stuck in Writing (spec §4.G/§9's
// "release on every exit path").
func yieldWriteSlot(w *WriteSlot, yield func(*WriteSlot) bool) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			w.Abort()
			panic(r)
		}
	}()

	return yield(w)
}

// finalizePending commits the in-flight slot in full if the caller left
// it neither committed nor aborted. A resulting Commit error is recorded
// on the transaction and surfaces from WithWriteTransaction's return.
func (t *WriteTxn) finalizePending() {
	if t.pending == nil {
		return
	}

	w := t.pending
	t.pending = nil

	if w.done {
		return
	}

	if err := w.Commit(len(w.payload)); err != nil && t.err == nil {
		t.err = err
	}
}

// WithWriteTransaction runs fn with a WriteTxn bounded by ctx. fn ranges
// over txn.Slots to acquire zero or more write slots; see WriteTxn.Slots
// for commit/abort semantics. If fn returns an error, that error is
// returned and any still-pending slot is aborted rather than committed.
// Otherwise the final pending slot (if any) is implicitly committed and
// any error from that commit is returned instead.
func (p *Producer) WithWriteTransaction(ctx context.Context, fn func(txn *WriteTxn) error) error {
	txn := &WriteTxn{p: p, ctx: ctx}

	if err := fn(txn); err != nil {
		if txn.pending != nil && !txn.pending.done {
			txn.pending.Abort()
		}

		return err
	}

	txn.finalizePending()

	return txn.err
}

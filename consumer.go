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
	"github.com/datahub-ipc/datahub/pkg/dhssm"
)

// Consumer is a reader handle attached to a Segment's heartbeat table. Its
// delivery behavior follows the segment's ConsumerSyncPolicy, fixed at
// creation — every Consumer on a channel behaves the same way.
type Consumer struct {
	seg *Segment
	row int

	// nextSeq is this consumer's private read cursor under Sync_reader,
	// where every consumer tracks its own position independently.
	nextSeq uint64

	// lastLatest is the sequence most recently delivered to this
	// consumer under Latest_only, so a second Acquire with no new
	// commit since correctly blocks instead of re-delivering the same
	// slot. hasLatest distinguishes "never read" from "read sequence 0".
	lastLatest uint64
	hasLatest  bool
}

// AttachConsumer claims a heartbeat row for a new consumer reading seg.
// token identifies this consumer for diagnostics (e.g.
// "hostname:pid:purpose"); it is folded into a compact id via
// dhheartbeat.FoldConsumerToken.
func AttachConsumer(seg *Segment, token string) (*Consumer, error) {
	if seg.closed.Load() {
		return nil, ErrClosed
	}

	table := dhheartbeat.NewTable(seg.data)
	id := dhheartbeat.FoldConsumerToken(token)
	now := uint64(time.Now().UnixNano())

	row, ok := table.Claim(id, uint64(os.Getpid()), now)
	if !ok {
		return nil, ErrHeartbeatTableFull
	}

	dhformat.AddActiveConsumerCount(seg.data, 1)

	c := &Consumer{seg: seg, row: row}

	if seg.consumerSyncPolicy == SyncSyncReader {
		c.nextSeq = dhformat.CommitIndex(seg.data)
		table.Beat(row, now, c.nextSeq)
	}

	return c, nil
}

// Heartbeat refreshes this consumer's liveness row. Callers running a
// long-lived consumer should call this periodically (e.g. every
// dhheartbeat.DefaultHeartbeatInterval). The row is also refreshed
// implicitly on every successful Acquire, and on Release under
// Sync_reader.
func (c *Consumer) Heartbeat() {
	dhheartbeat.NewTable(c.seg.data).Beat(c.row, uint64(time.Now().UnixNano()), c.nextSeq)
}

// Close releases the consumer's heartbeat row. It does not close the
// underlying Segment.
func (c *Consumer) Close() error {
	if c.seg == nil {
		return nil
	}

	table := dhheartbeat.NewTable(c.seg.data)
	table.Release(c.row)
	dhformat.AddActiveConsumerCount(c.seg.data, ^uint32(0))
	c.seg = nil

	return nil
}

// ReadSlot is a claimed, in-progress read of a committed slot. Callers
// must call Release when done so the producer can eventually reclaim the
// slot.
type ReadSlot struct {
	c        *Consumer
	index    uint32
	sequence uint64
	payload  []byte
	flex     []byte
	released bool

	// releaseOK caches the first Release call's return value so a second,
	// idempotent Release reports the same outcome instead of recomputing
	// (and re-verifying) anything.
	releaseOK bool
}

// Acquire waits (bounded by ctx) for the next slot this consumer should
// read, per the segment's ConsumerSyncPolicy, and returns a handle to it.
func (c *Consumer) Acquire(ctx context.Context) (*ReadSlot, error) {
	seg := c.seg
	if seg.closed.Load() {
		return nil, ErrClosed
	}

	switch seg.consumerSyncPolicy {
	case SyncLatestOnly:
		return c.acquireLatestOnly(ctx)
	case SyncSyncReader:
		return c.acquireSyncReader(ctx)
	default:
		return c.acquireSingleReader(ctx)
	}
}

// acquireLatestOnly always returns the newest committed slot (sequence
// commit_index-1), skipping anything in between.
func (c *Consumer) acquireLatestOnly(ctx context.Context) (*ReadSlot, error) {
	if rs, err := c.tryLatest(); rs != nil || err != nil {
		return rs, err
	}

	return c.retryLoop(ctx, func() (*ReadSlot, bool, error) {
		rs, err := c.tryLatest()
		if err != nil {
			return nil, false, err
		}

		return rs, rs != nil, nil
	})
}

func (c *Consumer) tryLatest() (*ReadSlot, error) {
	seg := c.seg

	commitIdx := dhformat.CommitIndex(seg.data)
	if commitIdx == 0 {
		return nil, nil
	}

	seq := commitIdx - 1
	if c.hasLatest && seq == c.lastLatest {
		// No new commit since the last read.
		return nil, nil
	}

	idx := uint32(seq % uint64(seg.capacity))

	rs, err := c.tryAcquireIndex(idx, seq)
	if err != nil || rs == nil {
		return nil, err
	}

	c.lastLatest = seq
	c.hasLatest = true
	dhheartbeat.NewTable(seg.data).Beat(c.row, uint64(time.Now().UnixNano()), commitIdx)

	return rs, nil
}

// acquireSingleReader selects the slot at the segment's shared read_index
// cursor and delivers every committed slot exactly once, gaplessly, in
// commit order. The cursor only ever advances on Release (spec §4.C), so
// Acquire here is a read-only peek; multiple SingleReader consumers may
// race for the same slot, but only the first to Release it advances the
// cursor (see ReadSlot.release's guarded CAS).
func (c *Consumer) acquireSingleReader(ctx context.Context) (*ReadSlot, error) {
	seg := c.seg

	seq := dhformat.ReadIndex(seg.data)
	idx := uint32(seq % uint64(seg.capacity))

	rs, err := c.tryAcquireIndex(idx, seq)
	if err != nil {
		return nil, err
	}

	if rs != nil {
		dhheartbeat.NewTable(seg.data).Beat(c.row, uint64(time.Now().UnixNano()), seq)
		return rs, nil
	}

	return c.retryLoop(ctx, func() (*ReadSlot, bool, error) {
		seq := dhformat.ReadIndex(seg.data)
		idx := uint32(seq % uint64(seg.capacity))

		rs, err := c.tryAcquireIndex(idx, seq)
		if err != nil {
			return nil, false, err
		}

		if rs == nil {
			return nil, false, nil
		}

		dhheartbeat.NewTable(seg.data).Beat(c.row, uint64(time.Now().UnixNano()), seq)

		return rs, true, nil
	})
}

// acquireSyncReader delivers every committed slot to this consumer
// exactly once, independent of every other Sync_reader consumer, tracked
// by this consumer's own heartbeat-row cursor (c.nextSeq).
func (c *Consumer) acquireSyncReader(ctx context.Context) (*ReadSlot, error) {
	seg := c.seg
	idx := uint32(c.nextSeq % uint64(seg.capacity))

	rs, err := c.tryAcquireIndex(idx, c.nextSeq)
	if err != nil {
		return nil, err
	}

	if rs != nil {
		dhheartbeat.NewTable(seg.data).Beat(c.row, uint64(time.Now().UnixNano()), c.nextSeq)
		return rs, nil
	}

	return c.retryLoop(ctx, func() (*ReadSlot, bool, error) {
		idx := uint32(c.nextSeq % uint64(seg.capacity))

		rs, err := c.tryAcquireIndex(idx, c.nextSeq)
		if err != nil {
			return nil, false, err
		}

		if rs != nil {
			dhheartbeat.NewTable(seg.data).Beat(c.row, uint64(time.Now().UnixNano()), c.nextSeq)
		}

		return rs, rs != nil, nil
	})
}

func (c *Consumer) retryLoop(ctx context.Context, attempt func() (*ReadSlot, bool, error)) (*ReadSlot, error) {
	const (
		initial = 20 * time.Microsecond
		max     = 2 * time.Millisecond
	)

	backoff := initial

	for {
		rs, ok, err := attempt()
		if err != nil {
			return nil, err
		}

		if ok {
			return rs, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: no committed slot available", ErrNoData)
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, max)
	}
}

// tryAcquireIndex attempts a single non-blocking read of slot idx,
// expecting it to hold sequence wantSeq. It returns (nil, nil) if the
// slot is not yet in a readable state (caller should retry later), and a
// non-nil error only for a genuine failure (observed reader race). Under
// PolicyEnforced, the payload checksum is verified later, in Release, not
// here — see ReadSlot.Release.
func (c *Consumer) tryAcquireIndex(idx uint32, wantSeq uint64) (*ReadSlot, error) {
	seg := c.seg
	slot := dhformat.NewSlotView(seg.data, idx)

	if slot.State() != uint32(dhssm.Committed) {
		return nil, nil
	}

	slot.IncrReaderCount()

	// Re-validate after registering interest: if the producer began
	// draining this slot between our State() check and IncrReaderCount,
	// we must back out rather than read a slot that is about to be
	// overwritten. Seqlock-style "enter then re-check".
	if slot.State() != uint32(dhssm.Committed) {
		slot.DecrReaderCount()
		return nil, nil
	}

	seq := slot.Sequence()
	if seq != wantSeq {
		// The slot has already moved on to a later message than the one
		// we expected (we fell behind and the producer wrapped around),
		// or it holds an earlier one we've already consumed (spurious
		// wakeup on a gapless policy). Either way back out; gapless
		// policies keep polling the same cursor, Latest_only recomputes
		// from commit_index on its next attempt.
		slot.DecrReaderCount()

		if seq < wantSeq {
			return nil, nil
		}

		dhformat.IncrReaderRaceDetected(seg.data)

		return nil, fmt.Errorf("%w: consumer fell behind, expected sequence %d, slot now holds %d", ErrNoData, wantSeq, seq)
	}

	n := slot.CommittedLength()
	payloadOff := dhformat.PayloadOffset(seg.capacity, seg.flexSize, seg.unitSize, seg.pageSize, idx)
	payload := seg.data[payloadOff : payloadOff+int64(n)]

	var flex []byte
	if seg.flexSize > 0 {
		flexOff := dhformat.FlexSlotOffset(seg.capacity, seg.flexSize, seg.pageSize, idx)
		perSlot := int64(seg.flexSize / uint64(seg.capacity))
		flex = seg.data[flexOff : flexOff+perSlot]
	}

	dhformat.IncrTotalSlotsRead(seg.data)

	return &ReadSlot{c: c, index: idx, sequence: seq, payload: payload, flex: flex}, nil
}

// Bytes returns the slot's committed payload bytes (already trimmed to
// the length the producer committed).
func (r *ReadSlot) Bytes() []byte { return r.payload }

// FlexBytes returns the slot's flex-zone bytes, or nil if the segment has
// no flex zone.
func (r *ReadSlot) FlexBytes() []byte { return r.flex }

// Sequence returns the producer's monotonic sequence number for this
// slot's message.
func (r *ReadSlot) Sequence() uint64 { return r.sequence }

// VerifyChecksum recomputes and compares the slot's payload digest, for a
// caller under dhchecksum.PolicyManual who wants to check before Release
// would. It is a no-op (returns true) under PolicyNone. Under
// PolicyEnforced this duplicates the check Release already performs; call
// it only if you need the answer before deciding whether to Release at
// all.
func (r *ReadSlot) VerifyChecksum() bool {
	return r.verifyChecksum()
}

func (r *ReadSlot) verifyChecksum() bool {
	seg := r.c.seg
	if seg.checksumPolicy == dhchecksum.PolicyNone {
		return true
	}

	slot := dhformat.NewSlotView(seg.data, r.index)
	lo, hi := slot.Checksum()

	ok := dhchecksum.Verify(seg.sharedSecret, r.sequence, r.payload, lo, hi)
	if !ok {
		dhformat.IncrChecksumFailures(seg.data)
	}

	return ok
}

// Release signals that this consumer is done reading the slot, letting
// the producer reclaim it once every consumer has released it. It is
// idempotent: a second Release is a no-op and returns whatever the first
// call returned. Under Single_reader it additionally advances the shared
// read_index cursor (guarded by a CAS so only the consumer that actually
// held this sequence advances it, see acquireSingleReader); under
// Sync_reader it advances this consumer's own heartbeat-row cursor
// instead.
//
// Under PolicyEnforced, Release also verifies the slot's payload
// checksum and returns false on mismatch (incrementing checksum_failures),
// per spec §4.C/§4.D — verification happens here, at release, rather than
// at Acquire, so a consumer may still inspect a corrupted payload before
// deciding what to do. The slot is released cleanly either way: a
// checksum failure is reported through the return value only, never by
// skipping the reader-count decrement or cursor advance.
func (r *ReadSlot) Release() bool {
	if r.released {
		return r.releaseOK
	}

	r.released = true

	c := r.c
	seg := c.seg

	if seg.checksumPolicy == dhchecksum.PolicyEnforced {
		r.releaseOK = r.verifyChecksum()
	} else {
		r.releaseOK = true
	}

	slot := dhformat.NewSlotView(seg.data, r.index)
	slot.DecrReaderCount()

	switch seg.consumerSyncPolicy {
	case SyncSingleReader:
		dhformat.CompareAndSwapReadIndex(seg.data, r.sequence, r.sequence+1)
	case SyncSyncReader:
		c.nextSeq = r.sequence + 1
		dhheartbeat.NewTable(seg.data).Beat(c.row, uint64(time.Now().UnixNano()), c.nextSeq)
	}

	return r.releaseOK
}

// ReadTxn is the bounded, lazy sequence of read-slot attempts handed to
// the callback in WithReadTransaction (spec §4.G: a read transaction
// "consumes zero or more slots", bounded by the outer deadline).
type ReadTxn struct {
	c   *Consumer
	ctx context.Context
}

// Slots returns an iter.Seq that acquires one ReadSlot per range step,
// each bounded by perAttemptTimeout (zero means no per-attempt bound
// beyond the transaction's own context). Every slot is released
// automatically once its range step returns or the loop exits early
// (break, return, or panic), matching the "release on every exit path"
// contract in spec §4.G/§9 — callers may still call ReadSlot.Release
// early themselves; Release is idempotent. The sequence ends, without
// error, the moment an Acquire attempt fails, typically because the
// outer deadline has been reached with nothing new to read.
func (t *ReadTxn) Slots(perAttemptTimeout time.Duration) iter.Seq[*ReadSlot] {
	return func(yield func(*ReadSlot) bool) {
		for {
			if t.ctx.Err() != nil {
				return
			}

			actx := t.ctx

			var cancel context.CancelFunc
			if perAttemptTimeout > 0 {
				actx, cancel = context.WithTimeout(t.ctx, perAttemptTimeout)
			}

			rs, err := t.c.Acquire(actx)
			if cancel != nil {
				cancel()
			}

			if err != nil {
				return
			}

			if !yieldReadSlot(rs, yield) {
				return
			}
		}
	}
}

// yieldReadSlot calls yield(rs), releasing rs whether yield returns
// normally, asks to stop, or panics.
func yieldReadSlot(rs *ReadSlot, yield func(*ReadSlot) bool) (cont bool) {
	defer func() {
		if !rs.released {
			rs.Release()
		}
	}()

	return yield(rs)
}

// WithReadTransaction runs fn with a ReadTxn bounded by ctx. fn ranges
// over txn.Slots to consume zero or more read slots; see ReadTxn.Slots
// for release semantics.
func (c *Consumer) WithReadTransaction(ctx context.Context, fn func(txn *ReadTxn) error) error {
	return fn(&ReadTxn{c: c, ctx: ctx})
}

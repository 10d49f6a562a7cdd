package datahub_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/datahub-ipc/datahub"
	"github.com/datahub-ipc/datahub/pkg/dhdiag"
	"github.com/datahub-ipc/datahub/pkg/dhssm"
)

// Seed suite scenario 2 (spec §8): a writer acquires a slot, writes into
// it, and lets the scope exit without committing. The slot must not
// become visible to a consumer, and total_slots_written stays 0.
func Test_Scenario_AbortOnDrop_Leaves_Nothing_For_Consumer(t *testing.T) {
	t.Parallel()

	opts := baseCreateOptions(filepath.Join(t.TempDir(), "seg.dhb"))
	opts.ConsumerSyncPolicy = datahub.SyncLatestOnly
	seg := createSegment(t, opts)

	ctx := context.Background()

	producer, err := datahub.AttachProducer(ctx, seg)
	if err != nil {
		t.Fatalf("AttachProducer() error = %v", err)
	}
	defer producer.Close()

	wctx, wcancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer wcancel()

	w, err := producer.Acquire(wctx)
	if err != nil {
		t.Fatalf("producer.Acquire() error = %v", err)
	}

	w.Bytes()[0] = 0xAD

	if err := w.Close(); err != nil {
		t.Fatalf("WriteSlot.Close() (abort) error = %v", err)
	}

	consumer, err := datahub.AttachConsumer(seg, "reader")
	if err != nil {
		t.Fatalf("AttachConsumer() error = %v", err)
	}
	defer consumer.Close()

	rctx, rcancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer rcancel()

	if _, err := consumer.Acquire(rctx); !errors.Is(err, datahub.ErrNoData) {
		t.Fatalf("consumer.Acquire() after abort = %v, want ErrNoData", err)
	}

	if got := seg.Metrics().TotalSlotsWritten; got != 0 {
		t.Fatalf("TotalSlotsWritten = %d, want 0", got)
	}
}

// Seed suite scenario 4 (spec §8): capacity 2, Single_reader, no consumer
// active. The writer fills both slots; a third acquire must time out with
// ErrRingFull, and only the ring-full counter should move, not the
// writer/reader-drain counter (wraparound is never attempted under
// Single_reader — the backpressure cursor blocks it first).
func Test_Scenario_RingFull_Times_Out_Without_A_Consumer(t *testing.T) {
	t.Parallel()

	opts := baseCreateOptions(filepath.Join(t.TempDir(), "seg.dhb"))
	opts.Policy = datahub.PolicyDoubleBuffer
	opts.ConsumerSyncPolicy = datahub.SyncSingleReader
	opts.RingBufferCapacity = 2
	seg := createSegment(t, opts)

	ctx := context.Background()

	producer, err := datahub.AttachProducer(ctx, seg)
	if err != nil {
		t.Fatalf("AttachProducer() error = %v", err)
	}
	defer producer.Close()

	for i := 0; i < 2; i++ {
		msg := byte(i)

		err := producer.WithWriteTransaction(ctx, func(txn *datahub.WriteTxn) error {
			for w := range txn.Slots(0) {
				w.Bytes()[0] = msg
				return w.Commit(1)
			}

			return nil
		})
		if err != nil {
			t.Fatalf("WithWriteTransaction(%d) error = %v", i, err)
		}
	}

	actx, acancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer acancel()

	if _, err := producer.Acquire(actx); !errors.Is(err, datahub.ErrRingFull) {
		t.Fatalf("third Acquire() error = %v, want ErrRingFull", err)
	}

	m := seg.Metrics()
	if m.WriterTimeouts < 1 {
		t.Fatalf("WriterTimeouts = %d, want >= 1", m.WriterTimeouts)
	}

	if m.WriterDrainTimeouts != 0 {
		t.Fatalf("WriterDrainTimeouts = %d, want 0 (no wraparound attempted)", m.WriterDrainTimeouts)
	}
}

// Spec §4.C: get_metrics/reset_metrics — reset_metrics "resets counters
// atomically". Ring indices are not counters and must survive a reset.
func Test_ResetMetrics_Zeroes_Counters_But_Not_Ring_Indices(t *testing.T) {
	t.Parallel()

	opts := baseCreateOptions(filepath.Join(t.TempDir(), "seg.dhb"))
	opts.ConsumerSyncPolicy = datahub.SyncSingleReader
	seg := createSegment(t, opts)

	ctx := context.Background()

	producer, err := datahub.AttachProducer(ctx, seg)
	if err != nil {
		t.Fatalf("AttachProducer() error = %v", err)
	}
	defer producer.Close()

	err = producer.WithWriteTransaction(ctx, func(txn *datahub.WriteTxn) error {
		for w := range txn.Slots(0) {
			w.Bytes()[0] = 1
			return w.Commit(1)
		}

		return nil
	})
	if err != nil {
		t.Fatalf("WithWriteTransaction() error = %v", err)
	}

	before := seg.Metrics()
	if before.TotalSlotsWritten != 1 {
		t.Fatalf("TotalSlotsWritten = %d, want 1", before.TotalSlotsWritten)
	}

	seg.ResetMetrics()

	after := seg.Metrics()
	if after.TotalSlotsWritten != 0 {
		t.Fatalf("TotalSlotsWritten after ResetMetrics() = %d, want 0", after.TotalSlotsWritten)
	}

	if after.WriteIndex != before.WriteIndex || after.CommitIndex != before.CommitIndex {
		t.Fatalf("ResetMetrics() must not touch ring indices: before=%+v after=%+v", before, after)
	}
}

// Seed suite scenario 5 (spec §8): capacity 1, Latest_only. A consumer
// holds the only slot while a second writer acquire waits for it to
// drain; a concurrent zero-deadline consumer acquire must see nothing new
// (the slot is Draining, not Committed). Once the first consumer
// releases, the writer proceeds and the next read observes the new
// value.
func Test_Scenario_Draining_Reclaims_Slot_After_Reader_Releases(t *testing.T) {
	t.Parallel()

	opts := baseCreateOptions(filepath.Join(t.TempDir(), "seg.dhb"))
	opts.Policy = datahub.PolicySingle
	opts.ConsumerSyncPolicy = datahub.SyncLatestOnly
	opts.RingBufferCapacity = 1
	seg := createSegment(t, opts)

	ctx := context.Background()

	producer, err := datahub.AttachProducer(ctx, seg)
	if err != nil {
		t.Fatalf("AttachProducer() error = %v", err)
	}
	defer producer.Close()

	consumer, err := datahub.AttachConsumer(seg, "reader")
	if err != nil {
		t.Fatalf("AttachConsumer() error = %v", err)
	}
	defer consumer.Close()

	err = producer.WithWriteTransaction(ctx, func(txn *datahub.WriteTxn) error {
		for w := range txn.Slots(0) {
			w.Bytes()[0] = 111
			return w.Commit(1)
		}

		return nil
	})
	if err != nil {
		t.Fatalf("first WithWriteTransaction() error = %v", err)
	}

	rctx, rcancel := context.WithTimeout(ctx, time.Second)
	defer rcancel()

	rs, err := consumer.Acquire(rctx)
	if err != nil {
		t.Fatalf("consumer.Acquire() error = %v", err)
	}

	if got, want := rs.Bytes()[0], byte(111); got != want {
		t.Fatalf("first read = %d, want %d", got, want)
	}

	var (
		wg        sync.WaitGroup
		writeErr  error
		wroteDone = make(chan struct{})
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(wroteDone)

		wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
		defer wcancel()

		writeErr = producer.WithWriteTransaction(wctx, func(txn *datahub.WriteTxn) error {
			for w := range txn.Slots(0) {
				w.Bytes()[0] = 222
				return w.Commit(1)
			}

			return nil
		})
	}()

	// Give the writer a moment to observe the slot as Committed with a
	// live reader and transition it to Draining.
	time.Sleep(50 * time.Millisecond)

	deadCtx, deadCancel := context.WithTimeout(ctx, 0)
	defer deadCancel()
	<-deadCtx.Done()

	if _, err := consumer.Acquire(deadCtx); !errors.Is(err, datahub.ErrNoData) {
		t.Fatalf("consumer.Acquire() with zero deadline while draining = %v, want ErrNoData", err)
	}

	rs.Release()

	<-wroteDone
	wg.Wait()

	if writeErr != nil {
		t.Fatalf("second WithWriteTransaction() error = %v", writeErr)
	}

	rctx2, rcancel2 := context.WithTimeout(ctx, time.Second)
	defer rcancel2()

	rs2, err := consumer.Acquire(rctx2)
	if err != nil {
		t.Fatalf("follow-up consumer.Acquire() error = %v", err)
	}
	defer rs2.Release()

	if got, want := rs2.Bytes()[0], byte(222); got != want {
		t.Fatalf("follow-up read = %d, want %d", got, want)
	}
}

// Seed suite scenario 6 (spec §8): same setup as scenario 5, but the
// writer's deadline is short enough that draining never completes. The
// producer must reverse DRAINING back to COMMITTED and clear write_lock,
// leaving the segment exactly as a reader would find it had the writer
// never attempted the wraparound.
func Test_Scenario_DrainingTimeout_Restores_Committed_State(t *testing.T) {
	t.Parallel()

	opts := baseCreateOptions(filepath.Join(t.TempDir(), "seg.dhb"))
	opts.Policy = datahub.PolicySingle
	opts.ConsumerSyncPolicy = datahub.SyncLatestOnly
	opts.RingBufferCapacity = 1
	seg := createSegment(t, opts)

	ctx := context.Background()

	producer, err := datahub.AttachProducer(ctx, seg)
	if err != nil {
		t.Fatalf("AttachProducer() error = %v", err)
	}
	defer producer.Close()

	consumer, err := datahub.AttachConsumer(seg, "reader")
	if err != nil {
		t.Fatalf("AttachConsumer() error = %v", err)
	}
	defer consumer.Close()

	err = producer.WithWriteTransaction(ctx, func(txn *datahub.WriteTxn) error {
		for w := range txn.Slots(0) {
			w.Bytes()[0] = 111
			return w.Commit(1)
		}

		return nil
	})
	if err != nil {
		t.Fatalf("first WithWriteTransaction() error = %v", err)
	}

	rctx, rcancel := context.WithTimeout(ctx, time.Second)
	defer rcancel()

	rs, err := consumer.Acquire(rctx)
	if err != nil {
		t.Fatalf("consumer.Acquire() error = %v", err)
	}
	defer rs.Release()

	wctx, wcancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer wcancel()

	_, err = producer.Acquire(wctx)
	if !errors.Is(err, datahub.ErrTimeout) {
		t.Fatalf("producer.Acquire() with a live reader and a short deadline = %v, want ErrTimeout", err)
	}

	diag, err := dhdiag.Open(seg.Path())
	if err != nil {
		t.Fatalf("dhdiag.Open() error = %v", err)
	}
	defer diag.Close()

	slot := diag.Slot(0)

	if got, want := slot.State(), uint32(dhssm.Committed); got != want {
		t.Fatalf("slot state after drain timeout = %d, want %d (committed)", got, want)
	}

	if got := slot.WriteLock(); got != 0 {
		t.Fatalf("write_lock after drain timeout = %d, want 0", got)
	}
}

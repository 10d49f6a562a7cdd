package datahub_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/datahub-ipc/datahub"
	"github.com/datahub-ipc/datahub/pkg/dhchecksum"
)

func createSegment(t *testing.T, opts datahub.CreateOptions) *datahub.Segment {
	t.Helper()

	seg, err := datahub.Create(opts)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	t.Cleanup(func() { seg.Close() })

	return seg
}

func Test_SingleReader_Delivers_Every_Committed_Slot_In_Order(t *testing.T) {
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

	consumer, err := datahub.AttachConsumer(seg, "reader-1")
	if err != nil {
		t.Fatalf("AttachConsumer() error = %v", err)
	}
	defer consumer.Close()

	const n = 5
	for i := 0; i < n; i++ {
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

	for i := 0; i < n; i++ {
		rctx, cancel := context.WithTimeout(ctx, time.Second)

		rs, err := consumer.Acquire(rctx)
		cancel()

		if err != nil {
			t.Fatalf("Acquire(%d) error = %v", i, err)
		}

		if got, want := rs.Bytes()[0], byte(i); got != want {
			t.Fatalf("slot %d payload byte = %d, want %d", i, got, want)
		}

		if got, want := rs.Sequence(), uint64(i); got != want {
			t.Fatalf("slot %d sequence = %d, want %d", i, got, want)
		}

		rs.Release()
	}
}

func Test_LatestOnly_Skips_Intermediate_Commits(t *testing.T) {
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

	consumer, err := datahub.AttachConsumer(seg, "reader-1")
	if err != nil {
		t.Fatalf("AttachConsumer() error = %v", err)
	}
	defer consumer.Close()

	for i := 0; i < 3; i++ {
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

	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	rs, err := consumer.Acquire(rctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if got, want := rs.Bytes()[0], byte(2); got != want {
		t.Fatalf("payload byte = %d, want %d (the latest commit)", got, want)
	}

	rs.Release()
}

func Test_SyncReader_Tracks_Independent_Cursors_Per_Consumer(t *testing.T) {
	t.Parallel()

	opts := baseCreateOptions(filepath.Join(t.TempDir(), "seg.dhb"))
	opts.ConsumerSyncPolicy = datahub.SyncSyncReader
	opts.RingBufferCapacity = 16
	seg := createSegment(t, opts)

	ctx := context.Background()

	producer, err := datahub.AttachProducer(ctx, seg)
	if err != nil {
		t.Fatalf("AttachProducer() error = %v", err)
	}
	defer producer.Close()

	fast, err := datahub.AttachConsumer(seg, "fast")
	if err != nil {
		t.Fatalf("AttachConsumer(fast) error = %v", err)
	}
	defer fast.Close()

	slow, err := datahub.AttachConsumer(seg, "slow")
	if err != nil {
		t.Fatalf("AttachConsumer(slow) error = %v", err)
	}
	defer slow.Close()

	const n = 4
	for i := 0; i < n; i++ {
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

	// Drain fast all the way.
	for i := 0; i < n; i++ {
		rctx, cancel := context.WithTimeout(ctx, time.Second)
		rs, err := fast.Acquire(rctx)
		cancel()

		if err != nil {
			t.Fatalf("fast.Acquire(%d) error = %v", i, err)
		}

		if got, want := rs.Bytes()[0], byte(i); got != want {
			t.Fatalf("fast slot %d = %d, want %d", i, got, want)
		}

		rs.Release()
	}

	// slow has not read anything yet; it must still see message 0 first,
	// independent of fast having already consumed everything.
	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	rs, err := slow.Acquire(rctx)
	if err != nil {
		t.Fatalf("slow.Acquire() error = %v", err)
	}

	if got, want := rs.Bytes()[0], byte(0); got != want {
		t.Fatalf("slow first read = %d, want %d", got, want)
	}

	rs.Release()
}

func Test_Checksum_Enforced_Detects_Payload_Corruption(t *testing.T) {
	t.Parallel()

	opts := baseCreateOptions(filepath.Join(t.TempDir(), "seg.dhb"))
	opts.ChecksumPolicy = dhchecksum.PolicyEnforced
	seg := createSegment(t, opts)

	ctx := context.Background()

	producer, err := datahub.AttachProducer(ctx, seg)
	if err != nil {
		t.Fatalf("AttachProducer() error = %v", err)
	}
	defer producer.Close()

	w, err := producer.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	w.Bytes()[0] = 0x42

	if err := w.Commit(1); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	consumer, err := datahub.AttachConsumer(seg, "reader")
	if err != nil {
		t.Fatalf("AttachConsumer() error = %v", err)
	}
	defer consumer.Close()

	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	rs, err := consumer.Acquire(rctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if !rs.VerifyChecksum() {
		t.Fatalf("VerifyChecksum() = false for an uncorrupted slot")
	}

	rs.Bytes()[0] ^= 0xFF

	before := seg.Metrics().ChecksumFailures

	// Seed suite scenario 7 (spec §8): corruption introduced after a
	// successful Acquire is caught by Release, not by Acquire itself.
	if rs.Release() {
		t.Fatalf("Release() = true after corrupting payload in place, want false")
	}

	if got := seg.Metrics().ChecksumFailures; got != before+1 {
		t.Fatalf("ChecksumFailures = %d, want %d", got, before+1)
	}
}

func Test_Second_Producer_In_Same_Process_Is_Rejected(t *testing.T) {
	t.Parallel()

	opts := baseCreateOptions(filepath.Join(t.TempDir(), "seg.dhb"))
	seg := createSegment(t, opts)

	ctx := context.Background()

	p1, err := datahub.AttachProducer(ctx, seg)
	if err != nil {
		t.Fatalf("first AttachProducer() error = %v", err)
	}
	defer p1.Close()

	_, err = datahub.AttachProducer(ctx, seg)
	if !errors.Is(err, datahub.ErrAlreadyProducer) {
		t.Fatalf("second AttachProducer() error = %v, want ErrAlreadyProducer", err)
	}
}

func Test_Commit_After_Abort_Returns_ErrAborted(t *testing.T) {
	t.Parallel()

	opts := baseCreateOptions(filepath.Join(t.TempDir(), "seg.dhb"))
	seg := createSegment(t, opts)

	ctx := context.Background()

	producer, err := datahub.AttachProducer(ctx, seg)
	if err != nil {
		t.Fatalf("AttachProducer() error = %v", err)
	}
	defer producer.Close()

	w, err := producer.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if err := w.Abort(); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}

	if err := w.Commit(1); !errors.Is(err, datahub.ErrAborted) {
		t.Fatalf("Commit() after Abort() error = %v, want ErrAborted", err)
	}
}

func Test_SingleReader_Acquire_Times_Out_On_Empty_Ring(t *testing.T) {
	t.Parallel()

	opts := baseCreateOptions(filepath.Join(t.TempDir(), "seg.dhb"))
	seg := createSegment(t, opts)

	consumer, err := datahub.AttachConsumer(seg, "reader")
	if err != nil {
		t.Fatalf("AttachConsumer() error = %v", err)
	}
	defer consumer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = consumer.Acquire(ctx)
	if !errors.Is(err, datahub.ErrNoData) {
		t.Fatalf("Acquire() on empty ring error = %v, want ErrNoData", err)
	}
}

func Test_FlexZone_Checksum_Detects_Corruption_Independent_Of_Payload(t *testing.T) {
	t.Parallel()

	opts := baseCreateOptions(filepath.Join(t.TempDir(), "seg.dhb"))
	opts.FlexZoneSize = 4096
	opts.ChecksumPolicy = dhchecksum.PolicyEnforced
	seg := createSegment(t, opts)

	flex := seg.FlexZone()
	if len(flex) == 0 {
		t.Fatalf("FlexZone() returned empty slice for a segment with FlexZoneSize > 0")
	}

	copy(flex, "shared routing table")

	if !seg.UpdateFlexChecksum() {
		t.Fatalf("UpdateFlexChecksum() = false for a segment with a flex zone")
	}

	if !seg.VerifyFlexChecksum() {
		t.Fatalf("VerifyFlexChecksum() = false right after UpdateFlexChecksum()")
	}

	ctx := context.Background()

	producer, err := datahub.AttachProducer(ctx, seg)
	if err != nil {
		t.Fatalf("AttachProducer() error = %v", err)
	}
	defer producer.Close()

	err = producer.WithWriteTransaction(ctx, func(txn *datahub.WriteTxn) error {
		for w := range txn.Slots(0) {
			w.Bytes()[0] = 0x7E
			return w.Commit(1)
		}

		return nil
	})
	if err != nil {
		t.Fatalf("WithWriteTransaction() error = %v", err)
	}

	if !seg.VerifyFlexChecksum() {
		t.Fatalf("VerifyFlexChecksum() = false after an unrelated payload commit; flex digest must not depend on slot traffic")
	}

	flex[0] ^= 0xFF

	if seg.VerifyFlexChecksum() {
		t.Fatalf("VerifyFlexChecksum() = true after corrupting the flex zone in place")
	}
}

func Test_FlexZone_Is_Nil_And_Checksum_Is_NoOp_When_FlexZoneSize_Zero(t *testing.T) {
	t.Parallel()

	opts := baseCreateOptions(filepath.Join(t.TempDir(), "seg.dhb"))
	seg := createSegment(t, opts)

	if zone := seg.FlexZone(); zone != nil {
		t.Fatalf("FlexZone() = %v, want nil for a segment with no flex zone", zone)
	}

	if seg.UpdateFlexChecksum() {
		t.Fatalf("UpdateFlexChecksum() = true for a segment with no flex zone")
	}

	if !seg.VerifyFlexChecksum() {
		t.Fatalf("VerifyFlexChecksum() = false for a segment with no flex zone; absence of a flex zone trivially verifies")
	}
}

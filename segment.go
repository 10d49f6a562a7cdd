// Package datahub implements the Slot Protocol Engine: a lock-minimal
// ring-buffer state machine that lets one producer process hand data to
// many consumer processes through a memory-mapped shared segment, without
// a kernel round-trip per message.
//
// A Segment is the attached, mapped handle to that shared memory. Exactly
// one Producer and any number of Consumer handles may be derived from
// Segments pointing at the same backing file, in this process or others.
package datahub

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/datahub-ipc/datahub/pkg/dhchecksum"
	"github.com/datahub-ipc/datahub/pkg/dhformat"
	"github.com/datahub-ipc/datahub/pkg/dhmutex"
)

func init() {
	if !dhformat.Is64Bit || !dhformat.IsLittleEndian {
		panic("datahub: unsupported platform: requires 64-bit little-endian")
	}
}

// Segment is an attached handle to a mapped DataHub shared segment.
type Segment struct {
	path string
	file *os.File
	data []byte

	capacity           uint32
	unitSize           uint32
	flexSize           uint64
	pageSize           uint32
	sharedSecret       uint64
	checksumPolicy     dhchecksum.Policy
	ringPolicy         RingPolicy
	consumerSyncPolicy ConsumerSyncPolicy
	flushPolicy        FlushPolicy

	identity fileIdentity
	entry    *segmentRegistryEntry

	closed atomic.Bool
}

// Create creates a brand-new segment file at opts.Path and attaches to
// it. It fails with ErrInvalid if the file already exists; use Open to
// attach to an existing segment.
func Create(opts CreateOptions) (*Segment, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if _, err := os.Stat(opts.Path); err == nil {
		return nil, fmt.Errorf("%w: segment file already exists: %s", ErrInvalid, opts.Path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("datahub: stat: %w", err)
	}

	pageSize := uint32(opts.PhysicalPageSize)
	unitSize := opts.ResolvedLogicalUnitSize()

	flexSize := uint64(0)
	if opts.FlexZoneSize > 0 {
		flexSize = dhformat.RoundUpToPageSize(opts.FlexZoneSize, pageSize)
	}

	header := &dhformat.Header{
		LayoutVersion:      dhformat.LayoutVersion,
		HeaderSize:         dhformat.HeaderSize,
		Policy:             uint32(opts.Policy),
		ConsumerSyncPolicy: uint32(opts.ConsumerSyncPolicy),
		PhysicalPageSize:   pageSize,
		LogicalUnitSize:    unitSize,
		RingBufferCapacity: opts.RingBufferCapacity,
		FlexZoneSize:       flexSize,
		ChecksumPolicy:     uint32(opts.ChecksumPolicy),
		SharedSecret:       opts.SharedSecret,
		FlexZoneSchemaHash: opts.FlexZoneSchemaHash,
		SlotSchemaHash:     opts.SlotSchemaHash,
		HubUID:             opts.HubUID,
	}
	copy(header.HubName[:], opts.HubName)

	totalSize := dhformat.TotalSegmentSize(opts.RingBufferCapacity, flexSize, unitSize, pageSize)

	file, err := createSegmentFile(opts.Path, header, totalSize)
	if err != nil {
		return nil, err
	}

	seg, err := mmapAndAttach(opts.Path, file)
	if err != nil {
		return nil, err
	}

	seg.flushPolicy = opts.FlushPolicy

	return seg, nil
}

// createSegmentFile writes a new segment to a temp file in the same
// directory as path and atomically renames it into place: temp file
// with a random suffix, O_EXCL, Ftruncate to the full size, write the
// header, Fsync, rename.
func createSegmentFile(path string, header *dhformat.Header, totalSize int64) (*os.File, error) {
	dir := filepath.Dir(path)

	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return nil, fmt.Errorf("datahub: generate temp suffix: %w", err)
	}

	tmpPath := filepath.Join(dir, "."+filepath.Base(path)+"."+hex.EncodeToString(suffix[:])+".tmp")

	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("datahub: create temp segment file: %w", err)
	}

	ok := false
	defer func() {
		if !ok {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := f.Truncate(totalSize); err != nil {
		return nil, fmt.Errorf("datahub: truncate segment file: %w", err)
	}

	buf := dhformat.EncodeHeader(header)
	if _, err := f.WriteAt(buf, 0); err != nil {
		return nil, fmt.Errorf("datahub: write header: %w", err)
	}

	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("datahub: fsync segment file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return nil, fmt.Errorf("datahub: rename segment file into place: %w", err)
	}

	ok = true

	return f, nil
}

// Open attaches to an existing segment at opts.Path, validating it
// against the (optional) expectations in opts. Validation order: magic,
// then layout checksum, then configuration compatibility.
func Open(opts OpenOptions) (*Segment, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(opts.Path, os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: segment file does not exist: %s", ErrInvalid, opts.Path)
		}

		return nil, fmt.Errorf("datahub: open segment file: %w", err)
	}

	ok := false
	defer func() {
		if !ok {
			file.Close()
		}
	}()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("datahub: stat segment file: %w", err)
	}

	if info.Size() < dhformat.HeaderSize {
		return nil, fmt.Errorf("%w: segment file smaller than header", ErrMagicCorrupt)
	}

	headerBuf := make([]byte, dhformat.HeaderSize)
	if _, err := file.ReadAt(headerBuf, 0); err != nil {
		return nil, fmt.Errorf("datahub: read header: %w", err)
	}

	if string(headerBuf[0:4]) != dhformat.Magic {
		return nil, fmt.Errorf("%w: bad magic", ErrMagicCorrupt)
	}

	if !dhformat.ValidateLayoutChecksum(headerBuf) {
		return nil, fmt.Errorf("%w: layout checksum mismatch", ErrLayoutCorrupt)
	}

	h := dhformat.DecodeHeader(headerBuf)

	if h.LayoutVersion != dhformat.LayoutVersion {
		return nil, fmt.Errorf("%w: layout version %d, want %d", ErrIncompatible, h.LayoutVersion, dhformat.LayoutVersion)
	}

	if err := checkExpected(opts, h); err != nil {
		return nil, err
	}

	wantSize := dhformat.TotalSegmentSize(h.RingBufferCapacity, h.FlexZoneSize, h.LogicalUnitSize, h.PhysicalPageSize)
	if info.Size() != wantSize {
		return nil, fmt.Errorf("%w: segment file size %d, want %d", ErrLayoutCorrupt, info.Size(), wantSize)
	}

	seg, err := mmapAndAttach(opts.Path, file)
	if err != nil {
		return nil, err
	}

	seg.flushPolicy = opts.FlushPolicy
	ok = true

	return seg, nil
}

func checkExpected(opts OpenOptions, h dhformat.Header) error {
	if opts.ExpectedRingBufferCapacity != 0 && opts.ExpectedRingBufferCapacity != h.RingBufferCapacity {
		return fmt.Errorf("%w: ring_buffer_capacity %d, want %d", ErrIncompatible, h.RingBufferCapacity, opts.ExpectedRingBufferCapacity)
	}

	if opts.ExpectedLogicalUnitSize != 0 && opts.ExpectedLogicalUnitSize != h.LogicalUnitSize {
		return fmt.Errorf("%w: logical_unit_size %d, want %d", ErrIncompatible, h.LogicalUnitSize, opts.ExpectedLogicalUnitSize)
	}

	if opts.ExpectedFlexZoneSize != 0 && opts.ExpectedFlexZoneSize != h.FlexZoneSize {
		return fmt.Errorf("%w: flex_zone_size %d, want %d", ErrIncompatible, h.FlexZoneSize, opts.ExpectedFlexZoneSize)
	}

	if opts.ExpectedSharedSecret != 0 && opts.ExpectedSharedSecret != h.SharedSecret {
		return ErrSecretMismatch
	}

	var zero [32]byte

	if opts.ExpectedFlexZoneSchemaHash != zero && opts.ExpectedFlexZoneSchemaHash != h.FlexZoneSchemaHash {
		return fmt.Errorf("%w: flex zone schema hash", ErrSchemaMismatch)
	}

	if opts.ExpectedSlotSchemaHash != zero && opts.ExpectedSlotSchemaHash != h.SlotSchemaHash {
		return fmt.Errorf("%w: slot schema hash", ErrSchemaMismatch)
	}

	return nil
}

// mmapAndAttach maps file into memory and registers the resulting
// Segment in the in-process registry.
func mmapAndAttach(path string, file *os.File) (*Segment, error) {
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("datahub: stat: %w", err)
	}

	id, err := getFileIdentity(int(file.Fd()))
	if err != nil {
		file.Close()
		return nil, err
	}

	data, err := syscall.Mmap(int(file.Fd()), 0, int(info.Size()), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("datahub: mmap: %w", err)
	}

	headerBuf := data[:dhformat.HeaderSize]
	h := dhformat.DecodeHeader(headerBuf)

	seg := &Segment{
		path:               path,
		file:               file,
		data:               data,
		capacity:           h.RingBufferCapacity,
		unitSize:           h.LogicalUnitSize,
		flexSize:           h.FlexZoneSize,
		pageSize:           h.PhysicalPageSize,
		sharedSecret:       h.SharedSecret,
		checksumPolicy:     dhchecksum.Policy(h.ChecksumPolicy),
		ringPolicy:         RingPolicy(h.Policy),
		consumerSyncPolicy: ConsumerSyncPolicy(h.ConsumerSyncPolicy),
		identity:           id,
		entry:              getOrCreateSegmentRegistryEntry(id),
	}

	return seg, nil
}

// Close unmaps the segment and closes the backing file descriptor. Close
// is idempotent: calling it twice is a no-op.
func (s *Segment) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	releaseSegmentRegistryEntry(s.identity)

	var errs []error

	if err := syscall.Munmap(s.data); err != nil {
		errs = append(errs, fmt.Errorf("datahub: munmap: %w", err))
	}

	if err := s.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("datahub: close: %w", err))
	}

	return errors.Join(errs...)
}

// sync flushes dirty pages to the backing file per the segment's sync
// policy, using golang.org/x/sys/unix.Msync for portability instead of
// a raw syscall number that varies by GOOS.
func (s *Segment) sync(blocking bool) error {
	flags := unix.MS_ASYNC
	if blocking {
		flags = unix.MS_SYNC
	}

	if err := unix.Msync(s.data, flags); err != nil {
		return fmt.Errorf("%w: msync: %v", ErrTimeout, err)
	}

	return nil
}

// Metrics returns a snapshot of the segment's runtime counters.
func (s *Segment) Metrics() dhformat.Metrics {
	return dhformat.ReadMetrics(s.data)
}

// ResetMetrics atomically zeroes the counters Metrics reports (spec §4.C:
// get_metrics/reset_metrics), leaving ring indices and liveness state
// untouched.
func (s *Segment) ResetMetrics() {
	dhformat.ResetMetrics(s.data)
}

// Path returns the backing file path this segment was opened from.
func (s *Segment) Path() string { return s.path }

// ConsumerSyncPolicy returns the segment's fixed backpressure/delivery
// policy, as persisted in the header at creation.
func (s *Segment) ConsumerSyncPolicy() ConsumerSyncPolicy { return s.consumerSyncPolicy }

// Policy returns the segment's fixed ring shape, as persisted in the
// header at creation.
func (s *Segment) Policy() RingPolicy { return s.ringPolicy }

// Capacity returns the segment's ring buffer capacity.
func (s *Segment) Capacity() uint32 { return s.capacity }

// FlexZone returns the whole, non-partitioned flex zone as a byte slice
// over the live mapping (spec §4.G's flex_zone()). It is distinct from
// WriteSlot/ReadSlot.FlexBytes, which each return only the calling
// slot's own partition of this same region. A nil-length slice means the
// segment has no flex zone at all. Callers synchronize access to this
// shared region themselves; DataHub does not arbitrate it the way it
// arbitrates per-slot state.
func (s *Segment) FlexZone() []byte {
	if s.flexSize == 0 {
		return nil
	}

	off := dhformat.FlexZoneOffset(s.capacity, s.pageSize)

	return s.data[off : off+int64(s.flexSize)]
}

// UpdateFlexChecksum recomputes and stamps the flex zone's digest over
// its current contents. Unlike a slot's payload checksum, this is never
// computed implicitly: a caller must invoke it explicitly after writing
// to the shared flex zone (spec §4.D, "verified on demand"). It is a
// no-op, returning false, when the segment has no flex zone.
func (s *Segment) UpdateFlexChecksum() bool {
	flex := s.FlexZone()
	if flex == nil {
		return false
	}

	lo, hi := dhchecksum.FlexDigest(s.sharedSecret, flex)
	dhformat.StoreFlexZoneChecksum(s.data, lo, hi)

	return true
}

// VerifyFlexChecksum recomputes the flex zone's digest and compares it
// against the last value stamped by UpdateFlexChecksum. It reports true
// when the segment has no flex zone, since there is nothing to
// contradict.
func (s *Segment) VerifyFlexChecksum() bool {
	flex := s.FlexZone()
	if flex == nil {
		return true
	}

	lo, hi := dhformat.FlexZoneChecksum(s.data)

	return dhchecksum.VerifyFlex(s.sharedSecret, flex, lo, hi)
}

// lockPath is the advisory lock file path used by the producer and by
// recovery tooling, grounded on writer_lock.go's Path+".lock" convention.
func (s *Segment) lockPath() string { return s.path + ".lock" }

func (s *Segment) newMutex() (*dhmutex.Mutex, error) {
	return dhmutex.New(s.lockPath())
}

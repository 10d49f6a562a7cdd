package datahub

import (
	"fmt"

	"github.com/datahub-ipc/datahub/pkg/dhchecksum"
)

// RingPolicy names the ring shape a channel was created with (spec §3.5).
// It is validated against RingBufferCapacity at creation and persisted in
// the header for diagnostics; the Ring Coordinator's actual mechanics are
// identical for all three (a ring of capacity N generalizes both a single
// buffer and a double buffer), so this enum exists to reject a
// capacity/policy mismatch early rather than to change runtime behavior.
type RingPolicy uint32

const (
	// PolicySingle is a capacity-1 ring: every Acquire reuses the same
	// slot, so a producer outrunning its consumer always drains.
	PolicySingle RingPolicy = iota
	// PolicyDoubleBuffer is a capacity-2 ring.
	PolicyDoubleBuffer
	// PolicyRingBuffer is a general N-slot ring, N >= 1.
	PolicyRingBuffer
)

func (p RingPolicy) String() string {
	switch p {
	case PolicySingle:
		return "single"
	case PolicyDoubleBuffer:
		return "double_buffer"
	case PolicyRingBuffer:
		return "ring_buffer"
	default:
		return "unknown"
	}
}

// ConsumerSyncPolicy selects how the Ring Coordinator backpressures the
// producer and how consumers advance through committed slots (spec
// §4.C). It is fixed for the lifetime of a segment, set at Create and
// read back from the header by every later Open — every consumer on a
// channel follows the same policy, since it is a property of the channel
// itself, not a per-handle choice.
type ConsumerSyncPolicy uint32

const (
	// SyncLatestOnly always delivers the newest committed slot, skipping
	// any the consumer didn't get to in time. The producer may wrap
	// around and drain a still-referenced slot rather than block.
	SyncLatestOnly ConsumerSyncPolicy = iota
	// SyncSingleReader delivers every committed slot exactly once, in
	// commit order, via a single shared read cursor (datahub's header
	// read_index). The producer blocks (ring-full) rather than skip.
	SyncSingleReader
	// SyncSyncReader delivers every committed slot to every attached
	// consumer, each tracked by its own heartbeat-row cursor. The
	// producer is back-pressured by the slowest consumer.
	SyncSyncReader
)

func (p ConsumerSyncPolicy) String() string {
	switch p {
	case SyncLatestOnly:
		return "latest_only"
	case SyncSingleReader:
		return "single_reader"
	case SyncSyncReader:
		return "sync_reader"
	default:
		return "unknown"
	}
}

// PageSize names the physical page size a segment is laid out against
// (spec §3.5). The layout only ever rounds to one of these two values;
// an arbitrary page size would let a segment's offsets depend on the
// creating machine's os.Getpagesize(), which is exactly what this type
// exists to rule out so a segment stays portable across attaching hosts.
type PageSize uint32

const (
	// PageSize4K is the common 4 KiB page size.
	PageSize4K PageSize = 4096
	// PageSize4M is a 4 MiB huge-page size, for segments sized to avoid
	// TLB pressure on large flex zones or payload slabs.
	PageSize4M PageSize = 4 << 20
)

func (p PageSize) String() string {
	switch p {
	case PageSize4K:
		return "4K"
	case PageSize4M:
		return "4M"
	default:
		return "unknown"
	}
}

// FlushPolicy selects how aggressively a Producer's Commit forces a
// written slot to be visible beyond the in-process page cache via
// msync. Unlike RingPolicy/ConsumerSyncPolicy this is not part of the
// persisted layout descriptor: it is a purely local durability
// preference, since msync only affects how quickly this process's own
// writes reach the backing file, not any cross-process protocol
// invariant. Each attaching process chooses its own.
type FlushPolicy uint32

const (
	// FlushNone never calls msync; relies on the OS to eventually flush
	// dirty pages. Fastest, weakest durability.
	FlushNone FlushPolicy = iota
	// FlushOnCommit calls msync(MS_ASYNC) on every Commit: schedules a
	// flush without blocking for it to complete.
	FlushOnCommit
	// FlushOnCommitBlocking calls msync(MS_SYNC) on every Commit: blocks
	// until the flush completes. Strongest durability, slowest.
	FlushOnCommitBlocking
)

// CreateOptions configures a brand-new segment.
type CreateOptions struct {
	// Path is the backing file path for the mapped segment.
	Path string

	// HubName and HubUID identify the hub for diagnostics; HubUID should
	// be globally unique (e.g. a UUID) but DataHub does not generate one
	// for callers — pass it in.
	HubName string
	HubUID  [32]byte

	Policy             RingPolicy
	ConsumerSyncPolicy ConsumerSyncPolicy

	// RingBufferCapacity is the number of slots in the ring. Must be >=
	// 1; a capacity-1 ring always drains on every Acquire.
	RingBufferCapacity uint32

	// PhysicalPageSize gates both the layout's byte-offset rounding
	// (flex zone and payload slab start on a page boundary) and
	// LogicalUnitSize's validation. Must be PageSize4K or PageSize4M.
	PhysicalPageSize PageSize

	// LogicalUnitSize is the fixed payload size in bytes for every slot.
	// Must be a multiple of PhysicalPageSize; zero means "same as
	// physical" (spec §3.5), resolved to PhysicalPageSize itself.
	LogicalUnitSize uint32

	// FlexZoneSize is the total size in bytes of the optional flex zone,
	// evenly divided across slots. Zero disables the flex zone entirely
	// (see DESIGN.md Open Question resolution #4).
	FlexZoneSize uint64

	ChecksumPolicy dhchecksum.Policy

	// FlushPolicy is local to this process; it is not persisted in the
	// segment and need not match what any other attached process uses.
	FlushPolicy FlushPolicy

	// SharedSecret gates attach: a consumer with a different secret is
	// refused with ErrSecretMismatch. It also keys the payload digest.
	SharedSecret uint64

	// FlexZoneSchemaHash and SlotSchemaHash let producer and consumer
	// detect a struct-layout mismatch for the flex zone / payload
	// without decoding anything — both sides hash their own
	// understanding of the wire schema and compare.
	FlexZoneSchemaHash [32]byte
	SlotSchemaHash     [32]byte
}

// ResolvedLogicalUnitSize returns LogicalUnitSize, substituting
// PhysicalPageSize when LogicalUnitSize is zero ("same as physical",
// spec §3.5).
func (o CreateOptions) ResolvedLogicalUnitSize() uint32 {
	if o.LogicalUnitSize == 0 {
		return uint32(o.PhysicalPageSize)
	}

	return o.LogicalUnitSize
}

// Validate checks CreateOptions for internal consistency.
func (o CreateOptions) Validate() error {
	if o.Path == "" {
		return fmt.Errorf("%w: path is required", ErrInvalid)
	}

	if o.RingBufferCapacity < 1 {
		return fmt.Errorf("%w: ring_buffer_capacity must be >= 1", ErrInvalid)
	}

	switch o.PhysicalPageSize {
	case PageSize4K, PageSize4M:
	default:
		return fmt.Errorf("%w: physical_page_size must be 4K or 4M, got %d", ErrInvalid, o.PhysicalPageSize)
	}

	unitSize := o.ResolvedLogicalUnitSize()
	if unitSize%uint32(o.PhysicalPageSize) != 0 {
		return fmt.Errorf("%w: logical_unit_size (%d) must be a multiple of physical_page_size (%d)", ErrInvalid, unitSize, o.PhysicalPageSize)
	}

	const maxUnitSize = 64 << 20
	if unitSize > maxUnitSize {
		return fmt.Errorf("%w: logical_unit_size exceeds %d", ErrInvalid, maxUnitSize)
	}

	const maxCapacity = 1 << 20
	if o.RingBufferCapacity > maxCapacity {
		return fmt.Errorf("%w: ring_buffer_capacity exceeds %d", ErrInvalid, maxCapacity)
	}

	if o.FlexZoneSize > 0 && o.FlexZoneSize < uint64(o.RingBufferCapacity) {
		return fmt.Errorf("%w: flex_zone_size too small to divide across ring_buffer_capacity slots", ErrInvalid)
	}

	switch o.Policy {
	case PolicySingle:
		if o.RingBufferCapacity != 1 {
			return fmt.Errorf("%w: policy single requires ring_buffer_capacity == 1", ErrInvalid)
		}
	case PolicyDoubleBuffer:
		if o.RingBufferCapacity != 2 {
			return fmt.Errorf("%w: policy double_buffer requires ring_buffer_capacity == 2", ErrInvalid)
		}
	case PolicyRingBuffer:
	default:
		return fmt.Errorf("%w: unknown policy %d", ErrInvalid, o.Policy)
	}

	switch o.ConsumerSyncPolicy {
	case SyncLatestOnly, SyncSingleReader, SyncSyncReader:
	default:
		return fmt.Errorf("%w: unknown consumer sync policy %d", ErrInvalid, o.ConsumerSyncPolicy)
	}

	switch o.ChecksumPolicy {
	case dhchecksum.PolicyNone, dhchecksum.PolicyEnforced, dhchecksum.PolicyManual:
	default:
		return fmt.Errorf("%w: unknown checksum policy %d", ErrInvalid, o.ChecksumPolicy)
	}

	return nil
}

// OpenOptions configures attaching to an existing segment. Every field is
// checked against the segment's own header for compatibility; a mismatch
// yields ErrIncompatible, ErrSecretMismatch, or ErrSchemaMismatch as
// appropriate, checked in that order. RingPolicy, ConsumerSyncPolicy and
// ChecksumPolicy are not here: they are intrinsic, persisted properties
// of the segment, read back from its header rather than chosen again by
// whoever attaches.
type OpenOptions struct {
	Path string

	// Expected* fields are optional: a zero value means "don't check
	// this field", letting a generic diagnostic tool open any segment
	// without knowing its configuration up front.
	ExpectedRingBufferCapacity uint32
	ExpectedLogicalUnitSize    uint32
	ExpectedFlexZoneSize       uint64
	ExpectedSharedSecret       uint64
	ExpectedFlexZoneSchemaHash [32]byte
	ExpectedSlotSchemaHash     [32]byte

	FlushPolicy FlushPolicy
}

func (o OpenOptions) Validate() error {
	if o.Path == "" {
		return fmt.Errorf("%w: path is required", ErrInvalid)
	}

	return nil
}

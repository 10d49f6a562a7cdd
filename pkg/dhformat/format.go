// Package dhformat defines the on-disk/on-segment byte layout shared by a
// DataHub producer and its consumers: the fixed header, the slot state
// array, the optional flex zone, and the payload slab.
//
// All multi-byte fields are little-endian. The layout only supports
// 64-bit, little-endian architectures, matched by a package-init check.
package dhformat

import (
	"encoding/binary"
	"hash/crc32"
	"math/bits"
)

// Magic and version identifying a DataHub segment file.
const (
	Magic         = "DHB1"
	LayoutVersion = 1

	// HeaderSize is the fixed size of the header region in bytes. Chosen
	// so the heartbeat table that immediately follows starts on a
	// 64-byte boundary without any padding gap.
	HeaderSize = 0x400

	// HeartbeatEntrySize and HeartbeatCapacity describe the fixed
	// heartbeat table that occupies the region right after the header.
	HeartbeatEntrySize = 32
	HeartbeatCapacity  = 64
	HeartbeatTableSize = HeartbeatEntrySize * HeartbeatCapacity

	// SlotHeaderSize is the size of the fixed per-slot state record in
	// the slot state array (excludes the slot's own payload, which lives
	// in the payload slab).
	SlotHeaderSize = 48
)

// Header field offsets, bytes from the start of the segment.
const (
	offMagic               = 0x000 // [4]byte
	offLayoutVersion       = 0x004 // uint32
	offHeaderSize          = 0x008 // uint32
	offPolicy              = 0x00C // uint32 (producer commit policy)
	offConsumerSyncPolicy  = 0x010 // uint32
	offPhysicalPageSize    = 0x014 // uint32
	offLogicalUnitSize     = 0x018 // uint32
	offRingBufferCapacity  = 0x01C // uint32
	offFlexZoneSize        = 0x020 // uint64
	offChecksumPolicy      = 0x028 // uint32
	offReservedPad0        = 0x02C // uint32
	offSharedSecret        = 0x030 // uint64
	offFlexZoneSchemaHash  = 0x038 // [32]byte
	offSlotSchemaHash      = 0x058 // [32]byte
	offLayoutChecksum      = 0x078 // uint32 (CRC32-C)
	offReservedU32         = 0x07C // uint32
	offWriteIndex          = 0x080 // uint64 atomic
	offCommitIndex         = 0x088 // uint64 atomic
	offReadIndex           = 0x090 // uint64 atomic
	offProducerPID         = 0x098 // uint64 atomic
	offProducerHeartbeatNs = 0x0A0 // uint64 atomic
	offActiveConsumerCount = 0x0A8 // uint32 atomic
	offReservedPad1        = 0x0AC // uint32
	offRecoveryActions     = 0x0B0 // uint64 atomic
	offTotalSlotsWritten   = 0x0B8 // uint64 atomic
	offTotalSlotsRead      = 0x0C0 // uint64 atomic
	offWriterTimeouts      = 0x0C8 // uint64 atomic
	offWriterLockTimeouts  = 0x0D0 // uint64 atomic
	offWriterDrainTimeouts = 0x0D8 // uint64 atomic
	offChecksumFailures    = 0x0E0 // uint64 atomic
	offReaderRaceDetected  = 0x0E8 // uint64 atomic
	offHubUID              = 0x0F0 // [32]byte
	offHubName             = 0x110 // [64]byte
	offProducerUID         = 0x150 // [32]byte
	offProducerName        = 0x170 // [64]byte
	offFlexZoneChecksumLo  = 0x1B0 // uint64 atomic
	offFlexZoneChecksumHi  = 0x1B8 // uint64 atomic
	offReservedStart       = 0x1C0 // reserved through HeaderSize-1
)

// Offsets of the payload-carrying regions relative to the segment start.
const (
	HeartbeatTableOffset = HeaderSize
)

// Header is the decoded form of the fixed segment header.
type Header struct {
	LayoutVersion      uint32
	HeaderSize         uint32
	Policy             uint32
	ConsumerSyncPolicy uint32
	PhysicalPageSize   uint32
	LogicalUnitSize    uint32
	RingBufferCapacity uint32
	FlexZoneSize       uint64
	ChecksumPolicy     uint32
	SharedSecret       uint64
	FlexZoneSchemaHash [32]byte
	SlotSchemaHash     [32]byte
	LayoutChecksum     uint32
	HubUID             [32]byte
	HubName            [64]byte
	ProducerUID        [32]byte
	ProducerName       [64]byte
}

// EncodeHeader serializes h into a HeaderSize-byte buffer and stamps the
// layout checksum. The mutable runtime counters (write/commit/read index,
// producer liveness, metrics) are left zero; callers write those directly
// via the atomic accessors after the header region is in place.
func EncodeHeader(h *Header) []byte {
	buf := make([]byte, HeaderSize)

	copy(buf[offMagic:], Magic)
	binary.LittleEndian.PutUint32(buf[offLayoutVersion:], h.LayoutVersion)
	binary.LittleEndian.PutUint32(buf[offHeaderSize:], h.HeaderSize)
	binary.LittleEndian.PutUint32(buf[offPolicy:], h.Policy)
	binary.LittleEndian.PutUint32(buf[offConsumerSyncPolicy:], h.ConsumerSyncPolicy)
	binary.LittleEndian.PutUint32(buf[offPhysicalPageSize:], h.PhysicalPageSize)
	binary.LittleEndian.PutUint32(buf[offLogicalUnitSize:], h.LogicalUnitSize)
	binary.LittleEndian.PutUint32(buf[offRingBufferCapacity:], h.RingBufferCapacity)
	binary.LittleEndian.PutUint64(buf[offFlexZoneSize:], h.FlexZoneSize)
	binary.LittleEndian.PutUint32(buf[offChecksumPolicy:], h.ChecksumPolicy)
	binary.LittleEndian.PutUint64(buf[offSharedSecret:], h.SharedSecret)
	copy(buf[offFlexZoneSchemaHash:], h.FlexZoneSchemaHash[:])
	copy(buf[offSlotSchemaHash:], h.SlotSchemaHash[:])
	copy(buf[offHubUID:], h.HubUID[:])
	copy(buf[offHubName:], h.HubName[:])
	copy(buf[offProducerUID:], h.ProducerUID[:])
	copy(buf[offProducerName:], h.ProducerName[:])

	crc := ComputeLayoutChecksum(buf)
	binary.LittleEndian.PutUint32(buf[offLayoutChecksum:], crc)

	return buf
}

// DecodeHeader reads a HeaderSize-byte buffer into a Header. It does not
// validate the checksum; callers must call ValidateLayoutChecksum
// separately, which keeps corruption classification out of the decoder.
func DecodeHeader(buf []byte) Header {
	var h Header

	h.LayoutVersion = binary.LittleEndian.Uint32(buf[offLayoutVersion:])
	h.HeaderSize = binary.LittleEndian.Uint32(buf[offHeaderSize:])
	h.Policy = binary.LittleEndian.Uint32(buf[offPolicy:])
	h.ConsumerSyncPolicy = binary.LittleEndian.Uint32(buf[offConsumerSyncPolicy:])
	h.PhysicalPageSize = binary.LittleEndian.Uint32(buf[offPhysicalPageSize:])
	h.LogicalUnitSize = binary.LittleEndian.Uint32(buf[offLogicalUnitSize:])
	h.RingBufferCapacity = binary.LittleEndian.Uint32(buf[offRingBufferCapacity:])
	h.FlexZoneSize = binary.LittleEndian.Uint64(buf[offFlexZoneSize:])
	h.ChecksumPolicy = binary.LittleEndian.Uint32(buf[offChecksumPolicy:])
	h.SharedSecret = binary.LittleEndian.Uint64(buf[offSharedSecret:])
	copy(h.FlexZoneSchemaHash[:], buf[offFlexZoneSchemaHash:offFlexZoneSchemaHash+32])
	copy(h.SlotSchemaHash[:], buf[offSlotSchemaHash:offSlotSchemaHash+32])
	h.LayoutChecksum = binary.LittleEndian.Uint32(buf[offLayoutChecksum:])
	copy(h.HubUID[:], buf[offHubUID:offHubUID+32])
	copy(h.HubName[:], buf[offHubName:offHubName+64])
	copy(h.ProducerUID[:], buf[offProducerUID:offProducerUID+32])
	copy(h.ProducerName[:], buf[offProducerName:offProducerName+64])

	return h
}

// ComputeLayoutChecksum computes the CRC32-C checksum of the immutable
// descriptor (magic through both schema hashes, with the checksum field
// itself zeroed) concatenated with the four identity-string fields
// (hub/producer uid/name), per spec §3.1/§4.A: "a keyed digest of the
// above fields + producer/hub identity strings". DataHub's mutable
// runtime counters (write/commit/read index, heartbeats, metrics) sit
// between those two immutable regions and are excluded by construction,
// as is the flex-zone checksum, which is stamped after creation.
func ComputeLayoutChecksum(buf []byte) uint32 {
	tmp := make([]byte, 0, (offLayoutChecksum+4)+(offFlexZoneChecksumLo-offHubUID))

	tmp = append(tmp, buf[:offLayoutChecksum]...)
	tmp = append(tmp, 0, 0, 0, 0) // checksum field itself, zeroed
	tmp = append(tmp, buf[offHubUID:offFlexZoneChecksumLo]...)

	return crc32.Checksum(tmp, crc32.MakeTable(crc32.Castagnoli))
}

// ValidateLayoutChecksum reports whether the stored checksum matches the
// recomputed one.
func ValidateLayoutChecksum(buf []byte) bool {
	stored := binary.LittleEndian.Uint32(buf[offLayoutChecksum:])
	return stored == ComputeLayoutChecksum(buf)
}

// SlotStateOffset returns the byte offset of slot i's fixed state record
// within the segment.
func SlotStateOffset(i uint32) int64 {
	return int64(HeaderSize+HeartbeatTableSize) + int64(i)*SlotHeaderSize
}

// SlotsRegionSize returns the size in bytes of the slot state array for
// the given ring capacity.
func SlotsRegionSize(capacity uint32) int64 {
	return int64(capacity) * SlotHeaderSize
}

// FlexZoneOffset returns the byte offset of the flex zone, which
// immediately follows the slot state array, rounded up to pageSize (spec
// §3.3: the flex zone starts on a physical-page boundary). If flexSize is
// zero the flex zone is elided and this offset equals PayloadSlabOffset.
func FlexZoneOffset(capacity uint32, pageSize uint32) int64 {
	raw := uint64(HeaderSize+HeartbeatTableSize) + uint64(SlotsRegionSize(capacity))
	return int64(alignUp(raw, uint64(pageSize)))
}

// PayloadSlabOffset returns the byte offset of the payload slab, itself
// page-aligned (spec §3.4/§4.A). When flexSize is zero the flex zone is
// elided and this equals FlexZoneOffset exactly.
func PayloadSlabOffset(capacity uint32, flexSize uint64, pageSize uint32) int64 {
	base := FlexZoneOffset(capacity, pageSize)
	if flexSize == 0 {
		return base
	}

	return base + int64(alignUp(flexSize, uint64(pageSize)))
}

// PayloadOffset returns the byte offset of slot i's fixed-size payload
// region within the payload slab.
func PayloadOffset(capacity uint32, flexSize uint64, unitSize uint32, pageSize uint32, i uint32) int64 {
	return PayloadSlabOffset(capacity, flexSize, pageSize) + int64(i)*int64(unitSize)
}

// FlexSlotOffset returns the byte offset of slot i's private region
// within the flex zone, when the flex zone is evenly partitioned one
// sub-region per slot (the common configuration; callers who want the
// shared, non-partitioned flex zone simply call FlexZoneOffset directly,
// or use Segment.FlexZone for the whole region as a slice).
func FlexSlotOffset(capacity uint32, flexSize uint64, pageSize uint32, i uint32) int64 {
	if capacity == 0 {
		return FlexZoneOffset(capacity, pageSize)
	}

	perSlot := flexSize / uint64(capacity)

	return FlexZoneOffset(capacity, pageSize) + int64(i)*int64(perSlot)
}

// TotalSegmentSize computes the full file size required for a segment
// with the given configuration.
func TotalSegmentSize(capacity uint32, flexSize uint64, unitSize uint32, pageSize uint32) int64 {
	return PayloadSlabOffset(capacity, flexSize, pageSize) + int64(capacity)*int64(unitSize)
}

func alignUp(x uint64, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}

// RoundUpToPageSize rounds x up to the next multiple of pageSize. Used to
// normalize a caller-requested flex_zone_size to the value actually
// reserved in the layout (spec §3.3), so the header records how much
// space was laid out rather than what was merely asked for.
func RoundUpToPageSize(x uint64, pageSize uint32) uint64 {
	return alignUp(x, uint64(pageSize))
}

// IsLittleEndian reports whether the running process uses little-endian
// byte order, computed once at package init.
var IsLittleEndian = func() bool {
	var buf [2]byte
	buf[0] = 0x01

	return binary.NativeEndian.Uint16(buf[:]) == 0x01
}()

// Is64Bit reports whether the architecture uses 64-bit native words,
// required for lock-free atomic access to header/slot fields.
var Is64Bit = bits.UintSize == 64

// Package dhheartbeat implements the fixed-size heartbeat table that lets
// a producer discover how many consumers are attached and lets recovery
// tooling reclaim rows belonging to dead consumers (spec §4.E).
package dhheartbeat

import (
	"hash/fnv"
	"time"

	"github.com/datahub-ipc/datahub/pkg/dhformat"
)

// Row layout within one HeartbeatEntrySize-byte (32-byte) slot:
//
//	0x00  consumer_id          uint64 atomic (0 = unclaimed)
//	0x08  consumer_pid         uint64 atomic
//	0x10  last_heartbeat_ns    uint64 atomic
//	0x18  next_read_position   uint64 atomic
const (
	rowOffConsumerID     = 0x00
	rowOffConsumerPID    = 0x08
	rowOffLastBeatNs     = 0x10
	rowOffNextReadPos    = 0x18
)

func rowOffset(i int) int64 {
	return int64(dhformat.HeartbeatTableOffset) + int64(i)*dhformat.HeartbeatEntrySize
}

// Table is a view over the heartbeat region of a mapped segment.
type Table struct {
	data []byte
}

// NewTable returns a Table view over data, the full mapped segment.
func NewTable(data []byte) Table { return Table{data: data} }

// FoldConsumerToken folds an arbitrary consumer-supplied token (e.g. a
// hostname:pid string) into a non-zero 64-bit id using FNV-1a, reused
// here rather than adding a second hash dependency.
func FoldConsumerToken(token string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(token))
	id := h.Sum64()

	if id == 0 {
		id = 1 // 0 is reserved to mean "unclaimed row"
	}

	return id
}

// Claim finds a free row (consumer_id == 0) and atomically claims it for
// consumerID/pid via a CAS-retry loop. Returns the row index and false
// if the table is full.
func (t Table) Claim(consumerID uint64, pid uint64, nowNs uint64) (int, bool) {
	for i := 0; i < dhformat.HeartbeatCapacity; i++ {
		off := rowOffset(i)

		if dhformat.CompareAndSwapUint64(t.data, off+rowOffConsumerID, 0, consumerID) {
			dhformat.StoreUint64(t.data, off+rowOffConsumerPID, pid)
			dhformat.StoreUint64(t.data, off+rowOffLastBeatNs, nowNs)
			dhformat.StoreUint64(t.data, off+rowOffNextReadPos, 0)

			return i, true
		}
	}

	return -1, false
}

// Release clears row i back to unclaimed.
func (t Table) Release(row int) {
	off := rowOffset(row)
	dhformat.StoreUint64(t.data, off+rowOffNextReadPos, 0)
	dhformat.StoreUint64(t.data, off+rowOffLastBeatNs, 0)
	dhformat.StoreUint64(t.data, off+rowOffConsumerPID, 0)
	dhformat.StoreUint64(t.data, off+rowOffConsumerID, 0)
}

// Beat updates row's liveness timestamp and informational read cursor.
// Per the §9 Open Question resolution for Latest_only consumers,
// nextReadPos is purely informational here and never gates slot
// acquisition.
func (t Table) Beat(row int, nowNs uint64, nextReadPos uint64) {
	off := rowOffset(row)
	dhformat.StoreUint64(t.data, off+rowOffLastBeatNs, nowNs)
	dhformat.StoreUint64(t.data, off+rowOffNextReadPos, nextReadPos)
}

// Row is a snapshot of one heartbeat entry, used by diagnostics and by
// liveness scanning.
type Row struct {
	Index           int
	ConsumerID      uint64
	ConsumerPID     uint64
	LastHeartbeatNs uint64
	NextReadPos     uint64
}

func (t Table) read(i int) Row {
	off := rowOffset(i)

	return Row{
		Index:           i,
		ConsumerID:      dhformat.LoadUint64(t.data, off+rowOffConsumerID),
		ConsumerPID:     dhformat.LoadUint64(t.data, off+rowOffConsumerPID),
		LastHeartbeatNs: dhformat.LoadUint64(t.data, off+rowOffLastBeatNs),
		NextReadPos:     dhformat.LoadUint64(t.data, off+rowOffNextReadPos),
	}
}

// Rows returns every claimed row.
func (t Table) Rows() []Row {
	var rows []Row

	for i := 0; i < dhformat.HeartbeatCapacity; i++ {
		r := t.read(i)
		if r.ConsumerID != 0 {
			rows = append(rows, r)
		}
	}

	return rows
}

// StaleRows returns every claimed row whose last heartbeat is older than
// window, relative to nowNs. Recovery tooling uses this to reclaim rows
// left behind by a consumer that crashed without calling Release.
func (t Table) StaleRows(nowNs uint64, window time.Duration) []Row {
	var stale []Row

	threshold := uint64(window.Nanoseconds())

	for _, r := range t.Rows() {
		if nowNs-r.LastHeartbeatNs > threshold {
			stale = append(stale, r)
		}
	}

	return stale
}

// DefaultLivenessWindow is three times the default heartbeat interval, so
// a single missed beat under scheduler jitter does not evict a live
// consumer (see DESIGN.md Open Question resolutions).
const (
	DefaultHeartbeatInterval = 250 * time.Millisecond
	DefaultLivenessWindow    = 3 * DefaultHeartbeatInterval
)

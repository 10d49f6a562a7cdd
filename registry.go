package datahub

import (
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
)

// Locking architecture, four layers deep:
//
//  1. Segment.closed — per-handle closed state, checked first.
//
//  2. segmentRegistryEntry.mu — per-file in-process guard, held by the
//     producer while Acquire claims a slot (including any drain). Needed
//     because two Segment handles in the same process mapping the same
//     file would otherwise race on the slot claim. Consumers never take this
//     lock; they coordinate with the producer entirely through the
//     atomic slot state below.
//
//  3. dhmutex — the interprocess advisory lock at Path+".lock", acquired
//     only by whichever process's Producer handle is currently attached.
//
//  4. dhssm slot state — the per-slot state machine that lets readers
//     detect an overlapping producer transition and retry.
//
// Lock ordering: Segment.closed -> registryEntry.mu -> dhmutex -> dhssm state.

// fileIdentity uniquely identifies a backing file by device and inode.
type fileIdentity struct {
	dev uint64
	ino uint64
}

func getFileIdentity(fd int) (fileIdentity, error) {
	var stat syscall.Stat_t

	if err := syscall.Fstat(fd, &stat); err != nil {
		return fileIdentity{}, fmt.Errorf("datahub: stat: %w", err)
	}

	return fileIdentity{dev: uint64(stat.Dev), ino: stat.Ino}, nil
}

// segmentRegistryEntry tracks per-file state shared across every Segment
// handle in this process backed by the same file.
type segmentRegistryEntry struct {
	mu sync.RWMutex

	// activeProducer is the Producer currently attached from this
	// process, or nil. Guards against a second in-process Producer on
	// the same segment (always a caller bug, distinct from
	// cross-process contention which is handled by dhmutex/ErrTimeout).
	activeProducer atomic.Pointer[Producer]

	openCount atomic.Int32
}

var segmentRegistry sync.Map // map[fileIdentity]*segmentRegistryEntry

func getOrCreateSegmentRegistryEntry(id fileIdentity) *segmentRegistryEntry {
	for {
		if val, ok := segmentRegistry.Load(id); ok {
			entry := val.(*segmentRegistryEntry)

			for {
				old := entry.openCount.Load()
				if old <= 0 {
					break
				}

				if entry.openCount.CompareAndSwap(old, old+1) {
					return entry
				}
			}

			continue
		}

		entry := &segmentRegistryEntry{}
		entry.openCount.Store(1)

		if _, loaded := segmentRegistry.LoadOrStore(id, entry); !loaded {
			return entry
		}
	}
}

func releaseSegmentRegistryEntry(id fileIdentity) {
	val, ok := segmentRegistry.Load(id)
	if !ok {
		return
	}

	entry := val.(*segmentRegistryEntry)
	if entry.openCount.Add(-1) <= 0 {
		segmentRegistry.CompareAndDelete(id, entry)
	}
}

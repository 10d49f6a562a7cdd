// Package dhchecksum computes the two checksums a DataHub segment relies
// on: a CRC32-C layout checksum over the immutable header fields, and a
// keyed BLAKE2b payload/flex-zone digest gated by the segment's
// checksum policy.
package dhchecksum

import (
	"encoding/binary"
	"hash"
	"hash/crc32"

	"golang.org/x/crypto/blake2b"
)

// Policy selects how aggressively payload/flex digests are verified.
// It mirrors the three-arm enum named in spec.md §9 Design Notes: no
// dynamic dispatch, just a small closed set of named behaviors.
type Policy uint32

const (
	// PolicyNone disables payload digesting entirely; only the layout
	// checksum is ever computed or verified.
	PolicyNone Policy = iota
	// PolicyEnforced computes a digest on every commit and verifies it
	// on every release; a mismatch makes ReadSlot.Release report false.
	PolicyEnforced
	// PolicyManual neither computes nor verifies the digest
	// automatically: the producer stamps it with WriteSlot.UpdateChecksum
	// before Commit, and a consumer checks it with ReadSlot.VerifyChecksum
	// (or Verify) itself.
	PolicyManual
)

func (p Policy) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicyEnforced:
		return "enforced"
	case PolicyManual:
		return "manual"
	default:
		return "unknown"
	}
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// LayoutChecksum computes the CRC32-Castagnoli checksum of buf. Callers
// are responsible for zeroing any mutable/checksum fields in buf before
// calling this (see dhformat.ComputeLayoutChecksum, which this backs).
func LayoutChecksum(buf []byte) uint32 {
	return crc32.Checksum(buf, crc32cTable)
}

// PayloadDigest computes a keyed BLAKE2b-512 digest of a single slot's
// payload, truncated to the low 128 bits (returned as two uint64s,
// little-endian within each half) for compact per-slot storage. key is
// the segment's shared secret, expanded to a BLAKE2b key. sequence binds
// the digest to the slot's generation, so a stale or rewrapped sequence
// cannot replay an old payload's checksum as valid.
//
// The flex zone is digested independently by FlexDigest: it is a single
// shared region with its own update/verify-on-demand lifecycle (spec
// §4.D), not part of any one slot's payload.
func PayloadDigest(key uint64, sequence uint64, payload []byte) (lo, hi uint64) {
	if len(payload) == 0 {
		return 0, 0
	}

	h := newKeyedHash(key)

	var seqBytes [8]byte
	binary.LittleEndian.PutUint64(seqBytes[:], sequence)
	h.Write(seqBytes[:])
	h.Write(payload)

	return sumTo128(h)
}

// Verify recomputes the payload digest and compares it against the
// stored (lo, hi) pair.
func Verify(key uint64, sequence uint64, payload []byte, lo, hi uint64) bool {
	gotLo, gotHi := PayloadDigest(key, sequence, payload)
	return gotLo == lo && gotHi == hi
}

// FlexDigest computes a keyed BLAKE2b-512 digest of the whole,
// non-partitioned flex zone, truncated to the low 128 bits. Unlike
// PayloadDigest it carries no sequence number: the flex zone has no
// per-commit generation of its own, it is recomputed and stamped
// whenever a caller calls Segment.UpdateFlexChecksum and checked only
// when a caller calls Segment.VerifyFlexChecksum (spec §4.D: "verified
// on demand", not on every read).
func FlexDigest(key uint64, flex []byte) (lo, hi uint64) {
	if len(flex) == 0 {
		return 0, 0
	}

	h := newKeyedHash(key)
	h.Write(flex)

	return sumTo128(h)
}

// VerifyFlex recomputes the flex-zone digest and compares it against the
// stored (lo, hi) pair.
func VerifyFlex(key uint64, flex []byte, lo, hi uint64) bool {
	gotLo, gotHi := FlexDigest(key, flex)
	return gotLo == lo && gotHi == hi
}

func newKeyedHash(key uint64) hash.Hash {
	var keyBytes [8]byte
	binary.LittleEndian.PutUint64(keyBytes[:], key)

	h, err := blake2b.New512(keyBytes[:])
	if err != nil {
		// blake2b.New512 only errors if the key exceeds 64 bytes; ours
		// is fixed at 8, so this path is unreachable in practice.
		panic("dhchecksum: blake2b key setup: " + err.Error())
	}

	return h
}

func sumTo128(h hash.Hash) (lo, hi uint64) {
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum[0:8]), binary.LittleEndian.Uint64(sum[8:16])
}

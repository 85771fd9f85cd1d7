// Package fingerprint describes repository state cheaply enough to compute
// on every request, so cache entries can be validated on read.
package fingerprint

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint identifies the repository state a value was computed against.
// Two fingerprints are equal exactly when all fields are equal.
type Fingerprint struct {
	HeadOID        string `json:"head_oid"`
	IndexStateHash uint64 `json:"index_state_hash"`
	// RefsHash covers the symbolic HEAD target plus branch and tag tips.
	RefsHash      uint64 `json:"refs_hash"`
	WorktreeDirty bool   `json:"worktree_dirty"`
	// WorktreeStamp hashes the dirty entries, so a worktree that stays dirty
	// but changes again yields a new fingerprint.
	WorktreeStamp uint64 `json:"worktree_stamp"`
}

func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// Key is a compact string form used inside cache and flight keys.
func (f Fingerprint) Key() string {
	dirty := 0
	if f.WorktreeDirty {
		dirty = 1
	}
	return fmt.Sprintf("%s:%016x:%016x:%d:%016x", f.HeadOID, f.IndexStateHash, f.RefsHash, dirty, f.WorktreeStamp)
}

func (f Fingerprint) String() string {
	head := f.HeadOID
	if len(head) > 12 {
		head = head[:12]
	}
	if head == "" {
		head = "unborn"
	}
	if f.WorktreeDirty {
		return fmt.Sprintf("%s+dirty(%04x)", head, f.WorktreeStamp&0xffff)
	}
	return head
}

// Hasher accumulates fields into a 64-bit digest. Fields are length
// prefixed so ("ab","c") and ("a","bc") differ.
type Hasher struct {
	d *xxhash.Digest
}

func NewHasher() *Hasher {
	return &Hasher{d: xxhash.New()}
}

func (h *Hasher) String(s string) *Hasher {
	h.Uint64(uint64(len(s)))
	_, _ = h.d.WriteString(s)
	return h
}

func (h *Hasher) Bytes(b []byte) *Hasher {
	h.Uint64(uint64(len(b)))
	_, _ = h.d.Write(b)
	return h
}

func (h *Hasher) Uint64(v uint64) *Hasher {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, _ = h.d.Write(buf[:])
	return h
}

func (h *Hasher) Int64(v int64) *Hasher {
	return h.Uint64(uint64(v))
}

func (h *Hasher) Sum() uint64 {
	return h.d.Sum64()
}

// HashBytes is the one-shot form used for file contents.
func HashBytes(b []byte) uint64 {
	return xxhash.Sum64(b)
}

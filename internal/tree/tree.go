// Package tree implements the content-addressed path mapping at the heart
// of basin: a sorted set of path→hash entries whose own identity is a
// deterministic digest of its contents.
//
// A Tree behaves as a value. Within one process it is mutated in place by
// its single owner; callers that need a stable snapshot take Clone first.
package tree

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	"basin/internal/hashing"
)

// Entry maps one path to the hash of its content. Paths are unique within
// a Tree, and entries are always kept path-sorted.
type Entry struct {
	Path string
	Hash hashing.Hash
}

// Tree is a sorted path→hash mapping with a cached root hash. The cache is
// invalidated by mutation and recomputed on demand, so the hash is a pure
// function of the entry set no matter how the set was built.
type Tree struct {
	entries   []Entry
	rootHash  hashing.Hash
	hashValid bool
}

// ErrMalformedTree indicates serialized tree data that does not parse.
var ErrMalformedTree = errors.New("malformed tree serialization")

// New returns an empty tree.
func New() *Tree {
	return &Tree{}
}

// FromEntries builds a tree from entries in any order. A later duplicate of
// a path overwrites the earlier one, matching repeated Insert calls.
func FromEntries(entries []Entry) *Tree {
	t := New()
	for _, e := range entries {
		t.Insert(e.Path, e.Hash)
	}
	return t
}

// Len returns the number of entries.
func (t *Tree) Len() int {
	return len(t.entries)
}

// search returns the index at which path sits or would be inserted.
func (t *Tree) search(path string) int {
	return sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].Path >= path
	})
}

// Insert adds or overwrites the entry for path, keeping the entries sorted
// and invalidating the cached root hash.
func (t *Tree) Insert(path string, h hashing.Hash) {
	i := t.search(path)
	if i < len(t.entries) && t.entries[i].Path == path {
		t.entries[i].Hash = h
	} else {
		t.entries = append(t.entries, Entry{})
		copy(t.entries[i+1:], t.entries[i:])
		t.entries[i] = Entry{Path: path, Hash: h}
	}
	t.hashValid = false
}

// Delete removes the entry for path if present. Deleting an absent path is
// a no-op that reports found=false and leaves the cached hash intact.
func (t *Tree) Delete(path string) bool {
	i := t.search(path)
	if i >= len(t.entries) || t.entries[i].Path != path {
		return false
	}
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	t.hashValid = false
	return true
}

// Get returns the hash stored for path.
func (t *Tree) Get(path string) (hashing.Hash, bool) {
	i := t.search(path)
	if i < len(t.entries) && t.entries[i].Path == path {
		return t.entries[i].Hash, true
	}
	return hashing.Hash{}, false
}

// Hash returns the root hash, recomputing it if a mutation invalidated the
// cache. Two trees with identical entry sets always hash identically,
// regardless of insertion history.
func (t *Tree) Hash() hashing.Hash {
	if !t.hashValid {
		t.rootHash = hashing.Sum(hashing.DomainTree, t.Serialize())
		t.hashValid = true
	}
	return t.rootHash
}

// Entries returns a copy of the sorted entry slice.
func (t *Tree) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Clone returns an independent copy sharing no state with the receiver.
func (t *Tree) Clone() *Tree {
	c := &Tree{
		entries:   make([]Entry, len(t.entries)),
		rootHash:  t.rootHash,
		hashValid: t.hashValid,
	}
	copy(c.entries, t.entries)
	return c
}

// ListPrefix returns every path that starts with prefix, in sorted order.
// The empty prefix lists all paths.
func (t *Tree) ListPrefix(prefix string) []string {
	var out []string
	for i := t.search(prefix); i < len(t.entries); i++ {
		if !strings.HasPrefix(t.entries[i].Path, prefix) {
			break
		}
		out = append(out, t.entries[i].Path)
	}
	return out
}

// Serialize produces the canonical binary form: a uint32 entry count, then
// per entry a uint32 path length, the path bytes, and the 32-byte content
// hash, little-endian and in path order. The root hash is the digest of
// exactly these bytes under the tree domain, so the length prefixes keep
// adjacent paths and hashes from running together ambiguously.
func (t *Tree) Serialize() []byte {
	size := 4
	for _, e := range t.entries {
		size += 4 + len(e.Path) + hashing.Size
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(t.entries)))
	offset := 4
	for _, e := range t.entries {
		binary.LittleEndian.PutUint32(buf[offset:], uint32(len(e.Path)))
		offset += 4
		copy(buf[offset:], e.Path)
		offset += len(e.Path)
		copy(buf[offset:], e.Hash[:])
		offset += hashing.Size
	}
	return buf
}

// Deserialize parses a canonical serialization back into a tree. It rejects
// truncated data, out-of-order entries, and trailing bytes.
func Deserialize(data []byte) (*Tree, error) {
	if len(data) < 4 {
		return nil, ErrMalformedTree
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	offset := 4

	entries := make([]Entry, 0, count)
	var prev string
	for i := uint32(0); i < count; i++ {
		if len(data) < offset+4 {
			return nil, fmt.Errorf("%w: truncated at entry %d", ErrMalformedTree, i)
		}
		pathLen := int(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4

		if pathLen < 0 || len(data) < offset+pathLen+hashing.Size {
			return nil, fmt.Errorf("%w: truncated at entry %d", ErrMalformedTree, i)
		}
		path := string(data[offset : offset+pathLen])
		offset += pathLen

		if i > 0 && path <= prev {
			return nil, fmt.Errorf("%w: entries out of order at %q", ErrMalformedTree, path)
		}

		var h hashing.Hash
		copy(h[:], data[offset:offset+hashing.Size])
		offset += hashing.Size

		entries = append(entries, Entry{Path: path, Hash: h})
		prev = path
	}
	if offset != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedTree, len(data)-offset)
	}
	return &Tree{entries: entries}, nil
}

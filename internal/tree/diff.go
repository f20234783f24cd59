package tree

import "basin/internal/hashing"

// DiffKind classifies one entry of a tree comparison.
type DiffKind uint8

const (
	// DiffAdded marks a path present only in the newer tree.
	DiffAdded DiffKind = iota
	// DiffDeleted marks a path present only in the older tree.
	DiffDeleted
	// DiffModified marks a path present in both trees with different
	// content hashes.
	DiffModified
)

// String returns the lowercase name of the kind.
func (k DiffKind) String() string {
	switch k {
	case DiffAdded:
		return "added"
	case DiffDeleted:
		return "deleted"
	case DiffModified:
		return "modified"
	default:
		return "unknown"
	}
}

// DiffEntry describes one path-level difference between two trees. On the
// side where the path does not exist the hash is the zero value.
type DiffEntry struct {
	Path    string
	Kind    DiffKind
	OldHash hashing.Hash
	NewHash hashing.Hash
}

// Diff compares two trees with a single linear merge over their sorted
// entries and returns the differences in ascending path order. Paths whose
// hashes match on both sides are skipped. A nil tree compares as empty.
// Runs in O(len(from) + len(to)).
func Diff(from, to *Tree) []DiffEntry {
	var a, b []Entry
	if from != nil {
		a = from.entries
	}
	if to != nil {
		b = to.entries
	}

	var out []DiffEntry
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].Path < b[j].Path:
			out = append(out, DiffEntry{Path: a[i].Path, Kind: DiffDeleted, OldHash: a[i].Hash})
			i++
		case a[i].Path > b[j].Path:
			out = append(out, DiffEntry{Path: b[j].Path, Kind: DiffAdded, NewHash: b[j].Hash})
			j++
		default:
			if a[i].Hash != b[j].Hash {
				out = append(out, DiffEntry{
					Path:    a[i].Path,
					Kind:    DiffModified,
					OldHash: a[i].Hash,
					NewHash: b[j].Hash,
				})
			}
			i++
			j++
		}
	}
	for ; i < len(a); i++ {
		out = append(out, DiffEntry{Path: a[i].Path, Kind: DiffDeleted, OldHash: a[i].Hash})
	}
	for ; j < len(b); j++ {
		out = append(out, DiffEntry{Path: b[j].Path, Kind: DiffAdded, NewHash: b[j].Hash})
	}
	return out
}

package land

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// RootPartition is the catch-all partition. It serializes against every
// configured partition, so sessions that span prefixes or touch paths
// outside every prefix still land safely.
const RootPartition = ""

// ErrOverlappingPrefixes rejects a partition configuration where one
// prefix contains another; partitions must cover disjoint path ranges.
var ErrOverlappingPrefixes = errors.New("partition prefixes overlap")

// Partitions maps touched-path sets to the path-prefix partition they
// land in.
type Partitions struct {
	prefixes []string
}

// NewPartitions validates and normalizes a set of path prefixes. Empty
// strings are dropped; the root partition always exists implicitly.
func NewPartitions(prefixes []string) (*Partitions, error) {
	cleaned := make([]string, 0, len(prefixes))
	seen := make(map[string]struct{}, len(prefixes))
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		cleaned = append(cleaned, p)
	}
	sort.Strings(cleaned)

	for i := 1; i < len(cleaned); i++ {
		if strings.HasPrefix(cleaned[i], cleaned[i-1]) {
			return nil, fmt.Errorf("%w: %q contains %q", ErrOverlappingPrefixes, cleaned[i-1], cleaned[i])
		}
	}
	return &Partitions{prefixes: cleaned}, nil
}

// Prefixes returns the configured prefixes in sorted order.
func (p *Partitions) Prefixes() []string {
	return append([]string(nil), p.prefixes...)
}

// Resolve returns the partition a session with these touched paths lands
// in: the single prefix covering every path, or the root partition.
func (p *Partitions) Resolve(paths []string) string {
	if len(paths) == 0 {
		return RootPartition
	}
	part := p.prefixFor(paths[0])
	if part == RootPartition {
		return RootPartition
	}
	for _, path := range paths[1:] {
		if p.prefixFor(path) != part {
			return RootPartition
		}
	}
	return part
}

// prefixFor finds the configured prefix covering a path. Prefixes are
// disjoint, so at most one matches.
func (p *Partitions) prefixFor(path string) string {
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(path, prefix) {
			return prefix
		}
	}
	return RootPartition
}

// MayOverlap reports whether two partitions' path ranges can intersect.
// The root partition ranges over everything.
func MayOverlap(a, b string) bool {
	return a == RootPartition || b == RootPartition || a == b
}

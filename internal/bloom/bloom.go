// Package bloom implements the fixed-size probabilistic path-set filters
// used for conflict pre-screening. A filter admits false positives but
// never false negatives: if the bitwise AND of two same-geometry filters
// has no set bits, the underlying path sets are provably disjoint.
package bloom

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

const (
	// serialVersion tags the serialized filter layout.
	serialVersion byte = 1

	// minBits keeps degenerate inputs from producing unusable filters.
	minBits = 64

	// h2Salt prefixes the second hash so the two double-hashing bases are
	// independent.
	h2Salt byte = 0x5b
)

// ErrMalformedFilter indicates serialized filter data that does not parse.
var ErrMalformedFilter = errors.New("malformed bloom filter")

// Filter is a bloom filter over byte strings.
type Filter struct {
	bits []uint64
	m    uint64
	k    uint32
	n    uint64
}

// New sizes a filter for the expected item count at the target false
// positive rate: m = ceil(-n·ln p / (ln 2)²), k = round((m/n)·ln 2).
func New(expectedItems int, falsePositiveRate float64) *Filter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	n := float64(expectedItems)
	m := uint64(math.Ceil(-n * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if m < minBits {
		m = minBits
	}
	k := uint32(math.Round(float64(m) / n * math.Ln2))
	if k < 1 {
		k = 1
	}

	return &Filter{
		bits: make([]uint64, (m+63)/64),
		m:    m,
		k:    k,
	}
}

// hashPair derives the two 64-bit bases for double hashing. The i-th probe
// position is (h1 + i·h2) mod m.
func hashPair(data []byte) (uint64, uint64) {
	h1 := xxhash.Sum64(data)

	var d xxhash.Digest
	d.Reset()
	d.Write([]byte{h2Salt})
	d.Write(data)
	h2 := d.Sum64()
	if h2 == 0 {
		h2 = 0x9e3779b97f4a7c15
	}
	return h1, h2
}

// Add inserts data into the filter.
func (f *Filter) Add(data []byte) {
	h1, h2 := hashPair(data)
	for i := uint64(0); i < uint64(f.k); i++ {
		pos := (h1 + i*h2) % f.m
		f.bits[pos/64] |= 1 << (pos % 64)
	}
	f.n++
}

// Contains reports whether data may have been added. A false result is
// definitive; a true result may be a false positive.
func (f *Filter) Contains(data []byte) bool {
	h1, h2 := hashPair(data)
	for i := uint64(0); i < uint64(f.k); i++ {
		pos := (h1 + i*h2) % f.m
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Count returns the number of items added.
func (f *Filter) Count() uint64 {
	return f.n
}

// Geometry returns the filter's bit size and hash count.
func (f *Filter) Geometry() (m uint64, k uint32) {
	return f.m, f.k
}

// SameGeometry reports whether two filters were sized identically, which
// is required before comparing them bit for bit.
func (f *Filter) SameGeometry(other *Filter) bool {
	return other != nil && f.m == other.m && f.k == other.k
}

// IntersectionZero reports whether the bitwise AND of the two filters has
// all zero bits. True proves the underlying sets are disjoint, since any
// shared element sets the same bits in both filters. Callers must check
// SameGeometry first.
func (f *Filter) IntersectionZero(other *Filter) bool {
	for i, w := range f.bits {
		if w&other.bits[i] != 0 {
			return false
		}
	}
	return true
}

// EstimatedFalsePositiveRate returns (1 - e^(-kn/m))^k for the current
// fill level.
func (f *Filter) EstimatedFalsePositiveRate() float64 {
	if f.n == 0 {
		return 0
	}
	exp := -float64(f.k) * float64(f.n) / float64(f.m)
	return math.Pow(1-math.Exp(exp), float64(f.k))
}

// Serialize encodes the filter: version byte, uint64 m, uint32 k,
// uint64 n, then the bit words, little-endian.
func (f *Filter) Serialize() []byte {
	buf := make([]byte, 1+8+4+8+len(f.bits)*8)
	buf[0] = serialVersion
	binary.LittleEndian.PutUint64(buf[1:9], f.m)
	binary.LittleEndian.PutUint32(buf[9:13], f.k)
	binary.LittleEndian.PutUint64(buf[13:21], f.n)
	offset := 21
	for _, w := range f.bits {
		binary.LittleEndian.PutUint64(buf[offset:], w)
		offset += 8
	}
	return buf
}

// Deserialize decodes a serialized filter.
func Deserialize(data []byte) (*Filter, error) {
	if len(data) < 21 {
		return nil, ErrMalformedFilter
	}
	if data[0] != serialVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrMalformedFilter, data[0])
	}

	m := binary.LittleEndian.Uint64(data[1:9])
	k := binary.LittleEndian.Uint32(data[9:13])
	n := binary.LittleEndian.Uint64(data[13:21])

	words := int((m + 63) / 64)
	if m == 0 || k == 0 || len(data) != 21+words*8 {
		return nil, fmt.Errorf("%w: %d bytes for %d bits", ErrMalformedFilter, len(data), m)
	}

	f := &Filter{bits: make([]uint64, words), m: m, k: k, n: n}
	offset := 21
	for i := range f.bits {
		f.bits[i] = binary.LittleEndian.Uint64(data[offset:])
		offset += 8
	}
	return f, nil
}

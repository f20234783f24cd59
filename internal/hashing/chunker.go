package hashing

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Content-defined chunking constants. These are format constants: changing
// any of them changes every chunked blob hash, so they are compile-time
// fixed rather than configurable.
const (
	// ChunkThreshold is the size at which a blob stops being stored whole
	// and becomes chunks behind a manifest.
	ChunkThreshold = 1 << 20

	// MinChunkSize is the smallest chunk the splitter will emit, except
	// possibly the final chunk of a blob.
	MinChunkSize = 64 << 10

	// MaxChunkSize forces a cut when no boundary fires.
	MaxChunkSize = 1 << 20

	// chunkMask selects the boundary condition. Eighteen zero bits gives
	// an expected chunk size of 256 KiB past the minimum.
	chunkMask uint64 = (1 << 18) - 1
)

// gearTable drives the rolling hash. Filled deterministically at init so
// chunk boundaries are identical across builds and platforms.
var gearTable [256]uint64

func init() {
	for i := range gearTable {
		z := (uint64(i) + 1) * 0x9e3779b97f4a7c15
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		gearTable[i] = z ^ (z >> 31)
	}
}

// Chunk is one piece of a chunked blob.
type Chunk struct {
	Hash   Hash
	Offset uint64
	Length uint32
}

// ErrBadManifest indicates a chunk manifest that does not parse.
var ErrBadManifest = errors.New("malformed chunk manifest")

// SplitChunks cuts data into content-defined chunks. Boundaries depend only
// on the bytes themselves, so an edit near the start of a large blob shifts
// only the chunks around the edit, not the trailing ones.
func SplitChunks(data []byte) []Chunk {
	if len(data) == 0 {
		return nil
	}
	chunks := make([]Chunk, 0, len(data)/(4*MinChunkSize)+1)
	start := 0
	var g uint64
	for i := 0; i < len(data); i++ {
		g = (g << 1) + gearTable[data[i]]
		n := i - start + 1
		if n < MinChunkSize {
			continue
		}
		if g&chunkMask == 0 || n >= MaxChunkSize {
			chunks = append(chunks, newChunk(data, start, i+1))
			start = i + 1
			g = 0
		}
	}
	if start < len(data) {
		chunks = append(chunks, newChunk(data, start, len(data)))
	}
	return chunks
}

func newChunk(data []byte, start, end int) Chunk {
	return Chunk{
		Hash:   Sum(DomainBlob, data[start:end]),
		Offset: uint64(start),
		Length: uint32(end - start),
	}
}

// HashBlob computes the content hash of a blob. Blobs below ChunkThreshold
// hash directly under the blob domain; larger blobs hash as a manifest over
// their ordered chunk hashes, and the chunk list is returned so the caller
// can store the pieces.
func HashBlob(data []byte) (Hash, []Chunk) {
	if len(data) < ChunkThreshold {
		return Sum(DomainBlob, data), nil
	}
	chunks := SplitChunks(data)
	return Sum(DomainManifest, EncodeManifest(chunks)), chunks
}

// EncodeManifest serializes a chunk list: a uint32 count followed by a
// 32-byte hash and uint32 length per chunk, little-endian. Offsets are
// implied by the running lengths and not stored.
func EncodeManifest(chunks []Chunk) []byte {
	buf := make([]byte, 4+len(chunks)*(Size+4))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(chunks)))
	offset := 4
	for _, c := range chunks {
		copy(buf[offset:], c.Hash[:])
		offset += Size
		binary.LittleEndian.PutUint32(buf[offset:], c.Length)
		offset += 4
	}
	return buf
}

// DecodeManifest parses a serialized chunk list, restoring chunk offsets
// from the running lengths.
func DecodeManifest(data []byte) ([]Chunk, error) {
	if len(data) < 4 {
		return nil, ErrBadManifest
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	want := 4 + int(count)*(Size+4)
	if len(data) != want {
		return nil, fmt.Errorf("%w: %d bytes for %d chunks", ErrBadManifest, len(data), count)
	}
	chunks := make([]Chunk, count)
	offset := 4
	var pos uint64
	for i := range chunks {
		copy(chunks[i].Hash[:], data[offset:offset+Size])
		offset += Size
		chunks[i].Length = binary.LittleEndian.Uint32(data[offset:])
		offset += 4
		chunks[i].Offset = pos
		pos += uint64(chunks[i].Length)
	}
	return chunks, nil
}

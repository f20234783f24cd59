// Package objectstore implements the content-addressed store under
// objects/: blobs and trees laid out by hash prefix, verified against
// their hash on every read.
//
// An object file is a single domain byte followed by the payload, so the
// claimed hash is always recomputable from the file alone. Corrupt bytes
// are never served; they surface as ErrHashMismatch for the caller to
// repair or re-fetch.
package objectstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"basin/internal/hashing"
	"basin/internal/tree"
)

// Kind selects an object namespace under the store root.
type Kind string

const (
	// KindBlob holds file content and chunk manifests.
	KindBlob Kind = "blobs"
	// KindTree holds canonical tree serializations.
	KindTree Kind = "trees"
)

// DefaultCacheSize is the read cache capacity in objects when none is
// configured.
const DefaultCacheSize = 512

var (
	// ErrNotFound indicates no object stored under the requested hash.
	ErrNotFound = errors.New("object not found")

	// ErrHashMismatch indicates stored bytes that do not match their
	// claimed hash: storage corruption, surfaced instead of served.
	ErrHashMismatch = errors.New("object bytes do not match their hash")
)

// CacheStats reports read cache effectiveness.
type CacheStats struct {
	Hits   uint64
	Misses uint64
}

// Store is a content-addressed object store rooted at a directory.
type Store struct {
	root   string
	cache  *lru.Cache[hashing.Hash, []byte]
	hits   atomic.Uint64
	misses atomic.Uint64
}

// Open prepares the store under root, creating the namespace directories
// if needed. cacheSize <= 0 selects DefaultCacheSize.
func Open(root string, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[hashing.Hash, []byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create object cache: %w", err)
	}
	for _, kind := range []Kind{KindBlob, KindTree} {
		if err := os.MkdirAll(filepath.Join(root, string(kind)), 0700); err != nil {
			return nil, fmt.Errorf("create object directory: %w", err)
		}
	}
	return &Store{root: root, cache: cache}, nil
}

// objectPath fans objects out under a two-character hex prefix.
func (s *Store) objectPath(kind Kind, h hashing.Hash) string {
	hex := h.Hex()
	return filepath.Join(s.root, string(kind), hex[:2], hex)
}

// put writes an object file (domain byte plus payload) under its hash.
// An existing object is left alone: equal hash means equal content.
func (s *Store) put(kind Kind, domain byte, h hashing.Hash, payload []byte) error {
	path := s.objectPath(kind, h)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create object directory: %w", err)
	}

	raw := make([]byte, 1+len(payload))
	raw[0] = domain
	copy(raw[1:], payload)

	tmp, err := os.CreateTemp(dir, "obj-*.tmp")
	if err != nil {
		return fmt.Errorf("create object temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close object temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit object: %w", err)
	}

	s.cache.Add(h, raw)
	return nil
}

// get reads and verifies an object, returning its domain byte and payload.
// The returned payload aliases the cache entry, so callers receive copies
// from the exported methods instead.
func (s *Store) get(kind Kind, h hashing.Hash) (byte, []byte, error) {
	if raw, ok := s.cache.Get(h); ok {
		s.hits.Add(1)
		return raw[0], raw[1:], nil
	}
	s.misses.Add(1)

	raw, err := os.ReadFile(s.objectPath(kind, h))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil, fmt.Errorf("%s object %s: %w", kind, h.Short(), ErrNotFound)
	}
	if err != nil {
		return 0, nil, fmt.Errorf("read object: %w", err)
	}

	if len(raw) < 1 || hashing.Sum(raw[0], raw[1:]) != h {
		return 0, nil, fmt.Errorf("object %s: %w", h.Hex(), ErrHashMismatch)
	}

	s.cache.Add(h, raw)
	return raw[0], raw[1:], nil
}

// PutBlob stores blob content and returns its hash. Content at or above
// the chunking threshold is stored as chunk objects behind a manifest.
func (s *Store) PutBlob(data []byte) (hashing.Hash, error) {
	h, chunks := hashing.HashBlob(data)
	if chunks == nil {
		return h, s.put(KindBlob, hashing.DomainBlob, h, data)
	}

	for _, c := range chunks {
		piece := data[c.Offset : c.Offset+uint64(c.Length)]
		if err := s.put(KindBlob, hashing.DomainBlob, c.Hash, piece); err != nil {
			return hashing.Hash{}, err
		}
	}
	return h, s.put(KindBlob, hashing.DomainManifest, h, hashing.EncodeManifest(chunks))
}

// GetBlob returns blob content by hash, reassembling chunked blobs. Every
// byte served has been verified against the hash that addresses it.
func (s *Store) GetBlob(h hashing.Hash) ([]byte, error) {
	domain, payload, err := s.get(KindBlob, h)
	if err != nil {
		return nil, err
	}

	switch domain {
	case hashing.DomainBlob:
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil

	case hashing.DomainManifest:
		chunks, err := hashing.DecodeManifest(payload)
		if err != nil {
			return nil, fmt.Errorf("blob %s: %w", h.Short(), err)
		}
		var total uint64
		for _, c := range chunks {
			total += uint64(c.Length)
		}
		out := make([]byte, 0, total)
		for _, c := range chunks {
			chunkDomain, piece, err := s.get(KindBlob, c.Hash)
			if err != nil {
				return nil, fmt.Errorf("blob %s chunk %s: %w", h.Short(), c.Hash.Short(), err)
			}
			if chunkDomain != hashing.DomainBlob {
				return nil, fmt.Errorf("blob %s chunk %s: %w", h.Short(), c.Hash.Short(), ErrHashMismatch)
			}
			out = append(out, piece...)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("blob %s: unexpected domain 0x%02x: %w", h.Short(), domain, ErrHashMismatch)
	}
}

// HasBlob reports whether a blob object exists, without reading it.
func (s *Store) HasBlob(h hashing.Hash) bool {
	if _, ok := s.cache.Get(h); ok {
		return true
	}
	_, err := os.Stat(s.objectPath(KindBlob, h))
	return err == nil
}

// PutTree stores a tree's canonical serialization and returns its hash.
func (s *Store) PutTree(t *tree.Tree) (hashing.Hash, error) {
	return t.Hash(), s.put(KindTree, hashing.DomainTree, t.Hash(), t.Serialize())
}

// GetTree loads a tree by hash.
func (s *Store) GetTree(h hashing.Hash) (*tree.Tree, error) {
	domain, payload, err := s.get(KindTree, h)
	if err != nil {
		return nil, err
	}
	if domain != hashing.DomainTree {
		return nil, fmt.Errorf("tree %s: unexpected domain 0x%02x: %w", h.Short(), domain, ErrHashMismatch)
	}
	t, err := tree.Deserialize(payload)
	if err != nil {
		return nil, fmt.Errorf("tree %s: %w", h.Short(), err)
	}
	return t, nil
}

// HasTree reports whether a tree object exists.
func (s *Store) HasTree(h hashing.Hash) bool {
	if _, ok := s.cache.Get(h); ok {
		return true
	}
	_, err := os.Stat(s.objectPath(KindTree, h))
	return err == nil
}

// Count returns the number of objects stored under a kind.
func (s *Store) Count(kind Kind) (int, error) {
	count := 0
	err := s.walkObjects(kind, func(string, fs.DirEntry) error {
		count++
		return nil
	})
	return count, err
}

// Size returns the total bytes stored under a kind.
func (s *Store) Size(kind Kind) (int64, error) {
	var size int64
	err := s.walkObjects(kind, func(path string, d fs.DirEntry) error {
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	return size, err
}

// ForEach calls fn with the hash of every stored object of a kind.
func (s *Store) ForEach(kind Kind, fn func(hashing.Hash) error) error {
	return s.walkObjects(kind, func(path string, d fs.DirEntry) error {
		h, err := hashing.Parse(filepath.Base(path))
		if err != nil {
			return fmt.Errorf("stray file %s in object store: %w", filepath.Base(path), err)
		}
		return fn(h)
	})
}

func (s *Store) walkObjects(kind Kind, fn func(string, fs.DirEntry) error) error {
	root := filepath.Join(s.root, string(kind))
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		return fn(path, d)
	})
}

// Verify re-reads an object of a kind and checks its bytes against its
// hash. Used by repository verification to audit the store.
func (s *Store) Verify(kind Kind, h hashing.Hash) error {
	raw, err := os.ReadFile(s.objectPath(kind, h))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s object %s: %w", kind, h.Short(), ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read object: %w", err)
	}
	if len(raw) < 1 || hashing.Sum(raw[0], raw[1:]) != h {
		return fmt.Errorf("object %s: %w", h.Hex(), ErrHashMismatch)
	}
	return nil
}

// Stats returns cache hit and miss counts.
func (s *Store) Stats() CacheStats {
	return CacheStats{Hits: s.hits.Load(), Misses: s.misses.Load()}
}

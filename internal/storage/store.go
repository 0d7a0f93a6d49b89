package storage

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/crypto/blake2b"
)

// HashSize is the digest length in bytes; hashes travel as lowercase hex.
const HashSize = 16

const metaFile = "meta"

var (
	ErrFileNotFound       = errors.New("source file not found or unreadable")
	ErrIncompleteTransfer = errors.New("transfer is missing chunks")
	ErrHashMismatch       = errors.New("reassembled content does not match its hash")
	ErrStorageFull        = errors.New("storage volume is below its free space floor")
	ErrNoMeta             = errors.New("no metadata stored for hash")
	ErrInvalidHash        = errors.New("invalid content hash")
)

// Meta is the announced shape of a transfer, persisted next to its chunks so a
// session can be rebuilt after a restart.
type Meta struct {
	Total uint32 `cbor:"1,keyasint"`
	Mode  uint32 `cbor:"2,keyasint,omitempty"`
}

// Store is a content-addressed chunk store laid out as <root>/<hash>/<index>.
type Store struct {
	root         string
	chunkSize    int
	minFreeBytes uint64

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates the root directory if needed. minFreeBytes of 0 disables the free space check.
func NewStore(root string, chunkSize int, minFreeBytes uint64) (*Store, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d", chunkSize)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &Store{
		root:         root,
		chunkSize:    chunkSize,
		minFreeBytes: minFreeBytes,
		locks:        make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the storage root directory
func (s *Store) Root() string {
	return s.root
}

// ChunkSize returns the size used when splitting local files
func (s *Store) ChunkSize() int {
	return s.chunkSize
}

// NewHash returns the hash function used for content addressing.
func NewHash() hash.Hash {
	h, err := blake2b.New(HashSize, nil)
	if err != nil {
		// only possible with an invalid size or key
		panic(err)
	}
	return h
}

// ValidHash reports whether h looks like a content hash produced by this store.
func ValidHash(h string) bool {
	if len(h) != HashSize*2 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

// HashFile computes the content hash of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFileNotFound, err)
	}
	defer f.Close()

	h := NewHash()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// InitializeFile hashes the file at path and copies every chunk that is not
// already stored. Calling it again for identical content is cheap and yields the same hash.
func (s *Store) InitializeFile(path string) (string, uint32, uint32, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, 0, fmt.Errorf("%w: %v", ErrFileNotFound, err)
	}
	if info.IsDir() {
		return "", 0, 0, fmt.Errorf("%w: %s is a directory", ErrFileNotFound, path)
	}

	hash, err := HashFile(path)
	if err != nil {
		return "", 0, 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", 0, 0, fmt.Errorf("%w: %v", ErrFileNotFound, err)
	}
	defer f.Close()

	lock := s.lock(hash)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(s.hashDir(hash), 0755); err != nil {
		return "", 0, 0, fmt.Errorf("failed to create chunk directory: %w", err)
	}

	buffer := make([]byte, s.chunkSize)
	var index uint32
	for {
		n, err := io.ReadFull(f, buffer)
		if n > 0 {
			if err := s.putChunk(hash, index, buffer[:n]); err != nil {
				return "", 0, 0, err
			}
			index++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return "", 0, 0, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	mode := uint32(info.Mode().Perm())
	if err := s.writeMeta(hash, Meta{Total: index, Mode: mode}); err != nil {
		return "", 0, 0, err
	}
	return hash, index, mode, nil
}

// ChunkExists reports whether chunk index of hash is durably stored.
func (s *Store) ChunkExists(hash string, index uint32) bool {
	info, err := os.Stat(s.chunkPath(hash, index))
	return err == nil && info.Mode().IsRegular()
}

// MissingChunks lists, in ascending order, every index in [0, total) with no chunk on disk.
func (s *Store) MissingChunks(hash string, total uint32) ([]uint32, error) {
	present, err := s.presentChunks(hash)
	if err != nil {
		return nil, err
	}
	missing := make([]uint32, 0)
	for i := uint32(0); i < total; i++ {
		if _, ok := present[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

// StoredChunks lists the chunk indices currently on disk in ascending order.
func (s *Store) StoredChunks(hash string) ([]uint32, error) {
	present, err := s.presentChunks(hash)
	if err != nil {
		return nil, err
	}
	indices := make([]uint32, 0, len(present))
	for i := range present {
		indices = append(indices, i)
	}
	sort.Slice(indices, func(a, b int) bool { return indices[a] < indices[b] })
	return indices, nil
}

func (s *Store) presentChunks(hash string) (map[uint32]struct{}, error) {
	if !ValidHash(hash) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	entries, err := os.ReadDir(s.hashDir(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return map[uint32]struct{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list chunk directory: %w", err)
	}

	present := make(map[uint32]struct{}, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		index, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			continue // meta and temp files
		}
		present[uint32(index)] = struct{}{}
	}
	return present, nil
}

// StoreChunk writes payload into the slot of index. A slot that already holds
// identical bytes is left untouched.
func (s *Store) StoreChunk(hash string, index uint32, payload []byte) error {
	if !ValidHash(hash) {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	lock := s.lock(hash)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(s.hashDir(hash), 0755); err != nil {
		return fmt.Errorf("failed to create chunk directory: %w", err)
	}
	return s.putChunk(hash, index, payload)
}

// ReadChunk returns the stored payload of index.
func (s *Store) ReadChunk(hash string, index uint32) ([]byte, error) {
	if !ValidHash(hash) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	data, err := os.ReadFile(s.chunkPath(hash, index))
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %d of %s: %w", index, hash, err)
	}
	return data, nil
}

// WriteMeta persists the announced chunk count and mode of hash.
func (s *Store) WriteMeta(hash string, meta Meta) error {
	if !ValidHash(hash) {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	lock := s.lock(hash)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(s.hashDir(hash), 0755); err != nil {
		return fmt.Errorf("failed to create chunk directory: %w", err)
	}
	return s.writeMeta(hash, meta)
}

// ReadMeta loads the persisted metadata of hash, or ErrNoMeta.
func (s *Store) ReadMeta(hash string) (Meta, error) {
	var meta Meta
	if !ValidHash(hash) {
		return meta, fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	data, err := os.ReadFile(filepath.Join(s.hashDir(hash), metaFile))
	if errors.Is(err, fs.ErrNotExist) {
		return meta, ErrNoMeta
	}
	if err != nil {
		return meta, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := cbor.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return meta, nil
}

// Reassemble concatenates chunks [0, total) into destPath with the given mode.
// The content is re-hashed on the way and must match hash; on any failure destPath is left untouched.
func (s *Store) Reassemble(hash string, total uint32, destPath string, mode uint32) error {
	missing, err := s.MissingChunks(hash, total)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %d of %d chunks absent", ErrIncompleteTransfer, len(missing), total)
	}

	lock := s.lock(hash)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(destPath)+".part-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	h := NewHash()
	w := io.MultiWriter(tmp, h)
	for i := uint32(0); i < total; i++ {
		chunk, err := os.Open(s.chunkPath(hash, i))
		if err != nil {
			return fmt.Errorf("%w: chunk %d: %v", ErrIncompleteTransfer, i, err)
		}
		_, err = io.Copy(w, chunk)
		chunk.Close()
		if err != nil {
			return fmt.Errorf("failed to write data: %w", err)
		}
	}

	if got := hex.EncodeToString(h.Sum(nil)); got != hash {
		return fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, hash, got)
	}
	if mode == 0 {
		mode = 0644
	}
	if err := tmp.Chmod(os.FileMode(mode).Perm()); err != nil {
		return fmt.Errorf("failed to apply mode: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	committed = true
	return nil
}

// Remove deletes the whole chunk directory of hash.
func (s *Store) Remove(hash string) error {
	if !ValidHash(hash) {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	lock := s.lock(hash)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.hashDir(hash)); err != nil {
		return fmt.Errorf("failed to remove chunk directory: %w", err)
	}
	return nil
}

// lock returns the mutex that serializes writers on one hash directory.
func (s *Store) lock(hash string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[hash]
	if !ok {
		l = &sync.Mutex{}
		s.locks[hash] = l
	}
	return l
}

func (s *Store) checkCapacity() error {
	if s.minFreeBytes == 0 {
		return nil
	}
	usage, err := disk.Usage(s.root)
	if err != nil {
		return fmt.Errorf("failed to query free space: %w", err)
	}
	if usage.Free < s.minFreeBytes {
		return fmt.Errorf("%w: %d bytes free", ErrStorageFull, usage.Free)
	}
	return nil
}

// putChunk writes a chunk unless the slot already holds the same bytes. The
// write goes through a temp file so a crash never leaves a partial file that
// looks present. Callers hold the hash lock.
func (s *Store) putChunk(hash string, index uint32, payload []byte) error {
	path := s.chunkPath(hash, index)
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, payload) {
		return nil
	}
	if err := s.checkCapacity(); err != nil {
		return err
	}
	return s.writeAtomic(path, payload)
}

func (s *Store) writeMeta(hash string, meta Meta) error {
	data, err := cbor.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	return s.writeAtomic(filepath.Join(s.hashDir(hash), metaFile), data)
}

func (s *Store) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

func (s *Store) hashDir(hash string) string {
	return filepath.Join(s.root, hash)
}

func (s *Store) chunkPath(hash string, index uint32) string {
	return filepath.Join(s.root, hash, strconv.FormatUint(uint64(index), 10))
}

package runtime

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/natefinch/atomic"
	"github.com/zeebo/blake3"
)

// Bucket carries one compiled artifact between the environment and a
// BytecodeCache. A fresh bucket is built for every resolution attempt.
type Bucket struct {
	// Key identifies the template (name plus origin).
	Key string
	// Checksum identifies the source text the artifact must match.
	Checksum string
	// Artifact holds the encoded program, or nil after a miss.
	Artifact []byte
}

// NewBucket builds the bucket for a template source.
func NewBucket(name, origin, source string) *Bucket {
	return &Bucket{
		Key:      BucketKey(name, origin),
		Checksum: SourceChecksum(source),
	}
}

// Reset drops the artifact so the bucket reads as a miss.
func (b *Bucket) Reset() {
	b.Artifact = nil
}

// BucketKey derives the cache key of a template from its name and origin.
// Both parts are length prefixed so no name/origin split can collide.
func BucketKey(name, origin string) string {
	h := blake3.New()
	var size [binary.MaxVarintLen64]byte
	for _, part := range []string{name, origin} {
		h.Write(size[:binary.PutUvarint(size[:], uint64(len(part)))])
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SourceChecksum returns the hex blake3 digest of source.
func SourceChecksum(source string) string {
	sum := blake3.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// BytecodeCache persists compiled artifacts between environments and
// process runs. A miss is not an error: Load leaves Artifact nil.
type BytecodeCache interface {
	// Load fills bucket.Artifact when an entry for bucket.Key exists and was
	// stored with the same checksum.
	Load(ctx context.Context, bucket *Bucket) error

	// Store persists bucket.Artifact under bucket.Key.
	Store(ctx context.Context, bucket *Bucket) error
}

// Clearer is implemented by caches that can drop every entry.
type Clearer interface {
	Clear(ctx context.Context) error
}

// bucketRecord is the persisted form of a bucket.
type bucketRecord struct {
	Checksum string `cbor:"1,keyasint"`
	Artifact []byte `cbor:"2,keyasint"`
}

var (
	recordEncMode cbor.EncMode
	recordDecMode cbor.DecMode
)

func init() {
	var err error
	recordEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("runtime: CBOR encoder initialization failed: " + err.Error())
	}
	recordDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("runtime: CBOR decoder initialization failed: " + err.Error())
	}
}

// MarshalBucket encodes the checksum and artifact of a bucket for storage.
func MarshalBucket(bucket *Bucket) ([]byte, error) {
	if bucket.Artifact == nil {
		return nil, errors.New("bucket has no artifact")
	}
	return recordEncMode.Marshal(bucketRecord{Checksum: bucket.Checksum, Artifact: bucket.Artifact})
}

// UnmarshalBucket fills bucket from data written by MarshalBucket. It
// reports false, leaving the bucket empty, when data is corrupt or was
// stored for a different checksum.
func UnmarshalBucket(data []byte, bucket *Bucket) bool {
	var record bucketRecord
	if err := recordDecMode.Unmarshal(data, &record); err != nil {
		bucket.Reset()
		return false
	}
	if record.Checksum != bucket.Checksum || len(record.Artifact) == 0 {
		bucket.Reset()
		return false
	}
	bucket.Artifact = record.Artifact
	return true
}

// MemoryBytecodeCache keeps artifacts in process memory.
type MemoryBytecodeCache struct {
	mu    sync.RWMutex
	items map[string]bucketRecord
}

// NewMemoryBytecodeCache creates an empty bytecode cache backed by memory.
func NewMemoryBytecodeCache() *MemoryBytecodeCache {
	return &MemoryBytecodeCache{items: make(map[string]bucketRecord)}
}

func (c *MemoryBytecodeCache) Load(_ context.Context, bucket *Bucket) error {
	c.mu.RLock()
	record, ok := c.items[bucket.Key]
	c.mu.RUnlock()

	if !ok || record.Checksum != bucket.Checksum {
		bucket.Reset()
		return nil
	}
	bucket.Artifact = append([]byte(nil), record.Artifact...)
	return nil
}

func (c *MemoryBytecodeCache) Store(_ context.Context, bucket *Bucket) error {
	if bucket.Artifact == nil {
		return errors.New("bucket has no artifact")
	}
	c.mu.Lock()
	c.items[bucket.Key] = bucketRecord{
		Checksum: bucket.Checksum,
		Artifact: append([]byte(nil), bucket.Artifact...),
	}
	c.mu.Unlock()
	return nil
}

// Remove deletes the entry for key, ignoring missing entries.
func (c *MemoryBytecodeCache) Remove(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Len returns the number of stored artifacts.
func (c *MemoryBytecodeCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *MemoryBytecodeCache) Clear(context.Context) error {
	c.mu.Lock()
	c.items = make(map[string]bucketRecord)
	c.mu.Unlock()
	return nil
}

const (
	fsCachePrefix = "__asyncjinja_"
	fsCacheSuffix = ".cache"
)

// FileSystemBytecodeCache stores one file per bucket key in a directory.
// Unreadable or corrupt files are treated as misses.
type FileSystemBytecodeCache struct {
	dir string
}

// NewFileSystemBytecodeCache creates a cache in dir. An empty dir selects a
// private directory below the system temp dir.
func NewFileSystemBytecodeCache(dir string) (*FileSystemBytecodeCache, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), fmt.Sprintf("_asyncjinja-cache-%d", os.Getuid()))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create bytecode cache dir %s: %w", dir, err)
	}
	return &FileSystemBytecodeCache{dir: dir}, nil
}

// Dir returns the cache directory.
func (c *FileSystemBytecodeCache) Dir() string {
	return c.dir
}

func (c *FileSystemBytecodeCache) path(key string) string {
	return filepath.Join(c.dir, fsCachePrefix+key+fsCacheSuffix)
}

func (c *FileSystemBytecodeCache) Load(ctx context.Context, bucket *Bucket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(c.path(bucket.Key))
	if err != nil {
		bucket.Reset()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	UnmarshalBucket(data, bucket)
	return nil
}

func (c *FileSystemBytecodeCache) Store(ctx context.Context, bucket *Bucket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := MarshalBucket(bucket)
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(c.path(bucket.Key), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Clear removes every cache file in the directory. Other files are left
// alone.
func (c *FileSystemBytecodeCache) Clear(ctx context.Context) error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, fsCachePrefix) || !strings.HasSuffix(name, fsCacheSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

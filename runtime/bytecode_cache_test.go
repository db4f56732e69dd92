package runtime

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/deicod/asyncjinja/compiler"
)

func TestBucketKeyIncludesOrigin(t *testing.T) {
	if BucketKey("page", "") == BucketKey("page", "/srv/page") {
		t.Fatal("expected origin to change the key")
	}
	if BucketKey("page", "/a") != BucketKey("page", "/a") {
		t.Fatal("expected keys to be stable")
	}
	if SourceChecksum("a") == SourceChecksum("b") {
		t.Fatal("expected different sources to have different checksums")
	}
}

func TestBucketKeySeparatesNameAndOrigin(t *testing.T) {
	if BucketKey("a|b", "") == BucketKey("a", "b") {
		t.Fatal("expected a separator in the name not to collide with an origin")
	}
	if BucketKey("ab", "") == BucketKey("a", "b") {
		t.Fatal("expected the name/origin split to change the key")
	}
	if BucketKey("", "page") == BucketKey("page", "") {
		t.Fatal("expected an empty name to differ from an empty origin")
	}
}

func TestMarshalBucketRoundTrip(t *testing.T) {
	bucket := NewBucket("page", "", "source")
	bucket.Artifact = []byte("compiled")
	data, err := MarshalBucket(bucket)
	if err != nil {
		t.Fatalf("MarshalBucket failed: %v", err)
	}

	fresh := NewBucket("page", "", "source")
	if !UnmarshalBucket(data, fresh) || !bytes.Equal(fresh.Artifact, []byte("compiled")) {
		t.Fatalf("expected round trip, got %q", fresh.Artifact)
	}

	changed := NewBucket("page", "", "other source")
	if UnmarshalBucket(data, changed) || changed.Artifact != nil {
		t.Fatal("expected a checksum mismatch to read as a miss")
	}
	corrupt := NewBucket("page", "", "source")
	corrupt.Artifact = []byte("stale")
	if UnmarshalBucket([]byte{0xff, 0x00}, corrupt) || corrupt.Artifact != nil {
		t.Fatal("expected corrupt data to reset the bucket")
	}

	if _, err := MarshalBucket(NewBucket("empty", "", "")); err == nil {
		t.Fatal("expected an empty bucket to be rejected")
	}
}

func TestMemoryBytecodeCache(t *testing.T) {
	cache := NewMemoryBytecodeCache()
	ctx := context.Background()

	stored := NewBucket("page", "", "v1")
	stored.Artifact = []byte("artifact")
	if err := cache.Store(ctx, stored); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	stored.Artifact[0] = 'X'

	hit := NewBucket("page", "", "v1")
	if err := cache.Load(ctx, hit); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(hit.Artifact) != "artifact" {
		t.Fatalf("expected stored copy, got %q", hit.Artifact)
	}

	miss := NewBucket("page", "", "v2")
	if err := cache.Load(ctx, miss); err != nil || miss.Artifact != nil {
		t.Fatalf("expected a miss for changed source, got %q %v", miss.Artifact, err)
	}

	if cache.Len() != 1 {
		t.Fatalf("expected one entry, got %d", cache.Len())
	}
	cache.Remove(hit.Key)
	if cache.Len() != 0 {
		t.Fatalf("expected Remove to drop the entry, got %d", cache.Len())
	}

	if err := cache.Store(ctx, stored); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := cache.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if cache.Len() != 0 {
		t.Fatalf("expected Clear to empty the cache, got %d", cache.Len())
	}
}

func TestFileSystemBytecodeCache(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewFileSystemBytecodeCache(dir)
	if err != nil {
		t.Fatalf("NewFileSystemBytecodeCache failed: %v", err)
	}
	ctx := context.Background()

	miss := NewBucket("page", "", "v1")
	if err := cache.Load(ctx, miss); err != nil || miss.Artifact != nil {
		t.Fatalf("expected a clean miss, got %q %v", miss.Artifact, err)
	}

	stored := NewBucket("page", "", "v1")
	stored.Artifact = []byte("artifact")
	if err := cache.Store(ctx, stored); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	hit := NewBucket("page", "", "v1")
	if err := cache.Load(ctx, hit); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(hit.Artifact) != "artifact" {
		t.Fatalf("unexpected artifact %q", hit.Artifact)
	}

	if err := os.WriteFile(cache.path(stored.Key), []byte("garbage"), 0o600); err != nil {
		t.Fatalf("corrupt cache file: %v", err)
	}
	corrupt := NewBucket("page", "", "v1")
	if err := cache.Load(ctx, corrupt); err != nil || corrupt.Artifact != nil {
		t.Fatalf("expected a corrupt file to read as a miss, got %q %v", corrupt.Artifact, err)
	}

	unrelated := filepath.Join(dir, "keep.txt")
	if err := os.WriteFile(unrelated, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := cache.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, err := os.Stat(cache.path(stored.Key)); !os.IsNotExist(err) {
		t.Fatalf("expected cache file to be removed, got %v", err)
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Fatalf("expected unrelated file to survive Clear: %v", err)
	}
}

func TestFileSystemBytecodeCacheSharedBetweenEnvironments(t *testing.T) {
	cache, err := NewFileSystemBytecodeCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemBytecodeCache failed: %v", err)
	}
	templates := map[string]string{"page": "{% for x in items %}{{ x }}{% endfor %}"}
	vars := map[string]interface{}{"items": []int{1, 2}}

	first, _ := newMapEnv(t, templates, WithBytecodeCache(cache))
	if got := renderName(t, first, "page", vars); got != "12" {
		t.Fatalf("unexpected output %q", got)
	}

	counting := &countingCache{BytecodeCache: cache}
	second, _ := newMapEnv(t, templates, WithBytecodeCache(counting))
	if got := renderName(t, second, "page", vars); got != "12" {
		t.Fatalf("unexpected output %q", got)
	}
	if counting.hits.Load() != 1 || counting.stores.Load() != 0 {
		t.Fatalf("expected a cache hit without a store, got hits=%d stores=%d", counting.hits.Load(), counting.stores.Load())
	}
}

func TestBytecodeCacheRoundTripKeepsProgram(t *testing.T) {
	cache := NewMemoryBytecodeCache()
	templates := map[string]string{
		"page": `{% set ns = namespace(total=0.5) %}{% for x in [1.25, 2.5] %}{% set ns.total = ns.total + x %}{% endfor %}` +
			`{{ ns.total }}|{{ [2.5][0] }}|{{ "2.5" }}|{{ 3 is odd }}`,
	}

	first, _ := newMapEnv(t, templates, WithBytecodeCache(cache))
	compiled, err := first.GetTemplate(context.Background(), "page", "", nil)
	if err != nil {
		t.Fatalf("GetTemplate failed: %v", err)
	}
	want, err := compiled.Render(context.Background(), nil)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if want != "4.25|2.5|2.5|True" {
		t.Fatalf("unexpected output %q", want)
	}

	counting := &countingCache{BytecodeCache: cache}
	second, _ := newMapEnv(t, templates, WithBytecodeCache(counting))
	restored, err := second.GetTemplate(context.Background(), "page", "", nil)
	if err != nil {
		t.Fatalf("GetTemplate from cache failed: %v", err)
	}
	if counting.hits.Load() != 1 {
		t.Fatalf("expected a cache hit, got %d", counting.hits.Load())
	}

	listing, err := compiler.Emit(restored.Program())
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if listing != compiled.Program().Source {
		t.Fatalf("listing differs after the cache round trip:\n%s\n---\n%s", compiled.Program().Source, listing)
	}
	got, err := restored.Render(context.Background(), nil)
	if err != nil {
		t.Fatalf("Render from cache failed: %v", err)
	}
	if got != want {
		t.Fatalf("expected %q after the cache round trip, got %q", want, got)
	}
}

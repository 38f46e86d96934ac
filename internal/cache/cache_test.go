package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/engramdb/engram/internal/vecmath"
)

func TestCacheGetPut(t *testing.T) {
	c := New[string](8)

	if _, ok := c.Get(1, 1); ok {
		t.Fatal("Get on empty cache reported a hit")
	}
	c.Put(1, 1, "hello")
	v, ok := c.Get(1, 1)
	if !ok || v != "hello" {
		t.Fatalf("Get = (%q, %v), want (hello, true)", v, ok)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestCacheEpochMismatchDropsEntry(t *testing.T) {
	c := New[string](8)
	c.Put(1, 1, "stale")

	if _, ok := c.Get(1, 2); ok {
		t.Fatal("entry from epoch 1 served at epoch 2")
	}
	if c.Len() != 0 {
		t.Errorf("stale entry not dropped, Len = %d", c.Len())
	}
	// The entry is gone for good, not hidden behind the newer epoch.
	if _, ok := c.Get(1, 1); ok {
		t.Error("dropped entry served again at its original epoch")
	}
}

func TestCacheUpdateExisting(t *testing.T) {
	c := New[string](8)
	c.Put(1, 1, "old")
	c.Put(1, 2, "new")

	if c.Len() != 1 {
		t.Fatalf("Len = %d after overwrite, want 1", c.Len())
	}
	v, ok := c.Get(1, 2)
	if !ok || v != "new" {
		t.Errorf("Get = (%q, %v), want (new, true)", v, ok)
	}
}

func TestCacheLRUEviction(t *testing.T) {
	c := New[string](2)
	c.Put(1, 1, "a")
	c.Put(2, 1, "b")

	// Touch key 1 so key 2 becomes the eviction candidate.
	if _, ok := c.Get(1, 1); !ok {
		t.Fatal("expected hit for key 1")
	}
	c.Put(3, 1, "c")

	if _, ok := c.Get(2, 1); ok {
		t.Error("least recently used entry survived eviction")
	}
	if _, ok := c.Get(1, 1); !ok {
		t.Error("recently touched entry was evicted")
	}
	if _, ok := c.Get(3, 1); !ok {
		t.Error("newest entry was evicted")
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Errorf("evictions = %d, want 1", got)
	}
}

func TestCacheStatsCounts(t *testing.T) {
	c := New[string](8)

	c.Get(1, 1) // miss
	c.Put(1, 1, "a")
	c.Get(1, 1) // hit
	c.Get(1, 2) // stale epoch, miss

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 2 || s.Evictions != 0 {
		t.Errorf("stats = %+v, want 1 hit, 2 misses, 0 evictions", s)
	}
}

func TestCachePurge(t *testing.T) {
	c := New[string](8)
	c.Put(1, 1, "a")
	c.Put(2, 1, "b")
	c.Get(1, 1)

	c.Purge()
	if c.Len() != 0 {
		t.Errorf("Len = %d after Purge, want 0", c.Len())
	}
	if s := c.Stats(); s.Hits != 1 {
		t.Errorf("Purge reset counters: %+v", s)
	}
}

func TestCacheGetOrComputeSequential(t *testing.T) {
	c := New[string](8)
	calls := 0
	compute := func() (string, error) {
		calls++
		return "value", nil
	}

	v, hit, err := c.GetOrCompute(9, 3, compute)
	if err != nil || hit || v != "value" {
		t.Fatalf("first GetOrCompute = (%q, %v, %v)", v, hit, err)
	}
	v, hit, err = c.GetOrCompute(9, 3, compute)
	if err != nil || !hit || v != "value" {
		t.Fatalf("second GetOrCompute = (%q, %v, %v), want cache hit", v, hit, err)
	}
	if calls != 1 {
		t.Errorf("compute ran %d times, want 1", calls)
	}
}

func TestCacheGetOrComputeError(t *testing.T) {
	c := New[string](8)
	boom := errors.New("boom")

	_, _, err := c.GetOrCompute(9, 3, func() (string, error) { return "", boom })
	if !errors.Is(err, boom) {
		t.Fatalf("GetOrCompute error = %v, want boom", err)
	}
	if c.Len() != 0 {
		t.Error("failed compute left an entry behind")
	}
}

func TestCacheGetOrComputeConcurrent(t *testing.T) {
	c := New[string](8)
	var calls int32
	start := make(chan struct{})
	release := make(chan struct{})

	const waiters = 8
	results := make([]string, waiters)
	errs := make([]error, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], _, errs[i] = c.GetOrCompute(7, 1, func() (string, error) {
				atomic.AddInt32(&calls, 1)
				<-release
				return "computed", nil
			})
		}(i)
	}
	close(start)
	// Give every waiter time to join the in-flight compute before it finishes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("compute ran %d times, want 1", n)
	}
	for i := 0; i < waiters; i++ {
		if errs[i] != nil {
			t.Fatalf("waiter %d: %v", i, errs[i])
		}
		if results[i] != "computed" {
			t.Errorf("waiter %d got %q", i, results[i])
		}
	}
}

func TestKeyFilterOrderIndependence(t *testing.T) {
	q := []float32{0.1, 0.2, 0.3}

	a := Key("col", q, 5, vecmath.Cosine, map[string]any{"lang": "go", "year": int64(2024)})
	b := Key("col", q, 5, vecmath.Cosine, map[string]any{"year": int64(2024), "lang": "go"})
	if a != b {
		t.Error("filter key order changed the hash")
	}
}

func TestKeyDiscriminates(t *testing.T) {
	q := []float32{0.1, 0.2, 0.3}
	base := Key("col", q, 5, vecmath.Cosine, map[string]any{"lang": "go"})

	variants := map[string]uint64{
		"collection":  Key("other", q, 5, vecmath.Cosine, map[string]any{"lang": "go"}),
		"query":       Key("col", []float32{0.1, 0.2, 0.4}, 5, vecmath.Cosine, map[string]any{"lang": "go"}),
		"k":           Key("col", q, 6, vecmath.Cosine, map[string]any{"lang": "go"}),
		"metric":      Key("col", q, 5, vecmath.Euclidean, map[string]any{"lang": "go"}),
		"filter":      Key("col", q, 5, vecmath.Cosine, map[string]any{"lang": "rust"}),
		"no filter":   Key("col", q, 5, vecmath.Cosine, nil),
		"value type":  Key("col", q, 5, vecmath.Cosine, map[string]any{"lang": 1}),
		"string type": Key("col", q, 5, vecmath.Cosine, map[string]any{"lang": "1"}),
	}
	for name, h := range variants {
		if h == base {
			t.Errorf("changing %s did not change the hash", name)
		}
	}

	if variants["value type"] == variants["string type"] {
		t.Error("int 1 and string \"1\" hash identically")
	}
}

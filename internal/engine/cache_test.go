package engine

import (
	"strconv"
	"testing"
	"time"
)

func TestResultCacheHitAndMiss(t *testing.T) {
	c := NewResultCache(time.Minute, 16)

	if _, ok := c.Get("fp", "git push", "/wd"); ok {
		t.Error("empty cache reported a hit")
	}

	c.Put("fp", "git push", "/wd", true)
	v, ok := c.Get("fp", "git push", "/wd")
	if !ok || !v {
		t.Errorf("Get = (%t, %t), want (true, true)", v, ok)
	}

	// Any key component differing is a miss.
	if _, ok := c.Get("fp2", "git push", "/wd"); ok {
		t.Error("different fingerprint hit")
	}
	if _, ok := c.Get("fp", "git pull", "/wd"); ok {
		t.Error("different command hit")
	}
	if _, ok := c.Get("fp", "git push", "/other"); ok {
		t.Error("different working dir hit")
	}
}

func TestResultCacheTTLExpiry(t *testing.T) {
	c := NewResultCache(time.Second, 16)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.Put("fp", "cmd", "/wd", true)

	c.now = func() time.Time { return base.Add(999 * time.Millisecond) }
	if _, ok := c.Get("fp", "cmd", "/wd"); !ok {
		t.Error("entry expired before TTL")
	}

	c.now = func() time.Time { return base.Add(time.Second) }
	if _, ok := c.Get("fp", "cmd", "/wd"); ok {
		t.Error("entry survived past TTL")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not deleted on read: len = %d", c.Len())
	}
}

func TestResultCacheEviction(t *testing.T) {
	const max = 100
	c := NewResultCache(time.Minute, max)
	base := time.Now()
	i := 0
	c.now = func() time.Time {
		i++
		return base.Add(time.Duration(i) * time.Microsecond)
	}

	for n := 0; n < max; n++ {
		c.Put("fp"+strconv.Itoa(n), "cmd", "/wd", n%2 == 0)
	}
	if c.Len() != max {
		t.Fatalf("len = %d, want %d", c.Len(), max)
	}

	c.Put("overflow", "cmd", "/wd", true)

	want := max - max/evictFraction + 1
	if c.Len() != want {
		t.Errorf("len after eviction = %d, want %d", c.Len(), want)
	}

	// The oldest entries went first.
	if _, ok := c.Get("fp0", "cmd", "/wd"); ok {
		t.Error("oldest entry survived eviction")
	}
	if _, ok := c.Get("fp"+strconv.Itoa(max-1), "cmd", "/wd"); !ok {
		t.Error("newest entry was evicted")
	}
}

func TestResultCacheDefaults(t *testing.T) {
	c := NewResultCache(0, 0)
	if c.ttl != DefaultResultTTL {
		t.Errorf("ttl = %v, want %v", c.ttl, DefaultResultTTL)
	}
	if c.max != DefaultResultCapacity {
		t.Errorf("max = %d, want %d", c.max, DefaultResultCapacity)
	}
}

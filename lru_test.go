package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUCachePutAndGet(t *testing.T) {
	c := NewLRUCache(1024)
	require.True(t, c.Put("a", []byte("1")))
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)
}

func TestLRUCachePutIfAbsent(t *testing.T) {
	c := NewLRUCache(1024)
	assert.True(t, c.PutIfAbsent("a", []byte("1")))
	assert.False(t, c.PutIfAbsent("a", []byte("2")))
	v, _ := c.Get("a")
	assert.Equal(t, []byte("1"), v)
}

func TestLRUCacheSetRequiresExistingKey(t *testing.T) {
	c := NewLRUCache(1024)
	assert.False(t, c.Set("missing", []byte("x")))
	c.Put("a", []byte("1"))
	assert.True(t, c.Set("a", []byte("2")))
	v, _ := c.Get("a")
	assert.Equal(t, []byte("2"), v)
}

func TestLRUCacheDelete(t *testing.T) {
	c := NewLRUCache(1024)
	assert.False(t, c.Delete("missing"))
	c.Put("a", []byte("1"))
	assert.True(t, c.Delete("a"))
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestLRUCacheEvictsLeastRecentlyUsed(t *testing.T) {
	// budget fits exactly two 1-byte key + 1-byte value entries (cost 2 each).
	c := NewLRUCache(4)
	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	// touching "a" makes "b" the least recently used.
	c.Get("a")
	c.Put("c", []byte("3"))

	_, aok := c.Get("a")
	_, bok := c.Get("b")
	_, cok := c.Get("c")
	assert.True(t, aok)
	assert.False(t, bok, "b should have been evicted as LRU")
	assert.True(t, cok)
}

func TestLRUCacheEvictionNotifiesOnEvict(t *testing.T) {
	c := NewLRUCache(4)
	var evicted []string
	c.OnEvict(func(key string) { evicted = append(evicted, key) })
	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	c.Put("c", []byte("3"))
	assert.Equal(t, []string{"a"}, evicted)
}

func TestLRUCacheRejectsOversizedValueWithoutMutating(t *testing.T) {
	c := NewLRUCache(4)
	c.Put("a", []byte("1"))
	ok := c.Put("b", []byte("too big for the budget"))
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
	v, found := c.Get("a")
	assert.True(t, found)
	assert.Equal(t, []byte("1"), v)
}

func TestLRUCacheAppendPrepend(t *testing.T) {
	c := NewLRUCache(1024)
	c.Put("a", []byte("mid"))
	assert.True(t, c.Append("a", []byte("-suffix")))
	assert.True(t, c.Prepend("a", []byte("prefix-")))
	v, _ := c.Get("a")
	assert.Equal(t, []byte("prefix-mid-suffix"), v)
}

func TestLRUCacheAppendMissingKeyFails(t *testing.T) {
	c := NewLRUCache(1024)
	assert.False(t, c.Append("missing", []byte("x")))
}

func TestLRUCacheStoredValueSurvivesCallerBufferReuse(t *testing.T) {
	c := NewLRUCache(1024)
	buf := []byte("original")
	c.Put("a", buf)
	// mutating the caller's buffer after Put must not affect the stored
	// value: Put copies, it never aliases.
	for i := range buf {
		buf[i] = 'x'
	}
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("original"), v)
}

func TestLRUCacheFailedFitLeavesStoreUnchanged(t *testing.T) {
	c := NewLRUCache(6)
	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	sizeBefore := c.Size()
	ok := c.Put("c", []byte("waytoobigtofitatall"))
	assert.False(t, ok)
	assert.Equal(t, sizeBefore, c.Size())
	_, aok := c.Get("a")
	_, bok := c.Get("b")
	assert.True(t, aok)
	assert.True(t, bok)
}

func TestSynchronizedLRUDelegatesToInner(t *testing.T) {
	s := NewSynchronizedLRU(1024)
	assert.True(t, s.Put("a", []byte("1")))
	v, ok := s.Get("a")
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), v)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1024, s.MaxSize())
}

func TestSynchronizedLRUConcurrentAccess(t *testing.T) {
	s := NewSynchronizedLRU(1 << 20)
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 200; j++ {
				s.Put("key", []byte("value"))
				s.Get("key")
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	_, ok := s.Get("key")
	assert.True(t, ok)
}

package session

import "testing"

func TestBoundedCacheEvictsOldestOnOverflow(t *testing.T) {
	c := newBoundedCache[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3) // evicts "a", the oldest inserted

	if _, ok := c.Get("a"); ok {
		t.Fatal("expected \"a\" to be evicted")
	}
	if v, ok := c.Get("b"); !ok || v != 2 {
		t.Fatal("expected \"b\" to remain")
	}
	if v, ok := c.Get("c"); !ok || v != 3 {
		t.Fatal("expected \"c\" to be present")
	}
}

func TestBoundedCacheOverwriteDoesNotReorder(t *testing.T) {
	c := newBoundedCache[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("a", 10) // overwrite, "a" keeps its original insertion slot
	c.Put("c", 3)  // capacity exceeded: "a" is still oldest, gets evicted

	if _, ok := c.Get("a"); ok {
		t.Fatal("expected \"a\" to be evicted despite overwrite")
	}
	if v, ok := c.Get("b"); !ok || v != 2 {
		t.Fatal("expected \"b\" to remain")
	}
}

func TestBoundedCacheDelete(t *testing.T) {
	c := newBoundedCache[string, int](4)
	c.Put("a", 1)
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected \"a\" to be gone after Delete")
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got len %d", c.Len())
	}
}

package flood

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestSeenCache_Observe(t *testing.T) {
	c, err := NewSeenCache(16, 1)
	if err != nil {
		t.Fatal(err)
	}

	if !c.Observe("m1", "a") {
		t.Error("first Observe() = false")
	}
	if c.Observe("m1", "b") {
		t.Error("second Observe() = true")
	}
	if !c.Contains("m1") || c.Contains("m2") {
		t.Error("Contains() mismatch")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}

	c.Clear()
	if c.Len() != 0 || !c.Observe("m1", "a") {
		t.Error("Clear() did not forget ids")
	}
}

func TestSeenCache_Bounded(t *testing.T) {
	c, _ := NewSeenCache(3, 1)
	for i := 0; i < 5; i++ {
		c.Observe(fmt.Sprintf("m%d", i), "a")
	}
	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3", c.Len())
	}
	if c.Contains("m0") || c.Contains("m1") {
		t.Error("oldest ids not evicted")
	}
	if !c.Contains("m4") {
		t.Error("newest id evicted")
	}
}

func TestSeenCache_RecentlySeenSurvives(t *testing.T) {
	c, _ := NewSeenCache(2, 1)
	c.Observe("hot", "a")
	c.Observe("cold", "a")
	c.Observe("hot", "b")
	c.Observe("new", "a")

	if !c.Contains("hot") {
		t.Error("recently observed id evicted")
	}
	if c.Contains("cold") {
		t.Error("least recently observed id kept")
	}
}

func TestSeenCache_TryRelay(t *testing.T) {
	c, _ := NewSeenCache(16, 2)
	c.Observe("m1", "a")

	if !c.TryRelay("m1") || !c.TryRelay("m1") {
		t.Error("relay budget smaller than configured")
	}
	if c.TryRelay("m1") {
		t.Error("relay budget exceeded")
	}

	if !c.TryRelay("unseen") {
		t.Error("TryRelay() for unseen id = false")
	}
	if !c.Contains("unseen") {
		t.Error("TryRelay() did not record the id")
	}
}

func TestSeenCache_Defaults(t *testing.T) {
	c, err := NewSeenCache(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	c.Observe("m", "a")
	if !c.TryRelay("m") || c.TryRelay("m") {
		t.Error("default relay budget is not 1")
	}
}

func TestSeenCache_ConcurrentObserve(t *testing.T) {
	c, _ := NewSeenCache(1024, 1)

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Observe("same", "x") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	if fresh.Load() != 1 {
		t.Errorf("%d goroutines saw the id as new, want 1", fresh.Load())
	}
}

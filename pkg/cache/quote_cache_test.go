package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestSetGet(t *testing.T) {
	c := NewShardedQuoteCache()
	now := time.Now()

	c.Set("AAPL", 187.5, now)

	price, at, ok := c.Get("AAPL")
	if !ok {
		t.Fatal("quote not found")
	}
	if price != 187.5 || !at.Equal(now) {
		t.Errorf("got %v @ %v", price, at)
	}

	if _, _, ok := c.Get("MSFT"); ok {
		t.Error("missing symbol should not be found")
	}
}

func TestOverwriteKeepsLatest(t *testing.T) {
	c := NewShardedQuoteCache()
	c.Set("SPY", 500, time.Now().Add(-time.Minute))
	c.Set("SPY", 501, time.Now())

	price, _, _ := c.Get("SPY")
	if price != 501 {
		t.Errorf("price = %v, want 501", price)
	}
	if c.Len() != 1 {
		t.Errorf("len = %d, want 1", c.Len())
	}
}

func TestCleanup(t *testing.T) {
	c := NewShardedQuoteCache()
	c.Set("OLD", 1, time.Now().Add(-time.Hour))
	c.Set("NEW", 2, time.Now())

	removed := c.Cleanup(time.Minute)
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, _, ok := c.Get("OLD"); ok {
		t.Error("stale entry survived cleanup")
	}
	if _, _, ok := c.Get("NEW"); !ok {
		t.Error("fresh entry was removed")
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := NewShardedQuoteCache()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sym := fmt.Sprintf("SYM%d", n%4)
			for j := 0; j < 100; j++ {
				c.Set(sym, float64(j), time.Now())
				c.Get(sym)
			}
		}(i)
	}
	wg.Wait()

	if c.Len() != 4 {
		t.Errorf("len = %d, want 4", c.Len())
	}
}

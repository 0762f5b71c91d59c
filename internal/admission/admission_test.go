package admission

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestController_exhaust_and_recover(t *testing.T) {
	c := New(3)
	var tickets []*Ticket
	for i := 0; i < 3; i++ {
		tk, err := c.Acquire()
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		tickets = append(tickets, tk)
	}
	if _, err := c.Acquire(); !errors.Is(err, ErrOverloaded) {
		t.Fatalf("expected ErrOverloaded, got %v", err)
	}
	if c.Outstanding() != 3 {
		t.Errorf("expected 3 outstanding, got %d", c.Outstanding())
	}

	c.Release(tickets[0])
	tk, err := c.Acquire()
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	c.Release(tk)
	for _, tk := range tickets[1:] {
		tk.Release()
	}
	if c.Outstanding() != 0 {
		t.Errorf("expected 0 outstanding, got %d", c.Outstanding())
	}
}

func TestController_double_release_is_noop(t *testing.T) {
	c := New(1)
	tk, err := c.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	tk.Release()
	c.Release(tk)
	if c.Outstanding() != 0 {
		t.Errorf("double release corrupted the count: %d", c.Outstanding())
	}

	if _, err := c.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := c.Acquire(); !errors.Is(err, ErrOverloaded) {
		t.Error("a double release must not grant an extra ticket")
	}
}

func TestController_foreign_ticket_ignored(t *testing.T) {
	a, b := New(1), New(1)
	tk, _ := a.Acquire()
	b.Release(tk)
	if a.Outstanding() != 1 {
		t.Error("releasing through another controller should not free the ticket")
	}
	b.Release(nil)
}

func TestController_never_exceeds_max(t *testing.T) {
	const limit = 8
	c := New(limit)
	var inflight, peak, rejected atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				tk, err := c.Acquire()
				if err != nil {
					rejected.Add(1)
					continue
				}
				n := inflight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				inflight.Add(-1)
				tk.Release()
			}
		}()
	}
	wg.Wait()

	if peak.Load() > limit {
		t.Errorf("peak in-flight %d exceeded max %d", peak.Load(), limit)
	}
	if c.Outstanding() != 0 {
		t.Errorf("tickets leaked: %d outstanding", c.Outstanding())
	}
	if c.Max() != limit {
		t.Errorf("Max() = %d", c.Max())
	}
}

func TestNew_clamps_to_one(t *testing.T) {
	if New(0).Max() != 1 {
		t.Error("non-positive max should clamp to 1")
	}
}

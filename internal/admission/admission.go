// Package admission bounds the number of requests served at once.
package admission

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrOverloaded is returned when every ticket is taken.
var ErrOverloaded = errors.New("connection limit reached")

// Controller hands out at most Max tickets at a time. Acquire never blocks.
type Controller struct {
	sem         *semaphore.Weighted
	max         int
	outstanding atomic.Int64
}

// Ticket is one request's claim on the budget.
type Ticket struct {
	c    *Controller
	once sync.Once
}

// New returns a controller admitting up to limit concurrent requests.
func New(limit int) *Controller {
	if limit < 1 {
		limit = 1
	}
	return &Controller{sem: semaphore.NewWeighted(int64(limit)), max: limit}
}

// Acquire claims a ticket or fails with ErrOverloaded.
func (c *Controller) Acquire() (*Ticket, error) {
	if !c.sem.TryAcquire(1) {
		return nil, ErrOverloaded
	}
	c.outstanding.Add(1)
	return &Ticket{c: c}, nil
}

// Release returns t to the budget. Releasing a ticket twice is a no-op.
func (c *Controller) Release(t *Ticket) {
	if t == nil || t.c != c {
		return
	}
	t.Release()
}

// Release returns the ticket to its controller exactly once.
func (t *Ticket) Release() {
	t.once.Do(func() {
		t.c.outstanding.Add(-1)
		t.c.sem.Release(1)
	})
}

// Outstanding reports how many tickets are currently held.
func (c *Controller) Outstanding() int {
	return int(c.outstanding.Load())
}

// Max reports the configured ceiling.
func (c *Controller) Max() int {
	return c.max
}

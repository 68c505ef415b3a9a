// Package display leases virtual display numbers so concurrent headless
// browser sessions never share a display surface.
package display

import (
	"fmt"
	"sync"

	"github.com/browsergrid/browsergrid/pkg/models"
)

// Allocator hands out X display numbers from a fixed range. A display is
// held by at most one live session at a time.
type Allocator struct {
	mu    sync.Mutex
	free  []int
	inUse map[int]string // display number -> holder session id
	total int
}

// NewAllocator creates an allocator covering display numbers
// [first, first+count).
func NewAllocator(first, count int) (*Allocator, error) {
	if first < 0 {
		return nil, fmt.Errorf("first display number must not be negative, got %d", first)
	}
	if count <= 0 {
		return nil, fmt.Errorf("display count must be positive, got %d", count)
	}

	free := make([]int, count)
	for i := range free {
		free[i] = first + i
	}

	return &Allocator{
		free:  free,
		inUse: make(map[int]string, count),
		total: count,
	}, nil
}

// Acquire leases the lowest free display number for the given holder.
// It fails with a resource_exhausted error when the range is fully leased.
func (a *Allocator) Acquire(holder string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.free) == 0 {
		return 0, models.NewError(models.KindResourceExhausted, "all %d displays are leased", a.total)
	}

	id := a.free[0]
	a.free = a.free[1:]
	a.inUse[id] = holder
	return id, nil
}

// Release returns a display number to the free set. Releasing a display
// that is not leased is a no-op, so cleanup paths may call it blindly.
func (a *Allocator) Release(id int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.inUse[id]; !ok {
		return
	}
	delete(a.inUse, id)
	a.free = append(a.free, id)
}

// Holder returns the session id holding the given display, if leased.
func (a *Allocator) Holder(id int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	holder, ok := a.inUse[id]
	return holder, ok
}

// InUse returns the number of currently leased displays.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

// Capacity returns the size of the configured display range.
func (a *Allocator) Capacity() int {
	return a.total
}

// Env formats the DISPLAY environment variable value for a display number.
func Env(id int) string {
	return fmt.Sprintf("DISPLAY=:%d", id)
}

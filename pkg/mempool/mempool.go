// Package mempool provides a fixed-capacity pool of preallocated objects.
//
// All objects are created when the pool is built and live as long as the
// pool does. Get never blocks: an exhausted pool returns ErrEmpty and the
// caller decides whether to retry.
package mempool

import (
	"errors"
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/mlx5-probe/pkg/types"
)

var (
	// ErrEmpty indicates that no object is currently available.
	ErrEmpty = errors.New("mempool is empty")
	// ErrClosed indicates an operation on a closed pool.
	ErrClosed = errors.New("mempool is closed")
)

// Pool is a fixed set of *T handed out and returned by callers.
type Pool[T any] struct {
	name   string
	objs   []*T
	free   chan *T
	closed atomic.Bool
}

// New creates a pool of capacity objects. ctor, if not nil, initializes each
// object once with its index; an error from ctor fails the pool creation.
func New[T any](name string, capacity int, ctor func(obj *T, idx int) error) (*Pool[T], error) {
	if capacity <= 0 {
		return nil, types.Wrap(types.ErrInvalidArgument, fmt.Errorf("mempool %s: capacity %d", name, capacity))
	}

	mp := &Pool[T]{
		name: name,
		objs: make([]*T, capacity),
		free: make(chan *T, capacity),
	}
	backing := make([]T, capacity)
	for i := range backing {
		obj := &backing[i]
		if ctor != nil {
			if err := ctor(obj, i); err != nil {
				return nil, fmt.Errorf("mempool %s: init object %d: %w", name, i, err)
			}
		}
		mp.objs[i] = obj
		mp.free <- obj
	}
	log.Debugf("created mempool %s with %d objects", name, capacity)
	return mp, nil
}

func (mp *Pool[T]) String() string {
	return mp.name
}

// Get takes one object without blocking.
func (mp *Pool[T]) Get() (*T, error) {
	if mp.closed.Load() {
		return nil, ErrClosed
	}
	select {
	case obj := <-mp.free:
		return obj, nil
	default:
		return nil, ErrEmpty
	}
}

// Put returns an object obtained from Get. Returning more objects than were
// taken is a programming error and panics.
func (mp *Pool[T]) Put(obj *T) {
	select {
	case mp.free <- obj:
	default:
		panic(fmt.Sprintf("mempool %s: put beyond capacity", mp.name))
	}
}

// ObjIter calls fn on every object of the pool, whether available or in use.
func (mp *Pool[T]) ObjIter(fn func(obj *T, idx int)) {
	for i, obj := range mp.objs {
		fn(obj, i)
	}
}

// Count returns the pool capacity.
func (mp *Pool[T]) Count() int {
	return len(mp.objs)
}

// Available returns the number of objects that Get can return right now.
func (mp *Pool[T]) Available() int {
	return len(mp.free)
}

// InUse returns the number of objects currently taken.
func (mp *Pool[T]) InUse() int {
	return mp.Count() - mp.Available()
}

// Close releases the pool. Further Get calls fail with ErrClosed.
func (mp *Pool[T]) Close() error {
	if mp == nil || mp.closed.Swap(true) {
		return nil
	}
	if n := mp.InUse(); n > 0 {
		log.Debugf("mempool %s closed with %d objects in use", mp.name, n)
	}
	return nil
}

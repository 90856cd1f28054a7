package host

import (
	"math"
	"sync"

	"github.com/pkg/errors"
	"github.com/vishalkuo/bimap"
)

// registry hands out stream ids. An id stays reserved while its session or
// any handle referencing it is alive, so it is never reused under a live
// receiver.
type registry struct {
	mu      sync.Mutex
	next    uint32
	maxID   uint32
	refs    map[uint32]int
	regions *bimap.BiMap[string, uint32]
}

func newRegistry() *registry {
	return &registry{
		next:    1,
		maxID:   math.MaxUint32,
		refs:    make(map[uint32]int),
		regions: bimap.NewBiMap[string, uint32](),
	}
}

// reserve allocates an id for region with two references: one for the
// session, one for the handle given to the caller.
func (r *registry) reserve(region string) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.regions.Get(region); ok {
		return 0, errors.Wrapf(ErrStreamExists, "region %s is stream %d", region, id)
	}
	if uint64(len(r.refs)) >= uint64(r.maxID) {
		return 0, errors.Wrap(ErrMaxStreams, "id space exhausted")
	}
	for {
		id := r.next
		if r.next >= r.maxID {
			r.next = 1
		} else {
			r.next++
		}
		if _, live := r.refs[id]; live {
			continue
		}
		r.refs[id] = 2
		r.regions.Insert(region, id)
		return id, nil
	}
}

// release drops one reference and frees the id with the last one.
func (r *registry) release(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.refs[id]
	if !ok {
		return
	}
	if n > 1 {
		r.refs[id] = n - 1
		return
	}
	delete(r.refs, id)
	r.dropRegion(id)
}

func (r *registry) dropRegion(id uint32) {
	if region, ok := r.regions.GetInverse(id); ok {
		r.regions.Delete(region)
	}
}

// forgetRegion lets the region be captured again while the old id is still
// referenced.
func (r *registry) forgetRegion(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropRegion(id)
}

func (r *registry) streamFor(region string) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.regions.Get(region)
}

func (r *registry) live(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.refs[id]
	return ok
}

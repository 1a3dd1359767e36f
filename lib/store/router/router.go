package router

import (
	"bytes"
	"sync"

	"github.com/ValentinKolb/bKV/lib/redis"
	"github.com/ValentinKolb/bKV/lib/store"
	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("router")

var (
	// ErrOverlap is returned when a region overlaps one that is already routed
	ErrOverlap = errors.New("region overlaps a routed region")
	// ErrEmptyRegion is returned for regions without keys
	ErrEmptyRegion = errors.New("region is empty")
	// ErrNoRegion is returned for keys no routed region contains
	ErrNoRegion = errors.New("no region contains key")
	// ErrCrossRegion is returned for commands whose keys live in different regions
	ErrCrossRegion = errors.New("keys belong to different regions")
)

// degree of the region tree
const degree = 8

type entry struct {
	region store.Region
	store  store.IStore
}

func less(a, b entry) bool {
	return bytes.Compare(a.region.Start, b.region.Start) < 0
}

// Router maps keys to the store owning them. Routed regions never overlap.
// It is safe for concurrent use.
type Router struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[entry]
}

// New returns an empty router
func New() *Router {
	return &Router{tree: btree.NewG[entry](degree, less)}
}

// Add routes the region of s to s
func (r *Router) Add(s store.IStore) error {
	region := s.Region()
	if region.Empty() {
		return errors.Wrapf(ErrEmptyRegion, "%s", region)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if other, ok := r.overlapping(region); ok {
		return errors.Wrapf(ErrOverlap, "%s and %s", region, other.region)
	}
	r.tree.ReplaceOrInsert(entry{region: region, store: s})
	log.Infof("Routing region %s", region)
	return nil
}

// overlapping returns a routed entry overlapping region. r.mu must be held.
func (r *Router) overlapping(region store.Region) (entry, bool) {
	pivot := entry{region: store.Region{Start: region.Start}}
	var found entry
	ok := false
	// the closest region starting at or before region.Start
	r.tree.DescendLessOrEqual(pivot, func(e entry) bool {
		if e.region.Overlaps(region) {
			found, ok = e, true
		}
		return false
	})
	if ok {
		return found, true
	}
	// the first region starting after region.Start
	r.tree.AscendGreaterOrEqual(pivot, func(e entry) bool {
		if e.region.Overlaps(region) {
			found, ok = e, true
		}
		return false
	})
	return found, ok
}

// Remove stops routing the region starting with exactly region and returns its store
func (r *Router) Remove(region store.Region) (store.IStore, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tree.Get(entry{region: region})
	if !ok || !e.region.Equal(region) {
		return nil, false
	}
	r.tree.Delete(e)
	log.Infof("Removed region %s", region)
	return e.store, true
}

// Lookup returns the store whose region contains key
func (r *Router) Lookup(key []byte) (store.IStore, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found store.IStore
	r.tree.DescendLessOrEqual(entry{region: store.Region{Start: key}}, func(e entry) bool {
		if e.region.Contains(key) {
			found = e.store
		}
		return false
	})
	return found, found != nil
}

// Route returns the store owning every key of cmd. Commands without keys have no single
// owner and fail with ErrNoRegion, see Stores.
func (r *Router) Route(cmd redis.Command) (store.IStore, error) {
	spec, ok := redis.Lookup(cmd.Name)
	if !ok || !spec.CheckArity(cmd) {
		// the store answers with the proper redis error
		if len(cmd.Args) > 0 {
			if s, ok := r.Lookup(cmd.Args[0]); ok {
				return s, nil
			}
		}
		return nil, errors.Wrapf(ErrNoRegion, "%s", cmd.Name)
	}

	keys := spec.Keys(cmd)
	if len(keys) == 0 {
		return nil, errors.Wrapf(ErrNoRegion, "%s has no key arguments", spec.Name)
	}
	owner, ok := r.Lookup(keys[0])
	if !ok {
		return nil, errors.Wrapf(ErrNoRegion, "%q", keys[0])
	}
	region := owner.Region()
	for _, key := range keys[1:] {
		if !region.Contains(key) {
			return nil, errors.Wrapf(ErrCrossRegion, "%q and %q", keys[0], key)
		}
	}
	return owner, nil
}

// Stores returns all routed stores ordered by region
func (r *Router) Stores() []store.IStore {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]store.IStore, 0, r.tree.Len())
	r.tree.Ascend(func(e entry) bool {
		out = append(out, e.store)
		return true
	})
	return out
}

// Len returns the number of routed regions
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tree.Len()
}

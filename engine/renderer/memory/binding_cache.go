package memory

import (
	"sync"

	"github.com/google/uuid"

	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/resource"
)

// BindingCache shares binding sets between draws with structurally equal
// descriptions. An entry is evicted as soon as one of the resources it
// refers to is released; the evicted set itself goes to the releaser.
type BindingCache struct {
	mutex   sync.Mutex
	entries map[string]*resource.Handle[*device.BindingSet]
	// byResource maps a resource id to the keys of the entries using it.
	byResource map[uuid.UUID]map[string]struct{}
	hits       uint64
	misses     uint64
	releaser   func(...resource.Releaser)
}

var _ device.BindingResolver = (*BindingCache)(nil)

func NewBindingCache(tracker *resource.Tracker) *BindingCache {
	c := &BindingCache{
		entries:    make(map[string]*resource.Handle[*device.BindingSet]),
		byResource: make(map[uuid.UUID]map[string]struct{}),
	}
	tracker.OnRelease(c.evict)
	return c
}

// SetReleaser routes evicted binding sets to fn, usually the Defer of the
// frame being recorded, so a set the GPU may still read outlives its fence.
// A nil fn releases evicted sets at once.
func (c *BindingCache) SetReleaser(fn func(...resource.Releaser)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.releaser = fn
}

// Resolve returns the cached binding set for desc or creates it.
func (c *BindingCache) Resolve(desc device.BindingSetDescription, create func() (*resource.Handle[*device.BindingSet], error)) (*resource.Handle[*device.BindingSet], error) {
	key := desc.Key()

	c.mutex.Lock()
	if set, ok := c.entries[key]; ok && set.Valid() {
		c.hits++
		c.mutex.Unlock()
		return set, nil
	}
	c.misses++
	c.mutex.Unlock()

	set, err := create()
	if err != nil {
		return nil, err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries[key] = set
	for _, id := range desc.Resources() {
		keys, ok := c.byResource[id]
		if !ok {
			keys = make(map[string]struct{})
			c.byResource[id] = keys
		}
		keys[key] = struct{}{}
	}
	return set, nil
}

func (c *BindingCache) evict(id uuid.UUID) {
	c.mutex.Lock()
	keys, ok := c.byResource[id]
	if !ok {
		c.mutex.Unlock()
		return
	}
	delete(c.byResource, id)
	var stale []resource.Releaser
	for key := range keys {
		if set, ok := c.entries[key]; ok {
			stale = append(stale, set)
			delete(c.entries, key)
		}
	}
	releaser := c.releaser
	c.mutex.Unlock()

	if len(stale) == 0 {
		return
	}
	if releaser != nil {
		releaser(stale...)
		return
	}
	// Releasing a set fires the tracker hooks again, so it happens unlocked.
	resource.ReleaseAll(stale...)
}

func (c *BindingCache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.entries)
}

func (c *BindingCache) Hits() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.hits
}

func (c *BindingCache) Misses() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.misses
}

// Trim drops entries whose binding set is no longer valid and forgets
// resources no entry refers to.
func (c *BindingCache) Trim() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	removed := 0
	for key, set := range c.entries {
		if !set.Valid() {
			delete(c.entries, key)
			removed++
		}
	}
	for id, keys := range c.byResource {
		for key := range keys {
			if _, ok := c.entries[key]; !ok {
				delete(keys, key)
			}
		}
		if len(keys) == 0 {
			delete(c.byResource, id)
		}
	}
	return removed
}

// Clear releases every cached binding set.
func (c *BindingCache) Clear() {
	c.mutex.Lock()
	sets := make([]*resource.Handle[*device.BindingSet], 0, len(c.entries))
	for _, set := range c.entries {
		sets = append(sets, set)
	}
	clear(c.entries)
	clear(c.byResource)
	c.mutex.Unlock()

	for _, set := range sets {
		set.Release()
	}
	if len(sets) > 0 {
		core.LogDebug("binding cache cleared %d sets", len(sets))
	}
}

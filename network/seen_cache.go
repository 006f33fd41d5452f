package network

// seenCache remembers the last capacity message ids in insertion order. Lookups do not
// refresh an entry, so the oldest id is always the next one evicted. A message replayed
// after its id was evicted is treated as new.
type seenCache struct {
	ring []string
	next int
	set  map[string]struct{}
}

func newSeenCache(capacity int) *seenCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &seenCache{
		ring: make([]string, 0, capacity),
		set:  make(map[string]struct{}, capacity),
	}
}

func (c *seenCache) Has(id string) bool {
	_, ok := c.set[id]
	return ok
}

// Add records id and reports whether it was new.
func (c *seenCache) Add(id string) bool {
	if c.Has(id) {
		return false
	}
	if len(c.ring) < cap(c.ring) {
		c.ring = append(c.ring, id)
	} else {
		delete(c.set, c.ring[c.next])
		c.ring[c.next] = id
		c.next = (c.next + 1) % len(c.ring)
	}
	c.set[id] = struct{}{}
	return true
}

func (c *seenCache) Len() int {
	return len(c.set)
}

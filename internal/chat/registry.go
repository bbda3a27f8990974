package chat

// registry is the fixed-capacity slot table. It is owned by the dispatcher
// goroutine and never touched by isolates.
type registry struct {
	slots []*client
	count int
}

func newRegistry(capacity int) *registry {
	return &registry{slots: make([]*client, capacity)}
}

// claim stores c in the lowest free slot.
func (r *registry) claim(c *client) (int, error) {
	for i, occupant := range r.slots {
		if occupant == nil {
			r.slots[i] = c
			c.slot = i
			r.count++
			return i, nil
		}
	}
	return -1, ErrRegistryFull
}

func (r *registry) release(slot int) *client {
	if slot < 0 || slot >= len(r.slots) {
		return nil
	}
	c := r.slots[slot]
	if c != nil {
		r.slots[slot] = nil
		r.count--
	}
	return c
}

func (r *registry) lookup(handle uint64) (*client, bool) {
	for _, c := range r.slots {
		if c != nil && c.handle == handle {
			return c, true
		}
	}
	return nil, false
}

// each visits occupied slots in index order.
func (r *registry) each(fn func(*client)) {
	for _, c := range r.slots {
		if c != nil {
			fn(c)
		}
	}
}

func (r *registry) len() int {
	return r.count
}

func (r *registry) cap() int {
	return len(r.slots)
}

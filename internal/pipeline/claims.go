package pipeline

import "sync"

// claims tracks which file each assigned identifier belongs to, so files
// processed in parallel within one run do not hand out the same
// identifier before the store has seen either of them.
type claims struct {
	mu     sync.Mutex
	owner  map[string]string
	byFile map[string][]string
}

func newClaims() *claims {
	return &claims{
		owner:  make(map[string]string),
		byFile: make(map[string][]string),
	}
}

// heldElsewhere reports whether id is claimed by a file other than key.
func (c *claims) heldElsewhere(id, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	owner, ok := c.owner[id]
	return ok && owner != key
}

// claim records id for key unless another file holds it.
func (c *claims) claim(id, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if owner, ok := c.owner[id]; ok {
		return owner == key
	}
	c.owner[id] = key
	c.byFile[key] = append(c.byFile[key], id)
	return true
}

// release drops every claim of key.
func (c *claims) release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.byFile[key] {
		if c.owner[id] == key {
			delete(c.owner, id)
		}
	}
	delete(c.byFile, key)
}

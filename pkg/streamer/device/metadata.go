package device

// metadataCache remembers whether files exist and how large they are. It is a
// power-of-two ring: new entries overwrite the oldest one. Missing files are
// cached too, so repeated lookups of absent paths stay off the disk.
type metadataCache struct {
	entries []metadataEntry
	mask    int
	next    int
}

type metadataEntry struct {
	path   string
	size   int64
	exists bool
	valid  bool
}

func newMetadataCache(size int) *metadataCache {
	n := 1
	for n < size {
		n <<= 1
	}
	return &metadataCache{
		entries: make([]metadataEntry, n),
		mask:    n - 1,
	}
}

func (c *metadataCache) lookup(path string) (size int64, exists, ok bool) {
	for i := range c.entries {
		e := &c.entries[i]
		if e.valid && e.path == path {
			return e.size, e.exists, true
		}
	}
	return 0, false, false
}

func (c *metadataCache) store(path string, size int64, exists bool) {
	for i := range c.entries {
		e := &c.entries[i]
		if e.valid && e.path == path {
			e.size, e.exists = size, exists
			return
		}
	}
	c.entries[c.next] = metadataEntry{path: path, size: size, exists: exists, valid: true}
	c.next = (c.next + 1) & c.mask
}

func (c *metadataCache) drop(path string) {
	for i := range c.entries {
		if c.entries[i].valid && c.entries[i].path == path {
			c.entries[i] = metadataEntry{}
		}
	}
}

func (c *metadataCache) clear() {
	clear(c.entries)
	c.next = 0
}

func (c *metadataCache) capacity() int { return len(c.entries) }

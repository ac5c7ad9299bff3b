package store

import "container/list"

type chunkKey struct {
	dataset string
	id      uint32
}

// chunk is a decoded chunk: rows × record.Width values, row-major.
type chunk struct {
	key   chunkKey
	vals  []int32
	dirty bool
}

// chunkCache is an LRU of decoded chunks bounded by entry count.
// It is not safe for concurrent use.
type chunkCache struct {
	capacity  int
	items     map[chunkKey]*list.Element
	evictList *list.List
}

func newChunkCache(capacity int) *chunkCache {
	return &chunkCache{
		capacity:  max(capacity, 1),
		items:     make(map[chunkKey]*list.Element),
		evictList: list.New(),
	}
}

func (c *chunkCache) get(key chunkKey) (*chunk, bool) {
	if el, ok := c.items[key]; ok {
		c.evictList.MoveToFront(el)
		return el.Value.(*chunk), true //nolint:errcheck // list only holds *chunk
	}
	return nil, false
}

// add inserts ch and returns the least recently used chunk if the cache
// overflowed.
func (c *chunkCache) add(ch *chunk) *chunk {
	if el, ok := c.items[ch.key]; ok {
		el.Value = ch
		c.evictList.MoveToFront(el)
		return nil
	}
	c.items[ch.key] = c.evictList.PushFront(ch)
	if c.evictList.Len() <= c.capacity {
		return nil
	}
	oldest := c.evictList.Back()
	c.evictList.Remove(oldest)
	evicted := oldest.Value.(*chunk) //nolint:errcheck // list only holds *chunk
	delete(c.items, evicted.key)
	return evicted
}

func (c *chunkCache) remove(key chunkKey) {
	if el, ok := c.items[key]; ok {
		c.evictList.Remove(el)
		delete(c.items, key)
	}
}

// drain removes and returns every cached chunk.
func (c *chunkCache) drain() []*chunk {
	out := make([]*chunk, 0, c.evictList.Len())
	for el := c.evictList.Back(); el != nil; el = el.Prev() {
		out = append(out, el.Value.(*chunk)) //nolint:errcheck // list only holds *chunk
	}
	c.items = make(map[chunkKey]*list.Element)
	c.evictList.Init()
	return out
}

func (c *chunkCache) len() int {
	return c.evictList.Len()
}

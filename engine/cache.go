package engine

import "container/list"

// programCache is a bounded LRU of already-analyzed programs, keyed by
// source text. Re-executing the same cell (a common notebook pattern) skips
// re-parsing. Bound by Config.ASTCacheMax; zero or negative disables
// caching entirely.
type programCache struct {
	max     int
	ll      *list.List
	entries map[string]*list.Element
}

type cacheEntry struct {
	key     string
	prog    Program
	mode    Mode
	wrapped bool
}

func newProgramCache(max int) *programCache {
	return &programCache{
		max:     max,
		ll:      list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (c *programCache) get(source string) (Program, Mode, bool, bool) {
	if c.max <= 0 {
		return nil, "", false, false
	}
	el, ok := c.entries[source]
	if !ok {
		return nil, "", false, false
	}
	c.ll.MoveToFront(el)
	ent := el.Value.(*cacheEntry)
	return ent.prog, ent.mode, ent.wrapped, true
}

func (c *programCache) put(source string, prog Program, mode Mode, wrapped bool) {
	if c.max <= 0 {
		return
	}
	if el, ok := c.entries[source]; ok {
		ent := el.Value.(*cacheEntry)
		ent.prog, ent.mode, ent.wrapped = prog, mode, wrapped
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&cacheEntry{key: source, prog: prog, mode: mode, wrapped: wrapped})
	c.entries[source] = el
	for c.ll.Len() > c.max {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

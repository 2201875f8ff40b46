package projection

import (
	"container/list"

	"github.com/schulmacher/krupton-sub002/internal/record"
)

// precedenceLRU remembers the best source seen per natural key.
// Not thread-safe: owned by a single pipeline goroutine.
type precedenceLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List

	evictions int64
}

type lruEntry struct {
	key    string
	source record.SourceKind
}

func newPrecedenceLRU(capacity int) *precedenceLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &precedenceLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Get returns the source stored for key and promotes it.
func (l *precedenceLRU) Get(key string) (record.SourceKind, bool) {
	elem, ok := l.cache[key]
	if !ok {
		return record.SourceUnknown, false
	}
	l.order.MoveToFront(elem)
	return elem.Value.(*lruEntry).source, true
}

// Put inserts or overwrites key, evicting the least recently used entry when full.
func (l *precedenceLRU) Put(key string, source record.SourceKind) {
	if elem, ok := l.cache[key]; ok {
		elem.Value.(*lruEntry).source = source
		l.order.MoveToFront(elem)
		return
	}

	l.cache[key] = l.order.PushFront(&lruEntry{key: key, source: source})
	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.cache, oldest.Value.(*lruEntry).key)
		l.evictions++
	}
}

func (l *precedenceLRU) Len() int { return l.order.Len() }

func (l *precedenceLRU) Evictions() int64 { return l.evictions }

package loadbalance

import (
	"container/list"
	"sync"
)

type entry[K comparable, V any] struct {
	key   K
	value V
}

// RoundRobinMap is a map whose iteration order is a round-robin schedule.
//
// The front of the list is the entry due to be served next. Next serves it and
// moves it to the back. Put places the written entry at the front, so new
// members are served promptly instead of waiting out a long rotation.
//
// All methods are safe for concurrent use; every call observes and leaves a
// consistent state.
type RoundRobinMap[K comparable, V any] struct {
	mu    sync.Mutex
	order *list.List // of *entry[K, V]
	index map[K]*list.Element
}

func NewRoundRobinMap[K comparable, V any]() *RoundRobinMap[K, V] {
	return &RoundRobinMap[K, V]{
		order: list.New(),
		index: make(map[K]*list.Element),
	}
}

// Put inserts or replaces the value for key and makes it the next entry to be
// served. It returns the replaced value, if any.
func (m *RoundRobinMap[K, V]) Put(key K, value V) (old V, replaced bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.index[key]; ok {
		e := el.Value.(*entry[K, V])
		old, e.value = e.value, value
		m.order.MoveToFront(el)
		return old, true
	}
	m.index[key] = m.order.PushFront(&entry[K, V]{key: key, value: value})
	return old, false
}

// Remove deletes key. Removing an absent key is a no-op.
func (m *RoundRobinMap[K, V]) Remove(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	delete(m.index, key)
	return m.order.Remove(el).(*entry[K, V]).value, true
}

// Next serves the entry at the head of the rotation and moves it to the tail.
func (m *RoundRobinMap[K, V]) Next() (K, V, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el := m.order.Front()
	if el == nil {
		var (
			zeroK K
			zeroV V
		)
		return zeroK, zeroV, ErrEmptyPool
	}
	m.order.MoveToBack(el)
	e := el.Value.(*entry[K, V])
	return e.key, e.value, nil
}

// Get looks key up. A successful lookup counts as serving the entry: it moves
// to the tail of the rotation, exactly as Next would have moved it.
func (m *RoundRobinMap[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	m.order.MoveToBack(el)
	return el.Value.(*entry[K, V]).value, true
}

// Keys returns a snapshot of the keys in rotation order, next-to-serve first.
func (m *RoundRobinMap[K, V]) Keys() []K {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]K, 0, m.order.Len())
	for el := m.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[K, V]).key)
	}
	return keys
}

func (m *RoundRobinMap[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

package rtpnet

const noSlot = -1

type hashSlot[T any] struct {
	elem     T
	bucket   int
	hashPrev int
	hashNext int
	listPrev int
	listNext int
	used     bool
}

// HashTable is a chained hash table that also keeps its elements in
// insertion order. Slots live in one arena and are linked by index: each
// slot is on exactly one bucket chain and once on the ordered list.
//
// A cursor supports walking the ordered list and deleting while walking.
// HashTable does no locking.
type HashTable[T any] struct {
	size    int
	index   func(T) int
	equal   func(a, b T) bool
	buckets []int
	slots   []hashSlot[T]
	free    []int
	first   int
	last    int
	current int
	count   int
}

// NewHashTable creates a table with size buckets. index must return a
// value in [0, size) and equal decides element identity.
func NewHashTable[T any](size int, index func(T) int, equal func(a, b T) bool) *HashTable[T] {
	t := &HashTable[T]{
		size:    size,
		index:   index,
		equal:   equal,
		buckets: make([]int, size),
	}
	t.reset()
	return t
}

// NewComparableHashTable creates a table whose elements compare with ==
func NewComparableHashTable[T comparable](size int, index func(T) int) *HashTable[T] {
	return NewHashTable(size, index, func(a, b T) bool { return a == b })
}

func (t *HashTable[T]) reset() {
	for i := range t.buckets {
		t.buckets[i] = noSlot
	}
	t.slots = t.slots[:0]
	t.free = t.free[:0]
	t.first, t.last, t.current = noSlot, noSlot, noSlot
	t.count = 0
}

func (t *HashTable[T]) bucketOf(e T) (int, error) {
	b := t.index(e)
	if b < 0 || b >= t.size {
		return 0, ErrInvalidHashIndex
	}
	return b, nil
}

// find returns the slot holding e, or noSlot
func (t *HashTable[T]) find(b int, e T) int {
	for s := t.buckets[b]; s != noSlot; s = t.slots[s].hashNext {
		if t.equal(t.slots[s].elem, e) {
			return s
		}
	}
	return noSlot
}

// AddElement inserts e at the end of the ordered list
func (t *HashTable[T]) AddElement(e T) error {
	b, err := t.bucketOf(e)
	if err != nil {
		return err
	}
	if t.find(b, e) != noSlot {
		return ErrElementAlreadyExists
	}

	var s int
	if n := len(t.free); n > 0 {
		s = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, hashSlot[T]{})
		s = len(t.slots) - 1
	}

	head := t.buckets[b]
	t.slots[s] = hashSlot[T]{
		elem:     e,
		bucket:   b,
		hashPrev: noSlot,
		hashNext: head,
		listPrev: t.last,
		listNext: noSlot,
		used:     true,
	}
	if head != noSlot {
		t.slots[head].hashPrev = s
	}
	t.buckets[b] = s

	if t.last != noSlot {
		t.slots[t.last].listNext = s
	} else {
		t.first = s
	}
	t.last = s
	t.count++
	return nil
}

// GotoElement moves the cursor to e
func (t *HashTable[T]) GotoElement(e T) error {
	b, err := t.bucketOf(e)
	if err != nil {
		return err
	}
	s := t.find(b, e)
	t.current = s
	if s == noSlot {
		return ErrElementNotFound
	}
	return nil
}

// HasElement reports whether e is in the table
func (t *HashTable[T]) HasElement(e T) bool {
	b, err := t.bucketOf(e)
	if err != nil {
		return false
	}
	return t.find(b, e) != noSlot
}

// DeleteElement removes e
func (t *HashTable[T]) DeleteElement(e T) error {
	if err := t.GotoElement(e); err != nil {
		return err
	}
	return t.DeleteCurrentElement()
}

// DeleteCurrentElement removes the element under the cursor and moves the
// cursor to the element that followed it
func (t *HashTable[T]) DeleteCurrentElement() error {
	s := t.current
	if s == noSlot {
		return ErrNoCurrentElement
	}
	sl := &t.slots[s]

	if sl.hashPrev != noSlot {
		t.slots[sl.hashPrev].hashNext = sl.hashNext
	} else {
		t.buckets[sl.bucket] = sl.hashNext
	}
	if sl.hashNext != noSlot {
		t.slots[sl.hashNext].hashPrev = sl.hashPrev
	}

	if sl.listPrev != noSlot {
		t.slots[sl.listPrev].listNext = sl.listNext
	} else {
		t.first = sl.listNext
	}
	if sl.listNext != noSlot {
		t.slots[sl.listNext].listPrev = sl.listPrev
	} else {
		t.last = sl.listPrev
	}

	t.current = sl.listNext
	*sl = hashSlot[T]{}
	t.free = append(t.free, s)
	t.count--
	return nil
}

// CurrentElement returns the element under the cursor
func (t *HashTable[T]) CurrentElement() (T, error) {
	if t.current == noSlot {
		var zero T
		return zero, ErrNoCurrentElement
	}
	return t.slots[t.current].elem, nil
}

// currentPtr points into the arena; valid until the next insertion
func (t *HashTable[T]) currentPtr() *T {
	if t.current == noSlot {
		return nil
	}
	return &t.slots[t.current].elem
}

// HasCurrentElement reports whether the cursor is on an element
func (t *HashTable[T]) HasCurrentElement() bool { return t.current != noSlot }

// GotoFirstElement moves the cursor to the oldest element
func (t *HashTable[T]) GotoFirstElement() { t.current = t.first }

// GotoLastElement moves the cursor to the newest element
func (t *HashTable[T]) GotoLastElement() { t.current = t.last }

// GotoNextElement advances the cursor in insertion order
func (t *HashTable[T]) GotoNextElement() {
	if t.current != noSlot {
		t.current = t.slots[t.current].listNext
	}
}

// GotoPreviousElement moves the cursor back in insertion order
func (t *HashTable[T]) GotoPreviousElement() {
	if t.current != noSlot {
		t.current = t.slots[t.current].listPrev
	}
}

// Clear removes every element
func (t *HashTable[T]) Clear() { t.reset() }

// Len returns the number of elements
func (t *HashTable[T]) Len() int { return t.count }

// ForEach calls fn for each element in insertion order until fn returns false
func (t *HashTable[T]) ForEach(fn func(T) bool) {
	for s := t.first; s != noSlot; s = t.slots[s].listNext {
		if !fn(t.slots[s].elem) {
			return
		}
	}
}

// Elements returns the elements in insertion order
func (t *HashTable[T]) Elements() []T {
	out := make([]T, 0, t.count)
	t.ForEach(func(e T) bool {
		out = append(out, e)
		return true
	})
	return out
}

type keyEntry[K comparable, V any] struct {
	key K
	val V
}

// KeyHashTable maps keys to values on top of HashTable, keeping insertion
// order
type KeyHashTable[K comparable, V any] struct {
	t *HashTable[keyEntry[K, V]]
}

// NewKeyHashTable creates a keyed table with size buckets
func NewKeyHashTable[K comparable, V any](size int, index func(K) int) *KeyHashTable[K, V] {
	return &KeyHashTable[K, V]{
		t: NewHashTable(size,
			func(e keyEntry[K, V]) int { return index(e.key) },
			func(a, b keyEntry[K, V]) bool { return a.key == b.key }),
	}
}

func mapKeyError(err error) error {
	switch err {
	case ErrElementAlreadyExists:
		return ErrKeyAlreadyExists
	case ErrElementNotFound:
		return ErrKeyNotFound
	}
	return err
}

// AddElement inserts key with val
func (k *KeyHashTable[K, V]) AddElement(key K, val V) error {
	return mapKeyError(k.t.AddElement(keyEntry[K, V]{key: key, val: val}))
}

// GotoElement moves the cursor to key
func (k *KeyHashTable[K, V]) GotoElement(key K) error {
	return mapKeyError(k.t.GotoElement(keyEntry[K, V]{key: key}))
}

// HasElement reports whether key is present
func (k *KeyHashTable[K, V]) HasElement(key K) bool {
	return k.t.HasElement(keyEntry[K, V]{key: key})
}

// DeleteElement removes key
func (k *KeyHashTable[K, V]) DeleteElement(key K) error {
	return mapKeyError(k.t.DeleteElement(keyEntry[K, V]{key: key}))
}

// DeleteCurrentElement removes the entry under the cursor
func (k *KeyHashTable[K, V]) DeleteCurrentElement() error { return k.t.DeleteCurrentElement() }

// HasCurrentElement reports whether the cursor is on an entry
func (k *KeyHashTable[K, V]) HasCurrentElement() bool { return k.t.HasCurrentElement() }

// CurrentKey returns the key under the cursor
func (k *KeyHashTable[K, V]) CurrentKey() (K, error) {
	e, err := k.t.CurrentElement()
	return e.key, err
}

// CurrentValue returns a pointer to the value under the cursor. It stays
// valid until the next insertion.
func (k *KeyHashTable[K, V]) CurrentValue() (*V, error) {
	p := k.t.currentPtr()
	if p == nil {
		return nil, ErrNoCurrentElement
	}
	return &p.val, nil
}

// Get returns the value stored for key
func (k *KeyHashTable[K, V]) Get(key K) (V, bool) {
	if err := k.GotoElement(key); err != nil {
		var zero V
		return zero, false
	}
	v, _ := k.CurrentValue()
	return *v, true
}

// GotoFirstElement moves the cursor to the oldest entry
func (k *KeyHashTable[K, V]) GotoFirstElement() { k.t.GotoFirstElement() }

// GotoNextElement advances the cursor
func (k *KeyHashTable[K, V]) GotoNextElement() { k.t.GotoNextElement() }

// Clear removes every entry
func (k *KeyHashTable[K, V]) Clear() { k.t.Clear() }

// Len returns the number of entries
func (k *KeyHashTable[K, V]) Len() int { return k.t.Len() }

// ForEach calls fn for each entry in insertion order until fn returns false
func (k *KeyHashTable[K, V]) ForEach(fn func(K, V) bool) {
	k.t.ForEach(func(e keyEntry[K, V]) bool { return fn(e.key, e.val) })
}

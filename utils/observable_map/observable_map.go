package observable_map

import "sync"

// MapObserver is a callback through which observers
// can be notified of map changes.
type MapObserver[K comparable, V any] func(key K, value V)

// ObservableMap is a thread-safe wrapper for go's
// map that allows observers to be notified when
// things are added, replaced or deleted. Observers
// run after the map lock is released so they may
// call back into the map.
type ObservableMap[K comparable, V any] struct {
	mu              sync.Mutex
	internalMap     map[K]V
	addObservers    []MapObserver[K, V]
	updateObservers []MapObserver[K, V]
	deleteObservers []MapObserver[K, V]
}

// New creates an empty ObservableMap
func New[K comparable, V any]() *ObservableMap[K, V] {
	return &ObservableMap[K, V]{
		internalMap: make(map[K]V),
	}
}

// Put sets a key in the map. It returns true
// if the key already existed in the map and
// false if this call to Put is adding a key
// that didn't exist before. Replacing a key
// notifies update observers with the new value
// and delete observers with the old one.
func (observableMap *ObservableMap[K, V]) Put(key K, value V) bool {
	observableMap.mu.Lock()

	old, ok := observableMap.internalMap[key]
	observableMap.internalMap[key] = value
	addObservers := observableMap.addObservers
	updateObservers := observableMap.updateObservers
	deleteObservers := observableMap.deleteObservers

	observableMap.mu.Unlock()

	if ok {
		notifyObservers(deleteObservers, key, old)
		notifyObservers(updateObservers, key, value)
	} else {
		notifyObservers(addObservers, key, value)
	}

	return ok
}

// Delete deletes a key from the map. It returns
// true if the key existed in the map and false
// if the key didn't exist.
func (observableMap *ObservableMap[K, V]) Delete(key K) bool {
	observableMap.mu.Lock()

	value, ok := observableMap.internalMap[key]

	if ok {
		delete(observableMap.internalMap, key)
	}

	deleteObservers := observableMap.deleteObservers

	observableMap.mu.Unlock()

	// Only notify observers if we're actually
	// removing something that exists
	if ok {
		notifyObservers(deleteObservers, key, value)
	}

	return ok
}

// CompareAndDelete deletes key only if match returns
// true for its current value.
func (observableMap *ObservableMap[K, V]) CompareAndDelete(key K, match func(V) bool) bool {
	observableMap.mu.Lock()

	value, ok := observableMap.internalMap[key]

	if ok && match(value) {
		delete(observableMap.internalMap, key)
	} else {
		ok = false
	}

	deleteObservers := observableMap.deleteObservers

	observableMap.mu.Unlock()

	if ok {
		notifyObservers(deleteObservers, key, value)
	}

	return ok
}

// Clear removes every key, notifying delete
// observers once per removed key.
func (observableMap *ObservableMap[K, V]) Clear() {
	observableMap.mu.Lock()

	removed := observableMap.internalMap
	observableMap.internalMap = make(map[K]V)
	deleteObservers := observableMap.deleteObservers

	observableMap.mu.Unlock()

	for key, value := range removed {
		notifyObservers(deleteObservers, key, value)
	}
}

// Get reads a key from the map. If the key exists
// its value will be returned and ok will be true
// If the value doesn't exist the zero value will be
// returned and ok will be false.
func (observableMap *ObservableMap[K, V]) Get(key K) (V, bool) {
	observableMap.mu.Lock()
	defer observableMap.mu.Unlock()

	value, ok := observableMap.internalMap[key]

	return value, ok
}

// Len returns the number of keys in the map
func (observableMap *ObservableMap[K, V]) Len() int {
	observableMap.mu.Lock()
	defer observableMap.mu.Unlock()

	return len(observableMap.internalMap)
}

// Range calls fn for a snapshot of the map's entries
// until fn returns false. fn runs without the map lock.
func (observableMap *ObservableMap[K, V]) Range(fn func(key K, value V) bool) {
	observableMap.mu.Lock()
	snapshot := make(map[K]V, len(observableMap.internalMap))

	for key, value := range observableMap.internalMap {
		snapshot[key] = value
	}

	observableMap.mu.Unlock()

	for key, value := range snapshot {
		if !fn(key, value) {
			return
		}
	}
}

func notifyObservers[K comparable, V any](observers []MapObserver[K, V], key K, value V) {
	for _, observer := range observers {
		observer(key, value)
	}
}

// OnAdd registers an observer for when a new key is
// added to the map.
func (observableMap *ObservableMap[K, V]) OnAdd(cb MapObserver[K, V]) {
	observableMap.mu.Lock()
	defer observableMap.mu.Unlock()

	observableMap.addObservers = append(observableMap.addObservers, cb)
}

// OnUpdate registers an observer for when an existing
// key is updated.
func (observableMap *ObservableMap[K, V]) OnUpdate(cb MapObserver[K, V]) {
	observableMap.mu.Lock()
	defer observableMap.mu.Unlock()

	observableMap.updateObservers = append(observableMap.updateObservers, cb)
}

// OnDelete registers an observer for map deletes.
func (observableMap *ObservableMap[K, V]) OnDelete(cb MapObserver[K, V]) {
	observableMap.mu.Lock()
	defer observableMap.mu.Unlock()

	observableMap.deleteObservers = append(observableMap.deleteObservers, cb)
}

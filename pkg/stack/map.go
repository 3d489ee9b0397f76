package stack

import "sync"

// Map is a registry of named stacks. It may be safely shared by multiple
// goroutines.
//
// The map lock only protects the existence of names. The contents of each stack
// are protected by the stack's own lock, taken when Push, Pop or Peek is called
// on it. Goroutines holding a [Handle] keep the map lock in shared mode, which
// is what prevents a concurrent Remove from invalidating their stack.
type Map[K comparable, T any] struct {
	mu     sync.RWMutex
	stacks map[K]*Stack[T] // GUARDED_BY(mu).
}

// NewMap returns an empty registry.
func NewMap[K comparable, T any]() *Map[K, T] {
	return &Map[K, T]{
		stacks: make(map[K]*Stack[T]),
	}
}

// Create registers an empty stack under name.
func (m *Map[K, T]) Create(name K) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.stacks[name]; ok {
		return ErrNameExists
	}
	m.stacks[name] = New[T]()
	return nil
}

// Remove unregisters name and releases its stack.
func (m *Map[K, T]) Remove(name K) error {
	m.mu.Lock()
	removed, ok := m.stacks[name]
	if ok {
		delete(m.stacks, name)
	}
	m.mu.Unlock()

	if !ok {
		return ErrNameNotFound
	}

	// No handle can refer to removed anymore: handles hold the map lock in
	// shared mode and the entry was deleted under the exclusive lock.
	removed.Release()
	return nil
}

// Copy registers under to a clone of the stack named from. The lookup and the
// insertion happen under the same exclusive lock, so no other map operation can
// interleave. A missing source is reported before a taken destination.
func (m *Map[K, T]) Copy(from, to K) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.stacks[from]
	if !ok {
		return ErrNameNotFound
	}
	if _, ok := m.stacks[to]; ok {
		return ErrNameExists
	}

	m.stacks[to] = src.Clone()
	return nil
}

// Get looks up name and returns a handle on its stack. The handle keeps the map
// locked in shared mode until it is released, so it must be released as soon as
// the caller is done with the stack.
//
// Calling Create, Remove or Copy from the goroutine that holds a handle
// deadlocks; release the handle first.
func (m *Map[K, T]) Get(name K) (*Handle[T], error) {
	m.mu.RLock()

	s, ok := m.stacks[name]
	if !ok {
		m.mu.RUnlock()
		return nil, ErrNameNotFound
	}

	return &Handle[T]{stack: s, unlock: m.mu.RUnlock}, nil
}

// With runs fn on the stack registered under name while holding a handle on it.
func (m *Map[K, T]) With(name K, fn func(*Stack[T]) error) error {
	h, err := m.Get(name)
	if err != nil {
		return err
	}
	defer h.Release()

	return fn(h.Stack())
}

// Len returns the number of registered names.
func (m *Map[K, T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.stacks)
}

// Close unregisters every name and releases all stacks. It returns the number
// of names that were registered.
func (m *Map[K, T]) Close() int {
	m.mu.Lock()
	stacks := m.stacks
	m.stacks = make(map[K]*Stack[T])
	m.mu.Unlock()

	for _, s := range stacks {
		s.Release()
	}

	return len(stacks)
}

// Handle is a scoped reference to a stack registered in a [Map]. The stack may
// only be used until Release is called.
type Handle[T any] struct {
	stack  *Stack[T]
	once   sync.Once
	unlock func()
}

// Stack returns the referenced stack.
func (h *Handle[T]) Stack() *Stack[T] {
	return h.stack
}

// Release gives the shared map lock back. It is safe to call more than once.
func (h *Handle[T]) Release() {
	h.once.Do(h.unlock)
}

package stack

import "sync"

// Stack is a LIFO container over a chain of reference counted nodes.
//
// Clones share the underlying chain, which makes Clone O(1) regardless of the
// depth of the stack. A mutation on one clone is never observable through
// another. Stack values may be safely shared by multiple goroutines.
//
// The zero value is an empty stack ready to use. A Stack must not be copied
// after first use, use Clone instead.
type Stack[T any] struct {
	mu   sync.RWMutex
	head *node[T] // GUARDED_BY(mu).
}

// sharedPopHook, when set, runs in Pop between taking the new reference on the
// successor and dropping the reference on a shared popped node.
var sharedPopHook func()

// New returns an empty stack.
func New[T any]() *Stack[T] {
	return &Stack[T]{}
}

// Peek returns the top element without removing it.
func (s *Stack[T]) Peek() (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.head == nil {
		var zero T
		return zero, ErrEmptyStack
	}
	return s.head.value, nil
}

// Empty reports whether the stack currently holds no element.
func (s *Stack[T]) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.head == nil
}

// Push places value on top of the stack.
func (s *Stack[T]) Push(value T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The reference held by s.head on the old head moves into the successor
	// field of the new node, so its count stays unchanged. Reading the head and
	// installing the new one must happen in the same critical section, or a
	// concurrent Clone could observe the count one short.
	s.head = newNode(value, s.head)
}

// Pop removes the top element and returns it.
func (s *Stack[T]) Pop() (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	popped := s.head
	if popped == nil {
		var zero T
		return zero, ErrEmptyStack
	}

	s.head = popped.next
	if popped.unique() {
		// Nobody else points at popped, so it can be taken apart. Its successor
		// reference is relocated to s.head, no count changes.
		value := popped.value
		popped.free()
		return value, nil
	}

	// popped is shared with another stack or node and stays intact for them.
	// s.head is a brand-new reference on the successor: popped keeps its own.
	if s.head != nil {
		s.head.incRef()
	}
	value := popped.value
	if sharedPopHook != nil {
		sharedPopHook()
	}

	// Dropping the reference s.head held on popped has to come last, otherwise
	// popped and its successor could be freed under our feet.
	if popped.decRef() {
		// A sibling released its reference between the unique check and the
		// decrement. popped dies here, and the successor reference it carried
		// dies with it, so the increment above was not a new reference after
		// all. This cannot reach zero, s.head still holds one.
		popped.free()
		if s.head != nil {
			s.head.decRef()
		}
	}
	return value, nil
}

// Clone returns a new stack with the same contents. The clone shares the chain
// with s and is independent from it from here on.
func (s *Stack[T]) Clone() *Stack[T] {
	return &Stack[T]{head: s.acquireHead()}
}

// Assign replaces the contents of s with a snapshot of src. The chain
// previously held by s is released once s is unlocked.
func (s *Stack[T]) Assign(src *Stack[T]) {
	if s == src {
		return
	}

	newHead := src.acquireHead()

	s.mu.Lock()
	oldHead := s.head
	s.head = newHead
	s.mu.Unlock()

	releaseChain(oldHead)
}

// Release drops the reference s holds on its chain and leaves s empty. Nodes
// that are not shared with any other stack are freed.
func (s *Stack[T]) Release() {
	s.mu.Lock()
	oldHead := s.head
	s.head = nil
	s.mu.Unlock()

	releaseChain(oldHead)
}

// acquireHead returns the current head with one more reference taken on it,
// owned by the caller.
func (s *Stack[T]) acquireHead() *node[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	head := s.head
	if head != nil {
		// A second slot is about to point at head while s keeps its own.
		head.incRef()
	}
	return head
}

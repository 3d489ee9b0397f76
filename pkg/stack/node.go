package stack

import "sync/atomic"

// node is one link of a chain. Everything except refs is immutable once the
// node is reachable from a stack.
type node[T any] struct {
	value T
	next  *node[T]

	// refs counts the stack heads and node successor fields pointing at this node.
	refs atomic.Int32
}

// newNode returns a node owned by a single slot, the head that is about to
// point at it.
func newNode[T any](value T, next *node[T]) *node[T] {
	n := &node[T]{value: value, next: next}
	n.refs.Store(1)
	return n
}

// incRef registers a brand-new slot pointing at n. It must not be used when a
// reference merely moves from one slot to another.
func (n *node[T]) incRef() {
	n.refs.Add(1)
}

// decRef drops one reference and reports whether it was the last one. When it
// returns true the caller owns n exclusively and must free it.
func (n *node[T]) decRef() bool {
	return n.refs.Add(-1) == 0
}

// unique reports whether exactly one slot points at n.
func (n *node[T]) unique() bool {
	return n.refs.Load() == 1
}

// free clears n so that neither its payload nor the rest of the chain stay
// reachable through it. It does not touch the successor's count: callers
// either relocate that reference or release it explicitly.
func (n *node[T]) free() {
	var zero T
	n.value = zero
	n.next = nil
}

// releaseChain drops the reference held on head and frees every node that
// loses its last reference as a result. The walk stops at the first node that
// is still referenced elsewhere, the remainder of the chain belongs to others.
func releaseChain[T any](head *node[T]) {
	for n := head; n != nil; {
		if !n.decRef() {
			return
		}
		// n is gone, and with it the reference its successor field held.
		next := n.next
		n.free()
		n = next
	}
}

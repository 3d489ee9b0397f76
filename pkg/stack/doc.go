// Package stack contains a copy-on-write, reference counted LIFO stack and a
// registry of named stacks built on top of it.
//
// A [Stack] is a singly linked chain of immutable nodes. Cloning a stack copies
// only its head pointer, so every clone shares the chain with its origin until
// one of them pushes or pops past the shared segment. Each node counts the
// slots (stack heads and node successor fields) that point at it; the count
// decides whether a pop may take the node over or has to leave it intact for
// the other owners.
//
// A [Map] guards the set of names with its own lock, independent from the lock
// each stack uses for its contents. Operations on different stacks only contend
// on the map for the duration of the name lookup.
package stack

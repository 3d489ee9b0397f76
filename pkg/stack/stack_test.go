package stack

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/stackd/stackd/internal/concurrency"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// refsOf walks the chain of s and returns the reference count of each node,
// top first.
func refsOf[T any](s *Stack[T]) []int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var refs []int32
	for n := s.head; n != nil; n = n.next {
		refs = append(refs, n.refs.Load())
	}
	return refs
}

// drain pops s until it is empty and returns the values in pop order.
func drain[T any](t *testing.T, s *Stack[T]) []T {
	t.Helper()

	var values []T
	for {
		v, err := s.Pop()
		if err != nil {
			require.ErrorIs(t, err, ErrEmptyStack)
			return values
		}
		values = append(values, v)
	}
}

func TestStack(t *testing.T) {
	t.Run("empty_stack", func(t *testing.T) {
		s := New[int]()

		_, err := s.Peek()
		require.ErrorIs(t, err, ErrEmptyStack)

		_, err = s.Pop()
		require.ErrorIs(t, err, ErrEmptyStack)

		require.True(t, s.Empty())
	})

	t.Run("zero_value_is_usable", func(t *testing.T) {
		var s Stack[string]
		s.Push("a")

		v, err := s.Pop()
		require.NoError(t, err)
		require.Equal(t, "a", v)
	})

	t.Run("push_then_peek", func(t *testing.T) {
		s := New[int]()
		for i := 1; i <= 5; i++ {
			s.Push(i)

			top, err := s.Peek()
			require.NoError(t, err)
			require.Equal(t, i, top)
		}
		require.False(t, s.Empty())
	})

	t.Run("pop_is_lifo", func(t *testing.T) {
		s := New[int]()
		for i := 1; i <= 5; i++ {
			s.Push(i)
		}

		for i := 5; i >= 1; i-- {
			top, err := s.Peek()
			require.NoError(t, err)
			require.Equal(t, i, top)

			v, err := s.Pop()
			require.NoError(t, err)
			require.Equal(t, i, v)
		}

		_, err := s.Peek()
		require.ErrorIs(t, err, ErrEmptyStack)
	})

	t.Run("peek_does_not_mutate", func(t *testing.T) {
		s := New[string]()
		s.Push("bottom")
		s.Push("top")

		for i := 0; i < 10; i++ {
			v, err := s.Peek()
			require.NoError(t, err)
			require.Equal(t, "top", v)
		}

		v, err := s.Pop()
		require.NoError(t, err)
		require.Equal(t, "top", v)

		for i := 0; i < 10; i++ {
			v, err := s.Peek()
			require.NoError(t, err)
			require.Equal(t, "bottom", v)
		}
	})

	t.Run("empty_again_after_n_pushes_and_pops", func(t *testing.T) {
		s := New[int]()
		for i := 0; i < 3; i++ {
			s.Push(i)
		}
		for i := 0; i < 3; i++ {
			_, err := s.Pop()
			require.NoError(t, err)
		}

		_, err := s.Peek()
		require.ErrorIs(t, err, ErrEmptyStack)
		_, err = s.Pop()
		require.ErrorIs(t, err, ErrEmptyStack)
	})

	t.Run("failed_pop_leaves_stack_reusable", func(t *testing.T) {
		s := New[int]()
		_, err := s.Pop()
		require.ErrorIs(t, err, ErrEmptyStack)

		s.Push(7)
		v, err := s.Pop()
		require.NoError(t, err)
		require.Equal(t, 7, v)
	})
}

func TestStackClone(t *testing.T) {
	t.Run("clone_of_empty_stack", func(t *testing.T) {
		a := New[int]()
		b := a.Clone()

		a.Push(1)
		require.True(t, b.Empty())
	})

	t.Run("clone_has_same_contents", func(t *testing.T) {
		a := New[int]()
		a.Push(1)
		a.Push(2)
		a.Push(3)

		b := a.Clone()
		require.Equal(t, []int{3, 2, 1}, drain(t, b))
		require.Equal(t, []int{3, 2, 1}, drain(t, a))
	})

	t.Run("mutating_origin_does_not_affect_clone", func(t *testing.T) {
		a := New[string]()
		a.Push("1")
		a.Push("2")
		b := a.Clone()

		a.Push("x")
		v, err := a.Pop()
		require.NoError(t, err)
		require.Equal(t, "x", v)
		_, err = a.Pop()
		require.NoError(t, err)
		_, err = a.Pop()
		require.NoError(t, err)
		a.Push("y")

		require.Equal(t, []string{"2", "1"}, drain(t, b))
		require.Equal(t, []string{"y"}, drain(t, a))
	})

	t.Run("mutating_clone_does_not_affect_origin", func(t *testing.T) {
		a := New[string]()
		a.Push("1")
		a.Push("2")
		b := a.Clone()

		_, err := b.Pop()
		require.NoError(t, err)
		b.Push("z")

		require.Equal(t, []string{"2", "1"}, drain(t, a))
		require.Equal(t, []string{"z", "1"}, drain(t, b))
	})

	t.Run("clone_of_clone", func(t *testing.T) {
		a := New[int]()
		a.Push(1)
		b := a.Clone()
		b.Push(2)
		c := b.Clone()
		c.Push(3)

		require.Equal(t, []int{1}, drain(t, a))
		require.Equal(t, []int{2, 1}, drain(t, b))
		require.Equal(t, []int{3, 2, 1}, drain(t, c))
	})
}

func TestStackAssign(t *testing.T) {
	t.Run("replaces_contents", func(t *testing.T) {
		src := New[int]()
		src.Push(1)
		src.Push(2)

		dst := New[int]()
		dst.Push(9)
		dst.Assign(src)

		require.Equal(t, []int32{2, 1}, refsOf(src))
		require.Equal(t, []int{2, 1}, drain(t, dst))
		require.Equal(t, []int{2, 1}, drain(t, src))
	})

	t.Run("self_assign_is_noop", func(t *testing.T) {
		s := New[int]()
		s.Push(1)
		s.Assign(s)

		require.Equal(t, []int32{1}, refsOf(s))
		require.Equal(t, []int{1}, drain(t, s))
	})

	t.Run("releases_previous_chain", func(t *testing.T) {
		old := New[int]()
		old.Push(1)
		dst := old.Clone()
		require.Equal(t, []int32{2}, refsOf(old))

		dst.Assign(New[int]())
		require.Equal(t, []int32{1}, refsOf(old))
		require.True(t, dst.Empty())
	})
}

func TestStackReferenceCounts(t *testing.T) {
	t.Run("push_relocates_reference", func(t *testing.T) {
		s := New[int]()
		s.Push(1)
		s.Push(2)
		s.Push(3)

		require.Equal(t, []int32{1, 1, 1}, refsOf(s))
	})

	t.Run("clone_adds_reference_on_head_only", func(t *testing.T) {
		a := New[int]()
		a.Push(1)
		a.Push(2)

		b := a.Clone()
		require.Equal(t, []int32{2, 1}, refsOf(a))
		require.Equal(t, []int32{2, 1}, refsOf(b))
	})

	t.Run("push_on_clone_keeps_shared_segment", func(t *testing.T) {
		a := New[int]()
		a.Push(1)
		b := a.Clone()
		b.Push(2)

		// node 1 is pointed at by a.head and by node 2's successor field.
		require.Equal(t, []int32{2}, refsOf(a))
		require.Equal(t, []int32{1, 2}, refsOf(b))
	})

	t.Run("shared_pop_takes_new_reference_on_successor", func(t *testing.T) {
		a := New[int]()
		a.Push(1)
		a.Push(2)
		b := a.Clone()

		v, err := b.Pop()
		require.NoError(t, err)
		require.Equal(t, 2, v)

		// node 2 is only in a now, node 1 is pointed at by node 2 and b.head.
		require.Equal(t, []int32{1, 2}, refsOf(a))
		require.Equal(t, []int32{2}, refsOf(b))

		// a's pop is now unique and relocates node 2's successor reference.
		v, err = a.Pop()
		require.NoError(t, err)
		require.Equal(t, 2, v)
		require.Equal(t, []int32{2}, refsOf(a))
		require.Equal(t, []int32{2}, refsOf(b))

		_, err = a.Pop()
		require.NoError(t, err)
		require.Equal(t, []int32{1}, refsOf(b))
	})

	t.Run("shared_pop_race_correction", func(t *testing.T) {
		a := New[int]()
		a.Push(1)
		a.Push(2)
		b := a.Clone()

		// b drops its reference on node 2 after a has found it shared, so the
		// decrement in a's pop is the last one and has to undo the increment
		// on node 1.
		released := false
		sharedPopHook = func() {
			// node 2 is still held by a, node 1 carries a's new reference.
			require.Equal(t, []int32{2, 2}, refsOf(b))
			b.Release()
			released = true
		}
		t.Cleanup(func() { sharedPopHook = nil })

		v, err := a.Pop()
		require.NoError(t, err)
		require.Equal(t, 2, v)
		require.True(t, released)

		require.True(t, b.Empty())
		require.Equal(t, []int32{1}, refsOf(a))
		require.Equal(t, []int{1}, drain(t, a))
	})

	t.Run("release_stops_at_shared_node", func(t *testing.T) {
		a := New[int]()
		a.Push(1)
		a.Push(2)
		b := a.Clone()
		b.Push(3)
		b.Push(4)

		b.Release()
		require.True(t, b.Empty())
		require.Equal(t, []int32{1, 1}, refsOf(a))
		require.Equal(t, []int{2, 1}, drain(t, a))
	})

	t.Run("release_frees_unshared_nodes", func(t *testing.T) {
		s := New[string]()
		s.Push("a")
		s.Push("b")

		s.mu.RLock()
		top, bottom := s.head, s.head.next
		s.mu.RUnlock()

		s.Release()
		require.Nil(t, top.next)
		require.Empty(t, top.value)
		require.Empty(t, bottom.value)
		require.Equal(t, int32(0), top.refs.Load())
		require.Equal(t, int32(0), bottom.refs.Load())
	})

	t.Run("unique_pop_frees_node", func(t *testing.T) {
		s := New[string]()
		s.Push("a")
		s.Push("b")

		s.mu.RLock()
		top := s.head
		s.mu.RUnlock()

		v, err := s.Pop()
		require.NoError(t, err)
		require.Equal(t, "b", v)
		require.Nil(t, top.next)
		require.Empty(t, top.value)
		require.Equal(t, []int32{1}, refsOf(s))
	})
}

func TestStackConcurrentPopExactlyOnce(t *testing.T) {
	const (
		elements = 1000
		workers  = 8
	)

	s := New[int]()
	expected := make([]int, 0, elements)
	for i := 0; i < elements; i++ {
		s.Push(i)
		expected = append(expected, i)
	}

	popped := make([][]int, workers)
	err := concurrency.Fork(context.Background(), workers, func(_ context.Context, w int) error {
		for {
			v, err := s.Pop()
			if errors.Is(err, ErrEmptyStack) {
				return nil
			}
			if err != nil {
				return err
			}
			popped[w] = append(popped[w], v)
		}
	})
	require.NoError(t, err)

	var all []int
	for _, p := range popped {
		all = append(all, p...)
	}
	sort.Ints(all)
	if diff := cmp.Diff(expected, all); diff != "" {
		t.Fatalf("popped values mismatch (-want +got):\n%s", diff)
	}
}

func TestStackConcurrentClones(t *testing.T) {
	const clones = 3
	const workersPerClone = 3

	origin := New[int]()
	origin.Push(1)
	origin.Push(2)
	origin.Push(3)

	expected := []int{1, 2, 3, 4, 4, 4, 5, 5, 5}
	popped := make([][]int, clones)

	err := concurrency.Fork(context.Background(), clones, func(ctx context.Context, i int) error {
		// origin is cloned concurrently by every clone worker.
		clone := origin.Clone()
		defer clone.Release()

		var mu sync.Mutex
		return concurrency.Fork(ctx, workersPerClone, func(context.Context, int) error {
			clone.Push(4)
			clone.Push(5)

			for {
				v, err := clone.Pop()
				if err != nil {
					return nil
				}
				mu.Lock()
				popped[i] = append(popped[i], v)
				mu.Unlock()
			}
		})
	})
	require.NoError(t, err)

	for i := range popped {
		sort.Ints(popped[i])
		require.Equal(t, expected, popped[i], "clone %d", i)
	}

	require.Equal(t, []int{3, 2, 1}, drain(t, origin))
}

func TestStackConcurrentSiblingPops(t *testing.T) {
	// Siblings pop through the same shared segment at the same time. Every
	// sibling must see the whole chain. On even rounds the origin keeps its
	// reference and must be left with exact counts; on odd rounds it is released
	// up front so the siblings race each other for the last reference.
	const (
		depth    = 200
		siblings = 6
		rounds   = 20
	)

	for r := 0; r < rounds; r++ {
		origin := New[string]()
		want := make([]string, 0, depth)
		for i := 0; i < depth; i++ {
			origin.Push(strconv.Itoa(i))
			want = append([]string{strconv.Itoa(i)}, want...)
		}

		clones := make([]*Stack[string], siblings)
		for i := range clones {
			clones[i] = origin.Clone()
		}
		keepOrigin := r%2 == 0
		if !keepOrigin {
			origin.Release()
		}

		got := make([][]string, siblings)
		err := concurrency.Fork(context.Background(), siblings, func(_ context.Context, i int) error {
			for {
				v, err := clones[i].Pop()
				if err != nil {
					return nil
				}
				got[i] = append(got[i], v)
			}
		})
		require.NoError(t, err)

		for i := range got {
			require.Equal(t, want, got[i], "sibling %d", i)
		}

		if !keepOrigin {
			require.True(t, origin.Empty())
			continue
		}

		refs := refsOf(origin)
		require.Len(t, refs, depth)
		for i, ref := range refs {
			require.Equal(t, int32(1), ref, "node %d", i)
		}
	}
}

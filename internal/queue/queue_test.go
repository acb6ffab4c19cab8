package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(name string, vals ...int) *Queue[int] {
	q := New[int](name)
	for _, v := range vals {
		q.PushBack(v)
	}
	return q
}

func contents(q *Queue[int]) []int {
	out := make([]int, 0, q.Len())
	q.Each(func(v int) bool {
		out = append(out, v)
		return true
	})
	return out
}

func seq(from, to int) []int {
	out := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

func TestPushPopFIFO(t *testing.T) {
	q := New[int]("input")
	assert.True(t, q.Empty())
	assert.Equal(t, "input", q.Name())

	for i := 0; i < 3*chunkSize+5; i++ {
		q.PushBack(i)
	}
	assert.Equal(t, 3*chunkSize+5, q.Len())

	for i := 0; i < 3*chunkSize+5; i++ {
		v, err := q.PopFront()
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	assert.True(t, q.Empty())
	assert.Nil(t, q.head)
	assert.Nil(t, q.tail)
}

func TestPopEmpty(t *testing.T) {
	q := New[int]("output")
	_, err := q.PopFront()
	assert.ErrorIs(t, err, ErrEmpty)

	_, ok := q.Front()
	assert.False(t, ok)
}

func TestFrontDoesNotRemove(t *testing.T) {
	q := fill("q", 7, 8)
	v, ok := q.Front()
	require.True(t, ok)
	assert.Equal(t, 7, v)
	assert.Equal(t, 2, q.Len())
}

func TestReuseAfterDrain(t *testing.T) {
	q := fill("q", 1, 2)
	_, _ = q.PopFront()
	_, _ = q.PopFront()
	q.PushBack(3)
	assert.Equal(t, []int{3}, contents(q))
}

func TestAppendFrom(t *testing.T) {
	tests := []struct {
		name string
		dst  []int
		src  []int
	}{
		{"both empty", nil, nil},
		{"empty destination", nil, []int{1, 2}},
		{"empty source", []int{1, 2}, nil},
		{"partial chunks", []int{1, 2, 3}, []int{4, 5}},
		{"multi chunk", seq(0, chunkSize+3), seq(chunkSize+3, 3*chunkSize)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := fill("dst", tt.dst...)
			src := fill("src", tt.src...)
			dst.AppendFrom(src)

			want := append(append([]int{}, tt.dst...), tt.src...)
			assert.Equal(t, len(want), dst.Len())
			assert.Equal(t, want, contents(dst))
			assert.True(t, src.Empty())

			// The spliced queue keeps working at both ends.
			dst.PushBack(-1)
			for _, w := range append(want, -1) {
				v, err := dst.PopFront()
				require.NoError(t, err)
				assert.Equal(t, w, v)
			}
			assert.True(t, dst.Empty())
		})
	}
}

func TestPrependFrom(t *testing.T) {
	tests := []struct {
		name string
		dst  []int
		src  []int
	}{
		{"empty destination", nil, []int{1, 2}},
		{"empty source", []int{1, 2}, nil},
		{"undecided before newer input", []int{10, 11}, []int{1, 2, 3}},
		{"multi chunk", seq(100, 100+2*chunkSize), seq(0, chunkSize+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := fill("input", tt.dst...)
			src := fill("internal", tt.src...)
			dst.PrependFrom(src)

			want := append(append([]int{}, tt.src...), tt.dst...)
			assert.Equal(t, want, contents(dst))
			assert.True(t, src.Empty())

			dst.PushBack(-1)
			assert.Equal(t, append(want, -1), contents(dst))
		})
	}
}

func TestSwap(t *testing.T) {
	a := fill("a", 1, 2, 3)
	b := fill("b", 9)
	a.Swap(b)

	assert.Equal(t, []int{9}, contents(a))
	assert.Equal(t, []int{1, 2, 3}, contents(b))
	assert.Equal(t, "a", a.Name())
	assert.Equal(t, 3, b.Len())
}

func TestClear(t *testing.T) {
	q := fill("q", 1, 2, 3)
	assert.Equal(t, 3, q.Clear())
	assert.True(t, q.Empty())
	_, err := q.PopFront()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestEachStops(t *testing.T) {
	q := fill("q", seq(0, 40)...)
	var seen []int
	q.Each(func(v int) bool {
		seen = append(seen, v)
		return v < 4
	})
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)
}

func TestNoLossUnderMixedOperations(t *testing.T) {
	input := New[int]("input")
	internal := New[int]("internal")
	var out []int

	next := 0
	for round := 0; round < 50; round++ {
		for i := 0; i < round%7+1; i++ {
			internal.PushBack(next)
			next++
		}
		// Re-feed undecided events ahead of newer input, then drain some.
		input.PrependFrom(internal)
		for i := 0; i < round%5 && !input.Empty(); i++ {
			v, err := input.PopFront()
			require.NoError(t, err)
			out = append(out, v)
		}
		internal.AppendFrom(input)
	}
	input.AppendFrom(internal)
	out = append(out, contents(input)...)

	assert.Equal(t, seq(0, next), out)
}

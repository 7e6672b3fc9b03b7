package session

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestLineRing_Trims(t *testing.T) {
	r := newLineRing(10, 4)
	for i := range 11 {
		r.push(strconv.Itoa(i))
	}
	assert.Equal(t, []string{"4", "5", "6", "7", "8", "9", "10"}, r.snapshot())

	snap := r.snapshot()
	snap[0] = "mutated"
	assert.Equal(t, "4", r.snapshot()[0])
}

func TestLineRing_Defaults(t *testing.T) {
	r := newLineRing(0, 0)
	assert.Equal(t, 10000, r.max)
	assert.Equal(t, 2001, r.trim)
}

func TestLineRing_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		max := rapid.IntRange(1, 50).Draw(t, "max")
		trim := rapid.IntRange(1, max).Draw(t, "trim")
		n := rapid.IntRange(0, 300).Draw(t, "n")

		r := newLineRing(max, trim)
		for i := range n {
			r.push(strconv.Itoa(i))
			if r.len() > max {
				t.Fatalf("ring holds %d lines, max %d", r.len(), max)
			}
		}

		got := r.snapshot()
		if n <= max && len(got) != n {
			t.Fatalf("dropped lines before reaching max: %d of %d", len(got), n)
		}
		// What remains is always the most recent suffix, in order.
		for i, line := range got {
			if want := strconv.Itoa(n - len(got) + i); line != want {
				t.Fatalf("position %d: got %s want %s", i, line, want)
			}
		}
	})
}

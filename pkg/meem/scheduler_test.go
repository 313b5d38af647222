// SPDX-License-Identifier: MIT

package meem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCursorFairness(t *testing.T) {
	c := newCursor(4)
	pending := map[int]bool{0: true, 1: true, 2: true, 3: true}

	var order []int
	for len(pending) > 0 {
		idx, ok := c.find(func(i int) bool { return pending[i] })
		assert.True(t, ok)
		order = append(order, idx)
		delete(pending, idx)
	}

	assert.ElementsMatch(t, []int{0, 1, 2, 3}, order)
}

func TestCursorSkipsNonPending(t *testing.T) {
	c := newCursor(4)
	pending := map[int]bool{2: true}

	idx, ok := c.find(func(i int) bool { return pending[i] })
	assert.True(t, ok)
	assert.Equal(t, 2, idx)
}

func TestCursorReportsNoneWhenEmpty(t *testing.T) {
	c := newCursor(3)
	_, ok := c.find(func(i int) bool { return false })
	assert.False(t, ok)
}

func TestCursorAlwaysAdvancesAtLeastOnce(t *testing.T) {
	// A single pending block must still be found even when the cursor
	// starts pointing directly at it, since the cursor always steps past
	// its previous position before testing the first candidate.
	c := &cursor{count: 3, next: 1}
	idx, ok := c.find(func(i int) bool { return i == 1 })
	assert.True(t, ok)
	assert.Equal(t, 1, idx)
}

package scheduler

import (
	"container/heap"

	"github.com/fleetwatch/fleetwatch/internal/objects"
)

// idleItem is one entry in the idle ordered set: a checkable keyed by its
// next_check, with a stable tiebreaker (Name) so two checkables due at the
// same instant still order deterministically.
type idleItem struct {
	c     *objects.Checkable
	index int // maintained by container/heap for O(log n) removal
}

// idleHeap is a container/heap.Interface over idleItem, doubling as an
// index from checkable to heap position so OnNextCheckChanged can re-key a
// single entry in O(log n) instead of rebuilding the whole heap.
type idleHeap struct {
	items []*idleItem
	pos   map[*objects.Checkable]*idleItem
}

func newIdleHeap() *idleHeap {
	return &idleHeap{pos: make(map[*objects.Checkable]*idleItem)}
}

func (h *idleHeap) Len() int { return len(h.items) }

func (h *idleHeap) Less(i, j int) bool {
	a, b := h.items[i].c, h.items[j].c
	at, bt := a.NextCheck, b.NextCheck
	if at.Equal(bt) {
		return a.Name < b.Name
	}
	return at.Before(bt)
}

func (h *idleHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *idleHeap) Push(x any) {
	it := x.(*idleItem)
	it.index = len(h.items)
	h.items = append(h.items, it)
	h.pos[it.c] = it
}

func (h *idleHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	delete(h.pos, it.c)
	return it
}

// insert adds c to the idle set if it isn't already present.
func (h *idleHeap) insert(c *objects.Checkable) {
	if _, ok := h.pos[c]; ok {
		return
	}
	heap.Push(h, &idleItem{c: c})
}

// remove deletes c from the idle set if present; reports whether it was.
func (h *idleHeap) remove(c *objects.Checkable) bool {
	it, ok := h.pos[c]
	if !ok {
		return false
	}
	heap.Remove(h, it.index)
	return true
}

// rekey removes and reinserts c so its new next_check takes effect.
func (h *idleHeap) rekey(c *objects.Checkable) {
	if h.remove(c) {
		h.insert(c)
	}
}

// peek returns the checkable with the earliest next_check, or nil if empty.
func (h *idleHeap) peek() *objects.Checkable {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0].c
}

func (h *idleHeap) contains(c *objects.Checkable) bool {
	_, ok := h.pos[c]
	return ok
}

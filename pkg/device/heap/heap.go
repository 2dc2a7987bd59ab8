// Package heap implements the best-fit range allocator device backends use
// for buffer placement. Free blocks are kept in segregated lists indexed by
// the bit length of their size; adjacent free blocks coalesce on free, and
// allocated offsets stay stable until freed.
package heap

import (
	"fmt"
	"math/bits"
)

// BlockID identifies an allocation until it is freed.
type BlockID int

const nilBlock BlockID = -1

type block struct {
	arena      int
	begin, end int

	// address-ordered neighbor links within the arena
	prevArena, nextArena BlockID
	// free-list links, meaningful only while free
	prevFree, nextFree BlockID
	free               bool
	dead               bool
}

func (b *block) size() int { return b.end - b.begin }

// Heap hands out aligned ranges from one or more arenas.
type Heap struct {
	blocks    []*block
	freeLists []BlockID
}

// New returns an empty heap; add space with ExtendWith.
func New() *Heap {
	return &Heap{}
}

func freeListIndex(size int) int {
	return bits.Len(uint(size))
}

func (h *Heap) get(id BlockID) *block {
	if int(id) < 0 || int(id) >= len(h.blocks) || h.blocks[id].dead {
		panic(fmt.Sprintf("heap: no block %d", id))
	}
	return h.blocks[id]
}

func (h *Heap) newBlock(b *block) BlockID {
	id := BlockID(len(h.blocks))
	h.blocks = append(h.blocks, b)
	return id
}

func (h *Heap) registerFree(id BlockID) {
	b := h.get(id)
	if b.free {
		panic(fmt.Sprintf("heap: block %d already free", id))
	}
	index := freeListIndex(b.size())
	for index >= len(h.freeLists) {
		h.freeLists = append(h.freeLists, nilBlock)
	}
	b.free = true
	b.prevFree = nilBlock
	b.nextFree = h.freeLists[index]
	if b.nextFree != nilBlock {
		h.get(b.nextFree).prevFree = id
	}
	h.freeLists[index] = id
}

func (h *Heap) unregisterFree(id BlockID) {
	b := h.get(id)
	if !b.free {
		panic(fmt.Sprintf("heap: block %d is not free", id))
	}
	index := freeListIndex(b.size())
	if b.prevFree != nilBlock {
		h.get(b.prevFree).nextFree = b.nextFree
	} else {
		h.freeLists[index] = b.nextFree
	}
	if b.nextFree != nilBlock {
		h.get(b.nextFree).prevFree = b.prevFree
	}
	b.free = false
	b.prevFree, b.nextFree = nilBlock, nilBlock
}

// ExtendWith adds size new elements of space backed by the given arena.
func (h *Heap) ExtendWith(arena, size int) {
	if size <= 0 {
		panic(fmt.Sprintf("heap: cannot extend arena %d by %d", arena, size))
	}
	id := h.newBlock(&block{
		arena:     arena,
		begin:     0,
		end:       size,
		prevArena: nilBlock,
		nextArena: nilBlock,
		prevFree:  nilBlock,
		nextFree:  nilBlock,
	})
	h.registerFree(id)
}

// splitFront carves new elements off the front of a block, returning the
// id of the front part; the original keeps the tail.
func (h *Heap) splitFront(id BlockID, size int) BlockID {
	b := h.get(id)
	if size <= 0 || size >= b.size() {
		panic(fmt.Sprintf("heap: cannot split %d elements off block of %d", size, b.size()))
	}
	front := h.newBlock(&block{
		arena:     b.arena,
		begin:     b.begin,
		end:       b.begin + size,
		prevArena: b.prevArena,
		nextArena: id,
		prevFree:  nilBlock,
		nextFree:  nilBlock,
	})
	if b.prevArena != nilBlock {
		h.get(b.prevArena).nextArena = front
	}
	b.prevArena = front
	b.begin += size
	return front
}

// Alloc finds the best-fitting free block for an aligned range. It returns
// the block id and the offset within the arena; ok is false when no block
// fits.
func (h *Heap) Alloc(size, align int) (id BlockID, offset int, ok bool) {
	if size <= 0 || align <= 0 || align&(align-1) != 0 {
		panic(fmt.Sprintf("heap: bad allocation of %d aligned to %d", size, align))
	}
	alignMask := align - 1
	for index := freeListIndex(size); index < len(h.freeLists); index++ {
		for id := h.freeLists[index]; id != nilBlock; id = h.get(id).nextFree {
			b := h.get(id)
			alignedBegin := (b.begin + alignMask) &^ alignMask
			alignedEnd := alignedBegin + size
			if alignedEnd > b.end {
				continue
			}
			h.unregisterFree(id)
			if alignedBegin != b.begin {
				waste := h.splitFront(id, alignedBegin-b.begin)
				h.registerFree(waste)
			}
			if alignedEnd != b.end {
				tail := h.newBlock(&block{
					arena:     b.arena,
					begin:     alignedEnd,
					end:       b.end,
					prevArena: id,
					nextArena: b.nextArena,
					prevFree:  nilBlock,
					nextFree:  nilBlock,
				})
				if b.nextArena != nilBlock {
					h.get(b.nextArena).prevArena = tail
				}
				b.nextArena = tail
				b.end = alignedEnd
				h.registerFree(tail)
			}
			return id, b.begin, true
		}
	}
	return nilBlock, 0, false
}

// merge absorbs next into b; next must follow b immediately.
func (h *Heap) merge(id, nextID BlockID) {
	b, next := h.get(id), h.get(nextID)
	if b.arena != next.arena || b.end != next.begin {
		panic(fmt.Sprintf("heap: blocks %d and %d are not adjacent", id, nextID))
	}
	b.end = next.end
	b.nextArena = next.nextArena
	if next.nextArena != nilBlock {
		h.get(next.nextArena).prevArena = id
	}
	next.dead = true
}

// Arena returns the arena an allocated block lives in.
func (h *Heap) Arena(id BlockID) int {
	return h.get(id).arena
}

// Free returns a block to the heap, coalescing with free neighbors.
func (h *Heap) Free(id BlockID) {
	b := h.get(id)
	if b.free {
		panic(fmt.Sprintf("heap: double free of block %d", id))
	}
	if next := b.nextArena; next != nilBlock {
		nb := h.get(next)
		if nb.free && b.arena == nb.arena && b.end == nb.begin {
			h.unregisterFree(next)
			h.merge(id, next)
		}
	}
	if prev := b.prevArena; prev != nilBlock {
		pb := h.get(prev)
		if pb.free && pb.arena == b.arena && pb.end == b.begin {
			h.unregisterFree(prev)
			h.merge(prev, id)
			h.registerFree(prev)
			return
		}
	}
	h.registerFree(id)
}

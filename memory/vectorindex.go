package memory

import (
	"sort"
	"sync"
)

const defaultIndexCapacity = 1024

// VectorIndex is an in-process nearest-neighbor index over vectors of a fixed
// dimension. Re-inserting an id tombstones the old slot instead of removing
// it, mirroring ANN structures that never truly delete. The index is a
// best-effort accelerator; the document store stays authoritative.
type VectorIndex struct {
	mu       sync.RWMutex
	dim      int
	vectors  [][]float32
	deleted  []bool
	idToSlot map[string]int
	slotToID map[int]string
	live     int
}

// NewVectorIndex creates an index for vectors of length dim. A non-positive
// initial capacity falls back to the default.
func NewVectorIndex(dim, capacity int) *VectorIndex {
	if capacity <= 0 {
		capacity = defaultIndexCapacity
	}
	return &VectorIndex{
		dim:      dim,
		vectors:  make([][]float32, 0, capacity),
		deleted:  make([]bool, 0, capacity),
		idToSlot: make(map[string]int),
		slotToID: make(map[int]string),
	}
}

// Dim returns the configured vector dimension.
func (ix *VectorIndex) Dim() int { return ix.dim }

// Len returns the number of live (non-tombstoned) vectors.
func (ix *VectorIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.live
}

// Insert adds a vector under the given record id. If the id is already
// mapped, the old slot is tombstoned first. Returns DimensionMismatchError
// when the vector length disagrees with the index dimension.
func (ix *VectorIndex) Insert(id string, vec []float32) error {
	if len(vec) != ix.dim {
		return &DimensionMismatchError{Want: ix.dim, Got: len(vec)}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if slot, ok := ix.idToSlot[id]; ok {
		if !ix.deleted[slot] {
			ix.deleted[slot] = true
			ix.live--
		}
		delete(ix.slotToID, slot)
	}

	if len(ix.vectors) == cap(ix.vectors) {
		ix.grow()
	}

	slot := len(ix.vectors)
	stored := make([]float32, len(vec))
	copy(stored, vec)
	ix.vectors = append(ix.vectors, stored)
	ix.deleted = append(ix.deleted, false)
	ix.idToSlot[id] = slot
	ix.slotToID[slot] = id
	ix.live++
	return nil
}

// Remove tombstones the slot for the given id, if present.
func (ix *VectorIndex) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	slot, ok := ix.idToSlot[id]
	if !ok {
		return
	}
	if !ix.deleted[slot] {
		ix.deleted[slot] = true
		ix.live--
	}
	delete(ix.idToSlot, id)
	delete(ix.slotToID, slot)
}

// Match is one k-NN result.
type Match struct {
	ID         string
	Similarity float64
}

// Query returns up to k matches ordered by descending cosine similarity,
// skipping tombstoned slots. An empty index or k <= 0 yields an empty result,
// never an error.
func (ix *VectorIndex) Query(vec []float32, k int) []Match {
	if k <= 0 || len(vec) != ix.dim {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	matches := make([]Match, 0, ix.live)
	for slot, stored := range ix.vectors {
		if ix.deleted[slot] {
			continue
		}
		id, ok := ix.slotToID[slot]
		if !ok {
			continue
		}
		matches = append(matches, Match{
			ID:         id,
			Similarity: CosineSimilarity(vec, stored),
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// grow doubles capacity, compacting tombstoned slots away. Every live vector
// survives the move. Caller must hold the write lock.
func (ix *VectorIndex) grow() {
	newCap := cap(ix.vectors) * 2
	if newCap == 0 {
		newCap = defaultIndexCapacity
	}

	vectors := make([][]float32, 0, newCap)
	deleted := make([]bool, 0, newCap)
	slotToID := make(map[int]string, ix.live)
	idToSlot := make(map[string]int, ix.live)

	for slot, vec := range ix.vectors {
		if ix.deleted[slot] {
			continue
		}
		id, ok := ix.slotToID[slot]
		if !ok {
			continue
		}
		newSlot := len(vectors)
		vectors = append(vectors, vec)
		deleted = append(deleted, false)
		slotToID[newSlot] = id
		idToSlot[id] = newSlot
	}

	ix.vectors = vectors
	ix.deleted = deleted
	ix.slotToID = slotToID
	ix.idToSlot = idToSlot
	ix.live = len(vectors)
}

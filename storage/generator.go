package storage

import (
	"sync"

	"github.com/scalevox/scalevox/svox"
)

// Generator procedurally produces voxel data for a block.  Implementations
// must be pure functions of voxel coordinates and fixed parameters: the value
// at a coordinate may not depend on the LOD it is queried at, since
// downsampling is the store's job.  Generate is called concurrently from
// worker goroutines.
type Generator interface {
	// Generate fills buf for the block whose first voxel sits at origin,
	// expressed in LOD0 voxel coordinates.  Voxels are spaced 1<<lod apart.
	// Returns a mask of the channels written.
	Generate(buf *Buffer, origin svox.Point3i, lod uint8) uint8
}

// Modifier is a composable procedural operation applied over generator
// output, such as an additive or subtractive shape.  Apply reads and may
// overwrite the buffer in place.  Must be safe for concurrent calls.
type Modifier interface {
	Apply(buf *Buffer, origin svox.Point3i, lod uint8)
}

// ModifierStack is an ordered list of modifiers.  They are applied
// generator-output-first, each composing over the previous result.
type ModifierStack struct {
	mu        sync.RWMutex
	modifiers []Modifier
}

// Add appends a modifier at the end of the stack.
func (s *ModifierStack) Add(m Modifier) {
	s.mu.Lock()
	s.modifiers = append(s.modifiers, m)
	s.mu.Unlock()
}

// Clear removes every modifier.
func (s *ModifierStack) Clear() {
	s.mu.Lock()
	s.modifiers = nil
	s.mu.Unlock()
}

// Len returns the number of modifiers in the stack.
func (s *ModifierStack) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.modifiers)
}

// Apply runs every modifier over the buffer in stack order.
func (s *ModifierStack) Apply(buf *Buffer, origin svox.Point3i, lod uint8) {
	s.mu.RLock()
	mods := s.modifiers
	s.mu.RUnlock()
	for _, m := range mods {
		m.Apply(buf, origin, lod)
	}
}

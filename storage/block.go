package storage

// Block is one entry of a LOD map.  Three states exist for a block position:
// no entry at all (nothing known, queries fall through to the generator), an
// entry without voxels (known to hold only default data, so streaming must
// not re-request it), and an entry with voxels.
//
// Field access follows the map locking discipline: structural reads under the
// LOD's read lock, mutation under its write lock or a write transaction.
type Block struct {
	voxels *Buffer

	// edited marks authoritative user data that must be persisted.  It is
	// sticky: generator-driven refreshes never clear it.
	edited bool

	// needsLodUpdate is set on LOD0 blocks whose mips are stale.
	needsLodUpdate bool
}

// NewBlock returns a block holding the given buffer.  Ownership of the
// buffer reference transfers to the block.
func NewBlock(voxels *Buffer, edited bool) *Block {
	return &Block{voxels: voxels, edited: edited}
}

// NewEmptyBlock returns a block in the empty-known state.
func NewEmptyBlock() *Block {
	return &Block{}
}

// HasVoxels returns false for empty-known blocks.
func (b *Block) HasVoxels() bool {
	return b.voxels != nil
}

// Voxels returns the block's buffer, or nil for empty-known blocks.  Callers
// keeping it past the map lock must Retain it.
func (b *Block) Voxels() *Buffer {
	return b.voxels
}

// Edited tells whether the block holds user edits rather than cached
// generator output.
func (b *Block) Edited() bool {
	return b.edited
}

// SetEdited raises or lowers the edited flag.  Lowering it is only done by
// explicit cache-clearing paths, never by generation.
func (b *Block) SetEdited(edited bool) {
	b.edited = edited
}

// NeedsLodUpdate tells whether mips covering this LOD0 block are stale.
func (b *Block) NeedsLodUpdate() bool {
	return b.needsLodUpdate
}

func (b *Block) SetNeedsLodUpdate(needs bool) {
	b.needsLodUpdate = needs
}

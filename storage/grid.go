package storage

import (
	"github.com/scalevox/scalevox/svox"
)

// Grid is a dense view over the blocks of a box at one LOD, for batch
// consumers like meshing.  Buffers are referenced, so the view stays valid
// after the map lock is dropped; callers must Release the grid when done.
// Blocks missing from the map are reported in Missing, never silently
// substituted.  Present blocks without voxels (empty-known) appear as nil
// buffers but are not listed missing.
type Grid struct {
	Origin svox.Point3i // block coordinates of the first cell
	Size   svox.Point3i // in blocks
	LOD    uint8

	Blocks  []*Buffer
	Missing []svox.Point3i
}

func (g *Grid) index(bpos svox.Point3i) int {
	local := bpos.Sub(g.Origin)
	return int(local[0]) + int(g.Size[0])*(int(local[1])+int(g.Size[1])*int(local[2]))
}

// Block returns the buffer at the given block coordinate, or nil when the
// block is missing or empty-known.
func (g *Grid) Block(bpos svox.Point3i) *Buffer {
	local := bpos.Sub(g.Origin)
	if local[0] < 0 || local[1] < 0 || local[2] < 0 ||
		local[0] >= g.Size[0] || local[1] >= g.Size[1] || local[2] >= g.Size[2] {
		return nil
	}
	return g.Blocks[g.index(bpos)]
}

// Release drops the references held on the viewed buffers.  The grid must
// not be used afterwards.
func (g *Grid) Release() {
	for i, buf := range g.Blocks {
		if buf != nil {
			buf.Release()
			g.Blocks[i] = nil
		}
	}
}

// BlocksGrid exposes a dense view over present blocks intersecting the voxel
// box at a LOD.  The box is clipped to the bounds.
func (d *Data) BlocksGrid(voxelBox svox.Box3i, lodIndex uint8) *Grid {
	bounds, lodCount, _, _, _ := d.snapshotSettings()
	if lodIndex >= lodCount {
		svox.Errorf("BlocksGrid at LOD %d beyond configured count %d\n", lodIndex, lodCount)
		return &Grid{LOD: lodIndex}
	}
	box := voxelBox.Clipped(bounds)
	if box.IsEmpty() {
		return &Grid{LOD: lodIndex}
	}
	blockBox := box.DownscaledPo2(d.blockSizePo2 + uint(lodIndex))
	g := &Grid{
		Origin: blockBox.Pos,
		Size:   blockBox.Size,
		LOD:    lodIndex,
		Blocks: make([]*Buffer, blockBox.Size.Prod()),
	}
	l := &d.lods[lodIndex]
	l.mu.RLock()
	blockBox.ForEachCellZYX(func(bpos svox.Point3i) {
		block, found := l.blocks[bpos]
		if !found {
			g.Missing = append(g.Missing, bpos)
			return
		}
		if block.voxels != nil {
			block.voxels.Retain()
			g.Blocks[g.index(bpos)] = block.voxels
		}
	})
	l.mu.RUnlock()
	return g
}

// BlocksWithData returns the buffers of blocks holding voxel data in the
// given box of block coordinates, with a reference taken on each.
func (d *Data) BlocksWithData(blockBox svox.Box3i, lodIndex uint8) []*Buffer {
	var bufs []*Buffer
	l := &d.lods[lodIndex]
	l.mu.RLock()
	blockBox.ForEachCellZYX(func(bpos svox.Point3i) {
		if block, found := l.blocks[bpos]; found && block.HasVoxels() {
			block.voxels.Retain()
			bufs = append(bufs, block.voxels)
		}
	})
	l.mu.RUnlock()
	return bufs
}

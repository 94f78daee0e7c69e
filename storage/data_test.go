package storage

import (
	. "github.com/janelia-flyem/go/gocheck"

	"github.com/scalevox/scalevox/svox"
)

func (s *DataSuite) TestDataDefaults(c *C) {
	d := NewData()
	c.Assert(d.BlockSize(), Equals, int32(16))
	c.Assert(d.LODCount(), Equals, uint8(1))
	c.Assert(d.StreamingEnabled(), Equals, true)
	c.Assert(d.BlockCount(), Equals, 0)

	c.Assert(d.VoxelToBlock(svox.Point3i{15, 16, -1}), Equals, svox.Point3i{0, 1, -1})
	c.Assert(d.BlockOrigin(svox.Point3i{1, -1, 2}, 0), Equals, svox.Point3i{16, -16, 32})
	// A LOD1 block spans twice the voxels.
	c.Assert(d.BlockOrigin(svox.Point3i{1, -1, 2}, 1), Equals, svox.Point3i{32, -32, 64})
}

func (s *DataSuite) TestDataSettings(c *C) {
	d := NewData()
	c.Assert(d.SetLODCount(0), Equals, false)
	c.Assert(d.SetLODCount(svox.MaxLOD+1), Equals, false)
	c.Assert(d.SetBlockSizePo2(0), Equals, false)
	c.Assert(d.SetBlockSizePo2(9), Equals, false)

	c.Assert(d.SetBlockSizePo2(5), Equals, true)
	c.Assert(d.BlockSize(), Equals, int32(32))

	// Destructive settings drop resident blocks and bump the epoch so
	// in-flight async results can be told apart from current ones.
	d.SetStreamingEnabled(false)
	c.Assert(d.TrySetVoxel(1, svox.Point3i{0, 0, 0}, ChannelType), Equals, true)
	c.Assert(d.BlockCount(), Equals, 1)
	epoch := d.Epoch()
	c.Assert(d.SetLODCount(3), Equals, true)
	c.Assert(d.BlockCount(), Equals, 0)
	if d.Epoch() <= epoch {
		c.Errorf("epoch did not advance on LOD count change: %d -> %d", epoch, d.Epoch())
	}
}

func (s *DataSuite) TestBlockInsertIdempotent(c *C) {
	d := NewData()
	bpos := svox.Point3i{1, 2, 3}

	first := newTestBuffer(d)
	first.SetVoxel(11, 0, 0, 0, ChannelType)
	c.Assert(d.TrySetBlockBuffer(bpos, 0, first, false), Equals, true)
	c.Assert(d.HasBlock(bpos, 0), Equals, true)

	// A racing loader inserting the same block also succeeds, but the
	// resident data is not overwritten.
	second := newTestBuffer(d)
	second.SetVoxel(99, 0, 0, 0, ChannelType)
	c.Assert(d.TrySetBlockBuffer(bpos, 0, second, false), Equals, true)
	c.Assert(d.VoxelAt(d.BlockOrigin(bpos, 0), ChannelType, 0), Equals, uint64(11))
	c.Assert(d.BlockCount(), Equals, 1)
}

func (s *DataSuite) TestBlockInsertRejects(c *C) {
	d := NewData()
	bpos := svox.Point3i{0, 0, 0}

	// Wrong buffer size fails and leaves the map unchanged.
	bad := NewBuffer(svox.Point3i{8, 8, 8})
	c.Assert(d.TrySetBlockBuffer(bpos, 0, bad, false), Equals, false)
	missing := d.GetMissingBlocks([]svox.Point3i{bpos}, 0)
	c.Assert(len(missing), Equals, 1)
	bad.Release()

	// LOD beyond the configured count fails.
	buf := newTestBuffer(d)
	c.Assert(d.TrySetBlockBuffer(bpos, 1, buf, false), Equals, false)

	// Out-of-bounds positions fail and stay permanently missing.
	d.SetBounds(svox.Box3iFromMinMax(svox.Point3i{0, 0, 0}, svox.Point3i{64, 64, 64}))
	far := svox.Point3i{100, 0, 0}
	c.Assert(d.TrySetBlockBuffer(far, 0, buf, false), Equals, false)
	c.Assert(len(d.GetMissingBlocks([]svox.Point3i{far}, 0)), Equals, 1)
	buf.Release()
}

func (s *DataSuite) TestVoxelEditGate(c *C) {
	d := NewData()
	pos := svox.Point3i{10, 10, 10}

	// While streaming, writing into an unloaded area could lose whatever
	// the stream holds, so the write is refused.
	c.Assert(d.TrySetVoxel(5, pos, ChannelType), Equals, false)
	c.Assert(d.IsAreaLoaded(svox.NewBox3i(pos, svox.Point3i{1, 1, 1})), Equals, false)

	// Without streaming, blocks can always be synthesized.
	d.SetStreamingEnabled(false)
	c.Assert(d.TrySetVoxel(5, pos, ChannelType), Equals, true)
	c.Assert(d.VoxelAt(pos, ChannelType, 0), Equals, uint64(5))
	c.Assert(d.VoxelAt(svox.Point3i{10, 10, 11}, ChannelType, 0), Equals, uint64(0))

	// Out of bounds reads yield the caller's default.
	d.SetBounds(svox.Box3iFromMinMax(svox.Point3i{0, 0, 0}, svox.Point3i{8, 8, 8}))
	c.Assert(d.VoxelAt(svox.Point3i{100, 0, 0}, ChannelType, 77), Equals, uint64(77))
	c.Assert(d.VoxelSDFAt(svox.Point3i{100, 0, 0}), Equals, float32(1))
}

func (s *DataSuite) TestVoxelSDFEdit(c *C) {
	d := NewData()
	d.SetStreamingEnabled(false)
	pos := svox.Point3i{3, 4, 5}

	c.Assert(d.TrySetVoxelSDF(-0.25, pos), Equals, true)
	got := d.VoxelSDFAt(pos)
	if got < -0.26 || got > -0.24 {
		c.Errorf("SDF round trip drifted: want about -0.25, got %g", got)
	}
	c.Assert(d.VoxelSDFAt(svox.Point3i{3, 4, 6}), Equals, float32(1))
}

func (s *DataSuite) TestWriteBoxGate(c *C) {
	d := NewData()
	box := svox.Box3iFromMinMax(svox.Point3i{0, 0, 0}, svox.Point3i{20, 4, 4})

	// While streaming with nothing loaded, a box write is cancelled whole:
	// partially-loaded volumes must not be silently edited.
	processed := d.WriteBox(box, ChannelType, func(pos svox.Point3i, v uint64) uint64 {
		return v + 1
	})
	c.Assert(processed.IsEmpty(), Equals, true)
	c.Assert(d.BlockCount(), Equals, 0)

	// Pre-generating the area makes the write valid.
	d.PreGenerateBox(box)
	processed = d.WriteBox(box, ChannelType, func(pos svox.Point3i, v uint64) uint64 {
		return uint64(pos[0])
	})
	c.Assert(processed, Equals, box)
	c.Assert(d.VoxelAt(svox.Point3i{17, 0, 0}, ChannelType, 0), Equals, uint64(17))
	c.Assert(d.VoxelAt(svox.Point3i{3, 1, 2}, ChannelType, 0), Equals, uint64(3))
}

func (s *DataSuite) TestWriteBoxGateAfterUnload(c *C) {
	d := NewData()
	box := svox.Box3iFromMinMax(svox.Point3i{0, 0, 0}, svox.Point3i{20, 4, 4})
	d.PreGenerateBox(box)

	// An eviction after pre-generation leaves part of the area unloaded
	// again; the next box write must cancel instead of regenerating a
	// stale base under the edit.
	d.UnloadBlocks(svox.Box3iFromMinMax(svox.Point3i{0, 0, 0}, svox.Point3i{1, 1, 1}), 0, nil)
	processed := d.WriteBox(box, ChannelType, func(pos svox.Point3i, v uint64) uint64 {
		return 9
	})
	c.Assert(processed.IsEmpty(), Equals, true)
	c.Assert(d.HasBlock(svox.Point3i{0, 0, 0}, 0), Equals, false)
	c.Assert(d.VoxelAt(svox.Point3i{17, 0, 0}, ChannelType, 0), Equals, uint64(0))
}

func (s *DataSuite) TestWriteBoxClipsToBounds(c *C) {
	d := NewData()
	d.SetStreamingEnabled(false)
	d.SetBounds(svox.Box3iFromMinMax(svox.Point3i{0, 0, 0}, svox.Point3i{32, 32, 32}))

	box := svox.Box3iFromMinMax(svox.Point3i{16, 16, 16}, svox.Point3i{64, 64, 64})
	processed := d.WriteBox(box, ChannelType, func(pos svox.Point3i, v uint64) uint64 {
		return 1
	})
	c.Assert(processed, Equals, svox.Box3iFromMinMax(svox.Point3i{16, 16, 16}, svox.Point3i{32, 32, 32}))
	c.Assert(d.VoxelAt(svox.Point3i{20, 20, 20}, ChannelType, 0), Equals, uint64(1))
}

func (s *DataSuite) TestWriteBox2(c *C) {
	d := NewData()
	d.SetStreamingEnabled(false)

	box := svox.NewBox3i(svox.Point3i{0, 0, 0}, svox.Point3i{4, 4, 4})
	processed := d.WriteBox2(box, ChannelType, ChannelIndices,
		func(pos svox.Point3i, v1, v2 uint64) (uint64, uint64) {
			return 2, 3
		})
	c.Assert(processed, Equals, box)
	c.Assert(d.VoxelAt(svox.Point3i{1, 1, 1}, ChannelType, 0), Equals, uint64(2))
	c.Assert(d.VoxelAt(svox.Point3i{1, 1, 1}, ChannelIndices, 0), Equals, uint64(3))
}

func (s *DataSuite) TestEditedBlocksSurviveCacheClear(c *C) {
	d := NewData()
	d.SetStreamingEnabled(false)

	editedPos := svox.Point3i{0, 0, 0}
	cachedPos := svox.Point3i{64, 0, 0}
	c.Assert(d.TrySetVoxel(5, editedPos, ChannelType), Equals, true)
	d.MarkAreaModified(svox.NewBox3i(editedPos, svox.Point3i{1, 1, 1}))
	d.PreGenerateBox(svox.NewBox3i(cachedPos, svox.Point3i{1, 1, 1}))
	c.Assert(d.BlockCount(), Equals, 2)

	// Cache clearing only drops generator results, never user edits.
	everything := svox.Box3iFromMinMax(svox.Point3i{-128, -128, -128}, svox.Point3i{128, 128, 128})
	d.ClearCachedBlocks(everything)
	c.Assert(d.BlockCount(), Equals, 1)
	c.Assert(d.VoxelAt(editedPos, ChannelType, 0), Equals, uint64(5))
}

func (s *DataSuite) TestMarkAreaModified(c *C) {
	d := NewData()
	d.SetStreamingEnabled(false)
	c.Assert(d.SetLODCount(2), Equals, true)

	pos := svox.Point3i{10, 10, 10}
	c.Assert(d.TrySetVoxel(5, pos, ChannelType), Equals, true)

	editBox := svox.NewBox3i(pos, svox.Point3i{1, 1, 1})
	flagged := d.MarkAreaModified(editBox)
	c.Assert(flagged, DeepEquals, []svox.Point3i{{0, 0, 0}})

	// Flagging is idempotent until the LODs are rebuilt.
	c.Assert(len(d.MarkAreaModified(editBox)), Equals, 0)

	// An area with no resident blocks flags nothing.
	c.Assert(len(d.MarkAreaModified(svox.NewBox3i(svox.Point3i{200, 0, 0}, svox.Point3i{1, 1, 1}))), Equals, 0)
}

func (s *DataSuite) TestUpdateLods(c *C) {
	d := NewData()
	d.SetStreamingEnabled(false)
	c.Assert(d.SetLODCount(3), Equals, true)

	// Put a recognizable value at an even voxel so the downsample at each
	// LOD keeps hitting it.
	pos := svox.Point3i{0, 0, 0}
	c.Assert(d.TrySetVoxel(9, pos, ChannelType), Equals, true)

	flagged := d.MarkAreaModified(svox.NewBox3i(pos, svox.Point3i{1, 1, 1}))
	updated := d.UpdateLods(flagged)
	c.Assert(len(updated), Equals, 2)
	c.Assert(updated[0], Equals, BlockLocation{Pos: svox.Point3i{0, 0, 0}, LOD: 1})
	c.Assert(updated[1], Equals, BlockLocation{Pos: svox.Point3i{0, 0, 0}, LOD: 2})
	c.Assert(d.HasBlock(svox.Point3i{0, 0, 0}, 1), Equals, true)
	c.Assert(d.HasBlock(svox.Point3i{0, 0, 0}, 2), Equals, true)

	// The rebuild cleared the flags, so the same edit flags anew.
	flagged = d.MarkAreaModified(svox.NewBox3i(pos, svox.Point3i{1, 1, 1}))
	c.Assert(len(flagged), Equals, 1)

	// Voxel (0,0,0) survives every downsample.
	var mip1 *Buffer
	d.ForEachBlockAtLOD(1, func(loc BlockLocation, block *Block) {
		mip1 = block.Voxels()
	})
	c.Assert(mip1, NotNil)
	c.Assert(mip1.Voxel(0, 0, 0, ChannelType), Equals, uint64(9))
}

func (s *DataSuite) TestEmptyBlocks(c *C) {
	d := NewData()
	bpos := svox.Point3i{2, 2, 2}

	d.SetEmptyBlock(bpos, 0)
	c.Assert(d.HasBlock(bpos, 0), Equals, true)
	c.Assert(len(d.GetMissingBlocks([]svox.Point3i{bpos}, 0)), Equals, 0)

	// The known-empty state counts as loaded, so editing over it works.
	box := svox.NewBox3i(d.BlockOrigin(bpos, 0), svox.Point3i{1, 1, 1})
	c.Assert(d.IsAreaLoaded(box), Equals, true)

	// An empty entry is not overwritten by a later one.
	buf := newTestBuffer(d)
	c.Assert(d.TrySetBlockBuffer(bpos, 0, buf, false), Equals, true)
	d.SetEmptyBlock(bpos, 0)
	c.Assert(d.HasBlock(bpos, 0), Equals, true)
}

func (s *DataSuite) TestMissingBlocksInBox(c *C) {
	d := NewData()
	d.SetEmptyBlock(svox.Point3i{0, 0, 0}, 0)

	box := svox.Box3iFromMinMax(svox.Point3i{0, 0, 0}, svox.Point3i{2, 1, 1})
	missing := d.GetMissingBlocksInBox(box, 0)
	c.Assert(missing, DeepEquals, []svox.Point3i{{1, 0, 0}})

	// Out-of-bounds coordinates are reported missing, same as the list
	// form: insertion rejects them, so they can never become resident.
	d.SetBounds(svox.Box3iFromMinMax(svox.Point3i{0, 0, 0}, svox.Point3i{32, 32, 32}))
	d.SetEmptyBlock(svox.Point3i{1, 0, 0}, 0)
	outside := svox.Box3iFromMinMax(svox.Point3i{1, 0, 0}, svox.Point3i{4, 1, 1})
	missing = d.GetMissingBlocksInBox(outside, 0)
	c.Assert(missing, DeepEquals, []svox.Point3i{{2, 0, 0}, {3, 0, 0}})
	c.Assert(d.GetMissingBlocks(missing, 0), DeepEquals, missing)
}

func (s *DataSuite) TestUnloadBlocks(c *C) {
	d := NewData()
	d.SetStreamingEnabled(false)

	c.Assert(d.TrySetVoxel(5, svox.Point3i{0, 0, 0}, ChannelType), Equals, true)
	d.MarkAreaModified(svox.NewBox3i(svox.Point3i{0, 0, 0}, svox.Point3i{1, 1, 1}))

	var unloaded []svox.Point3i
	var sawEdited bool
	box := svox.Box3iFromMinMax(svox.Point3i{-1, -1, -1}, svox.Point3i{2, 2, 2})
	d.UnloadBlocks(box, 0, func(block *Block, bpos svox.Point3i) {
		unloaded = append(unloaded, bpos)
		if block.Edited() {
			sawEdited = true
		}
	})
	c.Assert(unloaded, DeepEquals, []svox.Point3i{{0, 0, 0}})
	c.Assert(sawEdited, Equals, true)
	c.Assert(d.BlockCount(), Equals, 0)
}

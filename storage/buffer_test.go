package storage

import (
	. "github.com/janelia-flyem/go/gocheck"

	"github.com/scalevox/scalevox/svox"
)

func (s *DataSuite) TestBufferUniform(c *C) {
	buf := NewBuffer(svox.Point3i{16, 16, 16})
	defer buf.Release()

	c.Assert(buf.VoxelCount(), Equals, 16*16*16)
	for ci := 0; ci < MaxChannels; ci++ {
		c.Assert(buf.IsUniform(ci), Equals, true)
	}
	c.Assert(buf.Voxel(3, 4, 5, ChannelType), Equals, uint64(0))

	// A fresh buffer reads as air everywhere.
	c.Assert(buf.VoxelSDF(0, 0, 0), Equals, float32(1))

	// One write expands the channel; every other voxel keeps the fill value.
	buf.SetVoxel(42, 3, 4, 5, ChannelType)
	c.Assert(buf.IsUniform(ChannelType), Equals, false)
	c.Assert(buf.Voxel(3, 4, 5, ChannelType), Equals, uint64(42))
	c.Assert(buf.Voxel(3, 4, 6, ChannelType), Equals, uint64(0))

	// Filling makes it uniform again.
	buf.FillChannel(7, ChannelType)
	c.Assert(buf.IsUniform(ChannelType), Equals, true)
	c.Assert(buf.UniformValue(ChannelType), Equals, uint64(7))
	c.Assert(buf.Voxel(0, 0, 0, ChannelType), Equals, uint64(7))
}

func (s *DataSuite) TestBufferSDF(c *C) {
	buf := NewBuffer(svox.Point3i{16, 16, 16})
	defer buf.Release()

	// 32-bit storage keeps the exact float.
	c.Assert(buf.SetChannelDepth(ChannelSDF, Depth32Bit), IsNil)
	buf.SetVoxelSDF(-0.5, 1, 2, 3)
	c.Assert(buf.VoxelSDF(1, 2, 3), Equals, float32(-0.5))

	// The default 16-bit fixed point only approximates.
	buf16 := NewBuffer(svox.Point3i{16, 16, 16})
	defer buf16.Release()
	buf16.SetVoxelSDF(-0.5, 1, 2, 3)
	got := buf16.VoxelSDF(1, 2, 3)
	if got < -0.51 || got > -0.49 {
		c.Errorf("16-bit SDF round trip drifted: want about -0.5, got %g", got)
	}

	// Depth changes only apply to untouched channels.
	c.Assert(buf.SetChannelDepth(ChannelSDF, Depth8Bit), NotNil)
	c.Assert(buf.SetChannelDepth(ChannelType, Depth(3)), NotNil)
}

func (s *DataSuite) TestBufferDownscale(c *C) {
	src := NewBuffer(svox.Point3i{16, 16, 16})
	dst := NewBuffer(svox.Point3i{16, 16, 16})
	defer src.Release()
	defer dst.Release()

	src.SetVoxel(9, 0, 0, 0, ChannelType)
	src.SetVoxel(5, 2, 4, 6, ChannelType)

	// The source block fills the (8,8,8) octant of the destination.
	dst.DownscaleFrom(src, svox.Point3i{8, 8, 8})
	c.Assert(dst.Voxel(8, 8, 8, ChannelType), Equals, uint64(9))
	c.Assert(dst.Voxel(9, 10, 11, ChannelType), Equals, uint64(5))
	c.Assert(dst.Voxel(0, 0, 0, ChannelType), Equals, uint64(0))
}

func (s *DataSuite) TestBufferMarshal(c *C) {
	buf := NewBuffer(svox.Point3i{16, 16, 16})
	defer buf.Release()

	buf.SetVoxel(11, 1, 1, 1, ChannelType)
	buf.SetVoxelSDF(-0.25, 2, 2, 2)
	buf.FillChannel(0xdeadbeef, ChannelColor)

	data, err := buf.MarshalBinary()
	c.Assert(err, IsNil)

	got, err := BufferFromBytes(data)
	c.Assert(err, IsNil)
	defer got.Release()

	c.Assert(got.Size(), Equals, buf.Size())
	c.Assert(got.Voxel(1, 1, 1, ChannelType), Equals, uint64(11))
	c.Assert(got.Voxel(1, 1, 2, ChannelType), Equals, uint64(0))
	c.Assert(got.VoxelSDF(2, 2, 2), Equals, buf.VoxelSDF(2, 2, 2))
	c.Assert(got.IsUniform(ChannelColor), Equals, true)
	c.Assert(got.UniformValue(ChannelColor), Equals, uint64(0xdeadbeef))

	_, err = BufferFromBytes(data[:5])
	c.Assert(err, NotNil)
}

func (s *DataSuite) TestBufferCopy(c *C) {
	src := NewBuffer(svox.Point3i{16, 16, 16})
	dst := NewBuffer(svox.Point3i{16, 16, 16})
	bad := NewBuffer(svox.Point3i{8, 8, 8})
	defer src.Release()
	defer dst.Release()
	defer bad.Release()

	src.SetVoxel(3, 0, 1, 2, ChannelIndices)
	c.Assert(dst.CopyFrom(src), IsNil)
	c.Assert(dst.Voxel(0, 1, 2, ChannelIndices), Equals, uint64(3))

	c.Assert(bad.CopyFrom(src), NotNil)
}

func (s *DataSuite) TestBufferCopyChannel(c *C) {
	src := NewBuffer(svox.Point3i{16, 16, 16})
	dst := NewBuffer(svox.Point3i{16, 16, 16})
	defer src.Release()
	defer dst.Release()

	for z := int32(0); z < 4; z++ {
		for y := int32(0); y < 4; y++ {
			for x := int32(0); x < 4; x++ {
				src.SetVoxel(uint64(x+10*y+100*z), x, y, z, ChannelType)
			}
		}
	}
	src.SetVoxel(7, 0, 0, 0, ChannelIndices)

	// Paste the 4^3 corner region at an offset.
	dst.CopyChannelFrom(src, svox.Point3i{0, 0, 0}, svox.Point3i{4, 4, 4}, svox.Point3i{5, 6, 7}, ChannelType)
	c.Assert(dst.Voxel(5, 6, 7, ChannelType), Equals, uint64(0))
	c.Assert(dst.Voxel(8, 9, 10, ChannelType), Equals, uint64(3+10*3+100*3))
	c.Assert(dst.Voxel(6, 7, 8, ChannelType), Equals, uint64(1+10*1+100*1))
	// Outside the pasted region and on other channels, nothing moved.
	c.Assert(dst.Voxel(4, 6, 7, ChannelType), Equals, uint64(0))
	c.Assert(dst.IsUniform(ChannelIndices), Equals, true)

	// A paste overhanging the destination is clipped, not wrapped.
	edge := NewBuffer(svox.Point3i{16, 16, 16})
	defer edge.Release()
	edge.CopyChannelFrom(src, svox.Point3i{0, 0, 0}, svox.Point3i{4, 4, 4}, svox.Point3i{14, 14, 14}, ChannelType)
	c.Assert(edge.Voxel(15, 15, 15, ChannelType), Equals, uint64(1+10*1+100*1))
	c.Assert(edge.Voxel(0, 0, 0, ChannelType), Equals, uint64(0))

	// A negative destination shifts the source window instead of writing
	// out of range.
	neg := NewBuffer(svox.Point3i{16, 16, 16})
	defer neg.Release()
	neg.CopyChannelFrom(src, svox.Point3i{0, 0, 0}, svox.Point3i{4, 4, 4}, svox.Point3i{-2, 0, 0}, ChannelType)
	c.Assert(neg.Voxel(0, 1, 1, ChannelType), Equals, uint64(2+10*1+100*1))

	// Matching uniform channels skip the voxel walk and stay uniform.
	flat := NewBuffer(svox.Point3i{16, 16, 16})
	defer flat.Release()
	flat.CopyChannelFrom(src, svox.Point3i{8, 8, 8}, svox.Point3i{12, 12, 12}, svox.Point3i{0, 0, 0}, ChannelData5)
	c.Assert(flat.IsUniform(ChannelData5), Equals, true)
}

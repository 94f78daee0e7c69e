package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync/atomic"

	"github.com/scalevox/scalevox/svox"
)

// Channel indices of a voxel buffer.  Each channel is an independent grid
// with its own bit depth.  Smooth terrain lives in ChannelSDF, blocky terrain
// in ChannelType; the rest is free for materials, colors and custom data.
const (
	ChannelType = iota
	ChannelSDF
	ChannelColor
	ChannelIndices
	ChannelWeights
	ChannelData5
	ChannelData6
	ChannelData7

	MaxChannels = 8
)

// AllChannelsMask has a bit set for every channel.
const AllChannelsMask = uint8(0xff)

// Depth is the number of bytes storing one voxel in a channel: 1, 2, 4 or 8.
type Depth uint8

const (
	Depth8Bit  Depth = 1
	Depth16Bit Depth = 2
	Depth32Bit Depth = 4
	Depth64Bit Depth = 8
)

// Default depths per channel.  SDF defaults to 16-bit fixed point, which is
// plenty for meshing while halving memory against float32.
var defaultDepths = [MaxChannels]Depth{
	Depth16Bit, // Type
	Depth16Bit, // SDF
	Depth32Bit, // Color
	Depth16Bit, // Indices
	Depth16Bit, // Weights
	Depth8Bit,
	Depth8Bit,
	Depth8Bit,
}

type channel struct {
	depth Depth
	// defval is the value of every voxel while data is nil.
	defval uint64
	// data is nil while the channel is uniform.  It is allocated from the
	// block pool on first non-uniform write and recycled on release.
	data []byte
}

// Buffer is a dense grid of voxels over one block, with up to MaxChannels
// independently-stored channels.  A Buffer is exclusively owned by its map
// entry; tasks reading or mutating it off the map lock take a reference with
// Retain and drop it with Release, which recycles channel storage at zero.
type Buffer struct {
	size     svox.Point3i
	channels [MaxChannels]channel
	refs     int32
}

// NewBuffer returns a buffer of the given size with every channel uniform at
// its default value, holding one reference.
func NewBuffer(size svox.Point3i) *Buffer {
	b := &Buffer{size: size, refs: 1}
	for i := range b.channels {
		b.channels[i].depth = defaultDepths[i]
		b.channels[i].defval = defaultChannelValue(i, defaultDepths[i])
	}
	return b
}

// defaultChannelValue returns the fill value a channel starts with.  The SDF
// channel starts at encoded +1 (air everywhere); others start at zero.
func defaultChannelValue(channelIndex int, depth Depth) uint64 {
	if channelIndex == ChannelSDF {
		return encodeSDF(1.0, depth)
	}
	return 0
}

// Size returns the buffer dimensions in voxels.
func (b *Buffer) Size() svox.Point3i {
	return b.size
}

// VoxelCount returns the number of voxels per channel.
func (b *Buffer) VoxelCount() int {
	return int(b.size.Prod())
}

func (b *Buffer) index(x, y, z int32) int {
	return int(x) + int(b.size[0])*(int(y)+int(b.size[1])*int(z))
}

// Retain adds a reference for a task that will use the buffer off the map lock.
func (b *Buffer) Retain() {
	atomic.AddInt32(&b.refs, 1)
}

// Release drops a reference.  When the last one goes, channel storage is
// returned to the block pool and the buffer must not be used again.
func (b *Buffer) Release() {
	refs := atomic.AddInt32(&b.refs, -1)
	if refs > 0 {
		return
	}
	if refs < 0 {
		svox.Criticalf("Voxel buffer released more times than retained\n")
		return
	}
	for i := range b.channels {
		if b.channels[i].data != nil {
			poolRecycle(b.channels[i].data)
			b.channels[i].data = nil
		}
	}
}

// IsUniform returns true if the channel has no dense storage and every voxel
// reads as the same value.
func (b *Buffer) IsUniform(channelIndex int) bool {
	return b.channels[channelIndex].data == nil
}

// UniformValue returns the fill value of a uniform channel.  Only meaningful
// while IsUniform is true.
func (b *Buffer) UniformValue(channelIndex int) uint64 {
	return b.channels[channelIndex].defval
}

// ChannelDepth returns the storage depth of a channel.
func (b *Buffer) ChannelDepth(channelIndex int) Depth {
	return b.channels[channelIndex].depth
}

// SetChannelDepth changes the depth of a channel.  The channel must still be
// uniform; dense contents are not converted.
func (b *Buffer) SetChannelDepth(channelIndex int, depth Depth) error {
	switch depth {
	case Depth8Bit, Depth16Bit, Depth32Bit, Depth64Bit:
	default:
		return fmt.Errorf("unsupported channel depth %d", depth)
	}
	c := &b.channels[channelIndex]
	if c.data != nil {
		return fmt.Errorf("cannot change depth of non-uniform channel %d", channelIndex)
	}
	c.depth = depth
	c.defval = defaultChannelValue(channelIndex, depth)
	return nil
}

// FillChannel makes the whole channel the given value, dropping any dense
// storage back to the pool.
func (b *Buffer) FillChannel(value uint64, channelIndex int) {
	c := &b.channels[channelIndex]
	if c.data != nil {
		poolRecycle(c.data)
		c.data = nil
	}
	c.defval = value
}

// decompress gives the channel dense storage filled with its current uniform
// value, so that individual voxels can diverge.
func (b *Buffer) decompress(channelIndex int) {
	c := &b.channels[channelIndex]
	if c.data != nil {
		return
	}
	c.data = poolAllocate(b.VoxelCount() * int(c.depth))
	if c.defval != 0 {
		for i := 0; i < b.VoxelCount(); i++ {
			writeValue(c.data, i, c.depth, c.defval)
		}
	}
}

func readValue(data []byte, i int, depth Depth) uint64 {
	switch depth {
	case Depth8Bit:
		return uint64(data[i])
	case Depth16Bit:
		return uint64(binary.LittleEndian.Uint16(data[i*2:]))
	case Depth32Bit:
		return uint64(binary.LittleEndian.Uint32(data[i*4:]))
	default:
		return binary.LittleEndian.Uint64(data[i*8:])
	}
}

func writeValue(data []byte, i int, depth Depth, v uint64) {
	switch depth {
	case Depth8Bit:
		data[i] = byte(v)
	case Depth16Bit:
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	case Depth32Bit:
		binary.LittleEndian.PutUint32(data[i*4:], uint32(v))
	default:
		binary.LittleEndian.PutUint64(data[i*8:], v)
	}
}

// Voxel returns the raw value at local position (x,y,z) of a channel.
func (b *Buffer) Voxel(x, y, z int32, channelIndex int) uint64 {
	c := &b.channels[channelIndex]
	if c.data == nil {
		return c.defval
	}
	return readValue(c.data, b.index(x, y, z), c.depth)
}

// SetVoxel sets the raw value at local position (x,y,z) of a channel,
// expanding a uniform channel if the value differs from its fill.
func (b *Buffer) SetVoxel(value uint64, x, y, z int32, channelIndex int) {
	c := &b.channels[channelIndex]
	if c.data == nil {
		if value == c.defval {
			return
		}
		b.decompress(channelIndex)
	}
	writeValue(c.data, b.index(x, y, z), c.depth, value)
}

// --- signed distance helpers -------------------------------------------------

// encodeSDF converts a signed distance to the raw representation of the given
// depth: snorm fixed point for 8/16 bit, IEEE floats for 32/64 bit.
func encodeSDF(sd float32, depth Depth) uint64 {
	switch depth {
	case Depth8Bit:
		return uint64(uint8(int8(clampf(sd, -1, 1) * 127)))
	case Depth16Bit:
		return uint64(uint16(int16(clampf(sd, -1, 1) * 32767)))
	case Depth32Bit:
		return uint64(math.Float32bits(sd))
	default:
		return math.Float64bits(float64(sd))
	}
}

func decodeSDF(raw uint64, depth Depth) float32 {
	switch depth {
	case Depth8Bit:
		return float32(int8(uint8(raw))) / 127
	case Depth16Bit:
		return float32(int16(uint16(raw))) / 32767
	case Depth32Bit:
		return math.Float32frombits(uint32(raw))
	default:
		return float32(math.Float64frombits(raw))
	}
}

func clampf(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// VoxelSDF returns the signed distance at local position (x,y,z).
func (b *Buffer) VoxelSDF(x, y, z int32) float32 {
	return decodeSDF(b.Voxel(x, y, z, ChannelSDF), b.channels[ChannelSDF].depth)
}

// SetVoxelSDF sets the signed distance at local position (x,y,z).
func (b *Buffer) SetVoxelSDF(sd float32, x, y, z int32) {
	b.SetVoxel(encodeSDF(sd, b.channels[ChannelSDF].depth), x, y, z, ChannelSDF)
}

// EncodeSDF converts a signed distance to this buffer's SDF channel encoding.
// Generators and modifiers use it to write distances through raw access.
func (b *Buffer) EncodeSDF(sd float32) uint64 {
	return encodeSDF(sd, b.channels[ChannelSDF].depth)
}

// DecodeSDF converts a raw SDF channel value back to a signed distance.
func (b *Buffer) DecodeSDF(raw uint64) float32 {
	return decodeSDF(raw, b.channels[ChannelSDF].depth)
}

// CopyFrom replaces this buffer's contents, depths included, with src's.
// Sizes must match.
func (b *Buffer) CopyFrom(src *Buffer) error {
	if b.size != src.size {
		return fmt.Errorf("cannot copy voxel buffer of size %s into size %s", src.size, b.size)
	}
	for ci := 0; ci < MaxChannels; ci++ {
		c := &b.channels[ci]
		sc := &src.channels[ci]
		if c.data != nil && (sc.data == nil || c.depth != sc.depth) {
			poolRecycle(c.data)
			c.data = nil
		}
		c.depth = sc.depth
		c.defval = sc.defval
		if sc.data == nil {
			continue
		}
		if c.data == nil {
			c.data = poolAllocate(len(sc.data))
		}
		copy(c.data, sc.data)
	}
	return nil
}

// CopyChannelFrom pastes the region [srcMin, srcMax) of one channel of src
// into this buffer at dstMin.  The region is clipped against both buffers;
// other channels are untouched.  Values are copied raw, so a depth mismatch
// between the channels truncates like SetVoxel does.
func (b *Buffer) CopyChannelFrom(src *Buffer, srcMin, srcMax, dstMin svox.Point3i, channelIndex int) {
	srcMin = srcMin.Max(svox.Point3i{})
	srcMax = srcMax.Min(src.size)
	for i := 0; i < 3; i++ {
		if dstMin[i] < 0 {
			srcMin[i] -= dstMin[i]
			dstMin[i] = 0
		}
		if over := dstMin[i] + (srcMax[i] - srcMin[i]) - b.size[i]; over > 0 {
			srcMax[i] -= over
		}
		if srcMax[i] <= srcMin[i] {
			return
		}
	}
	if src.IsUniform(channelIndex) && b.IsUniform(channelIndex) &&
		src.channels[channelIndex].defval == b.channels[channelIndex].defval {
		return
	}
	for z := srcMin[2]; z < srcMax[2]; z++ {
		for y := srcMin[1]; y < srcMax[1]; y++ {
			for x := srcMin[0]; x < srcMax[0]; x++ {
				v := src.Voxel(x, y, z, channelIndex)
				b.SetVoxel(v, dstMin[0]+x-srcMin[0], dstMin[1]+y-srcMin[1], dstMin[2]+z-srcMin[2], channelIndex)
			}
		}
	}
}

// --- downsampling ------------------------------------------------------------

// DownscaleFrom samples every other voxel of src into this buffer starting at
// dstMin, covering a region of src.Size()/2.  This is how LOD mips are
// rebuilt from the level below: the source block fills one octant of the
// destination block.
func (b *Buffer) DownscaleFrom(src *Buffer, dstMin svox.Point3i) {
	half := src.size.RShift(1)
	for ci := 0; ci < MaxChannels; ci++ {
		if src.IsUniform(ci) && b.IsUniform(ci) && src.channels[ci].defval == b.channels[ci].defval {
			continue
		}
		for z := int32(0); z < half[2]; z++ {
			for y := int32(0); y < half[1]; y++ {
				for x := int32(0); x < half[0]; x++ {
					v := src.Voxel(x*2, y*2, z*2, ci)
					b.SetVoxel(v, dstMin[0]+x, dstMin[1]+y, dstMin[2]+z, ci)
				}
			}
		}
	}
}

// --- serialization -----------------------------------------------------------

const bufferFormatVersion = 1

// MarshalBinary encodes the buffer: a version byte, the size, then per
// channel its depth, a uniform flag and either the fill value or raw voxel
// data.  Compression is the stream backend's concern, via svox.SerializeData.
func (b *Buffer) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(bufferFormatVersion)
	if err := binary.Write(&buf, binary.LittleEndian, b.size); err != nil {
		return nil, err
	}
	for ci := 0; ci < MaxChannels; ci++ {
		c := &b.channels[ci]
		buf.WriteByte(byte(c.depth))
		if c.data == nil {
			buf.WriteByte(1)
			if err := binary.Write(&buf, binary.LittleEndian, c.defval); err != nil {
				return nil, err
			}
		} else {
			buf.WriteByte(0)
			buf.Write(c.data)
		}
	}
	return buf.Bytes(), nil
}

// BufferFromBytes decodes a buffer previously encoded with MarshalBinary.
// Dense channel storage is taken from the block pool.
func BufferFromBytes(data []byte) (*Buffer, error) {
	r := bytes.NewReader(data)
	version, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != bufferFormatVersion {
		return nil, fmt.Errorf("unknown voxel buffer format version %d", version)
	}
	var size svox.Point3i
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	if size[0] <= 0 || size[1] <= 0 || size[2] <= 0 {
		return nil, fmt.Errorf("bad voxel buffer size %s", size)
	}
	b := &Buffer{size: size, refs: 1}
	voxels := b.VoxelCount()
	for ci := 0; ci < MaxChannels; ci++ {
		c := &b.channels[ci]
		depth, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		switch Depth(depth) {
		case Depth8Bit, Depth16Bit, Depth32Bit, Depth64Bit:
			c.depth = Depth(depth)
		default:
			return nil, fmt.Errorf("bad depth %d for channel %d", depth, ci)
		}
		uniform, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if uniform == 1 {
			if err := binary.Read(r, binary.LittleEndian, &c.defval); err != nil {
				return nil, err
			}
		} else {
			c.data = poolAllocate(voxels * int(c.depth))
			if _, err := io.ReadFull(r, c.data); err != nil {
				return nil, err
			}
		}
	}
	return b, nil
}

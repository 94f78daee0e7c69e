package storage

import (
	"sync"
	"sync/atomic"

	"github.com/coocood/freecache"
	"github.com/dustin/go-humanize"

	"github.com/scalevox/scalevox/svox"
)

// BlockLocation identifies a block position at a LOD.
type BlockLocation struct {
	Pos svox.Point3i
	LOD uint8
}

// lod is one level of detail: a sparse map of block coordinate to block.
// The lock guards map structure only; once a buffer reference is taken,
// voxel access follows the transaction discipline described on Data.
type lod struct {
	mu     sync.RWMutex
	blocks map[svox.Point3i]*Block
}

// defaultBoundsHalf gives default bounds of ±2^20 voxels per axis.
const defaultBoundsHalf = 1 << 20

// Data is the volume store: everything needed to access voxel data.  It
// holds edits, cached procedural results and not-yet-loaded placeholders per
// LOD, plus the generator, modifier stack and persistence stream used to
// obtain voxels not physically in memory.  It does not deal with meshing or
// instancing, only voxels.  Individual calls are thread-safe.
//
// Lock order, always: settings mutex → LOD0 map → LOD1 map → …  The settings
// mutex is never acquired while holding a map lock.
type Data struct {
	lods [svox.MaxLOD]lod

	// settingsMu guards the configuration fields below.  It is a plain
	// mutex because it is held for very short reads almost always; only
	// destructive reconfiguration holds it for long.
	settingsMu       sync.Mutex
	bounds           svox.Box3i
	lodCount         uint8
	blockSizePo2     uint
	streamingEnabled bool
	generator        Generator
	stream           BlockStream
	modifiers        ModifierStack

	// epoch counts destructive reconfigurations.  Async producers capture
	// it when they start and discard their result on mismatch.
	epoch uint64

	// genCache optionally holds serialized generator output for pure point
	// reads over absent blocks, which never populate the maps.  Bounded, so
	// read-only traversal cannot grow memory without limit.
	genCache *freecache.Cache
}

// NewData returns a volume store with default block size, a single LOD, and
// streaming enabled.
func NewData() *Data {
	d := &Data{
		lodCount:         1,
		blockSizePo2:     svox.DefaultBlockSizePo2,
		streamingEnabled: true,
		bounds: svox.Box3iFromMinMax(
			svox.Point3i{-defaultBoundsHalf, -defaultBoundsHalf, -defaultBoundsHalf},
			svox.Point3i{defaultBoundsHalf, defaultBoundsHalf, defaultBoundsHalf}),
	}
	for i := range d.lods {
		d.lods[i].blocks = make(map[svox.Point3i]*Block)
	}
	return d
}

// --- configuration -----------------------------------------------------------

// BlockSize returns the block edge length in voxels.
func (d *Data) BlockSize() int32 {
	return int32(1) << d.blockSizePo2
}

// BlockSizePo2 returns log2 of the block edge length.
func (d *Data) BlockSizePo2() uint {
	return d.blockSizePo2
}

// SetBlockSizePo2 changes the block edge length to 1<<po2 voxels, between
// 1 and 8 (block edges 2..256).  This destructively resets all voxel storage
// and bumps the configuration epoch.  Unlike the other settings, block size
// is read without locking on hot paths, so it must be set before the store
// is shared between goroutines.
func (d *Data) SetBlockSizePo2(po2 uint) bool {
	if po2 < 1 || po2 > 8 {
		return false
	}
	d.settingsMu.Lock()
	defer d.settingsMu.Unlock()
	if po2 == d.blockSizePo2 {
		return true
	}
	d.blockSizePo2 = po2
	d.resetMapsNoSettingsLock()
	return true
}

// VoxelToBlock converts a LOD0 voxel position to a LOD0 block coordinate.
func (d *Data) VoxelToBlock(pos svox.Point3i) svox.Point3i {
	return pos.RShift(d.blockSizePo2)
}

// BlockOrigin returns the LOD0 voxel position of a block's first voxel.
func (d *Data) BlockOrigin(bpos svox.Point3i, lodIndex uint8) svox.Point3i {
	return bpos.LShift(d.blockSizePo2 + uint(lodIndex))
}

// Bounds returns the volume bounds in LOD0 voxel coordinates.
func (d *Data) Bounds() svox.Box3i {
	d.settingsMu.Lock()
	defer d.settingsMu.Unlock()
	return d.bounds
}

// SetBounds changes the volume bounds.  This destructively resets all voxel
// storage and bumps the configuration epoch.
func (d *Data) SetBounds(bounds svox.Box3i) {
	d.settingsMu.Lock()
	defer d.settingsMu.Unlock()
	d.bounds = bounds
	d.resetMapsNoSettingsLock()
}

// LODCount returns the number of LOD levels in use.
func (d *Data) LODCount() uint8 {
	d.settingsMu.Lock()
	defer d.settingsMu.Unlock()
	return d.lodCount
}

// SetLODCount changes the number of LOD levels, between 1 and svox.MaxLOD.
// This destructively resets all voxel storage and bumps the configuration
// epoch.
func (d *Data) SetLODCount(count uint8) bool {
	if count < 1 || count > svox.MaxLOD {
		svox.Errorf("Rejected LOD count %d, must be in [1, %d]\n", count, svox.MaxLOD)
		return false
	}
	d.settingsMu.Lock()
	defer d.settingsMu.Unlock()
	d.lodCount = count
	d.resetMapsNoSettingsLock()
	return true
}

// ResetMaps clears all voxel data while keeping generator, modifiers and
// other settings.
func (d *Data) ResetMaps() {
	d.settingsMu.Lock()
	defer d.settingsMu.Unlock()
	d.resetMapsNoSettingsLock()
}

func (d *Data) resetMapsNoSettingsLock() {
	atomic.AddUint64(&d.epoch, 1)
	for i := range d.lods {
		l := &d.lods[i]
		l.mu.Lock()
		for _, block := range l.blocks {
			if block.voxels != nil {
				block.voxels.Release()
			}
		}
		l.blocks = make(map[svox.Point3i]*Block)
		l.mu.Unlock()
	}
	if d.genCache != nil {
		d.genCache.Clear()
	}
}

// Epoch returns the current configuration epoch.  Asynchronous block
// producers capture it before working and let TrySetBlockBuffer results be
// discarded by comparing against it afterwards.
func (d *Data) Epoch() uint64 {
	return atomic.LoadUint64(&d.epoch)
}

// SetGenerator installs the procedural source used for absent blocks.
func (d *Data) SetGenerator(g Generator) {
	d.settingsMu.Lock()
	d.generator = g
	d.settingsMu.Unlock()
	d.InvalidateGenCache()
}

// Generator returns the installed procedural source, or nil.
func (d *Data) Generator() Generator {
	d.settingsMu.Lock()
	defer d.settingsMu.Unlock()
	return d.generator
}

// SetStream installs the persistence stream.
func (d *Data) SetStream(s BlockStream) {
	d.settingsMu.Lock()
	d.stream = s
	d.settingsMu.Unlock()
}

// Stream returns the installed persistence stream, or nil.
func (d *Data) Stream() BlockStream {
	d.settingsMu.Lock()
	defer d.settingsMu.Unlock()
	return d.stream
}

// SetStreamingEnabled switches between streamed mode, where absent blocks
// may simply be not-loaded-yet, and full-load mode, where an absent block is
// known to be obtainable from the generator and modifiers alone.
func (d *Data) SetStreamingEnabled(enabled bool) {
	d.settingsMu.Lock()
	defer d.settingsMu.Unlock()
	d.streamingEnabled = enabled
}

// StreamingEnabled reports the streaming mode.
func (d *Data) StreamingEnabled() bool {
	d.settingsMu.Lock()
	defer d.settingsMu.Unlock()
	return d.streamingEnabled
}

// Modifiers gives access to the procedural modifier stack.  After changing
// it, call InvalidateGenCache so point reads stop serving stale output.
func (d *Data) Modifiers() *ModifierStack {
	return &d.modifiers
}

// SetGenCacheSize bounds the cache of generated blocks used by point reads
// over absent blocks.  Zero disables it.
func (d *Data) SetGenCacheSize(numBytes int) {
	d.settingsMu.Lock()
	defer d.settingsMu.Unlock()
	if numBytes <= 0 {
		d.genCache = nil
		return
	}
	d.genCache = freecache.NewCache(numBytes)
	svox.Infof("Created generated-block cache of ~ %s\n", humanize.Bytes(uint64(numBytes)))
}

// InvalidateGenCache drops all cached generator output.
func (d *Data) InvalidateGenCache() {
	d.settingsMu.Lock()
	defer d.settingsMu.Unlock()
	if d.genCache != nil {
		d.genCache.Clear()
	}
}

// snapshotSettings returns the handful of config values most operations need,
// under one short settings lock.  Map locks are only taken after it returns,
// preserving the documented lock order.
func (d *Data) snapshotSettings() (bounds svox.Box3i, lodCount uint8, streaming bool, gen Generator, stream BlockStream) {
	d.settingsMu.Lock()
	defer d.settingsMu.Unlock()
	return d.bounds, d.lodCount, d.streamingEnabled, d.generator, d.stream
}

// blockBounds returns the box of valid block coordinates at a LOD.
func (d *Data) blockBounds(bounds svox.Box3i, lodIndex uint8) svox.Box3i {
	return bounds.DownscaledPo2(d.blockSizePo2 + uint(lodIndex))
}

// --- generation fallback -----------------------------------------------------

// generateBlockBuffer synthesizes a block's voxels from the generator and
// modifier stack.  Works with a nil generator, yielding default voxels that
// modifiers can still carve.
func (d *Data) generateBlockBuffer(gen Generator, bpos svox.Point3i, lodIndex uint8) *Buffer {
	size := d.BlockSize()
	buf := NewBuffer(svox.Point3i{size, size, size})
	origin := d.BlockOrigin(bpos, lodIndex)
	if gen != nil {
		gen.Generate(buf, origin, lodIndex)
	}
	d.modifiers.Apply(buf, origin, lodIndex)
	return buf
}

// GenerateBlockBuffer is the generation fallback used by streaming when a
// block has no persisted data: generator output plus the modifier stack.
func (d *Data) GenerateBlockBuffer(bpos svox.Point3i, lodIndex uint8) *Buffer {
	_, _, _, gen, _ := d.snapshotSettings()
	return d.generateBlockBuffer(gen, bpos, lodIndex)
}

func genCacheKey(bpos svox.Point3i) []byte {
	key := make([]byte, 12)
	for i := 0; i < 3; i++ {
		v := uint32(bpos[i])
		key[i*4] = byte(v)
		key[i*4+1] = byte(v >> 8)
		key[i*4+2] = byte(v >> 16)
		key[i*4+3] = byte(v >> 24)
	}
	return key
}

// generatedBlockForRead returns a buffer of generator output for a pure point
// read, going through the bounded cache when enabled.  The result is never
// inserted into the maps.  Caller must Release it.
func (d *Data) generatedBlockForRead(gen Generator, bpos svox.Point3i) *Buffer {
	d.settingsMu.Lock()
	cache := d.genCache
	d.settingsMu.Unlock()
	if cache == nil {
		return d.generateBlockBuffer(gen, bpos, 0)
	}
	key := genCacheKey(bpos)
	if cached, err := cache.Get(key); err == nil {
		if buf, err := BufferFromBytes(cached); err == nil {
			return buf
		}
		svox.Errorf("Dropping undecodable cached generator block at %s\n", bpos)
	} else if err != freecache.ErrNotFound {
		svox.Errorf("Generated-block cache get failed at %s: %v\n", bpos, err)
	}
	buf := d.generateBlockBuffer(gen, bpos, 0)
	if data, err := buf.MarshalBinary(); err == nil {
		if err := cache.Set(key, data, 0); err != nil {
			svox.Debugf("Generated-block cache set failed at %s: %v\n", bpos, err)
		}
	}
	return buf
}

// --- point queries -----------------------------------------------------------

// VoxelAt returns the raw value at a LOD0 voxel position.  Out-of-bounds
// positions and absent data with no generator yield defval.  Reads over
// absent blocks fall through to generation without populating the maps.
func (d *Data) VoxelAt(pos svox.Point3i, channelIndex int, defval uint64) uint64 {
	bounds, _, _, gen, _ := d.snapshotSettings()
	if !bounds.Contains(pos) {
		return defval
	}
	bpos := d.VoxelToBlock(pos)
	local := pos.Sub(d.BlockOrigin(bpos, 0))

	l := &d.lods[0]
	l.mu.RLock()
	block, found := l.blocks[bpos]
	if found && block.HasVoxels() {
		v := block.voxels.Voxel(local[0], local[1], local[2], channelIndex)
		l.mu.RUnlock()
		return v
	}
	l.mu.RUnlock()

	if gen == nil && d.modifiers.Len() == 0 {
		return defval
	}
	buf := d.generatedBlockForRead(gen, bpos)
	v := buf.Voxel(local[0], local[1], local[2], channelIndex)
	buf.Release()
	return v
}

// VoxelSDFAt returns the signed distance at a LOD0 voxel position, +1 (air)
// when nothing is known.
func (d *Data) VoxelSDFAt(pos svox.Point3i) float32 {
	bounds, _, _, gen, _ := d.snapshotSettings()
	if !bounds.Contains(pos) {
		return 1
	}
	bpos := d.VoxelToBlock(pos)
	local := pos.Sub(d.BlockOrigin(bpos, 0))

	l := &d.lods[0]
	l.mu.RLock()
	block, found := l.blocks[bpos]
	if found && block.HasVoxels() {
		sd := block.voxels.VoxelSDF(local[0], local[1], local[2])
		l.mu.RUnlock()
		return sd
	}
	l.mu.RUnlock()

	if gen == nil && d.modifiers.Len() == 0 {
		return 1
	}
	buf := d.generatedBlockForRead(gen, bpos)
	sd := buf.VoxelSDF(local[0], local[1], local[2])
	buf.Release()
	return sd
}

// withWritableVoxel runs fn on the buffer holding the given LOD0 position,
// synthesizing the block when permitted.  Returns false when the write cannot
// proceed: out of bounds, or absent block while streaming is enabled.
func (d *Data) withWritableVoxel(pos svox.Point3i, fn func(buf *Buffer, x, y, z int32)) bool {
	bounds, _, streaming, gen, _ := d.snapshotSettings()
	if !bounds.Contains(pos) {
		return false
	}
	bpos := d.VoxelToBlock(pos)
	local := pos.Sub(d.BlockOrigin(bpos, 0))

	l := &d.lods[0]
	l.mu.Lock()
	defer l.mu.Unlock()
	block, found := l.blocks[bpos]
	if !found || !block.HasVoxels() {
		if streaming {
			// The block may exist in the stream; writing now could lose
			// whatever it holds.  Callers pre-generate or load first.
			return false
		}
		buf := d.generateBlockBuffer(gen, bpos, 0)
		if found {
			block.voxels = buf
		} else {
			block = NewBlock(buf, false)
			l.blocks[bpos] = block
		}
	}
	fn(block.voxels, local[0], local[1], local[2])
	return true
}

// TrySetVoxel sets the raw value at a LOD0 voxel position.  Fails if the
// block is absent and the area was not pre-generated while streaming.  The
// caller flags persistence and LOD bookkeeping through MarkAreaModified.
func (d *Data) TrySetVoxel(value uint64, pos svox.Point3i, channelIndex int) bool {
	return d.withWritableVoxel(pos, func(buf *Buffer, x, y, z int32) {
		buf.SetVoxel(value, x, y, z, channelIndex)
	})
}

// TrySetVoxelSDF sets the signed distance at a LOD0 voxel position, with the
// same failure conditions as TrySetVoxel.
func (d *Data) TrySetVoxelSDF(sd float32, pos svox.Point3i) bool {
	return d.withWritableVoxel(pos, func(buf *Buffer, x, y, z int32) {
		buf.SetVoxelSDF(sd, x, y, z)
	})
}

// --- area queries ------------------------------------------------------------

// IsAreaLoaded reports whether every LOD0 block intersecting the voxel box is
// resident (including empty-known blocks).  Without streaming, any in-bounds
// area is editable since the generator can synthesize it, so this returns
// true.
func (d *Data) IsAreaLoaded(voxelBox svox.Box3i) bool {
	bounds, _, streaming, _, _ := d.snapshotSettings()
	box := voxelBox.Clipped(bounds)
	if box.IsEmpty() {
		return false
	}
	l := &d.lods[0]
	l.mu.RLock()
	defer l.mu.RUnlock()
	return d.isAreaLoadedNoLock(box, streaming)
}

// isAreaLoadedNoLock is IsAreaLoaded for callers already holding the LOD0
// lock.  The box must be clipped to the bounds.
func (d *Data) isAreaLoadedNoLock(voxelBox svox.Box3i, streaming bool) bool {
	if !streaming {
		return true
	}
	l := &d.lods[0]
	loaded := true
	voxelBox.DownscaledPo2(d.blockSizePo2).ForEachCellZYX(func(bpos svox.Point3i) {
		if _, found := l.blocks[bpos]; !found {
			loaded = false
		}
	})
	return loaded
}

// ensureBlockBufferNoLock returns the buffer for a LOD0 block, synthesizing
// absent blocks from the generator and modifiers.  The LOD0 write lock must
// be held.
func (d *Data) ensureBlockBufferNoLock(gen Generator, bpos svox.Point3i) *Buffer {
	l := &d.lods[0]
	block, found := l.blocks[bpos]
	if found && block.HasVoxels() {
		return block.voxels
	}
	buf := d.generateBlockBuffer(gen, bpos, 0)
	if found {
		block.voxels = buf
	} else {
		l.blocks[bpos] = NewBlock(buf, false)
	}
	return buf
}

// WriteBox executes a read+write operation on all voxels in the given area,
// on a specific channel.  The area is clipped to the bounds.  If it
// intersects blocks that aren't loaded the operation is cancelled and the
// returned box is empty: callers must not silently edit partially-loaded
// volumes, and can recover with PreGenerateBox.  Returns the box of voxels
// effectively processed.  The LOD0 write lock is held for the whole action.
func (d *Data) WriteBox(voxelBox svox.Box3i, channelIndex int,
	action func(pos svox.Point3i, v uint64) uint64) svox.Box3i {

	bounds, _, streaming, gen, _ := d.snapshotSettings()
	box := voxelBox.Clipped(bounds)
	if box.IsEmpty() {
		return svox.Box3i{}
	}

	l := &d.lods[0]
	l.mu.Lock()
	defer l.mu.Unlock()
	// The residency gate runs under the same lock as the edit so a
	// concurrent unload cannot slip in between.
	if !d.isAreaLoadedNoLock(box, streaming) {
		svox.Debugf("WriteBox %s cancelled: area not loaded\n", voxelBox)
		return svox.Box3i{}
	}
	box.DownscaledPo2(d.blockSizePo2).ForEachCellZYX(func(bpos svox.Point3i) {
		buf := d.ensureBlockBufferNoLock(gen, bpos)
		origin := d.BlockOrigin(bpos, 0)
		size := d.BlockSize()
		blockBox := svox.NewBox3i(origin, svox.Point3i{size, size, size})
		blockBox.Clipped(box).ForEachCellZYX(func(pos svox.Point3i) {
			x, y, z := pos[0]-origin[0], pos[1]-origin[1], pos[2]-origin[2]
			v := buf.Voxel(x, y, z, channelIndex)
			if nv := action(pos, v); nv != v {
				buf.SetVoxel(nv, x, y, z, channelIndex)
			}
		})
	})
	return box
}

// WriteBox2 is WriteBox over two channels at once, for edits that must keep
// e.g. type and SDF consistent.
func (d *Data) WriteBox2(voxelBox svox.Box3i, channel1, channel2 int,
	action func(pos svox.Point3i, v1, v2 uint64) (uint64, uint64)) svox.Box3i {

	bounds, _, streaming, gen, _ := d.snapshotSettings()
	box := voxelBox.Clipped(bounds)
	if box.IsEmpty() {
		return svox.Box3i{}
	}

	l := &d.lods[0]
	l.mu.Lock()
	defer l.mu.Unlock()
	if !d.isAreaLoadedNoLock(box, streaming) {
		svox.Debugf("WriteBox2 %s cancelled: area not loaded\n", voxelBox)
		return svox.Box3i{}
	}
	box.DownscaledPo2(d.blockSizePo2).ForEachCellZYX(func(bpos svox.Point3i) {
		buf := d.ensureBlockBufferNoLock(gen, bpos)
		origin := d.BlockOrigin(bpos, 0)
		size := d.BlockSize()
		blockBox := svox.NewBox3i(origin, svox.Point3i{size, size, size})
		blockBox.Clipped(box).ForEachCellZYX(func(pos svox.Point3i) {
			x, y, z := pos[0]-origin[0], pos[1]-origin[1], pos[2]-origin[2]
			v1 := buf.Voxel(x, y, z, channel1)
			v2 := buf.Voxel(x, y, z, channel2)
			nv1, nv2 := action(pos, v1, v2)
			if nv1 != v1 {
				buf.SetVoxel(nv1, x, y, z, channel1)
			}
			if nv2 != v2 {
				buf.SetVoxel(nv2, x, y, z, channel2)
			}
		})
	})
	return box
}

// PreGenerateBox eagerly materializes every missing block intersecting the
// voxel box, at every LOD, so that WriteBox over the area cannot fail.  Runs
// synchronously; it will block while other goroutines access the same maps.
// This does not check whether the area is editable.
func (d *Data) PreGenerateBox(voxelBox svox.Box3i) {
	bounds, lodCount, _, gen, _ := d.snapshotSettings()
	box := voxelBox.Clipped(bounds)
	if box.IsEmpty() {
		return
	}
	for lodIndex := uint8(0); lodIndex < lodCount; lodIndex++ {
		blockBox := box.DownscaledPo2(d.blockSizePo2 + uint(lodIndex))

		l := &d.lods[lodIndex]
		var missing []svox.Point3i
		l.mu.RLock()
		blockBox.ForEachCellZYX(func(bpos svox.Point3i) {
			if block, found := l.blocks[bpos]; !found || !block.HasVoxels() {
				missing = append(missing, bpos)
			}
		})
		l.mu.RUnlock()
		if len(missing) == 0 {
			continue
		}

		// Generate off the lock, then insert; another goroutine may have
		// raced us to some blocks, in which case ours are dropped.
		for _, bpos := range missing {
			buf := d.generateBlockBuffer(gen, bpos, lodIndex)
			l.mu.Lock()
			if block, found := l.blocks[bpos]; found {
				if block.HasVoxels() {
					buf.Release()
				} else {
					block.voxels = buf
				}
			} else {
				l.blocks[bpos] = NewBlock(buf, false)
			}
			l.mu.Unlock()
		}
	}
}

// ClearCachedBlocks drops blocks in the voxel area that are pure results of
// generators and modifiers, at every LOD.  Edited blocks are untouched.
func (d *Data) ClearCachedBlocks(voxelBox svox.Box3i) {
	bounds, lodCount, _, _, _ := d.snapshotSettings()
	box := voxelBox.Clipped(bounds)
	if box.IsEmpty() {
		return
	}
	for lodIndex := uint8(0); lodIndex < lodCount; lodIndex++ {
		l := &d.lods[lodIndex]
		l.mu.Lock()
		box.DownscaledPo2(d.blockSizePo2 + uint(lodIndex)).ForEachCellZYX(func(bpos svox.Point3i) {
			block, found := l.blocks[bpos]
			if !found || block.Edited() {
				return
			}
			if block.voxels != nil {
				block.voxels.Release()
			}
			delete(l.blocks, bpos)
		})
		l.mu.Unlock()
	}
}

// MarkAreaModified flags all resident LOD0 blocks touching the voxel box as
// edited, and as requiring LOD updates when more than one LOD is configured.
// Returns the block coordinates newly flagged for LOD update, so callers can
// schedule UpdateLods without re-scanning.
func (d *Data) MarkAreaModified(voxelBox svox.Box3i) []svox.Point3i {
	bounds, lodCount, _, _, _ := d.snapshotSettings()
	box := voxelBox.Clipped(bounds)
	if box.IsEmpty() {
		return nil
	}
	var newlyFlagged []svox.Point3i
	l := &d.lods[0]
	l.mu.Lock()
	box.DownscaledPo2(d.blockSizePo2).ForEachCellZYX(func(bpos svox.Point3i) {
		block, found := l.blocks[bpos]
		if !found {
			svox.Debugf("MarkAreaModified: no block at %s\n", bpos)
			return
		}
		block.edited = true
		if lodCount > 1 && !block.needsLodUpdate {
			block.needsLodUpdate = true
			newlyFlagged = append(newlyFlagged, bpos)
		}
	})
	l.mu.Unlock()
	return newlyFlagged
}

// UpdateLods recomputes LODs >= 1 covering the given modified LOD0 block
// coordinates by bottom-up downsampling, one LOD's map lock at a time, and
// clears the blocks' needs-update flags.  Returns the locations of all
// updated mip blocks.
func (d *Data) UpdateLods(modifiedLod0 []svox.Point3i) []BlockLocation {
	_, lodCount, _, gen, _ := d.snapshotSettings()

	// Clear the flags first; a write landing after this will simply flag
	// them again for the next pass.
	l0 := &d.lods[0]
	l0.mu.Lock()
	for _, bpos := range modifiedLod0 {
		if block, found := l0.blocks[bpos]; found {
			block.needsLodUpdate = false
		}
	}
	l0.mu.Unlock()

	var updated []BlockLocation
	prev := dedupePositions(modifiedLod0)
	for lodIndex := uint8(1); lodIndex < lodCount; lodIndex++ {
		parents := make(map[svox.Point3i][]svox.Point3i, len(prev))
		for _, child := range prev {
			parent := child.RShift(1)
			parents[parent] = append(parents[parent], child)
		}

		prev = prev[:0]
		for parent, children := range parents {
			// Take references to the source buffers under the child LOD's
			// read lock, then leave it before touching the parent LOD.
			src := &d.lods[lodIndex-1]
			srcBufs := make([]*Buffer, 0, len(children))
			srcPos := make([]svox.Point3i, 0, len(children))
			src.mu.RLock()
			for _, child := range children {
				if block, found := src.blocks[child]; found && block.HasVoxels() {
					block.voxels.Retain()
					srcBufs = append(srcBufs, block.voxels)
					srcPos = append(srcPos, child)
				}
			}
			src.mu.RUnlock()

			dst := &d.lods[lodIndex]
			dst.mu.Lock()
			dstBuf := d.ensureMipBufferNoLock(gen, parent, lodIndex)
			half := d.BlockSize() >> 1
			for i, childBuf := range srcBufs {
				childLocal := srcPos[i].Sub(parent.LShift(1))
				offset := childLocal.MultScalar(half)
				dstBuf.DownscaleFrom(childBuf, offset)
			}
			dst.mu.Unlock()

			for _, buf := range srcBufs {
				buf.Release()
			}
			updated = append(updated, BlockLocation{Pos: parent, LOD: lodIndex})
			prev = append(prev, parent)
		}
	}
	return updated
}

// ensureMipBufferNoLock returns the buffer of a mip block, creating it from
// the generator when absent.  Mips are never edited data.  The LOD's write
// lock must be held.
func (d *Data) ensureMipBufferNoLock(gen Generator, bpos svox.Point3i, lodIndex uint8) *Buffer {
	l := &d.lods[lodIndex]
	block, found := l.blocks[bpos]
	if found && block.HasVoxels() {
		return block.voxels
	}
	buf := d.generateBlockBuffer(gen, bpos, lodIndex)
	if found {
		block.voxels = buf
	} else {
		l.blocks[bpos] = NewBlock(buf, false)
	}
	return buf
}

func dedupePositions(positions []svox.Point3i) []svox.Point3i {
	seen := make(map[svox.Point3i]struct{}, len(positions))
	out := positions[:0:0]
	for _, p := range positions {
		if _, dup := seen[p]; !dup {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// --- block-level operations --------------------------------------------------

// TrySetBlockBuffer sets voxel data at a block position, flagged as edited
// data or as cached generator results.  If the buffer size does not match the
// configured block size, or the position is outside bounds or the LOD range,
// it returns false and takes nothing.  If the block already exists it is not
// overwritten, the passed buffer is released, and true is still returned:
// concurrent loaders racing on the same block must both be able to treat
// insertion as success.
func (d *Data) TrySetBlockBuffer(bpos svox.Point3i, lodIndex uint8, buf *Buffer, edited bool) bool {
	bounds, lodCount, _, _, _ := d.snapshotSettings()
	if lodIndex >= lodCount {
		svox.Errorf("TrySetBlockBuffer at LOD %d beyond configured count %d\n", lodIndex, lodCount)
		return false
	}
	size := d.BlockSize()
	if buf.Size() != (svox.Point3i{size, size, size}) {
		svox.Errorf("TrySetBlockBuffer at %s: buffer size %s mismatches block size %d\n",
			bpos, buf.Size(), size)
		return false
	}
	if !d.blockBounds(bounds, lodIndex).Contains(bpos) {
		return false
	}

	l := &d.lods[lodIndex]
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, found := l.blocks[bpos]; found {
		buf.Release()
		return true
	}
	l.blocks[bpos] = NewBlock(buf, edited)
	return true
}

// SetEmptyBlock records that a block position is known to have no edits and
// no cached generator data, so streaming will not re-request it.  An existing
// block is not overwritten.
func (d *Data) SetEmptyBlock(bpos svox.Point3i, lodIndex uint8) {
	bounds, lodCount, _, _, _ := d.snapshotSettings()
	if lodIndex >= lodCount || !d.blockBounds(bounds, lodIndex).Contains(bpos) {
		return
	}
	l := &d.lods[lodIndex]
	l.mu.Lock()
	if _, found := l.blocks[bpos]; !found {
		l.blocks[bpos] = NewEmptyBlock()
	}
	l.mu.Unlock()
}

// UnloadBlocks removes every block of a LOD inside the given box of block
// coordinates, invoking action for each removed block while the write lock is
// held, typically to flush edited blocks to the stream.  Buffers are recycled
// after the callback returns.
func (d *Data) UnloadBlocks(blockBox svox.Box3i, lodIndex uint8, action func(block *Block, bpos svox.Point3i)) {
	l := &d.lods[lodIndex]
	l.mu.Lock()
	defer l.mu.Unlock()
	blockBox.ForEachCellZYX(func(bpos svox.Point3i) {
		block, found := l.blocks[bpos]
		if !found {
			return
		}
		delete(l.blocks, bpos)
		if action != nil {
			action(block, bpos)
		}
		if block.voxels != nil {
			block.voxels.Release()
			block.voxels = nil
		}
	})
}

// GetMissingBlocks returns which of the given block positions have no entry
// at the LOD.  Positions outside the bounds are reported missing as well;
// they can never become resident since insertion rejects them.
func (d *Data) GetMissingBlocks(positions []svox.Point3i, lodIndex uint8) []svox.Point3i {
	var missing []svox.Point3i
	l := &d.lods[lodIndex]
	l.mu.RLock()
	for _, bpos := range positions {
		if _, found := l.blocks[bpos]; !found {
			missing = append(missing, bpos)
		}
	}
	l.mu.RUnlock()
	return missing
}

// GetMissingBlocksInBox returns the positions in the given box of block
// coordinates that have no entry at the LOD.  Like GetMissingBlocks,
// out-of-bounds positions are reported missing; insertion rejects them so
// they can never become resident.
func (d *Data) GetMissingBlocksInBox(blockBox svox.Box3i, lodIndex uint8) []svox.Point3i {
	var missing []svox.Point3i
	l := &d.lods[lodIndex]
	l.mu.RLock()
	blockBox.ForEachCellZYX(func(bpos svox.Point3i) {
		if _, found := l.blocks[bpos]; !found {
			missing = append(missing, bpos)
		}
	})
	l.mu.RUnlock()
	return missing
}

// HasBlock tests whether an entry exists at the given block position and LOD.
// Mainly for debugging; don't use it to query many blocks.
func (d *Data) HasBlock(bpos svox.Point3i, lodIndex uint8) bool {
	l := &d.lods[lodIndex]
	l.mu.RLock()
	_, found := l.blocks[bpos]
	l.mu.RUnlock()
	return found
}

// BlockCount returns the total number of block entries across all LODs,
// including empty-known blocks.
func (d *Data) BlockCount() int {
	count := 0
	for i := 0; i < int(d.LODCount()); i++ {
		l := &d.lods[i]
		l.mu.RLock()
		count += len(l.blocks)
		l.mu.RUnlock()
	}
	return count
}

// ForEachBlock calls fn for every block entry at every LOD, under each LOD's
// read lock in turn.
func (d *Data) ForEachBlock(fn func(loc BlockLocation, block *Block)) {
	lodCount := d.LODCount()
	for lodIndex := uint8(0); lodIndex < lodCount; lodIndex++ {
		d.ForEachBlockAtLOD(lodIndex, fn)
	}
}

// ForEachBlockAtLOD calls fn for every block entry of one LOD under its read
// lock.
func (d *Data) ForEachBlockAtLOD(lodIndex uint8, fn func(loc BlockLocation, block *Block)) {
	l := &d.lods[lodIndex]
	l.mu.RLock()
	for bpos, block := range l.blocks {
		fn(BlockLocation{Pos: bpos, LOD: lodIndex}, block)
	}
	l.mu.RUnlock()
}

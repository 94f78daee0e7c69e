/*
	Package generation provides concrete procedural sources and modifiers
	for the volume store: a flat ground plane, a value-noise heightfield,
	and composable shape modifiers applied over generator output.

	All of them are pure functions of LOD0 voxel coordinates and fixed
	parameters, so the same coordinate yields the same value at any LOD.
*/
package generation

import (
	"github.com/scalevox/scalevox/storage"
	"github.com/scalevox/scalevox/svox"
)

// Flat generates a horizontal ground plane: signed distance to the plane
// y = Height, with Material filling the solid side of the type channel.
type Flat struct {
	Height   float32
	Material uint64
}

// Generate fills the SDF and type channels.  Distances are scaled down so
// the clamped fixed-point encoding keeps a usable gradient near the surface.
func (g *Flat) Generate(buf *storage.Buffer, origin svox.Point3i, lodIndex uint8) uint8 {
	size := buf.Size()
	step := int32(1) << lodIndex
	for z := int32(0); z < size[2]; z++ {
		for y := int32(0); y < size[1]; y++ {
			sd := (float32(origin[1]+y*step) - g.Height) * sdfScale
			for x := int32(0); x < size[0]; x++ {
				buf.SetVoxelSDF(sd, x, y, z)
				if sd < 0 {
					buf.SetVoxel(g.Material, x, y, z, storage.ChannelType)
				}
			}
		}
	}
	return 1<<storage.ChannelSDF | 1<<storage.ChannelType
}

// sdfScale shrinks world-space distances before fixed-point encoding, which
// clamps to [-1, 1].
const sdfScale = 1.0 / 64

// Noise generates rolling terrain from a deterministic value-noise
// heightfield over (x, z).
type Noise struct {
	Seed         int64
	HeightOffset float32
	Amplitude    float32
	// Period is the horizontal distance in voxels between noise lattice
	// points.  Larger means smoother hills.
	Period int32
}

// NewNoise returns a generator with usable defaults for the given seed.
func NewNoise(seed int64) *Noise {
	return &Noise{Seed: seed, Amplitude: 40, Period: 64}
}

func (g *Noise) period() int32 {
	if g.Period <= 0 {
		return 64
	}
	return g.Period
}

// hash derives a lattice value in [0, 1) from the seed and lattice coords.
func (g *Noise) hash(x, z int32) float32 {
	h := uint64(g.Seed)
	h ^= uint64(uint32(x)) * 0x9e3779b97f4a7c15
	h = (h ^ (h >> 31)) * 0xbf58476d1ce4e5b9
	h ^= uint64(uint32(z)) * 0x94d049bb133111eb
	h = (h ^ (h >> 27)) * 0x2545f4914f6cdd1d
	h ^= h >> 33
	return float32(h&0xffffff) / float32(0x1000000)
}

// height evaluates the bilinear value noise at a world (x, z).
func (g *Noise) height(x, z int32) float32 {
	p := g.period()
	cx, cz := floorDiv(x, p), floorDiv(z, p)
	fx := float32(x-cx*p) / float32(p)
	fz := float32(z-cz*p) / float32(p)
	// Smoothstep fade, as in classic value noise.
	fx = fx * fx * (3 - 2*fx)
	fz = fz * fz * (3 - 2*fz)
	h00 := g.hash(cx, cz)
	h10 := g.hash(cx+1, cz)
	h01 := g.hash(cx, cz+1)
	h11 := g.hash(cx+1, cz+1)
	h0 := h00 + (h10-h00)*fx
	h1 := h01 + (h11-h01)*fx
	n := h0 + (h1-h0)*fz
	return g.HeightOffset + (n-0.5)*2*g.Amplitude
}

func floorDiv(a, b int32) int32 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// Generate fills the SDF channel with distance to the heightfield.
func (g *Noise) Generate(buf *storage.Buffer, origin svox.Point3i, lodIndex uint8) uint8 {
	size := buf.Size()
	step := int32(1) << lodIndex
	for z := int32(0); z < size[2]; z++ {
		wz := origin[2] + z*step
		for x := int32(0); x < size[0]; x++ {
			wx := origin[0] + x*step
			h := g.height(wx, wz)
			for y := int32(0); y < size[1]; y++ {
				sd := (float32(origin[1]+y*step) - h) * sdfScale
				buf.SetVoxelSDF(sd, x, y, z)
			}
		}
	}
	return 1 << storage.ChannelSDF
}

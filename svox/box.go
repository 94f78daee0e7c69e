package svox

import "fmt"

// Box3i is an axis-aligned box of integer coordinates, given by its minimum
// corner and size.  The end corner (Pos + Size) is exclusive.
type Box3i struct {
	Pos  Point3i
	Size Point3i
}

// NewBox3i returns a box with the given minimum corner and size.
func NewBox3i(pos, size Point3i) Box3i {
	return Box3i{Pos: pos, Size: size}
}

// Box3iFromMinMax returns a box spanning [min, max), where max is exclusive.
func Box3iFromMinMax(min, max Point3i) Box3i {
	return Box3i{Pos: min, Size: max.Sub(min)}
}

// End returns the exclusive maximum corner.
func (b Box3i) End() Point3i {
	return b.Pos.Add(b.Size)
}

// IsEmpty returns true if the box spans no cells.
func (b Box3i) IsEmpty() bool {
	return b.Size[0] <= 0 || b.Size[1] <= 0 || b.Size[2] <= 0
}

// Contains returns true if the given point is inside the box.
func (b Box3i) Contains(p Point3i) bool {
	end := b.End()
	return p[0] >= b.Pos[0] && p[1] >= b.Pos[1] && p[2] >= b.Pos[2] &&
		p[0] < end[0] && p[1] < end[1] && p[2] < end[2]
}

// ContainsBox returns true if the other box is fully inside this box.
func (b Box3i) ContainsBox(other Box3i) bool {
	bEnd := b.End()
	oEnd := other.End()
	return other.Pos[0] >= b.Pos[0] && other.Pos[1] >= b.Pos[1] && other.Pos[2] >= b.Pos[2] &&
		oEnd[0] <= bEnd[0] && oEnd[1] <= bEnd[1] && oEnd[2] <= bEnd[2]
}

// Intersects returns true if the two boxes share at least one cell.
func (b Box3i) Intersects(other Box3i) bool {
	return !b.Clipped(other).IsEmpty()
}

// Clipped returns the intersection of the two boxes.  The result may be
// empty, which callers should check with IsEmpty.
func (b Box3i) Clipped(other Box3i) Box3i {
	min := b.Pos.Max(other.Pos)
	max := b.End().Min(other.End())
	return Box3iFromMinMax(min, max)
}

// Padded returns the box grown by the given amount in every direction.
func (b Box3i) Padded(amount int32) Box3i {
	return Box3i{
		Pos:  b.Pos.AddScalar(-amount),
		Size: b.Size.AddScalar(2 * amount),
	}
}

// DownscaledPo2 returns the box covering this box in a coordinate space where
// each cell spans 1<<po2 cells of the original.  The minimum corner is floored
// and the end corner rounded up, so the result covers every intersected cell.
// Typical use is converting a voxel box to the box of blocks it touches.
func (b Box3i) DownscaledPo2(po2 uint) Box3i {
	min := b.Pos.RShift(po2)
	end := b.End()
	round := int32(1<<po2) - 1
	max := Point3i{(end[0] + round) >> po2, (end[1] + round) >> po2, (end[2] + round) >> po2}
	return Box3iFromMinMax(min, max)
}

// ForEachCellZYX calls fn for every cell in the box, Z varying slowest and X
// fastest, matching the key ordering used by stream backends.
func (b Box3i) ForEachCellZYX(fn func(p Point3i)) {
	end := b.End()
	for z := b.Pos[2]; z < end[2]; z++ {
		for y := b.Pos[1]; y < end[1]; y++ {
			for x := b.Pos[0]; x < end[0]; x++ {
				fn(Point3i{x, y, z})
			}
		}
	}
}

func (b Box3i) String() string {
	return fmt.Sprintf("[%s, %s)", b.Pos, b.End())
}

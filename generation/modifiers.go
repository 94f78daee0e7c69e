package generation

import (
	"math"

	"github.com/scalevox/scalevox/storage"
	"github.com/scalevox/scalevox/svox"
)

// Sphere is a modifier carving or building a spherical SDF shape over
// whatever the stack produced so far.  Additive takes the union (min of
// distances); subtractive removes the shape (max with the negated distance).
type Sphere struct {
	Center   svox.Point3f
	Radius   float32
	Subtract bool
}

// Apply composes the sphere over the buffer's SDF channel in place.
func (m *Sphere) Apply(buf *storage.Buffer, origin svox.Point3i, lodIndex uint8) {
	size := buf.Size()
	step := int32(1) << lodIndex

	// Skip blocks the shape cannot reach.  The shape only changes
	// distances within its radius plus the clamp range of the encoding.
	blockMin := origin.ToFloat()
	blockMax := origin.Add(size.MultScalar(step)).ToFloat()
	reach := float64(m.Radius) + 1/float64(sdfScale)
	for i := 0; i < 3; i++ {
		if m.Center[i]+reach < blockMin[i] || m.Center[i]-reach > blockMax[i] {
			return
		}
	}

	for z := int32(0); z < size[2]; z++ {
		wz := float64(origin[2] + z*step)
		for y := int32(0); y < size[1]; y++ {
			wy := float64(origin[1] + y*step)
			for x := int32(0); x < size[0]; x++ {
				wx := float64(origin[0] + x*step)
				dx := wx - m.Center[0]
				dy := wy - m.Center[1]
				dz := wz - m.Center[2]
				sd := (float32(math.Sqrt(dx*dx+dy*dy+dz*dz)) - m.Radius) * sdfScale
				prev := buf.VoxelSDF(x, y, z)
				var next float32
				if m.Subtract {
					next = maxf(prev, -sd)
				} else {
					next = minf(prev, sd)
				}
				if next != prev {
					buf.SetVoxelSDF(next, x, y, z)
				}
			}
		}
	}
}

func minf(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

// ExprEvaluator evaluates an arithmetic expression with the given variables.
// The expression parser itself lives outside this module; modifiers consume
// it as an opaque capability.
type ExprEvaluator func(expression string, variables map[string]float64) (float64, error)

// Expr is a modifier whose SDF contribution is an arithmetic expression of
// the voxel position, evaluated through an injected evaluator.  Variables
// bound for each voxel: x, y, z (LOD0 voxel coordinates) and sd (the stack's
// running distance, unscaled).
type Expr struct {
	Expression string
	Eval       ExprEvaluator
	Subtract   bool
}

// Apply composes the expression's distance over the SDF channel.  Evaluation
// errors void the modifier for the whole buffer and are logged once.
func (m *Expr) Apply(buf *storage.Buffer, origin svox.Point3i, lodIndex uint8) {
	if m.Eval == nil {
		return
	}
	size := buf.Size()
	step := int32(1) << lodIndex
	vars := make(map[string]float64, 4)
	for z := int32(0); z < size[2]; z++ {
		for y := int32(0); y < size[1]; y++ {
			for x := int32(0); x < size[0]; x++ {
				prev := buf.VoxelSDF(x, y, z)
				vars["x"] = float64(origin[0] + x*step)
				vars["y"] = float64(origin[1] + y*step)
				vars["z"] = float64(origin[2] + z*step)
				vars["sd"] = float64(prev) / float64(sdfScale)
				result, err := m.Eval(m.Expression, vars)
				if err != nil {
					svox.Errorf("Expression modifier %q failed: %v\n", m.Expression, err)
					return
				}
				sd := float32(result) * sdfScale
				var next float32
				if m.Subtract {
					next = maxf(prev, -sd)
				} else {
					next = minf(prev, sd)
				}
				if next != prev {
					buf.SetVoxelSDF(next, x, y, z)
				}
			}
		}
	}
}

package svox

import (
	"fmt"
	"math"
)

// Point3i is an integer 3-vector in voxel or block coordinate space.
type Point3i [3]int32

// Add returns the addition of two points.
func (p Point3i) Add(p2 Point3i) Point3i {
	return Point3i{p[0] + p2[0], p[1] + p2[1], p[2] + p2[2]}
}

// Sub returns the subtraction of the passed point from the receiver.
func (p Point3i) Sub(p2 Point3i) Point3i {
	return Point3i{p[0] - p2[0], p[1] - p2[1], p[2] - p2[2]}
}

// Mult returns the component-wise multiplication of two points.
func (p Point3i) Mult(p2 Point3i) Point3i {
	return Point3i{p[0] * p2[0], p[1] * p2[1], p[2] * p2[2]}
}

// AddScalar adds a scalar value to each component.
func (p Point3i) AddScalar(x int32) Point3i {
	return Point3i{p[0] + x, p[1] + x, p[2] + x}
}

// MultScalar multiplies each component by a scalar value.
func (p Point3i) MultScalar(x int32) Point3i {
	return Point3i{p[0] * x, p[1] * x, p[2] * x}
}

// RShift arithmetic-shifts each component right, giving floored division by a
// power of two.  This is how voxel coordinates map to block coordinates for
// negative positions too.
func (p Point3i) RShift(po2 uint) Point3i {
	return Point3i{p[0] >> po2, p[1] >> po2, p[2] >> po2}
}

// LShift shifts each component left by the given power of two.
func (p Point3i) LShift(po2 uint) Point3i {
	return Point3i{p[0] << po2, p[1] << po2, p[2] << po2}
}

// Max returns a point where each component is the maximum of the two points'.
func (p Point3i) Max(p2 Point3i) Point3i {
	result := p
	if p2[0] > p[0] {
		result[0] = p2[0]
	}
	if p2[1] > p[1] {
		result[1] = p2[1]
	}
	if p2[2] > p[2] {
		result[2] = p2[2]
	}
	return result
}

// Min returns a point where each component is the minimum of the two points'.
func (p Point3i) Min(p2 Point3i) Point3i {
	result := p
	if p2[0] < p[0] {
		result[0] = p2[0]
	}
	if p2[1] < p[1] {
		result[1] = p2[1]
	}
	if p2[2] < p[2] {
		result[2] = p2[2]
	}
	return result
}

// Prod returns the product of the point components.
func (p Point3i) Prod() int64 {
	return int64(p[0]) * int64(p[1]) * int64(p[2])
}

// ToFloat converts to a floating-point 3-vector.
func (p Point3i) ToFloat() Point3f {
	return Point3f{float64(p[0]), float64(p[1]), float64(p[2])}
}

func (p Point3i) String() string {
	return fmt.Sprintf("(%d,%d,%d)", p[0], p[1], p[2])
}

// Point3f is a floating-point 3-vector, used for observer positions.
type Point3f [3]float64

// Add returns the addition of two points.
func (p Point3f) Add(p2 Point3f) Point3f {
	return Point3f{p[0] + p2[0], p[1] + p2[1], p[2] + p2[2]}
}

// Sub returns the subtraction of the passed point from the receiver.
func (p Point3f) Sub(p2 Point3f) Point3f {
	return Point3f{p[0] - p2[0], p[1] - p2[1], p[2] - p2[2]}
}

// MultScalar multiplies each component by a scalar value.
func (p Point3f) MultScalar(x float64) Point3f {
	return Point3f{p[0] * x, p[1] * x, p[2] * x}
}

// Distance returns the euclidean distance between two points.
func (p Point3f) Distance(p2 Point3f) float64 {
	dx := p[0] - p2[0]
	dy := p[1] - p2[1]
	dz := p[2] - p2[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func (p Point3f) String() string {
	return fmt.Sprintf("(%g,%g,%g)", p[0], p[1], p[2])
}

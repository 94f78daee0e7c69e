package terrain

import (
	"github.com/scalevox/scalevox/svox"
)

// mergeHysteresis widens the merge threshold over the split threshold so a
// node sitting right at the boundary does not thrash between states as the
// observer jitters.
const mergeHysteresis = 1.25

// octreeNode is one cell of the view octree.  Position and LOD are implicit
// in the traversal; the node itself only knows whether it is subdivided.
type octreeNode struct {
	children *[8]octreeNode
}

func (n *octreeNode) isLeaf() bool {
	return n.children == nil
}

// LeafAction receives a block coordinate expressed at the leaf's LOD.
type LeafAction func(bpos svox.Point3i, lodIndex uint8)

// LodOctree decides which block coordinates at which LOD must be resident
// for an observer position.  It is a grid of octrees: one root per top-LOD
// cell within view distance, each subdividing toward the observer.  At any
// time its leaves partition the addressed volume at resolution increasing
// toward the observer.
//
// The octree is owned by the control goroutine; it is not safe for
// concurrent use.
type LodOctree struct {
	blockSizePo2 uint
	lodCount     uint8
	splitScale   float64
	viewDistance float64

	// rootsBounds is the box of valid root coordinates, in block
	// coordinates at the top LOD.
	rootsBounds svox.Box3i
	roots       map[svox.Point3i]*octreeNode
}

// NewLodOctree returns an octree covering the given volume bounds (LOD0
// voxels).  splitScale is the ratio of observer distance to node size under
// which a node subdivides; viewDistance is in LOD0 voxels.
func NewLodOctree(bounds svox.Box3i, blockSizePo2 uint, lodCount uint8, splitScale, viewDistance float64) *LodOctree {
	if lodCount < 1 {
		lodCount = 1
	}
	return &LodOctree{
		blockSizePo2: blockSizePo2,
		lodCount:     lodCount,
		splitScale:   splitScale,
		viewDistance: viewDistance,
		rootsBounds:  bounds.DownscaledPo2(blockSizePo2 + uint(lodCount) - 1),
		roots:        make(map[svox.Point3i]*octreeNode),
	}
}

// SetViewDistance changes the addressed radius around the observer, in LOD0
// voxels.  Takes effect on the next Update.
func (o *LodOctree) SetViewDistance(viewDistance float64) {
	o.viewDistance = viewDistance
}

// topLodSize returns the edge length of a top-LOD cell in LOD0 voxels.
func (o *LodOctree) topLodSize() int32 {
	return int32(1) << (o.blockSizePo2 + uint(o.lodCount) - 1)
}

// nodeCenter returns the world-space center of a node at (bpos, lodIndex).
func (o *LodOctree) nodeCenter(bpos svox.Point3i, lodIndex uint8) svox.Point3f {
	size := int32(1) << (o.blockSizePo2 + uint(lodIndex))
	origin := bpos.MultScalar(size)
	half := float64(size) / 2
	return svox.Point3f{
		float64(origin[0]) + half,
		float64(origin[1]) + half,
		float64(origin[2]) + half,
	}
}

func (o *LodOctree) canSplit(bpos svox.Point3i, lodIndex uint8, viewer svox.Point3f) bool {
	if lodIndex == 0 {
		return false
	}
	size := float64(int32(1) << (o.blockSizePo2 + uint(lodIndex)))
	return o.nodeCenter(bpos, lodIndex).Distance(viewer) < o.splitScale*size
}

func (o *LodOctree) shouldMerge(bpos svox.Point3i, lodIndex uint8, viewer svox.Point3f) bool {
	size := float64(int32(1) << (o.blockSizePo2 + uint(lodIndex)))
	return o.nodeCenter(bpos, lodIndex).Distance(viewer) > o.splitScale*size*mergeHysteresis
}

// Update recomputes the leaf set for the given observer position, reporting
// every leaf that starts or stops existing.  Idempotent: updating twice with
// the same position changes nothing the second time.
func (o *LodOctree) Update(viewer svox.Point3f, enterLeaf, exitLeaf LeafAction) {
	topLod := o.lodCount - 1

	// Roots live within view distance of the observer.
	reach := int32(1) << (o.blockSizePo2 + uint(topLod))
	viewBox := svox.Box3iFromMinMax(
		svox.Point3i{
			int32(viewer[0]-o.viewDistance) - reach,
			int32(viewer[1]-o.viewDistance) - reach,
			int32(viewer[2]-o.viewDistance) - reach,
		},
		svox.Point3i{
			int32(viewer[0]+o.viewDistance) + reach,
			int32(viewer[1]+o.viewDistance) + reach,
			int32(viewer[2]+o.viewDistance) + reach,
		},
	)
	wantedRoots := viewBox.DownscaledPo2(o.blockSizePo2 + uint(topLod)).Clipped(o.rootsBounds)

	for bpos, node := range o.roots {
		if !wantedRoots.Contains(bpos) {
			o.destroyNode(node, bpos, topLod, exitLeaf)
			delete(o.roots, bpos)
		}
	}
	if !wantedRoots.IsEmpty() {
		wantedRoots.ForEachCellZYX(func(bpos svox.Point3i) {
			if _, found := o.roots[bpos]; !found {
				o.roots[bpos] = &octreeNode{}
				enterLeaf(bpos, topLod)
			}
		})
	}

	for bpos, node := range o.roots {
		o.updateNode(node, bpos, topLod, viewer, enterLeaf, exitLeaf)
	}
}

func (o *LodOctree) updateNode(n *octreeNode, bpos svox.Point3i, lodIndex uint8,
	viewer svox.Point3f, enterLeaf, exitLeaf LeafAction) {

	if n.isLeaf() {
		if !o.canSplit(bpos, lodIndex, viewer) {
			return
		}
		exitLeaf(bpos, lodIndex)
		n.children = &[8]octreeNode{}
		for i := 0; i < 8; i++ {
			childPos := childPosition(bpos, i)
			enterLeaf(childPos, lodIndex-1)
		}
		// Fall through: children may split further on the same pass.
	} else if o.shouldMerge(bpos, lodIndex, viewer) {
		for i := 0; i < 8; i++ {
			childPos := childPosition(bpos, i)
			o.destroyNode(&n.children[i], childPos, lodIndex-1, exitLeaf)
		}
		n.children = nil
		enterLeaf(bpos, lodIndex)
		return
	}
	for i := 0; i < 8; i++ {
		childPos := childPosition(bpos, i)
		o.updateNode(&n.children[i], childPos, lodIndex-1, viewer, enterLeaf, exitLeaf)
	}
}

// destroyNode reports every leaf under the node as exited.
func (o *LodOctree) destroyNode(n *octreeNode, bpos svox.Point3i, lodIndex uint8, exitLeaf LeafAction) {
	if n.isLeaf() {
		exitLeaf(bpos, lodIndex)
		return
	}
	for i := 0; i < 8; i++ {
		o.destroyNode(&n.children[i], childPosition(bpos, i), lodIndex-1, exitLeaf)
	}
	n.children = nil
}

// childPosition returns the block coordinate of the i-th octant, one LOD
// below its parent.
func childPosition(parent svox.Point3i, i int) svox.Point3i {
	return svox.Point3i{
		parent[0]*2 + int32(i&1),
		parent[1]*2 + int32((i>>1)&1),
		parent[2]*2 + int32((i>>2)&1),
	}
}

// ForEachLeaf visits every current leaf.
func (o *LodOctree) ForEachLeaf(fn LeafAction) {
	topLod := o.lodCount - 1
	for bpos, node := range o.roots {
		o.forEachLeafUnder(node, bpos, topLod, fn)
	}
}

func (o *LodOctree) forEachLeafUnder(n *octreeNode, bpos svox.Point3i, lodIndex uint8, fn LeafAction) {
	if n.isLeaf() {
		fn(bpos, lodIndex)
		return
	}
	for i := 0; i < 8; i++ {
		o.forEachLeafUnder(&n.children[i], childPosition(bpos, i), lodIndex-1, fn)
	}
}

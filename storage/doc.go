/*
	Package storage implements the multi-resolution voxel volume store:
	sparse per-LOD block maps reconciling user edits, cached procedural
	results and not-yet-loaded placeholders, the voxel buffers backing
	them, and the size-classed pool their channel storage is recycled
	through.  It also defines the contracts the store consumes: procedural
	generators, the modifier stack, and persistence stream backends.

	LOD 0 is the ground truth for edits.  Higher LODs are mip-style caches
	rebuilt from LOD 0 by UpdateLods, never edited independently.
*/
package storage

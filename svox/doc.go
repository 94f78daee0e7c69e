/*
	Package svox provides the core types shared across the scalevox
	packages: integer points and boxes for voxel and block coordinate
	spaces, leveled logging, and serialization of block payloads with
	optional compression and checksums.
*/
package svox

const (
	// MaxLOD is the hard cap on level-of-detail count.  LOD 0 is full
	// resolution and the ground truth for edits; each further level halves
	// resolution, so 24 levels already cover absurd view distances.
	MaxLOD = 24

	// DefaultBlockSizePo2 gives blocks of 16 voxels per edge.
	DefaultBlockSizePo2 = 4
)

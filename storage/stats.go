package storage

import (
	"github.com/DmitriyVTitov/size"
	"github.com/dustin/go-humanize"

	"github.com/scalevox/scalevox/svox"
)

// DataStats summarizes the volume store's residency and memory footprint.
type DataStats struct {
	BlocksPerLOD []int
	TotalBlocks  int
	MemoryBytes  uint64
}

// Stats walks the LOD maps and measures their in-memory footprint, including
// buffer channel storage.  Diagnostic; takes each LOD's read lock in turn.
func (d *Data) Stats() DataStats {
	lodCount := int(d.LODCount())
	stats := DataStats{BlocksPerLOD: make([]int, lodCount)}
	for i := 0; i < lodCount; i++ {
		l := &d.lods[i]
		l.mu.RLock()
		stats.BlocksPerLOD[i] = len(l.blocks)
		stats.TotalBlocks += len(l.blocks)
		stats.MemoryBytes += uint64(size.Of(l.blocks))
		l.mu.RUnlock()
	}
	return stats
}

// LogStats writes a one-line summary of residency and memory use.
func (d *Data) LogStats() {
	stats := d.Stats()
	svox.Infof("Volume store: %d blocks (%s) across %d LODs %v\n",
		stats.TotalBlocks, humanize.Bytes(stats.MemoryBytes), len(stats.BlocksPerLOD), stats.BlocksPerLOD)
}

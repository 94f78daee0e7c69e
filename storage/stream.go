package storage

import (
	"fmt"
	"strings"
	"sync"

	"github.com/blang/semver"

	"github.com/scalevox/scalevox/svox"
)

// BlockRequest is one block's worth of stream I/O for the batched calls.
// Origin is in LOD0 voxel coordinates.  For loads, Found and Err are filled
// in by the stream; a request whose Found stays false means the backend has
// nothing stored there and the caller should fall back to generation.
type BlockRequest struct {
	Buffer *Buffer
	Origin svox.Point3i
	LOD    uint8
	Found  bool
	Err    error
}

// BlockStream provides access to a source of paged voxel data which may load
// and save blocks.  Implementations must be safe for concurrent use.  As with
// generators, stored voxel values must depend only on their coordinates, never
// on the LOD used to query them.
type BlockStream interface {
	// LoadBlock fills buf with the block at origin, returning false if the
	// backend has nothing stored for it.
	LoadBlock(buf *Buffer, origin svox.Point3i, lod uint8) (found bool, err error)

	// SaveBlock persists the block at origin.
	SaveBlock(buf *Buffer, origin svox.Point3i, lod uint8) error

	// LoadBlocks and SaveBlocks are batched variants for backends where
	// grouping reduces I/O overhead.  Results are written into the slice
	// elements in place.
	LoadBlocks(reqs []BlockRequest) error
	SaveBlocks(reqs []BlockRequest) error

	// UsedChannelsMask declares which buffer channels the backend stores.
	UsedChannelsMask() uint8

	Close() error
}

// --- stream engine registry --------------------------------------------------

// StreamFactory opens or creates a stream backend rooted at the given path.
type StreamFactory func(path string, create bool) (BlockStream, error)

// StreamEngine describes a registered persistence backend.
type StreamEngine struct {
	Name        string
	Description string
	SemVer      semver.Version
	New         StreamFactory
}

var (
	enginesMu sync.Mutex
	engines   map[string]StreamEngine
)

// RegisterStreamEngine makes a stream backend available to OpenStream.
// Backends call this from their init function.
func RegisterStreamEngine(e StreamEngine) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	if engines == nil {
		engines = make(map[string]StreamEngine)
	}
	engines[e.Name] = e
	svox.Debugf("Registered stream engine %q (%s), version %s\n", e.Name, e.Description, e.SemVer)
}

// OpenStream opens the named backend at the given path.
func OpenStream(engineName, path string, create bool) (BlockStream, error) {
	enginesMu.Lock()
	e, found := engines[engineName]
	enginesMu.Unlock()
	if !found {
		return nil, fmt.Errorf("stream engine %q not available; compiled-in engines: %s",
			engineName, EnginesAvailable())
	}
	return e.New(path, create)
}

// EnginesAvailable returns a description of the compiled-in stream engines.
func EnginesAvailable() string {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	var names []string
	for name, e := range engines {
		names = append(names, fmt.Sprintf("%s (%s)", name, e.SemVer))
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "; ")
}

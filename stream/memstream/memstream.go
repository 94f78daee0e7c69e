/*
	Package memstream is an in-memory persistence stream, useful for tests
	and for volumes that only need save/load symmetry within one process.
*/
package memstream

import (
	"sync"

	"github.com/blang/semver"

	"github.com/scalevox/scalevox/storage"
	"github.com/scalevox/scalevox/svox"
)

func init() {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		svox.Errorf("Unable to make semver in memstream: %v\n", err)
	}
	storage.RegisterStreamEngine(storage.StreamEngine{
		Name:        "memstream",
		Description: "In-memory block store",
		SemVer:      ver,
		New: func(path string, create bool) (storage.BlockStream, error) {
			return New(), nil
		},
	})
}

type blockKey struct {
	lod    uint8
	origin svox.Point3i
}

// Store holds serialized blocks in a map.  Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	blocks map[blockKey][]byte
}

// New returns an empty in-memory stream.
func New() *Store {
	return &Store{blocks: make(map[blockKey][]byte)}
}

// LoadBlock fills buf with the block stored at origin, if any.
func (s *Store) LoadBlock(buf *storage.Buffer, origin svox.Point3i, lodIndex uint8) (bool, error) {
	s.mu.RLock()
	data, found := s.blocks[blockKey{lodIndex, origin}]
	s.mu.RUnlock()
	if !found {
		return false, nil
	}
	loaded, err := storage.BufferFromBytes(data)
	if err != nil {
		return false, err
	}
	err = buf.CopyFrom(loaded)
	loaded.Release()
	return err == nil, err
}

// SaveBlock stores the block at origin, replacing any previous data.
func (s *Store) SaveBlock(buf *storage.Buffer, origin svox.Point3i, lodIndex uint8) error {
	data, err := buf.MarshalBinary()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.blocks[blockKey{lodIndex, origin}] = data
	s.mu.Unlock()
	return nil
}

// LoadBlocks loops LoadBlock; there is no I/O to batch in memory.
func (s *Store) LoadBlocks(reqs []storage.BlockRequest) error {
	for i := range reqs {
		reqs[i].Found, reqs[i].Err = s.LoadBlock(reqs[i].Buffer, reqs[i].Origin, reqs[i].LOD)
	}
	return nil
}

// SaveBlocks loops SaveBlock.
func (s *Store) SaveBlocks(reqs []storage.BlockRequest) error {
	for i := range reqs {
		reqs[i].Err = s.SaveBlock(reqs[i].Buffer, reqs[i].Origin, reqs[i].LOD)
	}
	return nil
}

// UsedChannelsMask declares that every channel round-trips.
func (s *Store) UsedChannelsMask() uint8 {
	return storage.AllChannelsMask
}

// BlockCount returns the number of stored blocks.
func (s *Store) BlockCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}

func (s *Store) Close() error {
	return nil
}

/*
	Package badgerstream is a BadgerDB-backed persistence stream.  Blocks
	are stored one key-value pair each, keyed by LOD and origin, with
	Snappy-compressed, CRC32-checked payloads.
*/
package badgerstream

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime"

	"github.com/blang/semver"
	"github.com/dgraph-io/badger/v3"
	"github.com/twinj/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/scalevox/scalevox/storage"
	"github.com/scalevox/scalevox/svox"
)

const (
	// DefaultSyncWrites is false: resilience is traded for write speed, as
	// edited blocks stay in memory until evicted anyway.
	DefaultSyncWrites = false
)

func init() {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		svox.Errorf("Unable to make semver in badgerstream: %v\n", err)
	}
	storage.RegisterStreamEngine(storage.StreamEngine{
		Name:        "badger",
		Description: "BadgerDB block store",
		SemVer:      ver,
		New:         NewStore,
	})
}

// storeIDKey holds a UUID written once at store creation, identifying the
// store across moves of its directory.
var storeIDKey = []byte("scalevox-store-id")

// Store is a badger-backed block stream.
type Store struct {
	directory string
	db        *badger.DB
}

// NewStore opens a badger block store at path, creating the directory and
// store identity when create is true and nothing exists there yet.
func NewStore(path string, create bool) (storage.BlockStream, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if !create {
			return nil, fmt.Errorf("no badger store at %s", path)
		}
		svox.Infof("Database not already at path (%s). Creating directory...\n", path)
		if err := os.MkdirAll(path, 0744); err != nil {
			return nil, fmt.Errorf("can't make directory at %s: %v", path, err)
		}
	}

	opts := badger.DefaultOptions(path)
	opts.NumVersionsToKeep = 1
	opts.SyncWrites = DefaultSyncWrites
	opts.Logger = nil

	svox.Infof("Opening badger @ path %s\n", path)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	s := &Store{directory: path, db: db}
	if err := s.ensureStoreID(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureStoreID() error {
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(storeIDKey)
		if err == nil {
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		id := uuid.NewV4().String()
		svox.Infof("Assigned store ID %s to badger @ %s\n", id, s.directory)
		return txn.Set(storeIDKey, []byte(id))
	})
}

// blockKey packs LOD and origin into 13 bytes, big-endian ZYX so that keys
// of one LOD sort spatially.
func blockKey(origin svox.Point3i, lodIndex uint8) []byte {
	key := make([]byte, 13)
	key[0] = lodIndex
	binary.BigEndian.PutUint32(key[1:], uint32(origin[2]))
	binary.BigEndian.PutUint32(key[5:], uint32(origin[1]))
	binary.BigEndian.PutUint32(key[9:], uint32(origin[0]))
	return key
}

func encodeBlock(buf *storage.Buffer) ([]byte, error) {
	data, err := buf.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return svox.SerializeData(data, svox.Snappy, svox.CRC32)
}

func decodeBlock(val []byte, buf *storage.Buffer) error {
	data, _, err := svox.DeserializeData(val, true)
	if err != nil {
		return err
	}
	loaded, err := storage.BufferFromBytes(data)
	if err != nil {
		return err
	}
	err = buf.CopyFrom(loaded)
	loaded.Release()
	return err
}

// LoadBlock fills buf with the persisted block at origin, if any.
func (s *Store) LoadBlock(buf *storage.Buffer, origin svox.Point3i, lodIndex uint8) (bool, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(origin, lodIndex))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := decodeBlock(val, buf); err != nil {
		return false, err
	}
	return true, nil
}

// SaveBlock persists the block at origin, replacing any previous data.
func (s *Store) SaveBlock(buf *storage.Buffer, origin svox.Point3i, lodIndex uint8) error {
	val, err := encodeBlock(buf)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blockKey(origin, lodIndex), val)
	})
}

// LoadBlocks reads the requested blocks within a single transaction.
func (s *Store) LoadBlocks(reqs []storage.BlockRequest) error {
	return s.db.View(func(txn *badger.Txn) error {
		for i := range reqs {
			req := &reqs[i]
			item, err := txn.Get(blockKey(req.Origin, req.LOD))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				req.Err = err
				continue
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				req.Err = err
				continue
			}
			if err := decodeBlock(val, req.Buffer); err != nil {
				req.Err = err
				continue
			}
			req.Found = true
		}
		return nil
	})
}

// SaveBlocks writes the requested blocks through one write batch.
// Compression dominates the cost, so blocks are encoded concurrently
// before the batch is flushed.
func (s *Store) SaveBlocks(reqs []storage.BlockRequest) error {
	vals := make([][]byte, len(reqs))
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i := range reqs {
		i := i
		g.Go(func() error {
			val, err := encodeBlock(reqs[i].Buffer)
			if err != nil {
				reqs[i].Err = err
				return nil
			}
			vals[i] = val
			return nil
		})
	}
	g.Wait()

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for i := range reqs {
		if vals[i] == nil {
			continue
		}
		if err := wb.Set(blockKey(reqs[i].Origin, reqs[i].LOD), vals[i]); err != nil {
			reqs[i].Err = err
		}
	}
	return wb.Flush()
}

// UsedChannelsMask declares that every channel round-trips.
func (s *Store) UsedChannelsMask() uint8 {
	return storage.AllChannelsMask
}

// Close syncs and closes the underlying badger database.
func (s *Store) Close() error {
	return s.db.Close()
}

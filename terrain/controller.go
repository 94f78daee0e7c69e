package terrain

import (
	"sync"

	"github.com/scalevox/scalevox/storage"
	"github.com/scalevox/scalevox/svox"
)

// BlockState tracks a block coordinate through loading and meshing.
type BlockState uint8

const (
	// StateNone: no entry exists for the block.
	StateNone BlockState = iota
	// StateLoading: the block was requested from the stream or generator.
	StateLoading
	// StateUpdatePending: the block's data changed and a mesh update has
	// not been sent yet.
	StateUpdatePending
	// StateUpdateSent: a mesh update was submitted and not yet answered.
	StateUpdateSent
	// StateIdle: the block is up to date.
	StateIdle
)

func (s BlockState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateLoading:
		return "loading"
	case StateUpdatePending:
		return "update-pending"
	case StateUpdateSent:
		return "update-sent"
	case StateIdle:
		return "idle"
	default:
		return "invalid"
	}
}

// MeshRequest asks the mesh-update collaborator to (re)build the surface of
// one block.  The grid view stays valid until Release; the collaborator owns
// that call once the request is submitted.
type MeshRequest struct {
	Pos  svox.Point3i
	LOD  uint8
	Grid *storage.Grid
}

// MeshOutput reports a completed mesh update back to the controller through
// OnMeshOutput.
type MeshOutput struct {
	Pos svox.Point3i
	LOD uint8
}

// MeshUpdater is the downstream mesh extraction collaborator.  SubmitBlock
// must not block for long; it is called from the control goroutine.
type MeshUpdater interface {
	SubmitBlock(req MeshRequest)
}

// Config holds the streaming controller's tuning knobs.
type Config struct {
	// SplitScale is the distance/size ratio under which an octree node
	// subdivides.  Higher means more detail further away.
	SplitScale float64
	// ViewDistance is the addressed radius around the observer, in voxels.
	ViewDistance float64
	// Workers bounds concurrent load/generate tasks.
	Workers int
	// LoadBatchSize is how many blocks go into one batched stream request.
	LoadBatchSize int
}

// DefaultConfig returns the tuning used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		SplitScale:    3,
		ViewDistance:  512,
		Workers:       4,
		LoadBatchSize: 16,
	}
}

func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.SplitScale <= 0 {
		c.SplitScale = def.SplitScale
	}
	if c.ViewDistance <= 0 {
		c.ViewDistance = def.ViewDistance
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.LoadBatchSize <= 0 {
		c.LoadBatchSize = def.LoadBatchSize
	}
}

type lodState struct {
	states map[svox.Point3i]BlockState
	// blocksToLoad accumulates newly covered leaves between dispatches.
	blocksToLoad []svox.Point3i
	// pendingUpdate accumulates blocks needing a mesh submission.
	pendingUpdate []svox.Point3i
}

// loadResult carries one finished load-or-generate task back to the control
// goroutine.  A nil buffer with empty=true means the stream had nothing and
// generation was not wanted either.
type loadResult struct {
	pos   svox.Point3i
	lod   uint8
	buf   *storage.Buffer
	empty bool
	epoch uint64
}

// Controller drives which blocks exist, get generated, meshed and evicted as
// the observer moves.  Process must be called from a single control
// goroutine; loads run on worker goroutines and report back through a
// channel drained by Process.
type Controller struct {
	data   *storage.Data
	mesher MeshUpdater
	octree *LodOctree
	config Config

	lods [svox.MaxLOD]lodState

	viewerMu  sync.Mutex
	viewerPos svox.Point3f

	loadResults chan loadResult
	// meshOutputs collects mesher acknowledgments.  A slice rather than a
	// bounded channel: synchronous meshers acknowledge from inside
	// sendMeshUpdates, on the control goroutine, which must never block.
	meshOutMu   sync.Mutex
	meshOutputs []MeshOutput
	// workerSem bounds concurrent load batches without ever blocking the
	// control goroutine.
	workerSem chan struct{}

	// pendingSaves holds evicted edited blocks awaiting a batched flush.
	pendingSaves []storage.BlockRequest
}

// NewController builds a controller over the given store and mesher.  The
// store's bounds and LOD count are read at construction; destructive store
// reconfiguration requires a new controller.
func NewController(data *storage.Data, mesher MeshUpdater, config Config) *Controller {
	config.fillDefaults()
	c := &Controller{
		data:        data,
		mesher:      mesher,
		config:      config,
		octree:      NewLodOctree(data.Bounds(), data.BlockSizePo2(), data.LODCount(), config.SplitScale, config.ViewDistance),
		loadResults: make(chan loadResult, 1024),
	}
	c.workerSem = make(chan struct{}, c.config.Workers)
	for i := range c.lods {
		c.lods[i].states = make(map[svox.Point3i]BlockState)
	}
	return c
}

// SetViewerPos records the observer position used by the next Process tick.
// Safe to call from any goroutine.
func (c *Controller) SetViewerPos(pos svox.Point3f) {
	c.viewerMu.Lock()
	c.viewerPos = pos
	c.viewerMu.Unlock()
}

func (c *Controller) viewer() svox.Point3f {
	c.viewerMu.Lock()
	defer c.viewerMu.Unlock()
	return c.viewerPos
}

// BlockStateAt returns the streaming state of a block coordinate.  Control
// goroutine only.
func (c *Controller) BlockStateAt(bpos svox.Point3i, lodIndex uint8) BlockState {
	if lodIndex >= svox.MaxLOD {
		return StateNone
	}
	return c.lods[lodIndex].states[bpos]
}

// OnMeshOutput reports a finished mesh update.  Safe to call from any
// goroutine and never blocks; takes effect on the next Process tick.
func (c *Controller) OnMeshOutput(out MeshOutput) {
	c.meshOutMu.Lock()
	c.meshOutputs = append(c.meshOutputs, out)
	c.meshOutMu.Unlock()
}

// MarkDirty flags a block whose data changed so a mesh update is scheduled.
// Control goroutine only.
func (c *Controller) MarkDirty(bpos svox.Point3i, lodIndex uint8) {
	ls := &c.lods[lodIndex]
	switch ls.states[bpos] {
	case StateIdle, StateUpdateSent:
		ls.states[bpos] = StateUpdatePending
		ls.pendingUpdate = append(ls.pendingUpdate, bpos)
	}
}

// OnAreaModified runs the store-side bookkeeping for an edited voxel area —
// edited flags, LOD propagation — and schedules mesh updates for every
// affected block.  Control goroutine only.
func (c *Controller) OnAreaModified(voxelBox svox.Box3i) {
	modified := c.data.MarkAreaModified(voxelBox)
	// MarkAreaModified only lists newly LOD-flagged blocks; every touched
	// block needs a fresh mesh regardless.
	voxelBox.Clipped(c.data.Bounds()).DownscaledPo2(c.data.BlockSizePo2()).ForEachCellZYX(func(bpos svox.Point3i) {
		c.MarkDirty(bpos, 0)
	})
	for _, loc := range c.data.UpdateLods(modified) {
		c.MarkDirty(loc.Pos, loc.LOD)
	}
}

// Process runs one control tick: drains worker and mesher completions,
// recomputes the octree for the last observer position, dispatches loads,
// flushes evicted edited blocks, and submits mesh updates.
func (c *Controller) Process() {
	c.drainMeshOutputs()
	c.drainLoadResults()
	c.updateOctree()
	c.dispatchLoads()
	c.flushPendingSaves()
	c.sendMeshUpdates()
}

func (c *Controller) drainMeshOutputs() {
	c.meshOutMu.Lock()
	outs := c.meshOutputs
	c.meshOutputs = nil
	c.meshOutMu.Unlock()
	for _, out := range outs {
		ls := &c.lods[out.LOD]
		if ls.states[out.Pos] == StateUpdateSent {
			ls.states[out.Pos] = StateIdle
		}
	}
}

func (c *Controller) drainLoadResults() {
	for {
		select {
		case res := <-c.loadResults:
			c.applyLoadResult(res)
		default:
			return
		}
	}
}

func (c *Controller) applyLoadResult(res loadResult) {
	if res.epoch != c.data.Epoch() {
		// Result targets a configuration that no longer exists.
		if res.buf != nil {
			res.buf.Release()
		}
		delete(c.lods[res.lod].states, res.pos)
		return
	}
	ls := &c.lods[res.lod]
	if ls.states[res.pos] != StateLoading {
		// The leaf exited while the load was in flight.  Inserting now
		// would leave a block no eviction pass covers, so drop the data;
		// a re-entering leaf requests it again.
		if res.buf != nil {
			res.buf.Release()
		}
		return
	}
	if res.buf != nil {
		if !c.data.TrySetBlockBuffer(res.pos, res.lod, res.buf, false) {
			res.buf.Release()
			delete(ls.states, res.pos)
			return
		}
	} else if res.empty {
		c.data.SetEmptyBlock(res.pos, res.lod)
	}

	// Data is resident; hand it to the mesher.
	ls.states[res.pos] = StateUpdatePending
	ls.pendingUpdate = append(ls.pendingUpdate, res.pos)
}

func (c *Controller) updateOctree() {
	viewer := c.viewer()
	c.octree.Update(viewer, c.enterLeaf, c.exitLeaf)
}

func (c *Controller) enterLeaf(bpos svox.Point3i, lodIndex uint8) {
	ls := &c.lods[lodIndex]
	if ls.states[bpos] != StateNone {
		return
	}
	if c.data.HasBlock(bpos, lodIndex) {
		ls.states[bpos] = StateUpdatePending
		ls.pendingUpdate = append(ls.pendingUpdate, bpos)
		return
	}
	ls.states[bpos] = StateLoading
	ls.blocksToLoad = append(ls.blocksToLoad, bpos)
}

func (c *Controller) exitLeaf(bpos svox.Point3i, lodIndex uint8) {
	ls := &c.lods[lodIndex]
	delete(ls.states, bpos)

	stream := c.data.Stream()
	streaming := c.data.StreamingEnabled()
	cell := svox.NewBox3i(bpos, svox.Point3i{1, 1, 1})
	c.data.UnloadBlocks(cell, lodIndex, func(block *storage.Block, pos svox.Point3i) {
		if !block.Edited() || stream == nil || !streaming {
			return
		}
		// Flush happens after the map lock is dropped; keep the buffer
		// alive until then.
		if buf := block.Voxels(); buf != nil {
			buf.Retain()
			c.pendingSaves = append(c.pendingSaves, storage.BlockRequest{
				Buffer: buf,
				Origin: c.data.BlockOrigin(pos, lodIndex),
				LOD:    lodIndex,
			})
		}
	})
}

func (c *Controller) flushPendingSaves() {
	if len(c.pendingSaves) == 0 {
		return
	}
	stream := c.data.Stream()
	saves := c.pendingSaves
	c.pendingSaves = nil
	if stream != nil {
		if err := stream.SaveBlocks(saves); err != nil {
			svox.Errorf("Flushing %d evicted blocks failed: %v\n", len(saves), err)
		}
		for i := range saves {
			if saves[i].Err != nil {
				svox.Errorf("Flushing evicted block at %s LOD %d failed: %v\n",
					saves[i].Origin, saves[i].LOD, saves[i].Err)
			}
		}
	}
	for i := range saves {
		saves[i].Buffer.Release()
	}
}

// dispatchLoads hands accumulated load requests to worker goroutines in
// stream-sized batches.  Completions arrive through loadResults on a later
// tick; Process does not wait for them.
func (c *Controller) dispatchLoads() {
	stream := c.data.Stream()
	streaming := c.data.StreamingEnabled()
	epoch := c.data.Epoch()

	for lodIndex := range c.lods {
		ls := &c.lods[lodIndex]
		if len(ls.blocksToLoad) == 0 {
			continue
		}
		toLoad := ls.blocksToLoad
		ls.blocksToLoad = nil
		lod := uint8(lodIndex)

		for start := 0; start < len(toLoad); start += c.config.LoadBatchSize {
			end := start + c.config.LoadBatchSize
			if end > len(toLoad) {
				end = len(toLoad)
			}
			batch := toLoad[start:end]
			go func() {
				c.workerSem <- struct{}{}
				defer func() { <-c.workerSem }()
				c.loadBatch(batch, lod, stream, streaming, epoch)
			}()
		}
	}
}

// loadBatch resolves one batch of blocks: persisted data first when
// streaming, then generation fallback.  Runs on a worker goroutine.
func (c *Controller) loadBatch(batch []svox.Point3i, lodIndex uint8,
	stream storage.BlockStream, streaming bool, epoch uint64) {

	size := c.data.BlockSize()
	var reqs []storage.BlockRequest
	if streaming && stream != nil {
		reqs = make([]storage.BlockRequest, len(batch))
		for i, bpos := range batch {
			reqs[i] = storage.BlockRequest{
				Buffer: storage.NewBuffer(svox.Point3i{size, size, size}),
				Origin: c.data.BlockOrigin(bpos, lodIndex),
				LOD:    lodIndex,
			}
		}
		if err := stream.LoadBlocks(reqs); err != nil {
			svox.Errorf("Stream load of %d blocks at LOD %d failed: %v\n", len(batch), lodIndex, err)
		}
	}

	canGenerate := c.data.Generator() != nil || c.data.Modifiers().Len() > 0
	for i, bpos := range batch {
		var res loadResult
		res.pos = bpos
		res.lod = lodIndex
		res.epoch = epoch
		switch {
		case reqs != nil && reqs[i].Err != nil:
			svox.Errorf("Stream load at %s LOD %d failed: %v\n", bpos, lodIndex, reqs[i].Err)
			reqs[i].Buffer.Release()
			res.buf = c.data.GenerateBlockBuffer(bpos, lodIndex)
		case reqs != nil && reqs[i].Found:
			res.buf = reqs[i].Buffer
		case canGenerate:
			if reqs != nil {
				reqs[i].Buffer.Release()
			}
			res.buf = c.data.GenerateBlockBuffer(bpos, lodIndex)
		default:
			// Nothing persisted and nothing to generate: record the block
			// as known-empty so streaming does not re-request it.
			if reqs != nil {
				reqs[i].Buffer.Release()
			}
			res.empty = true
		}
		c.loadResults <- res
	}
}

// sendMeshUpdates submits every pending block to the mesh collaborator.
func (c *Controller) sendMeshUpdates() {
	if c.mesher == nil {
		return
	}
	size := c.data.BlockSize()
	for lodIndex := range c.lods {
		ls := &c.lods[lodIndex]
		if len(ls.pendingUpdate) == 0 {
			continue
		}
		pending := ls.pendingUpdate
		ls.pendingUpdate = nil
		for _, bpos := range pending {
			if ls.states[bpos] != StateUpdatePending {
				continue
			}
			origin := c.data.BlockOrigin(bpos, uint8(lodIndex))
			voxelBox := svox.NewBox3i(origin, svox.Point3i{size, size, size}.MultScalar(int32(1)<<uint(lodIndex)))
			grid := c.data.BlocksGrid(voxelBox, uint8(lodIndex))
			ls.states[bpos] = StateUpdateSent
			c.mesher.SubmitBlock(MeshRequest{Pos: bpos, LOD: uint8(lodIndex), Grid: grid})
		}
	}
}

// FlushEdited saves every edited block to the stream, typically at shutdown.
// Returns the number of blocks flushed.
func (c *Controller) FlushEdited() int {
	stream := c.data.Stream()
	if stream == nil {
		return 0
	}
	var reqs []storage.BlockRequest
	c.data.ForEachBlock(func(loc storage.BlockLocation, block *storage.Block) {
		if !block.Edited() || !block.HasVoxels() {
			return
		}
		buf := block.Voxels()
		buf.Retain()
		reqs = append(reqs, storage.BlockRequest{
			Buffer: buf,
			Origin: c.data.BlockOrigin(loc.Pos, loc.LOD),
			LOD:    loc.LOD,
		})
	})
	if len(reqs) == 0 {
		return 0
	}
	timeLog := svox.NewTimeLog()
	if err := stream.SaveBlocks(reqs); err != nil {
		svox.Errorf("Flushing %d edited blocks failed: %v\n", len(reqs), err)
	}
	flushed := 0
	for i := range reqs {
		if reqs[i].Err == nil {
			flushed++
		} else {
			svox.Errorf("Flushing edited block at %s failed: %v\n", reqs[i].Origin, reqs[i].Err)
		}
		reqs[i].Buffer.Release()
	}
	timeLog.Infof("Flushed %d edited blocks", flushed)
	return flushed
}

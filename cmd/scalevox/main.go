// Command-line interface to a scalevox volume daemon.
// Provides the essential commands: serve, about, help.

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/scalevox/scalevox/storage"
	"github.com/scalevox/scalevox/svox"
	"github.com/scalevox/scalevox/terrain"

	_ "github.com/scalevox/scalevox/stream/badgerstream"
	_ "github.com/scalevox/scalevox/stream/memstream"
)

const version = "0.1.0"

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// Profile CPU usage using standard gotest system.
	cpuprofile = flag.String("cpuprofile", "", "")

	// Profile memory usage using standard gotest system.
	memprofile = flag.String("memprofile", "", "")

	// Number of logical CPUs to use.
	useCPU = flag.Int("numcpu", 0, "")
)

const helpMessage = `
scalevox is a multi-resolution voxel volume daemon

Usage: scalevox [options] <command>

      -cpuprofile =string   Write CPU profile to this file.
      -memprofile =string   Write memory profile to this file on ctrl-C.
      -numcpu     =number   Number of logical CPUs to use.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

Commands:

	about
	help
	serve <config.toml>
`

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = func() { fmt.Print(helpMessage) }
	flag.Parse()

	if flag.NArg() >= 1 && strings.ToLower(flag.Args()[0]) == "help" {
		*showHelp = true
	}
	if *showHelp || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}

	if *runVerbose {
		svox.SetLogMode(svox.DebugMode)
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	if *useCPU != 0 {
		runtime.GOMAXPROCS(*useCPU)
	}

	var err error
	switch strings.ToLower(flag.Args()[0]) {
	case "about":
		fmt.Printf("scalevox %s\nStream engines available: %s\n", version, storage.EnginesAvailable())
	case "serve":
		err = doServe(flag.Args())
	default:
		err = fmt.Errorf("unknown command %q", flag.Args()[0])
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// doServe runs the streaming loop until interrupted.
func doServe(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("serve command must be followed by the path to a TOML config file")
	}
	if err := loadConfig(args[1]); err != nil {
		return err
	}
	tc.Logging.SetLogger()

	storage.CreatePool()
	defer storage.DestroyPool()

	data, err := buildVolume()
	if err != nil {
		return err
	}

	if tc.Stream.Engine != "" {
		stream, err := storage.OpenStream(tc.Stream.Engine, tc.Stream.Path, true)
		if err != nil {
			return fmt.Errorf("could not open stream engine %q: %v", tc.Stream.Engine, err)
		}
		defer stream.Close()
		data.SetStream(stream)
	}

	mesher := &logMesher{}
	ctrl := terrain.NewController(data, mesher, terrainSettings())
	mesher.ctrl = ctrl
	ctrl.SetViewerPos(svox.Point3f(tc.Terrain.ViewerStart))

	tick := time.Duration(tc.Terrain.TickMs) * time.Millisecond
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	statsEvery := time.Duration(tc.Terrain.StatsMinutes) * time.Minute
	if statsEvery <= 0 {
		statsEvery = 5 * time.Minute
	}

	stopSig := make(chan os.Signal, 1)
	signal.Notify(stopSig, os.Interrupt, syscall.SIGTERM)

	svox.Infof("Serving volume, tick %v, stream engine %q\n", tick, tc.Stream.Engine)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	statsTicker := time.NewTicker(statsEvery)
	defer statsTicker.Stop()

	for {
		select {
		case sig := <-stopSig:
			svox.Infof("Stop signal captured: %q.  Shutting down...\n", sig)
			if *memprofile != "" {
				svox.Infof("Storing memory profiling to %s...\n", *memprofile)
				f, err := os.Create(*memprofile)
				if err != nil {
					return err
				}
				pprof.WriteHeapProfile(f)
				f.Close()
			}
			saved := ctrl.FlushEdited()
			svox.Infof("Flushed %d edited blocks on shutdown\n", saved)
			svox.LogShutdown()
			return nil
		case <-statsTicker.C:
			data.LogStats()
			storage.GlobalPool().DebugPrint()
		case <-ticker.C:
			ctrl.Process()
		}
	}
}

// logMesher stands in for a mesh extraction pipeline.  It reports the update
// back immediately so block states can reach their resting point.
type logMesher struct {
	ctrl *terrain.Controller
}

func (m *logMesher) SubmitBlock(req terrain.MeshRequest) {
	svox.Debugf("mesh update for block %s lod %d (%d missing)\n",
		req.Pos, req.LOD, len(req.Grid.Missing))
	req.Grid.Release()
	m.ctrl.OnMeshOutput(terrain.MeshOutput{Pos: req.Pos, LOD: req.LOD})
}

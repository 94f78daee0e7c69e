package main

import (
	"fmt"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/scalevox/scalevox/generation"
	"github.com/scalevox/scalevox/storage"
	"github.com/scalevox/scalevox/svox"
	"github.com/scalevox/scalevox/terrain"
)

// the parsed TOML configuration data
var tc tomlConfig

type tomlConfig struct {
	Logging svox.LogConfig
	Volume  volumeConfig
	Stream  streamConfig
	Terrain terrainConfig
}

type volumeConfig struct {
	BlockSizePo2 uint     `toml:"block_size_po2"`
	LodCount     uint8    `toml:"lod_count"`
	BoundsMin    [3]int32 `toml:"bounds_min"`
	BoundsMax    [3]int32 `toml:"bounds_max"`
	Streaming    *bool    `toml:"streaming"`
	GenCacheMB   int      `toml:"gen_cache_mb"`

	Generator string `toml:"generator"` // "", "flat" or "noise"

	// flat generator
	FlatHeight   float32 `toml:"flat_height"`
	FlatMaterial uint64  `toml:"flat_material"`

	// noise generator
	NoiseSeed      int64   `toml:"noise_seed"`
	NoiseOffset    float32 `toml:"noise_offset"`
	NoiseAmplitude float32 `toml:"noise_amplitude"`
	NoisePeriod    int32   `toml:"noise_period"`
}

type streamConfig struct {
	Engine string `toml:"engine"`
	Path   string `toml:"path"`
}

type terrainConfig struct {
	SplitScale    float64    `toml:"split_scale"`
	ViewDistance  float64    `toml:"view_distance"`
	Workers       int        `toml:"workers"`
	LoadBatchSize int        `toml:"load_batch_size"`
	TickMs        int        `toml:"tick_ms"`
	StatsMinutes  int        `toml:"stats_minutes"`
	ViewerStart   [3]float64 `toml:"viewer_start"`
}

// loadConfig reads the daemon TOML configuration.  Relative paths are taken
// relative to the config file's own directory.
func loadConfig(filename string) error {
	if filename == "" {
		return fmt.Errorf("no TOML configuration file provided")
	}
	if _, err := toml.DecodeFile(filename, &tc); err != nil {
		return fmt.Errorf("could not decode TOML config: %v", err)
	}
	configDir := filepath.Dir(filename)
	if tc.Logging.Logfile != "" && !filepath.IsAbs(tc.Logging.Logfile) {
		tc.Logging.Logfile = filepath.Join(configDir, tc.Logging.Logfile)
	}
	if tc.Stream.Path != "" && !filepath.IsAbs(tc.Stream.Path) {
		tc.Stream.Path = filepath.Join(configDir, tc.Stream.Path)
	}
	return nil
}

// buildVolume creates and configures the volume store from the [volume]
// table, leaving unset fields at their defaults.
func buildVolume() (*storage.Data, error) {
	data := storage.NewData()

	if tc.Volume.BlockSizePo2 != 0 {
		if !data.SetBlockSizePo2(tc.Volume.BlockSizePo2) {
			return nil, fmt.Errorf("bad block_size_po2 %d, must be in [1,8]", tc.Volume.BlockSizePo2)
		}
	}
	if tc.Volume.LodCount != 0 {
		if !data.SetLODCount(tc.Volume.LodCount) {
			return nil, fmt.Errorf("bad lod_count %d, must be in [1,%d]", tc.Volume.LodCount, svox.MaxLOD)
		}
	}
	if tc.Volume.BoundsMin != tc.Volume.BoundsMax {
		data.SetBounds(svox.Box3iFromMinMax(
			svox.Point3i(tc.Volume.BoundsMin), svox.Point3i(tc.Volume.BoundsMax)))
	}
	if tc.Volume.Streaming != nil {
		data.SetStreamingEnabled(*tc.Volume.Streaming)
	}
	if tc.Volume.GenCacheMB > 0 {
		data.SetGenCacheSize(tc.Volume.GenCacheMB << 20)
	}

	switch tc.Volume.Generator {
	case "":
	case "flat":
		data.SetGenerator(&generation.Flat{
			Height:   tc.Volume.FlatHeight,
			Material: tc.Volume.FlatMaterial,
		})
	case "noise":
		g := generation.NewNoise(tc.Volume.NoiseSeed)
		g.HeightOffset = tc.Volume.NoiseOffset
		if tc.Volume.NoiseAmplitude != 0 {
			g.Amplitude = tc.Volume.NoiseAmplitude
		}
		if tc.Volume.NoisePeriod != 0 {
			g.Period = tc.Volume.NoisePeriod
		}
		data.SetGenerator(g)
	default:
		return nil, fmt.Errorf("unknown generator %q, expected \"flat\" or \"noise\"", tc.Volume.Generator)
	}
	return data, nil
}

// terrainSettings converts the [terrain] table into controller tuning,
// leaving unset fields to the controller's defaults.
func terrainSettings() terrain.Config {
	cfg := terrain.DefaultConfig()
	if tc.Terrain.SplitScale != 0 {
		cfg.SplitScale = tc.Terrain.SplitScale
	}
	if tc.Terrain.ViewDistance != 0 {
		cfg.ViewDistance = tc.Terrain.ViewDistance
	}
	if tc.Terrain.Workers != 0 {
		cfg.Workers = tc.Terrain.Workers
	}
	if tc.Terrain.LoadBatchSize != 0 {
		cfg.LoadBatchSize = tc.Terrain.LoadBatchSize
	}
	return cfg
}

package worldupgrade

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/eunmann/worldup/pkg/datafix"
	"github.com/eunmann/worldup/pkg/progress"
	"github.com/eunmann/worldup/pkg/tag"
	"github.com/eunmann/worldup/pkg/upgrade"
)

// Partition is one dimension of a world.
type Partition struct {
	// Name identifies the partition in progress and in the migrator context.
	Name string `mapstructure:"name" json:"name"`
	// Dir is the partition directory relative to the world root.
	Dir string `mapstructure:"dir" json:"dir"`
	// Context is merged into the context record of block-chunk migrations.
	Context map[string]any `mapstructure:"context" json:"context,omitempty"`
}

// DefaultPartitions returns the three standard dimensions.
func DefaultPartitions() []Partition {
	return []Partition{
		{Name: "overworld", Dir: "."},
		{Name: "the_nether", Dir: "DIM-1"},
		{Name: "the_end", Dir: "DIM1"},
	}
}

// contextRecord returns {"dimension": name} plus the configured extras.
func (p Partition) contextRecord() tag.Compound {
	c := tag.Compound{"dimension": p.Name}
	for k, v := range p.Context {
		if k == "dimension" {
			continue
		}
		c[k] = v
	}
	return c
}

// Recorder receives run metrics. *metrics.Metrics implements it.
type Recorder interface {
	upgrade.Observer
	RunStatusChanged(status progress.Status)
	RunFinished(d time.Duration)
}

// Options configures an upgrade run.
type Options struct {
	// WorldDir is the world root directory (required).
	WorldDir string
	// Partitions to upgrade (default: DefaultPartitions).
	Partitions []Partition
	// EraseCache strips derived chunk data so the game recomputes it.
	EraseCache bool
	// Recreate rewrites every record into fresh files.
	Recreate bool
	// Migrator converts records (default: datafix.Builtin).
	Migrator datafix.Migrator
	// LatestVersion is the target version (default: the migrator's latest,
	// or datafix.CurrentVersion).
	LatestVersion int
	// WriteTimeout bounds each wait for region I/O (0 = no limit).
	WriteTimeout time.Duration
	// AuxStorePath is the shared auxiliary store (default: <world>/data/aux.db).
	AuxStorePath string
	// ReportPath, when set, receives a JSON summary of the run.
	ReportPath string
	// Recorder receives metrics (optional).
	Recorder Recorder
	// Open opens region files (default: upgrade.OpenRegionFile).
	Open upgrade.OpenFunc
}

type latestVersioner interface {
	Latest() int
}

func (o *Options) validate() error {
	if o.WorldDir == "" {
		return errors.New("world directory is required")
	}
	info, err := os.Stat(o.WorldDir)
	if err != nil {
		return fmt.Errorf("world directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("world directory %s is not a directory", o.WorldDir)
	}

	if len(o.Partitions) == 0 {
		o.Partitions = DefaultPartitions()
	}
	seen := make(map[string]bool, len(o.Partitions))
	for _, p := range o.Partitions {
		if p.Name == "" {
			return errors.New("partition without a name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate partition %q", p.Name)
		}
		seen[p.Name] = true
		if filepath.IsAbs(p.Dir) {
			return fmt.Errorf("partition %q: dir must be relative to the world", p.Name)
		}
	}

	if o.Migrator == nil {
		o.Migrator = datafix.Builtin()
	}
	if o.LatestVersion <= 0 {
		o.LatestVersion = datafix.CurrentVersion
		if lv, ok := o.Migrator.(latestVersioner); ok {
			o.LatestVersion = lv.Latest()
		}
	}
	if o.WriteTimeout < 0 {
		return fmt.Errorf("negative write timeout %s", o.WriteTimeout)
	}
	if o.AuxStorePath == "" {
		o.AuxStorePath = filepath.Join(o.WorldDir, "data", "aux.db")
	}
	if o.Open == nil {
		o.Open = upgrade.OpenRegionFile
	}
	return nil
}

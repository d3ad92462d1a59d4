// Package config loads the YAML run configuration and checks it against an
// embedded JSON schema.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"genomevm/internal/cell"
	"genomevm/internal/geom"
	"genomevm/internal/logging"
	"genomevm/internal/world"
)

var (
	configLogger = logging.GetLogger().WithPrefix("config")
)

//go:embed config.schema.json
var schemaJSON []byte

const schemaURL = "config.schema.json"

// Config is the whole run configuration.
type Config struct {
	Scheduler Scheduler  `yaml:"scheduler" json:"scheduler"`
	Energy    cell.Costs `yaml:"energy" json:"energy"`
	World     World      `yaml:"world" json:"world"`
	Runtime   Runtime    `yaml:"runtime" json:"runtime"`
	Observer  Observer   `yaml:"observer" json:"observer"`
	Journal   Journal    `yaml:"journal" json:"journal"`
	Index     Index      `yaml:"index" json:"index"`
}

// Scheduler holds the tick settings.
type Scheduler struct {
	TickIntervalMs  int `yaml:"tick_interval_ms" json:"tick_interval_ms"`
	TickLimit       int `yaml:"tick_limit" json:"tick_limit"`
	MaxStepsPerTick int `yaml:"max_steps_per_tick" json:"max_steps_per_tick"`
}

// Interval returns the tick interval as a duration.
func (s Scheduler) Interval() time.Duration {
	return time.Duration(s.TickIntervalMs) * time.Millisecond
}

// World describes the map and the initial cells.
type World struct {
	Width  int           `yaml:"width" json:"width"`
	Height int           `yaml:"height" json:"height"`
	Rows   []string      `yaml:"rows" json:"rows,omitempty"`
	Spawns []world.Spawn `yaml:"spawns" json:"spawns"`
}

// Options converts w for world.New.
func (w World) Options(costs cell.Costs) world.Options {
	return world.Options{Rows: w.Rows, Width: w.Width, Height: w.Height, Costs: costs}
}

// Size returns the effective map size: rows win over width and height.
func (w World) Size() (width, height int) {
	if len(w.Rows) == 0 {
		return w.Width, w.Height
	}
	for _, row := range w.Rows {
		width = max(width, len(row))
	}
	return width, len(w.Rows)
}

// Runtime names the scripts to run.
type Runtime struct {
	Main         string `yaml:"main" json:"main"`
	Genome       string `yaml:"genome" json:"genome"`
	BuiltinMount string `yaml:"builtin_mount" json:"builtin_mount"`
	Seed         int64  `yaml:"seed" json:"seed"`
}

// Observer configures the websocket event stream. An empty Listen disables it.
type Observer struct {
	Listen string `yaml:"listen" json:"listen"`
}

// Journal configures the compressed event journal. An empty Dir disables it.
type Journal struct {
	Dir string `yaml:"dir" json:"dir"`
}

// Index configures the sqlite run index. An empty Path disables it.
type Index struct {
	Path string `yaml:"path" json:"path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Scheduler: Scheduler{
			TickIntervalMs:  500,
			TickLimit:       1000,
			MaxStepsPerTick: 32,
		},
		Energy: cell.DefaultCosts(),
		World: World{
			Width:  24,
			Height: 16,
			Spawns: []world.Spawn{{X: 12, Y: 8, Dir: geom.DefaultDir}},
		},
		Runtime: Runtime{
			Main:         "/main.lua",
			Genome:       "/genome.lua",
			BuiltinMount: "/dev",
			Seed:         1,
		},
	}
}

// Load reads the YAML file at path over the defaults. The file is
// validated against the schema before it is applied.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	configLogger.Debug("Loaded config from %s", path)
	return cfg, nil
}

// Parse applies the YAML document raw over the defaults.
func Parse(raw []byte) (*Config, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "parse yaml")
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := validateSchema(doc); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateSchema(doc any) error {
	// normalize YAML scalars to what the validator expects from JSON
	b, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "normalize config")
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return errors.Wrap(err, "normalize config")
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return errors.Wrap(err, "load schema")
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return errors.Wrap(err, "compile schema")
	}
	if err := schema.Validate(v); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	return nil
}

// Validate checks the rules the schema can't express.
func (c *Config) Validate() error {
	width, height := c.World.Size()
	if width <= 0 || height <= 0 {
		return errors.Errorf("world size must be positive, got %dx%d", width, height)
	}
	for i, sp := range c.World.Spawns {
		if sp.X >= width || sp.Y >= height {
			return errors.Errorf("spawn %d at (%d,%d) is outside the %dx%d world", i, sp.X, sp.Y, width, height)
		}
	}
	if c.Energy.BudOffThreshold < c.Energy.BudOff {
		return errors.Errorf("bud_off_threshold %d is below bud_off_cost %d", c.Energy.BudOffThreshold, c.Energy.BudOff)
	}
	return nil
}

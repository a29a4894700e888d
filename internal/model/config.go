package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	DeviceModeAuto     = "auto"
	DeviceModeReal     = "real"
	DeviceModeEmulated = "emulated"

	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version     int         `json:"version" yaml:"version"`
	Collections Collections `json:"collections" yaml:"collections"`
	Capture     Capture     `json:"capture" yaml:"capture"`
	Device      Device      `json:"device" yaml:"device"`
	Emulator    Emulator    `json:"emulator" yaml:"emulator"`
	Store       Store       `json:"store" yaml:"store"`
	Service     Service     `json:"service" yaml:"service"`
}

// Collections describes where captured media lands.
type Collections struct {
	Root      string `json:"root" yaml:"root"`
	Extension string `json:"extension" yaml:"extension"`
}

// Capture configures the external capture binary. Args are passed before
// the --capture <path> --verbose arguments.
type Capture struct {
	Binary     string      `json:"binary" yaml:"binary"`
	Args       []string    `json:"args" yaml:"args"`
	MaxRunTime ISODuration `json:"max_run_time" yaml:"max_run_time"`
	KillGrace  ISODuration `json:"kill_grace" yaml:"kill_grace"`
}

type Device struct {
	Mode    string      `json:"mode" yaml:"mode"` // auto | real | emulated
	Command string      `json:"command" yaml:"command"`
	Args    []string    `json:"args" yaml:"args"`
	Timeout ISODuration `json:"timeout" yaml:"timeout"`
}

type Emulator struct {
	Enabled    bool        `json:"enabled" yaml:"enabled"`
	StartDelay ISODuration `json:"start_delay" yaml:"start_delay"`
	TickMin    ISODuration `json:"tick_min" yaml:"tick_min"`
	TickMax    ISODuration `json:"tick_max" yaml:"tick_max"`
}

type Store struct {
	Driver string `json:"driver" yaml:"driver"` // sqlite | postgres | memory
	DSN    string `json:"dsn" yaml:"dsn"`
}

// ExpandedDSN returns the DSN with $VARIABLES expanded, so the postgres
// password can live in the environment.
func (s Store) ExpandedDSN() string {
	if strings.Contains(s.DSN, "$") {
		return os.ExpandEnv(s.DSN)
	}
	return s.DSN
}

type Service struct {
	Verbose     bool    `json:"verbose" yaml:"verbose"`
	Log         string  `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
	MetricsAddr string  `json:"metrics_addr" yaml:"metrics_addr"`
	Cleanup     Cleanup `json:"cleanup" yaml:"cleanup"`
}

type Cleanup struct {
	MaxAge   ISODuration   `json:"max_age" yaml:"max_age"`
	Schedule TimerSchedule `json:"schedule" yaml:"schedule"`
}

// TimerSchedule is either a 5 field cron expression or an ISO-8601 duration.
// Cron takes precedence.
type TimerSchedule struct {
	Cron     string `json:"cron" yaml:"cron"`
	Duration string `json:"duration" yaml:"duration"`
}

// ISODuration is an ISO-8601 duration string like PT30M.
type ISODuration string

func (d ISODuration) Parse() (time.Duration, error) {
	return ParseISODuration(string(d))
}

// Value returns the parsed duration, zero if d is invalid. Configs returned
// by LoadConfig have been validated already.
func (d ISODuration) Value() time.Duration {
	v, err := d.Parse()
	if err != nil {
		return 0
	}
	return v
}

// Validate checks the constraints CUE does not express: parsable durations,
// tick ordering and a postgres DSN.
func (c Config) Validate() error {
	durations := []struct {
		path string
		d    ISODuration
	}{
		{"capture.max_run_time", c.Capture.MaxRunTime},
		{"capture.kill_grace", c.Capture.KillGrace},
		{"device.timeout", c.Device.Timeout},
		{"emulator.start_delay", c.Emulator.StartDelay},
		{"emulator.tick_min", c.Emulator.TickMin},
		{"emulator.tick_max", c.Emulator.TickMax},
		{"service.cleanup.max_age", c.Service.Cleanup.MaxAge},
	}
	var errs []error
	for _, x := range durations {
		if _, err := x.d.Parse(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %q: %w", x.path, x.d, err))
		}
	}
	if c.Emulator.TickMin.Value() > c.Emulator.TickMax.Value() {
		errs = append(errs, errors.New("emulator.tick_min must not exceed emulator.tick_max"))
	}
	if c.Store.Driver == StorePostgres && c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required for postgres"))
	}
	return errors.Join(errs...)
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	if err := out.Validate(); err != nil {
		return Config{}, err
	}

	return out, nil
}

// DefaultConfig returns the configuration with every schema default applied.
func DefaultConfig(ctx context.Context) Config {
	cfg, err := LoadConfig(strings.NewReader("version: 0\n"))
	if err != nil {
		// the embedded schema is broken, this is a programming error
		slog.ErrorContext(ctx, "can't build default config", "error", err)
		panic(err)
	}
	return cfg
}

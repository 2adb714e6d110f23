package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/grid-tracking/geometry"
	"github.com/viam-modules/grid-tracking/state"
)

// Defaults for the service attributes.
var (
	DefaultReferenceIDs        = []int{1, 2, 3, 4}
	DefaultMinReferenceMarkers = 4
	DefaultGridColumns         = 4
	DefaultGridRows            = 3
	DefaultCornerTimeout       = 90.0
	DefaultObjectTimeout       = 5.0
	DefaultSaveInterval        = 1.0
	DefaultRedisKey            = "grid_locations"
	DefaultMinConfidence       = 0.2
	DefaultMaxFrequency        = 10.0
	DefaultTriggerCoolDown     = 5.0
)

// Config contains names for necessary resources (camera and vision service)
// and the tracking parameters.
type Config struct {
	CameraName   string             `json:"camera_name"`
	DetectorName string             `json:"detector_name"`
	// ChosenLabels maps detector class names ("aruco" for "aruco_17") to a
	// minimum confidence. Bare id labels have the class name "".
	ChosenLabels map[string]float64 `json:"chosen_labels,omitempty"`

	ReferenceIDs        []int  `json:"reference_ids,omitempty"`
	AutoReference       bool   `json:"auto_reference,omitempty"`
	MinReferenceMarkers int    `json:"min_reference_markers,omitempty"`
	Resolver            string `json:"resolver,omitempty"`

	GridColumns int     `json:"grid_columns,omitempty"`
	GridRows    int     `json:"grid_rows,omitempty"`
	GridSize    float64 `json:"grid_size,omitempty"`

	CornerTimeout       float64  `json:"corner_timeout_s,omitempty"`
	ObjectTimeout       float64  `json:"object_timeout_s,omitempty"`
	SaveInterval        *float64 `json:"save_interval_s,omitempty"`
	ReuseLastHomography bool     `json:"reuse_last_homography,omitempty"`
	KeepExpired         bool     `json:"keep_expired,omitempty"`

	StateFile     *string `json:"state_file,omitempty"`
	RedisAddress  string  `json:"redis_address,omitempty"`
	RedisPassword string  `json:"redis_password,omitempty"`
	RedisDB       int     `json:"redis_db,omitempty"`
	RedisKey      string  `json:"redis_key,omitempty"`
	RedisChannel  *string `json:"redis_channel,omitempty"`
	SQLitePath    string  `json:"sqlite_path,omitempty"`
	TargetsFile   string  `json:"targets_file,omitempty"`

	MaxFrequency    float64  `json:"max_frequency_hz"`
	MinConfidence   *float64 `json:"min_confidence,omitempty"`
	TriggerCoolDown *float64 `json:"trigger_cool_down_s,omitempty"`
}

// Validate validates the config and returns implicit dependencies,
// this Validate checks if the camera and detector(vision svc) exist for the module's vision model.
func (cfg *Config) Validate(path string) ([]string, error) {
	// this makes them required for the model to successfully build
	if cfg.CameraName == "" {
		return nil, fmt.Errorf(`expected "camera_name" attribute for grid tracker %q`, path)
	}
	if cfg.DetectorName == "" {
		return nil, fmt.Errorf(`expected "detector_name" attribute for grid tracker %q`, path)
	}
	withDefaults := *cfg
	if err := withDefaults.applyDefaults(); err != nil {
		return nil, errors.Wrapf(err, "invalid grid tracker %q", path)
	}

	// Return the resource names so that newTracker can access them as dependencies.
	return []string{cfg.CameraName, cfg.DetectorName}, nil
}

// applyDefaults fills in unset attributes and checks the result.
func (cfg *Config) applyDefaults() error {
	if cfg.MaxFrequency < 0 {
		return errors.New("frequency(Hz) must be a positive number")
	}
	if cfg.MaxFrequency == 0 {
		cfg.MaxFrequency = DefaultMaxFrequency
	}
	if cfg.TriggerCoolDown == nil {
		v := DefaultTriggerCoolDown
		cfg.TriggerCoolDown = &v
	} else if *cfg.TriggerCoolDown < 0 {
		return errors.New("trigger_cool_down_s is a duration given in seconds and should be above 0")
	}
	if cfg.MinConfidence == nil {
		v := DefaultMinConfidence
		cfg.MinConfidence = &v
	} else if *cfg.MinConfidence < 0 || *cfg.MinConfidence > 1 {
		return errors.New("minimum thresholding confidence must be between 0.0 and 1.0")
	}

	if len(cfg.ReferenceIDs) == 0 && !cfg.AutoReference {
		cfg.ReferenceIDs = append([]int(nil), DefaultReferenceIDs...)
	}
	if cfg.MinReferenceMarkers == 0 {
		cfg.MinReferenceMarkers = DefaultMinReferenceMarkers
	}
	if cfg.Resolver == "" {
		cfg.Resolver = ResolverPartition
	}
	if cfg.GridColumns == 0 {
		cfg.GridColumns = DefaultGridColumns
	}
	if cfg.GridRows == 0 {
		cfg.GridRows = DefaultGridRows
	}
	if cfg.GridSize == 0 {
		cfg.GridSize = geometry.DefaultGridSize
	}
	if cfg.CornerTimeout == 0 {
		cfg.CornerTimeout = DefaultCornerTimeout
	}
	if cfg.ObjectTimeout == 0 {
		cfg.ObjectTimeout = DefaultObjectTimeout
	}
	if cfg.SaveInterval == nil {
		v := DefaultSaveInterval
		cfg.SaveInterval = &v
	}
	if cfg.StateFile == nil {
		file := state.DefaultFile
		cfg.StateFile = &file
	}
	if cfg.RedisKey == "" {
		cfg.RedisKey = DefaultRedisKey
	}
	if cfg.RedisChannel == nil {
		channel := cfg.RedisKey
		cfg.RedisChannel = &channel
	}
	if *cfg.StateFile == "" && cfg.RedisAddress == "" && cfg.SQLitePath == "" {
		return errors.New("state_file can only be disabled when redis_address or sqlite_path is set")
	}
	return cfg.engineConfig().Validate()
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// engineConfig expects applyDefaults to have run.
func (cfg *Config) engineConfig() EngineConfig {
	return EngineConfig{
		ReferenceIDs:        cfg.ReferenceIDs,
		AutoReference:       cfg.AutoReference,
		MinReferenceMarkers: cfg.MinReferenceMarkers,
		Resolver:            cfg.Resolver,
		Grid: geometry.Grid{
			Columns: cfg.GridColumns,
			Rows:    cfg.GridRows,
			Size:    cfg.GridSize,
		},
		CornerTimeout:       seconds(cfg.CornerTimeout),
		ObjectTimeout:       seconds(cfg.ObjectTimeout),
		SaveInterval:        seconds(*cfg.SaveInterval),
		ReuseLastHomography: cfg.ReuseLastHomography,
		KeepExpired:         cfg.KeepExpired,
	}
}

// NewEngine applies the defaults and builds an engine publishing to every
// configured sink. The camera and detector attributes are not used.
func (cfg *Config) NewEngine(ctx context.Context, logger logging.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	store, err := cfg.openStores(ctx, logger)
	if err != nil {
		return nil, err
	}
	engine, err := NewEngine(cfg.engineConfig(), store, logger, opts...)
	if err != nil {
		return nil, multierr.Combine(err, store.Close())
	}
	return engine, nil
}

// openStores opens every configured sink. If one fails the others are closed.
func (cfg *Config) openStores(ctx context.Context, logger logging.Logger) (state.Store, error) {
	var stores []state.Store
	fail := func(err error) (state.Store, error) {
		for _, s := range stores {
			err = multierr.Append(err, s.Close())
		}
		return nil, err
	}
	if *cfg.StateFile != "" {
		fs, err := state.NewFileStore(*cfg.StateFile)
		if err != nil {
			return fail(err)
		}
		stores = append(stores, fs)
	}
	if cfg.RedisAddress != "" {
		rs, err := state.NewRedisStore(ctx, state.RedisConfig{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.RedisKey,
			Channel:  *cfg.RedisChannel,
		}, logger)
		if err != nil {
			return fail(err)
		}
		stores = append(stores, rs)
	}
	if cfg.SQLitePath != "" {
		ss, err := state.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return fail(err)
		}
		stores = append(stores, ss)
	}
	return state.Multi(stores...), nil
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conneroisu/eltag/internal/cache"
	"github.com/conneroisu/eltag/internal/config"
	"github.com/conneroisu/eltag/internal/detector"
	"github.com/conneroisu/eltag/internal/idgen"
	"github.com/conneroisu/eltag/internal/logging"
	"github.com/conneroisu/eltag/internal/mapping"
	"github.com/conneroisu/eltag/internal/mutator"
	"github.com/conneroisu/eltag/internal/parser"
	"github.com/conneroisu/eltag/internal/pipeline"
)

// app holds the components every command is built from.
type app struct {
	cfg      *config.Config
	logger   logging.Logger
	store    *mapping.Store
	cache    *cache.Cache
	pipeline *pipeline.Pipeline
}

// newApp loads the configuration and the mapping file and wires the
// pipeline. Logs go to the command's error stream.
func newApp(cmd *cobra.Command) (*app, error) {
	if setupErr != nil {
		return nil, setupErr
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	lc := cfg.LoggerConfig()
	lc.Output = cmd.ErrOrStderr()
	logger := logging.NewLogger(lc)

	store, err := mapping.NewStore(cfg.StoreOptions(), logger)
	if err != nil {
		return nil, err
	}
	if _, _, err := store.Load(); err != nil {
		return nil, fmt.Errorf("load mappings: %w", err)
	}

	c := cache.New(cfg.CacheConfig(), logger)
	p, err := pipeline.New(pipeline.Deps{
		Registry:  parser.DefaultRegistry(),
		Detector:  detector.New(cfg.DetectorPolicy(), cfg.Tagging.AttributeName, logger),
		Generator: idgen.New(cfg.GeneratorConfig(), logger),
		Mutator:   mutator.New(logger),
		Store:     store,
		Cache:     c,
		Logger:    logger,
	}, cfg.PipelineOptions())
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, store: store, cache: c, pipeline: p}, nil
}

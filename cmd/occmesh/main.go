// Package main is the occmesh command line tool.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"occmesh/pkg/config"
	"occmesh/pkg/reconstruction"
	"occmesh/pkg/stl"
	"occmesh/pkg/visualization"
)

const (
	// Flags.
	flagConfig     = "config"
	flagVerbose    = "verbose"
	flagSample     = "sample"
	flagOutput     = "output"
	flagSlicesDir  = "slices-dir"
	flagResolution = "resolution"
	flagWorkers    = "workers"
)

func main() {
	var (
		cfg    *config.Config
		logger *zap.SugaredLogger
	)

	app := &cli.App{
		Name:  "occmesh",
		Usage: "reconstruct a watertight mesh of an object from a single image",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "load configuration from `FILE`; defaults are used when it does not exist",
			},
			&cli.BoolFlag{
				Name:    flagVerbose,
				Aliases: []string{"v"},
				Usage:   "enable debug logging",
			},
			&cli.IntFlag{
				Name:  flagResolution,
				Usage: "override the lattice resolution",
			},
			&cli.IntFlag{
				Name:  flagWorkers,
				Usage: "override the number of concurrently evaluated chunks",
			},
		},
		Before: func(c *cli.Context) error {
			var err error
			if cfg, err = config.LoadConfig(c.String(flagConfig)); err != nil {
				return err
			}
			if c.IsSet(flagResolution) {
				cfg.Reconstruction.Resolution = c.Int(flagResolution)
			}
			if c.IsSet(flagWorkers) {
				cfg.Reconstruction.NumWorkers = c.Int(flagWorkers)
			}
			logger, err = newLogger(c.Bool(flagVerbose) || cfg.Output.Verbose)
			return err
		},
		After: func(c *cli.Context) error {
			if logger != nil {
				//nolint:errcheck
				logger.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "reconstruct",
				Usage: "reconstruct a mesh from a sample file and write it as binary STL",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagSample,
						Aliases:  []string{"s"},
						Required: true,
						Usage:    "sample description `FILE` (image, camera, class code)",
					},
					&cli.StringFlag{
						Name:    flagOutput,
						Aliases: []string{"o"},
						Value:   "output.stl",
						Usage:   "output STL `FILE`",
					},
					&cli.StringFlag{
						Name:  flagSlicesDir,
						Usage: "write probability volume slices to `DIR`",
					},
				},
				Action: func(c *cli.Context) error {
					return reconstruct(c, cfg, logger)
				},
			},
			{
				Name:  "evaluate",
				Usage: "run a training-mode forward pass on labelled points and print the loss report",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagSample,
						Aliases:  []string{"s"},
						Required: true,
						Usage:    "sample description `FILE` with points and labels",
					},
				},
				Action: func(c *cli.Context) error {
					return evaluate(c, cfg, logger)
				},
			},
			{
				Name:  "init-config",
				Usage: "write the default configuration",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    flagOutput,
						Aliases: []string{"o"},
						Value:   "config.yaml",
						Usage:   "configuration `FILE` to create",
					},
				},
				Action: func(c *cli.Context) error {
					path := c.String(flagOutput)
					if err := config.CreateDefaultConfigFile(path); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "Default configuration written to %s\n", path)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(verbose bool) (*zap.SugaredLogger, error) {
	zcfg := zap.NewProductionConfig()
	if verbose {
		zcfg = zap.NewDevelopmentConfig()
	}
	l, err := zcfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return l.Sugar(), nil
}

func openSession(c *cli.Context, cfg *config.Config, logger *zap.SugaredLogger) (*reconstruction.Session, reconstruction.Sample, error) {
	sf, err := config.LoadSample(c.String(flagSample))
	if err != nil {
		return nil, reconstruction.Sample{}, err
	}
	sample, err := reconstruction.LoadSample(sf)
	if err != nil {
		return nil, reconstruction.Sample{}, err
	}
	comps, err := reconstruction.DefaultComponents(cfg)
	if err != nil {
		return nil, reconstruction.Sample{}, err
	}
	session, err := reconstruction.NewSession(cfg, comps, logger)
	if err != nil {
		return nil, reconstruction.Sample{}, err
	}
	return session, sample, nil
}

func reconstruct(c *cli.Context, cfg *config.Config, logger *zap.SugaredLogger) error {
	session, sample, err := openSession(c, cfg, logger)
	if err != nil {
		return err
	}

	start := time.Now()
	res, err := session.Reconstruct(contextOf(c), sample)
	if err != nil {
		return err
	}

	output := c.String(flagOutput)
	if err := stl.SaveMesh(output, res.Mesh); err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "Reconstruction finished in %.2f seconds\n", time.Since(start).Seconds())
	fmt.Fprintf(w, "Mesh: %d vertices, %d faces (kept 1 of %d components)\n",
		len(res.Mesh.Vertices), len(res.Mesh.Faces), res.Components)
	if !res.Success {
		fmt.Fprintf(w, "No surface crossed %.2f; wrote the fallback sphere\n", cfg.Reconstruction.Threshold)
	}
	fmt.Fprintf(w, "Output saved to: %s\n", output)

	dir := c.String(flagSlicesDir)
	if dir == "" && cfg.Output.SaveSlices {
		dir = filepath.Join(filepath.Dir(output), "slices")
	}
	if dir != "" {
		viewer := visualization.NewViewer(res.Volume, cfg.Output.SliceScale)
		occupied, err := viewer.SaveSliceSequence(cfg.Output.SliceAxis, dir, cfg.Reconstruction.Threshold)
		if err != nil {
			logger.Warnw("failed to save volume slices", "dir", dir, "error", err)
			return nil
		}
		total := 0
		for pos, n := range occupied {
			logger.Debugw("volume slice", "axis", cfg.Output.SliceAxis, "position", pos, "occupied", n)
			total += n
		}
		fmt.Fprintf(w, "Volume slices saved to: %s (%d of %d cells occupied)\n",
			dir, total, res.Volume.Len())
	}
	return nil
}

func evaluate(c *cli.Context, cfg *config.Config, logger *zap.SugaredLogger) error {
	session, sample, err := openSession(c, cfg, logger)
	if err != nil {
		return err
	}
	report, err := session.Evaluate(contextOf(c), sample)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(report)
	if err != nil {
		return errors.Wrap(err, "encode report")
	}
	_, err = c.App.Writer.Write(out)
	return err
}

func contextOf(c *cli.Context) context.Context {
	if c.Context != nil {
		return c.Context
	}
	return context.Background()
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/gomlx/fisher/pkg/ml/datasets/tabular"
	"github.com/gomlx/fisher/pkg/ml/fisher"
	"github.com/gomlx/fisher/pkg/ml/models/mlp"
	"github.com/gomlx/fisher/pkg/ml/pipeline"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newEstimateCommand() *cobra.Command {
	var configPath string
	flagsConfig := DefaultConfig()
	configFlags := newConfigFlags(flagsConfig)
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate the diagonal of the Fisher Information of an MLP classifier over a CSV dataset",
		Long: `Estimate the diagonal of the Fisher Information Matrix of an MLP classifier, averaged over the rows
of a CSV dataset, and report its statistics and most important parameter elements.

The configuration is read from the YAML file given with --config (keys are the flag names with "_"
in place of "-"), and each flag given overrides the corresponding value.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := DefaultConfig()
			if configPath != "" {
				var err error
				cfg, err = LoadConfig(configPath)
				if err != nil {
					return err
				}
			}
			if err := cfg.Override(configFlags); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return estimate(cmd.OutOrStdout(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML configuration file.")
	cmd.Flags().AddFlagSet(configFlags)
	return cmd
}

func newBackend(config string) (backends.Backend, error) {
	if config == "" {
		return backends.New()
	}
	return backends.NewWithConfig(config)
}

// estimate runs the estimation configured by cfg and writes the report to w.
func estimate(w io.Writer, cfg *Config) error {
	runID := uuid.NewString()
	ds, err := tabular.LoadCSV(cfg.Data, cfg.LabelColumn)
	if err != nil {
		return err
	}
	numClasses := cfg.NumClasses
	if numClasses == 0 {
		numClasses = ds.NumClasses()
	}
	if numClasses < 1 {
		return errors.Errorf("can't tell the number of classes of dataset %q", ds.Name())
	}
	activation, err := cfg.activation()
	if err != nil {
		return err
	}
	dtype, err := cfg.dtype()
	if err != nil {
		return err
	}
	estimator, err := cfg.newEstimator(numClasses)
	if err != nil {
		return err
	}

	backend, err := newBackend(cfg.Backend)
	if err != nil {
		return errors.WithMessagef(err, "creating backend")
	}
	defer backend.Finalize()
	klog.V(1).Infof("run %s: backend %s", runID, backend.Name())

	ctx := context.New()
	var checkpoint *checkpoints.Handler
	if cfg.Checkpoint != "" {
		checkpoint, err = checkpoints.Build(ctx).Dir(cfg.Checkpoint).Immediate().Done()
		if err != nil {
			return errors.WithMessagef(err, "loading checkpoint %q", cfg.Checkpoint)
		}
		if n := fisher.FreezeSaved(ctx, cfg.Scope); n > 0 {
			klog.V(1).Infof("run %s: %d variables with previously saved Fisher values under %q", runID, n, cfg.Scope)
		}
	}
	model := mlp.New(numClasses).
		HiddenLayers(cfg.HiddenLayers, cfg.HiddenNodes).
		Activation(activation)
	if err := model.Initialize(backend, ctx, ds.NumFeatures()); err != nil {
		return err
	}
	p := pipeline.New(backend, ctx, model.Forward, pipeline.WithName("mlp"))

	var input train.Dataset = ds
	numSamples := ds.NumExamples()
	if cfg.MaxSamples > 0 && cfg.MaxSamples < numSamples {
		input = datasets.Take(ds, cfg.MaxSamples)
		numSamples = cfg.MaxSamples
	}

	start := time.Now()
	fim, err := fisher.Build(p, estimator).
		DType(dtype).
		ProgressBar(cfg.ProgressBar).
		ExpectedSize(numSamples).
		Run(input)
	if err != nil {
		return err
	}
	summary := runSummary{
		ID:         runID,
		Dataset:    ds.Name(),
		Estimator:  cfg.Estimator,
		Checkpoint: cfg.Checkpoint,
		NumSamples: numSamples,
		Elapsed:    time.Since(start),
	}
	if _, err := fmt.Fprint(w, report(summary, fim, cfg.TopK)); err != nil {
		return errors.Wrapf(err, "writing report")
	}

	if cfg.Plot != "" {
		if err := plotHistogram(fim, cfg.Plot, cfg.PlotBins); err != nil {
			return err
		}
		klog.Infof("run %s: histogram saved to %q", runID, cfg.Plot)
	}
	if cfg.Save {
		if err := fim.SaveToContext(ctx, cfg.Scope, dtype); err != nil {
			return err
		}
		if err := checkpoint.Save(); err != nil {
			return errors.WithMessagef(err, "saving checkpoint %q", cfg.Checkpoint)
		}
		klog.Infof("run %s: Fisher diagonal saved to checkpoint %q under scope %q", runID, cfg.Checkpoint, cfg.Scope)
	}
	return nil
}

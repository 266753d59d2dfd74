// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"
	"os"
	"path"
	"strings"

	"github.com/gomlx/fisher/pkg/ml/fisher"
	"github.com/gomlx/fisher/pkg/ml/fisher/curvature"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Names of the curvature estimators accepted in Config.Estimator.
const (
	EstimatorPredictedLabel = "predicted_label"
	EstimatorExpected       = "expected"
)

// Config of the estimate command.
//
// It's read from a YAML file, and each value can be overridden by the command-line flag with the
// same name, with "-" in place of "_".
type Config struct {
	// Data is the path to the CSV file with the dataset.
	Data string `yaml:"data"`

	// LabelColumn is the name of the CSV column with the class label. If empty all columns are features,
	// and NumClasses must be set.
	LabelColumn string `yaml:"label_column"`

	// NumClasses of the model. If 0, it's taken from the labels.
	NumClasses int `yaml:"num_classes"`

	// Checkpoint directory to load the model from. If empty the model is randomly initialized.
	Checkpoint string `yaml:"checkpoint"`

	// Save the Fisher diagonal in the checkpoint, under Scope.
	Save  bool   `yaml:"save"`
	Scope string `yaml:"scope"`

	Estimator  string `yaml:"estimator"`
	MaxClasses int    `yaml:"max_classes"`

	HiddenLayers int    `yaml:"hidden_layers"`
	HiddenNodes  int    `yaml:"hidden_nodes"`
	Activation   string `yaml:"activation"`

	// MaxSamples limits the number of rows used. 0 uses all of them.
	MaxSamples int `yaml:"max_samples"`

	DType       string `yaml:"dtype"`
	TopK        int    `yaml:"top_k"`
	Plot        string `yaml:"plot"`
	PlotBins    int    `yaml:"plot_bins"`
	ProgressBar bool   `yaml:"progress_bar"`

	// Backend configuration, e.g. "go" or "xla:cpu". If empty, GoMLX's default is used.
	Backend string `yaml:"backend"`
}

// DefaultConfig returns the configuration used for values not given in the file or flags.
func DefaultConfig() *Config {
	return &Config{
		Scope:       "/fisher",
		Estimator:   EstimatorPredictedLabel,
		HiddenNodes: 16,
		Activation:  "relu",
		DType:       "float32",
		TopK:        10,
		PlotBins:    50,
		ProgressBar: true,
	}
}

// LoadConfig reads the YAML configuration in filePath, on top of DefaultConfig.
// Unknown keys are an error.
func LoadConfig(filePath string) (cfg *Config, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening configuration")
	}
	defer func() { _ = f.Close() }()
	cfg = DefaultConfig()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err = dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "parsing configuration %q", filePath)
	}
	return cfg, nil
}

// newConfigFlags creates one flag per Config field, storing into cfg.
func newConfigFlags(cfg *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	fs.StringVar(&cfg.Data, "data", cfg.Data, "CSV file with the dataset, with a header line.")
	fs.StringVar(&cfg.LabelColumn, "label-column", cfg.LabelColumn, "Column of the CSV with the integer class labels.")
	fs.IntVar(&cfg.NumClasses, "num-classes", cfg.NumClasses, "Number of classes of the model. If 0, taken from the labels.")
	fs.StringVar(&cfg.Checkpoint, "checkpoint", cfg.Checkpoint, "Checkpoint directory with the model. If empty the model is randomly initialized.")
	fs.BoolVar(&cfg.Save, "save", cfg.Save, "Save the Fisher diagonal to the checkpoint, under --scope.")
	fs.StringVar(&cfg.Scope, "scope", cfg.Scope, "Absolute scope where to save the Fisher diagonal.")
	fs.StringVar(&cfg.Estimator, "estimator", cfg.Estimator,
		"Curvature estimator: \""+EstimatorPredictedLabel+"\" or \""+EstimatorExpected+"\".")
	fs.IntVar(&cfg.MaxClasses, "max-classes", cfg.MaxClasses, "Maximum number of classes for the \"expected\" estimator. If 0, the number of classes.")
	fs.IntVar(&cfg.HiddenLayers, "hidden-layers", cfg.HiddenLayers, "Number of hidden layers of the MLP.")
	fs.IntVar(&cfg.HiddenNodes, "hidden-nodes", cfg.HiddenNodes, "Number of nodes of each hidden layer of the MLP.")
	fs.StringVar(&cfg.Activation, "activation", cfg.Activation, "Activation of the MLP hidden layers.")
	fs.IntVar(&cfg.MaxSamples, "max-samples", cfg.MaxSamples, "Maximum number of rows to use. 0 for all.")
	fs.StringVar(&cfg.DType, "dtype", cfg.DType, "DType of the accumulated Fisher values: float32, float64, float16 or bfloat16.")
	fs.IntVar(&cfg.TopK, "top-k", cfg.TopK, "Number of most important parameter elements to report.")
	fs.StringVar(&cfg.Plot, "plot", cfg.Plot, "If set, save a histogram of log10 of the Fisher values to this file (.png, .svg or .pdf).")
	fs.IntVar(&cfg.PlotBins, "plot-bins", cfg.PlotBins, "Number of bins of the histogram.")
	fs.BoolVar(&cfg.ProgressBar, "progress-bar", cfg.ProgressBar, "Display a progress bar.")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "GoMLX backend configuration, e.g. \"go\" or \"xla:cpu\".")
	return fs
}

// Override sets the values of the flags in fs that were changed in the command line.
// The flags must have been created by newConfigFlags.
func (c *Config) Override(fs *pflag.FlagSet) error {
	mapping := &yaml.Node{Kind: yaml.MappingNode}
	fs.VisitAll(func(f *pflag.Flag) {
		if !f.Changed {
			return
		}
		value := &yaml.Node{Kind: yaml.ScalarNode, Value: f.Value.String()}
		if f.Value.Type() == "string" {
			value.Tag = "!!str"
		}
		mapping.Content = append(mapping.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: strings.ReplaceAll(f.Name, "-", "_")},
			value)
	})
	if len(mapping.Content) == 0 {
		return nil
	}
	if err := mapping.Decode(c); err != nil {
		return errors.Wrapf(err, "applying command-line flags to configuration")
	}
	return nil
}

// Validate checks the values of the configuration.
func (c *Config) Validate() error {
	if c.Data == "" {
		return errors.New("no dataset given, set \"data\" in the configuration or --data")
	}
	if c.LabelColumn == "" && c.NumClasses <= 0 {
		return errors.New("without a label column, the number of classes must be given")
	}
	if c.Save && c.Checkpoint == "" {
		return errors.New("saving the Fisher diagonal requires a checkpoint")
	}
	if !path.IsAbs(c.Scope) {
		return errors.Errorf("scope %q must be absolute", c.Scope)
	}
	if c.HiddenLayers < 0 || c.HiddenNodes < 1 {
		return errors.Errorf("invalid MLP hidden layers (%d) or nodes (%d)", c.HiddenLayers, c.HiddenNodes)
	}
	if c.MaxSamples < 0 || c.TopK < 0 || c.MaxClasses < 0 || c.NumClasses < 0 {
		return errors.New("max_samples, top_k, max_classes and num_classes can't be negative")
	}
	if c.Plot != "" && c.PlotBins < 1 {
		return errors.Errorf("plot_bins must be >= 1, got %d", c.PlotBins)
	}
	if _, err := c.activation(); err != nil {
		return err
	}
	if _, err := c.dtype(); err != nil {
		return err
	}
	if _, err := c.newEstimator(1); err != nil {
		return err
	}
	return nil
}

func (c *Config) activation() (activations.Type, error) {
	activation, err := activations.TypeString(c.Activation)
	if err != nil {
		return activations.TypeNone, errors.Errorf("invalid activation %q: options are %v", c.Activation, activations.TypeValues())
	}
	return activation, nil
}

func (c *Config) dtype() (dtypes.DType, error) {
	switch strings.ToLower(c.DType) {
	case "float32", "f32":
		return dtypes.Float32, nil
	case "float64", "f64":
		return dtypes.Float64, nil
	case "float16", "f16":
		return dtypes.Float16, nil
	case "bfloat16", "bf16":
		return dtypes.BFloat16, nil
	}
	return dtypes.InvalidDType, errors.Errorf("invalid dtype %q: options are float32, float64, float16 and bfloat16", c.DType)
}

func (c *Config) newEstimator(numClasses int) (fisher.Estimator, error) {
	switch c.Estimator {
	case EstimatorPredictedLabel:
		return curvature.PredictedLabel(), nil
	case EstimatorExpected:
		maxClasses := c.MaxClasses
		if maxClasses == 0 {
			maxClasses = numClasses
		}
		return curvature.Expected(maxClasses), nil
	}
	return nil, errors.Errorf("invalid estimator %q: options are %q and %q",
		c.Estimator, EstimatorPredictedLabel, EstimatorExpected)
}

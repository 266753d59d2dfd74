// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gomlx_fisher estimates the diagonal of the Fisher Information Matrix of a classifier over a dataset.
//
// Example:
//
//	gomlx_fisher estimate --data=iris.csv --label-column=species --checkpoint=/tmp/iris_model --save
package main

import (
	"flag"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "gomlx_fisher",
		Short:         "Fisher Information estimation for GoMLX models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	root.AddCommand(newEstimateCommand())
	return root
}

func main() {
	klog.InitFlags(nil)
	if err := newRootCommand().Execute(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// graphc is a diagnostic command line tool for the graph compiler: it builds a demo model, runs
// the optimization pipeline, lowers and executes it, and reports what happened at each stage.
package main

import (
	"flag"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "graphc",
		Short:         "Graph compiler diagnostics",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)
	root.AddCommand(newDemoCommand())
	return root
}

/*
NAME
  main.go

DESCRIPTION
  qsdecoder is a command-line harness that drives the pipeline controller
  end to end against a scripted frame timeline, writing delivered NV12
  planes to a file (or stdout) and a one-line summary per frame to stderr.
  It exists to exercise the orchestration engine without a real hardware
  decoder plugged in behind decoder.Decoder.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package main is the qsdecoder command-line demo.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ausocean/utils/logging"
)

var version = "v0.1.0"

var logVerbosity int8

var rootCmd = &cobra.Command{
	Use:   "qsdecoder",
	Short: "Hardware-assisted video decode pipeline demo",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("qsdecoder %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().Int8Var(&logVerbosity, "log-level", logging.Info, "log verbosity: 0=debug 1=info 2=warning 3=error 4=fatal")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() logging.Logger {
	return logging.New(logVerbosity, os.Stderr, true)
}

// Copyright 2026 The appose-go authors
// SPDX-License-Identifier: Apache-2.0

// Command appose-worker is the worker bridge executable: it speaks the task
// protocol on stdin/stdout and executes submitted JavaScript on goja.
// Controllers spawn it through appose.System or a manifest; it is not meant
// to be driven by hand.
package main

import (
	"log"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/alanocallaghan/appose-go/worker"
)

var flagVerbose bool

var rootCmd = &cobra.Command{
	Use:          "appose-worker",
	Short:        "Script worker bridge speaking the task protocol on stdio",
	SilenceUsage: true,
	RunE:         doRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the worker version",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			cmd.Println("unknown")
			return
		}
		cmd.Println(info.Main.Version)
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	// console.log from scripts routes through the std logger; keep it off
	// the protocol stream.
	log.SetOutput(os.Stderr)

	return worker.Run(os.Stdin, os.Stdout, worker.WithLogger(logger))
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.SilenceErrors = true
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("worker failed", "err", err)
		os.Exit(1)
	}
}

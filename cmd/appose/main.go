// Copyright 2026 The appose-go authors
// SPDX-License-Identifier: Apache-2.0

// Command appose is a demo controller: it hands a script plus a YAML input
// mapping to a worker process and streams progress and outputs back.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	appose "github.com/alanocallaghan/appose-go"
)

var (
	flagVerbose  bool
	flagScript   string
	flagInputs   string
	flagManifest string
	flagTimeout  time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "appose",
	Short:        "Run cancelable script tasks on an out-of-process worker",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run a script on a worker and print its outputs",
	RunE:  doRun,
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	runCmd.Flags().StringVar(&flagScript, "script", "", "script file to execute on the worker")
	runCmd.Flags().StringVar(&flagInputs, "inputs", "", "YAML file of named inputs (numeric scalars and arrays)")
	runCmd.Flags().StringVar(&flagManifest, "manifest", "", "environment manifest; defaults to the system worker")
	runCmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "cancel the task if it is not finished after this duration")
	_ = runCmd.MarkFlagRequired("script")

	rootCmd.SilenceErrors = true
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("appose failed", "err", err)
		os.Exit(1)
	}
}

func doRun(cmd *cobra.Command, args []string) error {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	script, err := os.ReadFile(flagScript)
	if err != nil {
		return err
	}
	inputs, err := loadInputs(flagInputs)
	if err != nil {
		return err
	}

	env, err := resolveEnvironment()
	if err != nil {
		return err
	}
	service, err := appose.NewService(env, appose.WithLogger(logger))
	if err != nil {
		return err
	}
	defer service.Close()

	task, err := service.Task(string(script), inputs)
	if err != nil {
		return err
	}
	task.Listen(func(e appose.Event) {
		if p, ok := e.(appose.ProgressEvent); ok {
			fmt.Fprintf(os.Stderr, "progress: %d/%d\n", p.Current, p.Maximum)
		}
	})
	if err := task.Start(); err != nil {
		return err
	}

	status, err := waitWithTimeout(task, flagTimeout)
	if err != nil {
		return err
	}

	switch status {
	case appose.StatusCompleted:
		out, err := yaml.Marshal(task.Outputs())
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	case appose.StatusCanceled:
		return errors.New("task was canceled")
	default:
		return fmt.Errorf("task %s: %w", status, task.Err())
	}
}

// waitWithTimeout waits for the task, and past the deadline requests a
// cooperative cancel, giving the worker a short window to acknowledge.
// Closing the service afterwards forces the cancel either way.
func waitWithTimeout(task *appose.Task, timeout time.Duration) (appose.TaskStatus, error) {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	status, err := task.Wait(ctx)
	if err == nil {
		return status, nil
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		return status, err
	}

	slog.Warn("task deadline exceeded, requesting cancel", "task", task.ID())
	if cerr := task.Cancel(); cerr != nil {
		return status, cerr
	}
	ackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, _ = task.Wait(ackCtx)
	return status, nil
}

func loadInputs(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	inputs := make(map[string]any)
	if err := yaml.Unmarshal(buf, &inputs); err != nil {
		return nil, fmt.Errorf("decoding inputs: %w", err)
	}
	return inputs, nil
}

func resolveEnvironment() (*appose.Environment, error) {
	if flagManifest != "" {
		return appose.LoadManifest(flagManifest)
	}
	return appose.System()
}

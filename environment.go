// Copyright 2026 The appose-go authors
// SPDX-License-Identifier: Apache-2.0

package appose

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// workerBinary is the worker bridge executable resolved by System.
	workerBinary = "appose-worker"

	// workerEnvVar overrides the system lookup with an explicit executable.
	workerEnvVar = "APPOSE_WORKER"
)

// Environment identifies an executable worker runtime. It is immutable once
// resolved: create it once per session and reuse it across services.
type Environment struct {
	// Name is a human-readable label for logging.
	Name string

	// Worker is the resolved path of the worker bridge executable.
	Worker string

	// Args are fixed arguments passed to every spawned worker.
	Args []string

	// Env holds extra KEY=VALUE entries appended to the inherited process
	// environment of every spawned worker.
	Env []string
}

// System resolves a worker runtime already installed on the host: the
// APPOSE_WORKER environment variable if set, otherwise a PATH lookup of the
// appose-worker executable. It performs read-only inspection only.
func System() (*Environment, error) {
	if override := os.Getenv(workerEnvVar); override != "" {
		path, err := resolveExecutable(override)
		if err != nil {
			return nil, &EnvError{Spec: "system", Err: fmt.Errorf("%s: %w", workerEnvVar, err)}
		}
		return &Environment{Name: "system", Worker: path}, nil
	}
	path, err := exec.LookPath(workerBinary)
	if err != nil {
		return nil, &EnvError{Spec: "system", Err: err}
	}
	return &Environment{Name: "system", Worker: path}, nil
}

// Manifest is the YAML description of an explicit, reproducible worker
// environment, for cases where the implicit system lookup is not enough:
//
//	name: clustering
//	worker: /opt/appose/bin/appose-worker
//	args: ["--verbose"]
//	env:
//	  APPOSE_CACHE: /var/cache/appose
type Manifest struct {
	Name   string            `yaml:"name"`
	Worker string            `yaml:"worker"`
	Args   []string          `yaml:"args"`
	Env    map[string]string `yaml:"env"`
}

// LoadManifest reads a manifest file and resolves it into an Environment.
func LoadManifest(path string) (*Environment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &EnvError{Spec: path, Err: err}
	}
	defer f.Close()
	env, err := ParseManifest(f)
	if err != nil {
		return nil, &EnvError{Spec: path, Err: err}
	}
	if env.Name == "" {
		env.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return env, nil
}

// ParseManifest decodes a manifest and resolves it into an Environment.
func ParseManifest(r io.Reader) (*Environment, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if m.Worker == "" {
		return nil, fmt.Errorf("manifest is missing the worker executable")
	}
	path, err := resolveExecutable(m.Worker)
	if err != nil {
		return nil, err
	}
	env := &Environment{Name: m.Name, Worker: path, Args: m.Args}
	for k, v := range m.Env {
		env.Env = append(env.Env, k+"="+v)
	}
	return env, nil
}

// resolveExecutable resolves a candidate worker executable: a bare name is
// looked up on PATH, a path is checked to exist and be a regular file.
func resolveExecutable(candidate string) (string, error) {
	if !strings.ContainsRune(candidate, os.PathSeparator) {
		return exec.LookPath(candidate)
	}
	info, err := os.Stat(candidate)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory, not an executable", candidate)
	}
	return candidate, nil
}

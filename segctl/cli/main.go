// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli is the main entrypoint for segctl.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"gvisor.dev/protseg/pkg/log"
	"gvisor.dev/protseg/pkg/platform"
	"gvisor.dev/protseg/segctl/cmd"
	"gvisor.dev/protseg/segctl/config"

	// Register the supported platforms.
	_ "gvisor.dev/protseg/pkg/platform/platforms"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	if _, err := platform.Lookup(conf.Platform); err != nil {
		cmd.Fatalf("%v", err)
	}

	// Set up logging.
	if conf.Debug {
		log.SetLevel(log.Debug)
	}
	e, err := newLogTarget(conf, os.Stderr)
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	log.SetTarget(e)
	if err := log.CopyStandardLogTo(log.Info); err != nil {
		cmd.Fatalf("%v", err)
	}

	log.Infof("segctl %s/%s, PID %d", runtime.GOOS, runtime.GOARCH, os.Getpid())
	log.Infof("Args: %v", os.Args)
	conf.Log()

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	os.Exit(int(subcmdCode))
}

// newLogTarget returns the emitter for conf. Messages go to the --log file
// if one is set, and otherwise to stderr.
func newLogTarget(conf *config.Config, stderr io.Writer) (log.Emitter, error) {
	if conf.LogFilename == "" {
		return log.NewEmitter(conf.LogFormat, stderr)
	}
	f, err := log.OpenFile(conf.LogFilename)
	if err != nil {
		return nil, err
	}
	e, err := log.NewEmitter(conf.LogFormat, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if !conf.AlsoLogToStderr {
		return e, nil
	}
	se, err := log.NewEmitter(conf.LogFormat, stderr)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &log.MultiEmitter{e, se}, nil
}

// forEachCmd invokes the passed callback for each command supported by segctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	const descriptorGroup = "descriptors"
	cb(new(cmd.Layout), descriptorGroup)
	cb(new(cmd.Encode), descriptorGroup)
	cb(new(cmd.Decode), descriptorGroup)
	cb(new(cmd.TSS), descriptorGroup)

	const platformGroup = "platform"
	cb(new(cmd.Boot), platformGroup)
	cb(new(cmd.Platforms), platformGroup)
}

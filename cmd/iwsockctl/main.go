// Copyright 2024 The gVisor Authors.
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

// Binary iwsockctl bootstraps an in-process inter-world socket transport and
// exercises it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/iwsock/pkg/config"
	"gvisor.dev/iwsock/pkg/log"
	"gvisor.dev/iwsock/pkg/refs"
	"gvisor.dev/iwsock/pkg/tee"
)

// fatalf logs to stderr and exits with a failure status.
func fatalf(format string, args ...any) {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(128)
}

// setupLogging directs the log to the destination conf names.
func setupLogging(conf *config.Config) error {
	level, err := log.ParseLevel(conf.Log.Level)
	if err != nil {
		return err
	}
	f := os.Stderr
	if conf.Log.File != "" {
		if f, err = log.OpenFile(conf.Log.File); err != nil {
			return err
		}
	}
	e, err := log.NewEmitter(conf.Log.Format, f)
	if err != nil {
		return err
	}
	log.SetTarget(e)
	log.SetLevel(level)
	return nil
}

// subsystem extracts the subsystem passed to every command.
func subsystem(args []any) *tee.Subsystem {
	return args[0].(*tee.Subsystem)
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Echo), "")
	subcommands.Register(new(Bench), "")
	subcommands.Register(new(Metadata), "")
	subcommands.Register(new(Metrics), "")

	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		fatalf("%v", err)
	}
	if err := setupLogging(conf); err != nil {
		fatalf("setting up logging: %v", err)
	}
	refs.SetLeakMode(refs.LeaksLogWarning)
	conf.Report()

	s, err := tee.New(conf, nil)
	if err != nil {
		fatalf("bootstrapping transport: %v", err)
	}
	status := subcommands.Execute(context.Background(), s)
	leaks, err := s.Destroy()
	if err != nil {
		log.Warningf("%v", err)
	}
	if leaks > 0 && status == subcommands.ExitSuccess {
		status = subcommands.ExitFailure
	}
	os.Exit(int(status))
}

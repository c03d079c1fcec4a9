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

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gopkg.in/yaml.v3"
	"gvisor.dev/iwsock/pkg/metric"
	"gvisor.dev/iwsock/pkg/tee"
)

// Metadata implements subcommands.Command for the "metadata" command.
type Metadata struct{}

// Name implements subcommands.Command.Name.
func (*Metadata) Name() string {
	return "metadata"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metadata) Synopsis() string {
	return "print the bootstrap channel and memory state as YAML"
}

// Usage implements subcommands.Command.Usage.
func (*Metadata) Usage() string {
	return "metadata - prints the subsystem status\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Metadata) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Metadata) Execute(_ context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if err := writeMetadata(os.Stdout, subsystem(args)); err != nil {
		fmt.Fprintf(os.Stderr, "metadata: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func writeMetadata(w io.Writer, s *tee.Subsystem) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s.Status()); err != nil {
		return err
	}
	return enc.Close()
}

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct{}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "print transport metrics in Prometheus text format"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return "metrics - prints every registered metric\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Metrics) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Metrics) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	if err := metric.WritePrometheus(os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "metrics: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

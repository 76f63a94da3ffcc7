// Copyright 2026 The gVisor Authors.
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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/protseg/pkg/log"
	"gvisor.dev/protseg/pkg/platform"
	"gvisor.dev/protseg/pkg/ring0"
	"gvisor.dev/protseg/segctl/config"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	output string
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "set up segmentation on a platform"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [options] - set up segmentation on the configured platform and print the resulting system registers.

The descriptor table is loaded, the TSS descriptor installed and the task
register loaded, in that order. Any fault stops the sequence.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	outputFlag(f, &b.output)
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	r, err := boot(conf)
	if err != nil {
		return Errorf("%v", err)
	}
	if err := output(os.Stdout, b.output, r); err != nil {
		return Errorf("writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

// bootInfo is the state of the platform after bring-up.
type bootInfo struct {
	Platform string `json:"platform" yaml:"platform"`
	State    string `json:"state" yaml:"state"`

	ProtectedMode bool   `json:"protected_mode" yaml:"protected_mode"`
	GDTBase       string `json:"gdt_base" yaml:"gdt_base"`
	GDTLimit      string `json:"gdt_limit" yaml:"gdt_limit"`
	TR            string `json:"tr" yaml:"tr"`
	TRBase        string `json:"tr_base" yaml:"tr_base"`
	TRLimit       string `json:"tr_limit" yaml:"tr_limit"`
	TRBusy        bool   `json:"tr_busy" yaml:"tr_busy"`

	// TSSDescriptor is the TSS descriptor read back from platform memory.
	TSSDescriptor descriptorInfo `json:"tss_descriptor" yaml:"tss_descriptor"`
}

func boot(conf *config.Config) (*report, error) {
	ctor, err := platform.Lookup(conf.Platform)
	if err != nil {
		return nil, err
	}
	p, err := ctor(conf.PlatformOpts())
	if err != nil {
		return nil, fmt.Errorf("creating platform %q: %w", conf.Platform, err)
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Warningf("Closing platform %q: %v", conf.Platform, err)
		}
	}()

	k, err := ring0.New(conf.KernelOpts(), p)
	if err != nil {
		return nil, err
	}
	if err := k.Init(p); err != nil {
		return nil, err
	}
	regs, err := p.Registers()
	if err != nil {
		return nil, fmt.Errorf("reading registers: %w", err)
	}

	opts := k.Opts()
	var raw [ring0.SegmentDescriptorSize]byte
	addr := int64(opts.GDTAddr) + int64(opts.Layout.TSS*ring0.SegmentDescriptorSize)
	if _, err := p.ReadAt(raw[:], addr); err != nil {
		return nil, fmt.Errorf("reading TSS descriptor: %w", err)
	}
	tssDesc := newDescriptorInfo(opts.Layout.TSS, ring0.DescriptorFromBytes(raw))
	tssDesc.Selector = k.Selectors().TSS.String()
	tssDesc.Name = "tss"

	info := bootInfo{
		Platform:      conf.Platform,
		State:         k.State().String(),
		ProtectedMode: regs.ProtectedMode,
		GDTBase:       fmt.Sprintf("%#06x", regs.GDTR.Base),
		GDTLimit:      fmt.Sprintf("%#02x", regs.GDTR.Limit),
		TR:            regs.TR.String(),
		TRBase:        fmt.Sprintf("%#06x", regs.TRBase),
		TRLimit:       fmt.Sprintf("%#06x", regs.TRLimit),
		TRBusy:        regs.TRBusy,
		TSSDescriptor: tssDesc,
	}
	r := &report{
		header: []string{"REGISTER", "VALUE"},
		rows: [][]string{
			{"platform", info.Platform},
			{"state", info.State},
			{"cr0.pe", fmt.Sprint(info.ProtectedMode)},
			{"gdtr.base", info.GDTBase},
			{"gdtr.limit", info.GDTLimit},
			{"tr", info.TR},
			{"tr.base", info.TRBase},
			{"tr.limit", info.TRLimit},
			{"tr.busy", fmt.Sprint(info.TRBusy)},
			{"tss descriptor", tssDesc.Bytes},
		},
		value: info,
	}
	return r, nil
}

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
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/google/subcommands"
	"gvisor.dev/protseg/pkg/ring0"
	"gvisor.dev/protseg/segctl/config"
)

// descriptorInfo describes one descriptor table entry.
type descriptorInfo struct {
	Index    int    `json:"index" yaml:"index"`
	Selector string `json:"selector,omitempty" yaml:"selector,omitempty"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Base     string `json:"base" yaml:"base"`
	Limit    string `json:"limit" yaml:"limit"`
	Access   string `json:"access" yaml:"access"`
	Flags    string `json:"flags" yaml:"flags"`
	Bytes    string `json:"bytes" yaml:"bytes"`
}

func newDescriptorInfo(index int, d ring0.SegmentDescriptor) descriptorInfo {
	b := d.Bytes()
	info := descriptorInfo{
		Index: index,
		Base:  fmt.Sprintf("%#06x", d.Base()),
		Limit: fmt.Sprintf("%#06x", d.Limit()),
		Bytes: hex.EncodeToString(b[:]),
	}
	if d.IsNull() {
		info.Access = "null"
		info.Flags = "-"
		return info
	}
	info.Access = fmt.Sprintf("%#02x %v", uint8(d.Access()), d.Access())
	info.Flags = fmt.Sprintf("%#02x %v", uint8(d.Flags()), d.Flags())
	return info
}

// descriptorReport returns a report on the given descriptors.
func descriptorReport(infos []descriptorInfo) *report {
	r := &report{
		header: []string{"INDEX", "SELECTOR", "NAME", "BASE", "LIMIT", "ACCESS", "FLAGS", "BYTES"},
		value:  infos,
	}
	for _, i := range infos {
		r.rows = append(r.rows, []string{
			strconv.Itoa(i.Index), i.Selector, i.Name, i.Base, i.Limit, i.Access, i.Flags, i.Bytes,
		})
	}
	return r
}

// Layout implements subcommands.Command for the "layout" command.
type Layout struct {
	output string
}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print the global descriptor table"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout [options] - print the global descriptor table built from the configuration, with the TSS descriptor installed.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Layout) SetFlags(f *flag.FlagSet) {
	outputFlag(f, &l.output)
}

// Execute implements subcommands.Command.Execute.
func (l *Layout) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	r, err := layoutReport(conf)
	if err != nil {
		return Errorf("%v", err)
	}
	if err := output(os.Stdout, l.output, r); err != nil {
		return Errorf("writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

func layoutReport(conf *config.Config) (*report, error) {
	opts := conf.KernelOpts()
	gdt, err := ring0.BuildTable(opts.Layout)
	if err != nil {
		return nil, err
	}
	if err := gdt.InstallTSS(opts.Layout.TSS, opts.TSSAddr, ring0.TaskState32Size); err != nil {
		return nil, err
	}

	sel := opts.Layout.Selectors()
	names := map[int]struct {
		name string
		sel  ring0.Selector
	}{
		opts.Layout.KernelCode: {"kernel code", sel.KernelCode},
		opts.Layout.KernelData: {"kernel data", sel.KernelData},
		opts.Layout.UserCode:   {"user code", sel.UserCode},
		opts.Layout.UserData:   {"user data", sel.UserData},
		opts.Layout.TSS:        {"tss", sel.TSS},
	}
	infos := make([]descriptorInfo, 0, len(gdt))
	for i, d := range gdt {
		info := newDescriptorInfo(i, d)
		if n, ok := names[i]; ok {
			info.Name = n.name
			info.Selector = n.sel.String()
		} else if i == 0 {
			info.Name = "null"
		}
		infos = append(infos, info)
	}
	return descriptorReport(infos), nil
}

// Encode implements subcommands.Command for the "encode" command.
type Encode struct {
	base   uint64
	limit  uint64
	access uint64
	flags  uint64
	output string
}

// Name implements subcommands.Command.Name.
func (*Encode) Name() string {
	return "encode"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Encode) Synopsis() string {
	return "encode a segment descriptor"
}

// Usage implements subcommands.Command.Usage.
func (*Encode) Usage() string {
	return `encode [options] - encode a segment descriptor.

The limit is the raw 20-bit field: in 4K pages if the granularity flag (0x80)
is set, in bytes otherwise.

EXAMPLE:
    $ segctl encode -limit=0xfffff -access=0x9a -flags=0xc0
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (e *Encode) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&e.base, "base", 0, "segment base address.")
	f.Uint64Var(&e.limit, "limit", 0, "raw segment limit.")
	f.Uint64Var(&e.access, "access", uint64(ring0.AccessPresent|ring0.AccessData|ring0.AccessWritable), "access byte.")
	f.Uint64Var(&e.flags, "flags", uint64(ring0.FlagGranularity4K|ring0.FlagSize32), "flags, in the upper nibble.")
	outputFlag(f, &e.output)
}

// Execute implements subcommands.Command.Execute.
func (e *Encode) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	r, err := e.report()
	if err != nil {
		return Errorf("%v", err)
	}
	if err := output(os.Stdout, e.output, r); err != nil {
		return Errorf("writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

func (e *Encode) report() (*report, error) {
	if e.base > 0xFFFFFFFF {
		return nil, fmt.Errorf("base %#x exceeds 32 bits", e.base)
	}
	if e.limit > 0xFFFFFFFF {
		return nil, fmt.Errorf("limit %#x: %w", e.limit, ring0.ErrLimitOverflow)
	}
	if e.access > 0xFF || e.flags > 0xFF {
		return nil, fmt.Errorf("access %#x and flags %#x must fit in a byte", e.access, e.flags)
	}
	d, err := ring0.Encode(uint32(e.base), uint32(e.limit), ring0.Access(e.access), ring0.Flags(e.flags))
	if err != nil {
		return nil, err
	}
	return descriptorReport([]descriptorInfo{newDescriptorInfo(0, d)}), nil
}

// Decode implements subcommands.Command for the "decode" command.
type Decode struct {
	output string
}

// Name implements subcommands.Command.Name.
func (*Decode) Name() string {
	return "decode"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Decode) Synopsis() string {
	return "decode segment descriptors"
}

// Usage implements subcommands.Command.Usage.
func (*Decode) Usage() string {
	return `decode [options] <hex>... - decode segment descriptors.

Each argument is 16 hex digits: the descriptor's bytes in memory order. The
index column is the argument's position.

EXAMPLE:
    $ segctl decode ffff0000009acf00 ffff00000092cf00
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Decode) SetFlags(f *flag.FlagSet) {
	outputFlag(f, &d.output)
}

// Execute implements subcommands.Command.Execute.
func (d *Decode) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	r, err := decodeReport(f.Args())
	if err != nil {
		return Errorf("%v", err)
	}
	if err := output(os.Stdout, d.output, r); err != nil {
		return Errorf("writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

func decodeReport(args []string) (*report, error) {
	infos := make([]descriptorInfo, 0, len(args))
	for i, arg := range args {
		var b [ring0.SegmentDescriptorSize]byte
		if len(arg) != hex.EncodedLen(len(b)) {
			return nil, fmt.Errorf("invalid descriptor %q: want %d hex digits", arg, hex.EncodedLen(len(b)))
		}
		if _, err := hex.Decode(b[:], []byte(arg)); err != nil {
			return nil, fmt.Errorf("invalid descriptor %q: %w", arg, err)
		}
		infos = append(infos, newDescriptorInfo(i, ring0.DescriptorFromBytes(b)))
	}
	return descriptorReport(infos), nil
}

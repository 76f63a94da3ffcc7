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

// TSS implements subcommands.Command for the "tss" command.
type TSS struct {
	output string
	dump   bool
}

// Name implements subcommands.Command.Name.
func (*TSS) Name() string {
	return "tss"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*TSS) Synopsis() string {
	return "print the initial task state segment"
}

// Usage implements subcommands.Command.Usage.
func (*TSS) Usage() string {
	return `tss [options] - print the task state segment as initialized before the task register is loaded.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *TSS) SetFlags(f *flag.FlagSet) {
	outputFlag(f, &t.output)
	f.BoolVar(&t.dump, "dump", false, "print the TSS bytes in memory order instead of its fields.")
}

// Execute implements subcommands.Command.Execute.
func (t *TSS) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	opts := conf.KernelOpts()
	tss := ring0.NewTaskState32(opts.Layout.Selectors(), opts.KernelStack)

	r := tssReport(&tss)
	if t.dump {
		r = dumpReport(tss.Bytes())
	}
	if err := output(os.Stdout, t.output, r); err != nil {
		return Errorf("writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

// tssField is a single TSS field.
type tssField struct {
	Name   string `json:"name" yaml:"name"`
	Offset int    `json:"offset" yaml:"offset"`
	Value  string `json:"value" yaml:"value"`
}

func tssReport(t *ring0.TaskState32) *report {
	fields := []tssField{
		{"link", 0, fmt.Sprintf("%#02x", t.Link)},
		{"esp0", 4, fmt.Sprintf("%#06x", t.ESP0)},
		{"ss0", 8, fmt.Sprintf("%#02x", t.SS0)},
		{"esp1", 12, fmt.Sprintf("%#06x", t.ESP1)},
		{"ss1", 16, fmt.Sprintf("%#02x", t.SS1)},
		{"esp2", 20, fmt.Sprintf("%#06x", t.ESP2)},
		{"ss2", 24, fmt.Sprintf("%#02x", t.SS2)},
		{"cr3", 28, fmt.Sprintf("%#06x", t.CR3)},
		{"eip", 32, fmt.Sprintf("%#06x", t.EIP)},
		{"eflags", 36, fmt.Sprintf("%#06x", t.EFLAGS)},
		{"eax", 40, fmt.Sprintf("%#06x", t.EAX)},
		{"ecx", 44, fmt.Sprintf("%#06x", t.ECX)},
		{"edx", 48, fmt.Sprintf("%#06x", t.EDX)},
		{"ebx", 52, fmt.Sprintf("%#06x", t.EBX)},
		{"esp", 56, fmt.Sprintf("%#06x", t.ESP)},
		{"ebp", 60, fmt.Sprintf("%#06x", t.EBP)},
		{"esi", 64, fmt.Sprintf("%#06x", t.ESI)},
		{"edi", 68, fmt.Sprintf("%#06x", t.EDI)},
		{"es", 72, fmt.Sprintf("%#02x", t.ES)},
		{"cs", 76, fmt.Sprintf("%#02x", t.CS)},
		{"ss", 80, fmt.Sprintf("%#02x", t.SS)},
		{"ds", 84, fmt.Sprintf("%#02x", t.DS)},
		{"fs", 88, fmt.Sprintf("%#02x", t.FS)},
		{"gs", 92, fmt.Sprintf("%#02x", t.GS)},
		{"ldt", 96, fmt.Sprintf("%#02x", t.LDT)},
		{"trap", 100, fmt.Sprintf("%#02x", t.Trap)},
		{"iomap_base", 102, fmt.Sprintf("%#02x", t.IOMapBase)},
	}
	r := &report{
		header: []string{"FIELD", "OFFSET", "VALUE"},
		value:  fields,
	}
	for _, f := range fields {
		r.rows = append(r.rows, []string{f.Name, strconv.Itoa(f.Offset), f.Value})
	}
	return r
}

// dumpLine is 16 bytes of memory.
type dumpLine struct {
	Offset int    `json:"offset" yaml:"offset"`
	Bytes  string `json:"bytes" yaml:"bytes"`
}

func dumpReport(b []byte) *report {
	r := &report{header: []string{"OFFSET", "BYTES"}}
	var lines []dumpLine
	for off := 0; off < len(b); off += 16 {
		end := min(off+16, len(b))
		l := dumpLine{Offset: off, Bytes: hex.EncodeToString(b[off:end])}
		lines = append(lines, l)
		r.rows = append(r.rows, []string{fmt.Sprintf("%#02x", off), l.Bytes})
	}
	r.value = lines
	return r
}

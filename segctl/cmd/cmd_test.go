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
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
	"gvisor.dev/protseg/pkg/ring0"
	"gvisor.dev/protseg/segctl/config"

	_ "gvisor.dev/protseg/pkg/platform/sim"
)

// column returns the named column of r's table.
func column(t *testing.T, r *report, name string) []string {
	t.Helper()
	col := -1
	for i, h := range r.header {
		if h == name {
			col = i
		}
	}
	if col < 0 {
		t.Fatalf("no column %q in %v", name, r.header)
	}
	var vals []string
	for _, row := range r.rows {
		vals = append(vals, row[col])
	}
	return vals
}

func TestLayoutReport(t *testing.T) {
	r, err := layoutReport(config.Default())
	if err != nil {
		t.Fatalf("layoutReport failed: %v", err)
	}
	for _, tc := range []struct {
		column string
		want   []string
	}{
		{"INDEX", []string{"0", "1", "2", "3", "4", "5"}},
		{"SELECTOR", []string{"", "0x08", "0x10", "0x1b", "0x23", "0x28"}},
		{"NAME", []string{"null", "kernel code", "kernel data", "user code", "user data", "tss"}},
		{"BYTES", []string{
			"0000000000000000",
			"ffff0000009acf00",
			"ffff00000092cf00",
			"ffff000000facf00",
			"ffff000000f2cf00",
			"6700002000e90000",
		}},
	} {
		if diff := cmp.Diff(tc.want, column(t, r, tc.column)); diff != "" {
			t.Errorf("column %s mismatch (-want +got):\n%s", tc.column, diff)
		}
	}
	if infos := r.value.([]descriptorInfo); len(infos) != len(r.rows) {
		t.Errorf("got %d values for %d rows", len(infos), len(r.rows))
	}
}

func TestLayoutReportCustomIndices(t *testing.T) {
	conf := config.Default()
	conf.TSSIndex = 7
	r, err := layoutReport(conf)
	if err != nil {
		t.Fatalf("layoutReport failed: %v", err)
	}
	want := []string{"null", "kernel code", "kernel data", "user code", "user data", "", "", "tss"}
	if diff := cmp.Diff(want, column(t, r, "NAME")); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
	if got := column(t, r, "ACCESS")[5]; got != "null" {
		t.Errorf("unused entry access: got %q, want null", got)
	}
}

func TestLayoutReportInvalid(t *testing.T) {
	conf := config.Default()
	conf.TSSIndex = conf.UserDataIndex
	if _, err := layoutReport(conf); !errors.Is(err, ring0.ErrInvalidLayout) {
		t.Errorf("layoutReport: got %v, want %v", err, ring0.ErrInvalidLayout)
	}
}

func TestEncodeReport(t *testing.T) {
	e := Encode{limit: 0xfffff, access: 0x9a, flags: 0xc0}
	r, err := e.report()
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if diff := cmp.Diff([]string{"ffff0000009acf00"}, column(t, r, "BYTES")); diff != "" {
		t.Errorf("bytes mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeReportRejects(t *testing.T) {
	for _, tc := range []struct {
		name string
		e    Encode
		want error
	}{
		{"limit over 20 bits", Encode{limit: 0x100000, access: 0x92}, ring0.ErrLimitOverflow},
		{"limit over 32 bits", Encode{limit: 1 << 32, access: 0x92}, ring0.ErrLimitOverflow},
		{"low flag bits", Encode{access: 0x92, flags: 0x0f}, ring0.ErrInvalidFlags},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.e.report(); !errors.Is(err, tc.want) {
				t.Errorf("report: got %v, want %v", err, tc.want)
			}
		})
	}

	for _, e := range []Encode{
		{base: 1 << 32},
		{access: 0x100},
		{flags: 0x100},
	} {
		if _, err := e.report(); err == nil {
			t.Errorf("report(%+v) succeeded, want error", e)
		}
	}
}

func TestDecodeReport(t *testing.T) {
	r, err := decodeReport([]string{"ffff0000009acf00", "6700002000e90000"})
	if err != nil {
		t.Fatalf("decodeReport failed: %v", err)
	}
	want := []descriptorInfo{
		{
			Index:  0,
			Base:   "0x000000",
			Limit:  "0xffffffff",
			Access: "0x9a P DPL0 code r",
			Flags:  "0xc0 4k 32",
			Bytes:  "ffff0000009acf00",
		},
		{
			Index:  1,
			Base:   "0x002000",
			Limit:  "0x000067",
			Access: "0xe9 P DPL3 tss32",
			Flags:  "0x00 byte 16",
			Bytes:  "6700002000e90000",
		},
	}
	if diff := cmp.Diff(want, r.value); diff != "" {
		t.Errorf("decodeReport mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeReportInvalid(t *testing.T) {
	for _, arg := range []string{"", "ffff", "ffff0000009acf0000", "zzzz0000009acf00"} {
		if _, err := decodeReport([]string{arg}); err == nil {
			t.Errorf("decodeReport(%q) succeeded, want error", arg)
		}
	}
}

func TestTSSReport(t *testing.T) {
	conf := config.Default()
	opts := conf.KernelOpts()
	tss := ring0.NewTaskState32(opts.Layout.Selectors(), opts.KernelStack)
	r := tssReport(&tss)

	got := make(map[string]string)
	var offsets []string
	for _, row := range r.rows {
		got[row[0]] = row[2]
		offsets = append(offsets, row[1])
	}
	for field, want := range map[string]string{
		"esp0":       "0x090000",
		"ss0":        "0x10",
		"cs":         "0x0b",
		"ss":         "0x13",
		"ds":         "0x13",
		"ldt":        "0x00",
		"iomap_base": "0x68",
	} {
		if got[field] != want {
			t.Errorf("field %s: got %q, want %q", field, got[field], want)
		}
	}
	if offsets[len(offsets)-1] != "102" {
		t.Errorf("last offset: got %s, want 102", offsets[len(offsets)-1])
	}
}

func TestDumpReport(t *testing.T) {
	var tss ring0.TaskState32
	r := dumpReport(tss.Bytes())
	want := []string{"0x00", "0x10", "0x20", "0x30", "0x40", "0x50", "0x60"}
	if diff := cmp.Diff(want, column(t, r, "OFFSET")); diff != "" {
		t.Errorf("offsets mismatch (-want +got):\n%s", diff)
	}
	if last := column(t, r, "BYTES")[6]; len(last) != 2*(ring0.TaskState32Size-0x60) {
		t.Errorf("last line: got %d digits, want %d", len(last), 2*(ring0.TaskState32Size-0x60))
	}
}

func TestBoot(t *testing.T) {
	r, err := boot(config.Default())
	if err != nil {
		t.Fatalf("boot failed: %v", err)
	}
	want := bootInfo{
		Platform:      "sim",
		State:         "task-register-loaded",
		ProtectedMode: true,
		GDTBase:       "0x001000",
		GDTLimit:      "0x2f",
		TR:            "0x28",
		TRBase:        "0x002000",
		TRLimit:       "0x000067",
		TRBusy:        true,
		TSSDescriptor: descriptorInfo{
			Index:    5,
			Selector: "0x28",
			Name:     "tss",
			Base:     "0x002000",
			Limit:    "0x000067",
			Access:   "0xeb P DPL3 tss32-busy",
			Flags:    "0x00 byte 16",
			Bytes:    "6700002000eb0000",
		},
	}
	if diff := cmp.Diff(want, r.value); diff != "" {
		t.Errorf("boot mismatch (-want +got):\n%s", diff)
	}
}

func TestBootErrors(t *testing.T) {
	conf := config.Default()
	conf.Platform = "nonexistent"
	if _, err := boot(conf); err == nil {
		t.Errorf("boot on unknown platform succeeded")
	}

	conf = config.Default()
	conf.TSSAddr = conf.GDTAddr + 8
	if _, err := boot(conf); !errors.Is(err, ring0.ErrOverlap) {
		t.Errorf("boot with overlapping TSS: got %v, want %v", err, ring0.ErrOverlap)
	}

	conf = config.Default()
	conf.TSSAddr = 0xFFFFF000
	if _, err := boot(conf); err == nil {
		t.Errorf("boot with TSS outside memory succeeded")
	}
}

type sample struct {
	Name  string `json:"name" yaml:"name"`
	Value int    `json:"value" yaml:"value"`
}

func sampleReport() *report {
	return &report{
		header: []string{"NAME", "VALUE"},
		rows:   [][]string{{"a", "1"}, {"b, c", "22"}},
		value:  []sample{{"a", 1}, {"b, c", 22}},
	}
}

func TestOutputTable(t *testing.T) {
	var buf bytes.Buffer
	if err := output(&buf, "table", sampleReport()); err != nil {
		t.Fatalf("output failed: %v", err)
	}
	want := "NAME  VALUE\na     1\nb, c  22\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("table mismatch (-want +got):\n%s", diff)
	}
}

func TestOutputCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := output(&buf, "csv", sampleReport()); err != nil {
		t.Fatalf("output failed: %v", err)
	}
	got, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("reading csv: %v", err)
	}
	want := [][]string{{"NAME", "VALUE"}, {"a", "1"}, {"b, c", "22"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("csv mismatch (-want +got):\n%s", diff)
	}
}

func TestOutputStructured(t *testing.T) {
	for _, tc := range []struct {
		format    string
		unmarshal func([]byte, any) error
	}{
		{"json", json.Unmarshal},
		{"yaml", yaml.Unmarshal},
	} {
		t.Run(tc.format, func(t *testing.T) {
			var buf bytes.Buffer
			if err := output(&buf, tc.format, sampleReport()); err != nil {
				t.Fatalf("output failed: %v", err)
			}
			var got []sample
			if err := tc.unmarshal(buf.Bytes(), &got); err != nil {
				t.Fatalf("unmarshal: %v\n%s", err, buf.String())
			}
			if diff := cmp.Diff(sampleReport().value, got); diff != "" {
				t.Errorf("%s mismatch (-want +got):\n%s", tc.format, diff)
			}
		})
	}
}

func TestOutputUnsupported(t *testing.T) {
	var buf bytes.Buffer
	if err := output(&buf, "xml", sampleReport()); err == nil {
		t.Errorf("output succeeded for unsupported format")
	}
	if !strings.Contains(outputFormats(), "yaml") {
		t.Errorf("outputFormats() = %q, missing yaml", outputFormats())
	}
}

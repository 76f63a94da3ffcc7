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
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// report is the output of a command: a table of strings, and the same data
// as structured values for the json and yaml formats.
type report struct {
	header []string
	rows   [][]string
	value  any
}

type outputFunc func(io.Writer, *report) error

// A map of output type names to output functions.
var outputMap = map[string]outputFunc{
	"table": outputTable,
	"json":  outputJSON,
	"csv":   outputCSV,
	"yaml":  outputYAML,
}

// outputFormats returns the supported formats, for flag help.
func outputFormats() string {
	names := make([]string, 0, len(outputMap))
	for name := range outputMap {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// outputFlag registers the -o flag on f.
func outputFlag(f *flag.FlagSet, p *string) {
	f.StringVar(p, "o", "table", fmt.Sprintf("Output format (%s).", outputFormats()))
}

// output writes r in the named format.
func output(w io.Writer, format string, r *report) error {
	out, ok := outputMap[format]
	if !ok {
		return fmt.Errorf("unsupported output format %q", format)
	}
	return out(w, r)
}

// outputTable outputs the report in tabular format.
func outputTable(w io.Writer, r *report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	// Write the header
	if _, err := fmt.Fprintln(tw, strings.Join(r.header, "\t")); err != nil {
		return err
	}

	// Write each entry
	for _, row := range r.rows {
		if _, err := fmt.Fprintln(tw, strings.Join(row, "\t")); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// outputJSON outputs the report in JSON format.
func outputJSON(w io.Writer, r *report) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(r.value)
}

// outputYAML outputs the report in YAML format.
func outputYAML(w io.Writer, r *report) error {
	e := yaml.NewEncoder(w)
	e.SetIndent(2)
	if err := e.Encode(r.value); err != nil {
		return err
	}
	return e.Close()
}

// outputCSV outputs the report in CSV format.
func outputCSV(w io.Writer, r *report) error {
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(r.header); err != nil {
		return err
	}
	if err := csvWriter.WriteAll(r.rows); err != nil {
		return err
	}
	return csvWriter.Error()
}

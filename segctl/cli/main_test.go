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

package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gvisor.dev/protseg/pkg/log"
	"gvisor.dev/protseg/segctl/config"
)

func TestNewLogTarget(t *testing.T) {
	for _, tc := range []struct {
		name       string
		logFile    bool
		alsoStderr bool
		wantFile   bool
		wantStderr bool
	}{
		{name: "stderr", wantStderr: true},
		{name: "stderr ignores alsologtostderr", alsoStderr: true, wantStderr: true},
		{name: "file", logFile: true, wantFile: true},
		{name: "file and stderr", logFile: true, alsoStderr: true, wantFile: true, wantStderr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			conf := config.Default()
			conf.AlsoLogToStderr = tc.alsoStderr
			path := filepath.Join(t.TempDir(), "logs", "segctl.log")
			if tc.logFile {
				conf.LogFilename = path
			}
			var stderr bytes.Buffer
			e, err := newLogTarget(conf, &stderr)
			if err != nil {
				t.Fatalf("newLogTarget failed: %v", err)
			}
			e.Emit(0, log.Info, time.Now(), "selector %#02x", 0x28)

			const want = "selector 0x28"
			if got := strings.Contains(stderr.String(), want); got != tc.wantStderr {
				t.Errorf("stderr %q contains %q = %t, want %t", stderr.String(), want, got, tc.wantStderr)
			}
			b, err := os.ReadFile(path)
			if tc.wantFile {
				if err != nil {
					t.Fatalf("ReadFile failed: %v", err)
				}
				if !strings.Contains(string(b), want) {
					t.Errorf("log file %q does not contain %q", b, want)
				}
			} else if err == nil {
				t.Errorf("log file %s created with no --log", path)
			}
		})
	}
}

func TestNewLogTargetBadFormat(t *testing.T) {
	conf := config.Default()
	conf.LogFormat = "xml"
	if _, err := newLogTarget(conf, &bytes.Buffer{}); err == nil {
		t.Errorf("newLogTarget(format=xml) succeeded")
	}
}

// Copyright 2024 Joinery Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/joinerydb/joinery/pkg/common/joerr"
)

func writeConf(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "joinery.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	Convey("loading a config file", t, func() {
		Convey("fills unset fields from defaults", func() {
			path := writeConf(t, `
memoryBudgetBytes = 65536
spillDir = "/tmp/joinery-spill"
`)
			cfg, err := Load(path)
			So(err, ShouldBeNil)
			So(cfg.MemoryBudgetBytes, ShouldEqual, 65536)
			So(cfg.SpillBackend, ShouldEqual, SpillBackendFile)
			So(cfg.OutputBatchSize, ShouldEqual, 1024)
			So(cfg.Parallelism, ShouldEqual, 1)
		})

		Convey("parses every section", func() {
			path := writeConf(t, `
memoryBudgetBytes = 1048576
spillDir = "/tmp/spill"
spillBackend = "pebble"
outputBatchSize = 256
replayBatchSize = 512
parallelism = 4

[log]
level = "warn"
filename = "/tmp/joinery.log"
max-size-mb = 16
max-backups = 3
`)
			cfg, err := Load(path)
			So(err, ShouldBeNil)
			So(cfg.SpillBackend, ShouldEqual, SpillBackendPebble)
			So(cfg.OutputBatchSize, ShouldEqual, 256)
			So(cfg.ReplayBatchSize, ShouldEqual, 512)
			So(cfg.Parallelism, ShouldEqual, 4)
			So(cfg.Log.Level, ShouldEqual, "warn")
			So(cfg.Log.Filename, ShouldEqual, "/tmp/joinery.log")
			So(cfg.Log.MaxSizeMB, ShouldEqual, 16)
		})

		Convey("rejects a bad file", func() {
			_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
			So(joerr.IsErrCode(err, joerr.ErrBadConfig), ShouldBeTrue)
		})
	})
}

func TestOpenStore(t *testing.T) {
	Convey("opening the configured store", t, func() {
		Convey("refuses an empty spill dir", func() {
			cfg := Default()
			_, err := cfg.OpenStore()
			So(joerr.IsErrCode(err, joerr.ErrBadConfig), ShouldBeTrue)
		})

		for _, backend := range []string{SpillBackendFile, SpillBackendPebble} {
			backend := backend
			Convey("round-trips a record through the "+backend+" backend", func() {
				cfg := Default()
				cfg.SpillBackend = backend
				cfg.SpillDir = t.TempDir()
				store, err := cfg.OpenStore()
				So(err, ShouldBeNil)
				defer store.Close()

				w, err := store.NewWriter("probe")
				So(err, ShouldBeNil)
				So(w.Append([]byte("rec")), ShouldBeNil)
				So(w.Close(), ShouldBeNil)
				r, err := store.NewReader("probe")
				So(err, ShouldBeNil)
				rec, err := r.Next()
				So(err, ShouldBeNil)
				So(string(rec), ShouldEqual, "rec")
				So(r.Close(), ShouldBeNil)
			})
		}
	})
}

func TestNewBudget(t *testing.T) {
	Convey("budgets come from the configured cap", t, func() {
		cfg := Default()
		cfg.MemoryBudgetBytes = 512
		b := cfg.NewBudget()
		So(b.Cap(), ShouldEqual, 512)
		So(b.Acquire(512), ShouldBeTrue)
		So(b.Acquire(1), ShouldBeFalse)
	})
}

func TestValidate(t *testing.T) {
	Convey("validation", t, func() {
		Convey("accepts the defaults", func() {
			cfg := Default()
			So(cfg.Validate(), ShouldBeNil)
		})

		Convey("rejects an unknown spill backend", func() {
			cfg := Default()
			cfg.SpillBackend = "tape"
			So(joerr.IsErrCode(cfg.Validate(), joerr.ErrBadConfig), ShouldBeTrue)
		})

		Convey("requires a spill dir with a finite budget", func() {
			cfg := Default()
			cfg.MemoryBudgetBytes = 1024
			So(joerr.IsErrCode(cfg.Validate(), joerr.ErrBadConfig), ShouldBeTrue)
			cfg.SpillDir = "/tmp/spill"
			So(cfg.Validate(), ShouldBeNil)
		})

		Convey("rejects non-positive sizes", func() {
			cfg := Default()
			cfg.OutputBatchSize = 0
			So(joerr.IsErrCode(cfg.Validate(), joerr.ErrBadConfig), ShouldBeTrue)

			cfg = Default()
			cfg.ReplayBatchSize = -1
			So(joerr.IsErrCode(cfg.Validate(), joerr.ErrBadConfig), ShouldBeTrue)

			cfg = Default()
			cfg.Parallelism = 0
			So(joerr.IsErrCode(cfg.Validate(), joerr.ErrBadConfig), ShouldBeTrue)
		})
	})
}

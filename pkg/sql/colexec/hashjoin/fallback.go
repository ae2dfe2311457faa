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

package hashjoin

import (
	"errors"
	"io"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/joinerydb/joinery/pkg/common/budget"
	"github.com/joinerydb/joinery/pkg/common/hashmap"
	"github.com/joinerydb/joinery/pkg/container/batch"
	"github.com/joinerydb/joinery/pkg/container/tuple"
	"github.com/joinerydb/joinery/pkg/logutil"
)

var errChunkFull = errors.New("hashjoin: chunk budget exhausted")

// initFallback starts the chunked-build path for a partition whose keys
// cannot be separated by further repartitioning (or whose level budget
// is exhausted). The build side is table-built in budget-sized chunks;
// the probe spill is replayed once per chunk, with probe-row match
// state carried across chunks in a bitmap.
func (ctr *container) initFallback(hj *HashJoin, p *partition) error {
	logutil.Warnf("hashjoin: partition %d level %d is unsplittable (%d build rows), using chunked build",
		p.idx, p.level, p.buildRows.rowCount())
	r, err := p.buildRows.newReader()
	if err != nil {
		return err
	}
	ctr.fallback = &fallbackState{
		stage:   fbBuild,
		part:    p,
		reader:  r,
		matched: roaring64.New(),
	}
	return nil
}

func (ctr *container) stepFallback(hj *HashJoin, fl kindFlags, out *batch.OutBatch) (bool, error) {
	fb := ctr.fallback
	for {
		switch fb.stage {
		case fbBuild:
			if err := ctr.buildFallbackChunk(hj, fb); err != nil {
				return false, err
			}
			fb.synth = partition{state: partActive, level: fb.part.level, ht: fb.table}
			ctr.inputPart = &fb.synth
			fb.stream = newProbeStream(fb.part.probeRows)
			fb.stage = fbProbe

		case fbProbe:
			fin, err := ctr.stepProbeStream(hj, fl, fb.stream, out)
			if err != nil {
				return false, err
			}
			if !fin {
				return false, nil
			}
			fb.stream.close()
			fb.stream = nil
			fb.sweepRow = 0
			fb.stage = fbSweep

		case fbSweep:
			if fl.setMatched {
				if out.AtCapacity() {
					return false, nil
				}
				fin, err := ctr.sweepUnmatched(hj, fb.table, &fb.sweepRow, out)
				if err != nil {
					return false, err
				}
				if !fin {
					return false, nil
				}
			}
			fb.stage = fbClose

		case fbClose:
			fb.table.Free()
			fb.table = nil
			hj.budget.Release(fb.charged)
			fb.charged = 0
			ctr.inputPart = nil
			if fb.final {
				ctr.fallback = nil
				return true, nil
			}
			fb.stage = fbBuild
		}
	}
}

// buildFallbackChunk reads build rows into a fresh table until the
// budget refuses the next charge. A chunk always holds at least one
// row, so progress is guaranteed even under a degenerate budget.
func (ctr *container) buildFallbackChunk(hj *HashJoin, fb *fallbackState) error {
	ht := hashmap.NewJoinMap()
	fb.charged = 0

	insert := func(row tuple.Tuple) error {
		hash, key, ok, err := ctr.hctx.evalAndHashBuild(row)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		size := hashmap.EntrySize(key, row)
		if hj.budget.Acquire(size) {
			fb.charged += size
		} else if ht.Len() > 0 {
			fb.pending = row
			return errChunkFull
		}
		ht.Insert(hash, key, row)
		return nil
	}

	if fb.pending != nil {
		row := fb.pending
		fb.pending = nil
		if err := insert(row); err != nil {
			ht.Free()
			hj.budget.Release(fb.charged)
			return err
		}
	}

	for {
		rec, err := fb.reader.Next()
		if err == io.EOF {
			fb.final = true
			_ = fb.reader.Close()
			fb.reader = nil
			break
		}
		if err != nil {
			ht.Free()
			hj.budget.Release(fb.charged)
			return err
		}
		row, err := tuple.Decode(rec)
		if err != nil {
			ht.Free()
			hj.budget.Release(fb.charged)
			return err
		}
		if err := insert(row); err != nil {
			if errors.Is(err, errChunkFull) {
				break
			}
			ht.Free()
			hj.budget.Release(fb.charged)
			return err
		}
	}
	fb.table = ht
	return nil
}

func (fb *fallbackState) release(bud *budget.Budget) {
	if fb.reader != nil {
		_ = fb.reader.Close()
		fb.reader = nil
	}
	if fb.stream != nil {
		fb.stream.close()
		fb.stream = nil
	}
	if fb.table != nil {
		fb.table.Free()
		fb.table = nil
	}
	bud.Release(fb.charged)
	fb.charged = 0
}

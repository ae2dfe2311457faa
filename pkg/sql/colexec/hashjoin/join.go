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
	"context"
	"fmt"

	"github.com/joinerydb/joinery/pkg/common/budget"
	"github.com/joinerydb/joinery/pkg/common/joerr"
	"github.com/joinerydb/joinery/pkg/container/batch"
	"github.com/joinerydb/joinery/pkg/container/tuple"
	"github.com/joinerydb/joinery/pkg/sql/colexec"
)

// New validates the configuration and returns a join instance in the
// Building state. Unknown join kinds are rejected here, never at probe
// time.
func New(kind Kind, buildKeys, probeKeys []colexec.KeyExpr,
	otherConds, outputConds []colexec.Conjunct, opts Options) (*HashJoin, error) {
	if _, err := flagsFor(kind); err != nil {
		return nil, err
	}
	if len(buildKeys) == 0 || len(buildKeys) != len(probeKeys) {
		return nil, joerr.NewBadConfig("build/probe key arity mismatch: %d vs %d",
			len(buildKeys), len(probeKeys))
	}
	if opts.Store == nil {
		return nil, joerr.NewBadConfig("spill store is required")
	}
	hj := &HashJoin{
		Kind:            kind,
		BuildKeys:       buildKeys,
		ProbeKeys:       probeKeys,
		OtherConds:      otherConds,
		OutputConds:     outputConds,
		name:            opts.Name,
		budget:          opts.Budget,
		store:           opts.Store,
		replayBatchSize: opts.ReplayBatchSize,
	}
	if hj.name == "" {
		hj.name = "hashjoin"
	}
	if hj.budget == nil {
		hj.budget = budget.New(0)
	}
	if hj.replayBatchSize <= 0 {
		hj.replayBatchSize = defaultReplayBatchSize
	}
	hj.ctr.hctx = newHashTableCtx(buildKeys, probeKeys)
	hj.ctr.hctx.setLevel(0)
	hj.ctr.ps = newPartitionSet(0, hj.budget, hj.store, hj.bufferName)
	hj.ctr.state = Building
	return hj, nil
}

func (hj *HashJoin) String() string {
	return fmt.Sprintf("hashjoin[%s]", hj.Kind)
}

// ProcessBuildBatch routes every row of a build-side batch into its
// partition's build buffer. A failed append aborts the whole batch.
func (hj *HashJoin) ProcessBuildBatch(ctx context.Context, bat *batch.Batch) error {
	if err := ctx.Err(); err != nil {
		return joerr.NewQueryInterrupted()
	}
	ctr := &hj.ctr
	if ctr.state != Building {
		return joerr.NewInternal("build batch in state %d", ctr.state)
	}
	fl, err := flagsFor(hj.Kind)
	if err != nil {
		return err
	}
	for i := 0; i < bat.RowCount(); i++ {
		row := bat.GetRow(i)
		hash, key, ok, err := ctr.hctx.evalAndHashBuild(row)
		if err != nil {
			return err
		}
		if !ok {
			// a null key can never match, but kinds that emit unmatched
			// build rows still owe the row a NULL-probe emission
			if fl.setMatched {
				if err := ctr.appendNullBuild(hj, row); err != nil {
					return err
				}
			}
			continue
		}
		p := ctr.ps.parts[route(hash)]
		if err := ctr.ps.appendBuild(p, key, row); err != nil {
			return err
		}
	}
	return nil
}

// appendNullBuild stores a null-key build row for the unmatched sweep,
// spilling the buffer when the budget refuses the charge.
func (ctr *container) appendNullBuild(hj *HashJoin, row tuple.Tuple) error {
	if ctr.nullBuild == nil {
		ctr.nullBuild = newRowBuffer(hj.store, hj.budget, hj.bufferName("nullbuild", 0, 0))
	}
	b := ctr.nullBuild
	if b.spilled {
		return b.appendSpilled(row)
	}
	size := row.Size()
	if hj.budget.Acquire(size) {
		b.appendMem(row, size)
		return nil
	}
	if err := b.spillOut(); err != nil {
		return err
	}
	return b.appendSpilled(row)
}

// FinalizeBuild ends the build phase: empty partitions close, resident
// partitions get hash tables, oversized ones spill. The instance moves
// to Probing.
func (hj *HashJoin) FinalizeBuild(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return joerr.NewQueryInterrupted()
	}
	ctr := &hj.ctr
	if ctr.state != Building {
		return joerr.NewInternal("finalize build in state %d", ctr.state)
	}
	if err := ctr.ps.finalize(ctr.hctx); err != nil {
		return err
	}
	ctr.state = Probing
	return nil
}

// ProcessProbeBatch probes one batch against the partition set,
// emitting into out under its remaining capacity. done reports whether
// the batch was fully consumed; when false, call again with the same
// batch and a drained output batch.
func (hj *HashJoin) ProcessProbeBatch(ctx context.Context, bat *batch.Batch, out *batch.OutBatch) (done bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, joerr.NewQueryInterrupted()
	}
	ctr := &hj.ctr
	if ctr.state != Probing {
		return false, joerr.NewInternal("probe batch in state %d", ctr.state)
	}
	fl, err := flagsFor(hj.Kind)
	if err != nil {
		return false, err
	}
	if ctr.cursor.bat != bat {
		ctr.cursor = probeCursor{bat: bat}
	}
	done, err = ctr.processProbe(hj, fl, out)
	if err == nil && done {
		// callers may refill the same batch in place; never mistake it
		// for an unfinished one
		ctr.cursor = probeCursor{}
	}
	return done, err
}

// FinishProbe ends the probe-input phase and queues spilled partitions
// for replay. The instance moves to Draining.
func (hj *HashJoin) FinishProbe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return joerr.NewQueryInterrupted()
	}
	ctr := &hj.ctr
	if ctr.state != Probing {
		return joerr.NewInternal("finish probe in state %d", ctr.state)
	}
	for _, p := range ctr.ps.spilledPartitions() {
		if err := p.probeRows.finishWrites(); err != nil {
			return err
		}
		ctr.spilled = append(ctr.spilled, p)
	}
	if ctr.nullBuild != nil {
		if err := ctr.nullBuild.finishWrites(); err != nil {
			return err
		}
	}
	ctr.state = Draining
	ctr.drain = drainState{stage: drainNullSweep}
	return nil
}

// Drain produces all remaining output: the unmatched-build sweep for
// right/full outer joins and the replay of spilled partitions,
// recursively repartitioned when still oversized. done reports that the
// join is finished; when false, call again with a drained output batch.
func (hj *HashJoin) Drain(ctx context.Context, out *batch.OutBatch) (done bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, joerr.NewQueryInterrupted()
	}
	ctr := &hj.ctr
	if ctr.state != Draining {
		if ctr.state == Ended {
			return true, nil
		}
		return false, joerr.NewInternal("drain in state %d", ctr.state)
	}
	fl, err := flagsFor(hj.Kind)
	if err != nil {
		return false, err
	}
	return ctr.drainStep(hj, fl, out)
}

// Free releases every partition, table and spill buffer the instance
// still owns. Safe to call in any state.
func (hj *HashJoin) Free() {
	ctr := &hj.ctr
	if ctr.ps != nil {
		for _, p := range ctr.ps.parts {
			if p != nil && p.state != partClosed {
				p.close(hj.budget)
			}
		}
	}
	for _, p := range ctr.spilled {
		if p.state != partClosed {
			p.close(hj.budget)
		}
	}
	ctr.spilled = nil
	if ctr.nullBuild != nil {
		ctr.nullBuild.free()
		ctr.nullBuild = nil
	}
	if d := &ctr.drain; d.stream != nil {
		d.stream.close()
		d.stream = nil
	}
	if d := &ctr.drain; d.nullStream != nil {
		d.nullStream.close()
		d.nullStream = nil
	}
	if d := &ctr.drain; d.subPS != nil {
		for _, p := range d.subPS.parts {
			if p != nil && p.state != partClosed {
				p.close(hj.budget)
			}
		}
		d.subPS = nil
	}
	if fb := ctr.fallback; fb != nil {
		fb.release(hj.budget)
		ctr.fallback = nil
	}
	ctr.state = Ended
}

// Budget exposes the instance's memory accounting, mainly for tests and
// the enclosing executor's reporting.
func (hj *HashJoin) Budget() *budget.Budget {
	return hj.budget
}

func (hj *HashJoin) bufferName(side string, level, idx int) string {
	hj.ctr.nameSeq++
	return fmt.Sprintf("%s-l%d-p%d-%s-%d", hj.name, level, idx, side, hj.ctr.nameSeq)
}

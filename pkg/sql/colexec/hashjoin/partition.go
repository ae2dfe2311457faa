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
	"sort"

	"github.com/axiomhq/hyperloglog"

	"github.com/joinerydb/joinery/pkg/common/budget"
	"github.com/joinerydb/joinery/pkg/common/hashmap"
	"github.com/joinerydb/joinery/pkg/container/tuple"
	"github.com/joinerydb/joinery/pkg/logutil"
	"github.com/joinerydb/joinery/pkg/spill"
)

func newPartitionSet(level int, bud *budget.Budget, store spill.Store,
	namer func(side string, level, idx int) string) *partitionSet {
	ps := &partitionSet{level: level, budget: bud, store: store, namer: namer}
	for i := range ps.parts {
		ps.parts[i] = &partition{
			idx:       i,
			level:     level,
			buildRows: newRowBuffer(store, bud, namer("build", level, i)),
			sketch:    hyperloglog.New(),
		}
	}
	return ps
}

// residentBytes is what spilling this partition would free.
func (p *partition) residentBytes() int64 {
	n := p.buildRows.memBytes
	if p.ht != nil {
		n += p.htCharged
	}
	return n
}

func (p *partition) freeTable(bud *budget.Budget) {
	if p.ht != nil {
		p.ht.Free()
		p.ht = nil
	}
	if p.htCharged > 0 {
		bud.Release(p.htCharged)
		p.htCharged = 0
	}
}

// close frees everything the partition owns, deleting spilled buffers.
func (p *partition) close(bud *budget.Budget) {
	p.freeTable(bud)
	if p.buildRows != nil {
		p.buildRows.free()
		p.buildRows = nil
	}
	if p.probeRows != nil {
		p.probeRows.free()
		p.probeRows = nil
	}
	p.state = partClosed
}

// minRepartitionDistinct is the distinct-key estimate a partition must
// exceed before repartitioning is attempted; at or below it the keys
// cannot be separated and the chunked path takes over.
var minRepartitionDistinct uint64 = 1

// repartitionUseful reports whether splitting by a fresh hash seed can
// separate this partition's keys at all.
func (p *partition) repartitionUseful() bool {
	return p.sketch != nil && p.sketch.Estimate() > minRepartitionDistinct
}

// appendBuild routes one build row into p under the memory budget:
// check, evict (spill) until the charge fits, then append. The eviction
// victim is the largest resident partition, possibly p itself.
func (ps *partitionSet) appendBuild(p *partition, key []byte, row tuple.Tuple) error {
	p.sketch.Insert(key)
	if p.state == partSpilled {
		return p.buildRows.appendSpilled(row)
	}
	size := row.Size()
	for !ps.budget.Acquire(size) {
		victim := ps.spillVictim()
		if victim == nil {
			// nothing left to evict; spill the target itself
			victim = p
		}
		if err := ps.spillPartition(victim); err != nil {
			return err
		}
		if p.state == partSpilled {
			return p.buildRows.appendSpilled(row)
		}
	}
	p.buildRows.appendMem(row, size)
	return nil
}

// spillVictim picks the resident partition whose eviction frees the
// most memory, preferring ones that have not built a table yet.
func (ps *partitionSet) spillVictim() *partition {
	var victim *partition
	for _, p := range ps.parts {
		if p.state != partActive || p.residentBytes() == 0 {
			continue
		}
		if victim == nil {
			victim = p
			continue
		}
		victimHasTable := victim.ht != nil
		pHasTable := p.ht != nil
		if victimHasTable != pHasTable {
			if victimHasTable {
				victim = p
			}
			continue
		}
		if p.residentBytes() > victim.residentBytes() {
			victim = p
		}
	}
	return victim
}

func (ps *partitionSet) spillPartition(p *partition) error {
	p.freeTable(ps.budget)
	freed := p.buildRows.memBytes
	if err := p.buildRows.spillOut(); err != nil {
		return err
	}
	p.state = partSpilled
	logutil.Infof("hashjoin: spilled partition %d level %d, freed %d bytes, %d build rows",
		p.idx, p.level, freed, p.buildRows.rowCount())
	return nil
}

// finalize ends the build pass: empty partitions close, resident
// partitions get tables (smallest first, evicting under pressure), and
// spilled partitions get probe buffers and readable build buffers.
func (ps *partitionSet) finalize(hctx *hashTableCtx) error {
	for _, p := range ps.parts {
		if p.state == partActive && p.buildRows.rowCount() == 0 {
			p.close(ps.budget)
		}
	}

	resident := make([]*partition, 0, NumPartitions)
	for _, p := range ps.parts {
		if p.state == partActive {
			resident = append(resident, p)
		}
	}
	sort.Slice(resident, func(i, j int) bool {
		return resident[i].buildRows.memBytes < resident[j].buildRows.memBytes
	})
	for _, p := range resident {
		if p.state != partActive {
			// evicted while building an earlier table
			continue
		}
		if err := ps.buildTable(p, hctx); err != nil {
			return err
		}
	}

	for _, p := range ps.parts {
		if p.state != partSpilled {
			continue
		}
		if err := p.buildRows.finishWrites(); err != nil {
			return err
		}
		if p.probeRows == nil {
			pb, err := newSpilledRowBuffer(ps.store, ps.budget, ps.namer("probe", ps.level, p.idx))
			if err != nil {
				return err
			}
			p.probeRows = pb
		}
	}
	return nil
}

// buildTable builds p's resident hash table, spilling other partitions
// (or p itself) when the budget refuses a charge.
func (ps *partitionSet) buildTable(p *partition, hctx *hashTableCtx) error {
	p.ht = hashmap.NewJoinMap()
	for _, row := range p.buildRows.mem {
		hash, key, ok, err := hctx.evalAndHashBuild(row)
		if err != nil {
			p.freeTable(ps.budget)
			return err
		}
		if !ok {
			// null-key rows never reach a build buffer
			continue
		}
		size := hashmap.EntrySize(key, row)
		for !ps.budget.Acquire(size) {
			victim := ps.spillVictim()
			if victim == nil {
				victim = p
			}
			if err := ps.spillPartition(victim); err != nil {
				return err
			}
			if p.state == partSpilled {
				return nil
			}
		}
		p.htCharged += size
		p.ht.Insert(hash, key, row)
	}
	return nil
}

// spilledPartitions returns the set's spilled partitions in index order.
func (ps *partitionSet) spilledPartitions() []*partition {
	var out []*partition
	for _, p := range ps.parts {
		if p.state == partSpilled {
			out = append(out, p)
		}
	}
	return out
}

// closeResident closes every non-spilled partition.
func (ps *partitionSet) closeResident() {
	for _, p := range ps.parts {
		if p.state != partSpilled {
			p.close(ps.budget)
		}
	}
}

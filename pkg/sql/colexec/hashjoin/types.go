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

// Package hashjoin implements a partitioned hash join: both sides are
// hash-partitioned into a fixed number of buckets, resident buckets get
// in-memory tables, oversized buckets spill to backing storage and are
// replayed later, recursively repartitioned when still too large.
package hashjoin

import (
	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/axiomhq/hyperloglog"

	"github.com/joinerydb/joinery/pkg/common/budget"
	"github.com/joinerydb/joinery/pkg/common/hashmap"
	"github.com/joinerydb/joinery/pkg/common/joerr"
	"github.com/joinerydb/joinery/pkg/container/batch"
	"github.com/joinerydb/joinery/pkg/container/tuple"
	"github.com/joinerydb/joinery/pkg/spill"
	"github.com/joinerydb/joinery/pkg/sql/colexec"
)

// Kind selects the join semantics, fixed for the operator's lifetime.
type Kind int

const (
	Inner Kind = iota
	LeftOuter
	RightOuter
	FullOuter
	LeftSemi
	LeftAnti
)

func (k Kind) String() string {
	switch k {
	case Inner:
		return "inner"
	case LeftOuter:
		return "left outer"
	case RightOuter:
		return "right outer"
	case FullOuter:
		return "full outer"
	case LeftSemi:
		return "left semi"
	case LeftAnti:
		return "left anti"
	}
	return "unknown"
}

const (
	// NumPartitioningBits is the number of top hash bits consumed per
	// partitioning pass.
	NumPartitioningBits = 4
	NumPartitions       = 1 << NumPartitioningBits
	// maxLevels bounds recursive repartitioning: each level consumes
	// partitioning bits of the 32-bit hash.
	maxLevels = 32 / NumPartitioningBits
)

func route(hash uint32) int {
	return int(hash >> (32 - NumPartitioningBits))
}

// Engine states.
const (
	Building = iota
	Probing
	Draining
	Ended
)

type partitionState int

const (
	partActive partitionState = iota
	partSpilled
	partClosed
)

// partition owns one bucket's build rows and, depending on state, either
// a resident hash table or spilled build/probe buffers. Exactly one of
// {table present, spilled with probe buffer, closed empty} holds.
type partition struct {
	idx   int
	level int
	state partitionState

	buildRows *rowBuffer
	// probeRows exists only while spilled.
	probeRows *rowBuffer

	ht        *hashmap.JoinMap
	htCharged int64

	// sketch estimates distinct keys; consulted before repartitioning.
	sketch *hyperloglog.Sketch
}

type partitionSet struct {
	level  int
	parts  [NumPartitions]*partition
	budget *budget.Budget
	store  spill.Store
	namer  func(side string, level, idx int) string
}

// probeCursor is the explicit suspension state of one probe pass: where
// the scan resumes after output-capacity exhaustion.
type probeCursor struct {
	bat     *batch.Batch
	pos     int
	base    int64 // ordinal of bat's first row within its stream
	ord     int64 // ordinal of the current row
	row     tuple.Tuple
	haveRow bool
	itr     hashmap.Iter
	matched bool
}

// kindFlags is the per-kind emission policy, resolved once per batch
// call at the dispatch boundary, never inside the per-row loop.
type kindFlags struct {
	anti          bool // a passing match disqualifies the probe row
	semi          bool // emit at most one row per probe row
	setMatched    bool // mark matched build rows for the unmatched sweep
	emitUnmatched bool // unmatched probe rows surface with a NULL build side
}

func flagsFor(kind Kind) (kindFlags, error) {
	switch kind {
	case Inner:
		return kindFlags{}, nil
	case LeftOuter:
		return kindFlags{emitUnmatched: true}, nil
	case RightOuter:
		return kindFlags{setMatched: true}, nil
	case FullOuter:
		return kindFlags{setMatched: true, emitUnmatched: true}, nil
	case LeftSemi:
		return kindFlags{semi: true}, nil
	case LeftAnti:
		return kindFlags{anti: true, emitUnmatched: true}, nil
	}
	return kindFlags{}, joerr.NewUnknownJoinKind(int(kind))
}

// Drain stages.
const (
	drainNullSweep = iota
	drainSweep
	drainCloseFirst
	drainNext
	drainStream
	drainSweepReplay
	drainCloseReplay
	drainFallback
	drainDone
)

type drainState struct {
	stage     int
	sweepPart int
	sweepRow  int
	cur       *partition
	stream    *probeStream
	subPS     *partitionSet
	// nullStream reads a spilled null-key build buffer during the
	// null sweep.
	nullStream *probeStream
}

// probeStream feeds a spilled probe buffer through the probe loop in
// bounded chunks.
type probeStream struct {
	buf      *rowBuffer
	reader   spill.Reader
	bat      *batch.Batch
	base     int64
	needLoad bool
	eof      bool
}

// Fallback sub-stages for the degenerate (unsplittable) partition path.
const (
	fbBuild = iota
	fbProbe
	fbSweep
	fbClose
)

// fallbackState drives the chunked-build fallback: the build side is
// table-built in budget-sized chunks and the probe spill replayed once
// per chunk. matched carries probe-row state across chunks.
type fallbackState struct {
	stage    int
	part     *partition
	reader   spill.Reader
	pending  tuple.Tuple
	final    bool
	matched  *roaring64.Bitmap
	table    *hashmap.JoinMap
	charged  int64
	stream   *probeStream
	sweepRow int
	synth    partition
}

type container struct {
	state int

	hctx *hashTableCtx
	ps   *partitionSet

	// inputPart is the spilled partition currently being replayed with a
	// resident table; probes go straight to it, no re-routing.
	inputPart *partition

	cursor probeCursor

	// spilled partitions awaiting replay, in discovery order.
	spilled []*partition

	// nullBuild holds null-key build rows for join kinds that emit
	// unmatched build rows. Such rows can never match, but right and
	// full outer joins still owe them a NULL-probe emission.
	nullBuild *rowBuffer

	drain    drainState
	fallback *fallbackState

	nameSeq int
}

// HashJoin is one join instance. It is driven by a single caller
// goroutine; parallelism comes from independent instances.
type HashJoin struct {
	Kind        Kind
	BuildKeys   []colexec.KeyExpr
	ProbeKeys   []colexec.KeyExpr
	OtherConds  []colexec.Conjunct
	OutputConds []colexec.Conjunct

	name            string
	budget          *budget.Budget
	store           spill.Store
	replayBatchSize int

	ctr container
}

// Options configures a join instance.
type Options struct {
	// Name prefixes spill buffer names; required to be unique per
	// instance when instances share a Store.
	Name string
	// Budget bounds resident memory. nil means unlimited.
	Budget *budget.Budget
	// Store backs spilled buffers. Required.
	Store spill.Store
	// ReplayBatchSize is the probe chunk size during spilled replay.
	ReplayBatchSize int
}

const defaultReplayBatchSize = 1024

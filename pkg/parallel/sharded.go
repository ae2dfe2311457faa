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

package parallel

import (
	"context"

	"github.com/joinerydb/joinery/pkg/common/joerr"
	"github.com/joinerydb/joinery/pkg/container/batch"
	"github.com/joinerydb/joinery/pkg/sql/colexec"
	"github.com/joinerydb/joinery/pkg/sql/colexec/hashjoin"
)

// ShardedJoin runs one join instance per shard: the build side is
// broadcast to every shard, the probe side is split round-robin. Kinds
// that emit unmatched build rows cannot be sharded this way, since
// every shard holds the full build side.
type ShardedJoin struct {
	runner *Runner
	joins  []*hashjoin.HashJoin
	outCap int
}

func NewShardedJoin(kind hashjoin.Kind,
	buildKeys, probeKeys []colexec.KeyExpr,
	otherConds, outputConds []colexec.Conjunct,
	shards, outCap int,
	opts func(shard int) hashjoin.Options) (*ShardedJoin, error) {
	if kind == hashjoin.RightOuter || kind == hashjoin.FullOuter {
		return nil, joerr.NewBadConfig("%s join cannot run with a broadcast build side", kind)
	}
	if shards <= 0 {
		return nil, joerr.NewBadConfig("shard count must be positive, got %d", shards)
	}
	if outCap <= 0 {
		return nil, joerr.NewBadConfig("output capacity must be positive, got %d", outCap)
	}
	runner, err := NewRunner(shards)
	if err != nil {
		return nil, err
	}
	sj := &ShardedJoin{runner: runner, outCap: outCap}
	for i := 0; i < shards; i++ {
		hj, err := hashjoin.New(kind, buildKeys, probeKeys, otherConds, outputConds, opts(i))
		if err != nil {
			sj.Free()
			return nil, err
		}
		sj.joins = append(sj.joins, hj)
	}
	return sj, nil
}

// Join runs the whole pipeline and returns each shard's output rows.
// Concatenating the per-shard slices gives the join result, in no
// particular order.
func (sj *ShardedJoin) Join(ctx context.Context, build, probe []*batch.Batch) ([][]batch.JoinedRow, error) {
	probeShards := splitRoundRobin(probe, len(sj.joins))
	results := make([][]batch.JoinedRow, len(sj.joins))

	tasks := make([]func(context.Context) error, len(sj.joins))
	for i := range sj.joins {
		i := i
		tasks[i] = func(tctx context.Context) error {
			rows, err := runShard(tctx, sj.joins[i], build, probeShards[i], sj.outCap)
			if err != nil {
				return err
			}
			results[i] = rows
			return nil
		}
	}
	if err := sj.runner.Run(ctx, tasks...); err != nil {
		return nil, err
	}
	return results, nil
}

func (sj *ShardedJoin) Free() {
	for _, hj := range sj.joins {
		hj.Free()
	}
	sj.runner.Close()
}

// splitRoundRobin deals probe rows across n shards one at a time, so
// skew in the input batches cannot starve a shard.
func splitRoundRobin(bats []*batch.Batch, n int) []*batch.Batch {
	out := make([]*batch.Batch, n)
	for i := range out {
		out[i] = batch.New()
	}
	next := 0
	for _, bat := range bats {
		for i := 0; i < bat.RowCount(); i++ {
			out[next].Append(bat.GetRow(i))
			next = (next + 1) % n
		}
	}
	return out
}

func runShard(ctx context.Context, hj *hashjoin.HashJoin,
	build []*batch.Batch, probe *batch.Batch, outCap int) ([]batch.JoinedRow, error) {
	for _, bat := range build {
		if err := hj.ProcessBuildBatch(ctx, bat); err != nil {
			return nil, err
		}
	}
	if err := hj.FinalizeBuild(ctx); err != nil {
		return nil, err
	}

	var rows []batch.JoinedRow
	out := batch.NewOut(outCap)
	for {
		done, err := hj.ProcessProbeBatch(ctx, probe, out)
		if err != nil {
			return nil, err
		}
		rows = drainOut(rows, out)
		if done {
			break
		}
	}
	if err := hj.FinishProbe(ctx); err != nil {
		return nil, err
	}
	for {
		done, err := hj.Drain(ctx, out)
		if err != nil {
			return nil, err
		}
		rows = drainOut(rows, out)
		if done {
			break
		}
	}
	return rows, nil
}

func drainOut(rows []batch.JoinedRow, out *batch.OutBatch) []batch.JoinedRow {
	for i := 0; i < out.NumRows(); i++ {
		rows = append(rows, *out.GetRow(i))
	}
	out.Reset()
	return rows
}

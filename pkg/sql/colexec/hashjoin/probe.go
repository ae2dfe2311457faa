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
	"github.com/joinerydb/joinery/pkg/common/hashmap"
	"github.com/joinerydb/joinery/pkg/common/joerr"
	"github.com/joinerydb/joinery/pkg/container/batch"
	"github.com/joinerydb/joinery/pkg/container/tuple"
	"github.com/joinerydb/joinery/pkg/sql/colexec"
)

// The three hot functions stay distinct, non-inlined symbols so an
// external specializer can substitute optimized versions at the call
// sites without touching the loop.

//go:noinline
func createOutputRow(out *batch.JoinedRow, probe, build tuple.Tuple) {
	out.Probe = probe
	out.Build = build
}

//go:noinline
func evalOtherJoinConjuncts(conjs []colexec.Conjunct, row *batch.JoinedRow) (bool, error) {
	return colexec.EvalConjuncts(conjs, row)
}

//go:noinline
func evalOutputConjuncts(conjs []colexec.Conjunct, row *batch.JoinedRow) (bool, error) {
	return colexec.EvalConjuncts(conjs, row)
}

// processProbe runs the per-row, per-bucket double loop over the
// cursor's batch, bounded by out's remaining capacity. It returns
// consumed=false when it suspended on a full output batch; the cursor
// holds the authoritative resumption state, including the match
// iterator's position. Nothing becomes visible in out except through
// the final CommitRows.
func (ctr *container) processProbe(hj *HashJoin, fl kindFlags, out *batch.OutBatch) (consumed bool, err error) {
	cur := &ctr.cursor
	bat := cur.bat
	maxRows := out.Capacity() - out.NumRows()
	if maxRows <= 0 {
		return false, joerr.NewInternal("probe called with a full output batch")
	}
	added := 0
	outRow := out.GetRow(out.AddRow())

	for {
		if cur.haveRow {
			for !cur.itr.AtEnd() {
				buildRow := cur.itr.Row()
				createOutputRow(outRow, cur.row, buildRow)

				ok, err := evalOtherJoinConjuncts(hj.OtherConds, outRow)
				if err != nil {
					out.CommitRows(0)
					return false, err
				}
				if !ok {
					cur.itr.Next()
					continue
				}

				// the probe row is now considered matched
				cur.matched = true
				if fb := ctr.fallback; fb != nil {
					fb.matched.Add(uint64(cur.ord))
				}
				if fl.anti {
					// a match disqualifies the row entirely
					cur.itr.Reset()
					break
				}
				if fl.setMatched {
					cur.itr.SetMatched()
				}
				if fl.semi {
					cur.itr.Reset()
				} else {
					cur.itr.Next()
				}

				ok, err = evalOutputConjuncts(hj.OutputConds, outRow)
				if err != nil {
					out.CommitRows(0)
					return false, err
				}
				if ok {
					added++
					if added == maxRows {
						out.CommitRows(added)
						return false, nil
					}
					outRow = out.GetRow(out.AddRow())
				}
			}

			if fl.emitUnmatched && !cur.matched && (ctr.fallback == nil || ctr.fallback.final) {
				createOutputRow(outRow, cur.row, nil)
				ok, err := evalOutputConjuncts(hj.OutputConds, outRow)
				if err != nil {
					out.CommitRows(0)
					return false, err
				}
				if ok {
					added++
					// prevents a duplicate emission after a suspension
					cur.matched = true
					if added == maxRows {
						out.CommitRows(added)
						return false, nil
					}
					outRow = out.GetRow(out.AddRow())
				}
			}
		}

		if cur.pos == bat.RowCount() {
			cur.row = nil
			cur.haveRow = false
			out.CommitRows(added)
			return true, nil
		}

		cur.row = bat.GetRow(cur.pos)
		cur.ord = cur.base + int64(cur.pos)
		cur.pos++
		cur.haveRow = true
		cur.matched = false
		cur.itr = hashmap.Iter{}

		if fb := ctr.fallback; fb != nil && fb.matched.Contains(uint64(cur.ord)) {
			cur.matched = true
			if fl.anti || fl.semi {
				// already resolved by an earlier chunk
				continue
			}
		}

		hash, key, ok, err := ctr.hctx.evalAndHashProbe(cur.row)
		if err != nil {
			out.CommitRows(0)
			return false, err
		}
		if !ok {
			// absent key: permanently unmatched; the unmatched rule for
			// anti/outer kinds fires on the next iteration
			continue
		}

		var p *partition
		if ctr.inputPart != nil && ctr.inputPart.ht != nil {
			// replaying a spilled partition with a resident table: the
			// row already belongs to it, no re-routing
			p = ctr.inputPart
		} else {
			p = ctr.ps.parts[route(hash)]
		}

		switch p.state {
		case partClosed:
			// empty build side, nothing can match
		case partSpilled:
			if err := p.probeRows.appendSpilled(cur.row); err != nil {
				out.CommitRows(0)
				return false, err
			}
			// the row's matched/unmatched fate is decided when the
			// partition is replayed, not here
			cur.matched = true
		default:
			cur.itr = p.ht.Find(hash, key)
		}
	}
}

// emitNullPadded emits (NULL, build) rows for rows [*rowIdx, n) of get,
// resuming at *rowIdx. finished=false means out filled up.
func emitNullPadded(hj *HashJoin, get func(int) tuple.Tuple, n int, rowIdx *int, out *batch.OutBatch) (finished bool, err error) {
	maxRows := out.Capacity() - out.NumRows()
	if maxRows <= 0 {
		return false, joerr.NewInternal("null sweep called with a full output batch")
	}
	added := 0
	outRow := out.GetRow(out.AddRow())

	for *rowIdx < n {
		createOutputRow(outRow, nil, get(*rowIdx))
		*rowIdx++
		ok, err := evalOutputConjuncts(hj.OutputConds, outRow)
		if err != nil {
			out.CommitRows(0)
			return false, err
		}
		if ok {
			added++
			if added == maxRows {
				out.CommitRows(added)
				return *rowIdx >= n, nil
			}
			outRow = out.GetRow(out.AddRow())
		}
	}
	out.CommitRows(added)
	return true, nil
}

// sweepUnmatched emits (NULL, build) rows for build rows never marked
// matched, resuming at *rowIdx. finished=false means out filled up.
func (ctr *container) sweepUnmatched(hj *HashJoin, ht *hashmap.JoinMap, rowIdx *int, out *batch.OutBatch) (finished bool, err error) {
	maxRows := out.Capacity() - out.NumRows()
	if maxRows <= 0 {
		return false, joerr.NewInternal("sweep called with a full output batch")
	}
	added := 0
	outRow := out.GetRow(out.AddRow())

	for *rowIdx < ht.Len() {
		i := *rowIdx
		*rowIdx++
		if ht.IsMatched(i) {
			continue
		}
		createOutputRow(outRow, nil, ht.Row(i))
		ok, err := evalOutputConjuncts(hj.OutputConds, outRow)
		if err != nil {
			out.CommitRows(0)
			return false, err
		}
		if ok {
			added++
			if added == maxRows {
				out.CommitRows(added)
				return *rowIdx >= ht.Len(), nil
			}
			outRow = out.GetRow(out.AddRow())
		}
	}
	out.CommitRows(added)
	return true, nil
}

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

	"github.com/joinerydb/joinery/pkg/common/hashmap"
	"github.com/joinerydb/joinery/pkg/container/batch"
	"github.com/joinerydb/joinery/pkg/container/tuple"
	"github.com/joinerydb/joinery/pkg/logutil"
)

// errNoBudget aborts a table build that ran out of memory; the caller
// falls back to repartitioning or the chunked path.
var errNoBudget = errors.New("hashjoin: memory budget exceeded")

// drainStep advances the post-probe machine: unmatched-build sweep,
// then each spilled partition in turn, recursively.
func (ctr *container) drainStep(hj *HashJoin, fl kindFlags, out *batch.OutBatch) (bool, error) {
	d := &ctr.drain
	for {
		switch d.stage {
		case drainNullSweep:
			nb := ctr.nullBuild
			if !fl.setMatched || nb == nil || nb.rowCount() == 0 {
				d.stage = drainSweep
				continue
			}
			if !nb.spilled {
				if out.AtCapacity() {
					return false, nil
				}
				fin, err := emitNullPadded(hj,
					func(i int) tuple.Tuple { return nb.mem[i] }, len(nb.mem),
					&d.sweepRow, out)
				if err != nil {
					return false, err
				}
				if !fin {
					return false, nil
				}
			} else {
				if d.nullStream == nil {
					d.nullStream = newProbeStream(nb)
				}
				s := d.nullStream
				for {
					if out.AtCapacity() {
						return false, nil
					}
					if s.needLoad {
						if s.eof {
							break
						}
						n, err := s.load(hj.replayBatchSize)
						if err != nil {
							return false, err
						}
						if n == 0 {
							break
						}
						s.needLoad = false
						d.sweepRow = 0
					}
					fin, err := emitNullPadded(hj, s.bat.GetRow, s.bat.RowCount(),
						&d.sweepRow, out)
					if err != nil {
						return false, err
					}
					if !fin {
						return false, nil
					}
					s.needLoad = true
				}
				s.close()
				d.nullStream = nil
			}
			nb.free()
			ctr.nullBuild = nil
			d.sweepPart, d.sweepRow = 0, 0
			d.stage = drainSweep

		case drainSweep:
			if !fl.setMatched {
				d.stage = drainCloseFirst
				continue
			}
			for d.sweepPart < NumPartitions {
				p := ctr.ps.parts[d.sweepPart]
				if p.state != partActive || p.ht == nil {
					d.sweepPart++
					continue
				}
				if out.AtCapacity() {
					return false, nil
				}
				fin, err := ctr.sweepUnmatched(hj, p.ht, &d.sweepRow, out)
				if err != nil {
					return false, err
				}
				if !fin {
					return false, nil
				}
				d.sweepPart++
				d.sweepRow = 0
			}
			d.stage = drainCloseFirst

		case drainCloseFirst:
			ctr.ps.closeResident()
			d.stage = drainNext

		case drainNext:
			if len(ctr.spilled) == 0 {
				d.stage = drainDone
				continue
			}
			p := ctr.spilled[0]
			ctr.spilled = ctr.spilled[1:]
			ctr.hctx.setLevel(p.level)

			built, err := ctr.tryBuildSpilled(hj, p)
			if err != nil {
				return false, err
			}
			d.cur = p
			switch {
			case built:
				ctr.inputPart = p
				logutil.Infof("hashjoin: replaying partition %d level %d in memory, %d build rows",
					p.idx, p.level, p.buildRows.rowCount())
			case p.level+1 < maxLevels && p.repartitionUseful():
				subPS, err := ctr.repartition(hj, p)
				if err != nil {
					return false, err
				}
				ctr.ps = subPS
				ctr.inputPart = nil
				d.subPS = subPS
			default:
				if err := ctr.initFallback(hj, p); err != nil {
					return false, err
				}
				d.stage = drainFallback
				continue
			}
			d.stream = newProbeStream(p.probeRows)
			d.stage = drainStream

		case drainStream:
			fin, err := ctr.stepProbeStream(hj, fl, d.stream, out)
			if err != nil {
				return false, err
			}
			if !fin {
				return false, nil
			}
			d.stream.close()
			d.stream = nil
			d.sweepPart, d.sweepRow = 0, 0
			d.stage = drainSweepReplay

		case drainSweepReplay:
			if fl.setMatched {
				if out.AtCapacity() {
					return false, nil
				}
				if d.subPS == nil {
					fin, err := ctr.sweepUnmatched(hj, d.cur.ht, &d.sweepRow, out)
					if err != nil {
						return false, err
					}
					if !fin {
						return false, nil
					}
				} else {
					for d.sweepPart < NumPartitions {
						p := d.subPS.parts[d.sweepPart]
						if p.state != partActive || p.ht == nil {
							d.sweepPart++
							continue
						}
						if out.AtCapacity() {
							return false, nil
						}
						fin, err := ctr.sweepUnmatched(hj, p.ht, &d.sweepRow, out)
						if err != nil {
							return false, err
						}
						if !fin {
							return false, nil
						}
						d.sweepPart++
						d.sweepRow = 0
					}
				}
			}
			d.stage = drainCloseReplay

		case drainCloseReplay:
			if d.subPS != nil {
				for _, sp := range d.subPS.spilledPartitions() {
					if err := sp.probeRows.finishWrites(); err != nil {
						return false, err
					}
					ctr.spilled = append(ctr.spilled, sp)
				}
				d.subPS.closeResident()
				d.subPS = nil
			}
			ctr.inputPart = nil
			d.cur.close(hj.budget)
			d.cur = nil
			d.stage = drainNext

		case drainFallback:
			fin, err := ctr.stepFallback(hj, fl, out)
			if err != nil {
				return false, err
			}
			if !fin {
				return false, nil
			}
			d.cur.close(hj.budget)
			d.cur = nil
			d.stage = drainNext

		case drainDone:
			ctr.state = Ended
			return true, nil
		}
	}
}

// tryBuildSpilled reloads a spilled partition's build rows into a
// resident table. Returns false (with nothing charged) when the budget
// refuses; spill stays the recovery path, never error retry.
func (ctr *container) tryBuildSpilled(hj *HashJoin, p *partition) (bool, error) {
	ht := hashmap.NewJoinMap()
	var charged int64
	err := p.buildRows.iterate(func(row tuple.Tuple) error {
		hash, key, ok, err := ctr.hctx.evalAndHashBuild(row)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		size := hashmap.EntrySize(key, row)
		if !hj.budget.Acquire(size) {
			return errNoBudget
		}
		charged += size
		ht.Insert(hash, key, row)
		return nil
	})
	if err != nil {
		ht.Free()
		hj.budget.Release(charged)
		if errors.Is(err, errNoBudget) {
			return false, nil
		}
		return false, err
	}
	p.ht = ht
	p.htCharged = charged
	p.state = partActive
	return true, nil
}

// repartition splits a reloaded partition into a fresh set one level
// deeper, under a new hash seed.
func (ctr *container) repartition(hj *HashJoin, p *partition) (*partitionSet, error) {
	level := p.level + 1
	ctr.hctx.setLevel(level)
	sub := newPartitionSet(level, hj.budget, hj.store, hj.bufferName)

	err := p.buildRows.iterate(func(row tuple.Tuple) error {
		hash, key, ok, err := ctr.hctx.evalAndHashBuild(row)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		sp := sub.parts[route(hash)]
		return sub.appendBuild(sp, key, row)
	})
	if err == nil {
		err = sub.finalize(ctr.hctx)
	}
	if err != nil {
		for _, sp := range sub.parts {
			if sp.state != partClosed {
				sp.close(hj.budget)
			}
		}
		return nil, err
	}
	logutil.Infof("hashjoin: repartitioned partition %d to level %d, %d build rows, %d sub-partitions spilled",
		p.idx, level, p.buildRows.rowCount(), len(sub.spilledPartitions()))
	return sub, nil
}

func newProbeStream(buf *rowBuffer) *probeStream {
	return &probeStream{buf: buf, bat: batch.New(), needLoad: true}
}

func (s *probeStream) close() {
	if s.reader != nil {
		_ = s.reader.Close()
		s.reader = nil
	}
}

// load refills the stream's batch with up to n spilled probe rows.
func (s *probeStream) load(n int) (int, error) {
	if s.reader == nil {
		r, err := s.buf.newReader()
		if err != nil {
			return 0, err
		}
		s.reader = r
	}
	s.bat.Reset()
	for i := 0; i < n; i++ {
		rec, err := s.reader.Next()
		if err == io.EOF {
			s.eof = true
			break
		}
		if err != nil {
			return 0, err
		}
		row, err := tuple.Decode(rec)
		if err != nil {
			return 0, err
		}
		s.bat.Append(row)
	}
	return s.bat.RowCount(), nil
}

// stepProbeStream pushes the stream through the probe loop, chunk by
// chunk, suspending whenever out fills.
func (ctr *container) stepProbeStream(hj *HashJoin, fl kindFlags, s *probeStream, out *batch.OutBatch) (bool, error) {
	for {
		if out.AtCapacity() {
			return false, nil
		}
		if s.needLoad {
			if s.eof {
				return true, nil
			}
			s.base += int64(s.bat.RowCount())
			n, err := s.load(hj.replayBatchSize)
			if err != nil {
				return false, err
			}
			if n == 0 {
				return true, nil
			}
			ctr.cursor = probeCursor{bat: s.bat, base: s.base}
			s.needLoad = false
		}
		consumed, err := ctr.processProbe(hj, fl, out)
		if err != nil {
			return false, err
		}
		if !consumed {
			return false, nil
		}
		s.needLoad = true
	}
}

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
	"encoding/binary"

	"github.com/spaolacci/murmur3"

	"github.com/joinerydb/joinery/pkg/container/tuple"
	"github.com/joinerydb/joinery/pkg/sql/colexec"
)

// seedStep derives a fresh murmur seed per partitioning level so a
// reloaded partition does not re-split into the same buckets.
const seedStep = 0x9e3779b1

// hashTableCtx evaluates the join-key expressions of one side and turns
// them into the single 32-bit hash used for both partition routing and
// in-table lookup. The returned key bytes alias an internal buffer that
// stays valid until the next EvalAndHash call.
type hashTableCtx struct {
	buildKeys []colexec.KeyExpr
	probeKeys []colexec.KeyExpr
	level     int
	seed      uint32
	buf       []byte
}

func newHashTableCtx(buildKeys, probeKeys []colexec.KeyExpr) *hashTableCtx {
	return &hashTableCtx{buildKeys: buildKeys, probeKeys: probeKeys}
}

func (c *hashTableCtx) setLevel(level int) {
	c.level = level
	c.seed = uint32(level) * seedStep
}

// evalAndHashBuild hashes a build row. ok is false when a key datum is
// null: such rows can never match and are suppressed from hashing.
func (c *hashTableCtx) evalAndHashBuild(row tuple.Tuple) (hash uint32, key []byte, ok bool, err error) {
	return c.evalAndHash(c.buildKeys, row)
}

func (c *hashTableCtx) evalAndHashProbe(row tuple.Tuple) (hash uint32, key []byte, ok bool, err error) {
	return c.evalAndHash(c.probeKeys, row)
}

func (c *hashTableCtx) evalAndHash(keys []colexec.KeyExpr, row tuple.Tuple) (uint32, []byte, bool, error) {
	c.buf = c.buf[:0]
	for _, e := range keys {
		d, err := e.Eval(row)
		if err != nil {
			return 0, nil, false, err
		}
		if d.Null {
			return 0, nil, false, nil
		}
		c.buf = append(c.buf, byte(d.Typ))
		switch d.Typ {
		case tuple.TBytes:
			c.buf = binary.LittleEndian.AppendUint32(c.buf, uint32(len(d.B)))
			c.buf = append(c.buf, d.B...)
		default:
			c.buf = binary.LittleEndian.AppendUint64(c.buf, uint64(d.I))
		}
	}
	return murmur3.Sum32WithSeed(c.buf, c.seed), c.buf, true, nil
}

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
	"io"

	"github.com/joinerydb/joinery/pkg/common/budget"
	"github.com/joinerydb/joinery/pkg/common/joerr"
	"github.com/joinerydb/joinery/pkg/container/tuple"
	"github.com/joinerydb/joinery/pkg/spill"
)

// rowBuffer is an append-only row buffer that is either resident
// (tuples in memory, bytes charged to the budget) or spilled (tuples
// encoded into a named store buffer). Once spilled it never comes back;
// reloads go through iterate.
type rowBuffer struct {
	store  spill.Store
	budget *budget.Budget
	name   string

	mem      []tuple.Tuple
	memBytes int64

	spilled bool
	w       spill.Writer
	closed  bool

	count  int64
	encBuf []byte
}

func newRowBuffer(store spill.Store, bud *budget.Budget, name string) *rowBuffer {
	return &rowBuffer{store: store, budget: bud, name: name}
}

// newSpilledRowBuffer starts directly in spilled mode; used for the
// probe side of a spilled partition.
func newSpilledRowBuffer(store spill.Store, bud *budget.Budget, name string) (*rowBuffer, error) {
	b := newRowBuffer(store, bud, name)
	w, err := store.NewWriter(name)
	if err != nil {
		return nil, err
	}
	b.spilled = true
	b.w = w
	return b, nil
}

func (b *rowBuffer) rowCount() int64 {
	return b.count
}

// appendMem adds a resident row whose bytes the caller already charged.
func (b *rowBuffer) appendMem(row tuple.Tuple, size int64) {
	b.mem = append(b.mem, row)
	b.memBytes += size
	b.count++
}

func (b *rowBuffer) appendSpilled(row tuple.Tuple) error {
	b.encBuf = tuple.Encode(b.encBuf[:0], row)
	if err := b.w.Append(b.encBuf); err != nil {
		return err
	}
	b.count++
	return nil
}

// spillOut moves all resident rows to backing storage and releases
// their budget charge. Further appends go to the writer.
func (b *rowBuffer) spillOut() error {
	if b.spilled {
		return nil
	}
	w, err := b.store.NewWriter(b.name)
	if err != nil {
		return err
	}
	b.w = w
	b.spilled = true
	for _, row := range b.mem {
		if err := b.appendSpilled(row); err != nil {
			return err
		}
	}
	// appendSpilled bumped count for rows already counted
	b.count -= int64(len(b.mem))
	b.budget.Release(b.memBytes)
	b.mem = nil
	b.memBytes = 0
	return nil
}

// finishWrites closes the spill writer so the buffer becomes readable.
func (b *rowBuffer) finishWrites() error {
	if !b.spilled || b.closed {
		return nil
	}
	b.closed = true
	return b.w.Close()
}

// newReader returns a reader over the spilled records. The buffer must
// be spilled and finished.
func (b *rowBuffer) newReader() (spill.Reader, error) {
	if !b.spilled {
		return nil, joerr.NewInternal("reader requested for resident buffer %s", b.name)
	}
	if !b.closed {
		return nil, joerr.NewInternal("reader requested before writes finished on %s", b.name)
	}
	return b.store.NewReader(b.name)
}

// iterate visits every row in append order, resident or spilled.
func (b *rowBuffer) iterate(fn func(tuple.Tuple) error) error {
	if !b.spilled {
		for _, row := range b.mem {
			if err := fn(row); err != nil {
				return err
			}
		}
		return nil
	}
	r, err := b.newReader()
	if err != nil {
		return err
	}
	defer r.Close()
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		row, err := tuple.Decode(rec)
		if err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}

// free releases resident memory and deletes any backing records.
func (b *rowBuffer) free() {
	if b.memBytes > 0 {
		b.budget.Release(b.memBytes)
	}
	b.mem = nil
	b.memBytes = 0
	if b.spilled {
		if !b.closed {
			_ = b.w.Close()
			b.closed = true
		}
		_ = b.store.Delete(b.name)
	}
}

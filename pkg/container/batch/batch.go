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

// Package batch holds the row-batch containers exchanged with the engine.
// Batches own nothing but references: tuples remain valid only for the
// lifetime of their producer.
package batch

import "github.com/joinerydb/joinery/pkg/container/tuple"

// Batch is an ordered sequence of input rows for one side of the join.
type Batch struct {
	rows []tuple.Tuple
}

func New() *Batch {
	return &Batch{}
}

func (b *Batch) Append(t tuple.Tuple) {
	b.rows = append(b.rows, t)
}

func (b *Batch) RowCount() int {
	return len(b.rows)
}

func (b *Batch) GetRow(i int) tuple.Tuple {
	return b.rows[i]
}

func (b *Batch) Reset() {
	b.rows = b.rows[:0]
}

// JoinedRow pairs a probe-side and a build-side tuple without copying
// either. A nil side stands for NULLs (outer-join padding).
type JoinedRow struct {
	Probe tuple.Tuple
	Build tuple.Tuple
}

// OutBatch is the bounded output batch. Rows appended via AddRow stay
// invisible until CommitRows; a suspended probe call therefore never
// exposes a half-written row.
type OutBatch struct {
	rows      []JoinedRow
	capacity  int
	committed int
	appended  int
}

func NewOut(capacity int) *OutBatch {
	return &OutBatch{
		rows:     make([]JoinedRow, 0, capacity),
		capacity: capacity,
	}
}

func (b *OutBatch) Capacity() int {
	return b.capacity
}

// NumRows is the committed row count.
func (b *OutBatch) NumRows() int {
	return b.committed
}

func (b *OutBatch) AtCapacity() bool {
	return b.committed >= b.capacity
}

// AddRow reserves the next uncommitted slot and returns its index.
// Callers must not reserve past capacity.
func (b *OutBatch) AddRow() int {
	idx := b.committed + b.appended
	if idx >= len(b.rows) {
		b.rows = append(b.rows, JoinedRow{})
	}
	b.rows[idx] = JoinedRow{}
	b.appended++
	return idx
}

func (b *OutBatch) GetRow(i int) *JoinedRow {
	return &b.rows[i]
}

// CommitRows makes the first n appended rows visible and discards the rest.
func (b *OutBatch) CommitRows(n int) {
	if n > b.appended {
		n = b.appended
	}
	b.committed += n
	b.appended = 0
	b.rows = b.rows[:b.committed]
}

// Reset clears the batch for reuse.
func (b *OutBatch) Reset() {
	b.rows = b.rows[:0]
	b.committed = 0
	b.appended = 0
}

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

// Package hashmap implements the in-memory join hash table built over one
// partition's build rows. Lookups are by precomputed hash plus encoded key
// bytes; the table stores every duplicate.
package hashmap

import (
	"bytes"

	"github.com/RoaringBitmap/roaring"

	"github.com/joinerydb/joinery/pkg/container/tuple"
)

const (
	initBuckets = 64
	// grow when entries exceed buckets * maxLoadNum / maxLoadDen
	maxLoadNum = 3
	maxLoadDen = 4
)

type entry struct {
	hash uint32
	// next is the chain link, entry index + 1; 0 terminates.
	next uint32
	key  []byte
	row  tuple.Tuple
}

// JoinMap is a chained hash table over build rows. Entry indexes are
// stable, which lets the matched bitmap survive rehashing.
type JoinMap struct {
	buckets []uint32
	entries []entry
	matched *roaring.Bitmap
	size    int64
}

func NewJoinMap() *JoinMap {
	return &JoinMap{
		buckets: make([]uint32, initBuckets),
		matched: roaring.New(),
	}
}

// EntrySize is the number of bytes an insert of (key, row) will charge.
const entryOverhead = 48

func EntrySize(key []byte, row tuple.Tuple) int64 {
	return entryOverhead + int64(len(key)) + row.Size()
}

func (m *JoinMap) Len() int {
	return len(m.entries)
}

func (m *JoinMap) Size() int64 {
	return m.size
}

// Row returns the build row at entry index i, in insertion order.
func (m *JoinMap) Row(i int) tuple.Tuple {
	return m.entries[i].row
}

func (m *JoinMap) IsMatched(i int) bool {
	return m.matched.Contains(uint32(i))
}

// Insert adds a build row under the given hash and encoded key. The key
// bytes are copied; the row is borrowed.
func (m *JoinMap) Insert(hash uint32, key []byte, row tuple.Tuple) {
	if len(m.entries)*maxLoadDen >= len(m.buckets)*maxLoadNum {
		m.grow()
	}
	b := hash & uint32(len(m.buckets)-1)
	m.entries = append(m.entries, entry{
		hash: hash,
		next: m.buckets[b],
		key:  append([]byte(nil), key...),
		row:  row,
	})
	m.buckets[b] = uint32(len(m.entries))
	m.size += EntrySize(key, row)
}

func (m *JoinMap) grow() {
	buckets := make([]uint32, len(m.buckets)*2)
	mask := uint32(len(buckets) - 1)
	for i := range m.entries {
		e := &m.entries[i]
		b := e.hash & mask
		e.next = buckets[b]
		buckets[b] = uint32(i + 1)
	}
	m.buckets = buckets
}

// Find positions an iterator on the first build row whose hash and key
// equal the probe's. The iterator may be immediately at end.
func (m *JoinMap) Find(hash uint32, key []byte) Iter {
	it := Iter{m: m, hash: hash, key: key}
	b := hash & uint32(len(m.buckets)-1)
	it.idx = m.seek(m.buckets[b], hash, key)
	return it
}

func (m *JoinMap) seek(idx uint32, hash uint32, key []byte) uint32 {
	for idx != 0 {
		e := &m.entries[idx-1]
		if e.hash == hash && bytes.Equal(e.key, key) {
			return idx
		}
		idx = e.next
	}
	return 0
}

// Free drops the table storage.
func (m *JoinMap) Free() {
	m.buckets = nil
	m.entries = nil
	m.matched = nil
	m.size = 0
}

// Iter walks the chain of build rows matching one probe key. The zero
// Iter is at end.
type Iter struct {
	m    *JoinMap
	hash uint32
	key  []byte
	// idx is the current entry index + 1; 0 means at end.
	idx uint32
}

func (it *Iter) AtEnd() bool {
	return it.idx == 0
}

func (it *Iter) Row() tuple.Tuple {
	return it.m.entries[it.idx-1].row
}

// SetMatched marks the current build row matched, for the
// unmatched-build sweep of right/full outer joins.
func (it *Iter) SetMatched() {
	it.m.matched.Add(it.idx - 1)
}

// Next advances to the next build row with the same hash and key.
func (it *Iter) Next() {
	it.idx = it.m.seek(it.m.entries[it.idx-1].next, it.hash, it.key)
}

// Reset puts the iterator at end, abandoning the rest of the chain.
func (it *Iter) Reset() {
	it.idx = 0
}

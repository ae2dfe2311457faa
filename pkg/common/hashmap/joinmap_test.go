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

package hashmap

import (
	"encoding/binary"
	"testing"

	"github.com/spaolacci/murmur3"
	"github.com/stretchr/testify/require"

	"github.com/joinerydb/joinery/pkg/container/tuple"
)

func intKey(v int64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	return buf[:]
}

func keyHash(key []byte) uint32 {
	return murmur3.Sum32(key)
}

func collect(it Iter) []tuple.Tuple {
	var rows []tuple.Tuple
	for !it.AtEnd() {
		rows = append(rows, it.Row())
		it.Next()
	}
	return rows
}

func TestFindDuplicates(t *testing.T) {
	m := NewJoinMap()
	k := intKey(7)
	m.Insert(keyHash(k), k, tuple.Tuple{tuple.Int64(7), tuple.Str("a")})
	m.Insert(keyHash(k), k, tuple.Tuple{tuple.Int64(7), tuple.Str("b")})
	other := intKey(8)
	m.Insert(keyHash(other), other, tuple.Tuple{tuple.Int64(8), tuple.Str("c")})

	rows := collect(m.Find(keyHash(k), k))
	require.Len(t, rows, 2)
	got := map[string]bool{}
	for _, r := range rows {
		got[string(r[1].B)] = true
	}
	require.True(t, got["a"])
	require.True(t, got["b"])

	miss := m.Find(keyHash(intKey(99)), intKey(99))
	require.True(t, miss.AtEnd())
}

func TestSameHashDifferentKey(t *testing.T) {
	m := NewJoinMap()
	a, b := intKey(1), intKey(2)
	// force both keys into the same chain
	m.Insert(42, a, tuple.Tuple{tuple.Int64(1)})
	m.Insert(42, b, tuple.Tuple{tuple.Int64(2)})

	rows := collect(m.Find(42, a))
	require.Len(t, rows, 1)
	require.Equal(t, int64(1), rows[0][0].I)
}

func TestGrow(t *testing.T) {
	m := NewJoinMap()
	const n = 1000
	for i := int64(0); i < n; i++ {
		k := intKey(i)
		m.Insert(keyHash(k), k, tuple.Tuple{tuple.Int64(i)})
	}
	require.Equal(t, n, m.Len())
	for i := int64(0); i < n; i++ {
		k := intKey(i)
		rows := collect(m.Find(keyHash(k), k))
		require.Len(t, rows, 1)
		require.Equal(t, i, rows[0][0].I)
	}
}

func TestMatchedBitmap(t *testing.T) {
	m := NewJoinMap()
	for i := int64(0); i < 10; i++ {
		k := intKey(i % 3)
		m.Insert(keyHash(k), k, tuple.Tuple{tuple.Int64(i)})
	}
	k := intKey(1)
	it := m.Find(keyHash(k), k)
	require.False(t, it.AtEnd())
	it.SetMatched()
	first := it.idx - 1

	matched := 0
	for i := 0; i < m.Len(); i++ {
		if m.IsMatched(i) {
			matched++
			require.Equal(t, int(first), i)
		}
	}
	require.Equal(t, 1, matched)
}

func TestKeyBytesCopied(t *testing.T) {
	m := NewJoinMap()
	k := intKey(5)
	buf := append([]byte(nil), k...)
	m.Insert(keyHash(k), buf, tuple.Tuple{tuple.Int64(5)})
	// the caller's buffer may be reused afterwards
	for i := range buf {
		buf[i] = 0xff
	}
	rows := collect(m.Find(keyHash(k), k))
	require.Len(t, rows, 1)
}

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

package tuple

// T is the physical type tag of a datum.
type T uint8

const (
	TInt64 T = iota
	TBool
	TBytes
)

// Datum is one column value. Null datums keep their type tag.
type Datum struct {
	Typ  T
	Null bool
	I    int64
	B    []byte
}

// Tuple is one row: a borrowed, fixed-shape view. The engine never
// mutates a tuple after it has been appended to a batch.
type Tuple []Datum

func Int64(v int64) Datum {
	return Datum{Typ: TInt64, I: v}
}

func Bool(v bool) Datum {
	d := Datum{Typ: TBool}
	if v {
		d.I = 1
	}
	return d
}

func Bytes(b []byte) Datum {
	return Datum{Typ: TBytes, B: b}
}

func Str(s string) Datum {
	return Datum{Typ: TBytes, B: []byte(s)}
}

func Null(t T) Datum {
	return Datum{Typ: t, Null: true}
}

const datumOverhead = 32

// Size is the number of bytes charged against a memory budget for t.
func (t Tuple) Size() int64 {
	size := int64(len(t)) * datumOverhead
	for i := range t {
		size += int64(len(t[i].B))
	}
	return size
}

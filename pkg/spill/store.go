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

// Package spill provides the append-only backing storage partitions
// write to under memory pressure. Records come back in append order;
// everything else about the layout is private to a backend.
package spill

// Writer appends records to one named buffer. Append failure aborts the
// batch that triggered it; there is no retry at this layer.
type Writer interface {
	Append(rec []byte) error
	Close() error
}

// Reader iterates one buffer's records in append order. Next returns
// io.EOF after the last record.
type Reader interface {
	Next() ([]byte, error)
	Close() error
}

// Store hands out writers and readers for named buffers. A buffer must be
// fully written and closed before it is read; it may be read repeatedly.
type Store interface {
	NewWriter(name string) (Writer, error)
	NewReader(name string) (Reader, error)
	Delete(names ...string) error
	Close() error
}

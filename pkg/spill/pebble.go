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

package spill

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/pebble"

	"github.com/joinerydb/joinery/pkg/common/joerr"
)

// pebbleStore keeps all buffers in one pebble instance. A record is one
// KV pair keyed by buffer name and append sequence, so iteration order
// is append order.
type pebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens (or creates) a pebble-backed Store at dir.
func NewPebbleStore(dir string) (Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, joerr.NewSpillIO(dir, err)
	}
	return &pebbleStore{db: db}, nil
}

func recordKey(name string, seq uint64) []byte {
	key := make([]byte, 0, len(name)+9)
	key = append(key, name...)
	key = append(key, 0x00)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

func bufferBounds(name string) (lower, upper []byte) {
	lower = append([]byte(name), 0x00)
	upper = append([]byte(name), 0x01)
	return lower, upper
}

func (s *pebbleStore) NewWriter(name string) (Writer, error) {
	return &pebbleWriter{name: name, db: s.db}, nil
}

func (s *pebbleStore) NewReader(name string) (Reader, error) {
	lower, upper := bufferBounds(name)
	it := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	return &pebbleReader{name: name, it: it, first: true}, nil
}

func (s *pebbleStore) Delete(names ...string) error {
	for _, name := range names {
		lower, upper := bufferBounds(name)
		if err := s.db.DeleteRange(lower, upper, pebble.NoSync); err != nil {
			return joerr.NewSpillIO(name, err)
		}
	}
	return nil
}

func (s *pebbleStore) Close() error {
	return s.db.Close()
}

type pebbleWriter struct {
	name string
	db   *pebble.DB
	seq  uint64
}

func (w *pebbleWriter) Append(rec []byte) error {
	if err := w.db.Set(recordKey(w.name, w.seq), rec, pebble.NoSync); err != nil {
		return joerr.NewSpillIO(w.name, err)
	}
	w.seq++
	return nil
}

func (w *pebbleWriter) Close() error {
	return nil
}

type pebbleReader struct {
	name  string
	it    *pebble.Iterator
	first bool
	rec   []byte
}

func (r *pebbleReader) Next() ([]byte, error) {
	var ok bool
	if r.first {
		ok = r.it.First()
		r.first = false
	} else {
		ok = r.it.Next()
	}
	if !ok {
		if err := r.it.Error(); err != nil {
			return nil, joerr.NewSpillIO(r.name, err)
		}
		return nil, io.EOF
	}
	r.rec = append(r.rec[:0], r.it.Value()...)
	return r.rec, nil
}

func (r *pebbleReader) Close() error {
	return r.it.Close()
}

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
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/joinerydb/joinery/pkg/common/joerr"
	"github.com/pierrec/lz4"
)

// fileStore keeps one lz4-framed file per buffer under dir.
// Records are uint32 length-prefixed inside the frame.
type fileStore struct {
	dir string
}

// NewFileStore returns a Store writing under dir, creating it if needed.
func NewFileStore(dir string) (Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, joerr.NewSpillIO(dir, err)
	}
	return &fileStore{dir: dir}, nil
}

func (s *fileStore) path(name string) string {
	return filepath.Join(s.dir, name+".spill")
}

func (s *fileStore) NewWriter(name string) (Writer, error) {
	f, err := os.Create(s.path(name))
	if err != nil {
		return nil, joerr.NewSpillIO(name, err)
	}
	return &fileWriter{
		name: name,
		f:    f,
		zw:   lz4.NewWriter(f),
	}, nil
}

func (s *fileStore) NewReader(name string) (Reader, error) {
	f, err := os.Open(s.path(name))
	if err != nil {
		return nil, joerr.NewSpillIO(name, err)
	}
	return &fileReader{
		name: name,
		f:    f,
		zr:   bufio.NewReader(lz4.NewReader(f)),
	}, nil
}

func (s *fileStore) Delete(names ...string) error {
	for _, name := range names {
		if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
			return joerr.NewSpillIO(name, err)
		}
	}
	return nil
}

func (s *fileStore) Close() error {
	return nil
}

type fileWriter struct {
	name   string
	f      *os.File
	zw     *lz4.Writer
	lenBuf [4]byte
}

func (w *fileWriter) Append(rec []byte) error {
	binary.LittleEndian.PutUint32(w.lenBuf[:], uint32(len(rec)))
	if _, err := w.zw.Write(w.lenBuf[:]); err != nil {
		return joerr.NewSpillIO(w.name, err)
	}
	if _, err := w.zw.Write(rec); err != nil {
		return joerr.NewSpillIO(w.name, err)
	}
	return nil
}

func (w *fileWriter) Close() error {
	if err := w.zw.Close(); err != nil {
		w.f.Close()
		return joerr.NewSpillIO(w.name, err)
	}
	if err := w.f.Close(); err != nil {
		return joerr.NewSpillIO(w.name, err)
	}
	return nil
}

type fileReader struct {
	name   string
	f      *os.File
	zr     *bufio.Reader
	lenBuf [4]byte
	rec    []byte
}

func (r *fileReader) Next() ([]byte, error) {
	if _, err := io.ReadFull(r.zr, r.lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, joerr.NewSpillIO(r.name, err)
	}
	n := binary.LittleEndian.Uint32(r.lenBuf[:])
	if cap(r.rec) < int(n) {
		r.rec = make([]byte, n)
	}
	r.rec = r.rec[:n]
	if _, err := io.ReadFull(r.zr, r.rec); err != nil {
		return nil, joerr.NewSpillIO(r.name, err)
	}
	return r.rec, nil
}

func (r *fileReader) Close() error {
	return r.f.Close()
}

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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ps, err := NewPebbleStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, fs.Close())
		require.NoError(t, ps.Close())
	})
	return map[string]Store{"file": fs, "pebble": ps}
}

func TestRoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			w, err := store.NewWriter("buf")
			require.NoError(t, err)
			var want [][]byte
			for i := 0; i < 100; i++ {
				rec := []byte(fmt.Sprintf("record-%03d-%s", i, string(make([]byte, i))))
				want = append(want, rec)
				require.NoError(t, w.Append(rec))
			}
			require.NoError(t, w.Close())

			r, err := store.NewReader("buf")
			require.NoError(t, err)
			for i := 0; ; i++ {
				rec, err := r.Next()
				if err == io.EOF {
					require.Equal(t, len(want), i)
					break
				}
				require.NoError(t, err)
				require.Equal(t, want[i], rec)
			}
			require.NoError(t, r.Close())
			require.NoError(t, store.Delete("buf"))
		})
	}
}

func TestBufferIsolation(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			wa, err := store.NewWriter("a")
			require.NoError(t, err)
			wb, err := store.NewWriter("b")
			require.NoError(t, err)
			require.NoError(t, wa.Append([]byte("from-a")))
			require.NoError(t, wb.Append([]byte("from-b")))
			require.NoError(t, wa.Close())
			require.NoError(t, wb.Close())

			r, err := store.NewReader("b")
			require.NoError(t, err)
			rec, err := r.Next()
			require.NoError(t, err)
			require.Equal(t, "from-b", string(rec))
			_, err = r.Next()
			require.Equal(t, io.EOF, err)
			require.NoError(t, r.Close())
		})
	}
}

func TestEmptyRecord(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			w, err := store.NewWriter("empty")
			require.NoError(t, err)
			require.NoError(t, w.Append(nil))
			require.NoError(t, w.Close())

			r, err := store.NewReader("empty")
			require.NoError(t, err)
			rec, err := r.Next()
			require.NoError(t, err)
			require.Len(t, rec, 0)
			_, err = r.Next()
			require.Equal(t, io.EOF, err)
			require.NoError(t, r.Close())
		})
	}
}

func TestFileDeleteRemovesFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	defer store.Close()

	w, err := store.NewWriter("gone")
	require.NoError(t, err)
	require.NoError(t, w.Append([]byte("x")))
	require.NoError(t, w.Close())

	_, err = os.Stat(filepath.Join(dir, "gone.spill"))
	require.NoError(t, err)
	require.NoError(t, store.Delete("gone"))
	_, err = os.Stat(filepath.Join(dir, "gone.spill"))
	require.True(t, os.IsNotExist(err))

	// deleting a missing buffer is not an error
	require.NoError(t, store.Delete("gone"))
}

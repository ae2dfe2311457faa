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

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joinerydb/joinery/pkg/common/joerr"
)

func TestRoundTrip(t *testing.T) {
	in := Tuple{
		Int64(-42),
		Bool(true),
		Null(TInt64),
		Str("hello"),
		Bytes(nil),
		Null(TBytes),
	}
	out, err := Decode(Encode(nil, in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestEncodeAppends(t *testing.T) {
	prefix := []byte("xx")
	buf := Encode(prefix, Tuple{Int64(1)})
	require.Equal(t, "xx", string(buf[:2]))
	out, err := Decode(buf[2:])
	require.NoError(t, err)
	require.Equal(t, int64(1), out[0].I)
}

func TestDecodeOwnsBytes(t *testing.T) {
	buf := Encode(nil, Tuple{Str("abc")})
	out, err := Decode(buf)
	require.NoError(t, err)
	for i := range buf {
		buf[i] = 0
	}
	require.Equal(t, "abc", string(out[0].B))
}

func TestDecodeTruncated(t *testing.T) {
	full := Encode(nil, Tuple{Int64(7), Str("abcdef")})
	for _, n := range []int{0, 1, 3, len(full) - 1} {
		_, err := Decode(full[:n])
		require.Error(t, err, "prefix of %d bytes", n)
		require.True(t, joerr.IsErrCode(err, joerr.ErrInternal))
	}
}

func TestDecodeTrailingBytes(t *testing.T) {
	buf := Encode(nil, Tuple{Int64(7)})
	buf = append(buf, 0xde, 0xad)
	_, err := Decode(buf)
	require.Error(t, err)
	require.True(t, joerr.IsErrCode(err, joerr.ErrInternal))
}
